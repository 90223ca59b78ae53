package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(threadsCmd)
	threadsCmd.AddCommand(threadsCreateCmd)
	threadsCmd.AddCommand(threadsMessagesCmd)
}

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "List the account's chat threads",
	RunE: func(cmd *cobra.Command, args []string) error {
		account, err := requireAccount()
		if err != nil {
			return err
		}
		var threads []struct {
			ID        string    `json:"id"`
			Title     string    `json:"title"`
			CreatedAt time.Time `json:"created_at"`
		}
		if err := newClient(account).get("/api/threads", &threads); err != nil {
			return err
		}
		if len(threads) == 0 {
			fmt.Println("No threads. Create one with 'parley threads create TITLE'.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tCREATED\tTITLE")
		for _, th := range threads {
			fmt.Fprintf(w, "%s\t%s\t%s\n", th.ID, th.CreatedAt.Local().Format("Jan 02 15:04"), th.Title)
		}
		return w.Flush()
	},
}

var threadsCreateCmd = &cobra.Command{
	Use:   "create TITLE",
	Short: "Create a new chat thread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		account, err := requireAccount()
		if err != nil {
			return err
		}
		var thread struct {
			ID string `json:"id"`
		}
		err = newClient(account).post("/api/threads", map[string]string{"title": args[0]}, &thread)
		if err != nil {
			return err
		}
		fmt.Printf("Created thread %s\n", thread.ID)
		return nil
	},
}

var threadsMessagesCmd = &cobra.Command{
	Use:   "messages THREAD_ID",
	Short: "Show a thread's messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		account, err := requireAccount()
		if err != nil {
			return err
		}
		var messages []struct {
			Role             string `json:"role"`
			Content          string `json:"content"`
			RoundNumber      int    `json:"round_number"`
			ParticipantIndex int    `json:"participant_index"`
			ErrorFlag        bool   `json:"error"`
		}
		if err := newClient(account).get("/api/threads/"+args[0]+"/messages", &messages); err != nil {
			return err
		}
		for _, m := range messages {
			label := m.Role
			if m.Role == "assistant" {
				label = fmt.Sprintf("participant %d", m.ParticipantIndex)
			}
			if m.ErrorFlag {
				label += " (error)"
			}
			fmt.Printf("[round %d] %s:\n%s\n\n", m.RoundNumber, label, m.Content)
		}
		return nil
	},
}
