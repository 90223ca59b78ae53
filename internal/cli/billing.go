package cli

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(accountCmd)
	rootCmd.AddCommand(balanceCmd)
	rootCmd.AddCommand(transactionsCmd)
	rootCmd.AddCommand(grantCmd)

	accountCreateCmd.Flags().String("plan", "free", "Plan type: free or paid")
	accountCmd.AddCommand(accountCreateCmd)
	accountCmd.AddCommand(accountUpgradeCmd)

	transactionsCmd.Flags().IntP("limit", "n", 20, "Number of entries to show")
	grantCmd.Flags().String("reason", "manual grant", "Reason recorded on the ledger entry")
}

// balanceView mirrors the daemon's balance payload.
type balanceView struct {
	Balance    int64  `json:"balance"`
	Reserved   int64  `json:"reserved"`
	Available  int64  `json:"available"`
	Status     string `json:"status"`
	Percentage int    `json:"percentage"`
	Plan       struct {
		Type           string    `json:"type"`
		MonthlyCredits int64     `json:"monthly_credits"`
		NextRefillAt   time.Time `json:"next_refill_at"`
	} `json:"plan"`
}

func printBalance(v balanceView) {
	fmt.Printf("Plan:      %s (%d credits/month)\n", v.Plan.Type, v.Plan.MonthlyCredits)
	fmt.Printf("Balance:   %d\n", v.Balance)
	if v.Reserved > 0 {
		fmt.Printf("Reserved:  %d\n", v.Reserved)
	}
	fmt.Printf("Available: %d (%d%% used, %s)\n", v.Available, v.Percentage, v.Status)
	fmt.Printf("Refills:   %s\n", v.Plan.NextRefillAt.Local().Format("2006-01-02 15:04"))
}

// ─── account ────────────────────────────────────────────────────────────────

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage accounts",
}

var accountCreateCmd = &cobra.Command{
	Use:   "create ACCOUNT_ID",
	Short: "Create an account and grant its initial monthly allocation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		plan, _ := cmd.Flags().GetString("plan")
		var view balanceView
		err := newClient(args[0]).post("/api/accounts", map[string]string{
			"account_id": args[0],
			"plan":       plan,
		}, &view)
		if err != nil {
			return err
		}
		fmt.Printf("Created account %s\n\n", args[0])
		printBalance(view)
		return nil
	},
}

var accountUpgradeCmd = &cobra.Command{
	Use:   "upgrade",
	Short: "Upgrade the account to the paid plan",
	RunE: func(cmd *cobra.Command, args []string) error {
		account, err := requireAccount()
		if err != nil {
			return err
		}
		var view balanceView
		err = newClient(account).put("/api/billing/plan", map[string]string{"plan": "paid"}, &view)
		if err != nil {
			return err
		}
		fmt.Printf("Account %s is now on the paid plan\n\n", account)
		printBalance(view)
		return nil
	},
}

// ─── balance ────────────────────────────────────────────────────────────────

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Show the account's credit balance",
	RunE: func(cmd *cobra.Command, args []string) error {
		account, err := requireAccount()
		if err != nil {
			return err
		}
		var view balanceView
		if err := newClient(account).get("/api/billing/balance", &view); err != nil {
			return err
		}
		printBalance(view)
		return nil
	},
}

// ─── transactions ───────────────────────────────────────────────────────────

var transactionsCmd = &cobra.Command{
	Use:   "transactions",
	Short: "Show recent ledger entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		account, err := requireAccount()
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")

		var entries []struct {
			Type         string    `json:"type"`
			Amount       int64     `json:"amount"`
			BalanceAfter int64     `json:"balance_after"`
			Action       string    `json:"action"`
			CreatedAt    time.Time `json:"created_at"`
		}
		path := "/api/billing/transactions?limit=" + strconv.Itoa(limit)
		if err := newClient(account).get(path, &entries); err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "WHEN\tTYPE\tAMOUNT\tBALANCE\tACTION")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%+d\t%d\t%s\n",
				e.CreatedAt.Local().Format("Jan 02 15:04"), e.Type, e.Amount, e.BalanceAfter, e.Action)
		}
		return w.Flush()
	},
}

// ─── grant ──────────────────────────────────────────────────────────────────

var grantCmd = &cobra.Command{
	Use:   "grant AMOUNT",
	Short: "Grant credits to the account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		account, err := requireAccount()
		if err != nil {
			return err
		}
		amount, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || amount <= 0 {
			return fmt.Errorf("amount must be a positive integer, got %q", args[0])
		}
		reason, _ := cmd.Flags().GetString("reason")

		var view balanceView
		err = newClient(account).post("/api/billing/grants", map[string]any{
			"account_id": account,
			"amount":     amount,
			"reason":     reason,
		}, &view)
		if err != nil {
			return err
		}
		fmt.Printf("Granted %d credits\n\n", amount)
		printBalance(view)
		return nil
	},
}
