package round

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// Runner executes the coordinator detached from the originating request, so a
// round started by a client that navigates away still completes. Triggering
// is idempotent: a second trigger for a round that is already running or
// already terminal is a no-op.
type Runner struct {
	mu     sync.Mutex
	coord  *Coordinator
	active map[string]context.CancelFunc
	sem    chan struct{}
	base   context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner creates the background completion runner.
func NewRunner(coord *Coordinator) *Runner {
	max := coord.cfg.MaxConcurrent
	if max <= 0 {
		max = 4
	}
	base, stop := context.WithCancel(context.Background())
	return &Runner{
		coord:  coord,
		active: make(map[string]context.CancelFunc),
		sem:    make(chan struct{}, max),
		base:   base,
		stop:   stop,
	}
}

func roundKey(threadID string, number int) string {
	return fmt.Sprintf("%s/%d", threadID, number)
}

// Trigger starts a round's background execution. Returns false when the round
// is already running in this process. Execution waits for a concurrency slot
// rather than failing, since every triggered round must eventually complete.
func (r *Runner) Trigger(threadID string, number int) bool {
	key := roundKey(threadID, number)

	r.mu.Lock()
	if _, running := r.active[key]; running {
		r.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(r.base)
	r.active[key] = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.active, key)
			r.mu.Unlock()
			cancel()
		}()

		select {
		case r.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-r.sem }()

		if err := r.coord.Run(ctx, threadID, number); err != nil {
			log.Printf("[runner] round %s: %v", key, err)
		}
	}()
	return true
}

// Cancel stops a round's in-flight stream in this process. Returns false when
// the round was not running here; the caller settles it from the checkpoint.
func (r *Runner) Cancel(threadID string, number int) bool {
	r.mu.Lock()
	cancel, ok := r.active[roundKey(threadID, number)]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Running reports whether a round is currently executing in this process.
func (r *Runner) Running(threadID string, number int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[roundKey(threadID, number)]
	return ok
}

// ActiveCount returns the number of rounds executing in this process.
func (r *Runner) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// ResumeIncomplete sweeps the checkpoint table for rounds interrupted by a
// crash or restart and re-triggers each one. Called once at daemon startup.
func (r *Runner) ResumeIncomplete() (int, error) {
	rounds, err := r.coord.db.IncompleteRounds()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rd := range rounds {
		if r.Trigger(rd.ThreadID, rd.Number) {
			n++
		}
	}
	if n > 0 {
		log.Printf("[runner] resumed %d incomplete round(s)", n)
	}
	return n, nil
}

// Shutdown cancels all in-flight rounds and waits for them to checkpoint.
// Interrupted rounds resume on the next startup sweep.
func (r *Runner) Shutdown() {
	r.stop()
	r.wg.Wait()
}
