package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/parley-ai/parley/internal/api"
	"github.com/parley-ai/parley/internal/app/ledger"
	"github.com/parley-ai/parley/internal/app/round"
	"github.com/parley-ai/parley/internal/domain"
	"github.com/parley-ai/parley/internal/infra/provider"
	"github.com/parley-ai/parley/internal/infra/search"
	"github.com/parley-ai/parley/internal/infra/sqlite"
)

// Daemon owns the full service stack and its lifecycle.
type Daemon struct {
	cfg    Config
	db     *sqlite.DB
	ledger *ledger.Service
	rounds *round.Service
	runner *round.Runner
	server *http.Server
}

// New opens storage and wires the services. Nothing runs until Run.
func New(cfg Config) (*Daemon, error) {
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sqlite.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	estimator := ledger.DefaultEstimator()
	lg := ledger.New(ledger.Config{
		MaxRetries:    cfg.Ledger.MaxRetries,
		MessagePeriod: time.Duration(cfg.Ledger.MessagePeriodDays) * 24 * time.Hour,
		RefillCron:    cfg.Ledger.RefillCron,
	}, db, estimator)

	prov := provider.New(cfg.Provider.BaseURL, cfg.Provider.APIKey,
		parseDuration(cfg.Provider.Timeout, 5*time.Minute))

	var searcher domain.Searcher
	if cfg.Search.Enabled && cfg.Search.BaseURL != "" {
		searcher = search.New(cfg.Search.BaseURL)
	}

	hub := round.NewHub()
	coord := round.NewCoordinator(round.Config{
		PreSearchTimeout: parseDuration(cfg.Rounds.PreSearchTimeout, 10*time.Second),
		SearchLimit:      cfg.Rounds.SearchLimit,
		MaxConcurrent:    cfg.Rounds.MaxConcurrent,
	}, db, lg, prov, searcher, estimator, hub)
	runner := round.NewRunner(coord)
	rounds := round.NewService(db, lg, coord, runner)

	srv := api.NewServer(rounds, lg)
	srv.SetRateLimit(cfg.API.RateLimitRPS, cfg.API.RateLimitBurst)
	if cfg.Metrics.Enabled {
		srv.EnableMetrics()
	}

	return &Daemon{
		cfg:    cfg,
		db:     db,
		ledger: lg,
		rounds: rounds,
		runner: runner,
		server: &http.Server{
			Addr:              cfg.API.Addr(),
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Run serves until ctx is canceled, then shuts down in order: stop accepting
// requests, wait for in-flight rounds, close storage. Incomplete rounds left
// over from a previous run are resumed before the listener opens.
func (d *Daemon) Run(ctx context.Context) error {
	refillCtx, stopRefills := context.WithCancel(context.Background())
	defer stopRefills()
	go d.ledger.RunRefills(refillCtx)

	resumed, err := d.runner.ResumeIncomplete()
	if err != nil {
		log.Printf("[daemon] Resume sweep failed: %v", err)
	} else if resumed > 0 {
		log.Printf("[daemon] Resumed %d incomplete round(s)", resumed)
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[daemon] API listening on %s", d.cfg.API.Addr())
		if err := d.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		d.close()
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	log.Printf("[daemon] Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[daemon] HTTP shutdown: %v", err)
	}
	d.close()
	return nil
}

func (d *Daemon) close() {
	d.runner.Shutdown()
	if err := d.db.Close(); err != nil {
		log.Printf("[daemon] Close database: %v", err)
	}
}
