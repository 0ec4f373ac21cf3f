package main

import (
	"context"
	"fmt"
	"time"

	"scanbot/internal/attachment"
	"scanbot/internal/bus"
	"scanbot/internal/config"
	"scanbot/internal/history"
	"scanbot/internal/ingest"
	"scanbot/internal/metrics"
	"scanbot/internal/pipeline"
)

const pruneInterval = 24 * time.Hour

// app holds the components shared by gateway, analyze and reset.
type app struct {
	cfg      *config.Config
	events   *bus.EventBus
	acquirer *attachment.Acquirer
	invoker  *pipeline.Invoker
	store    *history.SQLiteStore // nil when history is disabled
	metrics  *metrics.Metrics     // nil when metrics are disabled
	orch     *ingest.Orchestrator
}

type appOptions struct {
	history bool
	metrics bool
}

func newApp(cfg *config.Config, opts appOptions) (*app, error) {
	a := &app{
		cfg:    cfg,
		events: bus.NewEventBus(logger),
	}

	a.acquirer = attachment.NewAcquirer(attachment.AcquirerConfig{
		WorkDir:  cfg.Pipeline.WorkDir,
		MaxBytes: cfg.Pipeline.MaxImageBytes,
		Logger:   logger,
	})

	var lock *pipeline.Lock
	if cfg.Pipeline.Exclusive {
		lock = pipeline.NewLock()
	} else {
		logger.Warn("pipeline runs are not serialized; concurrent runs share the pipeline's store")
	}
	a.invoker = pipeline.NewInvoker(pipeline.InvokerConfig{
		Interpreter: cfg.Pipeline.Interpreter,
		Script:      cfg.Pipeline.Script,
		Timeout:     time.Duration(cfg.Pipeline.TimeoutSeconds) * time.Second,
		ResetArgs:   cfg.Pipeline.ResetArgs,
		Lock:        lock,
		MaxOutput:   cfg.Pipeline.MaxOutputBytes,
		Logger:      logger,
	})

	if opts.history && cfg.History.Enabled {
		store, err := history.NewSQLiteStore(cfg.History.DBPath, logger)
		if err != nil {
			return nil, fmt.Errorf("history store: %w", err)
		}
		a.store = store
	}

	if opts.metrics && cfg.Metrics.Enabled {
		a.metrics = metrics.New()
		a.metrics.Subscribe(a.events)
	}

	orchCfg := ingest.Config{
		Acquirer: a.acquirer,
		Runner:   a.invoker,
		Events:   a.events,
		MaxChunk: cfg.Pipeline.ChunkSize,
		Logger:   logger,
	}
	// Assigned only when non-nil so the interface never holds a typed nil.
	if a.store != nil {
		orchCfg.Recorder = a.store
	}
	a.orch = ingest.New(orchCfg)

	return a, nil
}

// pruneHistory drops records older than the retention window now and then
// once per pruneInterval until ctx is done.
func (a *app) pruneHistory(ctx context.Context) {
	if a.store == nil {
		return
	}
	retention := time.Duration(a.cfg.History.RetentionDays) * 24 * time.Hour

	prune := func() {
		n, err := a.store.Prune(ctx, retention)
		if err != nil {
			logger.Warn("history prune failed", "err", err)
			return
		}
		if n > 0 {
			logger.Info("history pruned", "removed", n, "retention_days", a.cfg.History.RetentionDays)
		}
	}

	prune()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}

func (a *app) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logger.Warn("history store close failed", "err", err)
		}
	}
}
