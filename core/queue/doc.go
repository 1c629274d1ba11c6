// Package queue provides a durable, database-backed event queue with transactional
// enqueueing, three claim strategies and automatic recovery of abandoned entries.
//
// Every queue is a pair of tables: a live table holding AVAILABLE and
// IN_PROCESSING entries, and a history table holding settled ones. An entry
// inserted inside a business transaction becomes dispatchable only if that
// transaction commits.
//
// # Features
//
//   - Transactional enqueueing through a caller-supplied transaction
//   - POLLING mode: per-row conditional claims, safe with many claimants
//   - STICKY_POLLING mode: one batch claim per fetch for a single claimant per owner
//   - STICKY_EVENTS mode: commit-notification-fed bounded in-memory queue with reseeding
//   - Atomic moves to history with the final state
//   - Reaper for entries left IN_PROCESSING by crashed claimants
//   - Dispatcher loop with fixed-rate pacing and panic containment
//   - Type-safe handlers using Go generics, with retry and fatal outcomes
//   - In-memory gateway for testing and development
//
// # Basic Usage
//
//	import "github.com/dmitrymomot/dbqueue/core/queue"
//
//	gw := queue.NewMemoryGateway() // or pg.NewGateway(pool)
//
//	cfg := queue.DefaultConfig()
//	cfg.Mode = queue.ModeStickyEvents
//
//	svc, err := queue.NewService(gw, cfg)
//	if err != nil {
//		return err
//	}
//
//	type InvoiceCreated struct {
//		InvoiceID int64 `json:"invoice_id"`
//	}
//
//	svc.RegisterHandler(queue.NewTaskHandler(func(ctx context.Context, e InvoiceCreated) error {
//		if e.InvoiceID == 0 {
//			return queue.Fatal(errors.New("missing invoice id"))
//		}
//		return deliver(ctx, e)
//	}))
//
//	err = gw.WithTransaction(ctx, func(ctx context.Context, tx *queue.TxContext) error {
//		if err := saveInvoice(ctx); err != nil {
//			return err // rolled back: nothing is dispatched
//		}
//		_, err := svc.EnqueueFromTx(ctx, tx, InvoiceCreated{InvoiceID: 42})
//		return err
//	})
//
//	return svc.Run(ctx)
//
// # Lower-level Components
//
// Engine, Dispatcher and Reaper can be used on their own:
//
//	engine, err := queue.NewEngine(gw, cfg, queue.WithEngineLogger(log))
//	if err := engine.Initialize(ctx); err != nil {
//		return err
//	}
//
//	dispatcher, _ := queue.NewDispatcherFromConfig(cfg, func(ctx context.Context) error {
//		// Entries claimed before a failure come back with the error.
//		entries, err := engine.GetReadyEntries(ctx)
//		for _, e := range entries {
//			e.State = queue.StateProcessed
//		}
//		return errors.Join(err, engine.MoveEntriesToHistory(ctx, entries))
//	})
//	dispatcher.Start(ctx)
//	defer dispatcher.Stop()
//
//	reaper, _ := queue.NewReaperFromConfig(cfg, engine)
//	reaper.Start(ctx)
//	defer reaper.Stop()
//
// # Entry Lifecycle
//
//	AVAILABLE --claim--> IN_PROCESSING --success--> PROCESSED (history)
//	                          |------fatal/exhausted--> FAILED (history)
//	                          |------retry----------> AVAILABLE (errorCount+1, delayed)
//	                          '------abandoned------> REAPED (history) + fresh AVAILABLE copy
//	AVAILABLE/IN_PROCESSING --RemoveEntry--> REMOVED (history)
//
// # Configuration
//
// Config is loaded from environment variables with a per-queue prefix:
//
//	var cfg queue.Config
//	config.MustLoad(&cfg, config.WithPrefix("BUS_"))
//
// Settings that cannot work together fail NewEngine with ErrInvalidConfig. A reap
// threshold shorter than the claimed time plus five minutes is raised by the reaper.
//
// # Error Handling
//
// The package defines sentinel errors for common failure scenarios:
//
//	ErrInvalidConfig    - configuration failed validation
//	ErrNoTransaction    - transactional insert called without a transaction
//	ErrInflightNotReady - STICKY_EVENTS fetch before Initialize
//	ErrNoHandler        - entry class name without registered handler (fails the entry)
//	ErrShutdownTimeout  - component did not stop in time
package queue
