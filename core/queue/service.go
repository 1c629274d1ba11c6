package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/dbqueue/core/logger"
)

// Service wires an engine, its dispatcher and reaper together with a handler registry:
// each dispatch cycle fetches ready entries, runs the handler registered for their
// class name and settles them according to the outcome.
//
// Example usage:
//
//	gw := queue.NewMemoryGateway()
//	svc, err := queue.NewService(gw, queue.DefaultConfig(),
//	    queue.WithServiceLogger(slog.Default()),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	type InvoiceCreated struct {
//	    InvoiceID int64 `json:"invoice_id"`
//	}
//
//	svc.RegisterHandler(queue.NewTaskHandler(func(ctx context.Context, e InvoiceCreated) error {
//	    return notifyAccount(ctx, e.InvoiceID)
//	}))
//
//	// Enqueue atomically with business data.
//	err = gw.WithTransaction(ctx, func(ctx context.Context, tx *queue.TxContext) error {
//	    _, err := svc.EnqueueFromTx(ctx, tx, InvoiceCreated{InvoiceID: 42})
//	    return err
//	})
//
//	// Blocks until ctx is cancelled.
//	err = svc.Run(ctx)
type Service struct {
	engine     *Engine
	enqueuer   *Enqueuer
	dispatcher *Dispatcher
	reaper     *Reaper
	cfg        Config
	logger     *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler

	started atomic.Bool

	processed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
}

// ServiceStats provides observability metrics for monitoring and debugging.
type ServiceStats struct {
	Processed  int64 // Entries settled as PROCESSED
	Failed     int64 // Entries settled as FAILED
	Retried    int64 // Entries returned to AVAILABLE after a handler error
	Engine     EngineStats
	Dispatcher DispatcherStats
	Reaper     ReaperStats
}

// NewService creates a queue service over gw. Invalid configuration fails fast.
func NewService(gw Gateway, cfg Config, opts ...ServiceOption) (*Service, error) {
	options := &serviceOptions{
		logger: logger.Discard(),
	}
	for _, opt := range opts {
		opt(options)
	}

	engine, err := NewEngine(gw, cfg, append([]EngineOption{WithEngineLogger(options.logger)}, options.engineOptions...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	cfg = engine.Config()

	s := &Service{
		engine:   engine,
		cfg:      cfg,
		logger:   options.logger.With(logger.Component("queue_service"), logger.Queue(cfg.TableName)),
		handlers: make(map[string]Handler),
	}

	s.enqueuer, err = NewEnqueuer(engine, options.enqueuerOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create enqueuer: %w", err)
	}

	s.dispatcher, err = NewDispatcherFromConfig(cfg, s.processOnce,
		append([]DispatcherOption{WithDispatcherLogger(options.logger)}, options.dispatcherOptions...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}

	if !options.disableReaper {
		s.reaper, err = NewReaperFromConfig(cfg, engine,
			append([]ReaperOption{WithReaperLogger(options.logger)}, options.reaperOptions...)...)
		if err != nil {
			return nil, fmt.Errorf("failed to create reaper: %w", err)
		}
	}

	if err := s.RegisterHandlers(options.handlers...); err != nil {
		return nil, err
	}

	return s, nil
}

// Engine returns the underlying queue engine.
func (s *Service) Engine() *Engine { return s.engine }

// Dispatcher returns the dispatch loop.
func (s *Service) Dispatcher() *Dispatcher { return s.dispatcher }

// Reaper returns the reaper, or nil when it was disabled.
func (s *Service) Reaper() *Reaper { return s.reaper }

// RegisterHandler registers a handler under its class name, replacing any previous one.
func (s *Service) RegisterHandler(handler Handler) error {
	if handler == nil {
		return ErrHandlerNil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.handlers[handler.Name()] = handler
	return nil
}

// RegisterHandlers registers multiple handlers.
func (s *Service) RegisterHandlers(handlers ...Handler) error {
	for _, h := range handlers {
		if err := s.RegisterHandler(h); err != nil {
			return err
		}
	}
	return nil
}

// Enqueue adds an entry in its own transaction and returns its record id.
func (s *Service) Enqueue(ctx context.Context, payload any, opts ...EnqueueOption) (int64, error) {
	return s.enqueuer.Enqueue(ctx, payload, opts...)
}

// EnqueueFromTx adds an entry as part of the caller's transaction.
func (s *Service) EnqueueFromTx(ctx context.Context, tx *TxContext, payload any, opts ...EnqueueOption) (int64, error) {
	return s.enqueuer.EnqueueFromTx(ctx, tx, payload, opts...)
}

// Start initializes the engine and launches the reaper and dispatcher.
// It returns immediately.
func (s *Service) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	if err := s.engine.Initialize(ctx); err != nil {
		s.started.Store(false)
		return err
	}
	if s.reaper != nil {
		s.reaper.Start(ctx)
	}
	s.dispatcher.Start(ctx)

	s.logger.InfoContext(ctx, "queue service started",
		logger.Owner(s.engine.Owner()),
		logger.Mode(string(s.cfg.Mode)),
		logger.Count("handlers", s.handlerCount()))
	return nil
}

// Stop stops the dispatcher first, then the reaper, and releases engine resources.
func (s *Service) Stop() error {
	if !s.started.CompareAndSwap(true, false) {
		return ErrNotStarted
	}

	var errs []error
	if err := s.dispatcher.Stop(); err != nil {
		errs = append(errs, err)
	}
	if s.reaper != nil {
		if err := s.reaper.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	s.engine.Close()

	if err := errors.Join(errs...); err != nil {
		s.logger.Error("queue service stopped with errors", logger.Error(err))
		return err
	}
	s.logger.Info("queue service stopped")
	return nil
}

// Run starts the service components in an error group and blocks until ctx is
// cancelled, then shuts them down gracefully.
func (s *Service) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	defer s.started.Store(false)

	if err := s.engine.Initialize(ctx); err != nil {
		return err
	}
	defer s.engine.Close()

	s.logger.InfoContext(ctx, "starting queue service",
		logger.Owner(s.engine.Owner()),
		logger.Mode(string(s.cfg.Mode)),
		logger.Count("handlers", s.handlerCount()))

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(s.dispatcher.Run(ctx))
	if s.reaper != nil {
		eg.Go(s.reaper.Run(ctx))
	}
	return eg.Wait()
}

// Stats returns current service statistics.
func (s *Service) Stats() ServiceStats {
	stats := ServiceStats{
		Processed:  s.processed.Load(),
		Failed:     s.failed.Load(),
		Retried:    s.retried.Load(),
		Engine:     s.engine.Stats(),
		Dispatcher: s.dispatcher.Stats(),
	}
	if s.reaper != nil {
		stats.Reaper = s.reaper.Stats()
	}
	return stats
}

// Healthcheck verifies the dispatch loop is alive and the live table is reachable.
func (s *Service) Healthcheck(ctx context.Context) error {
	if !s.dispatcher.IsRunning() {
		return errors.Join(ErrHealthcheckFailed, ErrQueueNotRunning)
	}
	if _, err := s.engine.ReadyCount(ctx); err != nil {
		return errors.Join(ErrHealthcheckFailed, err)
	}
	return nil
}

func (s *Service) handlerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handlers)
}

// processOnce is the dispatcher's process function: one fetch, then every entry in turn.
func (s *Service) processOnce(ctx context.Context) error {
	entries, err := s.engine.GetReadyEntries(ctx)

	errs := []error{err}
	for _, entry := range entries {
		if err := s.processEntry(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// processEntry runs the handler and settles the entry. Settlement is not interrupted
// by shutdown so a claimed entry is never left half-settled.
func (s *Service) processEntry(ctx context.Context, entry *Entry) error {
	start := time.Now()
	settleCtx := context.WithoutCancel(ctx)

	handlerErr := s.invoke(settleCtx, entry)
	outcome := OutcomeOf(handlerErr)
	state := SettleState(outcome, entry.ErrorCount, s.cfg.MaxFailureRetries)

	attrs := []any{
		logger.RecordID(entry.RecordID),
		logger.ClassName(entry.ClassName),
		logger.ErrorCount(entry.ErrorCount),
		logger.Elapsed(start),
	}

	switch state {
	case StateProcessed:
		settled := entry.Clone()
		settled.State = StateProcessed
		if err := s.engine.MoveEntryToHistory(settleCtx, settled); err != nil {
			return fmt.Errorf("failed to settle entry %d: %w", entry.RecordID, err)
		}
		s.processed.Add(1)
		s.logger.DebugContext(ctx, "entry processed", attrs...)

	case StateFailed:
		settled := entry.Clone()
		settled.State = StateFailed
		settled.ErrorCount = entry.ErrorCount + 1
		if err := s.engine.MoveEntryToHistory(settleCtx, settled); err != nil {
			return fmt.Errorf("failed to settle entry %d: %w", entry.RecordID, err)
		}
		s.failed.Add(1)
		s.logger.ErrorContext(ctx, "entry failed",
			append(attrs, logger.Error(handlerErr), slog.String("outcome", outcome.String()))...)

	default:
		if err := s.engine.UpdateOnError(settleCtx, entry); err != nil {
			return fmt.Errorf("failed to reschedule entry %d: %w", entry.RecordID, err)
		}
		s.retried.Add(1)
		s.logger.WarnContext(ctx, "entry will be retried",
			append(attrs, logger.Error(handlerErr), logger.Time("available_at", entry.ProcessingAvailableDate))...)
	}
	return nil
}

// invoke runs the registered handler with the claim duration as deadline.
// A panic is converted into a retryable error.
func (s *Service) invoke(ctx context.Context, entry *Entry) (err error) {
	s.mu.RLock()
	handler, ok := s.handlers[entry.ClassName]
	s.mu.RUnlock()
	if !ok {
		return Fatal(fmt.Errorf("%w: %s", ErrNoHandler, entry.ClassName))
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in handler: %v", r)
			s.logger.ErrorContext(ctx, "handler panicked",
				logger.RecordID(entry.RecordID),
				logger.ClassName(entry.ClassName),
				logger.Panic(r))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ClaimedTime)
	defer cancel()

	return handler.Handle(ctx, entry)
}
