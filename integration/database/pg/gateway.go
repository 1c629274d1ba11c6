package pg

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dmitrymomot/dbqueue/core/logger"
	"github.com/dmitrymomot/dbqueue/core/queue"
)

var _ queue.Gateway = (*Gateway)(nil)

// Querier is the subset of pgx shared by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Pool is a Querier that can begin transactions. *pgxpool.Pool satisfies it.
type Pool interface {
	Querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithGatewayLogger sets the logger used for rollback failures.
func WithGatewayLogger(l *slog.Logger) GatewayOption {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// Gateway implements queue.Gateway on PostgreSQL.
//
// Operations use the pgx transaction carried by ctx (see WithTx) and the pool
// otherwise. WithTransaction joins a transaction it started earlier in the same
// ctx chain; only the outermost call commits and notifies listeners.
type Gateway struct {
	pool   Pool
	logger *slog.Logger

	stmts sync.Map // table name -> *statements

	listenersMu sync.RWMutex
	listeners   []queue.TxListener
}

// NewGateway creates a gateway over pool.
func NewGateway(pool Pool, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		pool:   pool,
		logger: logger.Discard(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With(logger.Component("pg_gateway"))
	return g
}

func (g *Gateway) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx *queue.TxContext) error) error {
	if txc, ok := queue.TxFromContext(ctx); ok {
		if _, ok := TxFromContext(ctx); ok {
			return fn(ctx, txc)
		}
	}

	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	txc := queue.NewTxContext()
	txCtx := queue.ContextWithTx(WithTx(ctx, tx), txc)

	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !IsTxClosedError(rbErr) {
			g.logger.ErrorContext(ctx, "failed to roll back transaction", logger.Error(rbErr))
		}
		g.notify(queue.TxEvent{Tx: txc, Outcome: queue.TxRolledBack})
	}()

	if err := fn(txCtx, txc); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	g.notify(queue.TxEvent{Tx: txc, Outcome: queue.TxCommitted})
	return nil
}

func (g *Gateway) RegisterForNotification(listener queue.TxListener) {
	if listener == nil {
		return
	}
	g.listenersMu.Lock()
	defer g.listenersMu.Unlock()
	g.listeners = append(g.listeners, listener)
}

func (g *Gateway) notify(ev queue.TxEvent) {
	g.listenersMu.RLock()
	listeners := slices.Clone(g.listeners)
	g.listenersMu.RUnlock()

	for _, l := range listeners {
		l(ev)
	}
}

func (g *Gateway) q(ctx context.Context) Querier {
	if tx, ok := TxFromContext(ctx); ok {
		return tx
	}
	return g.pool
}

func (g *Gateway) stmtsFor(table string) (*statements, error) {
	if s, ok := g.stmts.Load(table); ok {
		return s.(*statements), nil
	}
	s, err := newStatements(table)
	if err != nil {
		return nil, err
	}
	actual, _ := g.stmts.LoadOrStore(table, s)
	return actual.(*statements), nil
}

func (g *Gateway) InsertEntry(ctx context.Context, entry *queue.Entry, table string) (int64, error) {
	if entry == nil {
		return 0, queue.ErrEntryNil
	}
	s, err := g.stmtsFor(table)
	if err != nil {
		return 0, err
	}

	var id int64
	if err := g.q(ctx).QueryRow(ctx, s.insert, entryArgs(entry)...).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to insert entry into %s: %w", table, err)
	}
	return id, nil
}

// InsertEntries copies rows that all carry a record id (history inserts) with COPY,
// and sends a batch of inserts otherwise, writing assigned ids back to the entries.
func (g *Gateway) InsertEntries(ctx context.Context, entries []*queue.Entry, table string) error {
	if len(entries) == 0 {
		return nil
	}
	s, err := g.stmtsFor(table)
	if err != nil {
		return err
	}

	withIDs := true
	for _, e := range entries {
		if e == nil {
			return queue.ErrEntryNil
		}
		if e.RecordID == 0 {
			withIDs = false
		}
	}

	if withIDs {
		columns := append([]string{"record_id"}, entryColumns...)
		_, err := g.q(ctx).CopyFrom(ctx, s.ident, columns, pgx.CopyFromSlice(len(entries), func(i int) ([]any, error) {
			return append([]any{entries[i].RecordID}, entryArgs(entries[i])...), nil
		}))
		if err != nil {
			return fmt.Errorf("failed to copy %d entries into %s: %w", len(entries), table, err)
		}
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range entries {
		if e.RecordID == 0 {
			batch.Queue(s.insert, entryArgs(e)...)
		} else {
			batch.Queue(s.insertWithID, append([]any{e.RecordID}, entryArgs(e)...)...)
		}
	}

	br := g.q(ctx).SendBatch(ctx, batch)
	for _, e := range entries {
		var id int64
		if err := br.QueryRow().Scan(&id); err != nil {
			_ = br.Close()
			return fmt.Errorf("failed to insert %d entries into %s: %w", len(entries), table, err)
		}
		e.RecordID = id
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("failed to insert %d entries into %s: %w", len(entries), table, err)
	}
	return nil
}

func (g *Gateway) RemoveEntry(ctx context.Context, id int64, table string) error {
	return g.RemoveEntries(ctx, []int64{id}, table)
}

func (g *Gateway) RemoveEntries(ctx context.Context, ids []int64, table string) error {
	if len(ids) == 0 {
		return nil
	}
	s, err := g.stmtsFor(table)
	if err != nil {
		return err
	}
	if _, err := g.q(ctx).Exec(ctx, s.remove, ids); err != nil {
		return fmt.Errorf("failed to remove %d entries from %s: %w", len(ids), table, err)
	}
	return nil
}

func (g *Gateway) GetReadyEntries(ctx context.Context, now time.Time, limit int, owner *string, table string) ([]*queue.Entry, error) {
	s, err := g.stmtsFor(table)
	if err != nil {
		return nil, err
	}
	if owner != nil {
		return g.queryEntries(ctx, s.readyByOwner, now, limit, *owner)
	}
	return g.queryEntries(ctx, s.ready, now, limit)
}

func (g *Gateway) GetEntriesFromIDs(ctx context.Context, ids []int64, table string) ([]*queue.Entry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	s, err := g.stmtsFor(table)
	if err != nil {
		return nil, err
	}
	return g.queryEntries(ctx, s.fromIDs, ids)
}

func (g *Gateway) ClaimEntry(ctx context.Context, id int64, now time.Time, owner string, nextAvailable time.Time, table string) (int64, error) {
	s, err := g.stmtsFor(table)
	if err != nil {
		return 0, err
	}
	tag, err := g.q(ctx).Exec(ctx, s.claim, owner, nextAvailable, id, now)
	if err != nil {
		return 0, fmt.Errorf("failed to claim entry %d in %s: %w", id, table, err)
	}
	return tag.RowsAffected(), nil
}

func (g *Gateway) ClaimEntries(ctx context.Context, ids []int64, now time.Time, owner string, nextAvailable time.Time, table string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	s, err := g.stmtsFor(table)
	if err != nil {
		return 0, err
	}
	tag, err := g.q(ctx).Exec(ctx, s.claimMany, owner, nextAvailable, ids, now)
	if err != nil {
		return 0, fmt.Errorf("failed to claim %d entries in %s: %w", len(ids), table, err)
	}
	return tag.RowsAffected(), nil
}

// GetEntriesLeftBehind locks the returned rows when called inside a transaction;
// rows locked by a concurrent reaper are skipped.
func (g *Gateway) GetEntriesLeftBehind(ctx context.Context, maxReDispatch int, _ time.Time, reapingDate time.Time, table string) ([]*queue.Entry, error) {
	s, err := g.stmtsFor(table)
	if err != nil {
		return nil, err
	}
	return g.queryEntries(ctx, s.leftBehind, maxReDispatch, reapingDate)
}

func (g *Gateway) UpdateOnError(ctx context.Context, id int64, nextAvailable time.Time, errorCount int, table string) error {
	s, err := g.stmtsFor(table)
	if err != nil {
		return err
	}
	tag, err := g.q(ctx).Exec(ctx, s.updateOnError, nextAvailable, errorCount, id)
	if err != nil {
		return fmt.Errorf("failed to update entry %d in %s: %w", id, table, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d in %s", queue.ErrEntryNotFound, id, table)
	}
	return nil
}

func (g *Gateway) GetNbReadyEntries(ctx context.Context, now time.Time, owner *string, table string) (int64, error) {
	s, err := g.stmtsFor(table)
	if err != nil {
		return 0, err
	}

	var n int64
	if owner != nil {
		err = g.q(ctx).QueryRow(ctx, s.countReadyByOwner, now, *owner).Scan(&n)
	} else {
		err = g.q(ctx).QueryRow(ctx, s.countReady, now).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count ready entries in %s: %w", table, err)
	}
	return n, nil
}

func (g *Gateway) GetAvailableEntryIDs(ctx context.Context, afterID int64, limit int, table string) ([]int64, error) {
	s, err := g.stmtsFor(table)
	if err != nil {
		return nil, err
	}
	rows, err := g.q(ctx).Query(ctx, s.availableIDs, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to page available ids in %s: %w", table, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("failed to page available ids in %s: %w", table, err)
	}
	return ids, nil
}

// GetEntriesCreatedBefore returns up to limit rows created before the given time,
// ordered by record id. Used to archive history tables.
func (g *Gateway) GetEntriesCreatedBefore(ctx context.Context, before time.Time, limit int, table string) ([]*queue.Entry, error) {
	s, err := g.stmtsFor(table)
	if err != nil {
		return nil, err
	}
	return g.queryEntries(ctx, s.createdBefore, before, limit)
}

func (g *Gateway) queryEntries(ctx context.Context, sql string, args ...any) ([]*queue.Entry, error) {
	rows, err := g.q(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	entries, err := pgx.CollectRows(rows, scanEntry)
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func scanEntry(row pgx.CollectableRow) (*queue.Entry, error) {
	var e queue.Entry
	var state string
	err := row.Scan(
		&e.RecordID,
		&e.ClassName,
		&e.Payload,
		&e.CreatingOwner,
		&e.ProcessingOwner,
		&e.CreatedDate,
		&e.ProcessingAvailableDate,
		&state,
		&e.ErrorCount,
		&e.SearchKey1,
		&e.SearchKey2,
		&e.UserToken,
	)
	if err != nil {
		return nil, err
	}
	e.State = queue.State(state)
	e.CreatedDate = e.CreatedDate.UTC()
	e.ProcessingAvailableDate = e.ProcessingAvailableDate.UTC()
	return &e, nil
}

// entryArgs returns values in entryColumns order.
func entryArgs(e *queue.Entry) []any {
	return []any{
		e.ClassName,
		e.Payload,
		e.CreatingOwner,
		e.ProcessingOwner,
		e.CreatedDate,
		e.ProcessingAvailableDate,
		string(e.State),
		e.ErrorCount,
		e.SearchKey1,
		e.SearchKey2,
		e.UserToken,
	}
}
