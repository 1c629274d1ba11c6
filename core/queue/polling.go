package queue

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/dmitrymomot/dbqueue/core/logger"
)

// pollingSource finds candidates by querying the live table on every call.
type pollingSource struct {
	eng     *Engine
	claimer claimer
	// ownerFilter restricts candidates to entries this owner created.
	ownerFilter bool
	// batchReinsert writes reaped copies with one multi-row insert.
	batchReinsert bool
}

func (s *pollingSource) initialize(context.Context) error { return nil }

func (s *pollingSource) readyEntries(ctx context.Context) ([]*Entry, error) {
	e := s.eng
	now := e.clock.Now()

	var owner *string
	if s.ownerFilter {
		owner = &e.owner
	}

	candidates, err := e.gw.GetReadyEntries(ctx, now, e.cfg.MaxEntriesClaimed, owner, e.cfg.TableName)
	if err != nil {
		return nil, fmt.Errorf("failed to get ready entries from %s: %w", e.cfg.TableName, err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	return s.claimer.claim(ctx, now, candidates)
}

func (s *pollingSource) afterInsert(context.Context, *TxContext, *Entry) {}

func (s *pollingSource) afterRetry(context.Context, *TxContext, *Entry) {}

func (s *pollingSource) insertReaped(ctx context.Context, tx *TxContext, entries []*Entry) error {
	if s.batchReinsert {
		return s.eng.insertEntriesFromTx(ctx, entries)
	}
	for _, entry := range entries {
		if err := s.eng.InsertEntryFromTx(ctx, tx, entry); err != nil {
			return err
		}
	}
	return nil
}

func (s *pollingSource) close() {}

// sequentialClaimer claims candidates one conditional update at a time and keeps
// only those whose update affected exactly one row. Entries lost to a concurrent
// claimant are skipped silently. When an update fails, the entries claimed before it
// are returned with the error.
type sequentialClaimer struct {
	eng *Engine
}

func (c sequentialClaimer) claim(ctx context.Context, now time.Time, candidates []*Entry) ([]*Entry, error) {
	e := c.eng
	deadline := e.claimDeadline(now)
	claimed := make([]*Entry, 0, len(candidates))

	start := time.Now()
	defer func() {
		e.metrics.ObserveDuration(e.cfg.TableName, MetricClaimTime, time.Since(start))
	}()

	for _, entry := range candidates {
		n, err := e.gw.ClaimEntry(ctx, entry.RecordID, now, e.owner, deadline, e.cfg.TableName)
		if err != nil {
			if len(claimed) > 0 {
				e.logger.WarnContext(ctx, "claim aborted, returning entries already claimed",
					logger.RecordIDs(recordIDs(claimed)),
					logger.Error(err))
				e.totalClaimed.Add(int64(len(claimed)))
				e.metrics.IncCounter(e.cfg.TableName, MetricClaimEntries, int64(len(claimed)))
			}
			return claimed, fmt.Errorf("failed to claim entry %d in %s: %w", entry.RecordID, e.cfg.TableName, err)
		}
		if n != 1 {
			continue
		}
		e.markClaimed(entry, deadline)
		claimed = append(claimed, entry)
	}

	e.totalClaimed.Add(int64(len(claimed)))
	e.metrics.IncCounter(e.cfg.TableName, MetricClaimEntries, int64(len(claimed)))
	return claimed, nil
}

// batchClaimer claims all candidates with a single update. When fewer rows than
// expected were affected it re-reads the candidates and keeps those now held by
// this owner.
type batchClaimer struct {
	eng *Engine
}

func (c batchClaimer) claim(ctx context.Context, now time.Time, candidates []*Entry) ([]*Entry, error) {
	e := c.eng
	deadline := e.claimDeadline(now)
	ids := recordIDs(candidates)

	start := time.Now()
	n, err := e.gw.ClaimEntries(ctx, ids, now, e.owner, deadline, e.cfg.TableName)
	e.metrics.ObserveDuration(e.cfg.TableName, MetricClaimTime, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("failed to claim %d entries in %s: %w", len(ids), e.cfg.TableName, err)
	}

	var claimed []*Entry
	switch {
	case n == 0:
		return nil, nil
	case n == int64(len(candidates)):
		for _, entry := range candidates {
			e.markClaimed(entry, deadline)
		}
		claimed = candidates
	default:
		e.logger.WarnContext(ctx, "batch claim affected fewer rows than expected",
			logger.Count("expected", len(candidates)),
			logger.Count("affected", int(n)))

		rows, err := e.gw.GetEntriesFromIDs(ctx, ids, e.cfg.TableName)
		if err != nil {
			return nil, fmt.Errorf("failed to reconcile claimed entries in %s: %w", e.cfg.TableName, err)
		}
		claimed = make([]*Entry, 0, n)
		for _, row := range rows {
			if row.State == StateInProcessing && row.OwnedBy(e.owner) {
				claimed = append(claimed, row)
			}
		}
	}

	slices.SortFunc(claimed, compareRecordID)

	e.totalClaimed.Add(int64(len(claimed)))
	e.metrics.IncCounter(e.cfg.TableName, MetricClaimEntries, int64(len(claimed)))
	return claimed, nil
}
