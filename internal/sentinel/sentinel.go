// Package sentinel implements the durable, single-row control record shared
// between the receiver and applier: startpos/endpos, the apply flag, and the
// write/flush/replay LSN progress landmarks.
package sentinel

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/dimitri/pgstreamfollow/pkg/lsn"
)

// Snapshot is a read of the sentinel row at a point in time.
type Snapshot struct {
	StartPos  pglogrepl.LSN
	EndPos    pglogrepl.LSN
	Apply     bool
	WriteLSN  pglogrepl.LSN
	FlushLSN  pglogrepl.LSN
	ReplayLSN pglogrepl.LSN
}

// Store is the sentinel handle. It wraps a connection pool; every operation
// below runs inside its own short transaction, so Store carries no other
// mutable state and is safe to share across goroutines.
type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// New wraps an existing pool as a sentinel Store.
func New(pool *pgxpool.Pool, logger zerolog.Logger) *Store {
	return &Store{
		pool:   pool,
		logger: logger.With().Str("component", "sentinel").Logger(),
	}
}

// Setup idempotently creates the single sentinel row with the given
// startpos/endpos and progress LSNs at Invalid. If a row already exists with
// a different startpos, Setup fails rather than silently overwriting it.
func (s *Store) Setup(ctx context.Context, startpos, endpos pglogrepl.LSN) error {
	var existing pglogrepl.LSN
	err := s.pool.QueryRow(ctx, `SELECT startpos FROM sentinel WHERE singleton`).Scan(&existing)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		_, err := s.pool.Exec(ctx,
			`INSERT INTO sentinel (singleton, startpos, endpos, apply) VALUES (true, $1, $2, false)`,
			startpos, endpos)
		if err != nil {
			return fmt.Errorf("sentinel setup: insert: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("sentinel setup: check existing: %w", err)
	case existing != startpos:
		return fmt.Errorf("sentinel setup: already initialized with startpos %s, cannot reinitialize with %s", lsn.Format(existing), lsn.Format(startpos))
	default:
		return nil
	}
}

// Get returns a snapshot of the current sentinel row.
func (s *Store) Get(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := s.pool.QueryRow(ctx,
		`SELECT startpos, endpos, apply, write_lsn, flush_lsn, replay_lsn FROM sentinel WHERE singleton`,
	).Scan(&snap.StartPos, &snap.EndPos, &snap.Apply, &snap.WriteLSN, &snap.FlushLSN, &snap.ReplayLSN)
	if err != nil {
		return Snapshot{}, fmt.Errorf("sentinel get: %w", err)
	}
	return snap, nil
}

// UpdateStartPos changes startpos. It is rejected once the receiver has
// written anything (write_lsn > Invalid), since resuming from a different
// position after progress has been made would silently lose or replay data.
func (s *Store) UpdateStartPos(ctx context.Context, startpos pglogrepl.LSN) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sentinel SET startpos = $1 WHERE singleton AND write_lsn = '0/0'`, startpos)
	if err != nil {
		return fmt.Errorf("sentinel update_startpos: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("sentinel update_startpos: rejected, write_lsn already advanced")
	}
	return nil
}

// UpdateEndPos changes endpos. Passing lsn.Invalid clears it.
func (s *Store) UpdateEndPos(ctx context.Context, endpos pglogrepl.LSN) error {
	_, err := s.pool.Exec(ctx, `UPDATE sentinel SET endpos = $1 WHERE singleton`, endpos)
	if err != nil {
		return fmt.Errorf("sentinel update_endpos: %w", err)
	}
	return nil
}

// UpdateApply sets the apply flag.
func (s *Store) UpdateApply(ctx context.Context, apply bool) error {
	_, err := s.pool.Exec(ctx, `UPDATE sentinel SET apply = $1 WHERE singleton`, apply)
	if err != nil {
		return fmt.Errorf("sentinel update_apply: %w", err)
	}
	return nil
}

// SyncReceive is the receiver's feedback call: it publishes write/flush
// progress and, in the same transaction, returns the current apply flag and
// endpos so the receiver can decide whether to keep streaming.
func (s *Store) SyncReceive(ctx context.Context, writeLSN, flushLSN pglogrepl.LSN) (Snapshot, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("sentinel sync_receive: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE sentinel SET write_lsn = $1, flush_lsn = $2 WHERE singleton`,
		writeLSN, flushLSN); err != nil {
		return Snapshot{}, fmt.Errorf("sentinel sync_receive: update: %w", err)
	}

	var snap Snapshot
	err = tx.QueryRow(ctx,
		`SELECT startpos, endpos, apply, write_lsn, flush_lsn, replay_lsn FROM sentinel WHERE singleton`,
	).Scan(&snap.StartPos, &snap.EndPos, &snap.Apply, &snap.WriteLSN, &snap.FlushLSN, &snap.ReplayLSN)
	if err != nil {
		return Snapshot{}, fmt.Errorf("sentinel sync_receive: read back: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Snapshot{}, fmt.Errorf("sentinel sync_receive: commit: %w", err)
	}
	return snap, nil
}

// UpdateReplay advances replay_lsn. Called by the applier after each COMMIT
// or KEEPALIVE it processes.
func (s *Store) UpdateReplay(ctx context.Context, replayLSN pglogrepl.LSN) error {
	_, err := s.pool.Exec(ctx, `UPDATE sentinel SET replay_lsn = $1 WHERE singleton`, replayLSN)
	if err != nil {
		return fmt.Errorf("sentinel update_replay: %w", err)
	}
	return nil
}
