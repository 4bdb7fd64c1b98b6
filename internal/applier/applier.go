package applier

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/dimitri/pgstreamfollow/internal/pgwire"
	"github.com/dimitri/pgstreamfollow/internal/sentinel"
	"github.com/dimitri/pgstreamfollow/internal/stats"
	"github.com/dimitri/pgstreamfollow/pkg/lsn"
)

const feedbackInterval = 1 * time.Second

const maxLineSize = 16 << 20

// Applier replays the SQL stream produced by internal/sqlemit against the
// target, one connection at a time: PREPARE handles are tracked for the
// lifetime of the connection, EXECUTE runs with positionally-bound
// parameters, and the replication origin advances atomically with each
// COMMIT.
type Applier struct {
	pool       *pgxpool.Pool
	store      *sentinel.Store
	originName string
	logger     zerolog.Logger
	stats      *stats.Tracker
}

// New creates an Applier. originName identifies the replication origin used
// to tag applied writes and to resume after restart.
func New(pool *pgxpool.Pool, store *sentinel.Store, originName string, logger zerolog.Logger) *Applier {
	return &Applier{
		pool:       pool,
		store:      store,
		originName: originName,
		logger:     logger.With().Str("component", "applier").Logger(),
	}
}

// WithStats attaches a stats.Tracker that RecordApplied is called against
// after each COMMIT; it returns the receiver for chaining at construction.
func (a *Applier) WithStats(t *stats.Tracker) *Applier {
	a.stats = t
	return a
}

// Run reads lines from r until EOF, ctx cancellation, or the sentinel's
// endpos is reached (checked after every boundary line, and polled once a
// second regardless, so a pause with apply=false still notices a reachable
// endpos). It acquires one pooled connection for its own lifetime so that
// PREPARE handles stay valid across statements.
func (a *Applier) Run(ctx context.Context, r io.Reader) error {
	conn, err := a.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("applier: acquire connection: %w", err)
	}
	defer conn.Release()

	wire := pgwire.NewConn(conn.Conn().PgConn(), a.logger)

	snap, err := a.store.Get(ctx)
	if err != nil {
		return fmt.Errorf("applier: initial sentinel read: %w", err)
	}
	applyEnabled := snap.Apply
	endpos := snap.EndPos
	replayLSN := snap.ReplayLSN

	if applyEnabled {
		if err := wire.SetReplicationOrigin(ctx, a.originName); err != nil {
			return err
		}
		// The origin's own bookkeeping is authoritative for where applying
		// actually left off, even if the sentinel's replay_lsn lagged
		// behind at the moment of a crash.
		if progress, err := wire.OriginProgress(ctx, a.originName); err != nil {
			a.logger.Warn().Err(err).Msg("read replication origin progress, falling back to sentinel replay_lsn")
		} else if originLSN, err := lsn.Parse(progress); err == nil && lsn.Compare(originLSN, replayLSN) > 0 {
			replayLSN = originLSN
		}
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	prepared := make(map[string]string)
	var tx pgx.Tx
	originAdvancedThisTxn := false
	lastPoll := time.Now()
	var txnBytes int64

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		rawLine := scanner.Text()
		txnBytes += int64(len(rawLine))

		line, err := ParseLine(rawLine)
		if err != nil {
			return err
		}

		switch line.Kind {
		case LineBegin:
			txnBytes = int64(len(rawLine))
			if applyEnabled {
				tx, err = conn.Begin(ctx)
				if err != nil {
					return fmt.Errorf("applier: begin: %w", err)
				}
				originAdvancedThisTxn = false
				if lsn.IsValid(line.CommitLSN) {
					if err := wire.AdvanceOrigin(ctx, lsn.Format(line.CommitLSN)); err != nil {
						return err
					}
					originAdvancedThisTxn = true
				}
			}

		case LinePrepare:
			if applyEnabled {
				if existingSQL, ok := prepared[line.Handle]; ok {
					if existingSQL != line.SQL {
						if _, err := conn.Exec(ctx, fmt.Sprintf("DEALLOCATE %s", line.Handle)); err != nil {
							return fmt.Errorf("applier: deallocate colliding handle %s: %w", line.Handle, err)
						}
						if _, err := conn.Conn().Prepare(ctx, line.Handle, line.SQL); err != nil {
							return fmt.Errorf("applier: re-prepare %s: %w", line.Handle, err)
						}
						prepared[line.Handle] = line.SQL
					}
				} else {
					if _, err := conn.Conn().Prepare(ctx, line.Handle, line.SQL); err != nil {
						return fmt.Errorf("applier: prepare %s: %w", line.Handle, err)
					}
					prepared[line.Handle] = line.SQL
				}
			}

		case LineExecute:
			if applyEnabled {
				execer, err := a.statementExecer(ctx, conn, &tx)
				if err != nil {
					return err
				}
				if _, err := execer.Exec(ctx, line.Handle, line.Params...); err != nil {
					return fmt.Errorf("applier: execute %s: %w", line.Handle, err)
				}
			}

		case LineCommit:
			if applyEnabled && tx != nil {
				if !originAdvancedThisTxn {
					if err := wire.AdvanceOrigin(ctx, lsn.Format(line.LSN)); err != nil {
						return err
					}
				}
				if err := tx.Commit(ctx); err != nil {
					return fmt.Errorf("applier: commit: %w", err)
				}
				tx = nil
				if a.stats != nil {
					a.stats.RecordApplied(line.LSN, txnBytes)
				}
				replayLSN = line.LSN
				if err := a.store.UpdateReplay(ctx, replayLSN); err != nil {
					return fmt.Errorf("applier: update sentinel replay_lsn: %w", err)
				}
			}

		case LineRollback:
			if applyEnabled && tx != nil {
				if err := tx.Rollback(ctx); err != nil {
					return fmt.Errorf("applier: rollback: %w", err)
				}
				tx = nil
			}

		case LineKeepalive:
			replayLSN = line.LSN
			if err := a.store.UpdateReplay(ctx, replayLSN); err != nil {
				return fmt.Errorf("applier: update sentinel replay_lsn: %w", err)
			}

		case LineSwitch, LineEndpos:
			// Pure markers; no database action.
		}

		if time.Since(lastPoll) >= feedbackInterval {
			lastPoll = time.Now()
			snap, err := a.store.Get(ctx)
			if err != nil {
				return fmt.Errorf("applier: poll sentinel: %w", err)
			}
			wasEnabled := applyEnabled
			applyEnabled = snap.Apply
			endpos = snap.EndPos
			if applyEnabled && !wasEnabled {
				if err := wire.SetReplicationOrigin(ctx, a.originName); err != nil {
					return err
				}
			}
		}

		if lsn.IsValid(endpos) && lsn.Compare(endpos, replayLSN) <= 0 {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("applier: scan input: %w", err)
	}
	return nil
}

// execer abstracts over a *pgx.Conn and a pgx.Tx so EXECUTE lines that land
// inside a continued transaction (one whose BEGIN was not re-emitted, per
// §S5) can run against an implicit transaction opened on first use.
type execer interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func (a *Applier) statementExecer(ctx context.Context, conn *pgxpool.Conn, tx *pgx.Tx) (execer, error) {
	if *tx == nil {
		started, err := conn.Begin(ctx)
		if err != nil {
			return nil, fmt.Errorf("applier: implicit begin for continued transaction: %w", err)
		}
		*tx = started
	}
	return *tx, nil
}
