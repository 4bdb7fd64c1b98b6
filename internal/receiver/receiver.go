// Package receiver establishes the logical replication session against the
// source, writes JSON-lines files per WAL segment, filters out empty
// transactions, and feeds the sentinel and the transform queue.
package receiver

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/rs/zerolog"

	"github.com/dimitri/pgstreamfollow/internal/jsonline"
	"github.com/dimitri/pgstreamfollow/internal/queue"
	"github.com/dimitri/pgstreamfollow/internal/sentinel"
	"github.com/dimitri/pgstreamfollow/internal/stats"
	"github.com/dimitri/pgstreamfollow/internal/walmsg"
	"github.com/dimitri/pgstreamfollow/pkg/lsn"
)

const (
	feedbackInterval   = 1 * time.Second
	emptyTxTimeout      = 30 * time.Second
	reconnectBackoff    = 1 * time.Second
	receiveTimeout      = 2 * time.Second
)

// Config parameterizes one Receiver.
type Config struct {
	SlotName    string
	Plugin      walmsg.Plugin
	SegmentSize uint64
	Timeline    uint32
	OutputDir   string

	// Pipe, when non-nil, is also written every line (live REPLAY mode),
	// in addition to the durable per-segment files written unconditionally.
	Pipe io.Writer

	// Queue receives TRANSFORM(firstLSN) on each rotation and STOP on clean
	// exit; nil in REPLAY mode, where the pipe itself drives the transformer.
	Queue *queue.Queue

	// Stats, when non-nil, is updated with write/flush progress and the
	// source's latest WAL position on every feedback cycle.
	Stats *stats.Tracker
}

// Receiver runs one replication session to completion (error, context
// cancellation, or endpos reached) per call to runSession; Run wraps it in
// the reconnect loop.
type Receiver struct {
	conn     *pgconn.PgConn
	store    *sentinel.Store
	cfg      Config
	logger   zerolog.Logger

	currentFile    *jsonline.File
	currentSegment uint64
	segmentOpen    bool

	writtenLSN pglogrepl.LSN
	flushedLSN pglogrepl.LSN

	currentXID  uint64
	pendingBegin *peekedRecord
	lastWrite   time.Time

	endpos       pglogrepl.LSN
	lastFeedback time.Time
}

// New creates a Receiver. conn must already be in replication mode
// (pgconn.ConnectConfig with RuntimeParams["replication"]="database").
func New(conn *pgconn.PgConn, store *sentinel.Store, cfg Config, logger zerolog.Logger) *Receiver {
	if cfg.SegmentSize == 0 {
		cfg.SegmentSize = lsn.DefaultSegmentSize
	}
	if cfg.Timeline == 0 {
		cfg.Timeline = 1
	}
	return &Receiver{
		conn:   conn,
		store:  store,
		cfg:    cfg,
		logger: logger.With().Str("component", "receiver").Logger(),
	}
}

// Run resolves startpos (§4.E responsibility 3) and streams until ctx is
// cancelled, the sentinel's endpos is reached, or an unrecoverable error
// occurs; transient errors trigger a fixed 1s reconnect.
func (r *Receiver) Run(ctx context.Context, startpos pglogrepl.LSN) error {
	next, err := r.resolveStartpos(ctx, startpos)
	if err != nil {
		return err
	}
	for {
		lastWritten, err := r.runSession(ctx, next)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == errEndposReached {
			return nil
		}
		r.logger.Err(err).Msg("replication session ended, reconnecting")
		if lsn.IsValid(lastWritten) {
			next = lastWritten
		}
		select {
		case <-time.After(reconnectBackoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// resolveStartpos implements §4.E responsibility 3: startpos comes from, in
// order, the latest line of the most recently touched JSON file, else the
// sentinel's startpos, else the source's current slot position (queried via
// IDENTIFY_SYSTEM, which a replication-mode connection accepts before
// START_REPLICATION). The first two sources must not be less than the slot
// position, or initialization fails rather than silently replaying from an
// unsafe point.
func (r *Receiver) resolveStartpos(ctx context.Context, fallback pglogrepl.LSN) (pglogrepl.LSN, error) {
	sysIdent, err := pglogrepl.IdentifySystem(ctx, r.conn)
	if err != nil {
		return lsn.Invalid, fmt.Errorf("receiver: identify system: %w", err)
	}
	slotPos := sysIdent.XLogPos

	candidate, source, err := r.startposCandidate(ctx, fallback)
	if err != nil {
		return lsn.Invalid, err
	}
	if !lsn.IsValid(candidate) {
		return slotPos, nil
	}
	if lsn.Compare(candidate, slotPos) < 0 {
		return lsn.Invalid, fmt.Errorf("receiver: %s startpos %s precedes slot position %s",
			source, lsn.Format(candidate), lsn.Format(slotPos))
	}
	return candidate, nil
}

// startposCandidate resolves the first two of the three ordered sources
// (JSON file, then sentinel); fallback (the caller-supplied startpos) stands
// in for the third (current slot position) when neither is available, since
// the caller already derived it the same way at setup time.
func (r *Receiver) startposCandidate(ctx context.Context, fallback pglogrepl.LSN) (pglogrepl.LSN, string, error) {
	if fileLSN, ok, err := jsonline.LatestLSN(r.cfg.OutputDir); err != nil {
		return lsn.Invalid, "", fmt.Errorf("receiver: resolve startpos from latest JSON file: %w", err)
	} else if ok {
		return fileLSN, "latest JSON file", nil
	}

	snap, err := r.store.Get(ctx)
	if err != nil {
		return lsn.Invalid, "", fmt.Errorf("receiver: resolve startpos from sentinel: %w", err)
	}
	if lsn.IsValid(snap.StartPos) {
		return snap.StartPos, "sentinel", nil
	}
	return fallback, "caller-supplied", nil
}

var errEndposReached = fmt.Errorf("receiver: endpos reached")

func (r *Receiver) runSession(ctx context.Context, startpos pglogrepl.LSN) (pglogrepl.LSN, error) {
	err := pglogrepl.StartReplication(ctx, r.conn, r.cfg.SlotName, startpos,
		pglogrepl.StartReplicationOptions{PluginArgs: r.cfg.Plugin.PluginArgs()})
	if err != nil {
		return r.flushedLSN, fmt.Errorf("receiver: start replication: %w", err)
	}

	r.lastFeedback = time.Now()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return r.flushedLSN, ctx.Err()
		default:
		}

		if time.Since(r.lastFeedback) >= feedbackInterval {
			if err := r.sendFeedback(ctx); err != nil {
				return r.flushedLSN, err
			}
		}

		recvCtx, recvCancel := context.WithDeadline(ctx, time.Now().Add(receiveTimeout))
		raw, err := r.conn.ReceiveMessage(recvCtx)
		recvCancel()
		if err != nil {
			if ctx.Err() != nil {
				return r.flushedLSN, ctx.Err()
			}
			if pgconn.Timeout(err) {
				continue
			}
			return r.flushedLSN, fmt.Errorf("receiver: receive message: %w", err)
		}

		if errResp, ok := raw.(*pgproto3.ErrorResponse); ok {
			return r.flushedLSN, fmt.Errorf("receiver: server error: %s (SQLSTATE %s)", errResp.Message, errResp.Code)
		}

		copyData, ok := raw.(*pgproto3.CopyData)
		if !ok {
			continue
		}

		switch copyData.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(copyData.Data[1:])
			if err != nil {
				r.logger.Err(err).Msg("parse primary keepalive")
				continue
			}
			if r.cfg.Stats != nil {
				r.cfg.Stats.RecordLatest(pglogrepl.LSN(pkm.ServerWALEnd))
			}
			if pkm.ReplyRequested {
				if err := r.sendFeedback(ctx); err != nil {
					return r.flushedLSN, err
				}
			}

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(copyData.Data[1:])
			if err != nil {
				r.logger.Err(err).Msg("parse xlogdata")
				continue
			}
			if r.cfg.Stats != nil {
				r.cfg.Stats.RecordLatest(pglogrepl.LSN(xld.ServerWALEnd))
			}
			done, err := r.handleXLogData(ctx, xld)
			if err != nil {
				return r.flushedLSN, err
			}
			if done {
				return r.flushedLSN, errEndposReached
			}
		}
	}
}

func (r *Receiver) sendFeedback(ctx context.Context) error {
	r.lastFeedback = time.Now()
	snap, err := r.store.SyncReceive(ctx, r.writtenLSN, r.flushedLSN)
	if err != nil {
		return fmt.Errorf("receiver: sentinel sync_receive: %w", err)
	}
	if r.cfg.Stats != nil {
		r.cfg.Stats.RecordReceived(r.writtenLSN, r.flushedLSN)
	}
	if err := pglogrepl.SendStandbyStatusUpdate(ctx, r.conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: r.writtenLSN,
		WALFlushPosition: r.flushedLSN,
		WALApplyPosition: r.flushedLSN,
	}); err != nil {
		return fmt.Errorf("receiver: send standby status: %w", err)
	}
	r.endpos = snap.EndPos
	if r.endposReached() {
		return r.finish(ctx)
	}
	return nil
}

func (r *Receiver) endposReached() bool {
	return lsn.IsValid(r.endpos) && lsn.Compare(r.endpos, r.writtenLSN) <= 0
}

// finish flushes and promotes the current file and signals STOP downstream.
func (r *Receiver) finish(ctx context.Context) error {
	if err := r.flush(); err != nil {
		return err
	}
	if err := r.closeCurrentFile(); err != nil {
		return err
	}
	if r.cfg.Queue != nil {
		_ = r.cfg.Queue.SendStop(ctx)
	}
	return errEndposReached
}
