// Package follow implements the top-level supervisor (§4.J): it runs the
// receiver, transformer and applier as three concurrent workers, in either
// PREFETCH/CATCHUP mode (disk files plus the transform queue) or REPLAY
// mode (pipes), and flips between the two whenever the workers stop without
// an error before the sentinel's endpos is reached.
package follow

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/dimitri/pgstreamfollow/internal/applier"
	"github.com/dimitri/pgstreamfollow/internal/queue"
	"github.com/dimitri/pgstreamfollow/internal/receiver"
	"github.com/dimitri/pgstreamfollow/internal/sentinel"
	"github.com/dimitri/pgstreamfollow/internal/stats"
	"github.com/dimitri/pgstreamfollow/internal/transform"
	"github.com/dimitri/pgstreamfollow/internal/txn"
	"github.com/dimitri/pgstreamfollow/internal/walmsg"
	"github.com/dimitri/pgstreamfollow/pkg/lsn"
)

// Mode selects how the receiver, transformer and applier exchange data.
type Mode int

const (
	// ModePrefetch runs the full disk pipeline: receiver writes JSON
	// segment files, the queue announces each rotation, the transformer
	// turns whole files into SQL files, and the applier (catchup) reads
	// those files in order.
	ModePrefetch Mode = iota
	// ModeReplay connects receiver → transformer → applier with pipes;
	// no SQL/JSON files gate progress, though the receiver still writes
	// its JSON files for durability.
	ModeReplay
)

func (m Mode) String() string {
	if m == ModeReplay {
		return "REPLAY"
	}
	return "PREFETCH/CATCHUP"
}

func (m Mode) flip() Mode {
	if m == ModeReplay {
		return ModePrefetch
	}
	return ModeReplay
}

const childPollInterval = 150 * time.Millisecond

// Config parameterizes one Supervisor run.
type Config struct {
	SlotName    string
	Plugin      walmsg.Plugin
	SegmentSize uint64
	Timeline    uint32
	JSONDir     string
	SQLDir      string
	OriginName  string

	// SourceConn is used for the replication session; TargetPool for the
	// sentinel, applier and generated-column cache.
	SourceConn *pgconn.PgConn
	TargetPool *pgxpool.Pool

	Store *sentinel.Store
	Cache *txn.GeneratedColumnCache

	// Stats, when non-nil, is shared across every attempt's receiver and
	// applier so throughput/lag figures survive a mode flip.
	Stats *stats.Tracker

	QueueCapacity int
}

// Supervisor runs the three-worker pipeline to completion.
type Supervisor struct {
	cfg    Config
	logger zerolog.Logger
}

// New creates a Supervisor.
func New(cfg Config, logger zerolog.Logger) *Supervisor {
	if cfg.SegmentSize == 0 {
		cfg.SegmentSize = lsn.DefaultSegmentSize
	}
	if cfg.Timeline == 0 {
		cfg.Timeline = 1
	}
	if cfg.QueueCapacity == 0 {
		cfg.QueueCapacity = 16
	}
	if cfg.Stats == nil {
		cfg.Stats = stats.New()
	}
	return &Supervisor{cfg: cfg, logger: logger.With().Str("component", "follow").Logger()}
}

// Run executes the lifecycle in §4.J: ensure clean sidecar files, run the
// three workers in the current mode, and when they stop without an error
// before endpos is reached, run an on-disk catchup pass and flip mode before
// looping. It returns once the sentinel shows endpos reached with replay
// caught up, or as soon as a child reports any non-cancellation error; no
// mode flip or restart is attempted after such an error.
func (s *Supervisor) Run(ctx context.Context, startpos pglogrepl.LSN) error {
	if err := s.ensureCleanSidecarFiles(); err != nil {
		return err
	}

	mode := ModePrefetch
	for {
		s.logger.Info().Stringer("mode", mode).Msg("starting follow pipeline")
		done, err := s.runOnce(ctx, mode, startpos)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := s.catchupPass(ctx); err != nil {
			return err
		}
		mode = mode.flip()
	}
}

type childResult struct {
	name string
	err  error
}

// runOnce starts the three workers for one mode and waits for the first
// child to exit, then cancels the others and waits for them as well. A
// non-cancellation error from that first child is returned; otherwise the
// sentinel is read once and done reports whether endpos <= replay_lsn.
func (s *Supervisor) runOnce(ctx context.Context, mode Mode, startpos pglogrepl.LSN) (done bool, err error) {
	childCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan childResult, 3)

	recvCfg := receiver.Config{
		SlotName:    s.cfg.SlotName,
		Plugin:      s.cfg.Plugin,
		SegmentSize: s.cfg.SegmentSize,
		Timeline:    s.cfg.Timeline,
		OutputDir:   s.cfg.JSONDir,
		Stats:       s.cfg.Stats,
	}

	var receiverToTransform *io.PipeWriter
	var transformToApplier *io.PipeWriter
	var transformReader *io.PipeReader
	var applierReader *io.PipeReader
	var q *queue.Queue

	if mode == ModeReplay {
		tr, tw := io.Pipe()
		recvCfg.Pipe = tw
		receiverToTransform = tw
		transformReader = tr

		ar, aw := io.Pipe()
		transformToApplier = aw
		applierReader = ar
	} else {
		q = queue.New(s.cfg.QueueCapacity)
		recvCfg.Queue = q
	}

	go func() {
		recv := receiver.New(s.cfg.SourceConn, s.cfg.Store, recvCfg, s.logger)
		err := recv.Run(childCtx, startpos)
		if receiverToTransform != nil {
			_ = receiverToTransform.Close()
		}
		results <- childResult{"receiver", err}
	}()

	go func() {
		var err error
		if mode == ModeReplay {
			t := transform.New(s.cfg.Plugin, s.cfg.Cache, s.logger)
			err = t.Run(transformReader, transformToApplier)
			_ = transformToApplier.Close()
		} else {
			err = s.transformLoop(childCtx, q)
		}
		results <- childResult{"transform", err}
	}()

	go func() {
		var err error
		if mode == ModeReplay {
			a := applier.New(s.cfg.TargetPool, s.cfg.Store, s.cfg.OriginName, s.logger).WithStats(s.cfg.Stats)
			err = a.Run(childCtx, applierReader)
		} else {
			err = s.catchupLoop(childCtx, startpos)
		}
		results <- childResult{"applier", err}
	}()

	ticker := time.NewTicker(childPollInterval)
	defer ticker.Stop()

	var first *childResult
	remaining := 3
	for remaining > 0 {
		select {
		case r := <-results:
			remaining--
			rc := r
			if first == nil {
				first = &rc
				cancel()
			}
		case <-ticker.C:
			// Liveness tick only; the select above already wakes on exit.
		}
	}

	if first != nil && first.err != nil && first.err != context.Canceled {
		return false, fmt.Errorf("follow: %s exited with error: %w", first.name, first.err)
	}

	snap, err := s.cfg.Store.Get(ctx)
	if err != nil {
		return false, fmt.Errorf("follow: check sentinel after children exited: %w", err)
	}
	if lsn.IsValid(snap.EndPos) && lsn.Compare(snap.EndPos, snap.ReplayLSN) <= 0 {
		return true, nil
	}
	return false, nil
}

// catchupPass runs a synchronous on-disk transform pass over any JSON
// segments the previous mode left un-transformed, so the next mode (in
// particular a flip into REPLAY) starts from consistent SQL files.
func (s *Supervisor) catchupPass(ctx context.Context) error {
	entries, err := os.ReadDir(s.cfg.JSONDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("follow: catchup pass: read %s: %w", s.cfg.JSONDir, err)
	}
	for _, e := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if e.IsDir() || len(e.Name()) != 24 {
			continue
		}
		sqlPath := filepath.Join(s.cfg.SQLDir, e.Name())
		if _, err := os.Stat(sqlPath); err == nil {
			continue // already transformed
		}
		jsonPath := filepath.Join(s.cfg.JSONDir, e.Name())
		if _, err := transform.TransformSegmentFile(jsonPath, s.cfg.SQLDir, e.Name(), s.cfg.Plugin, s.cfg.Cache, s.logger); err != nil {
			return fmt.Errorf("follow: catchup pass: transform %s: %w", e.Name(), err)
		}
	}
	return nil
}

// ensureCleanSidecarFiles implements lifecycle step 1: wal_segment_size and
// timeline must match any previous run exactly (a mismatch means the
// on-disk segments from a prior configuration cannot be resumed safely);
// timeline-history is removed unconditionally (nothing in this module
// writes it).
func (s *Supervisor) ensureCleanSidecarFiles() error {
	if err := os.MkdirAll(s.cfg.JSONDir, 0o755); err != nil {
		return fmt.Errorf("follow: create %s: %w", s.cfg.JSONDir, err)
	}

	if err := checkOrWriteSidecar(filepath.Join(s.cfg.JSONDir, "wal_segment_size"), fmt.Sprintf("%d", s.cfg.SegmentSize)); err != nil {
		return err
	}
	if err := checkOrWriteSidecar(filepath.Join(s.cfg.JSONDir, "timeline"), fmt.Sprintf("%d", s.cfg.Timeline)); err != nil {
		return err
	}
	_ = os.Remove(filepath.Join(s.cfg.JSONDir, "timeline-history"))
	return nil
}

func checkOrWriteSidecar(path, want string) error {
	existing, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return os.WriteFile(path, []byte(want), 0o644)
		}
		return fmt.Errorf("follow: read sidecar %s: %w", path, err)
	}
	if string(existing) != want {
		return fmt.Errorf("follow: sidecar %s = %q, configured value is %q; cannot resume with a changed configuration", path, existing, want)
	}
	return nil
}
