package follow

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pglogrepl"

	"github.com/dimitri/pgstreamfollow/internal/applier"
	"github.com/dimitri/pgstreamfollow/internal/queue"
	"github.com/dimitri/pgstreamfollow/internal/transform"
	"github.com/dimitri/pgstreamfollow/pkg/lsn"
)

// transformLoop is the PREFETCH/CATCHUP mode's transform worker: it drains
// TRANSFORM(firstLSN) announcements from q and whole-file-transforms the
// segment that just closed (the segment preceding firstLSN's), until a STOP
// message arrives.
func (s *Supervisor) transformLoop(ctx context.Context, q *queue.Queue) error {
	for {
		msg, ok, err := q.Receive(ctx)
		if err != nil {
			return err
		}
		if !ok || msg.Kind == queue.Stop {
			return nil
		}

		segNo, err := lsn.SegmentNumber(msg.LSN, s.cfg.SegmentSize)
		if err != nil {
			return fmt.Errorf("follow: transform loop: %w", err)
		}
		if segNo == 0 {
			continue // first segment announced, nothing closed yet
		}
		name, err := lsn.SegmentName(s.cfg.Timeline, segNo-1, s.cfg.SegmentSize)
		if err != nil {
			return fmt.Errorf("follow: transform loop: %w", err)
		}

		jsonPath := filepath.Join(s.cfg.JSONDir, name)
		if _, err := transform.TransformSegmentFile(jsonPath, s.cfg.SQLDir, name, s.cfg.Plugin, s.cfg.Cache, s.logger); err != nil {
			return fmt.Errorf("follow: transform loop: transform %s: %w", name, err)
		}
	}
}

// catchupLoop is the PREFETCH/CATCHUP mode's applier worker: it feeds
// internal/applier a reader that serves promoted SQL segment files in order,
// starting from startpos's segment, polling for the next file to appear.
func (s *Supervisor) catchupLoop(ctx context.Context, startpos pglogrepl.LSN) error {
	segNo, err := lsn.SegmentNumber(startpos, s.cfg.SegmentSize)
	if err != nil {
		return fmt.Errorf("follow: catchup loop: %w", err)
	}
	sr := &segmentReader{
		ctx:          ctx,
		dir:          s.cfg.SQLDir,
		timeline:     s.cfg.Timeline,
		segSize:      s.cfg.SegmentSize,
		segNo:        segNo,
		pollInterval: 200 * time.Millisecond,
	}
	a := applier.New(s.cfg.TargetPool, s.cfg.Store, s.cfg.OriginName, s.logger).WithStats(s.cfg.Stats)
	return a.Run(ctx, sr)
}

// segmentReader concatenates sequential, name-ordered segment files into one
// byte stream, blocking (poll-waiting) for each next file until it appears
// or the context is cancelled.
type segmentReader struct {
	ctx          context.Context
	dir          string
	timeline     uint32
	segSize      uint64
	segNo        uint64
	pollInterval time.Duration

	cur *os.File
}

func (sr *segmentReader) Read(p []byte) (int, error) {
	for {
		if sr.cur == nil {
			name, err := lsn.SegmentName(sr.timeline, sr.segNo, sr.segSize)
			if err != nil {
				return 0, err
			}
			f, err := sr.waitOpen(filepath.Join(sr.dir, name))
			if err != nil {
				return 0, err
			}
			sr.cur = f
		}

		n, err := sr.cur.Read(p)
		if n > 0 {
			return n, nil
		}
		if err == io.EOF {
			_ = sr.cur.Close()
			sr.cur = nil
			sr.segNo++
			continue
		}
		if err != nil {
			return 0, err
		}
	}
}

func (sr *segmentReader) waitOpen(path string) (*os.File, error) {
	ticker := time.NewTicker(sr.pollInterval)
	defer ticker.Stop()
	for {
		f, err := os.Open(path)
		if err == nil {
			return f, nil
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("follow: open segment %s: %w", path, err)
		}
		select {
		case <-sr.ctx.Done():
			return nil, sr.ctx.Err()
		case <-ticker.C:
		}
	}
}
