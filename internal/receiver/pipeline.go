package receiver

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"

	"github.com/dimitri/pgstreamfollow/internal/jsonline"
	"github.com/dimitri/pgstreamfollow/internal/walmsg"
	"github.com/dimitri/pgstreamfollow/pkg/lsn"
)

// handleXLogData peeks one WAL chunk's action/xid, runs it through the
// empty-transaction filter, and if it is to be written, rotates segments
// and appends it. Returns done=true once the sentinel's endpos has been
// reached.
func (r *Receiver) handleXLogData(ctx context.Context, xld pglogrepl.XLogData) (bool, error) {
	rec, err := r.peek(r.plugin(), pglogrepl.LSN(xld.WALStart), xld.WALData, time.Now())
	if err != nil {
		return false, err
	}
	return r.ingest(ctx, rec)
}

func (r *Receiver) plugin() walmsg.Plugin {
	return r.cfg.Plugin
}

// ingest implements the empty-transaction filtering rule: a BEGIN is
// stashed, not written; if the very next record is a COMMIT of the same
// xid the pair is discarded (unless the 30s keepalive timeout has elapsed,
// in which case a synthetic KEEPALIVE is written instead); otherwise the
// stashed BEGIN is written first, then the new record proceeds normally.
func (r *Receiver) ingest(ctx context.Context, rec peekedRecord) (bool, error) {
	if r.pendingBegin != nil {
		prev := *r.pendingBegin
		r.pendingBegin = nil

		if rec.Action == walmsg.ActionCommit && rec.XID == prev.XID {
			if time.Since(r.lastWrite) > emptyTxTimeout {
				if err := r.writeLine(ctx, syntheticKeepalive(rec.LSN)); err != nil {
					return false, err
				}
				return r.checkDone(ctx)
			}
			return r.checkDone(ctx)
		}

		if err := r.writeLine(ctx, prev); err != nil {
			return false, err
		}
	}

	if rec.Action == walmsg.ActionBegin {
		stashed := rec
		r.pendingBegin = &stashed
		return r.checkDone(ctx)
	}

	if err := r.writeLine(ctx, rec); err != nil {
		return false, err
	}
	return r.checkDone(ctx)
}

func (r *Receiver) checkDone(ctx context.Context) (bool, error) {
	if r.endposReached() {
		return true, r.finish(ctx)
	}
	return false, nil
}

func syntheticKeepalive(l pglogrepl.LSN) peekedRecord {
	line := fmt.Sprintf(`{"action":"K","lsn":%q}`, lsn.Format(l))
	return peekedRecord{Action: walmsg.ActionKeepalive, LSN: l, Line: []byte(line)}
}

func syntheticSwitch(l pglogrepl.LSN) peekedRecord {
	line := fmt.Sprintf(`{"action":"X","lsn":%q}`, lsn.Format(l))
	return peekedRecord{Action: walmsg.ActionSwitch, LSN: l, Line: []byte(line)}
}

// writeLine rotates to the segment matching rec.LSN if necessary, then
// appends rec to the current file (and the live pipe, if attached).
func (r *Receiver) writeLine(ctx context.Context, rec peekedRecord) error {
	segNo, err := lsn.SegmentNumber(rec.LSN, r.cfg.SegmentSize)
	if err != nil {
		return fmt.Errorf("receiver: segment number for %s: %w", lsn.Format(rec.LSN), err)
	}
	if !r.segmentOpen || segNo != r.currentSegment {
		if err := r.rotate(ctx, segNo, rec.LSN); err != nil {
			return err
		}
	}

	if err := r.currentFile.Append(rec.Line); err != nil {
		return fmt.Errorf("receiver: append record: %w", err)
	}
	r.writtenLSN = rec.LSN
	r.lastWrite = time.Now()

	if r.cfg.Pipe != nil {
		if _, err := r.cfg.Pipe.Write(append(append([]byte(nil), rec.Line...), '\n')); err != nil {
			return fmt.Errorf("receiver: write to pipe: %w", err)
		}
	}
	return nil
}

// rotate closes and promotes the current segment file (writing a SWITCH
// record at the boundary first), opens the new segment's file, and in
// disk modes enqueues TRANSFORM(firstLSN) for the transformer.
func (r *Receiver) rotate(ctx context.Context, segNo uint64, firstLSN pglogrepl.LSN) error {
	if r.segmentOpen {
		sw := syntheticSwitch(firstLSN)
		if err := r.currentFile.Append(sw.Line); err != nil {
			return fmt.Errorf("receiver: append switch record: %w", err)
		}
		if r.cfg.Pipe != nil {
			_, _ = r.cfg.Pipe.Write(append(append([]byte(nil), sw.Line...), '\n'))
		}
		if err := r.closeCurrentFile(); err != nil {
			return err
		}
	}

	name, err := lsn.SegmentName(r.cfg.Timeline, segNo, r.cfg.SegmentSize)
	if err != nil {
		return fmt.Errorf("receiver: segment name: %w", err)
	}
	f, err := jsonline.OpenForSegment(r.cfg.OutputDir, name, r.logger)
	if err != nil {
		return fmt.Errorf("receiver: open segment %s: %w", name, err)
	}
	r.currentFile = f
	r.currentSegment = segNo
	r.segmentOpen = true

	if r.cfg.Queue != nil {
		if err := r.cfg.Queue.SendTransform(ctx, firstLSN); err != nil {
			return fmt.Errorf("receiver: enqueue transform: %w", err)
		}
	}
	return nil
}

// flush emits a synthetic KEEPALIVE (so an idle stream still shows
// progress), then fsyncs the current file and advances flushedLSN.
func (r *Receiver) flush() error {
	if !r.segmentOpen {
		return nil
	}
	ka := syntheticKeepalive(r.writtenLSN)
	if err := r.currentFile.Append(ka.Line); err != nil {
		return fmt.Errorf("receiver: append keepalive: %w", err)
	}
	if err := r.currentFile.Flush(); err != nil {
		return fmt.Errorf("receiver: flush: %w", err)
	}
	r.flushedLSN = r.writtenLSN
	return nil
}

func (r *Receiver) closeCurrentFile() error {
	if !r.segmentOpen {
		return nil
	}
	if _, err := r.currentFile.ClosePromote(); err != nil {
		return fmt.Errorf("receiver: close/promote segment: %w", err)
	}
	r.segmentOpen = false
	return nil
}
