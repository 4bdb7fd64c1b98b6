package receiver

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"

	"github.com/dimitri/pgstreamfollow/internal/walmsg"
	"github.com/dimitri/pgstreamfollow/pkg/lsn"
)

func newTestReceiver(t *testing.T, segSize uint64) (*Receiver, string) {
	t.Helper()
	dir := t.TempDir()
	r := &Receiver{
		cfg: Config{
			SegmentSize: segSize,
			Timeline:    1,
			OutputDir:   dir,
		},
		logger: zerolog.Nop(),
	}
	return r, dir
}

func readAllLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	var lines []string
	for _, l := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

func TestIngest_SimpleTransactionWritesAllRecords(t *testing.T) {
	r, dir := newTestReceiver(t, lsn.DefaultSegmentSize)
	ctx := context.Background()

	recs := []peekedRecord{
		{Action: walmsg.ActionBegin, XID: 1, LSN: pglogrepl.LSN(0x100), Line: []byte(`{"action":"B","xid":"1","lsn":"0/100"}`)},
		{Action: walmsg.ActionInsert, XID: 1, LSN: pglogrepl.LSN(0x110), Line: []byte(`{"action":"I","xid":"1","lsn":"0/110"}`)},
		{Action: walmsg.ActionCommit, XID: 1, LSN: pglogrepl.LSN(0x120), Line: []byte(`{"action":"C","xid":"1","lsn":"0/120"}`)},
	}
	for _, rec := range recs {
		if _, err := r.ingest(ctx, rec); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}
	if err := r.flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	lines := readAllLines(t, r.currentFile.Path())
	// BEGIN, INSERT, COMMIT, plus a trailing synthetic KEEPALIVE from flush.
	if len(lines) != 4 {
		t.Fatalf("expected 4 lines, got %d: %v", len(lines), lines)
	}
	if !strings.Contains(lines[0], `"action":"B"`) {
		t.Errorf("line 0 = %s, want BEGIN", lines[0])
	}
	if !strings.Contains(lines[2], `"action":"C"`) {
		t.Errorf("line 2 = %s, want COMMIT", lines[2])
	}
	if !strings.Contains(lines[3], `"action":"K"`) {
		t.Errorf("line 3 = %s, want KEEPALIVE", lines[3])
	}
	if r.writtenLSN != pglogrepl.LSN(0x120) {
		t.Errorf("writtenLSN = %s, want 0/120", lsn.Format(r.writtenLSN))
	}
	if r.flushedLSN != r.writtenLSN {
		t.Errorf("flushedLSN = %s, want %s", lsn.Format(r.flushedLSN), lsn.Format(r.writtenLSN))
	}
	_ = dir
}

func TestIngest_EmptyTransactionDiscardedWithinTimeout(t *testing.T) {
	r, _ := newTestReceiver(t, lsn.DefaultSegmentSize)
	ctx := context.Background()
	r.lastWrite = time.Now()

	begin := peekedRecord{Action: walmsg.ActionBegin, XID: 5, LSN: pglogrepl.LSN(0x200), Line: []byte(`{"action":"B","xid":"5","lsn":"0/200"}`)}
	commit := peekedRecord{Action: walmsg.ActionCommit, XID: 5, LSN: pglogrepl.LSN(0x210), Line: []byte(`{"action":"C","xid":"5","lsn":"0/210"}`)}

	if _, err := r.ingest(ctx, begin); err != nil {
		t.Fatalf("ingest begin: %v", err)
	}
	if r.currentFile != nil {
		t.Fatal("BEGIN must be stashed, not written, so no file should be opened yet")
	}
	if _, err := r.ingest(ctx, commit); err != nil {
		t.Fatalf("ingest commit: %v", err)
	}
	if r.currentFile != nil {
		t.Fatal("empty BEGIN/COMMIT pair within the keepalive timeout must leave no file opened")
	}
	if r.pendingBegin != nil {
		t.Fatal("pendingBegin should be cleared after resolving the pair")
	}
}

func TestIngest_EmptyTransactionPastTimeoutSynthesizesKeepalive(t *testing.T) {
	r, _ := newTestReceiver(t, lsn.DefaultSegmentSize)
	ctx := context.Background()
	r.lastWrite = time.Now().Add(-2 * emptyTxTimeout)

	begin := peekedRecord{Action: walmsg.ActionBegin, XID: 5, LSN: pglogrepl.LSN(0x200), Line: []byte(`{"action":"B","xid":"5","lsn":"0/200"}`)}
	commit := peekedRecord{Action: walmsg.ActionCommit, XID: 5, LSN: pglogrepl.LSN(0x210), Line: []byte(`{"action":"C","xid":"5","lsn":"0/210"}`)}

	r.ingest(ctx, begin)
	if _, err := r.ingest(ctx, commit); err != nil {
		t.Fatalf("ingest commit: %v", err)
	}
	if err := r.currentFile.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	lines := readAllLines(t, r.currentFile.Path())
	if len(lines) != 1 || !strings.Contains(lines[0], `"action":"K"`) {
		t.Fatalf("expected exactly one synthesized KEEPALIVE, got %v", lines)
	}
}

func TestIngest_NonEmptyBeginIsWrittenWhenFollowedByOtherXID(t *testing.T) {
	r, _ := newTestReceiver(t, lsn.DefaultSegmentSize)
	ctx := context.Background()

	begin := peekedRecord{Action: walmsg.ActionBegin, XID: 1, LSN: pglogrepl.LSN(0x100), Line: []byte(`{"action":"B","xid":"1","lsn":"0/100"}`)}
	insertOtherXID := peekedRecord{Action: walmsg.ActionInsert, XID: 2, LSN: pglogrepl.LSN(0x110), Line: []byte(`{"action":"I","xid":"2","lsn":"0/110"}`)}

	r.ingest(ctx, begin)
	if _, err := r.ingest(ctx, insertOtherXID); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if err := r.currentFile.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	lines := readAllLines(t, r.currentFile.Path())
	if len(lines) != 2 {
		t.Fatalf("expected BEGIN then INSERT written, got %v", lines)
	}
}

func TestRotate_SegmentBoundaryWritesSwitchAndOpensNewFile(t *testing.T) {
	segSize := lsn.MinSegmentSize // 1 MiB
	r, _ := newTestReceiver(t, segSize)
	ctx := context.Background()

	firstRec := peekedRecord{Action: walmsg.ActionInsert, LSN: pglogrepl.LSN(100), Line: []byte(`{"action":"I","lsn":"0/64"}`)}
	if err := r.writeLine(ctx, firstRec); err != nil {
		t.Fatalf("writeLine: %v", err)
	}
	firstPath := r.currentFile.Path()

	secondRec := peekedRecord{Action: walmsg.ActionInsert, LSN: pglogrepl.LSN(segSize + 100), Line: []byte(`{"action":"I","lsn":"0/100064"}`)}
	if err := r.writeLine(ctx, secondRec); err != nil {
		t.Fatalf("writeLine across boundary: %v", err)
	}

	if r.currentFile.Path() == firstPath {
		t.Fatal("expected a new file to be opened for the new segment")
	}

	promoted := strings.TrimSuffix(firstPath, ".partial")
	lines := readAllLines(t, promoted)
	if len(lines) != 2 || !strings.Contains(lines[1], `"action":"X"`) {
		t.Fatalf("expected [INSERT, SWITCH] in promoted first segment, got %v", lines)
	}
}
