package jsonline

import (
	"bufio"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestFile_AppendAndPromote(t *testing.T) {
	dir := t.TempDir()
	f, err := OpenForSegment(dir, "seg.json", zerolog.Nop())
	if err != nil {
		t.Fatalf("OpenForSegment: %v", err)
	}

	lines := []string{
		`{"action":"B","xid":"1","lsn":"0/100"}`,
		`{"action":"C","xid":"1","lsn":"0/120"}`,
	}
	for _, l := range lines {
		if err := f.Append([]byte(l)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	partialPath := filepath.Join(dir, "seg.json.partial")
	if _, err := os.Stat(partialPath); err != nil {
		t.Fatalf("expected partial file to exist before promote: %v", err)
	}

	finalPath, err := f.ClosePromote()
	if err != nil {
		t.Fatalf("ClosePromote: %v", err)
	}
	if finalPath != filepath.Join(dir, "seg.json") {
		t.Errorf("ClosePromote returned %q, want %q", finalPath, filepath.Join(dir, "seg.json"))
	}
	if _, err := os.Stat(partialPath); err == nil {
		t.Error("partial file should no longer exist after promote")
	}

	got := readLines(t, finalPath)
	if len(got) != len(lines) {
		t.Fatalf("got %d lines, want %d", len(got), len(lines))
	}
	for i, l := range lines {
		if got[i] != l {
			t.Errorf("line %d = %q, want %q", i, got[i], l)
		}
	}

	link, err := os.Readlink(filepath.Join(dir, "latest"))
	if err != nil {
		t.Fatalf("readlink latest: %v", err)
	}
	if link != finalPath {
		t.Errorf("latest -> %q, want %q", link, finalPath)
	}
}

func TestFile_ResumeFromPromotedFile(t *testing.T) {
	dir := t.TempDir()
	f, err := OpenForSegment(dir, "seg.json", zerolog.Nop())
	if err != nil {
		t.Fatalf("OpenForSegment: %v", err)
	}
	if err := f.Append([]byte(`{"action":"K","lsn":"0/100"}`)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := f.ClosePromote(); err != nil {
		t.Fatalf("ClosePromote: %v", err)
	}

	// Simulate a restart: reopen the same segment name after it was
	// already promoted to its final name.
	f2, err := OpenForSegment(dir, "seg.json", zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen OpenForSegment: %v", err)
	}
	if err := f2.Append([]byte(`{"action":"K","lsn":"0/110"}`)); err != nil {
		t.Fatalf("Append after resume: %v", err)
	}
	finalPath, err := f2.ClosePromote()
	if err != nil {
		t.Fatalf("ClosePromote after resume: %v", err)
	}

	got := readLines(t, finalPath)
	if len(got) != 2 {
		t.Fatalf("expected resumed file to contain both lines, got %d: %v", len(got), got)
	}
}

func TestFile_FlushWithoutWriteIsNoOp(t *testing.T) {
	dir := t.TempDir()
	f, err := OpenForSegment(dir, "seg.json", zerolog.Nop())
	if err != nil {
		t.Fatalf("OpenForSegment: %v", err)
	}
	if err := f.Flush(); err != nil {
		t.Fatalf("Flush with nothing written should not error: %v", err)
	}
	if _, err := f.ClosePromote(); err != nil {
		t.Fatalf("ClosePromote: %v", err)
	}
}

func TestLatestLSN_NoSymlinkYet(t *testing.T) {
	dir := t.TempDir()
	_, ok, err := LatestLSN(dir)
	if err != nil {
		t.Fatalf("LatestLSN: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for a directory with no latest symlink")
	}
}

func TestLatestLSN_ReadsLastLineOfPromotedFile(t *testing.T) {
	dir := t.TempDir()
	f, err := OpenForSegment(dir, "seg.json", zerolog.Nop())
	if err != nil {
		t.Fatalf("OpenForSegment: %v", err)
	}
	for _, l := range []string{
		`{"action":"B","xid":"1","lsn":"0/100"}`,
		`{"action":"C","xid":"1","lsn":"0/120"}`,
	} {
		if err := f.Append([]byte(l)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if _, err := f.ClosePromote(); err != nil {
		t.Fatalf("ClosePromote: %v", err)
	}

	got, ok, err := LatestLSN(dir)
	if err != nil {
		t.Fatalf("LatestLSN: %v", err)
	}
	if !ok {
		t.Fatal("expected ok=true once a segment has been promoted")
	}
	if got.String() != "0/120" {
		t.Errorf("LatestLSN = %s, want 0/120", got)
	}
}

func TestLatestLSN_ReadsFromOpenPartialFile(t *testing.T) {
	dir := t.TempDir()
	f, err := OpenForSegment(dir, "seg.json", zerolog.Nop())
	if err != nil {
		t.Fatalf("OpenForSegment: %v", err)
	}
	if err := f.Append([]byte(`{"action":"K","lsn":"0/200"}`)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := f.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got, ok, err := LatestLSN(dir)
	if err != nil {
		t.Fatalf("LatestLSN: %v", err)
	}
	if !ok {
		t.Fatal("expected ok=true while the segment is still open (.partial)")
	}
	if got.String() != "0/200" {
		t.Errorf("LatestLSN = %s, want 0/200", got)
	}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan %s: %v", path, err)
	}
	return lines
}
