// Package jsonline implements the append-only, per-WAL-segment JSON lines
// file the receiver writes to and the transformer reads from: a ".partial"
// file while the segment is open, atomically renamed to its final name on
// rotation, with a "latest" symlink always pointing at whichever one is
// current.
package jsonline

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"

	"github.com/dimitri/pgstreamfollow/pkg/lsn"
)

const partialSuffix = ".partial"
const latestName = "latest"
const maxLatestLineSize = 16 << 20

// File is a single open segment file, append-only until Close.
type File struct {
	dir     string
	name    string // final name, without partial suffix
	path    string // current on-disk path (ends in .partial until promoted)
	f       *os.File
	w       *bufio.Writer
	logger  zerolog.Logger
	written int64
}

// OpenForSegment implements §4.C open_for_segment: if <dir>/<name> already
// exists (the file was fully promoted by a previous run before a crash
// elsewhere in the pipeline), it is copied back to <name>.partial so it can
// be appended to; otherwise the existing or a fresh .partial is opened for
// append. Writers must tolerate re-sending already-persisted records, since
// no line-level dedup is performed here (see the idempotence note in
// RESTART-SAFE ROTATION).
func OpenForSegment(dir, name string, logger zerolog.Logger) (*File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("jsonline: create dir %s: %w", dir, err)
	}

	finalPath := filepath.Join(dir, name)
	partialPath := finalPath + partialSuffix

	if _, err := os.Stat(finalPath); err == nil {
		if err := copyFile(finalPath, partialPath); err != nil {
			return nil, fmt.Errorf("jsonline: resume %s into partial: %w", name, err)
		}
		if err := os.Remove(finalPath); err != nil {
			return nil, fmt.Errorf("jsonline: remove promoted %s before resuming: %w", name, err)
		}
	}

	f, err := os.OpenFile(partialPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("jsonline: open %s: %w", partialPath, err)
	}

	jf := &File{
		dir:    dir,
		name:   name,
		path:   partialPath,
		f:      f,
		w:      bufio.NewWriter(f),
		logger: logger.With().Str("component", "jsonline").Str("segment", name).Logger(),
	}
	if err := jf.updateLatest(); err != nil {
		f.Close()
		return nil, err
	}
	return jf, nil
}

// Append writes one JSON line (no trailing newline expected in line) plus a
// terminating newline. It does not fsync; call Flush for that.
func (f *File) Append(line []byte) error {
	if _, err := f.w.Write(line); err != nil {
		return fmt.Errorf("jsonline: append to %s: %w", f.path, err)
	}
	if err := f.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("jsonline: append newline to %s: %w", f.path, err)
	}
	f.written++
	return nil
}

// Flush flushes buffered writes and fsyncs the file, establishing a crash
// consistency boundary. A flush with nothing buffered is a cheap no-op.
func (f *File) Flush() error {
	if err := f.w.Flush(); err != nil {
		return fmt.Errorf("jsonline: flush %s: %w", f.path, err)
	}
	if err := f.f.Sync(); err != nil {
		return fmt.Errorf("jsonline: fsync %s: %w", f.path, err)
	}
	return nil
}

// ClosePromote implements close_and_promote: flush, close, atomically
// rename .partial to the final name, then repoint the "latest" symlink.
func (f *File) ClosePromote() (string, error) {
	if err := f.Flush(); err != nil {
		return "", err
	}
	if err := f.f.Close(); err != nil {
		return "", fmt.Errorf("jsonline: close %s: %w", f.path, err)
	}

	finalPath := filepath.Join(f.dir, f.name)
	if err := os.Rename(f.path, finalPath); err != nil {
		return "", fmt.Errorf("jsonline: promote %s to %s: %w", f.path, finalPath, err)
	}
	f.path = finalPath

	if err := f.updateLatest(); err != nil {
		return "", err
	}

	f.logger.Info().Int64("lines", f.written).Str("path", finalPath).Msg("segment promoted")
	return finalPath, nil
}

// Path returns the file's current on-disk location.
func (f *File) Path() string {
	return f.path
}

// LatestLSN reads the lsn field of the last non-empty line of the file the
// "latest" symlink in dir currently points to. It implements the first of
// §4.E responsibility 3's ordered startpos sources: the latest line of the
// most recently touched JSON file. ok is false, with no error, when no
// latest file exists yet (a fresh start with nothing to resume from).
func LatestLSN(dir string) (result pglogrepl.LSN, ok bool, err error) {
	link := filepath.Join(dir, latestName)
	target, err := os.Readlink(link)
	if err != nil {
		if os.IsNotExist(err) {
			return lsn.Invalid, false, nil
		}
		return lsn.Invalid, false, fmt.Errorf("jsonline: read latest symlink: %w", err)
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(dir, target)
	}

	f, err := os.Open(target)
	if err != nil {
		if os.IsNotExist(err) {
			return lsn.Invalid, false, nil
		}
		return lsn.Invalid, false, fmt.Errorf("jsonline: open latest %s: %w", target, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLatestLineSize)
	var last string
	for scanner.Scan() {
		if line := scanner.Text(); strings.TrimSpace(line) != "" {
			last = line
		}
	}
	if err := scanner.Err(); err != nil {
		return lsn.Invalid, false, fmt.Errorf("jsonline: scan latest %s: %w", target, err)
	}
	if last == "" {
		return lsn.Invalid, false, nil
	}

	var env struct {
		LSN string `json:"lsn"`
	}
	if err := json.Unmarshal([]byte(last), &env); err != nil {
		return lsn.Invalid, false, fmt.Errorf("jsonline: decode latest line %q: %w", last, err)
	}
	parsed, err := lsn.Parse(env.LSN)
	if err != nil {
		return lsn.Invalid, false, fmt.Errorf("jsonline: latest line: %w", err)
	}
	return parsed, true, nil
}

func (f *File) updateLatest() error {
	link := filepath.Join(f.dir, latestName)
	_ = os.Remove(link)
	if err := os.Symlink(f.path, link); err != nil {
		return fmt.Errorf("jsonline: update latest symlink: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	buf := make([]byte, 64*1024)
	for {
		n, rerr := in.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return rerr
		}
		if n == 0 {
			break
		}
	}
	return out.Sync()
}
