// Package transform wires the message parser, transaction assembler and SQL
// emitter into the stream's middle stage: it reads one JSON-lines segment
// (whole file, in PREFETCH/CATCHUP mode, or an open pipe, in REPLAY mode),
// decodes each line with the configured plugin dialect, folds records into
// transactions, and writes the resulting SQL text to its output.
package transform

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/dimitri/pgstreamfollow/internal/jsonline"
	"github.com/dimitri/pgstreamfollow/internal/sqlemit"
	"github.com/dimitri/pgstreamfollow/internal/txn"
	"github.com/dimitri/pgstreamfollow/internal/walmsg"
)

const maxLineSize = 16 << 20

// Transformer decodes one plugin dialect's JSON-lines records into the SQL
// stream consumed by internal/applier.
type Transformer struct {
	plugin    walmsg.Plugin
	dialect   walmsg.Dialect
	assembler *txn.Assembler
	logger    zerolog.Logger
}

// New creates a Transformer. cache may be nil (no column is marked
// generated).
func New(plugin walmsg.Plugin, cache *txn.GeneratedColumnCache, logger zerolog.Logger) *Transformer {
	return &Transformer{
		plugin:    plugin,
		dialect:   walmsg.For(plugin),
		assembler: txn.New(cache),
		logger:    logger.With().Str("component", "transform").Logger(),
	}
}

// Run decodes every line of r, emitting completed transactions to w as they
// close. It returns once r is exhausted (EOF) or a decode/emit error occurs;
// callers in REPLAY mode run it against a long-lived pipe, so a clean EOF
// there means the upstream receiver exited.
func (t *Transformer) Run(r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	emitter := sqlemit.New(w)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		rec, err := t.dialect.Parse(append([]byte(nil), line...))
		if err != nil {
			return fmt.Errorf("transform: parse line: %w", err)
		}
		if rec == nil {
			continue // logical MESSAGE records carry no transaction-visible change
		}
		txnDone, err := t.assembler.Feed(rec)
		if err != nil {
			return fmt.Errorf("transform: assemble: %w", err)
		}
		if txnDone == nil {
			continue
		}
		if err := emitter.EmitTransaction(txnDone); err != nil {
			return fmt.Errorf("transform: emit: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("transform: scan: %w", err)
	}
	return nil
}

// TransformSegmentFile implements the PREFETCH/CATCHUP mode's whole-file
// transform: read <jsonDir>/<name> fully, write the resulting SQL to
// <sqlDir>/<sqlName> as a promoted jsonline.File (so catchup's resume logic
// can treat it identically to a JSON segment).
func TransformSegmentFile(jsonPath, sqlDir, sqlName string, plugin walmsg.Plugin, cache *txn.GeneratedColumnCache, logger zerolog.Logger) (string, error) {
	f, err := os.Open(jsonPath)
	if err != nil {
		return "", fmt.Errorf("transform: open %s: %w", jsonPath, err)
	}
	defer f.Close()

	out, err := jsonline.OpenForSegment(sqlDir, sqlName, logger)
	if err != nil {
		return "", fmt.Errorf("transform: open output %s: %w", sqlName, err)
	}

	t := New(plugin, cache, logger)
	if err := t.Run(f, sqlLineWriter{out}); err != nil {
		return "", err
	}

	return out.ClosePromote()
}

// sqlLineWriter adapts jsonline.File.Append (one line, no trailing newline
// expected) to the io.Writer the sqlemit.Emitter writes pre-newlined lines
// into: it buffers up to each '\n' and appends one record per line.
type sqlLineWriter struct {
	out *jsonline.File
}

func (s sqlLineWriter) Write(p []byte) (int, error) {
	start := 0
	for i, b := range p {
		if b == '\n' {
			if err := s.out.Append(p[start:i]); err != nil {
				return 0, err
			}
			start = i + 1
		}
	}
	if start != len(p) {
		return 0, fmt.Errorf("transform: partial line written without trailing newline")
	}
	return len(p), nil
}
