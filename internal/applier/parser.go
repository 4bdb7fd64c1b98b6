// Package applier reads the SQL stream produced by internal/sqlemit and
// replays it against the target: tracking PREPARE handles per connection,
// executing EXECUTE lines with positional parameters, advancing the
// replication origin at COMMIT, and checkpointing the sentinel.
package applier

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pglogrepl"

	"github.com/dimitri/pgstreamfollow/pkg/lsn"
)

// LineKind discriminates one parsed line of the SQL stream.
type LineKind int

const (
	LineBegin LineKind = iota
	LineCommit
	LineRollback
	LineSwitch
	LineKeepalive
	LineEndpos
	LinePrepare
	LineExecute
)

// Line is one parsed record of the applier's input stream.
type Line struct {
	Kind      LineKind
	XID       uint64
	LSN       pglogrepl.LSN
	CommitLSN pglogrepl.LSN
	Timestamp time.Time

	Handle string
	SQL    string
	Params []interface{}
}

const timestampLayout = "2006-01-02 15:04:05-07"

// ParseLine parses one line of the grammar in §4.H:
//
//	BEGIN/COMMIT/ROLLBACK {"xid":<n>,"lsn":"<X/Y>","timestamp":"<iso>"[,"commit_lsn":"<X/Y>"]}
//	SWITCH/ENDPOS {"lsn":"<X/Y>"}
//	KEEPALIVE {"lsn":"<X/Y>","timestamp":"<iso>"}
//	PREPARE <hex32> AS <SQL>;
//	EXECUTE <hex32>[<json-array-of-params>];
func ParseLine(raw string) (Line, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Line{}, fmt.Errorf("applier: empty line")
	}

	keyword, rest, _ := strings.Cut(raw, " ")
	switch keyword {
	case "BEGIN":
		return parseBoundary(LineBegin, rest)
	case "COMMIT":
		return parseBoundary(LineCommit, rest)
	case "ROLLBACK":
		return parseBoundary(LineRollback, rest)
	case "SWITCH":
		return parseControl(LineSwitch, rest)
	case "KEEPALIVE":
		return parseControl(LineKeepalive, rest)
	case "ENDPOS":
		return parseControl(LineEndpos, rest)
	case "PREPARE":
		return parsePrepare(rest)
	case "EXECUTE":
		return parseExecute(rest)
	default:
		return Line{}, fmt.Errorf("applier: unrecognized line keyword %q", keyword)
	}
}

type boundaryJSON struct {
	XID       uint64 `json:"xid"`
	LSN       string `json:"lsn"`
	Timestamp string `json:"timestamp"`
	CommitLSN string `json:"commit_lsn"`
}

func parseBoundary(kind LineKind, body string) (Line, error) {
	var b boundaryJSON
	if err := json.Unmarshal([]byte(body), &b); err != nil {
		return Line{}, fmt.Errorf("applier: decode boundary body %q: %w", body, err)
	}
	l, err := lsn.Parse(b.LSN)
	if err != nil {
		return Line{}, err
	}
	ln := Line{Kind: kind, XID: b.XID, LSN: l}
	if b.Timestamp != "" {
		ts, err := time.Parse(timestampLayout, b.Timestamp)
		if err != nil {
			return Line{}, fmt.Errorf("applier: parse timestamp %q: %w", b.Timestamp, err)
		}
		ln.Timestamp = ts
	}
	if b.CommitLSN != "" {
		cl, err := lsn.Parse(b.CommitLSN)
		if err != nil {
			return Line{}, err
		}
		ln.CommitLSN = cl
	}
	return ln, nil
}

type controlJSON struct {
	LSN       string `json:"lsn"`
	Timestamp string `json:"timestamp"`
}

func parseControl(kind LineKind, body string) (Line, error) {
	var c controlJSON
	if err := json.Unmarshal([]byte(body), &c); err != nil {
		return Line{}, fmt.Errorf("applier: decode control body %q: %w", body, err)
	}
	l, err := lsn.Parse(c.LSN)
	if err != nil {
		return Line{}, err
	}
	ln := Line{Kind: kind, LSN: l}
	if c.Timestamp != "" {
		ts, err := time.Parse(timestampLayout, c.Timestamp)
		if err != nil {
			return Line{}, fmt.Errorf("applier: parse timestamp %q: %w", c.Timestamp, err)
		}
		ln.Timestamp = ts
	}
	return ln, nil
}

func parsePrepare(rest string) (Line, error) {
	handle, sqlPart, ok := strings.Cut(rest, " AS ")
	if !ok {
		return Line{}, fmt.Errorf("applier: malformed PREPARE line: %q", rest)
	}
	sql := strings.TrimSuffix(strings.TrimSpace(sqlPart), ";")
	return Line{Kind: LinePrepare, Handle: strings.TrimSpace(handle), SQL: sql}, nil
}

func parseExecute(rest string) (Line, error) {
	open := strings.IndexByte(rest, '[')
	if open < 0 {
		return Line{}, fmt.Errorf("applier: malformed EXECUTE line: %q", rest)
	}
	handle := strings.TrimSpace(rest[:open])
	arrPart := strings.TrimSuffix(strings.TrimSpace(rest[open:]), ";")

	var raw []interface{}
	if err := json.Unmarshal([]byte(arrPart), &raw); err != nil {
		return Line{}, fmt.Errorf("applier: decode EXECUTE params %q: %w", arrPart, err)
	}
	return Line{Kind: LineExecute, Handle: handle, Params: raw}, nil
}
