package receiver

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pglogrepl"

	"github.com/dimitri/pgstreamfollow/internal/walmsg"
	"github.com/dimitri/pgstreamfollow/pkg/lsn"
)

// peekedRecord is the minimum the receiver needs from one raw output-plugin
// chunk: enough to drive empty-transaction filtering and segment rotation,
// plus the line ready to append to the JSON file. Full column/value
// decoding is the transform stage's job (internal/walmsg), not the
// receiver's.
type peekedRecord struct {
	Action walmsg.Action
	XID    uint64
	LSN    pglogrepl.LSN
	Line   []byte
}

type envelopeOut struct {
	Action    string          `json:"action"`
	XID       string          `json:"xid,omitempty"`
	LSN       string          `json:"lsn"`
	Timestamp string          `json:"timestamp,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
}

const outTimestampLayout = "2006-01-02 15:04:05.999999-07"

// peek translates one raw XLogData payload from the output plugin into a
// peekedRecord, assigning the envelope's lsn from the WAL position the
// server attached to this chunk (not anything self-reported by the
// plugin) and tracking the current transaction's xid across chunks for
// dialects (test_decoding) whose per-row text doesn't carry one.
func (r *Receiver) peek(plugin walmsg.Plugin, walStart pglogrepl.LSN, raw []byte, now time.Time) (peekedRecord, error) {
	if plugin == walmsg.Wal2JSON {
		return r.peekWal2JSON(walStart, raw, now)
	}
	return r.peekTestDecoding(walStart, raw, now)
}

func (r *Receiver) peekWal2JSON(walStart pglogrepl.LSN, raw []byte, now time.Time) (peekedRecord, error) {
	var top struct {
		Action string `json:"action"`
		Xid    uint64 `json:"xid"`
	}
	if err := json.Unmarshal(raw, &top); err != nil {
		return peekedRecord{}, fmt.Errorf("receiver: decode wal2json chunk: %w", err)
	}
	if len(top.Action) != 1 {
		return peekedRecord{}, fmt.Errorf("receiver: wal2json chunk with missing/invalid action: %q", top.Action)
	}
	action := walmsg.Action(top.Action[0])
	if top.Xid != 0 {
		r.currentXID = top.Xid
	}

	env := envelopeOut{
		Action:    string(action),
		LSN:       lsn.Format(walStart),
		Timestamp: now.Format(outTimestampLayout),
		Message:   json.RawMessage(raw),
	}
	if r.currentXID != 0 {
		env.XID = strconv.FormatUint(r.currentXID, 10)
	}
	line, err := json.Marshal(env)
	if err != nil {
		return peekedRecord{}, fmt.Errorf("receiver: encode envelope: %w", err)
	}
	return peekedRecord{Action: action, XID: r.currentXID, LSN: walStart, Line: line}, nil
}

func (r *Receiver) peekTestDecoding(walStart pglogrepl.LSN, raw []byte, now time.Time) (peekedRecord, error) {
	text := string(raw)

	var action walmsg.Action
	switch {
	case strings.HasPrefix(text, "BEGIN"):
		action = walmsg.ActionBegin
		if xid, err := parseTrailingXID(text); err == nil {
			r.currentXID = xid
		}
	case strings.HasPrefix(text, "COMMIT"):
		action = walmsg.ActionCommit
		if xid, err := parseTrailingXID(text); err == nil {
			r.currentXID = xid
		}
	case strings.HasPrefix(text, "table "):
		action = dmlActionOf(text)
	default:
		return peekedRecord{}, fmt.Errorf("receiver: unrecognized test_decoding line: %q", text)
	}

	env := envelopeOut{
		Action:    string(action),
		XID:       strconv.FormatUint(r.currentXID, 10),
		LSN:       lsn.Format(walStart),
		Timestamp: now.Format(outTimestampLayout),
	}
	if action != walmsg.ActionBegin && action != walmsg.ActionCommit {
		msg, err := json.Marshal(text)
		if err != nil {
			return peekedRecord{}, err
		}
		env.Message = msg
	}
	line, err := json.Marshal(env)
	if err != nil {
		return peekedRecord{}, fmt.Errorf("receiver: encode envelope: %w", err)
	}
	return peekedRecord{Action: action, XID: r.currentXID, LSN: walStart, Line: line}, nil
}

func dmlActionOf(text string) walmsg.Action {
	switch {
	case strings.Contains(text, ": INSERT:"):
		return walmsg.ActionInsert
	case strings.Contains(text, ": UPDATE:"):
		return walmsg.ActionUpdate
	case strings.Contains(text, ": DELETE:"):
		return walmsg.ActionDelete
	case strings.Contains(text, ": TRUNCATE:"):
		return walmsg.ActionTruncate
	default:
		return walmsg.ActionMessage
	}
}

func parseTrailingXID(text string) (uint64, error) {
	fields := strings.Fields(text)
	if len(fields) < 2 {
		return 0, fmt.Errorf("no xid in %q", text)
	}
	return strconv.ParseUint(fields[1], 10, 64)
}
