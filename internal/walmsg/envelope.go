package walmsg

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/dimitri/pgstreamfollow/pkg/lsn"
)

// envelopeJSON is the common shape every line in the receiver's JSON file
// is written in, regardless of dialect: {"action","xid","lsn","timestamp",
// "message"}. message is dialect-specific and handled by the per-dialect
// sub-parser.
type envelopeJSON struct {
	Action    string          `json:"action"`
	XID       string          `json:"xid"`
	LSN       string          `json:"lsn"`
	Timestamp string          `json:"timestamp"`
	Message   json.RawMessage `json:"message"`
}

const timestampLayout = "2006-01-02 15:04:05.999999-07"

func parseEnvelope(line []byte) (envelopeJSON, Record, error) {
	var env envelopeJSON
	if err := json.Unmarshal(line, &env); err != nil {
		return env, Record{}, fmt.Errorf("walmsg: decode envelope: %w", err)
	}

	if len(env.Action) != 1 {
		return env, Record{}, fmt.Errorf("walmsg: empty or multi-character action %q", env.Action)
	}
	action := Action(env.Action[0])
	switch action {
	case ActionBegin, ActionCommit, ActionRollback, ActionInsert, ActionUpdate,
		ActionDelete, ActionTruncate, ActionMessage, ActionSwitch, ActionKeepalive, ActionEndpos:
	default:
		return env, Record{}, fmt.Errorf("walmsg: unknown action character %q", env.Action)
	}

	rec := Record{Action: action}

	if env.XID != "" {
		xid, err := strconv.ParseUint(env.XID, 10, 64)
		if err != nil {
			return env, Record{}, fmt.Errorf("walmsg: parse xid %q: %w", env.XID, err)
		}
		rec.XID = xid
	}

	if env.LSN != "" {
		parsed, err := lsn.Parse(env.LSN)
		if err != nil {
			return env, Record{}, fmt.Errorf("walmsg: %w", err)
		}
		rec.LSN = parsed
	}

	if env.Timestamp != "" {
		ts, err := time.Parse(timestampLayout, env.Timestamp)
		if err != nil {
			// Fall back to RFC3339 for dialects/tests that emit it directly.
			ts, err = time.Parse(time.RFC3339Nano, env.Timestamp)
			if err != nil {
				return env, Record{}, fmt.Errorf("walmsg: parse timestamp %q: %w", env.Timestamp, err)
			}
		}
		rec.Timestamp = ts
	}

	return env, rec, nil
}
