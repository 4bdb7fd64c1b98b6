// Package walmsg decodes one line of output-plugin text into a typed
// record: the envelope common to both dialects (action/xid/lsn/timestamp)
// plus, for DML actions, column/value arrays describing the affected row(s).
//
// Two dialects are supported behind one Dialect interface, selected once at
// session open: test_decoding's line-oriented text form and wal2json's
// nested JSON (format-version 2).
package walmsg

import (
	"time"

	"github.com/jackc/pglogrepl"
)

// Action is the universal action character carried by both dialects.
type Action byte

const (
	ActionBegin     Action = 'B'
	ActionCommit    Action = 'C'
	ActionRollback  Action = 'R'
	ActionInsert    Action = 'I'
	ActionUpdate    Action = 'U'
	ActionDelete    Action = 'D'
	ActionTruncate  Action = 'T'
	ActionMessage   Action = 'M'
	ActionSwitch    Action = 'X'
	ActionKeepalive Action = 'K'
	ActionEndpos    Action = 'E'
)

func (a Action) String() string {
	switch a {
	case ActionBegin:
		return "BEGIN"
	case ActionCommit:
		return "COMMIT"
	case ActionRollback:
		return "ROLLBACK"
	case ActionInsert:
		return "INSERT"
	case ActionUpdate:
		return "UPDATE"
	case ActionDelete:
		return "DELETE"
	case ActionTruncate:
		return "TRUNCATE"
	case ActionMessage:
		return "MESSAGE"
	case ActionSwitch:
		return "SWITCH"
	case ActionKeepalive:
		return "KEEPALIVE"
	case ActionEndpos:
		return "ENDPOS"
	default:
		return "UNKNOWN"
	}
}

// ValueKind discriminates the LogicalMessageValue variants.
type ValueKind int

const (
	ValueNull ValueKind = iota
	ValueBool
	ValueInt8
	ValueFloat8
	ValueText
	ValueBytea
)

// Value is a tagged variant over the column value types the two dialects
// can produce. Raw holds the textual representation as read from the wire
// for Text/Bytea/Int8/Float8/Bool; it is empty for Null.
type Value struct {
	Kind     ValueKind
	Raw      string
	IsQuoted bool
}

// Column describes one attribute of a relation in source order.
type Column struct {
	Name        string
	DataType    uint32
	IsGenerated bool
}

// Tuple is an ordered set of columns paired with one row of values.
type Tuple struct {
	Columns []Column
	Values  []Value
}

// Record is one decoded line: the envelope plus, for DML, the affected
// table identity and before/after tuples.
type Record struct {
	Action    Action
	XID       uint64
	LSN       pglogrepl.LSN
	CommitLSN pglogrepl.LSN // wal2json extension on BEGIN; Invalid if absent
	Timestamp time.Time

	Namespace string
	Relation  string

	OldTuple *Tuple
	NewTuple *Tuple
}

// Plugin identifies which dialect produced a stream.
type Plugin int

const (
	TestDecoding Plugin = iota
	Wal2JSON
)

func (p Plugin) String() string {
	if p == Wal2JSON {
		return "wal2json"
	}
	return "test_decoding"
}

// PluginArgs returns the CREATE_REPLICATION_SLOT/START_REPLICATION plugin
// option list for the given dialect, per §4.E.
func (p Plugin) PluginArgs() []string {
	switch p {
	case Wal2JSON:
		return []string{
			"\"format-version\" '2'",
			"\"include-xids\" 'true'",
			"\"include-schemas\" 'true'",
			"\"include-transaction\" 'true'",
			"\"include-types\" 'true'",
			"\"filter-tables\" 'pgcopydb.*'",
		}
	default:
		return []string{"include-xids '1'"}
	}
}

// Dialect decodes one line of that plugin's text output.
type Dialect interface {
	// Parse decodes a full line (envelope plus payload) into a Record.
	Parse(line []byte) (*Record, error)
}

// For returns the Dialect implementation for the given plugin.
func For(p Plugin) Dialect {
	if p == Wal2JSON {
		return wal2json{}
	}
	return testDecoding{}
}

// Normalize wraps an identifier in exactly one pair of double quotes. If the
// input is already quoted (begins and ends with '"'), it is returned
// unchanged, making Normalize idempotent: Normalize(Normalize(x)) ==
// Normalize(x). The result is suitable as a map key for any cache keyed by
// schema/table/column identity.
func Normalize(name string) string {
	if len(name) >= 2 && name[0] == '"' && name[len(name)-1] == '"' {
		return name
	}
	return `"` + name + `"`
}
