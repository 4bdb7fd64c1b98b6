// Package txn assembles parsed walmsg.Records into LogicalTransaction
// values: an ordered statement list bounded by BEGIN/COMMIT (or ROLLBACK),
// with compatible consecutive INSERTs coalesced into one multi-row
// statement and generated columns marked from a target-catalog cache.
package txn

import (
	"time"

	"github.com/jackc/pglogrepl"

	"github.com/dimitri/pgstreamfollow/internal/walmsg"
)

// Kind discriminates the LogicalTransactionStatement variants.
type Kind int

const (
	Insert Kind = iota
	Update
	Delete
	Truncate
	Switch
	Keepalive
	Endpos
)

func (k Kind) String() string {
	switch k {
	case Insert:
		return "INSERT"
	case Update:
		return "UPDATE"
	case Delete:
		return "DELETE"
	case Truncate:
		return "TRUNCATE"
	case Switch:
		return "SWITCH"
	case Keepalive:
		return "KEEPALIVE"
	case Endpos:
		return "ENDPOS"
	default:
		return "UNKNOWN"
	}
}

// Statement is a tagged variant over one DML or control action inside a
// transaction. For INSERT, Rows may hold more than one coalesced row under
// the same Columns. For UPDATE/DELETE, OldColumns/OldRows carry the
// before-image used to build the WHERE clause; OldRows holds exactly one
// row. Control kinds (Switch/Keepalive/Endpos) set only LSN/Timestamp.
type Statement struct {
	Kind      Kind
	LSN       pglogrepl.LSN
	Timestamp time.Time

	Namespace string
	Relation  string

	Columns []walmsg.Column
	Rows    [][]walmsg.Value

	OldColumns []walmsg.Column
	OldRows    [][]walmsg.Value
}

// Transaction is an ordered list of statements bounded by a BEGIN and a
// COMMIT/ROLLBACK, or synthesized without a BEGIN when DML resumes a
// transaction left open at a segment boundary (Continued).
type Transaction struct {
	XID         uint64
	BeginLSN    pglogrepl.LSN
	CommitLSN   pglogrepl.LSN
	RollbackLSN pglogrepl.LSN
	Timestamp   time.Time

	// BeginCommitLSN is wal2json's optional foreknowledge of the eventual
	// commit LSN, carried on BEGIN; pgtype-invalid (zero) when the dialect
	// does not supply it.
	BeginCommitLSN pglogrepl.LSN

	Continued bool
	Commit    bool
	Rollback  bool
	First     bool
	Last      bool
	Count     int

	Statements []*Statement
}

const maxPrepareParams = 65535

// canCoalesce reports whether rec may be appended to last's row set instead
// of becoming its own statement: both INSERT, same qualified table, same
// column set in the same order, and the combined parameter count stays
// within the backend's per-prepare limit.
func canCoalesce(last *Statement, rec *walmsg.Record) bool {
	if last.Kind != Insert || rec.Action != walmsg.ActionInsert {
		return false
	}
	if last.Namespace != rec.Namespace || last.Relation != rec.Relation {
		return false
	}
	if rec.NewTuple == nil || len(last.Columns) != len(rec.NewTuple.Columns) {
		return false
	}
	for i, c := range last.Columns {
		if c.Name != rec.NewTuple.Columns[i].Name {
			return false
		}
	}
	cells := len(last.Rows) * len(last.Columns)
	if cells+len(last.Columns) > maxPrepareParams {
		return false
	}
	return true
}
