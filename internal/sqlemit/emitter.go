package sqlemit

import (
	"fmt"
	"io"
	"time"

	"github.com/jackc/pglogrepl"

	"github.com/dimitri/pgstreamfollow/internal/txn"
	"github.com/dimitri/pgstreamfollow/pkg/lsn"
)

const timestampLayout = "2006-01-02 15:04:05-07"

// Emitter renders Transactions to a line-oriented SQL stream, deduplicating
// PREPARE lines within its own lifetime: identical SQL text shares one
// handle and is only declared once, with every subsequent occurrence
// emitting EXECUTE alone.
type Emitter struct {
	w      io.Writer
	seen   map[string]struct{}
}

// New wraps w (typically a <WAL>.sql file, and optionally a second Emitter
// over a live output pipe in REPLAY mode).
func New(w io.Writer) *Emitter {
	return &Emitter{w: w, seen: make(map[string]struct{})}
}

// EmitTransaction writes one assembled transaction's BEGIN/.../COMMIT (or
// ROLLBACK) block, or its bare control line when it carries no XID.
func (e *Emitter) EmitTransaction(t *txn.Transaction) error {
	if t.XID != 0 && !t.Continued {
		if err := e.writeBoundary("BEGIN", t.XID, t.BeginLSN, t.Timestamp, t.BeginCommitLSN); err != nil {
			return err
		}
	}

	for _, stmt := range t.Statements {
		if err := e.emitStatement(stmt); err != nil {
			return err
		}
	}

	switch {
	case t.Commit:
		return e.writeBoundary("COMMIT", t.XID, t.CommitLSN, t.Timestamp, lsn.Invalid)
	case t.Rollback:
		return e.writeBoundary("ROLLBACK", t.XID, t.RollbackLSN, t.Timestamp, lsn.Invalid)
	default:
		return nil
	}
}

func (e *Emitter) emitStatement(stmt *txn.Statement) error {
	switch stmt.Kind {
	case txn.Switch:
		return e.printf("SWITCH {\"lsn\":%q}\n", lsn.Format(stmt.LSN))
	case txn.Keepalive:
		return e.printf("KEEPALIVE {\"lsn\":%q,\"timestamp\":%q}\n", lsn.Format(stmt.LSN), stmt.Timestamp.Format(timestampLayout))
	case txn.Endpos:
		return e.printf("ENDPOS {\"lsn\":%q}\n", lsn.Format(stmt.LSN))
	default:
		return e.emitDML(stmt)
	}
}

func (e *Emitter) emitDML(stmt *txn.Statement) error {
	sql, params, err := statementSQL(stmt)
	if err != nil {
		return err
	}
	handle := prepareHandle(sql)

	if _, ok := e.seen[handle]; !ok {
		if err := e.printf("PREPARE %s AS %s;\n", handle, sql); err != nil {
			return err
		}
		e.seen[handle] = struct{}{}
	}

	paramsJSON, err := serializeParams(params)
	if err != nil {
		return fmt.Errorf("sqlemit: serialize params for %s: %w", handle, err)
	}
	return e.printf("EXECUTE %s%s;\n", handle, paramsJSON)
}

func (e *Emitter) writeBoundary(kind string, xid uint64, l pglogrepl.LSN, ts time.Time, commitLSN pglogrepl.LSN) error {
	if commitLSN != lsn.Invalid && kind == "BEGIN" {
		return e.printf("%s {\"xid\":%d,\"lsn\":%q,\"timestamp\":%q,\"commit_lsn\":%q}\n",
			kind, xid, lsn.Format(l), ts.Format(timestampLayout), lsn.Format(commitLSN))
	}
	return e.printf("%s {\"xid\":%d,\"lsn\":%q,\"timestamp\":%q}\n", kind, xid, lsn.Format(l), ts.Format(timestampLayout))
}

func (e *Emitter) printf(format string, args ...interface{}) error {
	_, err := fmt.Fprintf(e.w, format, args...)
	return err
}
