package txn

import (
	"fmt"

	"github.com/dimitri/pgstreamfollow/internal/walmsg"
)

// Assembler holds the current in-flight transaction and folds parsed
// records into it, returning a Transaction each time one is ready to be
// handed to the SQL emitter: at COMMIT, at ROLLBACK, at a mid-transaction
// SWITCH/KEEPALIVE/ENDPOS (emitted without COMMIT, see Continued on the
// transaction started in its place), or immediately for a control record
// that arrives with no transaction open.
type Assembler struct {
	cache   *GeneratedColumnCache
	current *Transaction
}

// New creates an Assembler. cache may be nil, in which case no column is
// ever marked generated.
func New(cache *GeneratedColumnCache) *Assembler {
	return &Assembler{cache: cache}
}

// Feed consumes one parsed record and returns a completed Transaction when
// one becomes ready, or (nil, nil) while still accumulating statements.
func (a *Assembler) Feed(rec *walmsg.Record) (*Transaction, error) {
	switch rec.Action {
	case walmsg.ActionBegin:
		return a.feedBegin(rec)
	case walmsg.ActionInsert, walmsg.ActionUpdate, walmsg.ActionDelete, walmsg.ActionTruncate:
		return a.feedDML(rec)
	case walmsg.ActionCommit:
		return a.feedBoundary(rec, true)
	case walmsg.ActionRollback:
		return a.feedBoundary(rec, false)
	case walmsg.ActionSwitch, walmsg.ActionKeepalive, walmsg.ActionEndpos:
		return a.feedControl(rec)
	default:
		return nil, fmt.Errorf("txn: unexpected action %v in assembler", rec.Action)
	}
}

func (a *Assembler) feedBegin(rec *walmsg.Record) (*Transaction, error) {
	if a.current != nil {
		return nil, fmt.Errorf("txn: BEGIN xid=%d received while xid=%d is still open", rec.XID, a.current.XID)
	}
	a.current = &Transaction{
		XID:            rec.XID,
		BeginLSN:       rec.LSN,
		Timestamp:      rec.Timestamp,
		BeginCommitLSN: rec.CommitLSN,
		First:          true,
	}
	return nil, nil
}

func (a *Assembler) feedDML(rec *walmsg.Record) (*Transaction, error) {
	if a.current == nil {
		a.current = &Transaction{
			XID:       rec.XID,
			BeginLSN:  rec.LSN,
			Timestamp: rec.Timestamp,
			Continued: true,
		}
	}
	a.appendStatement(rec)
	return nil, nil
}

func (a *Assembler) appendStatement(rec *walmsg.Record) {
	if rec.Action == walmsg.ActionInsert && len(a.current.Statements) > 0 {
		last := a.current.Statements[len(a.current.Statements)-1]
		if canCoalesce(last, rec) {
			last.Rows = append(last.Rows, rec.NewTuple.Values)
			return
		}
	}

	stmt := &Statement{
		LSN:       rec.LSN,
		Timestamp: rec.Timestamp,
		Namespace: rec.Namespace,
		Relation:  rec.Relation,
	}

	switch rec.Action {
	case walmsg.ActionInsert:
		stmt.Kind = Insert
		if rec.NewTuple != nil {
			stmt.Columns = rec.NewTuple.Columns
			stmt.Rows = [][]walmsg.Value{rec.NewTuple.Values}
		}
	case walmsg.ActionUpdate:
		stmt.Kind = Update
		if rec.NewTuple != nil {
			stmt.Columns = rec.NewTuple.Columns
			stmt.Rows = [][]walmsg.Value{rec.NewTuple.Values}
		}
		if rec.OldTuple != nil {
			stmt.OldColumns = rec.OldTuple.Columns
			stmt.OldRows = [][]walmsg.Value{rec.OldTuple.Values}
		}
	case walmsg.ActionDelete:
		stmt.Kind = Delete
		if rec.OldTuple != nil {
			stmt.OldColumns = rec.OldTuple.Columns
			stmt.OldRows = [][]walmsg.Value{rec.OldTuple.Values}
		}
	case walmsg.ActionTruncate:
		stmt.Kind = Truncate
	}

	a.current.Statements = append(a.current.Statements, stmt)
}

func (a *Assembler) feedBoundary(rec *walmsg.Record, commit bool) (*Transaction, error) {
	if a.current == nil {
		kind := "COMMIT"
		if !commit {
			kind = "ROLLBACK"
		}
		return nil, fmt.Errorf("txn: %s xid=%d received with no open transaction", kind, rec.XID)
	}

	done := a.current
	if commit {
		done.Commit = true
		done.CommitLSN = rec.LSN
	} else {
		done.Rollback = true
		done.RollbackLSN = rec.LSN
	}
	done.Last = true
	done.Count = len(done.Statements)
	a.markGenerated(done)

	a.current = nil
	return done, nil
}

func controlKind(action walmsg.Action) Kind {
	switch action {
	case walmsg.ActionSwitch:
		return Switch
	case walmsg.ActionEndpos:
		return Endpos
	default:
		return Keepalive
	}
}

func (a *Assembler) feedControl(rec *walmsg.Record) (*Transaction, error) {
	ctrl := &Statement{Kind: controlKind(rec.Action), LSN: rec.LSN, Timestamp: rec.Timestamp}

	if a.current == nil {
		return &Transaction{Statements: []*Statement{ctrl}, Count: 1, First: true, Last: true}, nil
	}

	// Mid-transaction SWITCH/KEEPALIVE/ENDPOS: emit the current transaction
	// without COMMIT, then open its continuation so SQL files remain
	// self-contained per WAL segment.
	a.current.Statements = append(a.current.Statements, ctrl)
	a.markGenerated(a.current)
	emitted := a.current
	emitted.Count = len(emitted.Statements)

	a.current = &Transaction{
		XID:       emitted.XID,
		BeginLSN:  emitted.BeginLSN,
		Timestamp: emitted.Timestamp,
		Continued: true,
	}
	return emitted, nil
}

func (a *Assembler) markGenerated(t *Transaction) {
	if a.cache == nil {
		return
	}
	for _, stmt := range t.Statements {
		markGenerated(a.cache, stmt)
	}
}
