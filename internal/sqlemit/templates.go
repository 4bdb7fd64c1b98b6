// Package sqlemit renders assembled transactions into the text SQL grammar
// consumed by the applier: BEGIN/COMMIT/ROLLBACK/SWITCH/KEEPALIVE/ENDPOS
// control lines plus PREPARE/EXECUTE pairs for DML, one record per line.
package sqlemit

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dimitri/pgstreamfollow/internal/txn"
	"github.com/dimitri/pgstreamfollow/internal/walmsg"
)

func stripQuotes(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// statementSQL renders a DML statement's PREPARE body and the flattened,
// row-major parameter list for its EXECUTE line.
func statementSQL(stmt *txn.Statement) (sql string, params []walmsg.Value, err error) {
	switch stmt.Kind {
	case txn.Insert:
		return insertSQL(stmt)
	case txn.Update:
		return updateSQL(stmt)
	case txn.Delete:
		return deleteSQL(stmt)
	case txn.Truncate:
		return truncateSQL(stmt)
	default:
		return "", nil, fmt.Errorf("sqlemit: %v is not a DML statement", stmt.Kind)
	}
}

func qualifiedTable(stmt *txn.Statement) string {
	return stmt.Namespace + "." + stmt.Relation
}

// insertSQL builds `INSERT INTO t (cols) overriding system value VALUES
// (...), (...)` across every coalesced row, omitting generated columns from
// both the column list and the parameter stream.
func insertSQL(stmt *txn.Statement) (string, []walmsg.Value, error) {
	if len(stmt.Columns) == 0 || len(stmt.Rows) == 0 {
		return "", nil, fmt.Errorf("sqlemit: INSERT statement on %s has no columns or rows", qualifiedTable(stmt))
	}

	var activeCols []int
	var colNames []string
	for i, c := range stmt.Columns {
		if c.IsGenerated {
			continue
		}
		activeCols = append(activeCols, i)
		colNames = append(colNames, stripQuotes(c.Name))
	}
	if len(activeCols) == 0 {
		return "", nil, fmt.Errorf("sqlemit: INSERT statement on %s has no non-generated columns", qualifiedTable(stmt))
	}

	var params []walmsg.Value
	var groups []string
	n := 1
	for _, row := range stmt.Rows {
		var ph []string
		for _, ci := range activeCols {
			ph = append(ph, fmt.Sprintf("$%d", n))
			params = append(params, row[ci])
			n++
		}
		groups = append(groups, "("+strings.Join(ph, ", ")+")")
	}

	sql := fmt.Sprintf("INSERT INTO %s (%s) overriding system value VALUES %s",
		qualifiedTable(stmt), strings.Join(colNames, ", "), strings.Join(groups, ", "))
	return sql, params, nil
}

// updateSQL builds `UPDATE t SET col = $k[, col = DEFAULT] WHERE old-col =
// $m [AND old-col IS NULL]`, omitting a SET entry when its old and new
// values are identical and rendering generated columns as DEFAULT.
func updateSQL(stmt *txn.Statement) (string, []walmsg.Value, error) {
	if len(stmt.OldColumns) == 0 || len(stmt.OldRows) == 0 {
		return "", nil, fmt.Errorf("sqlemit: UPDATE statement on %s has no identity columns", qualifiedTable(stmt))
	}

	oldByName := make(map[string]walmsg.Value, len(stmt.OldColumns))
	for i, c := range stmt.OldColumns {
		oldByName[c.Name] = stmt.OldRows[0][i]
	}

	var params []walmsg.Value
	n := 1
	var sets []string
	if len(stmt.Columns) > 0 {
		for i, c := range stmt.Columns {
			if c.IsGenerated {
				sets = append(sets, fmt.Sprintf("%s = DEFAULT", stripQuotes(c.Name)))
				continue
			}
			newVal := stmt.Rows[0][i]
			if oldVal, ok := oldByName[c.Name]; ok && valuesEqual(oldVal, newVal) {
				continue
			}
			sets = append(sets, fmt.Sprintf("%s = $%d", stripQuotes(c.Name), n))
			params = append(params, newVal)
			n++
		}
	}
	if len(sets) == 0 {
		return "", nil, fmt.Errorf("sqlemit: UPDATE statement on %s has no changed columns", qualifiedTable(stmt))
	}

	var conds []string
	for i, c := range stmt.OldColumns {
		v := stmt.OldRows[0][i]
		if v.Kind == walmsg.ValueNull {
			conds = append(conds, fmt.Sprintf("%s IS NULL", stripQuotes(c.Name)))
			continue
		}
		conds = append(conds, fmt.Sprintf("%s = $%d", stripQuotes(c.Name), n))
		params = append(params, v)
		n++
	}

	sql := fmt.Sprintf("UPDATE %s SET %s WHERE %s", qualifiedTable(stmt), strings.Join(sets, ", "), strings.Join(conds, " AND "))
	return sql, params, nil
}

// deleteSQL builds `DELETE FROM t WHERE old-col = $k [AND old-col IS
// NULL]` from the before-image identity columns.
func deleteSQL(stmt *txn.Statement) (string, []walmsg.Value, error) {
	if len(stmt.OldColumns) == 0 || len(stmt.OldRows) == 0 {
		return "", nil, fmt.Errorf("sqlemit: DELETE statement on %s has no identity columns", qualifiedTable(stmt))
	}

	var params []walmsg.Value
	var conds []string
	n := 1
	for i, c := range stmt.OldColumns {
		v := stmt.OldRows[0][i]
		if v.Kind == walmsg.ValueNull {
			conds = append(conds, fmt.Sprintf("%s IS NULL", stripQuotes(c.Name)))
			continue
		}
		conds = append(conds, fmt.Sprintf("%s = $%d", stripQuotes(c.Name), n))
		params = append(params, v)
		n++
	}

	sql := fmt.Sprintf("DELETE FROM %s WHERE %s", qualifiedTable(stmt), strings.Join(conds, " AND "))
	return sql, params, nil
}

func truncateSQL(stmt *txn.Statement) (string, []walmsg.Value, error) {
	return fmt.Sprintf("TRUNCATE ONLY %s", qualifiedTable(stmt)), nil, nil
}

func valuesEqual(a, b walmsg.Value) bool {
	return a.Kind == b.Kind && a.Raw == b.Raw
}

// serializeParams renders the EXECUTE line's parameter array: null → JSON
// null, bool → "t"/"f", int8/float8 → their decimal text verbatim, text and
// bytea → the server-provided representation verbatim, all as JSON
// strings except null.
func serializeParams(values []walmsg.Value) ([]byte, error) {
	out := make([]interface{}, len(values))
	for i, v := range values {
		if v.Kind == walmsg.ValueNull {
			out[i] = nil
			continue
		}
		if v.Kind == walmsg.ValueBool {
			if v.Raw == "t" || v.Raw == "true" {
				out[i] = "t"
			} else {
				out[i] = "f"
			}
			continue
		}
		out[i] = v.Raw
	}
	return json.Marshal(out)
}
