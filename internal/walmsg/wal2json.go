package walmsg

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/dimitri/pgstreamfollow/pkg/lsn"
)

type wal2json struct{}

// wal2jsonColumn mirrors one entry of wal2json format-version 2's
// "columns"/"identity" arrays.
type wal2jsonColumn struct {
	Name  string      `json:"name"`
	Type  string      `json:"type"`
	Value interface{} `json:"value"`
}

type wal2jsonPayload struct {
	Schema   string           `json:"schema"`
	Table    string           `json:"table"`
	Columns  []wal2jsonColumn `json:"columns"`
	Identity []wal2jsonColumn `json:"identity"`
	CommitLSN string          `json:"commit_lsn"`
}

func (wal2json) Parse(line []byte) (*Record, error) {
	env, rec, err := parseEnvelope(line)
	if err != nil {
		return nil, err
	}

	switch rec.Action {
	case ActionMessage:
		return nil, nil
	case ActionInsert, ActionUpdate, ActionDelete, ActionTruncate:
		var payload wal2jsonPayload
		if len(env.Message) > 0 {
			if err := json.Unmarshal(env.Message, &payload); err != nil {
				return nil, fmt.Errorf("walmsg: wal2json: decode payload: %w", err)
			}
		}
		rec.Namespace = Normalize(payload.Schema)
		rec.Relation = Normalize(payload.Table)
		if len(payload.Columns) > 0 {
			rec.NewTuple = wal2jsonTuple(payload.Columns)
		}
		if len(payload.Identity) > 0 {
			rec.OldTuple = wal2jsonTuple(payload.Identity)
		}
		return &rec, nil
	case ActionBegin:
		var payload wal2jsonPayload
		if len(env.Message) > 0 {
			_ = json.Unmarshal(env.Message, &payload)
			if payload.CommitLSN != "" {
				commitLSN, err := lsn.Parse(payload.CommitLSN)
				if err != nil {
					return nil, fmt.Errorf("walmsg: wal2json: %w", err)
				}
				rec.CommitLSN = commitLSN
			}
		}
		return &rec, nil
	default:
		return &rec, nil
	}
}

func wal2jsonTuple(cols []wal2jsonColumn) *Tuple {
	t := &Tuple{
		Columns: make([]Column, len(cols)),
		Values:  make([]Value, len(cols)),
	}
	for i, c := range cols {
		t.Columns[i] = Column{Name: Normalize(c.Name)}
		t.Values[i] = wal2jsonValue(c)
	}
	return t
}

func wal2jsonValue(c wal2jsonColumn) Value {
	if c.Value == nil {
		return Value{Kind: ValueNull}
	}

	isBytea := strings.Contains(strings.ToLower(c.Type), "bytea")

	switch v := c.Value.(type) {
	case bool:
		if v {
			return Value{Kind: ValueBool, Raw: "t", IsQuoted: true}
		}
		return Value{Kind: ValueBool, Raw: "f", IsQuoted: true}
	case float64:
		if isIntegerType(c.Type) {
			return Value{Kind: ValueInt8, Raw: strconv.FormatInt(int64(v), 10)}
		}
		return Value{Kind: ValueFloat8, Raw: strconv.FormatFloat(v, 'f', -1, 64)}
	case string:
		if isBytea {
			return Value{Kind: ValueBytea, Raw: v, IsQuoted: true}
		}
		return Value{Kind: ValueText, Raw: v, IsQuoted: true}
	default:
		return Value{Kind: ValueText, Raw: fmt.Sprintf("%v", v), IsQuoted: true}
	}
}

func isIntegerType(pgType string) bool {
	switch strings.ToLower(pgType) {
	case "smallint", "integer", "bigint", "int2", "int4", "int8", "serial", "bigserial":
		return true
	default:
		return false
	}
}
