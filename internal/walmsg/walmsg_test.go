package walmsg

import (
	"testing"

	"github.com/jackc/pglogrepl"
)

func TestNormalize(t *testing.T) {
	tests := []struct{ in, want string }{
		{"t", `"t"`},
		{`"t"`, `"t"`},
		{"public", `"public"`},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	for _, in := range []string{"t", `"t"`, "Schema1"} {
		once := Normalize(in)
		twice := Normalize(once)
		if once != twice {
			t.Errorf("Normalize not idempotent for %q: %q != %q", in, once, twice)
		}
	}
}

func TestWal2JSON_Insert(t *testing.T) {
	line := []byte(`{"action":"I","xid":"42","lsn":"0/110","timestamp":"2024-01-01 00:00:00.000000+00","message":{"schema":"public","table":"t","columns":[{"name":"id","type":"integer","value":1},{"name":"x","type":"text","value":"a"}]}}`)

	rec, err := For(Wal2JSON).Parse(line)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if rec.Action != ActionInsert {
		t.Fatalf("Action = %v, want INSERT", rec.Action)
	}
	if rec.XID != 42 {
		t.Errorf("XID = %d, want 42", rec.XID)
	}
	if rec.LSN != pglogrepl.LSN(0x110) {
		t.Errorf("LSN = %s, want 0/110", rec.LSN)
	}
	if rec.Namespace != `"public"` || rec.Relation != `"t"` {
		t.Errorf("Namespace/Relation = %q/%q", rec.Namespace, rec.Relation)
	}
	if rec.NewTuple == nil || len(rec.NewTuple.Columns) != 2 {
		t.Fatalf("NewTuple = %+v", rec.NewTuple)
	}
	if rec.NewTuple.Values[0].Kind != ValueInt8 || rec.NewTuple.Values[0].Raw != "1" {
		t.Errorf("id value = %+v", rec.NewTuple.Values[0])
	}
	if rec.NewTuple.Values[1].Kind != ValueText || rec.NewTuple.Values[1].Raw != "a" {
		t.Errorf("x value = %+v", rec.NewTuple.Values[1])
	}
}

func TestWal2JSON_UpdateWithIdentity(t *testing.T) {
	line := []byte(`{"action":"U","xid":"7","lsn":"0/200","timestamp":"2024-01-01 00:00:00.000000+00","message":{"schema":"s","table":"t","columns":[{"name":"id","type":"integer","value":1},{"name":"x","type":"text","value":"z"}],"identity":[{"name":"id","type":"integer","value":1}]}}`)

	rec, err := For(Wal2JSON).Parse(line)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if rec.OldTuple == nil || len(rec.OldTuple.Columns) != 1 {
		t.Fatalf("OldTuple = %+v", rec.OldTuple)
	}
	if rec.NewTuple == nil || len(rec.NewTuple.Columns) != 2 {
		t.Fatalf("NewTuple = %+v", rec.NewTuple)
	}
}

func TestWal2JSON_NullValue(t *testing.T) {
	line := []byte(`{"action":"I","xid":"1","lsn":"0/100","timestamp":"2024-01-01 00:00:00.000000+00","message":{"schema":"public","table":"t","columns":[{"name":"x","type":"text","value":null}]}}`)
	rec, err := For(Wal2JSON).Parse(line)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if rec.NewTuple.Values[0].Kind != ValueNull {
		t.Errorf("value kind = %v, want ValueNull", rec.NewTuple.Values[0].Kind)
	}
}

func TestTestDecoding_Insert(t *testing.T) {
	payload := `"table public.t: INSERT: id[integer]:1 x[text]:'a'"`
	line := []byte(`{"action":"I","xid":"42","lsn":"0/110","timestamp":"2024-01-01 00:00:00.000000+00","message":` + payload + `}`)

	rec, err := For(TestDecoding).Parse(line)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if rec.Namespace != `"public"` || rec.Relation != `"t"` {
		t.Errorf("Namespace/Relation = %q/%q", rec.Namespace, rec.Relation)
	}
	if rec.NewTuple == nil || len(rec.NewTuple.Columns) != 2 {
		t.Fatalf("NewTuple = %+v", rec.NewTuple)
	}
	if rec.NewTuple.Values[1].Raw != "a" {
		t.Errorf("x = %q, want a", rec.NewTuple.Values[1].Raw)
	}
}

func TestTestDecoding_UpdateWithOldKey(t *testing.T) {
	payload := `"table s.t: UPDATE: old-key: id[integer]:1 new-tuple: id[integer]:1 x[text]:'z'"`
	line := []byte(`{"action":"U","xid":"7","lsn":"0/200","timestamp":"2024-01-01 00:00:00.000000+00","message":` + payload + `}`)

	rec, err := For(TestDecoding).Parse(line)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if rec.OldTuple == nil || len(rec.OldTuple.Columns) != 1 {
		t.Fatalf("OldTuple = %+v", rec.OldTuple)
	}
	if rec.NewTuple == nil || len(rec.NewTuple.Columns) != 2 {
		t.Fatalf("NewTuple = %+v", rec.NewTuple)
	}
}

func TestTestDecoding_Delete(t *testing.T) {
	payload := `"table public.t: DELETE: id[integer]:1"`
	line := []byte(`{"action":"D","xid":"9","lsn":"0/300","timestamp":"2024-01-01 00:00:00.000000+00","message":` + payload + `}`)

	rec, err := For(TestDecoding).Parse(line)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if rec.OldTuple == nil || len(rec.OldTuple.Columns) != 1 {
		t.Fatalf("OldTuple = %+v", rec.OldTuple)
	}
	if rec.NewTuple != nil {
		t.Errorf("NewTuple should be nil for DELETE, got %+v", rec.NewTuple)
	}
}

func TestTestDecoding_QuotedEscapes(t *testing.T) {
	payload := `"table public.t: INSERT: id[integer]:1 x[text]:'it''s'"`
	line := []byte(`{"action":"I","xid":"1","lsn":"0/100","timestamp":"2024-01-01 00:00:00.000000+00","message":` + payload + `}`)

	rec, err := For(TestDecoding).Parse(line)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if rec.NewTuple.Values[1].Raw != "it's" {
		t.Errorf("x = %q, want %q", rec.NewTuple.Values[1].Raw, "it's")
	}
}

func TestParse_UnknownActionIsFatal(t *testing.T) {
	line := []byte(`{"action":"Z","xid":"1","lsn":"0/100","timestamp":"2024-01-01 00:00:00.000000+00"}`)
	if _, err := For(TestDecoding).Parse(line); err == nil {
		t.Fatal("expected error for unknown action character")
	}
}

func TestParse_MessageActionSkipped(t *testing.T) {
	line := []byte(`{"action":"M","xid":"1","lsn":"0/100","timestamp":"2024-01-01 00:00:00.000000+00","message":"hello"}`)
	rec, err := For(TestDecoding).Parse(line)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if rec != nil {
		t.Errorf("expected MESSAGE action to be skipped (nil record), got %+v", rec)
	}
}

func TestParse_KeepaliveAndEndpos(t *testing.T) {
	k := []byte(`{"action":"K","lsn":"0/100","timestamp":"2024-01-01 00:00:00.000000+00"}`)
	rec, err := For(Wal2JSON).Parse(k)
	if err != nil {
		t.Fatalf("Parse keepalive: %v", err)
	}
	if rec.Action != ActionKeepalive {
		t.Errorf("Action = %v, want KEEPALIVE", rec.Action)
	}

	e := []byte(`{"action":"E","lsn":"0/500"}`)
	rec, err = For(Wal2JSON).Parse(e)
	if err != nil {
		t.Fatalf("Parse endpos: %v", err)
	}
	if rec.Action != ActionEndpos || rec.LSN != pglogrepl.LSN(0x500) {
		t.Errorf("rec = %+v", rec)
	}
}

func TestPluginArgs(t *testing.T) {
	if len(Wal2JSON.PluginArgs()) == 0 {
		t.Error("wal2json plugin args should not be empty")
	}
	if len(TestDecoding.PluginArgs()) == 0 {
		t.Error("test_decoding plugin args should not be empty")
	}
}
