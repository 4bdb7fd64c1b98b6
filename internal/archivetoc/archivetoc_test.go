package archivetoc

import "testing"

func TestParse_LongestMatchWins(t *testing.T) {
	tests := []struct {
		name string
		line string
		desc string
	}{
		{"materialized view data", `3001; 1259 16400 MATERIALIZED VIEW DATA public.mv1 postgres`, "MATERIALIZED VIEW DATA"},
		{"materialized view", `3002; 1259 16401 MATERIALIZED VIEW public.mv1 postgres`, "MATERIALIZED VIEW"},
		{"plain view", `3003; 1259 16402 VIEW public.v1 postgres`, "VIEW"},
		{"table data", `3004; 1259 16403 TABLE DATA public.t1 postgres`, "TABLE DATA"},
		{"table", `3005; 1259 16404 TABLE public.t1 postgres`, "TABLE"},
		{"sequence owned by", `3006; 1259 16405 SEQUENCE OWNED BY public.s1 postgres`, "SEQUENCE OWNED BY"},
		{"sequence", `3007; 1259 16406 SEQUENCE public.s1 postgres`, "SEQUENCE"},
		{"default acl", `3008; 0 0 DEFAULT ACL postgres`, "DEFAULT ACL"},
		{"fk constraint", `3009; 1259 16407 FK CONSTRAINT public.fk1 postgres`, "FK CONSTRAINT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := Parse(tt.line)
			if err != nil {
				t.Fatalf("Parse(%q): %v", tt.line, err)
			}
			if e.Desc != tt.desc {
				t.Errorf("Desc = %q, want %q", e.Desc, tt.desc)
			}
		})
	}
}

func TestParse_ACLSchemaRestoreListName(t *testing.T) {
	e, err := Parse(`10; 2615 0 ACL - SCHEMA public postgres`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if e.Desc != "ACL" {
		t.Fatalf("Desc = %q, want ACL", e.Desc)
	}
	if e.RestoreListName != "public postgres" {
		t.Errorf("RestoreListName = %q, want %q", e.RestoreListName, "public postgres")
	}
}

func TestParse_CommentExtensionRestoreListName(t *testing.T) {
	e, err := Parse(`11; 3079 16384 COMMENT - EXTENSION plpgsql postgres`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if e.Desc != "COMMENT" {
		t.Fatalf("Desc = %q, want COMMENT", e.Desc)
	}
	if e.RestoreListName != "plpgsql" {
		t.Errorf("RestoreListName = %q, want %q", e.RestoreListName, "plpgsql")
	}
}

func TestParse_CommentOtherSubdescPassesThrough(t *testing.T) {
	e, err := Parse(`12; 1259 16400 COMMENT - TABLE public.t1 postgres`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if e.RestoreListName != "TABLE public.t1 postgres" {
		t.Errorf("RestoreListName = %q, want the OTHER subdesc passed through verbatim", e.RestoreListName)
	}
}

func TestParse_NonACLRestoreListNameIsRestVerbatim(t *testing.T) {
	e, err := Parse(`13; 1259 16404 TABLE public.t1 postgres`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if e.RestoreListName != "public.t1 postgres" {
		t.Errorf("RestoreListName = %q, want %q", e.RestoreListName, "public.t1 postgres")
	}
}

func TestParse_UnrecognizedDescIsError(t *testing.T) {
	if _, err := Parse(`14; 1259 16404 NOT_A_REAL_TAG public.t1 postgres`); err == nil {
		t.Fatal("expected an error for an unrecognized description tag")
	}
}

func TestParseLines_SkipsCommentsAndBlankLines(t *testing.T) {
	lines := []string{
		"; this is a comment",
		"",
		`20; 1259 16404 TABLE public.t1 postgres`,
		"   ",
		`21; 1259 16405 INDEX public.t1_pkey postgres`,
	}
	entries, err := ParseLines(lines)
	if err != nil {
		t.Fatalf("ParseLines: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Desc != "TABLE" || entries[1].Desc != "INDEX" {
		t.Errorf("unexpected entries: %+v", entries)
	}
}
