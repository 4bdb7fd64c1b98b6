// Package archivetoc parses the archive table-of-contents text format
// consumed by the restore-list/filter path (§6): one line per dumped
// object, each naming a description tag drawn from a fixed vocabulary where
// some tags are prefixes of others ("VIEW" is a suffix of "MATERIALIZED
// VIEW", which is itself a prefix of "MATERIALIZED VIEW DATA"), so matching
// must always prefer the longest candidate.
package archivetoc

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// descTags is the fixed vocabulary of TOC description tags, the same set
// pg_dump's archive format enumerates. Order here does not matter — Parse
// sorts a copy by decreasing length once, at package init.
var descTags = []string{
	"ACCESS METHOD", "ACL", "AGGREGATE", "BLOB", "BLOB DATA", "CAST",
	"CHECK CONSTRAINT", "COLLATION", "COMMENT", "CONSTRAINT", "CONVERSION",
	"DATABASE", "DEFAULT ACL", "DEFAULT", "DOMAIN", "EVENT TRIGGER",
	"EXTENSION", "FK CONSTRAINT", "FOREIGN DATA WRAPPER", "FOREIGN SERVER",
	"FOREIGN TABLE", "FUNCTION", "INDEX", "LARGE OBJECT DATA", "LARGE OBJECT",
	"MATERIALIZED VIEW DATA", "MATERIALIZED VIEW", "OPERATOR CLASS",
	"OPERATOR FAMILY", "OPERATOR", "POLICY", "PROCEDURAL LANGUAGE",
	"PROCEDURE", "PUBLICATION TABLE", "PUBLICATION", "REFRESH MATERIALIZED VIEW",
	"ROW SECURITY", "RULE", "SCHEMA", "SEQUENCE OWNED BY", "SEQUENCE SET",
	"SEQUENCE", "SERVER", "SHELL TYPE", "STATISTICS", "SUBSCRIPTION",
	"TABLE DATA", "TABLE", "TEXT SEARCH CONFIGURATION", "TEXT SEARCH DICTIONARY",
	"TEXT SEARCH PARSER", "TEXT SEARCH TEMPLATE", "TRANSFORM", "TRIGGER",
	"TYPE", "USER MAPPING", "VIEW",
}

var sortedDescTags = func() []string {
	tags := append([]string(nil), descTags...)
	sort.Slice(tags, func(i, j int) bool { return len(tags[i]) > len(tags[j]) })
	return tags
}()

// Entry is one parsed TOC line.
type Entry struct {
	DumpID     int
	CatalogOid string
	ObjectOid  string
	Desc       string
	// RestoreListName is the name a restore list would reference this
	// entry by: for ACL/COMMENT on SCHEMA it is "nspname rolname", for
	// ACL/COMMENT on EXTENSION it is the extension name, otherwise it is
	// the full <rest> text unchanged (subdesc OTHER).
	RestoreListName string
	Rest            string
}

// Parse parses one non-comment, non-blank TOC line. Comment lines (starting
// with ';') and blank lines are not entries; callers should skip them before
// calling Parse, or use ParseLines which does this for a whole file.
func Parse(line string) (*Entry, error) {
	semi := strings.Index(line, ";")
	if semi < 0 {
		return nil, fmt.Errorf("archivetoc: missing dumpId separator in %q", line)
	}
	dumpID, err := strconv.Atoi(strings.TrimSpace(line[:semi]))
	if err != nil {
		return nil, fmt.Errorf("archivetoc: invalid dumpId in %q: %w", line, err)
	}

	rest := strings.TrimSpace(line[semi+1:])
	catalogOid, rest, ok := cutField(rest)
	if !ok {
		return nil, fmt.Errorf("archivetoc: missing catalogOid in %q", line)
	}
	objectOid, rest, ok := cutField(rest)
	if !ok {
		return nil, fmt.Errorf("archivetoc: missing objectOid in %q", line)
	}

	desc, tail, ok := matchDesc(rest)
	if !ok {
		return nil, fmt.Errorf("archivetoc: unrecognized description tag in %q", line)
	}

	e := &Entry{
		DumpID:     dumpID,
		CatalogOid: catalogOid,
		ObjectOid:  objectOid,
		Desc:       desc,
		Rest:       tail,
	}
	e.RestoreListName = restoreListName(desc, tail)
	return e, nil
}

// ParseLines parses every non-comment, non-blank line of a TOC text file.
func ParseLines(lines []string) ([]*Entry, error) {
	entries := make([]*Entry, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, ";") {
			continue
		}
		e, err := Parse(line)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// matchDesc finds the longest tag in descTags that is a prefix of s,
// terminated either by a space or by end-of-string, and returns the tag and
// whatever follows it (trimmed of the separating space).
func matchDesc(s string) (desc, tail string, ok bool) {
	for _, tag := range sortedDescTags {
		if s == tag {
			return tag, "", true
		}
		if strings.HasPrefix(s, tag+" ") {
			return tag, strings.TrimSpace(s[len(tag):]), true
		}
	}
	return "", "", false
}

// restoreListName implements §6's ACL/COMMENT subdesc handling: the
// composite "<subdesc> <qualified-name>" tail is reduced to the restore-list
// name for the two documented subdescriptors, and passed through unchanged
// (OTHER) for anything else.
func restoreListName(desc, tail string) string {
	if desc != "ACL" && desc != "COMMENT" {
		return tail
	}
	tail = strings.TrimPrefix(tail, "- ")

	subdesc, name, ok := cutField(tail)
	if !ok {
		return tail
	}
	switch subdesc {
	case "SCHEMA":
		return name // "nspname rolname"
	case "EXTENSION":
		extName, _, _ := cutField(name)
		if extName == "" {
			return name
		}
		return extName
	default:
		return tail // OTHER: pass through verbatim
	}
}

// cutField splits s on its first run of whitespace, returning the first
// field and the trimmed remainder. ok is false if s is empty.
func cutField(s string) (field, remainder string, ok bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", "", false
	}
	i := strings.IndexFunc(s, func(r rune) bool { return r == ' ' || r == '\t' })
	if i < 0 {
		return s, "", true
	}
	return s[:i], strings.TrimSpace(s[i+1:]), true
}
