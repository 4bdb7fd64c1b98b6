package lsn

import (
	"strings"
	"testing"
	"time"

	"github.com/jackc/pglogrepl"
)

func TestLag(t *testing.T) {
	tests := []struct {
		name    string
		current pglogrepl.LSN
		latest  pglogrepl.LSN
		want    uint64
	}{
		{"zero lag", pglogrepl.LSN(100), pglogrepl.LSN(100), 0},
		{"positive lag", pglogrepl.LSN(100), pglogrepl.LSN(200), 100},
		{"current ahead", pglogrepl.LSN(200), pglogrepl.LSN(100), 0},
		{"both zero", pglogrepl.LSN(0), pglogrepl.LSN(0), 0},
		{"large lag", pglogrepl.LSN(0), pglogrepl.LSN(1 << 30), 1 << 30},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Lag(tt.current, tt.latest)
			if got != tt.want {
				t.Errorf("Lag(%d, %d) = %d, want %d", tt.current, tt.latest, got, tt.want)
			}
		})
	}
}

func TestFormatLag(t *testing.T) {
	tests := []struct {
		name    string
		bytes   uint64
		latency time.Duration
		want    string
	}{
		{"zero", 0, 0, "0 B (latency: 0s)"},
		{"bytes", 512, 5 * time.Millisecond, "512 B (latency: 5ms)"},
		{"kilobytes", 1024, 10 * time.Millisecond, "1.00 KB (latency: 10ms)"},
		{"megabytes", 1 << 20, 150 * time.Millisecond, "1.00 MB (latency: 150ms)"},
		{"gigabytes", 1 << 30, 30 * time.Second, "1.00 GB (latency: 30s)"},
		{"fractional MB", 1572864, 0, "1.50 MB"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FormatLag(tt.bytes, tt.latency)
			if !strings.Contains(got, tt.want) && got != tt.want {
				t.Errorf("FormatLag(%d, %v) = %q, want to contain %q", tt.bytes, tt.latency, got, tt.want)
			}
		})
	}
}

func TestFormatLag_LatencyTruncation(t *testing.T) {
	got := FormatLag(0, 1234567*time.Nanosecond)
	if !strings.Contains(got, "latency: 1ms") {
		t.Errorf("FormatLag should truncate to milliseconds, got %q", got)
	}
}

func TestParseFormatRoundTrip(t *testing.T) {
	tests := []string{"0/0", "0/100", "16/B374D848", "FFFFFFFF/FFFFFFFF"}
	for _, s := range tests {
		t.Run(s, func(t *testing.T) {
			l, err := Parse(s)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", s, err)
			}
			if got := Format(l); got != s {
				t.Errorf("Format(Parse(%q)) = %q, want %q", s, got, s)
			}
		})
	}
}

func TestParseInvalid(t *testing.T) {
	if _, err := Parse("not-an-lsn"); err == nil {
		t.Fatal("expected error parsing malformed lsn")
	}
}

func TestIsValid(t *testing.T) {
	if IsValid(Invalid) {
		t.Error("Invalid should not be valid")
	}
	if !IsValid(pglogrepl.LSN(1)) {
		t.Error("non-zero LSN should be valid")
	}
}

func TestCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b pglogrepl.LSN
		want int
	}{
		{"equal", 100, 100, 0},
		{"less", 100, 200, -1},
		{"greater", 200, 100, 1},
		{"invalid less than valid", Invalid, 1, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Compare(tt.a, tt.b); got != tt.want {
				t.Errorf("Compare(%d, %d) = %d, want %d", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestSegmentNumber(t *testing.T) {
	tests := []struct {
		name    string
		lsn     pglogrepl.LSN
		segSize uint64
		want    uint64
		wantErr bool
	}{
		{"first segment", 0, 16 << 20, 0, false},
		{"second segment", 16 << 20, 16 << 20, 1, false},
		{"mid segment", (16 << 20) + 100, 16 << 20, 1, false},
		{"not power of two", 0, 3 << 20, 0, true},
		{"too small", 0, 1 << 10, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SegmentNumber(tt.lsn, tt.segSize)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("SegmentNumber(%d, %d) = %d, want %d", tt.lsn, tt.segSize, got, tt.want)
			}
		})
	}
}

func TestSegmentName(t *testing.T) {
	name, err := SegmentName(1, 0, 16<<20)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(name) != 24 {
		t.Errorf("segment name %q should be 24 hex digits, got %d", name, len(name))
	}
	if name != "000000010000000000000000" {
		t.Errorf("segment name = %q, want %q", name, "000000010000000000000000")
	}
}

func TestWalFilenameDeterministic(t *testing.T) {
	a, err := WalFilename(1, pglogrepl.LSN(16<<20), 16<<20)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := WalFilename(1, pglogrepl.LSN(16<<20)+500, 16<<20)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a != b {
		t.Errorf("LSNs in the same segment should share a filename: %q != %q", a, b)
	}
}
