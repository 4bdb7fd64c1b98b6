// Package lsn provides LSN parsing, formatting, and WAL-segment math shared
// by the receiver, applier, and sentinel packages.
package lsn

import (
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
)

// Invalid is the reserved LSN value meaning "no position".
const Invalid = pglogrepl.LSN(0)

// MinSegmentSize and MaxSegmentSize bound the WAL segment size accepted by
// SegmentNumber and SegmentName. Both ends and the default (16 MiB) are
// powers of two, matching the source server's wal_segment_size GUC.
const (
	MinSegmentSize uint64 = 1 << 20
	MaxSegmentSize uint64 = 1 << 30
	DefaultSegmentSize uint64 = 16 << 20
)

// Parse parses the "X/Y" textual form of an LSN.
func Parse(s string) (pglogrepl.LSN, error) {
	lsn, err := pglogrepl.ParseLSN(s)
	if err != nil {
		return Invalid, fmt.Errorf("parse lsn %q: %w", s, err)
	}
	return lsn, nil
}

// Format renders an LSN in its canonical "X/Y" textual form.
func Format(l pglogrepl.LSN) string {
	return l.String()
}

// IsValid reports whether l is anything other than the reserved zero value.
func IsValid(l pglogrepl.LSN) bool {
	return l != Invalid
}

// Compare orders two LSNs, treating Invalid as less than any valid LSN.
// It returns -1, 0, or 1 the same way bytes.Compare does.
func Compare(a, b pglogrepl.LSN) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// IsPowerOfTwo reports whether size is a non-zero power of two.
func IsPowerOfTwo(size uint64) bool {
	return size != 0 && size&(size-1) == 0
}

// SegmentNumber returns the WAL segment number containing the given LSN,
// for a server configured with the given segment size in bytes. segSize
// must be a power of two between MinSegmentSize and MaxSegmentSize.
func SegmentNumber(l pglogrepl.LSN, segSize uint64) (uint64, error) {
	if !IsPowerOfTwo(segSize) || segSize < MinSegmentSize || segSize > MaxSegmentSize {
		return 0, fmt.Errorf("invalid wal segment size %d: must be a power of two between %d and %d", segSize, MinSegmentSize, MaxSegmentSize)
	}
	return uint64(l) / segSize, nil
}

// SegmentName formats the 24-hex-digit WAL segment filename for the given
// timeline and segment number, following the server's own naming scheme:
// 8 hex digits of timeline, then the segment number split into a high
// 32-bit log id and low segments-per-log offset.
func SegmentName(timeline uint32, segmentNo uint64, segSize uint64) (string, error) {
	if !IsPowerOfTwo(segSize) || segSize < MinSegmentSize || segSize > MaxSegmentSize {
		return "", fmt.Errorf("invalid wal segment size %d: must be a power of two between %d and %d", segSize, MinSegmentSize, MaxSegmentSize)
	}
	segsPerLog := (uint64(1) << 32) / segSize
	logID := segmentNo / segsPerLog
	seg := segmentNo % segsPerLog
	return fmt.Sprintf("%08X%08X%08X", timeline, logID, seg), nil
}

// WalFilename is a convenience wrapper computing SegmentNumber then
// SegmentName for a given LSN.
func WalFilename(timeline uint32, l pglogrepl.LSN, segSize uint64) (string, error) {
	segNo, err := SegmentNumber(l, segSize)
	if err != nil {
		return "", err
	}
	return SegmentName(timeline, segNo, segSize)
}

// Lag calculates the byte distance between two LSN positions.
func Lag(current, latest pglogrepl.LSN) uint64 {
	if latest <= current {
		return 0
	}
	return uint64(latest - current)
}

// FormatLag returns a human-friendly representation of replication lag.
func FormatLag(bytes uint64, latency time.Duration) string {
	var size string
	switch {
	case bytes >= 1<<30:
		size = fmt.Sprintf("%.2f GB", float64(bytes)/float64(1<<30))
	case bytes >= 1<<20:
		size = fmt.Sprintf("%.2f MB", float64(bytes)/float64(1<<20))
	case bytes >= 1<<10:
		size = fmt.Sprintf("%.2f KB", float64(bytes)/float64(1<<10))
	default:
		size = fmt.Sprintf("%d B", bytes)
	}
	return fmt.Sprintf("%s (latency: %s)", size, latency.Truncate(time.Millisecond))
}
