// Package stats tracks the CDC pipeline's live throughput and lag: how many
// transactions and bytes the receiver and applier have processed recently,
// and how far behind the source each one is, for the periodic log line and
// any future external consumer to read from a Snapshot.
package stats

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pglogrepl"

	"github.com/dimitri/pgstreamfollow/pkg/lsn"
)

const windowDuration = 60 * time.Second

// Snapshot is a point-in-time read of the tracker's counters.
type Snapshot struct {
	WriteLSN      pglogrepl.LSN
	FlushLSN      pglogrepl.LSN
	ReplayLSN     pglogrepl.LSN
	LatestLSN     pglogrepl.LSN
	ReceiveLagBytes uint64
	ReplayLagBytes  uint64
	TxnPerSec     float64
	BytesPerSec   float64
	TotalTxn      int64
	TotalBytes    int64
}

// Tracker aggregates receiver and applier progress. One Tracker is shared
// (by pointer) between the receiver and applier goroutines of
// a single follow.Supervisor run.
type Tracker struct {
	mu sync.RWMutex

	writeLSN  pglogrepl.LSN
	flushLSN  pglogrepl.LSN
	replayLSN pglogrepl.LSN
	latestLSN pglogrepl.LSN

	totalTxn   atomic.Int64
	totalBytes atomic.Int64

	txnWindow  *slidingWindow
	byteWindow *slidingWindow
}

// New creates an empty Tracker.
func New() *Tracker {
	return &Tracker{
		txnWindow:  newSlidingWindow(windowDuration),
		byteWindow: newSlidingWindow(windowDuration),
	}
}

// RecordReceived updates the receiver's write/flush watermarks.
func (t *Tracker) RecordReceived(writeLSN, flushLSN pglogrepl.LSN) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeLSN = writeLSN
	t.flushLSN = flushLSN
}

// RecordLatest updates the source server's most recently observed WAL
// position, used to compute receive lag.
func (t *Tracker) RecordLatest(latestLSN pglogrepl.LSN) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.latestLSN = latestLSN
}

// RecordApplied records one applied transaction's size and advances
// replay_lsn.
func (t *Tracker) RecordApplied(replayLSN pglogrepl.LSN, bytesApplied int64) {
	t.mu.Lock()
	t.replayLSN = replayLSN
	t.mu.Unlock()

	t.totalTxn.Add(1)
	t.totalBytes.Add(bytesApplied)

	now := time.Now()
	t.txnWindow.Add(now, 1)
	t.byteWindow.Add(now, float64(bytesApplied))
}

// Snapshot returns the tracker's current state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return Snapshot{
		WriteLSN:        t.writeLSN,
		FlushLSN:        t.flushLSN,
		ReplayLSN:       t.replayLSN,
		LatestLSN:       t.latestLSN,
		ReceiveLagBytes: lsn.Lag(t.writeLSN, t.latestLSN),
		ReplayLagBytes:  lsn.Lag(t.replayLSN, t.writeLSN),
		TxnPerSec:       t.txnWindow.Rate(),
		BytesPerSec:     t.byteWindow.Rate(),
		TotalTxn:        t.totalTxn.Load(),
		TotalBytes:      t.totalBytes.Load(),
	}
}

type windowEntry struct {
	time  time.Time
	value float64
}

// slidingWindow computes a rate of events over a trailing duration, evicting
// entries older than the window on every read or write.
type slidingWindow struct {
	mu      sync.Mutex
	entries []windowEntry
	window  time.Duration
}

func newSlidingWindow(d time.Duration) *slidingWindow {
	return &slidingWindow{
		entries: make([]windowEntry, 0, 128),
		window:  d,
	}
}

func (w *slidingWindow) Add(t time.Time, val float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = append(w.entries, windowEntry{time: t, value: val})
	w.evict(t)
}

func (w *slidingWindow) Rate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	w.evict(now)
	if len(w.entries) == 0 {
		return 0
	}
	var total float64
	for _, e := range w.entries {
		total += e.value
	}
	elapsed := now.Sub(w.entries[0].time).Seconds()
	if elapsed < 1 {
		elapsed = 1
	}
	return total / elapsed
}

func (w *slidingWindow) evict(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].time.Before(cutoff) {
		i++
	}
	if i > 0 {
		copy(w.entries, w.entries[i:])
		w.entries = w.entries[:len(w.entries)-i]
	}
}
