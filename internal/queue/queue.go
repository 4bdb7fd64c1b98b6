// Package queue implements the small typed single-producer/single-consumer
// transport the receiver uses to announce completed segments to the
// transformer in disk-buffered (prefetch/catchup) mode.
package queue

import (
	"context"
	"fmt"

	"github.com/jackc/pglogrepl"
)

// Kind discriminates the two message types the queue carries. The source
// this pipeline is modeled on also defines TABLEPOID/BLOBOID members on the
// same enum for its bulk-copy path; those have no equivalent here since bulk
// copy is out of scope, so this is the documented two-member subset.
type Kind int

const (
	// Transform announces that the JSON file up to LSN is ready to be
	// turned into SQL.
	Transform Kind = iota
	// Stop tells the consumer the producer is done and no further
	// Transform messages will arrive.
	Stop
)

func (k Kind) String() string {
	switch k {
	case Transform:
		return "TRANSFORM"
	case Stop:
		return "STOP"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Message is a single queue entry. LSN is meaningful only for Transform.
type Message struct {
	Kind Kind
	LSN  pglogrepl.LSN
}

// Queue is a fixed-capacity single-producer/single-consumer FIFO. Send
// blocks when full, Receive blocks when empty; after Close, a drained
// Receive observes io.EOF-like closure via the ok=false return, matching
// Go channel close semantics.
type Queue struct {
	ch chan Message
}

// New creates a Queue with the given buffer capacity.
func New(capacity int) *Queue {
	return &Queue{ch: make(chan Message, capacity)}
}

// SendTransform enqueues a TRANSFORM(lsn) message, blocking if the queue is full.
func (q *Queue) SendTransform(ctx context.Context, lsn pglogrepl.LSN) error {
	return q.send(ctx, Message{Kind: Transform, LSN: lsn})
}

// SendStop enqueues a STOP message. Callers must not send after this.
func (q *Queue) SendStop(ctx context.Context) error {
	return q.send(ctx, Message{Kind: Stop})
}

func (q *Queue) send(ctx context.Context, m Message) error {
	select {
	case q.ch <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive blocks until a message is available or the context is cancelled.
// ok is false only when the channel has been closed and fully drained.
func (q *Queue) Receive(ctx context.Context) (m Message, ok bool, err error) {
	select {
	case m, ok = <-q.ch:
		return m, ok, nil
	case <-ctx.Done():
		return Message{}, false, ctx.Err()
	}
}

// Close closes the underlying channel. The producer, not the consumer, owns
// this call, mirroring single-writer channel discipline.
func (q *Queue) Close() {
	close(q.ch)
}
