// Package changelog reads the ordered change log and tracks per-key
// sequence continuity.
package changelog

import (
	"context"
	"errors"
	"time"

	"cdc-fanout/internal/models"
)

// ErrClosed is returned by a transport that was closed.
var ErrClosed = errors.New("change log transport closed")

// Message is one delivery of a log entry by a Transport.
type Message struct {
	Event models.ChangeEvent
	// StreamSeq is the position of the entry in the whole log.
	StreamSeq uint64
	// Delivered counts deliveries of this entry, starting at 1.
	Delivered uint64
	// Err is set when the entry could not be decoded.
	Err error

	ack func() error
}

// Transport fetches raw log entries and acknowledges them.
type Transport interface {
	// Fetch returns up to max messages, waiting at most wait. An empty
	// result with a nil error means nothing arrived in time.
	Fetch(ctx context.Context, max int, wait time.Duration) ([]*Message, error)
	Ack(ctx context.Context, msgs []*Message) error
	Close() error
}
