package changelog

import (
	"context"
	"sync"
	"time"

	"cdc-fanout/internal/models"
	cdcnats "cdc-fanout/internal/nats"
)

type memoryEntry struct {
	event     models.ChangeEvent
	streamSeq uint64
	delivered uint64
}

// Memory is an in-process change log with at-least-once delivery semantics.
// It also acts as the publisher in local runs and tests.
type Memory struct {
	mu       sync.Mutex
	entries  []*memoryEntry
	next     int
	inflight map[uint64]*memoryEntry
	acked    map[uint64]bool
	seen     map[string]bool
	seq      uint64
	notify   chan struct{}
	closed   bool
}

// NewMemory returns an empty log positioned at 0.
func NewMemory() *Memory {
	return &Memory{
		inflight: make(map[uint64]*memoryEntry),
		acked:    make(map[uint64]bool),
		seen:     make(map[string]bool),
		notify:   make(chan struct{}),
	}
}

// Append adds events to the log without deduplication.
func (m *Memory) Append(events ...models.ChangeEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range events {
		m.seq++
		m.entries = append(m.entries, &memoryEntry{event: ev, streamSeq: m.seq})
	}
	m.wake()
}

// Publish appends an event unless the same (table, key, sequence) was
// already published.
func (m *Memory) Publish(_ context.Context, ev models.ChangeEvent) error {
	id := cdcnats.MsgID(ev)
	m.mu.Lock()
	if m.seen[id] {
		m.mu.Unlock()
		return nil
	}
	m.seen[id] = true
	m.mu.Unlock()
	m.Append(ev)
	return nil
}

// Skip advances the log position by n without storing entries, as a
// retention purge would.
func (m *Memory) Skip(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq += n
}

// Redeliver returns every unacknowledged entry to the front of the log, as
// an expired ack wait would.
func (m *Memory) Redeliver() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.inflight) == 0 {
		return
	}
	var pending []*memoryEntry
	for _, e := range m.entries[:m.next] {
		if _, ok := m.inflight[e.streamSeq]; ok {
			pending = append(pending, e)
			delete(m.inflight, e.streamSeq)
		}
	}
	rest := m.entries[m.next:]
	var delivered []*memoryEntry
	for _, e := range m.entries[:m.next] {
		if m.acked[e.streamSeq] {
			delivered = append(delivered, e)
		}
	}
	m.entries = append(append(append([]*memoryEntry{}, delivered...), pending...), rest...)
	m.next = len(delivered)
	m.wake()
}

// Acked returns the number of acknowledged entries.
func (m *Memory) Acked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.acked)
}

// Len returns the number of stored entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Memory) wake() {
	close(m.notify)
	m.notify = make(chan struct{})
}

// Fetch hands out up to max entries past the last one delivered, waiting
// up to wait for the first. Handed out entries stay in flight until acked.
func (m *Memory) Fetch(ctx context.Context, max int, wait time.Duration) ([]*Message, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		if m.next < len(m.entries) {
			var result []*Message
			for m.next < len(m.entries) && len(result) < max {
				e := m.entries[m.next]
				m.next++
				e.delivered++
				m.inflight[e.streamSeq] = e
				seq := e.streamSeq
				result = append(result, &Message{
					Event:     e.event,
					StreamSeq: seq,
					Delivered: e.delivered,
					ack:       func() error { return m.ack(seq) },
				})
			}
			m.mu.Unlock()
			return result, nil
		}
		notify := m.notify
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-notify:
		}
	}
}

func (m *Memory) ack(seq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, seq)
	m.acked[seq] = true
	return nil
}

// Ack acknowledges every message.
func (m *Memory) Ack(_ context.Context, msgs []*Message) error {
	for _, msg := range msgs {
		if err := msg.ack(); err != nil {
			return err
		}
	}
	return nil
}

// Close makes further fetches fail with ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		m.wake()
	}
	return nil
}
