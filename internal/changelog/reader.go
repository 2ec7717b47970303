package changelog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"cdc-fanout/internal/metrics"
	"cdc-fanout/internal/models"
)

// ErrGapDetected matches every *GapDetected.
var ErrGapDetected = errors.New("gap detected in change log")

// GapDetected reports that events between Expected and Got are missing for
// a key, or that the log itself skipped entries.
type GapDetected struct {
	Key      models.Key
	Expected uint64
	Got      uint64
	// Stream is set when the jump was in the log position rather than in
	// the key's own sequence. The lost entries may belong to any key.
	Stream bool
	// Known lists the keys the reader had seen before a stream gap. Their
	// baselines were reset.
	Known []models.Key
}

func (g *GapDetected) Error() string {
	if g.Stream {
		return fmt.Sprintf("change log skipped from position %d to %d before %s", g.Expected, g.Got, g.Key)
	}
	return fmt.Sprintf("sequence gap on %s: expected %d, got %d", g.Key, g.Expected, g.Got)
}

func (g *GapDetected) Is(target error) bool {
	return target == ErrGapDetected
}

// Entry is one event handed to the router.
type Entry struct {
	Event models.ChangeEvent
	// Gap is set when the key must be resynchronized before Event can be
	// trusted as a delta.
	Gap *GapDetected
}

// Batch is a group of entries acknowledged together.
type Batch struct {
	Entries []Entry

	messages      []*Message
	lastStreamSeq uint64
}

// Len returns the number of entries to route.
func (b *Batch) Len() int {
	return len(b.Entries)
}

// Options tune the reader's retry of failing fetches.
type Options struct {
	RetryInitial    time.Duration
	RetryMax        time.Duration
	RetryMaxElapsed time.Duration
}

// Reader hands out log entries in per-key sequence order, dropping
// redeliveries and flagging gaps.
type Reader struct {
	transport Transport
	cursor    *Cursor
	logger    *logrus.Logger
	opts      Options

	mu            sync.Mutex
	last          map[models.Key]uint64
	lastStreamSeq uint64
	dropped       uint64
}

// NewReader creates a reader. The cursor supplies the stream position the
// previous run acknowledged so that a purge of the log in between is seen
// as a gap.
func NewReader(transport Transport, cursor *Cursor, opts Options, logger *logrus.Logger) (*Reader, error) {
	if opts.RetryInitial == 0 {
		opts.RetryInitial = 100 * time.Millisecond
	}
	if opts.RetryMax == 0 {
		opts.RetryMax = 10 * time.Second
	}

	r := &Reader{
		transport: transport,
		cursor:    cursor,
		logger:    logger,
		opts:      opts,
		last:      make(map[models.Key]uint64),
	}

	if cursor != nil {
		pos, err := cursor.Load()
		if err != nil {
			return nil, err
		}
		if pos > 0 {
			logger.Infof("Loaded change log cursor at position %d", pos)
		}
		r.lastStreamSeq = pos
	}
	return r, nil
}

// NextBatch blocks up to maxWait for entries. It returns an empty batch
// when nothing arrived.
func (r *Reader) NextBatch(ctx context.Context, maxEvents int, maxWait time.Duration) (*Batch, error) {
	msgs, err := r.fetch(ctx, maxEvents, maxWait)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	batch := &Batch{messages: msgs, lastStreamSeq: r.lastStreamSeq}
	for _, msg := range msgs {
		if msg.StreamSeq > batch.lastStreamSeq {
			batch.lastStreamSeq = msg.StreamSeq
		}

		if msg.Err != nil {
			r.dropped++
			metrics.Dropped("undecodable")
			r.logger.Errorf("Dropping undecodable change log entry at position %d: %v", msg.StreamSeq, msg.Err)
			continue
		}

		streamGap := r.lastStreamSeq > 0 && msg.StreamSeq > r.lastStreamSeq+1
		expectedPos := r.lastStreamSeq + 1
		if msg.StreamSeq > r.lastStreamSeq {
			r.lastStreamSeq = msg.StreamSeq
		}
		var known []models.Key
		if streamGap {
			known = r.resetBaselines()
		}

		ev := msg.Event
		ref := ev.Ref()
		last, seen := r.last[ref]
		if seen && ev.Sequence <= last {
			r.logger.WithFields(logrus.Fields{
				"key":      ref.String(),
				"sequence": ev.Sequence,
				"last":     last,
			}).Debug("Dropping redelivered change event")
			metrics.Dropped("redelivered")
			continue
		}

		entry := Entry{Event: ev}
		switch {
		case seen && ev.Sequence > last+1:
			entry.Gap = &GapDetected{Key: ref, Expected: last + 1, Got: ev.Sequence}
		case streamGap:
			entry.Gap = &GapDetected{Key: ref, Expected: expectedPos, Got: msg.StreamSeq, Stream: true, Known: known}
		}
		if entry.Gap != nil {
			r.logger.Warnf("%v", entry.Gap)
		}

		r.last[ref] = ev.Sequence
		batch.Entries = append(batch.Entries, entry)
	}
	return batch, nil
}

// resetBaselines forgets every key's last sequence and returns the keys in
// a stable order. Callers hold r.mu.
func (r *Reader) resetBaselines() []models.Key {
	known := make([]models.Key, 0, len(r.last))
	for key := range r.last {
		known = append(known, key)
	}
	sort.Slice(known, func(i, j int) bool {
		return known[i].String() < known[j].String()
	})
	r.last = make(map[models.Key]uint64)
	return known
}

func (r *Reader) fetch(ctx context.Context, maxEvents int, maxWait time.Duration) ([]*Message, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.opts.RetryInitial
	b.MaxInterval = r.opts.RetryMax
	b.MaxElapsedTime = r.opts.RetryMaxElapsed

	var msgs []*Message
	op := func() error {
		var err error
		msgs, err = r.transport.Fetch(ctx, maxEvents, maxWait)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if errors.Is(err, ErrClosed) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Warnf("Change log fetch failed, retrying in %s: %v", wait, err)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, fmt.Errorf("failed to fetch from change log: %w", err)
	}
	return msgs, nil
}

// Ack makes the batch durable: the cursor is saved, then every message of
// the batch, including dropped redeliveries, is acknowledged.
func (r *Reader) Ack(ctx context.Context, batch *Batch) error {
	if batch == nil || len(batch.messages) == 0 {
		return nil
	}
	if r.cursor != nil {
		if err := r.cursor.Save(batch.lastStreamSeq); err != nil {
			return err
		}
	}
	if err := r.transport.Ack(ctx, batch.messages); err != nil {
		return fmt.Errorf("failed to acknowledge batch: %w", err)
	}
	return nil
}

// Baseline overrides the last sequence seen for a key, used after the key
// was resynchronized from the snapshot.
func (r *Reader) Baseline(key models.Key, seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if seq > r.last[key] {
		r.last[key] = seq
	}
}

// Position returns the highest stream position handed out.
func (r *Reader) Position() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastStreamSeq
}

// Dropped returns how many undecodable entries were skipped.
func (r *Reader) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func (r *Reader) Close() error {
	return r.transport.Close()
}
