// Package pipeline runs the fan-out loop: read a batch from the change log,
// route every event, hand the intents to the per-sink trackers, then
// acknowledge the batch.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"cdc-fanout/internal/admin"
	"cdc-fanout/internal/changelog"
	"cdc-fanout/internal/delivery"
	"cdc-fanout/internal/metrics"
	"cdc-fanout/internal/models"
	"cdc-fanout/internal/router"
)

// Options size the batches read from the change log.
type Options struct {
	BatchSize int
	MaxWait   time.Duration
	// RouteRetryMax caps the wait between attempts to route an event whose
	// snapshot reads fail.
	RouteRetryMax time.Duration
}

// Pipeline moves change log entries to the sinks' trackers. A batch is
// acknowledged only once every intent of it was accepted.
type Pipeline struct {
	reader   *changelog.Reader
	router   *router.Router
	trackers map[string]*delivery.Tracker
	opts     Options
	logger   *logrus.Logger

	watchers sync.WaitGroup
}

// New wires a reader, a router and one tracker per sink, and starts logging
// each tracker's terminal failures. Zero options take defaults.
func New(reader *changelog.Reader, rt *router.Router, trackers []*delivery.Tracker, opts Options, logger *logrus.Logger) *Pipeline {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = time.Second
	}
	if opts.RouteRetryMax <= 0 {
		opts.RouteRetryMax = 10 * time.Second
	}

	p := &Pipeline{
		reader:   reader,
		router:   rt,
		trackers: make(map[string]*delivery.Tracker, len(trackers)),
		opts:     opts,
		logger:   logger,
	}
	for _, t := range trackers {
		p.trackers[t.Sink()] = t
		p.watchers.Add(1)
		go p.watch(t)
	}
	return p
}

// Run processes the change log until ctx is cancelled or the log is
// closed.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Infof("Fan-out started for sinks %v", p.sinkNames())
	for {
		batch, err := p.reader.NextBatch(ctx, p.opts.BatchSize, p.opts.MaxWait)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, changelog.ErrClosed) {
				return nil
			}
			return err
		}
		if err := p.process(ctx, batch); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// process enqueues every intent of the batch and then acknowledges it, so
// an unacknowledged batch is read again after a restart.
func (p *Pipeline) process(ctx context.Context, batch *changelog.Batch) error {
	for _, entry := range batch.Entries {
		dispatches, err := p.route(ctx, entry)
		if err != nil {
			return err
		}
		for _, d := range dispatches {
			tracker, ok := p.trackers[d.Sink]
			if !ok {
				p.logger.Warnf("No tracker for sink %s, dropping intent for %s", d.Sink, d.Intent.Ref())
				continue
			}
			if err := tracker.Enqueue(ctx, d.Intent); err != nil {
				return fmt.Errorf("failed to enqueue %s for %s: %w", d.Intent.Ref(), d.Sink, err)
			}
		}
	}
	metrics.EventsRead(batch.Len())

	if err := p.reader.Ack(ctx, batch); err != nil {
		return fmt.Errorf("failed to acknowledge batch: %w", err)
	}
	return nil
}

// route routes one entry, resynchronizing its key from the snapshot when
// the reader saw a gap. Snapshot failures are retried until ctx ends.
func (p *Pipeline) route(ctx context.Context, entry changelog.Entry) ([]router.Dispatch, error) {
	ev := entry.Event

	b := backoff.NewExponentialBackOff()
	b.MaxInterval = p.opts.RouteRetryMax
	b.MaxElapsedTime = 0

	var dispatches []router.Dispatch
	var rebuilt map[models.Table]int
	op := func() error {
		var err error
		switch {
		case entry.Gap != nil && entry.Gap.Stream:
			dispatches, err = p.resyncAll(ctx, entry, &rebuilt)
		case entry.Gap != nil:
			dispatches, err = p.router.Resync(ctx, ev)
		default:
			dispatches, err = p.router.Route(ctx, ev)
		}
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		p.logger.Warnf("Routing %s failed, retrying in %s: %v", ev.Ref(), wait, err)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, err
	}

	if entry.Gap != nil {
		metrics.Gap()
		metrics.Resynced(string(ev.Table), 1)
		for table, n := range rebuilt {
			metrics.Resynced(string(table), n)
		}
		p.reader.Baseline(ev.Ref(), ev.Sequence)
	}
	return dispatches, nil
}

// resyncAll rebuilds every subscribed table, since the lost entries may
// belong to any key, then resynchronizes the entry's own key at its
// sequence.
func (p *Pipeline) resyncAll(ctx context.Context, entry changelog.Entry, rebuilt *map[models.Table]int) ([]router.Dispatch, error) {
	all, tables, err := p.router.ResyncAll(ctx, entry.Event.ID, entry.Gap.Known)
	if err != nil {
		return nil, err
	}
	own, err := p.router.Resync(ctx, entry.Event)
	if err != nil {
		return nil, err
	}
	*rebuilt = tables
	return append(all, own...), nil
}

// watch logs terminal failures of one sink until its tracker closes.
func (p *Pipeline) watch(t *delivery.Tracker) {
	defer p.watchers.Done()
	for rec := range t.Errors() {
		p.logger.WithFields(logrus.Fields{
			"sink":     rec.Sink,
			"key":      rec.Key,
			"event":    rec.EventID,
			"attempts": rec.Attempts,
			"fatal":    rec.Fatal,
		}).Errorf("Sink %s halted, resume it once the cause is fixed: %s", rec.Sink, rec.LastError)
	}
}

// Drain waits until every tracker delivered what it accepted.
func (p *Pipeline) Drain(ctx context.Context) error {
	var result *multierror.Error
	for _, name := range p.sinkNames() {
		if err := p.trackers[name].Drain(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Shutdown stops the trackers, waiting up to grace for in-flight intents,
// and closes the change log.
func (p *Pipeline) Shutdown(grace time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	var result *multierror.Error
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, t := range p.trackers {
		wg.Add(1)
		go func(t *delivery.Tracker) {
			defer wg.Done()
			if err := t.Close(ctx); err != nil {
				mu.Lock()
				result = multierror.Append(result, err)
				mu.Unlock()
			}
		}(t)
	}
	wg.Wait()
	p.watchers.Wait()

	if err := p.reader.Close(); err != nil && !errors.Is(err, changelog.ErrClosed) {
		result = multierror.Append(result, err)
	}
	p.logger.Infof("Fan-out stopped at change log position %d, %d undecodable entries dropped", p.reader.Position(), p.reader.Dropped())
	return result.ErrorOrNil()
}

// SinkStats returns the delivery state of every sink, sorted by name.
func (p *Pipeline) SinkStats() []delivery.Stats {
	names := p.sinkNames()
	stats := make([]delivery.Stats, 0, len(names))
	for _, name := range names {
		stats = append(stats, p.trackers[name].Stats())
	}
	return stats
}

func (p *Pipeline) Resume(sink string) (bool, error) {
	t, ok := p.trackers[sink]
	if !ok {
		return false, fmt.Errorf("%w: %s", admin.ErrUnknownSink, sink)
	}
	return t.Resume(), nil
}

// Record returns the delivery record of an event in one sink.
func (p *Pipeline) Record(sink, eventID string) (models.DeliveryRecord, bool) {
	t, ok := p.trackers[sink]
	if !ok {
		return models.DeliveryRecord{}, false
	}
	return t.Record(eventID)
}

func (p *Pipeline) sinkNames() []string {
	names := make([]string, 0, len(p.trackers))
	for name := range p.trackers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
