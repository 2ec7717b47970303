// Package delivery tracks the delivery of write intents to one sink:
// per-key FIFO lanes, a worker pool, retries with backoff, and halting the
// sink on terminal failures.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/sirupsen/logrus"

	"cdc-fanout/internal/config"
	"cdc-fanout/internal/metrics"
	"cdc-fanout/internal/models"
	"cdc-fanout/internal/sink"
)

var (
	ErrClosed = errors.New("delivery tracker closed")
	ErrHalted = errors.New("sink halted")
)

// Applier is the sink side of a tracker.
type Applier interface {
	Name() string
	Apply(ctx context.Context, intent models.WriteIntent) error
}

type Options struct {
	Workers         int
	MaxPending      int
	MaxAttempts     int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	Multiplier      float64
	Jitter          float64
	RecordRetention time.Duration
}

func OptionsFromConfig(cfg config.DeliveryConfig) Options {
	return Options{
		Workers:         cfg.Workers,
		MaxPending:      cfg.MaxPending,
		MaxAttempts:     cfg.MaxAttempts,
		InitialBackoff:  cfg.InitialBackoff,
		MaxBackoff:      cfg.MaxBackoff,
		Multiplier:      cfg.Multiplier,
		Jitter:          cfg.Jitter,
		RecordRetention: cfg.RecordRetention,
	}
}

// Stats is a point-in-time view of a tracker.
type Stats struct {
	Sink        string                 `json:"sink"`
	Pending     int                    `json:"pending"`
	InFlight    int                    `json:"in_flight"`
	Delivered   uint64                 `json:"delivered"`
	Stale       uint64                 `json:"stale"`
	Retried     uint64                 `json:"retried"`
	Failed      uint64                 `json:"failed"`
	Halted      bool                   `json:"halted"`
	LagSeconds  float64                `json:"lag_seconds"`
	LastFailure *models.DeliveryRecord `json:"last_failure,omitempty"`
}

// Tracker delivers intents to one sink. Intents of the same key are
// applied one at a time in enqueue order; different keys run concurrently
// on the worker pool.
type Tracker struct {
	sink   Applier
	name   string
	opts   Options
	logger *logrus.Logger
	pool   *ants.PoolWithFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	lanes    map[models.Key]*lane
	ready    []*lane
	timers   map[*lane]*time.Timer
	records  map[string]*models.DeliveryRecord
	pending  int
	slots    int
	inFlight int
	halted   bool
	closed   bool
	stopped  bool
	changed  chan struct{}
	counters struct{ delivered, stale, retried, failed uint64 }
	failure  *models.DeliveryRecord

	errs chan models.DeliveryRecord
}

func New(s Applier, opts Options, logger *logrus.Logger) (*Tracker, error) {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.MaxPending < 1 {
		opts.MaxPending = 1
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Tracker{
		sink:    s,
		name:    s.Name(),
		opts:    opts,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		lanes:   make(map[models.Key]*lane),
		timers:  make(map[*lane]*time.Timer),
		records: make(map[string]*models.DeliveryRecord),
		changed: make(chan struct{}),
		errs:    make(chan models.DeliveryRecord, 64),
	}

	pool, err := ants.NewPoolWithFunc(opts.Workers, t.run)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create %s worker pool: %w", t.name, err)
	}
	t.pool = pool

	t.wg.Add(2)
	go t.dispatch()
	go t.prune()
	return t, nil
}

func (t *Tracker) Sink() string {
	return t.name
}

// Errors emits every record that failed terminally. The channel is closed
// by Close.
func (t *Tracker) Errors() <-chan models.DeliveryRecord {
	return t.errs
}

// Enqueue accepts an intent for delivery. It blocks while a healthy sink
// already holds MaxPending unfinished intents; a halted sink buffers
// without limit so other sinks keep flowing.
func (t *Tracker) Enqueue(ctx context.Context, intent models.WriteIntent) error {
	for {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return ErrClosed
		}
		if t.halted || t.slots < t.opts.MaxPending {
			break
		}
		changed := t.changed
		t.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	defer t.mu.Unlock()

	rec := &models.DeliveryRecord{
		EventID:   intent.EventID,
		Sink:      t.name,
		Key:       intent.Ref().String(),
		Sequence:  intent.Sequence,
		Status:    models.Pending,
		UpdatedAt: time.Now(),
	}
	t.records[intent.EventID] = rec

	tk := &task{intent: intent, record: rec, backoff: newBackoff(t.opts), counted: !t.halted}
	ref := intent.Ref()
	l, ok := t.lanes[ref]
	if !ok {
		l = &lane{key: ref}
		t.lanes[ref] = l
	}
	l.tasks = append(l.tasks, tk)
	t.pending++
	if tk.counted {
		t.slots++
	}
	t.markReady(l)
	metrics.SetPending(t.name, t.pending)
	return nil
}

// Record returns the delivery record of an event.
func (t *Tracker) Record(eventID string) (models.DeliveryRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[eventID]
	if !ok {
		return models.DeliveryRecord{}, false
	}
	return *rec, true
}

// Resume restarts a halted sink. It reports whether the sink was halted.
func (t *Tracker) Resume() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.halted {
		return false
	}
	t.halted = false
	metrics.SetHalted(t.name, false)
	t.logger.Infof("[%s] Delivery resumed with %d pending intents", t.name, t.pending)
	t.notify()
	return true
}

func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Stats{
		Sink:      t.name,
		Pending:   t.pending,
		InFlight:  t.inFlight,
		Delivered: t.counters.delivered,
		Stale:     t.counters.stale,
		Retried:   t.counters.retried,
		Failed:    t.counters.failed,
		Halted:    t.halted,
	}
	if t.failure != nil {
		f := *t.failure
		s.LastFailure = &f
	}
	var oldest time.Time
	for _, l := range t.lanes {
		if c := l.oldestCommit(); !c.IsZero() && (oldest.IsZero() || c.Before(oldest)) {
			oldest = c
		}
	}
	if !oldest.IsZero() {
		s.LagSeconds = time.Since(oldest).Seconds()
	}
	return s
}

// Drain waits until every accepted intent is terminal. It returns
// ErrHalted when the sink is halted and nothing is left in flight.
func (t *Tracker) Drain(ctx context.Context) error {
	for {
		t.mu.Lock()
		if t.pending == 0 {
			t.mu.Unlock()
			return nil
		}
		if t.halted && t.inFlight == 0 {
			pending := t.pending
			t.mu.Unlock()
			return fmt.Errorf("%w: %s has %d pending intents", ErrHalted, t.name, pending)
		}
		changed := t.changed
		t.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops intake, waits for pending intents until ctx is done, then
// stops the workers. Intents still queued are abandoned; they are read
// again from the change log because their batch was never acknowledged.
func (t *Tracker) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.notify()
	t.mu.Unlock()

	drainErr := t.Drain(ctx)
	if drainErr != nil {
		t.logger.Warnf("[%s] Closing with undelivered intents: %v", t.name, drainErr)
	}

	t.cancel()
	t.mu.Lock()
	for l, timer := range t.timers {
		timer.Stop()
		delete(t.timers, l)
	}
	t.mu.Unlock()

	t.wg.Wait()
	releaseErr := t.pool.ReleaseTimeout(5 * time.Second)

	t.mu.Lock()
	t.stopped = true
	close(t.errs)
	t.mu.Unlock()

	if releaseErr != nil {
		return fmt.Errorf("failed to stop %s workers: %w", t.name, releaseErr)
	}
	if errors.Is(drainErr, context.DeadlineExceeded) || errors.Is(drainErr, context.Canceled) {
		return fmt.Errorf("%s did not drain in time: %w", t.name, drainErr)
	}
	return nil
}

// notify wakes everyone waiting on a state change. Callers hold mu.
func (t *Tracker) notify() {
	close(t.changed)
	t.changed = make(chan struct{})
}

// markReady queues the lane for dispatch if its head can run. Callers
// hold mu.
func (t *Tracker) markReady(l *lane) {
	if l.ready || l.busy || len(l.tasks) == 0 {
		return
	}
	l.ready = true
	t.ready = append(t.ready, l)
	t.notify()
}

// dispatch hands ready lanes to the worker pool while the sink is healthy.
func (t *Tracker) dispatch() {
	defer t.wg.Done()
	for {
		t.mu.Lock()
		if t.ctx.Err() != nil {
			t.mu.Unlock()
			return
		}
		if t.halted || len(t.ready) == 0 {
			changed := t.changed
			t.mu.Unlock()
			select {
			case <-changed:
			case <-t.ctx.Done():
				return
			}
			continue
		}

		l := t.ready[0]
		t.ready[0] = nil
		t.ready = t.ready[1:]
		l.ready = false
		l.busy = true
		t.inFlight++
		t.mu.Unlock()

		if err := t.pool.Invoke(l); err != nil {
			t.mu.Lock()
			l.busy = false
			t.inFlight--
			if !errors.Is(err, ants.ErrPoolClosed) {
				t.logger.Errorf("[%s] Error invoking delivery task: %v", t.name, err)
				t.markReady(l)
			}
			t.mu.Unlock()
			if errors.Is(err, ants.ErrPoolClosed) {
				return
			}
		}
	}
}

func (t *Tracker) run(i interface{}) {
	l, ok := i.(*lane)
	if !ok {
		t.logger.Errorf("[%s] Delivery task has unknown type: %T", t.name, i)
		return
	}

	t.mu.Lock()
	tk := l.head()
	tk.record.Status = models.Pending
	tk.record.NextRetryAt = time.Time{}
	tk.record.Attempts++
	tk.record.UpdatedAt = time.Now()
	intent := tk.intent
	t.mu.Unlock()

	err := t.attempt(intent)
	t.complete(l, tk, err)
}

func (t *Tracker) attempt(intent models.WriteIntent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &sink.Error{Kind: sink.Fatal, Sink: t.name, Err: fmt.Errorf("panic applying %s: %v", intent.Ref(), r)}
		}
	}()
	return t.sink.Apply(t.ctx, intent)
}

func (t *Tracker) complete(l *lane, tk *task, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	defer t.notify()

	t.inFlight--
	rec := tk.record
	now := time.Now()
	rec.UpdatedAt = now
	log := t.logger.WithFields(logrus.Fields{
		"sink":     t.name,
		"key":      rec.Key,
		"event":    rec.EventID,
		"attempts": rec.Attempts,
	})

	switch {
	case err == nil || errors.Is(err, sink.ErrStaleWrite):
		rec.Status = models.Delivered
		rec.NextRetryAt = time.Time{}
		rec.LastError = ""
		if err != nil {
			t.counters.stale++
			metrics.Stale(t.name)
		} else {
			t.counters.delivered++
			var lag time.Duration
			if !tk.intent.CommittedAt.IsZero() {
				lag = now.Sub(tk.intent.CommittedAt)
			}
			metrics.Delivered(t.name, lag)
		}
		t.finish(l, tk)

	case t.ctx.Err() != nil:
		// Shutting down: leave the intent queued for the next run.
		rec.LastError = err.Error()
		l.busy = false

	case !sink.IsFatal(err) && rec.Attempts < t.opts.MaxAttempts:
		delay := tk.backoff.NextBackOff()
		rec.Status = models.Failed
		rec.NextRetryAt = now.Add(delay)
		rec.LastError = err.Error()
		t.counters.retried++
		metrics.Retried(t.name)
		log.Warnf("Retrying in %v: %v", delay, err)
		t.timers[l] = time.AfterFunc(delay, func() { t.retry(l) })

	default:
		rec.Status = models.Failed
		rec.Fatal = sink.IsFatal(err)
		rec.NextRetryAt = time.Time{}
		rec.LastError = err.Error()
		t.counters.failed++
		metrics.Failed(t.name)
		log.Errorf("Delivery failed, halting sink: %v", err)
		t.finish(l, tk)

		failed := *rec
		t.failure = &failed
		t.halted = true
		metrics.SetHalted(t.name, true)
		if !t.stopped {
			select {
			case t.errs <- failed:
			default:
				log.Warn("Error channel full, dropping failure notification")
			}
		}
	}
}

func (t *Tracker) retry(l *lane) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.timers, l)
	l.busy = false
	t.markReady(l)
}

// finish removes the head of a lane once it is terminal. Callers hold mu.
func (t *Tracker) finish(l *lane, tk *task) {
	l.pop()
	l.busy = false
	t.pending--
	if tk.counted {
		t.slots--
	}
	metrics.SetPending(t.name, t.pending)

	if len(l.tasks) == 0 {
		delete(t.lanes, l.key)
		return
	}
	t.markReady(l)
}

// prune drops delivered records older than the retention period.
func (t *Tracker) prune() {
	defer t.wg.Done()
	if t.opts.RecordRetention <= 0 {
		return
	}
	interval := t.opts.RecordRetention / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case now := <-ticker.C:
			t.mu.Lock()
			cutoff := now.Add(-t.opts.RecordRetention)
			for id, rec := range t.records {
				if rec.Status == models.Delivered && rec.UpdatedAt.Before(cutoff) {
					delete(t.records, id)
				}
			}
			t.mu.Unlock()
		}
	}
}
