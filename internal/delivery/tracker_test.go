package delivery

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdc-fanout/internal/models"
	"cdc-fanout/internal/sink"
)

type fakeSink struct {
	mu      sync.Mutex
	applied map[models.Key][]uint64
	calls   map[string]int
	fn      func(intent models.WriteIntent, call int) error
}

func newFakeSink(fn func(intent models.WriteIntent, call int) error) *fakeSink {
	return &fakeSink{applied: make(map[models.Key][]uint64), calls: make(map[string]int), fn: fn}
}

func (f *fakeSink) Name() string { return "fake" }

func (f *fakeSink) Apply(ctx context.Context, intent models.WriteIntent) error {
	f.mu.Lock()
	f.calls[intent.EventID]++
	call := f.calls[intent.EventID]
	f.mu.Unlock()

	if f.fn != nil {
		if err := f.fn(intent, call); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.applied[intent.Ref()] = append(f.applied[intent.Ref()], intent.Sequence)
	f.mu.Unlock()
	return nil
}

func (f *fakeSink) sequences(key models.Key) []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.applied[key]...)
}

func testOptions() Options {
	return Options{
		Workers:        4,
		MaxPending:     1000,
		MaxAttempts:    4,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2,
		Jitter:         0,
	}
}

func newTestTracker(t *testing.T, s Applier, opts Options) *Tracker {
	t.Helper()
	tr, err := New(s, opts, logrus.New())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		tr.Close(ctx)
	})
	return tr
}

func intent(table models.Table, key string, seq uint64) models.WriteIntent {
	return models.WriteIntent{
		EventID:   fmt.Sprintf("%s:%s:%d", table, key, seq),
		Sink:      "fake",
		Table:     table,
		Key:       key,
		Operation: models.Update,
		Sequence:  seq,
	}
}

func drain(t *testing.T, tr *Tracker) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tr.Drain(ctx))
}

func TestTrackerPreservesPerKeyOrder(t *testing.T) {
	s := newFakeSink(func(models.WriteIntent, int) error {
		time.Sleep(time.Duration(rand.Intn(200)) * time.Microsecond)
		return nil
	})
	tr := newTestTracker(t, s, testOptions())

	keys := []string{"1", "2", "3", "4", "5"}
	for seq := uint64(1); seq <= 40; seq++ {
		for _, k := range keys {
			require.NoError(t, tr.Enqueue(context.Background(), intent(models.Course, k, seq)))
		}
	}
	drain(t, tr)

	for _, k := range keys {
		got := s.sequences(models.Key{Table: models.Course, ID: k})
		require.Len(t, got, 40)
		for i, seq := range got {
			assert.Equal(t, uint64(i+1), seq, "key %s", k)
		}
	}
	assert.Equal(t, uint64(200), tr.Stats().Delivered)
}

func TestTrackerRetriesRetryableErrors(t *testing.T) {
	s := newFakeSink(func(_ models.WriteIntent, call int) error {
		if call < 3 {
			return &sink.Error{Kind: sink.Retryable, Err: errors.New("connection refused")}
		}
		return nil
	})
	tr := newTestTracker(t, s, testOptions())

	in := intent(models.Student, "S-1", 1)
	require.NoError(t, tr.Enqueue(context.Background(), in))
	drain(t, tr)

	rec, ok := tr.Record(in.EventID)
	require.True(t, ok)
	assert.Equal(t, models.Delivered, rec.Status)
	assert.Equal(t, 3, rec.Attempts)
	assert.True(t, rec.Terminal())
	assert.Equal(t, uint64(2), tr.Stats().Retried)
	assert.False(t, tr.Stats().Halted)
}


func TestTrackerRecordFailsBetweenAttempts(t *testing.T) {
	attempting := make(chan struct{})
	release := make(chan struct{})
	s := newFakeSink(func(_ models.WriteIntent, call int) error {
		if call == 1 {
			return &sink.Error{Kind: sink.Retryable, Err: errors.New("i/o timeout")}
		}
		close(attempting)
		<-release
		return nil
	})
	opts := testOptions()
	opts.InitialBackoff = 200 * time.Millisecond
	opts.MaxBackoff = 200 * time.Millisecond
	tr := newTestTracker(t, s, opts)

	in := intent(models.Groups, "4", 1)
	require.NoError(t, tr.Enqueue(context.Background(), in))

	require.Eventually(t, func() bool {
		rec, ok := tr.Record(in.EventID)
		return ok && rec.Status == models.Failed
	}, time.Second, time.Millisecond)
	rec, _ := tr.Record(in.EventID)
	assert.Equal(t, 1, rec.Attempts)
	assert.False(t, rec.NextRetryAt.IsZero())
	assert.False(t, rec.Terminal())
	assert.Contains(t, rec.LastError, "i/o timeout")

	select {
	case <-attempting:
	case <-time.After(5 * time.Second):
		t.Fatal("retry never started")
	}
	rec, _ = tr.Record(in.EventID)
	assert.Equal(t, models.Pending, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
	assert.True(t, rec.NextRetryAt.IsZero())

	close(release)
	drain(t, tr)
	rec, _ = tr.Record(in.EventID)
	assert.Equal(t, models.Delivered, rec.Status)
}

func TestTrackerCountsStaleWritesAsDelivered(t *testing.T) {
	s := newFakeSink(func(models.WriteIntent, int) error { return sink.ErrStaleWrite })
	tr := newTestTracker(t, s, testOptions())

	in := intent(models.Student, "S-1", 1)
	require.NoError(t, tr.Enqueue(context.Background(), in))
	drain(t, tr)

	rec, _ := tr.Record(in.EventID)
	assert.Equal(t, models.Delivered, rec.Status)
	assert.Equal(t, uint64(1), tr.Stats().Stale)
}

func TestTrackerHaltsOnFatalErrorUntilResumed(t *testing.T) {
	var fail sync.Once
	s := newFakeSink(func(in models.WriteIntent, _ int) error {
		if in.Key == "bad" {
			var err error
			fail.Do(func() { err = &sink.Error{Kind: sink.Fatal, Err: errors.New("unauthorized")} })
			return err
		}
		return nil
	})
	tr := newTestTracker(t, s, testOptions())
	ctx := context.Background()

	bad := intent(models.Course, "bad", 1)
	require.NoError(t, tr.Enqueue(ctx, bad))

	select {
	case rec := <-tr.Errors():
		assert.Equal(t, bad.EventID, rec.EventID)
		assert.Equal(t, models.Failed, rec.Status)
		assert.True(t, rec.Fatal)
		assert.Contains(t, rec.LastError, "unauthorized")
	case <-time.After(5 * time.Second):
		t.Fatal("no failure reported")
	}
	require.Eventually(t, func() bool { return tr.Stats().Halted }, time.Second, time.Millisecond)

	good := intent(models.Course, "good", 1)
	require.NoError(t, tr.Enqueue(ctx, good))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, s.sequences(good.Ref()), "halted sink must not apply writes")

	short, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	assert.ErrorIs(t, tr.Drain(short), ErrHalted)

	stats := tr.Stats()
	assert.True(t, stats.Halted)
	assert.Equal(t, uint64(1), stats.Failed)
	require.NotNil(t, stats.LastFailure)
	assert.Equal(t, bad.EventID, stats.LastFailure.EventID)

	assert.True(t, tr.Resume())
	assert.False(t, tr.Resume())
	drain(t, tr)
	assert.Equal(t, []uint64{1}, s.sequences(good.Ref()))
}

func TestTrackerFailsAfterMaxAttempts(t *testing.T) {
	s := newFakeSink(func(models.WriteIntent, int) error {
		return errors.New("timeout")
	})
	opts := testOptions()
	opts.MaxAttempts = 3
	tr := newTestTracker(t, s, opts)

	in := intent(models.Course, "1", 1)
	require.NoError(t, tr.Enqueue(context.Background(), in))

	select {
	case rec := <-tr.Errors():
		assert.Equal(t, 3, rec.Attempts)
		assert.False(t, rec.Fatal)
		assert.True(t, rec.Terminal())
	case <-time.After(5 * time.Second):
		t.Fatal("no failure reported")
	}
	assert.True(t, tr.Stats().Halted)
}

func TestTrackerDoesNotBlockOtherKeys(t *testing.T) {
	gate := make(chan struct{})
	s := newFakeSink(func(in models.WriteIntent, _ int) error {
		if in.Key == "slow" {
			<-gate
		}
		return nil
	})
	tr := newTestTracker(t, s, testOptions())
	defer close(gate)

	require.NoError(t, tr.Enqueue(context.Background(), intent(models.Course, "slow", 1)))
	fast := intent(models.Course, "fast", 1)
	require.NoError(t, tr.Enqueue(context.Background(), fast))

	require.Eventually(t, func() bool {
		return len(s.sequences(fast.Ref())) == 1
	}, 2*time.Second, time.Millisecond)
}

func TestTrackerAppliesBackpressure(t *testing.T) {
	gate := make(chan struct{})
	s := newFakeSink(func(models.WriteIntent, int) error {
		<-gate
		return nil
	})
	opts := testOptions()
	opts.MaxPending = 2
	tr := newTestTracker(t, s, opts)

	require.NoError(t, tr.Enqueue(context.Background(), intent(models.Course, "1", 1)))
	require.NoError(t, tr.Enqueue(context.Background(), intent(models.Course, "2", 1)))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := tr.Enqueue(ctx, intent(models.Course, "3", 1))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(gate)
	require.NoError(t, tr.Enqueue(context.Background(), intent(models.Course, "3", 1)))
	drain(t, tr)
	assert.Equal(t, 0, tr.Stats().Pending)
}

func TestTrackerRejectsAfterClose(t *testing.T) {
	tr, err := New(newFakeSink(nil), testOptions(), logrus.New())
	require.NoError(t, err)
	require.NoError(t, tr.Enqueue(context.Background(), intent(models.Course, "1", 1)))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, tr.Close(ctx))
	assert.ErrorIs(t, tr.Enqueue(context.Background(), intent(models.Course, "1", 2)), ErrClosed)

	_, open := <-tr.Errors()
	assert.False(t, open)
}
