package delivery

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"cdc-fanout/internal/models"
)

// task is one write intent waiting in a lane.
type task struct {
	intent  models.WriteIntent
	record  *models.DeliveryRecord
	backoff *backoff.ExponentialBackOff
	// counted tasks hold one pending slot.
	counted bool
}

// lane is the FIFO queue of one source key. Only its head is ever in
// flight.
type lane struct {
	key   models.Key
	tasks []*task
	// busy is set while the head is running or waiting for a retry.
	busy bool
	// ready is set while the lane sits in the tracker's ready queue.
	ready bool
}

func (l *lane) head() *task {
	if len(l.tasks) == 0 {
		return nil
	}
	return l.tasks[0]
}

func (l *lane) pop() {
	l.tasks[0] = nil
	l.tasks = l.tasks[1:]
}

func newBackoff(opts Options) *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     opts.InitialBackoff,
		RandomizationFactor: opts.Jitter,
		Multiplier:          opts.Multiplier,
		MaxInterval:         opts.MaxBackoff,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// oldestCommit returns the commit time of the oldest queued intent.
func (l *lane) oldestCommit() time.Time {
	if t := l.head(); t != nil {
		return t.intent.CommittedAt
	}
	return time.Time{}
}
