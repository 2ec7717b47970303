package changelog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"cdc-fanout/internal/config"
	"cdc-fanout/internal/models"
	cdcnats "cdc-fanout/internal/nats"
)

// JetStream is a durable pull consumer on the change log stream.
type JetStream struct {
	sub    *nats.Subscription
	logger *logrus.Logger
}

// NewJetStream binds a durable consumer with explicit acks to the stream,
// creating the stream if it does not exist.
func NewJetStream(conn *nats.Conn, cfg config.NATSConfig, rcfg config.ReaderConfig, logger *logrus.Logger) (*JetStream, error) {
	js, err := conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}
	if err := cdcnats.EnsureStream(js, cfg, logger); err != nil {
		return nil, err
	}

	sub, err := js.PullSubscribe(cfg.Subject+".>", cfg.Durable,
		nats.BindStream(cfg.Stream),
		nats.AckExplicit(),
		nats.DeliverAll(),
		nats.AckWait(rcfg.AckWait),
		nats.MaxAckPending(rcfg.MaxAckPending),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pull consumer %s: %w", cfg.Durable, err)
	}

	logger.Infof("Consuming %s.> from stream %s as %s", cfg.Subject, cfg.Stream, cfg.Durable)
	return &JetStream{sub: sub, logger: logger}, nil
}

func (j *JetStream) Fetch(ctx context.Context, max int, wait time.Duration) ([]*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	msgs, err := j.sub.Fetch(max, nats.MaxWait(wait))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
			return nil, ErrClosed
		}
		return nil, err
	}

	result := make([]*Message, 0, len(msgs))
	for _, msg := range msgs {
		msg := msg
		m := &Message{ack: func() error { return msg.Ack() }}

		meta, err := msg.Metadata()
		if err != nil {
			m.Err = fmt.Errorf("failed to read message metadata: %w", err)
			result = append(result, m)
			continue
		}
		m.StreamSeq = meta.Sequence.Stream
		m.Delivered = meta.NumDelivered

		m.Event, m.Err = models.DecodeChangeEvent(msg.Data)
		result = append(result, m)
	}

	j.logger.Debugf("Fetched %d change log entries", len(result))
	return result, nil
}

func (j *JetStream) Ack(_ context.Context, msgs []*Message) error {
	var result *multierror.Error
	for _, m := range msgs {
		if err := m.ack(); err != nil {
			result = multierror.Append(result, fmt.Errorf("position %d: %w", m.StreamSeq, err))
		}
	}
	return result.ErrorOrNil()
}

// Close leaves the durable consumer in place so the next run resumes from
// its ack floor.
func (j *JetStream) Close() error {
	return nil
}
