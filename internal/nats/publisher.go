package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"cdc-fanout/internal/config"
	"cdc-fanout/internal/models"
)

// Connect opens a NATS connection that logs its lifecycle.
func Connect(cfg config.NATSConfig, logger *logrus.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("cdc-fanout"),
		nats.MaxReconnects(cfg.MaxReconnect),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warnf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infof("NATS reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Warn("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Infof("Connected to NATS at %s", cfg.URL)
	return conn, nil
}

// EnsureStream creates the change log stream unless it already exists.
func EnsureStream(js nats.JetStreamContext, cfg config.NATSConfig, logger *logrus.Logger) error {
	_, err := js.StreamInfo(cfg.Stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream %s: %w", cfg.Stream, err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:       cfg.Stream,
		Subjects:   []string{cfg.Subject + ".>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: cfg.DuplicateWindow,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream %s: %w", cfg.Stream, err)
	}
	logger.Infof("Created JetStream stream %s on %s.>", cfg.Stream, cfg.Subject)
	return nil
}

// Subject returns the subject a table's events are appended to.
func Subject(base string, table models.Table) string {
	return base + "." + string(table)
}

// MsgID is the deduplication id of an event: table:key:sequence.
func MsgID(event models.ChangeEvent) string {
	return fmt.Sprintf("%s:%s:%d", event.Table, event.Key, event.Sequence)
}

// Publisher appends change events to the JetStream change log.
type Publisher struct {
	js      nats.JetStreamContext
	subject string
	logger  *logrus.Logger
}

// NewPublisher creates a publisher on conn, creating the stream if needed.
func NewPublisher(conn *nats.Conn, cfg config.NATSConfig, logger *logrus.Logger) (*Publisher, error) {
	js, err := conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}
	if err := EnsureStream(js, cfg, logger); err != nil {
		return nil, err
	}

	return &Publisher{
		js:      js,
		subject: cfg.Subject,
		logger:  logger,
	}, nil
}

// Publish appends a change event. Republishing the same (table, key,
// sequence) inside the duplicate window is a no-op on the server.
func (p *Publisher) Publish(ctx context.Context, event models.ChangeEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ack, err := p.js.Publish(Subject(p.subject, event.Table), data, nats.MsgId(MsgID(event)), nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("failed to publish to NATS: %w", err)
	}

	if ack.Duplicate {
		p.logger.Debugf("Duplicate %s event for %s:%s seq %d ignored by stream", event.Operation, event.Table, event.Key, event.Sequence)
		return nil
	}
	p.logger.Debugf("Published %s event for %s:%s seq %d", event.Operation, event.Table, event.Key, event.Sequence)
	return nil
}

// JetStream returns the JetStream context used by the publisher.
func (p *Publisher) JetStream() nats.JetStreamContext {
	return p.js
}
