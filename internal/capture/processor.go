package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jackc/pglogrepl"
	"github.com/sirupsen/logrus"

	"cdc-fanout/internal/models"
	cdcnats "cdc-fanout/internal/nats"
)

// Reader is the WAL side of the processor.
type Reader interface {
	Next(ctx context.Context) (WALMessage, error)
	Confirm(lsn pglogrepl.LSN) error
}

// Numberer assigns per-key sequences.
type Numberer interface {
	Next(key models.Key, lsn pglogrepl.LSN) (uint64, error)
}

// Publisher appends events to the change log.
type Publisher interface {
	Publish(ctx context.Context, event models.ChangeEvent) error
}

// ErrUndecodable marks WAL messages that can never become change events.
var ErrUndecodable = errors.New("undecodable change")

// eventNamespace scopes the deterministic event ids.
var eventNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("cdc-fanout/change-event"))

type walColumn struct {
	Name  string      `json:"name"`
	Type  string      `json:"type"`
	Value interface{} `json:"value"`
}

// walRecord is one wal2json format-version 2 message.
type walRecord struct {
	Action    string      `json:"action"`
	Schema    string      `json:"schema"`
	Table     string      `json:"table"`
	Timestamp string      `json:"timestamp"`
	Columns   []walColumn `json:"columns"`
	Identity  []walColumn `json:"identity"`
}

var timestampLayouts = []string{
	"2006-01-02 15:04:05.999999-07",
	"2006-01-02 15:04:05.999999-07:00",
	time.RFC3339Nano,
}

// Processor turns WAL messages into numbered change events.
type Processor struct {
	reader    Reader
	sequencer Numberer
	publisher Publisher
	schema    string
	tables    map[models.Table]bool
	logger    *logrus.Logger
}

// NewProcessor creates a processor for the given tables of schema. An empty
// table list captures every known table.
func NewProcessor(reader Reader, sequencer Numberer, publisher Publisher, schema string, tables []string, logger *logrus.Logger) (*Processor, error) {
	p := &Processor{
		reader:    reader,
		sequencer: sequencer,
		publisher: publisher,
		schema:    schema,
		tables:    make(map[models.Table]bool),
		logger:    logger,
	}
	if len(tables) == 0 {
		for _, t := range models.Tables {
			p.tables[t] = true
		}
	}
	for _, name := range tables {
		t, err := models.ParseTable(name)
		if err != nil {
			return nil, err
		}
		p.tables[t] = true
	}
	return p, nil
}

// Decode parses one wal2json message. It returns nil for transaction
// markers and changes to tables outside the capture set.
func (p *Processor) Decode(msg WALMessage) (*models.ChangeEvent, error) {
	var rec walRecord
	dec := json.NewDecoder(bytes.NewReader(msg.Data))
	dec.UseNumber()
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("%w: wal2json message at %s: %v", ErrUndecodable, msg.LSN, err)
	}

	switch rec.Action {
	case "I", "U", "D":
	case "T":
		p.logger.Warnf("Truncate of %s.%s at %s is not propagated", rec.Schema, rec.Table, msg.LSN)
		return nil, nil
	default:
		return nil, nil
	}
	if p.schema != "" && rec.Schema != p.schema {
		return nil, nil
	}
	table, err := models.ParseTable(rec.Table)
	if err != nil || !p.tables[table] {
		p.logger.Debugf("Skipping change of uncaptured table %s.%s", rec.Schema, rec.Table)
		return nil, nil
	}

	op, err := models.ParseOperation(rec.Action)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	columns := rec.Columns
	if op == models.Delete {
		columns = rec.Identity
	}
	payload := make(map[string]interface{}, len(columns))
	for _, c := range columns {
		payload[c.Name] = convertColumn(c)
	}
	payload = models.NormalizeRow(payload)

	schema, err := models.SchemaFor(table)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	key, err := schema.KeyFromRow(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: change at %s: %v", ErrUndecodable, msg.LSN, err)
	}

	committed := msg.ServerTime
	if rec.Timestamp != "" {
		if ts, ok := parseTimestamp(rec.Timestamp); ok {
			committed = ts
		}
	}

	return &models.ChangeEvent{
		Table:       table,
		Operation:   op,
		Key:         key,
		Payload:     payload,
		CommittedAt: committed.UTC(),
		LSN:         msg.LSN.String(),
	}, nil
}

// convertColumn keeps wal2json values as they are except for types whose
// JSON form would lose meaning downstream.
func convertColumn(c walColumn) interface{} {
	if c.Value == nil {
		return nil
	}
	switch {
	case strings.HasPrefix(c.Type, "numeric"), c.Type == "money":
		if n, ok := c.Value.(json.Number); ok {
			return n.String()
		}
	case strings.HasPrefix(c.Type, "timestamp"):
		if s, ok := c.Value.(string); ok {
			if ts, ok := parseTimestamp(s); ok {
				return ts.UTC().Format(time.RFC3339Nano)
			}
		}
	}
	return c.Value
}

func parseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, true
		}
	}
	if ts, err := time.Parse("2006-01-02 15:04:05.999999", s); err == nil {
		return ts, true
	}
	return time.Time{}, false
}

// Handle numbers and publishes one message, then confirms its position.
func (p *Processor) Handle(ctx context.Context, msg WALMessage) error {
	ev, err := p.Decode(msg)
	if err != nil {
		return err
	}
	if ev == nil {
		return p.reader.Confirm(msg.End)
	}

	ev.Sequence, err = p.sequencer.Next(ev.Ref(), msg.LSN)
	if errors.Is(err, ErrSuperseded) {
		p.logger.Debugf("Skipping re-read change: %v", err)
		return p.reader.Confirm(msg.End)
	}
	if err != nil {
		return err
	}
	ev.ID = uuid.NewSHA1(eventNamespace, []byte(cdcnats.MsgID(*ev))).String()

	if err := p.publisher.Publish(ctx, *ev); err != nil {
		return err
	}
	p.logger.WithFields(logrus.Fields{
		"key":      ev.Ref().String(),
		"sequence": ev.Sequence,
		"lsn":      ev.LSN,
	}).Infof("Captured %s event", ev.Operation)
	return p.reader.Confirm(msg.End)
}

// Start processes WAL messages until ctx is cancelled. Publishing failures
// are retried so that no change is skipped.
func (p *Processor) Start(ctx context.Context) error {
	p.logger.Info("Starting capture processor...")

	for {
		msg, err := p.reader.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				p.logger.Info("Context cancelled, stopping capture processor")
				return nil
			}
			return err
		}

		b := backoff.NewExponentialBackOff()
		b.MaxElapsedTime = 0
		notify := func(err error, wait time.Duration) {
			p.logger.Errorf("Error handling change at %s, retrying in %s: %v", msg.LSN, wait, err)
		}
		op := func() error {
			err := p.Handle(ctx, msg)
			if errors.Is(err, ErrUndecodable) {
				return backoff.Permanent(err)
			}
			return err
		}
		err = backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			p.logger.Info("Context cancelled, stopping capture processor")
			return nil
		case errors.Is(err, ErrUndecodable):
			p.logger.Errorf("Dropping change: %v", err)
			if err := p.reader.Confirm(msg.End); err != nil {
				return err
			}
		default:
			return err
		}
	}
}
