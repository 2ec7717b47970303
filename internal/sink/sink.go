// Package sink applies write intents to the downstream stores. Each store
// pairs a driver-specific Writer with a version Ledger kept in the same
// store.
package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"cdc-fanout/internal/models"
)

var (
	// ErrStaleWrite means the sink already holds this or a newer version.
	ErrStaleWrite = errors.New("stale write")
	// ErrParentMissing means a nested document has nowhere to go yet.
	ErrParentMissing = errors.New("parent document missing")
	// ErrEndpointMissing means an edge endpoint node does not exist yet.
	ErrEndpointMissing = errors.New("edge endpoint missing")
	// ErrUnplaceable means the row lacks the references that locate it in
	// the sink, typically because its parent no longer exists at the source.
	ErrUnplaceable = errors.New("row cannot be placed")
)

// Version is the ledger entry of one source key.
type Version struct {
	Sequence uint64 `json:"seq" bson:"seq"`
	Deleted  bool   `json:"deleted" bson:"deleted"`
}

// Writer performs the store-specific part of applying an intent.
type Writer interface {
	Upsert(ctx context.Context, intent models.WriteIntent) error
	Delete(ctx context.Context, intent models.WriteIntent) error
	// Project reads back the stored shape of a source row.
	Project(ctx context.Context, transform models.Transform, table models.Table, key string) (map[string]interface{}, bool, error)
}

// Ledger stores the last applied sequence of every key written to a sink.
type Ledger interface {
	Get(ctx context.Context, key models.Key) (Version, bool, error)
	Put(ctx context.Context, key models.Key, v Version) error
}

// Projection is what a sink currently holds for a source key.
type Projection struct {
	Found   bool
	Fields  map[string]interface{}
	Version Version
}

// Adapter makes writes idempotent and ordered per key using the ledger.
// Callers must not apply two intents for the same key concurrently.
type Adapter struct {
	name       string
	writer     Writer
	ledger     Ledger
	transforms map[models.Table]models.Transform
	logger     *logrus.Logger
}

// NewAdapter combines a writer and its ledger. transforms gives the shape
// of every table routed to the sink and is used to read projections back.
func NewAdapter(name string, writer Writer, ledger Ledger, transforms map[models.Table]models.Transform, logger *logrus.Logger) *Adapter {
	return &Adapter{
		name:       name,
		writer:     writer,
		ledger:     ledger,
		transforms: transforms,
		logger:     logger,
	}
}

func (a *Adapter) Name() string {
	return a.name
}

// Apply writes one intent. It returns nil on success, ErrStaleWrite when
// the intent is superseded, and an *Error otherwise.
func (a *Adapter) Apply(ctx context.Context, intent models.WriteIntent) error {
	ref := intent.Ref()
	current, found, err := a.ledger.Get(ctx, ref)
	if err != nil {
		return a.wrap(fmt.Errorf("failed to read version of %s: %w", ref, err))
	}

	log := a.logger.WithFields(logrus.Fields{
		"sink":     a.name,
		"key":      ref.String(),
		"sequence": intent.Sequence,
		"derived":  intent.Derived,
	})

	if intent.Derived {
		if found && current.Deleted && !intent.Resync {
			log.Debug("Skipping derived write on deleted key")
			return ErrStaleWrite
		}
	} else if found && current.Sequence >= intent.Sequence {
		log.Debugf("Discarding stale write, sink holds version %d", current.Sequence)
		return ErrStaleWrite
	}

	switch intent.Operation {
	case models.Create, models.Update:
		err = a.writer.Upsert(ctx, intent)
	case models.Delete:
		err = a.writer.Delete(ctx, intent)
	default:
		return &Error{Kind: Fatal, Sink: a.name, Err: fmt.Errorf("unknown operation %q", intent.Operation)}
	}
	if errors.Is(err, ErrUnplaceable) {
		log.Warnf("Skipping write: %v", err)
		err = nil
	}
	if err != nil {
		return a.wrap(err)
	}

	if intent.Resync {
		// Keep the sequence; only the tombstone follows the rebuilt row.
		deleted := intent.Operation == models.Delete
		if found && current.Deleted != deleted {
			current.Deleted = deleted
			if err := a.ledger.Put(ctx, ref, current); err != nil {
				return a.wrap(fmt.Errorf("failed to record version of %s: %w", ref, err))
			}
		}
		log.Debug("Applied resync write")
		return nil
	}
	if intent.Derived {
		log.Debug("Applied derived write")
		return nil
	}

	next := Version{Sequence: intent.Sequence, Deleted: intent.Operation == models.Delete}
	if err := a.ledger.Put(ctx, ref, next); err != nil {
		return a.wrap(fmt.Errorf("failed to record version of %s: %w", ref, err))
	}
	log.Debugf("Applied %s", intent.Operation)
	return nil
}

// Lookup returns the projection and ledger version of a source key.
func (a *Adapter) Lookup(ctx context.Context, table models.Table, key string) (Projection, error) {
	transform, ok := a.transforms[table]
	if !ok {
		return Projection{}, fmt.Errorf("sink %s has no route for %s", a.name, table)
	}

	var p Projection
	v, found, err := a.ledger.Get(ctx, models.Key{Table: table, ID: key})
	if err != nil {
		return Projection{}, a.wrap(err)
	}
	if found {
		p.Version = v
	}

	fields, ok, err := a.writer.Project(ctx, transform, table, key)
	if err != nil {
		return Projection{}, a.wrap(err)
	}
	p.Found = ok
	p.Fields = fields
	return p, nil
}

// Tables lists the tables this sink can project.
func (a *Adapter) Tables() []models.Table {
	var tables []models.Table
	for _, t := range models.Tables {
		if _, ok := a.transforms[t]; ok {
			tables = append(tables, t)
		}
	}
	return tables
}

func (a *Adapter) wrap(err error) error {
	var se *Error
	if errors.As(err, &se) {
		if se.Sink == "" {
			se.Sink = a.name
		}
		return se
	}
	if errors.Is(err, ErrParentMissing) || errors.Is(err, ErrEndpointMissing) {
		return &Error{Kind: Retryable, Sink: a.name, Err: err}
	}
	return &Error{Kind: Classify(err), Sink: a.name, Err: err}
}
