// Package router turns change events into sink-shaped write intents.
package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"cdc-fanout/internal/models"
	"cdc-fanout/internal/snapshot"
)

// Dispatch is a write intent addressed to one sink.
type Dispatch struct {
	Sink   string
	Intent models.WriteIntent
}

type Router struct {
	subs   *Subscriptions
	source snapshot.Source
	logger *logrus.Logger
}

func New(subs *Subscriptions, source snapshot.Source, logger *logrus.Logger) *Router {
	return &Router{subs: subs, source: source, logger: logger}
}

// Subscriptions returns the compiled routing table.
func (r *Router) Subscriptions() *Subscriptions {
	return r.subs
}

// Route produces the dispatches of one event in route order: the event's
// own intent for each sink, followed by derived intents of its dependents.
// An error means the snapshot could not be read and the event should be
// routed again later.
func (r *Router) Route(ctx context.Context, ev models.ChangeEvent) ([]Dispatch, error) {
	routes := r.subs.Routes(ev.Table)
	if len(routes) == 0 {
		r.logger.Debugf("No subscription for %s, skipping %s", ev.Table, ev.Ref())
		return nil, nil
	}

	var dispatches []Dispatch
	for _, route := range routes {
		if route.Writes() {
			intent, ok, err := r.intent(ctx, route, ev.Operation, ev.Key, ev.Payload)
			if err != nil {
				return nil, err
			}
			if ok {
				intent.EventID = ev.ID
				intent.Sequence = ev.Sequence
				intent.CommittedAt = ev.CommittedAt
				dispatches = append(dispatches, Dispatch{Sink: route.Sink, Intent: intent})
			}
		}

		if ev.Operation == models.Create {
			continue
		}
		for _, dep := range route.Refresh {
			derived, err := r.refresh(ctx, route.Sink, dep, ev)
			if err != nil {
				return nil, err
			}
			dispatches = append(dispatches, derived...)
		}
	}
	return dispatches, nil
}

// Resync rebuilds the current state of the event's key from the snapshot and
// routes it in place of the event. The resulting intents carry the event's
// sequence, so the sinks converge on the source row as of that position.
func (r *Router) Resync(ctx context.Context, ev models.ChangeEvent) ([]Dispatch, error) {
	row, err := r.source.Row(ctx, ev.Table, ev.Key)
	synthetic := ev
	switch {
	case errors.Is(err, snapshot.ErrNotFound):
		schema, err := models.SchemaFor(ev.Table)
		if err != nil {
			return nil, err
		}
		keyValue, err := schema.KeyValue(ev.Key)
		if err != nil {
			return nil, err
		}
		synthetic.Operation = models.Delete
		synthetic.Payload = map[string]interface{}{schema.KeyColumn: keyValue}
	case err != nil:
		return nil, fmt.Errorf("failed to resync %s: %w", ev.Ref(), err)
	default:
		synthetic.Operation = models.Update
		synthetic.Payload = row
	}

	r.logger.WithFields(logrus.Fields{
		"key":       ev.Ref().String(),
		"sequence":  ev.Sequence,
		"operation": synthetic.Operation,
	}).Info("Resynchronizing key from snapshot")
	return r.Route(ctx, synthetic)
}

// ResyncAll rebuilds every subscribed table from the snapshot after the log
// lost entries that may belong to any key. Known keys missing from the
// snapshot are deleted. The intents are derived and never move a sink's
// recorded version. Tables maps each table to the number of rows rebuilt.
func (r *Router) ResyncAll(ctx context.Context, id string, known []models.Key) ([]Dispatch, map[models.Table]int, error) {
	present := make(map[models.Key]bool)
	tables := make(map[models.Table]int)
	var dispatches []Dispatch

	for _, table := range models.Tables {
		routes := r.writing(table)
		if len(routes) == 0 {
			continue
		}
		schema, err := models.SchemaFor(table)
		if err != nil {
			return nil, nil, err
		}
		rows, err := r.source.Scan(ctx, table)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to resync %s: %w", table, err)
		}
		for _, row := range rows {
			key, err := schema.KeyFromRow(row)
			if err != nil {
				return nil, nil, err
			}
			present[models.Key{Table: table, ID: key}] = true
			for _, route := range routes {
				intent, ok, err := r.intent(ctx, route, models.Update, key, row)
				if err != nil {
					return nil, nil, err
				}
				if ok {
					dispatches = append(dispatches, resyncDispatch(id, intent))
				}
			}
		}
		tables[table] = len(rows)
	}

	deleted := 0
	for _, ref := range known {
		routes := r.writing(ref.Table)
		if present[ref] || len(routes) == 0 {
			continue
		}
		schema, err := models.SchemaFor(ref.Table)
		if err != nil {
			return nil, nil, err
		}
		keyValue, err := schema.KeyValue(ref.ID)
		if err != nil {
			return nil, nil, err
		}
		row := map[string]interface{}{schema.KeyColumn: keyValue}
		for _, route := range routes {
			intent, _, err := r.intent(ctx, route, models.Delete, ref.ID, row)
			if err != nil {
				return nil, nil, err
			}
			dispatches = append(dispatches, resyncDispatch(id, intent))
		}
		deleted++
	}

	r.logger.WithFields(logrus.Fields{
		"tables":  len(tables),
		"intents": len(dispatches),
		"deleted": deleted,
	}).Info("Resynchronizing all subscribed tables from snapshot")
	return dispatches, tables, nil
}

func (r *Router) writing(table models.Table) []*Route {
	var routes []*Route
	for _, route := range r.subs.Routes(table) {
		if route.Writes() {
			routes = append(routes, route)
		}
	}
	return routes
}

func resyncDispatch(id string, intent models.WriteIntent) Dispatch {
	intent.EventID = id + "/resync/" + intent.Ref().String()
	intent.Derived = true
	intent.Resync = true
	return Dispatch{Sink: intent.Sink, Intent: intent}
}

func (r *Router) refresh(ctx context.Context, sink string, dep Dependent, ev models.ChangeEvent) ([]Dispatch, error) {
	child := r.subs.Route(dep.Table, sink)
	if child == nil || !child.Writes() {
		return nil, nil
	}
	schema, err := models.SchemaFor(dep.Table)
	if err != nil {
		return nil, err
	}

	rows, err := r.source.Children(ctx, dep.Table, dep.Column, ev.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s children of %s: %w", dep.Table, ev.Ref(), err)
	}

	dispatches := make([]Dispatch, 0, len(rows))
	for _, row := range rows {
		key, err := schema.KeyFromRow(row)
		if err != nil {
			return nil, err
		}
		intent, ok, err := r.intent(ctx, child, models.Update, key, row)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		intent.EventID = ev.ID + "/" + string(dep.Table) + ":" + key
		intent.Derived = true
		intent.CommittedAt = ev.CommittedAt
		dispatches = append(dispatches, Dispatch{Sink: sink, Intent: intent})
	}

	if len(dispatches) > 0 {
		r.logger.Debugf("Refreshing %d %s rows in %s after %s %s", len(dispatches), dep.Table, sink, ev.Operation, ev.Ref())
	}
	return dispatches, nil
}

// intent shapes one row for a route. ok is false when the route's script
// rejected the row.
func (r *Router) intent(ctx context.Context, route *Route, op models.Operation, key string, payload map[string]interface{}) (models.WriteIntent, bool, error) {
	intent := models.WriteIntent{
		Sink:      route.Sink,
		Table:     route.Table,
		Key:       key,
		Operation: op,
		Transform: route.Transform,
	}

	row := models.CopyRow(payload)
	if op == models.Delete {
		intent.Row = row
		return intent, true, nil
	}

	for _, lookup := range route.Lookups {
		if err := r.enrich(ctx, lookup, row); err != nil {
			return intent, false, err
		}
	}
	intent.Row = row

	fields, err := route.transformer.Apply(route.Table, op, key, row)
	if err != nil {
		if errors.Is(err, ErrRowRejected) {
			return intent, false, nil
		}
		// Script failures are not retried.
		r.logger.WithFields(logrus.Fields{
			"key":  intent.Ref().String(),
			"sink": route.Sink,
		}).Errorf("Transform failed, skipping route: %v", err)
		return intent, false, nil
	}
	intent.Fields = fields
	return intent, true, nil
}

func (r *Router) enrich(ctx context.Context, lookup Lookup, row map[string]interface{}) error {
	ref, ok := row[lookup.Column]
	if !ok || ref == nil {
		return nil
	}
	parentKey := models.KeyString(ref)

	parent, err := r.source.Row(ctx, lookup.Table, parentKey)
	if errors.Is(err, snapshot.ErrNotFound) {
		r.logger.Warnf("Lookup of %s:%s via %s found no row", lookup.Table, parentKey, lookup.Column)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up %s:%s: %w", lookup.Table, parentKey, err)
	}

	for from, to := range lookup.Select {
		if v, ok := parent[from]; ok {
			row[to] = v
		}
	}
	return nil
}
