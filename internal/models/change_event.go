package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Table identifies a source table of the system of record.
type Table string

const (
	University Table = "university"
	Institute  Table = "institute"
	Department Table = "department"
	Groups     Table = "groups"
	Student    Table = "student"
	Course     Table = "course"
	Lecture    Table = "lecture"
	Schedule   Table = "schedule"
)

// Tables lists every table the pipeline knows, parents first.
var Tables = []Table{University, Institute, Department, Groups, Student, Course, Lecture, Schedule}

// ParseTable accepts a bare or schema-qualified table name ("public.student").
func ParseTable(name string) (Table, error) {
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	t := Table(strings.ToLower(name))
	for _, known := range Tables {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown table %q", name)
}

// Operation is the kind of row mutation.
type Operation string

const (
	Create Operation = "create"
	Update Operation = "update"
	Delete Operation = "delete"
)

// ParseOperation understands the spellings used by the capture side
// (wal2json actions, Debezium op codes, SQL verbs).
func ParseOperation(s string) (Operation, error) {
	switch strings.ToLower(s) {
	case "create", "c", "i", "insert":
		return Create, nil
	case "update", "u":
		return Update, nil
	case "delete", "d":
		return Delete, nil
	default:
		return "", fmt.Errorf("unknown operation %q", s)
	}
}

// ChangeEvent is one committed row-level mutation. It is never mutated after
// the capture side created it.
type ChangeEvent struct {
	ID          string                 `json:"id"`
	Table       Table                  `json:"table"`
	Operation   Operation              `json:"op"`
	Key         string                 `json:"key"`
	Payload     map[string]interface{} `json:"payload"`
	Sequence    uint64                 `json:"sequence"`
	CommittedAt time.Time              `json:"committed_at"`
	LSN         string                 `json:"lsn,omitempty"`
}

// Ref returns the (table, primary key) identity of the event.
func (e ChangeEvent) Ref() Key {
	return Key{Table: e.Table, ID: e.Key}
}

// Validate checks the fields every consumer relies on.
func (e ChangeEvent) Validate() error {
	if _, err := ParseTable(string(e.Table)); err != nil {
		return err
	}
	if _, err := ParseOperation(string(e.Operation)); err != nil {
		return err
	}
	if e.Key == "" {
		return fmt.Errorf("event %s on %s has no primary key", e.ID, e.Table)
	}
	if e.Sequence == 0 {
		return fmt.Errorf("event %s on %s:%s has no sequence", e.ID, e.Table, e.Key)
	}
	return nil
}

// DecodeChangeEvent parses the wire form of an event. Numbers in the payload
// are kept exact: integral values become int64.
func DecodeChangeEvent(data []byte) (ChangeEvent, error) {
	var ev ChangeEvent
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&ev); err != nil {
		return ChangeEvent{}, fmt.Errorf("failed to decode change event: %w", err)
	}
	ev.Payload = NormalizeRow(ev.Payload)
	if err := ev.Validate(); err != nil {
		return ChangeEvent{}, err
	}
	return ev, nil
}

// Key is the identity of a source row.
type Key struct {
	Table Table
	ID    string
}

func (k Key) String() string {
	return string(k.Table) + ":" + k.ID
}
