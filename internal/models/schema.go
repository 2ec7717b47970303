package models

import (
	"fmt"
	"strconv"
)

// KeyKind is the type of a table's primary key column.
type KeyKind int

const (
	IntKey KeyKind = iota
	StringKey
)

// TableSchema describes how a source table is keyed and which of its
// columns point at parent rows.
type TableSchema struct {
	Table     Table
	KeyColumn string
	KeyKind   KeyKind
	// Parents maps a foreign key column to the referenced table.
	Parents map[string]Table
}

var schemas = map[Table]TableSchema{
	University: {Table: University, KeyColumn: "id", KeyKind: IntKey},
	Institute: {Table: Institute, KeyColumn: "id", KeyKind: IntKey,
		Parents: map[string]Table{"id_university": University}},
	Department: {Table: Department, KeyColumn: "id", KeyKind: IntKey,
		Parents: map[string]Table{"id_institute": Institute}},
	Groups: {Table: Groups, KeyColumn: "id", KeyKind: IntKey,
		Parents: map[string]Table{"id_department": Department}},
	Student: {Table: Student, KeyColumn: "student_number", KeyKind: StringKey,
		Parents: map[string]Table{"id_group": Groups}},
	Course: {Table: Course, KeyColumn: "id", KeyKind: IntKey,
		Parents: map[string]Table{"id_department": Department}},
	Lecture: {Table: Lecture, KeyColumn: "id", KeyKind: IntKey,
		Parents: map[string]Table{"id_course": Course}},
	Schedule: {Table: Schedule, KeyColumn: "id", KeyKind: IntKey,
		Parents: map[string]Table{"id_lecture": Lecture, "id_group": Groups}},
}

// SchemaFor returns the schema of a known table.
func SchemaFor(t Table) (TableSchema, error) {
	s, ok := schemas[t]
	if !ok {
		return TableSchema{}, fmt.Errorf("no schema for table %q", t)
	}
	return s, nil
}

// KeyValue converts the string form of a key into the value stored in
// sinks and compared against source columns.
func (s TableSchema) KeyValue(key string) (interface{}, error) {
	if s.KeyKind == StringKey {
		return key, nil
	}
	n, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s key %q: %w", s.Table, key, err)
	}
	return n, nil
}

// KeyFromRow extracts the primary key of a row in its string form.
func (s TableSchema) KeyFromRow(row map[string]interface{}) (string, error) {
	v, ok := row[s.KeyColumn]
	if !ok || v == nil {
		return "", fmt.Errorf("%s row has no %s column", s.Table, s.KeyColumn)
	}
	return KeyString(v), nil
}
