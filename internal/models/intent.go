package models

import "time"

// TransformKind selects how a sink shapes a row.
type TransformKind string

const (
	DocumentRoot   TransformKind = "document.root"
	DocumentNested TransformKind = "document.nested"
	GraphNode      TransformKind = "graph.node"
	GraphEdge      TransformKind = "graph.edge"
	KVFlatten      TransformKind = "kv.flatten"
	SearchRow      TransformKind = "search.row"
)

// Transform is the declarative shape descriptor of one (table, sink) route.
// Only the fields relevant to Kind are read.
type Transform struct {
	Kind TransformKind `yaml:"kind"`

	// document.root / document.nested
	Collection string `yaml:"collection,omitempty"`
	// Path names the nested arrays from the root document down to the
	// element, e.g. [institutes, departments].
	Path []string `yaml:"path,omitempty"`
	// ParentRefs names the row columns holding the id of the root document
	// and of every enclosing element, outermost first.
	ParentRefs []string `yaml:"parent_refs,omitempty"`

	// graph.node
	Label       string     `yaml:"label,omitempty"`
	KeyProperty string     `yaml:"key_property,omitempty"`
	Edges       []EdgeSpec `yaml:"edges,omitempty"`

	// graph.edge
	EdgeType string       `yaml:"edge_type,omitempty"`
	From     EndpointSpec `yaml:"from,omitempty"`
	To       EndpointSpec `yaml:"to,omitempty"`

	// kv.flatten
	KeyPrefix string `yaml:"key_prefix,omitempty"`
	// OrphanWhen lists fields whose absence marks the value orphaned.
	OrphanWhen []string `yaml:"orphan_when,omitempty"`

	// search.row
	Index string `yaml:"index,omitempty"`
}

// EdgeSpec is an outgoing relationship of a graph node, resolved from a
// foreign key column of the row.
type EdgeSpec struct {
	Type              string `yaml:"type"`
	Column            string `yaml:"column"`
	TargetLabel       string `yaml:"target_label"`
	TargetKeyProperty string `yaml:"target_key_property"`
}

// EndpointSpec locates one end of an association edge.
type EndpointSpec struct {
	Label       string `yaml:"label"`
	KeyProperty string `yaml:"key_property"`
	Column      string `yaml:"column"`
}

// WriteIntent is a sink-shaped instruction derived from one ChangeEvent.
type WriteIntent struct {
	EventID   string
	Sink      string
	Table     Table
	Key       string
	Operation Operation
	// Sequence is zero for Derived intents.
	Sequence uint64
	// Derived intents are regenerated from the snapshot after a parent
	// changed. They never advance the version ledger.
	Derived bool
	// Resync marks derived intents rebuilt from a full snapshot after the
	// change log lost entries. They apply even over a tombstone.
	Resync bool
	// Row is the enriched source row before row rules were applied. Sinks
	// read references (parent ids, edge endpoints) from it.
	Row map[string]interface{}
	// Fields is the row after rules: what the sink stores.
	Fields      map[string]interface{}
	Transform   Transform
	CommittedAt time.Time
}

// Ref returns the (table, key) identity the intent writes.
func (w WriteIntent) Ref() Key {
	return Key{Table: w.Table, ID: w.Key}
}
