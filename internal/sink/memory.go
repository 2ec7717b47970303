package sink

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cdc-fanout/internal/models"
)

// MemoryLedger is a Ledger for tests and local runs.
type MemoryLedger struct {
	mu       sync.Mutex
	versions map[models.Key]Version
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{versions: make(map[models.Key]Version)}
}

func (l *MemoryLedger) Get(_ context.Context, key models.Key) (Version, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.versions[key]
	return v, ok, nil
}

func (l *MemoryLedger) Put(_ context.Context, key models.Key, v Version) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.versions[key] = v
	return nil
}

// Memory is an in-process Writer that keeps the shapes the real stores
// would hold: nested documents, graph nodes with edges, flat values. It
// reports missing parents and endpoints the way the real writers do.
type Memory struct {
	mu    sync.Mutex
	docs  map[string]map[string]interface{}
	nodes map[string]map[string]interface{}
	edges map[string]memoryEdge
	flat  map[string]map[string]interface{}

	// Fail, when set, is consulted before every write.
	Fail func(intent models.WriteIntent) error
}

type memoryEdge struct {
	from, to string
	props    map[string]interface{}
}

func NewMemory() *Memory {
	return &Memory{
		docs:  make(map[string]map[string]interface{}),
		nodes: make(map[string]map[string]interface{}),
		edges: make(map[string]memoryEdge),
		flat:  make(map[string]map[string]interface{}),
	}
}

func nodeKey(label string, key interface{}) string {
	return label + ":" + models.KeyString(key)
}

func flatKey(t models.Transform, table models.Table, key string) string {
	switch t.Kind {
	case models.KVFlatten:
		return kvKey(t, table, key)
	default:
		return searchIndex(t, "", table) + "/" + key
	}
}

func (m *Memory) Upsert(ctx context.Context, intent models.WriteIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		if err := m.Fail(intent); err != nil {
			return err
		}
	}

	t := intent.Transform
	switch t.Kind {
	case models.DocumentRoot:
		id := models.KeyString(intent.Key)
		doc, ok := m.docs[id]
		if !ok {
			doc = map[string]interface{}{"_id": mustKeyValue(intent)}
			m.docs[id] = doc
		}
		for k, v := range intent.Fields {
			doc[k] = v
		}
		return nil

	case models.DocumentNested:
		return m.upsertNested(intent)

	case models.GraphNode:
		for _, e := range t.Edges {
			if target, ok := intent.Row[e.Column]; ok && target != nil {
				if _, exists := m.nodes[nodeKey(e.TargetLabel, target)]; !exists {
					return fmt.Errorf("%w: %s %v", ErrEndpointMissing, e.TargetLabel, target)
				}
			}
		}
		key := nodeKey(t.Label, intent.Key)
		node, ok := m.nodes[key]
		if !ok {
			node = map[string]interface{}{graphKeyProperty(t): mustKeyValue(intent)}
			m.nodes[key] = node
		}
		for k, v := range intent.Fields {
			node[k] = v
		}
		for _, e := range t.Edges {
			edgeID := key + "-" + e.Type
			if target, ok := intent.Row[e.Column]; ok && target != nil {
				m.edges[edgeID] = memoryEdge{from: key, to: nodeKey(e.TargetLabel, target)}
			} else {
				delete(m.edges, edgeID)
			}
		}
		return nil

	case models.GraphEdge:
		from, okFrom := intent.Row[t.From.Column]
		to, okTo := intent.Row[t.To.Column]
		if !okFrom || !okTo {
			return fmt.Errorf("%w: %s row lacks endpoint columns", ErrEndpointMissing, intent.Table)
		}
		fromKey, toKey := nodeKey(t.From.Label, from), nodeKey(t.To.Label, to)
		if _, ok := m.nodes[fromKey]; !ok {
			return fmt.Errorf("%w: %s", ErrEndpointMissing, fromKey)
		}
		if _, ok := m.nodes[toKey]; !ok {
			return fmt.Errorf("%w: %s", ErrEndpointMissing, toKey)
		}
		m.edges[t.EdgeType+"/"+intent.Key] = memoryEdge{from: fromKey, to: toKey, props: models.CopyRow(intent.Fields)}
		return nil

	case models.KVFlatten:
		m.flat[flatKey(t, intent.Table, intent.Key)] = kvValue(t, intent.Fields)
		return nil

	default:
		m.flat[flatKey(t, intent.Table, intent.Key)] = models.CopyRow(intent.Fields)
		return nil
	}
}

func (m *Memory) Delete(ctx context.Context, intent models.WriteIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		if err := m.Fail(intent); err != nil {
			return err
		}
	}

	t := intent.Transform
	switch t.Kind {
	case models.DocumentRoot:
		delete(m.docs, intent.Key)
	case models.DocumentNested:
		for _, doc := range m.docs {
			removeNested(doc, t.Path, intent.Key)
		}
	case models.GraphNode:
		key := nodeKey(t.Label, intent.Key)
		delete(m.nodes, key)
		for id, e := range m.edges {
			if e.from == key || e.to == key {
				delete(m.edges, id)
			}
		}
	case models.GraphEdge:
		delete(m.edges, t.EdgeType+"/"+intent.Key)
	default:
		delete(m.flat, flatKey(t, intent.Table, intent.Key))
	}
	return nil
}

func (m *Memory) Project(_ context.Context, t models.Transform, table models.Table, key string) (map[string]interface{}, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch t.Kind {
	case models.DocumentRoot:
		doc, ok := m.docs[key]
		if !ok {
			return nil, false, nil
		}
		return deepCopy(doc), true, nil

	case models.DocumentNested:
		ids := make([]string, 0, len(m.docs))
		for id := range m.docs {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			if el := findNested(m.docs[id], t.Path, key); el != nil {
				return deepCopy(el), true, nil
			}
		}
		return nil, false, nil

	case models.GraphNode:
		nk := nodeKey(t.Label, key)
		node, ok := m.nodes[nk]
		if !ok {
			return nil, false, nil
		}
		out := models.CopyRow(node)
		for _, e := range t.Edges {
			if edge, ok := m.edges[nk+"-"+e.Type]; ok {
				out[e.Type] = m.nodes[edge.to][targetKeyProperty(e)]
			}
		}
		return out, true, nil

	case models.GraphEdge:
		edge, ok := m.edges[t.EdgeType+"/"+key]
		if !ok {
			return nil, false, nil
		}
		out := models.CopyRow(edge.props)
		out[t.From.Column] = m.nodes[edge.from][endpointKeyProperty(t.From)]
		out[t.To.Column] = m.nodes[edge.to][endpointKeyProperty(t.To)]
		return out, true, nil

	default:
		v, ok := m.flat[flatKey(t, table, key)]
		if !ok {
			return nil, false, nil
		}
		return models.CopyRow(v), true, nil
	}
}

func (m *Memory) upsertNested(intent models.WriteIntent) error {
	t := intent.Transform
	refs, err := nestedRefs(intent)
	if err != nil {
		return err
	}

	doc, ok := m.docs[models.KeyString(refs[0])]
	if !ok {
		return fmt.Errorf("%w: root %v", ErrParentMissing, refs[0])
	}
	parent := doc
	for i, ancestor := range refs[1:] {
		parent = findIn(parent[t.Path[i]], models.KeyString(ancestor))
		if parent == nil {
			return fmt.Errorf("%w: %s %v", ErrParentMissing, t.Path[i], ancestor)
		}
	}

	field := t.Path[len(t.Path)-1]
	el := findIn(parent[field], intent.Key)
	if el == nil {
		for _, d := range m.docs {
			if removed := removeNested(d, t.Path, intent.Key); removed != nil {
				el = removed
			}
		}
		if el == nil {
			el = map[string]interface{}{"_id": mustKeyValue(intent)}
		}
		list, _ := parent[field].([]interface{})
		parent[field] = append(list, el)
	}
	for k, v := range intent.Fields {
		el[k] = v
	}
	return nil
}

func findIn(list interface{}, id string) map[string]interface{} {
	items, _ := list.([]interface{})
	for _, item := range items {
		if el, ok := item.(map[string]interface{}); ok && models.KeyString(el["_id"]) == id {
			return el
		}
	}
	return nil
}

func findNested(node map[string]interface{}, path []string, id string) map[string]interface{} {
	items, _ := node[path[0]].([]interface{})
	for _, item := range items {
		el, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if len(path) == 1 {
			if models.KeyString(el["_id"]) == id {
				return el
			}
			continue
		}
		if found := findNested(el, path[1:], id); found != nil {
			return found
		}
	}
	return nil
}

func removeNested(node map[string]interface{}, path []string, id string) map[string]interface{} {
	items, _ := node[path[0]].([]interface{})
	var removed map[string]interface{}
	if len(path) == 1 {
		kept := items[:0:0]
		for _, item := range items {
			if el, ok := item.(map[string]interface{}); ok && models.KeyString(el["_id"]) == id {
				removed = el
				continue
			}
			kept = append(kept, item)
		}
		if len(kept) != len(items) {
			node[path[0]] = kept
		}
		return removed
	}
	for _, item := range items {
		if el, ok := item.(map[string]interface{}); ok {
			if r := removeNested(el, path[1:], id); r != nil {
				removed = r
			}
		}
	}
	return removed
}

func deepCopy(v map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(v))
	for k, val := range v {
		switch typed := val.(type) {
		case map[string]interface{}:
			out[k] = deepCopy(typed)
		case []interface{}:
			list := make([]interface{}, len(typed))
			for i, item := range typed {
				if m, ok := item.(map[string]interface{}); ok {
					list[i] = deepCopy(m)
				} else {
					list[i] = item
				}
			}
			out[k] = list
		default:
			out[k] = val
		}
	}
	return out
}

func mustKeyValue(intent models.WriteIntent) interface{} {
	v, err := keyValue(intent.Table, intent.Key)
	if err != nil {
		return intent.Key
	}
	return v
}
