package snapshot

import (
	"context"
	"sort"
	"sync"

	"cdc-fanout/internal/models"
)

// Memory is an in-process Source. Scenario tests mutate it alongside the
// change log they feed to the pipeline.
type Memory struct {
	mu   sync.RWMutex
	rows map[models.Table]map[string]map[string]interface{}
}

func NewMemory() *Memory {
	return &Memory{rows: make(map[models.Table]map[string]map[string]interface{})}
}

// Put stores row under its primary key and returns that key.
func (m *Memory) Put(table models.Table, row map[string]interface{}) (string, error) {
	schema, err := models.SchemaFor(table)
	if err != nil {
		return "", err
	}
	row = models.NormalizeRow(row)
	key, err := schema.KeyFromRow(row)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rows[table] == nil {
		m.rows[table] = make(map[string]map[string]interface{})
	}
	m.rows[table][key] = row
	return key, nil
}

func (m *Memory) Delete(table models.Table, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows[table], key)
}

func (m *Memory) Row(_ context.Context, table models.Table, key string) (map[string]interface{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.rows[table][key]
	if !ok {
		return nil, ErrNotFound
	}
	return models.CopyRow(row), nil
}

func (m *Memory) Children(_ context.Context, table models.Table, column, parentKey string) ([]map[string]interface{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0)
	for key, row := range m.rows[table] {
		if v, ok := row[column]; ok && v != nil && models.KeyString(v) == parentKey {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	result := make([]map[string]interface{}, 0, len(keys))
	for _, key := range keys {
		result = append(result, models.CopyRow(m.rows[table][key]))
	}
	return result, nil
}

func (m *Memory) Scan(_ context.Context, table models.Table) ([]map[string]interface{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.rows[table]))
	for key := range m.rows[table] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	result := make([]map[string]interface{}, 0, len(keys))
	for _, key := range keys {
		result = append(result, models.CopyRow(m.rows[table][key]))
	}
	return result, nil
}
