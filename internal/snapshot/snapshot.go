// Package snapshot reads current rows from the system of record. The router
// uses it for enrichment lookups, dependent refreshes and gap resyncs.
package snapshot

import (
	"context"
	"errors"

	"cdc-fanout/internal/models"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("row not found")

// Source is a read-only view of the source tables.
type Source interface {
	// Row returns the current row of table identified by key.
	Row(ctx context.Context, table models.Table, key string) (map[string]interface{}, error)
	// Children returns the rows of table whose column equals parentKey.
	Children(ctx context.Context, table models.Table, column, parentKey string) ([]map[string]interface{}, error)
	// Scan returns every row of table ordered by key.
	Scan(ctx context.Context, table models.Table) ([]map[string]interface{}, error)
}
