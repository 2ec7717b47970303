package snapshot

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"cdc-fanout/internal/models"
)

// Postgres reads rows as JSON so column types survive without per-table
// scan code.
type Postgres struct {
	db     *sql.DB
	schema string
	logger *logrus.Logger
}

// NewPostgres opens a connection pool to dsn.
func NewPostgres(dsn, schema string, logger *logrus.Logger) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL connection: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	return NewPostgresFromDB(db, schema, logger), nil
}

// NewPostgresFromDB wraps an existing pool.
func NewPostgresFromDB(db *sql.DB, schema string, logger *logrus.Logger) *Postgres {
	if schema == "" {
		schema = "public"
	}
	return &Postgres{db: db, schema: schema, logger: logger}
}

func (p *Postgres) qualified(table models.Table) string {
	return pq.QuoteIdentifier(p.schema) + "." + pq.QuoteIdentifier(string(table))
}

func (p *Postgres) Row(ctx context.Context, table models.Table, key string) (map[string]interface{}, error) {
	schema, err := models.SchemaFor(table)
	if err != nil {
		return nil, err
	}
	keyValue, err := schema.KeyValue(key)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT row_to_json(t) FROM %s t WHERE %s = $1",
		p.qualified(table), pq.QuoteIdentifier(schema.KeyColumn))

	var raw []byte
	if err := p.db.QueryRowContext(ctx, query, keyValue).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read %s:%s: %w", table, key, err)
	}
	return decodeRow(raw)
}

func (p *Postgres) Children(ctx context.Context, table models.Table, column, parentKey string) ([]map[string]interface{}, error) {
	schema, err := models.SchemaFor(table)
	if err != nil {
		return nil, err
	}
	parent, ok := schema.Parents[column]
	if !ok {
		return nil, fmt.Errorf("%s.%s is not a parent reference", table, column)
	}
	parentSchema, err := models.SchemaFor(parent)
	if err != nil {
		return nil, err
	}
	parentValue, err := parentSchema.KeyValue(parentKey)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT row_to_json(t) FROM %s t WHERE %s = $1 ORDER BY %s",
		p.qualified(table), pq.QuoteIdentifier(column), pq.QuoteIdentifier(schema.KeyColumn))

	result, err := p.query(ctx, table, query, parentValue)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s children of %s: %w", table, parentKey, err)
	}
	p.logger.Debugf("Loaded %d %s rows with %s=%s", len(result), table, column, parentKey)
	return result, nil
}

// Scan reads the whole table. It backs full resynchronization after the
// change log lost entries.
func (p *Postgres) Scan(ctx context.Context, table models.Table) ([]map[string]interface{}, error) {
	schema, err := models.SchemaFor(table)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT row_to_json(t) FROM %s t ORDER BY %s",
		p.qualified(table), pq.QuoteIdentifier(schema.KeyColumn))

	result, err := p.query(ctx, table, query)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", table, err)
	}
	p.logger.Debugf("Scanned %d %s rows", len(result), table)
	return result, nil
}

func (p *Postgres) query(ctx context.Context, table models.Table, query string, args ...interface{}) ([]map[string]interface{}, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []map[string]interface{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", table, err)
		}
		row, err := decodeRow(raw)
		if err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s rows: %w", table, err)
	}
	return result, nil
}

// Close closes the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

func decodeRow(raw []byte) (map[string]interface{}, error) {
	var row map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&row); err != nil {
		return nil, fmt.Errorf("failed to decode row: %w", err)
	}
	return models.NormalizeRow(row), nil
}
