package snapshot

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// Checker validates that the source database can feed the pipeline.
type Checker struct {
	db     *sql.DB
	schema string
	tables []string
	logger *logrus.Logger
}

// NewChecker creates a checker for the given tables of schema.
func NewChecker(db *sql.DB, schema string, tables []string, logger *logrus.Logger) *Checker {
	return &Checker{db: db, schema: schema, tables: tables, logger: logger}
}

// CheckConnectionAndPermissions verifies connectivity, logical decoding
// settings, the replication attribute and read access to every table.
func (c *Checker) CheckConnectionAndPermissions(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to PostgreSQL server: %w", err)
	}
	c.logger.Info("Successfully connected to PostgreSQL server")

	var walLevel string
	if err := c.db.QueryRowContext(ctx, "SHOW wal_level").Scan(&walLevel); err != nil {
		return fmt.Errorf("failed to read wal_level: %w", err)
	}
	if walLevel != "logical" {
		return fmt.Errorf("wal_level is %q, logical decoding requires 'logical'", walLevel)
	}
	c.logger.Info("wal_level is set to logical")

	var canReplicate bool
	err := c.db.QueryRowContext(ctx,
		"SELECT rolreplication OR rolsuper FROM pg_roles WHERE rolname = current_user").Scan(&canReplicate)
	if err != nil {
		return fmt.Errorf("failed to check replication attribute: %w", err)
	}
	if !canReplicate {
		return fmt.Errorf("current user lacks the REPLICATION attribute")
	}

	var maxSlots int
	if err := c.db.QueryRowContext(ctx, "SELECT current_setting('max_replication_slots')::int").Scan(&maxSlots); err != nil {
		c.logger.Warn("Could not verify max_replication_slots")
	} else if maxSlots == 0 {
		return fmt.Errorf("max_replication_slots is 0, at least one slot is required")
	}

	var missing []string
	for _, table := range c.tables {
		var ok bool
		qualified := c.schema + "." + table
		if err := c.db.QueryRowContext(ctx, "SELECT has_table_privilege($1, 'SELECT')", qualified).Scan(&ok); err != nil {
			return fmt.Errorf("failed to check SELECT on %s: %w", qualified, err)
		}
		if !ok {
			missing = append(missing, qualified)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing SELECT permission on: %s", strings.Join(missing, ", "))
	}

	c.logger.Info("All required permissions verified")
	return nil
}
