package snapshot

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdc-fanout/internal/models"
)

// openTestDB connects to the database named by CDC_TEST_POSTGRES_DSN or
// skips the test.
func openTestDB(t *testing.T) *sql.DB {
	dsn := os.Getenv("CDC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CDC_TEST_POSTGRES_DSN is not set")
	}
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPostgresRowAndChildren(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.ExecContext(ctx, `
		CREATE SCHEMA IF NOT EXISTS snapshot_test;
		DROP TABLE IF EXISTS snapshot_test.student;
		DROP TABLE IF EXISTS snapshot_test.groups;
		CREATE TABLE snapshot_test.groups (id int PRIMARY KEY, group_name text, id_department int);
		CREATE TABLE snapshot_test.student (student_number text PRIMARY KEY, fullname text, id_group int);
		INSERT INTO snapshot_test.groups VALUES (1, 'G-1', 10);
		INSERT INTO snapshot_test.student VALUES ('S-2', 'Bob', 1), ('S-1', 'Ann', 1);`)
	require.NoError(t, err)

	p := NewPostgresFromDB(db, "snapshot_test", logrus.New())

	row, err := p.Row(ctx, models.Groups, "1")
	require.NoError(t, err)
	assert.Equal(t, "G-1", row["group_name"])
	assert.Equal(t, int64(10), row["id_department"])

	_, err = p.Row(ctx, models.Groups, "2")
	assert.ErrorIs(t, err, ErrNotFound)

	students, err := p.Children(ctx, models.Student, "id_group", "1")
	require.NoError(t, err)
	require.Len(t, students, 2)
	assert.Equal(t, "S-1", students[0]["student_number"])

	_, err = p.Children(ctx, models.Student, "fullname", "1")
	assert.Error(t, err)

	all, err := p.Scan(ctx, models.Student)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "S-1", all[0]["student_number"])
	assert.Equal(t, "S-2", all[1]["student_number"])
}
