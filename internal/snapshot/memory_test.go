package snapshot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdc-fanout/internal/models"
)

func TestMemoryRowAndChildren(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	key, err := m.Put(models.Groups, map[string]interface{}{"id": 4, "group_name": "G-4", "id_department": 2})
	require.NoError(t, err)
	assert.Equal(t, "4", key)

	for _, num := range []string{"S-2", "S-1", "S-3"} {
		group := 4
		if num == "S-3" {
			group = 5
		}
		_, err := m.Put(models.Student, map[string]interface{}{"student_number": num, "id_group": group})
		require.NoError(t, err)
	}

	row, err := m.Row(ctx, models.Groups, "4")
	require.NoError(t, err)
	assert.Equal(t, "G-4", row["group_name"])
	assert.Equal(t, int64(2), row["id_department"])

	row["group_name"] = "mutated"
	again, err := m.Row(ctx, models.Groups, "4")
	require.NoError(t, err)
	assert.Equal(t, "G-4", again["group_name"])

	children, err := m.Children(ctx, models.Student, "id_group", "4")
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, "S-1", children[0]["student_number"])
	assert.Equal(t, "S-2", children[1]["student_number"])

	m.Delete(models.Groups, "4")
	_, err = m.Row(ctx, models.Groups, "4")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryPutRequiresKey(t *testing.T) {
	m := NewMemory()
	_, err := m.Put(models.Student, map[string]interface{}{"fullname": "No Number"})
	assert.Error(t, err)
}

func TestMemoryScan(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	rows, err := m.Scan(ctx, models.University)
	require.NoError(t, err)
	assert.Empty(t, rows)

	for _, id := range []int{3, 1, 2} {
		_, err := m.Put(models.University, map[string]interface{}{"id": id, "name": "U"})
		require.NoError(t, err)
	}
	m.Delete(models.University, "2")

	rows, err = m.Scan(ctx, models.University)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(1), rows[0]["id"])
	assert.Equal(t, int64(3), rows[1]["id"])

	rows[0]["name"] = "mutated"
	again, err := m.Scan(ctx, models.University)
	require.NoError(t, err)
	assert.Equal(t, "U", again[0]["name"])
}
