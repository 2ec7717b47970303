package router

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdc-fanout/internal/config"
	"cdc-fanout/internal/models"
)

func TestTransformerRules(t *testing.T) {
	tr, err := NewTransformer(&config.RuleConfig{
		Exclude:   []string{"Password"},
		Rename:    map[string]string{"id_department": "department_id"},
		AddFields: map[string]string{"source": "postgres"},
	}, "", logrus.New())
	require.NoError(t, err)

	out, err := tr.Apply(models.Groups, models.Update, "1", map[string]interface{}{
		"id": int64(1), "password": "x", "id_department": int64(2),
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{
		"id": int64(1), "department_id": int64(2), "source": "postgres",
	}, out)
}

func TestTransformerPassThroughCopies(t *testing.T) {
	tr, err := NewTransformer(nil, "", logrus.New())
	require.NoError(t, err)

	row := map[string]interface{}{"a": int64(1)}
	out, err := tr.Apply(models.Course, models.Create, "1", row)
	require.NoError(t, err)
	out["a"] = int64(2)
	assert.Equal(t, int64(1), row["a"])
}

func TestTransformerScriptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transform.js")
	require.NoError(t, os.WriteFile(path, []byte(`
function transform(input) {
	console.debug("shaping", input.table, input.key);
	return { key: input.key, op: input.op, n: input.row.n + 1 };
}`), 0o644))

	tr, err := NewTransformer(nil, path, logrus.New())
	require.NoError(t, err)

	out, err := tr.Apply(models.Lecture, models.Update, "5", map[string]interface{}{"n": int64(41)})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"key": "5", "op": "update", "n": int64(42)}, out)
}

func TestTransformerScriptValidation(t *testing.T) {
	_, err := newScriptTransformer(`var x = 1;`, logrus.New())
	assert.Error(t, err)

	_, err = newScriptTransformer(`(function(`, logrus.New())
	assert.Error(t, err)

	_, err = NewTransformer(nil, filepath.Join(t.TempDir(), "missing.js"), logrus.New())
	assert.Error(t, err)
}

func TestTransformerScriptMustReturnObject(t *testing.T) {
	tr, err := newScriptTransformer(`(function(input) { return 42; })`, logrus.New())
	require.NoError(t, err)
	_, err = tr.Apply(models.Course, models.Create, "1", map[string]interface{}{})
	assert.Error(t, err)
}

func TestValidateRules(t *testing.T) {
	assert.NoError(t, ValidateRules(nil))
	assert.Error(t, ValidateRules(&config.RuleConfig{Include: []string{"a"}, Exclude: []string{"b"}}))
	assert.Error(t, ValidateRules(&config.RuleConfig{Include: []string{"a"}, Rename: map[string]string{"b": "c"}}))
	assert.NoError(t, ValidateRules(&config.RuleConfig{Include: []string{"A"}, Rename: map[string]string{"a": "c"}}))
}
