package sink

import (
	"fmt"
	"regexp"

	"cdc-fanout/internal/models"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// quoteIdentifier validates a label, relationship type or property name
// taken from configuration and quotes it for Cypher.
func quoteIdentifier(name string) (string, error) {
	if !identifierPattern.MatchString(name) {
		return "", fmt.Errorf("invalid identifier %q", name)
	}
	return "`" + name + "`", nil
}

func keyValue(table models.Table, key string) (interface{}, error) {
	schema, err := models.SchemaFor(table)
	if err != nil {
		return nil, err
	}
	return schema.KeyValue(key)
}

// nestedRefs returns the root document id followed by the id of every
// enclosing element of a nested intent.
func nestedRefs(intent models.WriteIntent) ([]interface{}, error) {
	refs := make([]interface{}, 0, len(intent.Transform.ParentRefs))
	for _, column := range intent.Transform.ParentRefs {
		v, ok := intent.Row[column]
		if !ok || v == nil {
			return nil, fmt.Errorf("%w: %s has no %s", ErrUnplaceable, intent.Ref(), column)
		}
		refs = append(refs, v)
	}
	if len(refs) == 0 || len(refs) != len(intent.Transform.Path) {
		return nil, fmt.Errorf("%w: %s transform has %d parent refs for a %d level path",
			ErrUnplaceable, intent.Ref(), len(refs), len(intent.Transform.Path))
	}
	return refs, nil
}

func graphKeyProperty(t models.Transform) string {
	if t.KeyProperty == "" {
		return "id"
	}
	return t.KeyProperty
}

func kvKey(t models.Transform, table models.Table, key string) string {
	prefix := t.KeyPrefix
	if prefix == "" {
		prefix = string(table) + ":"
	}
	return prefix + key
}

// kvValue is the stored value of a flattened row. It is marked orphaned
// when any of the transform's required fields is missing.
func kvValue(t models.Transform, fields map[string]interface{}) map[string]interface{} {
	value := models.CopyRow(fields)
	for _, f := range t.OrphanWhen {
		if v, ok := value[f]; !ok || v == nil {
			value["orphaned"] = true
			break
		}
	}
	return value
}

func searchIndex(t models.Transform, prefix string, table models.Table) string {
	if t.Index != "" {
		return t.Index
	}
	return prefix + string(table)
}
