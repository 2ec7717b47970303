package models

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// NormalizeRow converts decoded column values into the canonical Go types
// used across the pipeline: integral numbers become int64, other numbers
// float64, byte slices strings. The input map is not modified.
func NormalizeRow(row map[string]interface{}) map[string]interface{} {
	if row == nil {
		return nil
	}
	out := make(map[string]interface{}, len(row))
	for k, v := range row {
		out[k] = Normalize(v)
	}
	return out
}

// Normalize converts a single value, recursing into maps and slices.
func Normalize(v interface{}) interface{} {
	switch val := v.(type) {
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return n
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case float64:
		if math.Abs(val) < 1<<53 && val == math.Trunc(val) {
			return int64(val)
		}
		return val
	case float32:
		return Normalize(float64(val))
	case int:
		return int64(val)
	case int32:
		return int64(val)
	case int16:
		return int64(val)
	case int8:
		return int64(val)
	case uint32:
		return int64(val)
	case uint16:
		return int64(val)
	case uint8:
		return int64(val)
	case []byte:
		return string(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case map[string]interface{}:
		return NormalizeRow(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, e := range val {
			out[i] = Normalize(e)
		}
		return out
	default:
		return v
	}
}

// KeyString renders a key column value in its canonical string form.
func KeyString(v interface{}) string {
	switch val := Normalize(v).(type) {
	case string:
		return val
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprint(val)
	}
}

// CopyRow returns a shallow copy of a row.
func CopyRow(row map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}
