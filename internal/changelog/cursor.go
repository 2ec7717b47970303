package changelog

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Cursor persists the last acknowledged stream position as "stream:seq".
type Cursor struct {
	path   string
	stream string
}

// NewCursor returns a cursor stored at path. An empty path disables
// persistence.
func NewCursor(path, stream string) *Cursor {
	return &Cursor{path: path, stream: stream}
}

// Load returns the saved position, or 0 when none was saved.
func (c *Cursor) Load() (uint64, error) {
	if c.path == "" {
		return 0, nil
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read cursor: %w", err)
	}

	posStr := strings.TrimSpace(string(data))
	if posStr == "" {
		return 0, nil
	}
	lastColon := strings.LastIndex(posStr, ":")
	if lastColon < 0 {
		return 0, fmt.Errorf("malformed cursor %q", posStr)
	}
	if name := posStr[:lastColon]; name != c.stream {
		return 0, fmt.Errorf("cursor belongs to stream %q, not %q", name, c.stream)
	}
	seq, err := strconv.ParseUint(posStr[lastColon+1:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed cursor %q: %w", posStr, err)
	}
	return seq, nil
}

// Save writes the position atomically.
func (c *Cursor) Save(seq uint64) error {
	if c.path == "" {
		return nil
	}
	tmp := c.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	if err := os.WriteFile(tmp, []byte(fmt.Sprintf("%s:%d", c.stream, seq)), 0o644); err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}
