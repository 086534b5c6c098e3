// internal/rates/accessor.go
package rates

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"
)

// Accessor holds the last successfully loaded rate table. Readers get an immutable snapshot.
type Accessor struct {
	current atomic.Pointer[Table]
}

// NewAccessor returns an empty accessor.
func NewAccessor() *Accessor { return &Accessor{} }

// Snapshot returns the current table, or nil if none has been loaded.
func (a *Accessor) Snapshot() *Table {
	if a == nil {
		return nil
	}
	return a.current.Load()
}

// Store replaces the current table. A nil table is ignored so a failed refresh never
// clears the last good snapshot.
func (a *Accessor) Store(t *Table) {
	if t == nil {
		return
	}
	a.current.Store(t)
}

// LoadFile reads a rate document from disk.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rate file: %w", err)
	}
	t, err := Parse(data)
	if err != nil {
		return nil, err
	}
	t.FetchedAt = time.Now().UTC()
	return t, nil
}
