// Package catalog resolves table names and remembers COPY deduplication
// labels.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sandboxws/isotope/query/pkg/storage"
)

// ErrTableNotFound is returned for unknown tables.
var ErrTableNotFound = errors.New("catalog: table not found")

// ErrTableExists is returned when registering a name twice.
var ErrTableExists = errors.New("catalog: table already exists")

// Catalog looks tables up by database and name.
type Catalog interface {
	GetTable(ctx context.Context, database, name string) (storage.Table, error)
}

// Labels stores the deduplication labels of committed statements.
type Labels interface {
	HasLabel(ctx context.Context, label string) (bool, error)
	PutLabel(ctx context.Context, label string) error
}

// Memory is an in-process Catalog and Labels store.
type Memory struct {
	mu     sync.RWMutex
	tables map[string]storage.Table
	labels map[string]struct{}
}

// NewMemory returns an empty catalog.
func NewMemory() *Memory {
	return &Memory{
		tables: make(map[string]storage.Table),
		labels: make(map[string]struct{}),
	}
}

func key(database, name string) string {
	return strings.ToLower(database) + "." + strings.ToLower(name)
}

// Register adds t under database.
func (m *Memory) Register(database string, t storage.Table) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(database, t.Name())
	if _, ok := m.tables[k]; ok {
		return fmt.Errorf("%s: %w", k, ErrTableExists)
	}
	m.tables[k] = t
	return nil
}

// GetTable implements Catalog.
func (m *Memory) GetTable(_ context.Context, database, name string) (storage.Table, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tables[key(database, name)]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key(database, name), ErrTableNotFound)
	}
	return t, nil
}

// HasLabel implements Labels.
func (m *Memory) HasLabel(_ context.Context, label string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.labels[label]
	return ok, nil
}

// PutLabel implements Labels.
func (m *Memory) PutLabel(_ context.Context, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.labels[label] = struct{}{}
	return nil
}
