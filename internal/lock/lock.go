// Package lock serializes work per defect.
package lock

import (
	"sync"

	"patchverify/internal/domain"
)

// Table hands out one mutex per defect. Entries are created on first use
// and kept for the life of the process.
type Table struct {
	mu    sync.Mutex
	locks map[domain.DefectID]*sync.Mutex
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{locks: map[domain.DefectID]*sync.Mutex{}}
}

func (t *Table) get(id domain.DefectID) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.locks == nil {
		t.locks = map[domain.DefectID]*sync.Mutex{}
	}
	m, ok := t.locks[id]
	if !ok {
		m = &sync.Mutex{}
		t.locks[id] = m
	}
	return m
}

// Lock blocks until the defect's lock is held and returns its release func.
func (t *Table) Lock(id domain.DefectID) (unlock func()) {
	m := t.get(id)
	m.Lock()
	return m.Unlock
}

// Len is the number of defects seen so far.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
