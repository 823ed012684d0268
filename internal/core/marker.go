package core

import (
	"sync"
	"time"
)

// HistoryMarker is the last mailbox history id the consumer has fully processed.
// It only moves forward.
type HistoryMarker struct {
	mu        sync.Mutex
	value     uint64
	updatedAt time.Time
}

// NewHistoryMarker creates a marker starting at initial
func NewHistoryMarker(initial uint64) *HistoryMarker {
	return &HistoryMarker{value: initial, updatedAt: time.Now()}
}

// Current returns the marker value
func (m *HistoryMarker) Current() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value
}

// Initialize sets the marker if it has never been set
func (m *HistoryMarker) Initialize(v uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.value != 0 || v == 0 {
		return false
	}
	m.value = v
	m.updatedAt = time.Now()
	return true
}

// Advance moves the marker forward to v; smaller values are ignored
func (m *HistoryMarker) Advance(v uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v <= m.value {
		return false
	}
	m.value = v
	m.updatedAt = time.Now()
	return true
}

// UpdatedAt returns when the marker last changed
func (m *HistoryMarker) UpdatedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updatedAt
}
