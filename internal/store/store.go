// Package store persists whole-record snapshots (lifecycle, defensive mode,
// sound state). Records are always written as a complete JSON document so a
// reader never observes a partial update.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

const (
	KeyLifecycle     = "lifecycle"
	KeyDefensiveMode = "defensive_mode"
	KeySoundState    = "sound_state"
)

var ErrNotFound = errors.New("snapshot not found")

// Snapshots is the persistence contract used by the core components.
type Snapshots interface {
	// Load decodes the record stored under key into v. It returns false when
	// nothing has been stored yet.
	Load(ctx context.Context, key string, v any) (bool, error)
	Save(ctx context.Context, key string, v any) error
	Delete(ctx context.Context, key string) error
}

// Memory keeps snapshots in process memory. It is used by tests and by the
// agent when no durable store is configured.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Load(_ context.Context, key string, v any) (bool, error) {
	m.mu.RLock()
	raw, ok := m.data[key]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("decode snapshot %s: %w", key, err)
	}
	return true, nil
}

func (m *Memory) Save(_ context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", key, err)
	}
	m.mu.Lock()
	m.data[key] = raw
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

// Raw returns the stored bytes for key, mainly for inspection.
func (m *Memory) Raw(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	raw, ok := m.data[key]
	return raw, ok
}

// Put stores raw bytes as-is, bypassing encoding. Tests use it to seed legacy records.
func (m *Memory) Put(key string, raw []byte) {
	m.mu.Lock()
	m.data[key] = append([]byte(nil), raw...)
	m.mu.Unlock()
}
