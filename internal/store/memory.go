package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used when no Redis URL is configured.
type MemoryStore struct {
	mu         sync.RWMutex
	maxRecords int
	records    map[string][]Record // site -> newest first
	byID       map[string]Record   // site + ":" + id
	counts     map[string]map[string]int64
}

// NewMemoryStore returns an empty store keeping at most maxRecords per site.
func NewMemoryStore(maxRecords int) *MemoryStore {
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}
	return &MemoryStore{
		maxRecords: maxRecords,
		records:    make(map[string][]Record),
		byID:       make(map[string]Record),
		counts:     make(map[string]map[string]int64),
	}
}

func (m *MemoryStore) Save(_ context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	list := append([]Record{*rec}, m.records[rec.Site]...)
	if len(list) > m.maxRecords {
		for _, dropped := range list[m.maxRecords:] {
			delete(m.byID, rec.Site+":"+dropped.ID)
		}
		list = list[:m.maxRecords]
	}
	m.records[rec.Site] = list
	m.byID[rec.Site+":"+rec.ID] = *rec

	counts, ok := m.counts[rec.Site]
	if !ok {
		counts = make(map[string]int64)
		m.counts[rec.Site] = counts
	}
	counts[CountTotal]++
	for _, k := range serverKinds(rec) {
		counts[k]++
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, site, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.byID[site+":"+id]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (m *MemoryStore) Recent(_ context.Context, site string, limit int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.records[site]
	if limit < 0 {
		limit = 0
	}
	if limit > len(list) {
		limit = len(list)
	}
	return append([]Record{}, list[:limit]...), nil
}

func (m *MemoryStore) KindCounts(_ context.Context, site string) (map[string]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]int64, len(m.counts[site]))
	for k, v := range m.counts[site] {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
