// Package session issues the session and visitor identifiers attached to
// every submission.
package session

import (
	"sync"

	"github.com/google/uuid"

	"github.com/adtruth/server/internal/logging"
)

// Storage keys.
const (
	SessionKey = "_adtruth_session"
	VisitorKey = "_adtruth_visitor"
)

// Storage is a string key-value store owned by the host, such as the
// browser's session or local storage. Either method may fail.
type Storage interface {
	Get(key string) (string, error)
	Set(key, value string) error
}

// NewID returns a random identifier.
func NewID() string {
	return uuid.NewString()
}

// GetOrCreate returns the identifier stored under key, creating and storing
// one if absent. Any storage failure degrades to a fresh, unstored id.
func GetOrCreate(st Storage, key string) string {
	if st == nil {
		return NewID()
	}

	id, err := st.Get(key)
	if err != nil {
		logging.Debug().Err(err).Str("key", key).Msg("session storage unavailable")
		return NewID()
	}
	if id != "" {
		return id
	}

	id = NewID()
	if err := st.Set(key, id); err != nil {
		logging.Debug().Err(err).Str("key", key).Msg("session storage unavailable")
	}
	return id
}

// SessionID returns the per-session id held in st.
func SessionID(st Storage) string {
	return GetOrCreate(st, SessionKey)
}

// VisitorID returns the persistent visitor id, trying each store in order
// before falling back to a fresh id.
func VisitorID(stores ...Storage) string {
	for _, st := range stores {
		if st == nil {
			continue
		}
		id, err := st.Get(VisitorKey)
		if err != nil {
			continue
		}
		if id != "" {
			return id
		}
		id = NewID()
		if err := st.Set(VisitorKey, id); err != nil {
			continue
		}
		return id
	}
	return NewID()
}

// MemoryStorage is a Storage backed by a map.
type MemoryStorage struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemoryStorage returns an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{data: make(map[string]string)}
}

func (m *MemoryStorage) Get(key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data[key], nil
}

func (m *MemoryStorage) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}
