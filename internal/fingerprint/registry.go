package fingerprint

import (
	"context"
	"sync"
	"time"

	"github.com/adtruth/server/internal/logging"
)

// Registry defaults.
const (
	DefaultTTL           = 24 * time.Hour
	DefaultMaxEntries    = 100_000
	DefaultSweepInterval = 5 * time.Minute

	// maxIPsPerEntry caps the address set kept for one fingerprint. Counts
	// saturate there.
	maxIPsPerEntry = 1024
)

// Sighting summarises how often a fingerprint has been seen for a site and
// how many fingerprints the presenting address has shown.
type Sighting struct {
	FirstSeen      time.Time `json:"first_seen"`
	Count          int       `json:"count"`
	IPs            int       `json:"ips"`
	IPFingerprints int       `json:"ip_fingerprints"`
}

type entry struct {
	firstSeen time.Time
	lastSeen  time.Time
	count     int
	ips       map[string]struct{}
}

// Registry tracks which addresses present which fingerprints. One device
// hash behind many addresses, or many hashes behind one address, are both
// typical of rotated automation.
//
// Entries idle for longer than the TTL are swept, and the registry never
// holds more than its maximum number of fingerprints.
type Registry struct {
	mu         sync.Mutex
	now        func() time.Time
	ttl        time.Duration
	maxEntries int
	byKey      map[string]*entry              // site + ":" + hash
	byIP       map[string]map[string]struct{} // ip -> site + ":" + hash
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithTTL sets how long an unseen fingerprint is kept.
func WithTTL(ttl time.Duration) RegistryOption {
	return func(r *Registry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithMaxEntries bounds the number of tracked fingerprints.
func WithMaxEntries(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.maxEntries = n
		}
	}
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		now:        time.Now,
		ttl:        DefaultTTL,
		maxEntries: DefaultMaxEntries,
		byKey:      make(map[string]*entry),
		byIP:       make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record notes that ip presented hash on site and returns the updated
// sighting.
func (r *Registry) Record(site, hash, ip string) Sighting {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	key := site + ":" + hash
	e, ok := r.byKey[key]
	if !ok {
		if len(r.byKey) >= r.maxEntries {
			r.sweepLocked(now)
		}
		if len(r.byKey) >= r.maxEntries {
			r.evictOldestLocked()
		}
		e = &entry{firstSeen: now, ips: make(map[string]struct{})}
		r.byKey[key] = e
	}
	e.lastSeen = now
	e.count++

	if ip != "" {
		_, tracked := e.ips[ip]
		if !tracked && len(e.ips) < maxIPsPerEntry {
			e.ips[ip] = struct{}{}
			tracked = true
		}
		if tracked {
			keys, ok := r.byIP[ip]
			if !ok {
				keys = make(map[string]struct{})
				r.byIP[ip] = keys
			}
			keys[key] = struct{}{}
		}
	}

	return Sighting{
		FirstSeen:      e.firstSeen,
		Count:          e.count,
		IPs:            len(e.ips),
		IPFingerprints: len(r.byIP[ip]),
	}
}

// Len returns the number of tracked fingerprints.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byKey)
}

// Sweep drops fingerprints idle for longer than the TTL and returns how many
// were removed.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sweepLocked(r.now())
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				logging.Debug().Int("removed", n).Msg("fingerprint registry swept")
			}
		}
	}
}

func (r *Registry) sweepLocked(now time.Time) int {
	removed := 0
	for key, e := range r.byKey {
		if now.Sub(e.lastSeen) > r.ttl {
			r.removeLocked(key, e)
			removed++
		}
	}
	return removed
}

func (r *Registry) evictOldestLocked() {
	var (
		oldestKey string
		oldest    *entry
	)
	for key, e := range r.byKey {
		if oldest == nil || e.lastSeen.Before(oldest.lastSeen) {
			oldestKey, oldest = key, e
		}
	}
	if oldest != nil {
		r.removeLocked(oldestKey, oldest)
	}
}

func (r *Registry) removeLocked(key string, e *entry) {
	delete(r.byKey, key)
	for ip := range e.ips {
		keys := r.byIP[ip]
		delete(keys, key)
		if len(keys) == 0 {
			delete(r.byIP, ip)
		}
	}
}
