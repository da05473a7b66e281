package fingerprint

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var first = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func at(r *Registry, t time.Time) {
	r.now = func() time.Time { return t }
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	at(r, first)

	s := r.Record("site-a", "h1", "10.0.0.1")
	assert.Equal(t, Sighting{FirstSeen: first, Count: 1, IPs: 1, IPFingerprints: 1}, s)

	at(r, first.Add(time.Hour))
	r.Record("site-a", "h1", "10.0.0.2")
	s = r.Record("site-a", "h1", "10.0.0.2")
	assert.Equal(t, first, s.FirstSeen)
	assert.Equal(t, 3, s.Count)
	assert.Equal(t, 2, s.IPs)
	assert.Equal(t, 1, s.IPFingerprints)

	// One address rotating through device hashes.
	s = r.Record("site-a", "h2", "10.0.0.1")
	assert.Equal(t, 1, s.IPs)
	assert.Equal(t, 2, s.IPFingerprints)

	s = r.Record("site-b", "h1", "10.0.0.9")
	assert.Equal(t, 1, s.Count)
	assert.Equal(t, 1, s.IPs)
	assert.Equal(t, 3, r.Len())
}

func TestRegistry_EmptyIP(t *testing.T) {
	r := NewRegistry()
	s := r.Record("site-a", "h1", "")
	assert.Equal(t, 1, s.Count)
	assert.Zero(t, s.IPs)
	assert.Zero(t, s.IPFingerprints)
}

func TestRegistry_SweepDropsIdleEntries(t *testing.T) {
	r := NewRegistry(WithTTL(time.Hour))
	at(r, first)
	r.Record("site-a", "stale", "10.0.0.1")

	at(r, first.Add(50*time.Minute))
	r.Record("site-a", "fresh", "10.0.0.1")

	at(r, first.Add(90*time.Minute))
	assert.Equal(t, 1, r.Sweep())
	assert.Equal(t, 1, r.Len())

	// The address index forgets the swept hash too.
	s := r.Record("site-a", "fresh", "10.0.0.1")
	assert.Equal(t, 1, s.IPFingerprints)

	s = r.Record("site-a", "stale", "10.0.0.1")
	assert.Equal(t, 1, s.Count)
	assert.Equal(t, first.Add(90*time.Minute), s.FirstSeen)
}

func TestRegistry_MaxEntriesEvictsLeastRecent(t *testing.T) {
	r := NewRegistry(WithMaxEntries(3), WithTTL(24*time.Hour))
	for i := 0; i < 3; i++ {
		at(r, first.Add(time.Duration(i)*time.Minute))
		r.Record("site-a", fmt.Sprintf("h%d", i), "10.0.0.1")
	}

	// Touch h0 so h1 becomes the least recently seen.
	at(r, first.Add(10*time.Minute))
	r.Record("site-a", "h0", "10.0.0.1")

	at(r, first.Add(11*time.Minute))
	s := r.Record("site-a", "h3", "10.0.0.2")
	assert.Equal(t, 1, s.Count)
	assert.Equal(t, 3, r.Len())

	// h1 was evicted and starts over; h0 survived.
	s = r.Record("site-a", "h1", "10.0.0.3")
	assert.Equal(t, 1, s.Count)
	s = r.Record("site-a", "h0", "10.0.0.1")
	assert.Equal(t, 3, s.Count)
}

func TestRegistry_MaxEntriesPrefersSweep(t *testing.T) {
	r := NewRegistry(WithMaxEntries(2), WithTTL(time.Minute))
	at(r, first)
	r.Record("site-a", "old-1", "10.0.0.1")
	r.Record("site-a", "old-2", "10.0.0.1")

	at(r, first.Add(time.Hour))
	r.Record("site-a", "new", "10.0.0.1")
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_IPSetIsCapped(t *testing.T) {
	r := NewRegistry()
	var s Sighting
	for i := 0; i < maxIPsPerEntry+10; i++ {
		s = r.Record("site-a", "shared", fmt.Sprintf("10.%d.%d.1", i/256, i%256))
	}
	assert.Equal(t, maxIPsPerEntry, s.IPs)
	assert.Equal(t, maxIPsPerEntry+10, s.Count)
	assert.Zero(t, s.IPFingerprints)
}

func TestRegistry_RunStopsWithContext(t *testing.T) {
	r := NewRegistry(WithTTL(time.Millisecond))
	r.Record("site-a", "h1", "10.0.0.1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
