package collector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adtruth/server/internal/attribution"
	"github.com/adtruth/server/internal/behavior"
	"github.com/adtruth/server/internal/detection"
	"github.com/adtruth/server/internal/fingerprint"
)

type sent struct {
	final   bool
	payload Payload
}

type fakeSubmitter struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (f *fakeSubmitter) record(final bool, body []byte) error {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{final: final, payload: p})
	return f.err
}

func (f *fakeSubmitter) Send(_ context.Context, body []byte) error {
	return f.record(false, body)
}

func (f *fakeSubmitter) SendFinal(_ context.Context, body []byte) error {
	return f.record(true, body)
}

func (f *fakeSubmitter) all() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sent...)
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testVisit() Visit {
	fp := fingerprint.New(fingerprint.Details{Screen: "390x844x32", Timezone: "UTC"})
	return Visit{
		SessionID:   "session-1",
		VisitorID:   "visitor-1",
		Page:        Page{URL: "https://shop.example.com/?utm_source=google&gclid=g1"},
		Attribution: attribution.Parse("https://shop.example.com/?utm_source=google&gclid=g1"),
		Fingerprint: &fp,
	}
}

func newTestCollector(sub Submitter, cfg Config, clockAt time.Time) (*Collector, *behavior.Sampler) {
	s := behavior.NewSampler(behavior.WithLoadTime(epoch))
	c := New(s, detection.NewCatalogue(detection.DefaultThresholds()), sub, testVisit(), cfg,
		WithClock(func() time.Time { return clockAt }))
	return c, s
}

func TestFinalize_AtMostOnce(t *testing.T) {
	sub := &fakeSubmitter{}
	c, _ := newTestCollector(sub, DefaultConfig(), epoch.Add(12*time.Second))

	assert.True(t, c.Finalize(context.Background()))
	assert.False(t, c.Finalize(context.Background()))
	assert.True(t, c.Submitted())

	got := sub.all()
	require.Len(t, got, 1)
	assert.True(t, got[0].final)
	assert.Equal(t, EventFinal, got[0].payload.EventType)
}

func TestFinalize_ConcurrentCallers(t *testing.T) {
	sub := &fakeSubmitter{}
	c, _ := newTestCollector(sub, DefaultConfig(), epoch.Add(time.Second))

	var wg sync.WaitGroup
	wins := make(chan bool, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wins <- c.Finalize(context.Background())
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for w := range wins {
		if w {
			won++
		}
	}
	assert.Equal(t, 1, won)
	assert.Len(t, sub.all(), 1)
}

func TestFinalize_PayloadContents(t *testing.T) {
	sub := &fakeSubmitter{}
	c, _ := newTestCollector(sub, DefaultConfig(), epoch.Add(12*time.Second))

	require.True(t, c.Finalize(context.Background()))

	p := sub.all()[0].payload
	assert.Equal(t, "session-1", p.SessionID)
	assert.Equal(t, "visitor-1", p.VisitorID)
	require.NotNil(t, p.UTM.Source)
	assert.Equal(t, "google", *p.UTM.Source)
	require.NotNil(t, p.ClickIDs.GCLID)
	require.NotNil(t, p.Fingerprint)
	assert.False(t, p.Challenged)
	assert.Equal(t, epoch.Add(12*time.Second).UnixMilli(), p.Timestamp)
	assert.Equal(t, int64(12_000), p.BehavioralFeatures.TimeOnPageMs)

	// 12s with nothing recorded is a ghost visit.
	require.Len(t, p.Impossibilities, 1)
	assert.Equal(t, detection.KindZeroInteraction, p.Impossibilities[0].Kind)
	assert.InDelta(t, 0.9, p.FraudScore, 1e-9)
}

func TestFinalize_DisposesSampler(t *testing.T) {
	sub := &fakeSubmitter{}
	c, s := newTestCollector(sub, DefaultConfig(), epoch.Add(time.Second))

	require.True(t, c.Finalize(context.Background()))
	s.RecordClickAt(epoch.Add(2 * time.Second))
	assert.Zero(t, s.Snapshot(epoch.Add(3*time.Second)).ClickCount)
}

func TestFinalize_SubmitErrorIsSwallowed(t *testing.T) {
	sub := &fakeSubmitter{err: errors.New("network down")}
	c, _ := newTestCollector(sub, DefaultConfig(), epoch.Add(time.Second))

	assert.True(t, c.Finalize(context.Background()))
	assert.False(t, c.Finalize(context.Background()))
}

func TestCollectionWindow(t *testing.T) {
	sub := &fakeSubmitter{}
	c, s := newTestCollector(sub, Config{CollectionWindow: 20 * time.Millisecond}, epoch.Add(15*time.Second))

	c.Start(context.Background())
	require.Eventually(t, func() bool { return len(sub.all()) == 1 }, time.Second, 5*time.Millisecond)
	c.Stop()
	assert.True(t, c.Submitted())

	// The window flush retires the sampler just like the unload flush.
	s.RecordClickAt(epoch.Add(16 * time.Second))
	assert.Zero(t, s.Snapshot(epoch.Add(17*time.Second)).ClickCount)

	got := sub.all()
	require.Len(t, got, 1)
	assert.False(t, got[0].final)
	assert.Equal(t, EventWindow, got[0].payload.EventType)

	assert.False(t, c.Finalize(context.Background()))
	assert.Len(t, sub.all(), 1)
}

func TestPeriodicUpdates(t *testing.T) {
	sub := &fakeSubmitter{}
	c, _ := newTestCollector(sub, Config{
		CollectionWindow: time.Hour,
		PeriodicUpdates:  true,
		UpdateInterval:   10 * time.Millisecond,
	}, epoch.Add(time.Second))

	c.Start(context.Background())
	require.Eventually(t, func() bool { return len(sub.all()) >= 2 }, time.Second, 5*time.Millisecond)

	require.True(t, c.Finalize(context.Background()))
	c.Stop()

	finals := 0
	for _, s := range sub.all() {
		if s.final {
			finals++
			assert.Equal(t, EventFinal, s.payload.EventType)
			continue
		}
		assert.Equal(t, EventPeriodic, s.payload.EventType)
	}
	assert.Equal(t, 1, finals)
}

func TestStop_Idempotent(t *testing.T) {
	sub := &fakeSubmitter{}
	c, _ := newTestCollector(sub, Config{CollectionWindow: time.Hour}, epoch)

	c.Stop()
	c.Start(context.Background())
	c.Stop()
	c.Stop()

	assert.Empty(t, sub.all())
	assert.False(t, c.Submitted())
}

func TestStart_ContextCancel(t *testing.T) {
	sub := &fakeSubmitter{}
	c, _ := newTestCollector(sub, Config{CollectionWindow: time.Hour}, epoch)

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		c.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("collector did not stop after context cancel")
	}
}
