// Package collector drives ground-truth collection for one page visit. It
// evaluates the sampler when the collection window closes, optionally on a
// periodic schedule before that, and one last time when the page unloads,
// and hands each payload to a Submitter.
//
// The final evaluation happens at most once: whichever of the window timer
// and Finalize gets there first wins, and the other becomes a no-op.
package collector

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/adtruth/server/internal/behavior"
	"github.com/adtruth/server/internal/detection"
	"github.com/adtruth/server/internal/logging"
	"github.com/adtruth/server/internal/metrics"
)

// Submitter delivers an encoded payload. SendFinal is used for the unload
// flush.
type Submitter interface {
	Send(ctx context.Context, payload []byte) error
	SendFinal(ctx context.Context, payload []byte) error
}

// Config controls collection timing.
type Config struct {
	CollectionWindow time.Duration
	PeriodicUpdates  bool
	UpdateInterval   time.Duration
}

// DefaultConfig returns a 15s window with periodic updates disabled.
func DefaultConfig() Config {
	return Config{
		CollectionWindow: 15 * time.Second,
		PeriodicUpdates:  false,
		UpdateInterval:   30 * time.Second,
	}
}

// Collector owns the submission schedule for one sampler.
type Collector struct {
	sampler   *behavior.Sampler
	catalogue *detection.Catalogue
	submitter Submitter
	visit     Visit
	cfg       Config
	clock     func() time.Time
	log       zerolog.Logger

	started   atomic.Bool
	submitted atomic.Bool
	stopOnce  sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

// Option configures a Collector.
type Option func(*Collector)

// WithClock overrides the time source used for snapshots and timestamps.
func WithClock(clock func() time.Time) Option {
	return func(c *Collector) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// New wires a collector. Nothing runs until Start.
func New(s *behavior.Sampler, cat *detection.Catalogue, sub Submitter, v Visit, cfg Config, opts ...Option) *Collector {
	if cfg.CollectionWindow <= 0 {
		cfg.CollectionWindow = DefaultConfig().CollectionWindow
	}
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = DefaultConfig().UpdateInterval
	}

	c := &Collector{
		sampler:   s,
		catalogue: cat,
		submitter: sub,
		visit:     v,
		cfg:       cfg,
		clock:     time.Now,
		stop:      make(chan struct{}),
		log:       logging.With().Str("component", "collector").Str("session_id", v.SessionID).Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the schedule. Calling it again has no effect.
func (c *Collector) Start(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	c.wg.Add(1)
	go c.run(ctx)
}

func (c *Collector) run(ctx context.Context) {
	defer c.wg.Done()

	window := time.NewTimer(c.cfg.CollectionWindow)
	defer window.Stop()

	var tick <-chan time.Time
	if c.cfg.PeriodicUpdates {
		ticker := time.NewTicker(c.cfg.UpdateInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-window.C:
			c.finalize(ctx, EventWindow, false)
			return
		case <-tick:
			if c.submitted.Load() {
				return
			}
			c.submit(ctx, EventPeriodic, false)
		}
	}
}

// Evaluate builds a payload from the sampler's current state without
// submitting it.
func (c *Collector) Evaluate(eventType string) Payload {
	now := c.clock()
	snap := c.sampler.Snapshot(now)
	res := c.catalogue.Assess(snap)
	return BuildPayload(eventType, c.visit, snap, res, now.UnixMilli())
}

// Finalize performs the unload flush. It reports whether this call did the
// final submission; later calls, or calls after the window already closed,
// return false and do nothing.
func (c *Collector) Finalize(ctx context.Context) bool {
	return c.finalize(ctx, EventFinal, true)
}

// Submitted reports whether the final submission has happened.
func (c *Collector) Submitted() bool {
	return c.submitted.Load()
}

// Stop ends the schedule and waits for it to exit. It is safe to call more
// than once and without Start.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
}

func (c *Collector) finalize(ctx context.Context, eventType string, final bool) bool {
	if !c.submitted.CompareAndSwap(false, true) {
		return false
	}
	c.submit(ctx, eventType, final)
	// Nothing recorded after the final submission would ever be sent.
	c.sampler.Dispose()
	return true
}

// submit never fails outward; delivery problems are logged and counted.
func (c *Collector) submit(ctx context.Context, eventType string, final bool) {
	p := c.Evaluate(eventType)
	metrics.RecordEvaluation("collector", kindsOf(p.Impossibilities), p.FraudScore)

	body, err := json.Marshal(p)
	if err != nil {
		c.log.Warn().Err(err).Str("event_type", eventType).Msg("encode payload")
		metrics.RecordSubmission(eventType, err)
		return
	}

	if final {
		err = c.submitter.SendFinal(ctx, body)
	} else {
		err = c.submitter.Send(ctx, body)
	}
	metrics.RecordSubmission(eventType, err)

	if err != nil {
		c.log.Warn().Err(err).Str("event_type", eventType).Msg("submission failed")
		return
	}
	c.log.Debug().
		Str("event_type", eventType).
		Float64("fraud_score", p.FraudScore).
		Int("findings", len(p.Impossibilities)).
		Msg("submission sent")
}

func kindsOf(findings []detection.Finding) []string {
	return detection.Result{Findings: findings}.Kinds()
}
