// Package detection maps behavior snapshots to impossibility findings and
// reduces findings to a single fraud score.
package detection

import (
	"fmt"
	"math"

	"github.com/adtruth/server/internal/behavior"
	"github.com/adtruth/server/internal/logging"
)

// Kind identifies an impossibility rule.
type Kind string

const (
	KindFastExit           Kind = "fast_exit_no_interaction"
	KindSuperhumanPointer  Kind = "superhuman_pointer_velocity"
	KindImpossibleScroll   Kind = "impossible_scroll_speed"
	KindClickBeforeLoad    Kind = "click_before_load"
	KindZeroInteraction    Kind = "zero_interaction_ghost"
	KindRapidFireClicks    Kind = "rapid_fire_clicks"
	KindInstantInteraction Kind = "instant_interaction"
)

// Finding is one rule's positive detection.
type Finding struct {
	Kind       Kind                   `json:"type"`
	Confidence float64                `json:"confidence"`
	Evidence   map[string]interface{} `json:"details"`
	Message    string                 `json:"message"`
}

// Thresholds holds every tunable constant of the catalogue. The zero value is
// not useful; start from DefaultThresholds.
type Thresholds struct {
	FastExitMaxTimeMs         int64   `koanf:"fast_exit_max_time_ms" validate:"gt=0"`
	SuperhumanVelocity        float64 `koanf:"superhuman_velocity" validate:"gt=0"`
	ImpossibleScrollDepth     float64 `koanf:"impossible_scroll_depth" validate:"gt=0,lte=1"`
	ImpossibleScrollMaxTimeMs int64   `koanf:"impossible_scroll_max_time_ms" validate:"gt=0"`
	GhostMinTimeMs            int64   `koanf:"ghost_min_time_ms" validate:"gt=0"`
	RapidFireClicksPerSecond  float64 `koanf:"rapid_fire_clicks_per_second" validate:"gt=0"`
	InstantInteractionMs      int64   `koanf:"instant_interaction_ms" validate:"gt=0"`
}

// DefaultThresholds returns the reference thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		FastExitMaxTimeMs:         3000,
		SuperhumanVelocity:        5000,
		ImpossibleScrollDepth:     0.9,
		ImpossibleScrollMaxTimeMs: 100,
		GhostMinTimeMs:            10000,
		RapidFireClicksPerSecond:  100,
		InstantInteractionMs:      200,
	}
}

// Rule inspects a snapshot and returns a finding or nil.
type Rule func(snap behavior.Snapshot, th Thresholds) *Finding

type namedRule struct {
	kind Kind
	fn   Rule
}

// Catalogue is an ordered set of independent rules. Order only affects the
// order findings are reported in.
type Catalogue struct {
	thresholds Thresholds
	rules      []namedRule
}

// NewCatalogue returns the standard seven-rule catalogue.
func NewCatalogue(th Thresholds) *Catalogue {
	return &Catalogue{
		thresholds: th,
		rules: []namedRule{
			{KindFastExit, detectFastExit},
			{KindSuperhumanPointer, detectSuperhumanPointer},
			{KindImpossibleScroll, detectImpossibleScroll},
			{KindClickBeforeLoad, detectClickBeforeLoad},
			{KindZeroInteraction, detectZeroInteractionGhost},
			{KindRapidFireClicks, detectRapidFireClicks},
			{KindInstantInteraction, detectInstantInteraction},
		},
	}
}

// Thresholds returns the catalogue's thresholds.
func (c *Catalogue) Thresholds() Thresholds {
	return c.thresholds
}

// Kinds lists the rule kinds in evaluation order.
func (c *Catalogue) Kinds() []Kind {
	kinds := make([]Kind, len(c.rules))
	for i, r := range c.rules {
		kinds[i] = r.kind
	}
	return kinds
}

// Evaluate runs every rule against snap. A rule that panics is treated as
// not matching.
func (c *Catalogue) Evaluate(snap behavior.Snapshot) []Finding {
	findings := make([]Finding, 0)
	for _, r := range c.rules {
		if f := c.run(r, snap); f != nil {
			findings = append(findings, *f)
		}
	}
	return findings
}

func (c *Catalogue) run(r namedRule, snap behavior.Snapshot) (f *Finding) {
	defer func() {
		if p := recover(); p != nil {
			logging.Warn().Str("rule", string(r.kind)).Interface("panic", p).Msg("rule skipped")
			f = nil
		}
	}()
	return r.fn(snap, c.thresholds)
}

// =============================================================================
// Rules
// =============================================================================

// detectFastExit catches the land-and-leave pattern.
func detectFastExit(s behavior.Snapshot, th Thresholds) *Finding {
	if s.TimeOnPageMs < 0 || s.TimeOnPageMs >= th.FastExitMaxTimeMs {
		return nil
	}
	if s.ClickCount != 0 || s.PointerMovementDetected || s.ScrollDepth != 0 {
		return nil
	}
	return &Finding{
		Kind:       KindFastExit,
		Confidence: 1.0,
		Evidence: map[string]interface{}{
			"timeOnPage":            s.TimeOnPageMs,
			"clickCount":            s.ClickCount,
			"mouseMovementDetected": s.PointerMovementDetected,
			"scrollDepth":           s.ScrollDepth,
		},
		Message: fmt.Sprintf("Exited in %dms with zero interaction (no clicks, mouse, or scroll)", s.TimeOnPageMs),
	}
}

func detectSuperhumanPointer(s behavior.Snapshot, th Thresholds) *Finding {
	pp := s.PointerPatterns
	if pp == nil || !(pp.AvgVelocity > th.SuperhumanVelocity) {
		return nil
	}
	return &Finding{
		Kind:       KindSuperhumanPointer,
		Confidence: 0.95,
		Evidence: map[string]interface{}{
			"avgVelocity": pp.AvgVelocity,
			"threshold":   th.SuperhumanVelocity,
			"sampleCount": pp.SampleCount,
		},
		Message: fmt.Sprintf("Mouse velocity %.0f px/s exceeds human threshold %.0f px/s", pp.AvgVelocity, th.SuperhumanVelocity),
	}
}

func detectImpossibleScroll(s behavior.Snapshot, th Thresholds) *Finding {
	if s.ScrollDepth < th.ImpossibleScrollDepth {
		return nil
	}
	if s.TimeOnPageMs < 0 || s.TimeOnPageMs >= th.ImpossibleScrollMaxTimeMs {
		return nil
	}
	return &Finding{
		Kind:       KindImpossibleScroll,
		Confidence: 0.95,
		Evidence: map[string]interface{}{
			"scrollDepth": s.ScrollDepth,
			"timeOnPage":  s.TimeOnPageMs,
		},
		Message: fmt.Sprintf("Scrolled to %.0f%% in %dms (impossible speed)", math.Round(s.ScrollDepth*100), s.TimeOnPageMs),
	}
}

// detectClickBeforeLoad flags a first click that predates the page-load
// reference point. A negative offset already implies a reference, so a
// missing PageLoadedAt does not suppress it.
func detectClickBeforeLoad(s behavior.Snapshot, _ Thresholds) *Finding {
	if s.TimeToFirstClickMs == nil || *s.TimeToFirstClickMs >= 0 {
		return nil
	}
	return &Finding{
		Kind:       KindClickBeforeLoad,
		Confidence: 1.0,
		Evidence: map[string]interface{}{
			"timeToFirstClick":     *s.TimeToFirstClickMs,
			"domContentLoadedTime": s.PageLoadedAt,
		},
		Message: "Click detected before DOM loaded (impossible)",
	}
}

// detectZeroInteractionGhost treats "no touch data" and "no taps" the same.
func detectZeroInteractionGhost(s behavior.Snapshot, th Thresholds) *Finding {
	if s.TimeOnPageMs < th.GhostMinTimeMs {
		return nil
	}
	if s.ClickCount != 0 || s.PointerMovementDetected || s.ScrollDepth != 0 {
		return nil
	}
	if s.TouchPatterns != nil && s.TouchPatterns.TapCount != 0 {
		return nil
	}
	return &Finding{
		Kind:       KindZeroInteraction,
		Confidence: 0.90,
		Evidence: map[string]interface{}{
			"timeOnPage":            s.TimeOnPageMs,
			"clickCount":            s.ClickCount,
			"mouseMovementDetected": s.PointerMovementDetected,
			"scrollDepth":           s.ScrollDepth,
		},
		Message: fmt.Sprintf("%.0fs on page with zero interaction (bot likely)", math.Round(float64(s.TimeOnPageMs)/1000)),
	}
}

// detectRapidFireClicks is suppressed until some time has elapsed on the page.
func detectRapidFireClicks(s behavior.Snapshot, th Thresholds) *Finding {
	if s.TimeOnPageMs <= 0 {
		return nil
	}
	rate := float64(s.ClickCount) / float64(s.TimeOnPageMs) * 1000
	if !(rate > th.RapidFireClicksPerSecond) {
		return nil
	}
	return &Finding{
		Kind:       KindRapidFireClicks,
		Confidence: 1.0,
		Evidence: map[string]interface{}{
			"clickCount": s.ClickCount,
			"timeOnPage": s.TimeOnPageMs,
			"clickRate":  math.Round(rate),
		},
		Message: fmt.Sprintf("%d clicks in %dms (%.0f clicks/sec - impossible)", s.ClickCount, s.TimeOnPageMs, math.Round(rate)),
	}
}

func detectInstantInteraction(s behavior.Snapshot, th Thresholds) *Finding {
	if s.TimeToFirstClickMs == nil || *s.TimeToFirstClickMs >= th.InstantInteractionMs {
		return nil
	}
	return &Finding{
		Kind:       KindInstantInteraction,
		Confidence: 0.95,
		Evidence: map[string]interface{}{
			"timeToFirstClick": *s.TimeToFirstClickMs,
		},
		Message: fmt.Sprintf("First interaction at %dms (faster than human reaction time)", *s.TimeToFirstClickMs),
	}
}
