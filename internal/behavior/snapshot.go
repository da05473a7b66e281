package behavior

import (
	"math"
	"time"
)

// PointerPatterns summarises stored pointer samples.
type PointerPatterns struct {
	AvgVelocity      float64 `json:"avgVelocity"`
	VelocityVariance float64 `json:"velocityVariance"`
	AvgAngleChange   float64 `json:"avgAngleChange"`
	SampleCount      int     `json:"sampleCount"`
	HasHumanPatterns bool    `json:"hasHumanPatterns"`
}

// TouchPatterns summarises touch activity.
type TouchPatterns struct {
	TapCount         int      `json:"tapCount"`
	AvgTapInterval   *float64 `json:"avgTapInterval"`
	SwipeDetected    bool     `json:"swipeDetected"`
	SwipeVelocity    *float64 `json:"swipeVelocity"`
	TouchSampleCount int      `json:"touchSampleCount"`
}

// Snapshot is a frozen summary of sampler state at one point in time.
// Offsets are milliseconds relative to the page-load reference; PageLoadedAt
// is that reference in Unix milliseconds.
type Snapshot struct {
	PageLoadedAt             int64            `json:"pageLoadedAt"`
	TimeOnPageMs             int64            `json:"timeOnPage"`
	TimeToFirstInteractionMs *int64           `json:"timeToFirstInteraction"`
	TimeToFirstClickMs       *int64           `json:"timeToFirstClick"`
	ClickCount               int              `json:"clickCount"`
	AvgClickIntervalMs       *float64         `json:"avgClickInterval"`
	HasInteracted            bool             `json:"hasInteracted"`
	ScrollDepth              float64          `json:"scrollDepth" validate:"gte=0"`
	ScrollEvents             int              `json:"scrollEvents"`
	PointerMovementDetected  bool             `json:"mouseMovementDetected"`
	PointerPatterns          *PointerPatterns `json:"mousePatterns"`
	TouchPatterns            *TouchPatterns   `json:"touchPatterns"`
}

// frozen is a lock-free copy of the sampler state a snapshot is built from.
type frozen struct {
	loadedAt         time.Time
	firstInteraction firstTime
	firstClick       firstTime
	clickCount       int
	clicks           []time.Time
	maxScrollDepth   float64
	scrollEvents     int
	pointerMoved     bool
	pointer          []Sample
	touchSeen        bool
	touch            []Sample
	taps             []time.Time
	tapCount         int
	swipe            bool
}

// Snapshot derives a BehaviorSnapshot from the state at call time. Two calls
// with no events in between differ only in TimeOnPageMs.
func (s *Sampler) Snapshot(now time.Time) Snapshot {
	return buildSnapshot(s.freeze(), now)
}

func (s *Sampler) freeze() frozen {
	s.mu.Lock()
	defer s.mu.Unlock()

	return frozen{
		loadedAt:         s.loadedAt,
		firstInteraction: s.firstInteraction,
		firstClick:       s.firstClick,
		clickCount:       s.clickCount,
		clicks:           s.clicks.snapshot(),
		maxScrollDepth:   s.maxScrollDepth,
		scrollEvents:     s.scrollEvents,
		pointerMoved:     s.pointerMoved.isSet(),
		pointer:          s.pointer.snapshot(),
		touchSeen:        s.touchSeen,
		touch:            s.touch.snapshot(),
		taps:             s.taps.snapshot(),
		tapCount:         s.tapCount,
		swipe:            s.swipe.isSet(),
	}
}

func buildSnapshot(f frozen, now time.Time) Snapshot {
	snap := Snapshot{
		PageLoadedAt:             f.loadedAt.UnixMilli(),
		TimeOnPageMs:             now.Sub(f.loadedAt).Milliseconds(),
		TimeToFirstInteractionMs: f.firstInteraction.sinceMs(f.loadedAt),
		TimeToFirstClickMs:       f.firstClick.sinceMs(f.loadedAt),
		ClickCount:               f.clickCount,
		AvgClickIntervalMs:       meanGapMs(f.clicks),
		HasInteracted:            f.firstInteraction.valid,
		ScrollDepth:              roundTo(f.maxScrollDepth, 2),
		ScrollEvents:             f.scrollEvents,
		PointerMovementDetected:  f.pointerMoved,
		PointerPatterns:          pointerPatterns(f.pointer),
	}
	if f.touchSeen {
		snap.TouchPatterns = touchPatterns(f)
	}
	return snap
}

func pointerPatterns(samples []Sample) *PointerPatterns {
	if len(samples) < 3 {
		return nil
	}

	velocities := make([]float64, 0, len(samples)-1)
	angles := make([]float64, 0, len(samples)-2)

	for i := 1; i < len(samples); i++ {
		prev, curr := samples[i-1], samples[i]
		dx := curr.X - prev.X
		dy := curr.Y - prev.Y
		dt := curr.T.Sub(prev.T).Seconds()
		if dt <= 0 {
			continue
		}
		velocities = append(velocities, math.Hypot(dx, dy)/dt)

		if i > 1 {
			before := samples[i-2]
			turn := math.Atan2(dy, dx) - math.Atan2(prev.Y-before.Y, prev.X-before.X)
			angles = append(angles, math.Abs(turn))
		}
	}
	if len(velocities) == 0 {
		return nil
	}

	avgVelocity := mean(velocities)
	velocityVariance := variance(velocities)
	avgAngle := 0.0
	if len(angles) > 0 {
		avgAngle = mean(angles)
	}

	return &PointerPatterns{
		AvgVelocity:      math.Round(avgVelocity),
		VelocityVariance: math.Round(velocityVariance),
		AvgAngleChange:   roundTo(avgAngle, 2),
		SampleCount:      len(samples),
		HasHumanPatterns: velocityVariance > 100 && avgAngle > 0.1,
	}
}

func touchPatterns(f frozen) *TouchPatterns {
	tp := &TouchPatterns{
		TapCount:         f.tapCount,
		AvgTapInterval:   meanGapMs(f.taps),
		SwipeDetected:    f.swipe,
		TouchSampleCount: len(f.touch),
	}

	if len(f.touch) >= 2 {
		first, last := f.touch[0], f.touch[len(f.touch)-1]
		distance := math.Hypot(last.X-first.X, last.Y-first.Y)
		elapsed := last.T.Sub(first.T).Seconds()
		velocity := 0.0
		if elapsed > 0 {
			velocity = math.Round(distance / elapsed)
		}
		tp.SwipeVelocity = &velocity
	}
	return tp
}
