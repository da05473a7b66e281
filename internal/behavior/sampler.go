// Package behavior turns a stream of page interaction events into bounded
// sampler state and derives immutable metrics snapshots from it.
//
// A Sampler is created once per page visit, fed by a binding layer through
// the Record* methods, and read through Snapshot. Record methods never return
// errors and never panic: a malformed event is simply dropped.
package behavior

import (
	"math"
	"sync"
	"time"

	"github.com/adtruth/server/internal/logging"
)

// Buffer capacities.
const (
	MaxClicks         = 20
	MaxPointerSamples = 50
	MaxTouchSamples   = 30
	MaxTaps           = 10
)

// Sampling and gesture thresholds.
const (
	PointerSampleInterval = 100 * time.Millisecond
	TapMaxDistance        = 10.0
	TapMaxDuration        = 300 * time.Millisecond
	SwipeMinDistance      = 50.0
)

// Sample is one stored pointer or touch position.
type Sample struct {
	X float64   `json:"x"`
	Y float64   `json:"y"`
	T time.Time `json:"t"`
}

type touchAnchor struct {
	x, y float64
	t    time.Time
}

// Sampler holds the session-scoped interaction state for one page visit.
type Sampler struct {
	mu       sync.Mutex
	clock    func() time.Time
	loadedAt time.Time
	disposed bool

	firstInteraction firstTime
	lastInteraction  time.Time

	clickCount int
	firstClick firstTime
	clicks     *fifo[time.Time]

	maxScrollDepth float64
	scrollEvents   int

	pointerMoved      latch
	pointer           *fifo[Sample]
	lastPointerSample time.Time
	hasPointerSample  bool

	touchSeen bool
	touch     *fifo[Sample]
	taps      *fifo[time.Time]
	tapCount  int
	anchor    *touchAnchor
	swipe     latch
}

// Option configures a Sampler.
type Option func(*Sampler)

// WithClock overrides the wall clock used by RecordClick, RecordKeyPress and
// the default load time.
func WithClock(clock func() time.Time) Option {
	return func(s *Sampler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLoadTime sets the page-load reference point that all offsets in a
// snapshot are measured from.
func WithLoadTime(t time.Time) Option {
	return func(s *Sampler) {
		s.loadedAt = t
	}
}

// NewSampler creates a sampler whose page-load reference is the current time
// unless WithLoadTime says otherwise.
func NewSampler(opts ...Option) *Sampler {
	s := &Sampler{
		clock:   time.Now,
		clicks:  newFIFO[time.Time](MaxClicks),
		pointer: newFIFO[Sample](MaxPointerSamples),
		touch:   newFIFO[Sample](MaxTouchSamples),
		taps:    newFIFO[time.Time](MaxTaps),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.loadedAt.IsZero() {
		s.loadedAt = s.clock()
	}
	return s
}

// LoadedAt returns the page-load reference point.
func (s *Sampler) LoadedAt() time.Time {
	return s.loadedAt
}

// Dispose ends the sampler's lifetime. Later Record calls are ignored;
// Snapshot keeps working on the frozen state.
func (s *Sampler) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disposed = true
}

// guard swallows anything a handler throws so the host is never disturbed.
func guard(event string) {
	if r := recover(); r != nil {
		logging.Debug().Str("event", event).Interface("panic", r).Msg("behavior handler dropped event")
	}
}

// RecordClick records a click at the sampler's current time.
func (s *Sampler) RecordClick() {
	s.RecordClickAt(s.clock())
}

// RecordClickAt records a click observed at now.
func (s *Sampler) RecordClickAt(now time.Time) {
	defer guard("click")
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}

	s.clickCount++
	s.clicks.push(now)
	s.firstClick.offer(now)
	s.lastInteraction = now
	s.firstInteraction.offer(now)
}

// RecordKeyPress records a key press. Key presses only feed the
// first-interaction timestamp.
func (s *Sampler) RecordKeyPress() {
	s.RecordKeyPressAt(s.clock())
}

// RecordKeyPressAt records a key press observed at now.
func (s *Sampler) RecordKeyPressAt(now time.Time) {
	defer guard("keypress")
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}

	s.firstInteraction.offer(now)
}

// RecordPointerMove flags pointer movement on every call but stores at most
// one position per PointerSampleInterval.
func (s *Sampler) RecordPointerMove(x, y float64, now time.Time) {
	defer guard("pointermove")
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}

	s.pointerMoved.trip()
	s.firstInteraction.offer(now)

	if !finite(x, y) {
		return
	}
	if s.hasPointerSample && now.Sub(s.lastPointerSample) < PointerSampleInterval {
		return
	}
	s.lastPointerSample = now
	s.hasPointerSample = true
	s.pointer.push(Sample{X: x, Y: y, T: now})
}

// RecordScroll counts the scroll event and keeps the deepest scroll
// position seen so far as a fraction of the document height.
func (s *Sampler) RecordScroll(scrollTop, viewportHeight, documentHeight float64) {
	defer guard("scroll")
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}

	s.scrollEvents++

	if documentHeight <= 0 || !finite(scrollTop, viewportHeight, documentHeight) {
		return
	}
	depth := (scrollTop + viewportHeight) / documentHeight
	if depth > s.maxScrollDepth {
		s.maxScrollDepth = depth
	}
}

// RecordTouchStart records a tap timestamp and anchors the gesture.
func (s *Sampler) RecordTouchStart(x, y float64, now time.Time) {
	defer guard("touchstart")
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}

	s.touchSeen = true
	s.firstInteraction.offer(now)
	s.taps.push(now)
	if !finite(x, y) {
		s.anchor = nil
		return
	}
	s.anchor = &touchAnchor{x: x, y: y, t: now}
}

// RecordTouchMove stores a touch position while a gesture is anchored.
func (s *Sampler) RecordTouchMove(x, y float64, now time.Time) {
	defer guard("touchmove")
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed || s.anchor == nil || !finite(x, y) {
		return
	}

	s.touch.push(Sample{X: x, Y: y, T: now})
}

// RecordTouchEnd classifies the anchored gesture as a tap, a swipe, or
// neither, then clears the anchor.
func (s *Sampler) RecordTouchEnd(x, y float64, now time.Time) {
	defer guard("touchend")
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed || s.anchor == nil {
		return
	}

	anchor := s.anchor
	s.anchor = nil
	if !finite(x, y) {
		return
	}

	duration := now.Sub(anchor.t)
	distance := math.Hypot(x-anchor.x, y-anchor.y)

	if duration >= 0 && duration < TapMaxDuration && distance < TapMaxDistance {
		s.tapCount++
	}
	if distance > SwipeMinDistance {
		s.swipe.trip()
	}
}

func finite(vals ...float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
