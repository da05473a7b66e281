package behavior

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshot_TimeOnPage(t *testing.T) {
	s, _ := newTestSampler()
	assert.Equal(t, int64(2500), s.Snapshot(at(2500)).TimeOnPageMs)
	assert.Equal(t, epoch.UnixMilli(), s.Snapshot(at(2500)).PageLoadedAt)
}

func TestSnapshot_IsStableWithoutEvents(t *testing.T) {
	s, _ := newTestSampler()
	s.RecordClickAt(at(300))
	s.RecordClickAt(at(700))
	s.RecordScroll(200, 600, 1600)
	for i := int64(0); i < 5; i++ {
		s.RecordPointerMove(float64(i*20), float64(i*i), at(1000+i*120))
	}

	first := s.Snapshot(at(5000))
	second := s.Snapshot(at(9000))
	second.TimeOnPageMs = first.TimeOnPageMs

	assert.Equal(t, first, second)
}

func TestSnapshot_AvgClickInterval(t *testing.T) {
	tests := []struct {
		name   string
		clicks []int64
		want   *float64
	}{
		{name: "no clicks", clicks: nil, want: nil},
		{name: "one click", clicks: []int64{100}, want: nil},
		{name: "two clicks", clicks: []int64{100, 400}, want: ptr(300)},
		{name: "uneven gaps", clicks: []int64{0, 100, 400, 450}, want: ptr(150)},
		{name: "fractional mean", clicks: []int64{0, 100, 200, 400}, want: ptr(400.0 / 3.0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestSampler()
			for _, c := range tt.clicks {
				s.RecordClickAt(at(c))
			}

			got := s.Snapshot(at(1000)).AvgClickIntervalMs
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.InDelta(t, *tt.want, *got, 1e-9)
		})
	}
}

func TestSnapshot_AvgClickIntervalUsesRetainedBuffer(t *testing.T) {
	s, _ := newTestSampler()
	// 5 widely spaced clicks that will be evicted, then 20 at 10ms.
	for i := int64(0); i < 5; i++ {
		s.RecordClickAt(at(i * 1000))
	}
	for i := int64(0); i < 20; i++ {
		s.RecordClickAt(at(10_000 + i*10))
	}

	got := s.Snapshot(at(20_000)).AvgClickIntervalMs
	require.NotNil(t, got)
	assert.InDelta(t, 10.0, *got, 1e-9)
}

func TestSnapshot_PointerPatterns(t *testing.T) {
	t.Run("needs three samples", func(t *testing.T) {
		s, _ := newTestSampler()
		s.RecordPointerMove(0, 0, at(0))
		s.RecordPointerMove(100, 0, at(200))

		assert.Nil(t, s.Snapshot(at(500)).PointerPatterns)
	})

	t.Run("straight constant motion is not human-like", func(t *testing.T) {
		s, _ := newTestSampler()
		for i := int64(0); i < 6; i++ {
			s.RecordPointerMove(float64(i*100), 0, at(i*100))
		}

		pp := s.Snapshot(at(1000)).PointerPatterns
		require.NotNil(t, pp)
		assert.Equal(t, 1000.0, pp.AvgVelocity)
		assert.Equal(t, 0.0, pp.VelocityVariance)
		assert.Equal(t, 0.0, pp.AvgAngleChange)
		assert.Equal(t, 6, pp.SampleCount)
		assert.False(t, pp.HasHumanPatterns)
	})

	t.Run("velocity statistics", func(t *testing.T) {
		s, _ := newTestSampler()
		// Segments: 10px/100ms = 100px/s, then 30px/100ms = 300px/s.
		s.RecordPointerMove(0, 0, at(0))
		s.RecordPointerMove(10, 0, at(100))
		s.RecordPointerMove(40, 0, at(200))

		pp := s.Snapshot(at(300)).PointerPatterns
		require.NotNil(t, pp)
		assert.Equal(t, 200.0, pp.AvgVelocity)
		assert.Equal(t, 10000.0, pp.VelocityVariance)
		assert.Equal(t, 0.0, pp.AvgAngleChange)
		assert.False(t, pp.HasHumanPatterns)
	})

	t.Run("turning varied motion is human-like", func(t *testing.T) {
		s, _ := newTestSampler()
		s.RecordPointerMove(0, 0, at(0))
		s.RecordPointerMove(10, 0, at(100))
		s.RecordPointerMove(10, 50, at(200))
		s.RecordPointerMove(80, 50, at(300))

		pp := s.Snapshot(at(400)).PointerPatterns
		require.NotNil(t, pp)
		assert.Equal(t, roundTo(math.Pi/2, 2), pp.AvgAngleChange)
		assert.True(t, pp.HasHumanPatterns)
	})
}

func TestSnapshot_TouchPatterns(t *testing.T) {
	t.Run("absent until first touch", func(t *testing.T) {
		s, _ := newTestSampler()
		s.RecordClickAt(at(10))
		assert.Nil(t, s.Snapshot(at(100)).TouchPatterns)
	})

	t.Run("tap cadence", func(t *testing.T) {
		s, _ := newTestSampler()
		s.RecordTouchStart(0, 0, at(100))
		s.RecordTouchEnd(0, 0, at(150))
		s.RecordTouchStart(0, 0, at(600))
		s.RecordTouchEnd(0, 0, at(650))

		tp := s.Snapshot(at(1000)).TouchPatterns
		require.NotNil(t, tp)
		require.NotNil(t, tp.AvgTapInterval)
		assert.Equal(t, 500.0, *tp.AvgTapInterval)
		assert.Equal(t, 2, tp.TapCount)
		assert.Nil(t, tp.SwipeVelocity)
	})

	t.Run("swipe velocity", func(t *testing.T) {
		s, _ := newTestSampler()
		s.RecordTouchStart(0, 0, at(0))
		s.RecordTouchMove(0, 0, at(100))
		s.RecordTouchMove(150, 200, at(300))

		tp := s.Snapshot(at(400)).TouchPatterns
		require.NotNil(t, tp.SwipeVelocity)
		assert.Equal(t, 1250.0, *tp.SwipeVelocity)
		assert.Equal(t, 2, tp.TouchSampleCount)
	})

	t.Run("zero elapsed swipe velocity", func(t *testing.T) {
		s, _ := newTestSampler()
		s.RecordTouchStart(0, 0, at(0))
		s.RecordTouchMove(0, 0, at(100))
		s.RecordTouchMove(30, 40, at(100))

		tp := s.Snapshot(at(400)).TouchPatterns
		require.NotNil(t, tp.SwipeVelocity)
		assert.Zero(t, *tp.SwipeVelocity)
	})
}

func TestSnapshot_ClickBeforeLoadOffsetIsNegative(t *testing.T) {
	s := NewSampler(WithLoadTime(at(1000)))
	s.RecordClickAt(at(900))

	snap := s.Snapshot(at(2000))
	require.NotNil(t, snap.TimeToFirstClickMs)
	assert.Equal(t, int64(-100), *snap.TimeToFirstClickMs)
}

func TestMeanGapMs(t *testing.T) {
	assert.Nil(t, meanGapMs(nil))
	got := meanGapMs([]time.Time{at(0), at(250), at(1000)})
	require.NotNil(t, got)
	assert.Equal(t, 500.0, *got)
}

func TestMeanGapMs_SubMillisecondGaps(t *testing.T) {
	base := at(0)
	got := meanGapMs([]time.Time{
		base,
		base.Add(1500 * time.Microsecond),
		base.Add(4 * time.Millisecond),
	})
	require.NotNil(t, got)
	assert.InDelta(t, 2.0, *got, 1e-9)

	// Gaps shorter than a millisecond still count.
	got = meanGapMs([]time.Time{base, base.Add(400 * time.Microsecond)})
	require.NotNil(t, got)
	assert.InDelta(t, 0.4, *got, 1e-9)
}

func TestVariance(t *testing.T) {
	assert.Zero(t, variance(nil))
	assert.Equal(t, 4.0, variance([]float64{2, 4, 4, 4, 5, 5, 7, 9}))
}

func ptr(v float64) *float64 { return &v }
