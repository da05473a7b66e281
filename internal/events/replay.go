package events

import (
	"time"

	"github.com/adtruth/server/internal/behavior"
)

// Batch is an ordered event log for one page visit.
type Batch struct {
	// LoadedAt is the page-load reference in Unix milliseconds. Zero means
	// the first event's time.
	LoadedAt int64 `json:"loadedAt,omitempty" validate:"gte=0"`

	// At is the evaluation time in Unix milliseconds. Zero means the last
	// event's time.
	At int64 `json:"at,omitempty" validate:"gte=0"`

	Events []Event `json:"events" validate:"dive"`
}

// ReplayResult is the sampler state after a batch has been replayed.
type ReplayResult struct {
	Snapshot behavior.Snapshot `json:"behavioral_features"`
	Applied  int               `json:"applied"`
	Skipped  int               `json:"skipped"`
}

// Replay feeds b through a fresh sampler and snapshots it. Events that
// cannot be dispatched are skipped and counted.
func Replay(b Batch) ReplayResult {
	loadedAt, at := b.Bounds()
	s := behavior.NewSampler(behavior.WithLoadTime(loadedAt))
	defer s.Dispose()

	var res ReplayResult
	for _, ev := range b.Events {
		if err := Dispatch(s, ev); err != nil {
			res.Skipped++
			continue
		}
		res.Applied++
	}
	res.Snapshot = s.Snapshot(at)
	return res
}

// Bounds resolves the page-load reference and evaluation time, filling in
// zero values from the event times.
func (b Batch) Bounds() (loadedAt, at time.Time) {
	var first, last int64
	for i, ev := range b.Events {
		if i == 0 || ev.T < first {
			first = ev.T
		}
		if i == 0 || ev.T > last {
			last = ev.T
		}
	}

	l, a := b.LoadedAt, b.At
	if l == 0 {
		l = first
	}
	if a == 0 {
		a = last
	}
	if a == 0 {
		a = l
	}
	return time.UnixMilli(l), time.UnixMilli(a)
}
