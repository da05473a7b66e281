package behavior

import "time"

// latch is a one-way flag: once set it stays set for the sampler's lifetime.
type latch struct {
	set bool
}

func (l *latch) trip() {
	l.set = true
}

func (l *latch) isSet() bool {
	return l.set
}

// firstTime captures the first timestamp it is offered and ignores the rest.
type firstTime struct {
	at    time.Time
	valid bool
}

func (f *firstTime) offer(t time.Time) {
	if f.valid {
		return
	}
	f.at = t
	f.valid = true
}

// sinceMs returns the offset of the captured time from ref in milliseconds,
// or nil when nothing has been captured yet.
func (f *firstTime) sinceMs(ref time.Time) *int64 {
	if !f.valid {
		return nil
	}
	ms := f.at.Sub(ref).Milliseconds()
	return &ms
}
