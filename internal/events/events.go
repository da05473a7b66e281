// Package events is the binding layer between raw interaction events and a
// behavior.Sampler. It decodes events recorded by a page (or a log of them)
// and dispatches each one onto the matching Record call.
package events

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/goccy/go-json"

	"github.com/adtruth/server/internal/behavior"
)

// Type names a raw interaction event.
type Type string

const (
	TypeClick      Type = "click"
	TypeKeyDown    Type = "keydown"
	TypeMouseMove  Type = "mousemove"
	TypeScroll     Type = "scroll"
	TypeTouchStart Type = "touchstart"
	TypeTouchMove  Type = "touchmove"
	TypeTouchEnd   Type = "touchend"
)

// ErrUnknownEventType is returned by Dispatch for an event it cannot route.
var ErrUnknownEventType = errors.New("unknown event type")

// Event is one raw interaction event. T is the observation time in Unix
// milliseconds. Coordinates apply to pointer and touch events; the scroll
// fields apply to scroll events.
type Event struct {
	Type           Type    `json:"type" validate:"required"`
	T              int64   `json:"t"`
	X              float64 `json:"x,omitempty"`
	Y              float64 `json:"y,omitempty"`
	ScrollTop      float64 `json:"scrollTop,omitempty"`
	ViewportHeight float64 `json:"viewportHeight,omitempty"`
	DocumentHeight float64 `json:"documentHeight,omitempty"`
}

// Time returns the event's observation time.
func (e Event) Time() time.Time {
	return time.UnixMilli(e.T)
}

// Dispatch routes ev onto s.
func Dispatch(s *behavior.Sampler, ev Event) error {
	now := ev.Time()
	switch ev.Type {
	case TypeClick:
		s.RecordClickAt(now)
	case TypeKeyDown:
		s.RecordKeyPressAt(now)
	case TypeMouseMove:
		s.RecordPointerMove(ev.X, ev.Y, now)
	case TypeScroll:
		s.RecordScroll(ev.ScrollTop, ev.ViewportHeight, ev.DocumentHeight)
	case TypeTouchStart:
		s.RecordTouchStart(ev.X, ev.Y, now)
	case TypeTouchMove:
		s.RecordTouchMove(ev.X, ev.Y, now)
	case TypeTouchEnd:
		s.RecordTouchEnd(ev.X, ev.Y, now)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEventType, ev.Type)
	}
	return nil
}

// DecodeLines reads newline-delimited JSON events. Blank lines are skipped.
func DecodeLines(r io.Reader) ([]Event, error) {
	var out []Event
	err := ScanLines(r, func(ev Event) error {
		out = append(out, ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ScanLines decodes newline-delimited JSON events as they arrive and calls fn
// for each one. It stops at the end of r or at the first error, including
// one returned by fn. Blank lines are skipped.
func ScanLines(r io.Reader, fn func(Event) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read events: %w", err)
	}
	return nil
}
