// Package fingerprint builds the basic device fingerprint and input-method
// summary attached to submissions.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/goccy/go-json"
)

// UnknownTimezone is reported when the host cannot resolve a timezone name.
const UnknownTimezone = "unknown"

// Details are the raw device attributes. Zero values mean the host did not
// expose the attribute.
type Details struct {
	Screen              string  `json:"screen"`
	Timezone            string  `json:"timezone"`
	TimezoneOffset      int     `json:"timezoneOffset"`
	HardwareConcurrency int     `json:"hardwareConcurrency" validate:"gte=0"`
	DeviceMemory        float64 `json:"deviceMemory" validate:"gte=0"`
}

// Fingerprint is a short stable hash of Details plus the details themselves.
type Fingerprint struct {
	Hash    string  `json:"hash"`
	Details Details `json:"details"`
}

// ScreenString formats screen geometry the way hosts report it.
func ScreenString(width, height, colorDepth int) string {
	return fmt.Sprintf("%dx%dx%d", width, height, colorDepth)
}

// New normalises d and hashes it.
func New(d Details) Fingerprint {
	if d.Timezone == "" {
		d.Timezone = UnknownTimezone
	}
	if d.HardwareConcurrency < 0 {
		d.HardwareConcurrency = 0
	}
	if d.DeviceMemory < 0 {
		d.DeviceMemory = 0
	}
	return Fingerprint{Hash: Hash(d), Details: d}
}

// Hash returns the first 8 bytes of the SHA-256 of d's JSON encoding, hex
// encoded.
func Hash(d Details) string {
	raw, err := json.Marshal(d)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:8])
}

// Matches reports whether fp's hash agrees with its details.
func (fp Fingerprint) Matches() bool {
	return fp.Hash != "" && fp.Hash == Hash(fp.Details)
}

// InputMethod describes the pointing devices a host reports.
type InputMethod struct {
	HasTouch           bool `json:"hasTouch"`
	HasMouse           bool `json:"hasMouse"`
	HasHover           bool `json:"hasHover"`
	MaxTouchPoints     int  `json:"maxTouchPoints"`
	InputInconsistency bool `json:"inputInconsistency"`
}

// NewInputMethod flags hosts claiming touch together with a fine hovering
// pointer, a combination emulated environments often report.
func NewInputMethod(hasTouch, hasMouse, hasHover bool, maxTouchPoints int) InputMethod {
	if maxTouchPoints < 0 {
		maxTouchPoints = 0
	}
	return InputMethod{
		HasTouch:           hasTouch,
		HasMouse:           hasMouse,
		HasHover:           hasHover,
		MaxTouchPoints:     maxTouchPoints,
		InputInconsistency: hasTouch && hasMouse && hasHover,
	}
}
