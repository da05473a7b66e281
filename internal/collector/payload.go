package collector

import (
	"github.com/adtruth/server/internal/attribution"
	"github.com/adtruth/server/internal/behavior"
	"github.com/adtruth/server/internal/detection"
	"github.com/adtruth/server/internal/fingerprint"
)

// Submission event types.
const (
	EventWindow   = "collection_window"
	EventPeriodic = "periodic_update"
	EventFinal    = "page_exit"
)

// Page describes the page being observed.
type Page struct {
	URL      string `json:"url" validate:"omitempty,url"`
	Title    string `json:"title,omitempty"`
	Referrer string `json:"referrer,omitempty"`
}

// Visit is the per-page context merged into every payload.
type Visit struct {
	SessionID   string
	VisitorID   string
	Page        Page
	Attribution attribution.Params
	Fingerprint *fingerprint.Fingerprint
	InputMethod *fingerprint.InputMethod
}

// Payload is one training-data submission.
type Payload struct {
	EventType          string                   `json:"event_type" validate:"required,oneof=collection_window periodic_update page_exit"`
	SessionID          string                   `json:"session_id,omitempty" validate:"omitempty,max=64"`
	VisitorID          string                   `json:"visitor_id,omitempty" validate:"omitempty,max=64"`
	Page               Page                     `json:"page"`
	UTM                attribution.UTM          `json:"utm"`
	ClickIDs           attribution.ClickIDs     `json:"click_ids"`
	Fingerprint        *fingerprint.Fingerprint `json:"fingerprint,omitempty"`
	InputMethod        *fingerprint.InputMethod `json:"input_method,omitempty"`
	BehavioralFeatures behavior.Snapshot        `json:"behavioral_features"`
	Impossibilities    []detection.Finding      `json:"impossibilities"`
	FraudScore         float64                  `json:"fraud_score" validate:"gte=0,lte=1"`
	Challenged         bool                     `json:"challenged"`
	Timestamp          int64                    `json:"timestamp" validate:"gte=0"`
}

// BuildPayload merges a visit with an evaluated snapshot.
func BuildPayload(eventType string, v Visit, snap behavior.Snapshot, res detection.Result, timestampMs int64) Payload {
	findings := res.Findings
	if findings == nil {
		findings = []detection.Finding{}
	}
	return Payload{
		EventType:          eventType,
		SessionID:          v.SessionID,
		VisitorID:          v.VisitorID,
		Page:               v.Page,
		UTM:                v.Attribution.UTM,
		ClickIDs:           v.Attribution.ClickIDs,
		Fingerprint:        v.Fingerprint,
		InputMethod:        v.InputMethod,
		BehavioralFeatures: snap,
		Impossibilities:    findings,
		FraudScore:         res.Score,
		Challenged:         false,
		Timestamp:          timestampMs,
	}
}
