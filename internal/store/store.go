// Package store persists training-data submissions together with the
// server's own evaluation of them.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/adtruth/server/internal/collector"
	"github.com/adtruth/server/internal/detection"
	"github.com/adtruth/server/internal/fingerprint"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// DefaultMaxRecords bounds how many records are kept per site.
const DefaultMaxRecords = 10000

// CountTotal is the KindCounts key holding the number of stored records.
const CountTotal = "total"

// Record is one stored submission.
type Record struct {
	ID             string                `json:"id"`
	Site           string                `json:"site"`
	ReceivedAt     time.Time             `json:"received_at"`
	RemoteIP       string                `json:"remote_ip,omitempty"`
	Payload        collector.Payload     `json:"payload"`
	ServerFindings []detection.Finding   `json:"server_impossibilities"`
	ServerScore    float64               `json:"server_fraud_score"`
	Sighting       *fingerprint.Sighting `json:"fingerprint_sighting,omitempty"`

	// FingerprintMismatch is set when the submitted hash does not match the
	// submitted details. Such fingerprints are not recorded.
	FingerprintMismatch bool `json:"fingerprint_mismatch,omitempty"`
}

// Store is the training-data repository. Records are scoped by site; a site
// never sees another site's records.
type Store interface {
	// Save assigns rec an ID if it has none and stores it.
	Save(ctx context.Context, rec *Record) error
	// Get returns one record or ErrNotFound.
	Get(ctx context.Context, site, id string) (*Record, error)
	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, site string, limit int) ([]Record, error)
	// KindCounts returns how many stored records carried each finding kind,
	// plus CountTotal.
	KindCounts(ctx context.Context, site string) (map[string]int64, error)
	Ping(ctx context.Context) error
	Close() error
}

func serverKinds(rec *Record) []string {
	return detection.Result{Findings: rec.ServerFindings}.Kinds()
}
