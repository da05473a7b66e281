package api

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/adtruth/server/internal/behavior"
	"github.com/adtruth/server/internal/collector"
	"github.com/adtruth/server/internal/detection"
	"github.com/adtruth/server/internal/events"
	"github.com/adtruth/server/internal/logging"
	"github.com/adtruth/server/internal/metrics"
	"github.com/adtruth/server/internal/store"
)

const (
	defaultRecentLimit = 20
	maxRecentLimit     = 100
	healthTimeout      = 2 * time.Second

	// scoreTolerance absorbs float formatting differences between client
	// and server scores.
	scoreTolerance = 1e-6
)

// ============================================================================
// Health
// ============================================================================

func (s *Server) healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		if err := s.store.Ping(ctx); err != nil {
			logging.Err(err).Msg("health check failed")
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"error":  "store unreachable",
			})
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ============================================================================
// Stateless evaluation
// ============================================================================

// evaluation is the wire form of a detection result. Impossibilities is never
// null.
type evaluation struct {
	Impossibilities []detection.Finding `json:"impossibilities"`
	FraudScore      float64             `json:"fraud_score"`
}

func newEvaluation(res detection.Result) evaluation {
	findings := res.Findings
	if findings == nil {
		findings = []detection.Finding{}
	}
	return evaluation{Impossibilities: findings, FraudScore: res.Score}
}

func (s *Server) evaluateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var snap behavior.Snapshot
		if err := s.decode(w, r, &snap, nil); err != nil {
			respondDecodeError(w, err)
			return
		}

		res := s.catalogue.Assess(snap)
		metrics.RecordEvaluation("evaluate", res.Kinds(), res.Score)
		respondJSON(w, http.StatusOK, newEvaluation(res))
	}
}

type replayResponse struct {
	events.ReplayResult
	Impossibilities []detection.Finding `json:"impossibilities"`
	FraudScore      float64             `json:"fraud_score"`
}

func (s *Server) replayHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var batch events.Batch
		if err := s.decode(w, r, &batch, nil); err != nil {
			respondDecodeError(w, err)
			return
		}

		replayed := events.Replay(batch)
		res := s.catalogue.Assess(replayed.Snapshot)
		metrics.RecordEvaluation("replay", res.Kinds(), res.Score)
		eval := newEvaluation(res)
		respondJSON(w, http.StatusOK, replayResponse{
			ReplayResult:    replayed,
			Impossibilities: eval.Impossibilities,
			FraudScore:      eval.FraudScore,
		})
	}
}

// ============================================================================
// Training data
// ============================================================================

type ingestResponse struct {
	ID              string              `json:"id"`
	Impossibilities []detection.Finding `json:"impossibilities"`
	FraudScore      float64             `json:"fraud_score"`
}

// ingestHandler stores a collector payload. The client's findings and score
// are kept as submitted but the stored verdict is the server's own
// evaluation of the same snapshot.
func (s *Server) ingestHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p collector.Payload
		err := s.decode(w, r, &p, func() {
			// Older collectors did not send an event type.
			if p.EventType == "" {
				p.EventType = collector.EventWindow
			}
		})
		if err != nil {
			metrics.IngestTotal.WithLabelValues("invalid").Inc()
			respondDecodeError(w, err)
			return
		}

		site := siteFrom(r.Context())
		ip := clientIP(r)
		res := s.catalogue.Assess(p.BehavioralFeatures)
		eval := newEvaluation(res)

		rec := &store.Record{
			Site:           site,
			ReceivedAt:     s.now().UTC(),
			RemoteIP:       ip,
			Payload:        p,
			ServerFindings: eval.Impossibilities,
			ServerScore:    res.Score,
		}
		if fp := p.Fingerprint; fp != nil {
			// A hash that disagrees with its details was forged or corrupted
			// and would pollute the registry.
			if fp.Matches() {
				sighting := s.registry.Record(site, fp.Hash, ip)
				rec.Sighting = &sighting
			} else {
				rec.FingerprintMismatch = true
				logging.Debug().
					Str("site", site).
					Str("hash", fp.Hash).
					Msg("fingerprint hash does not match its details")
			}
		}

		if err := s.store.Save(r.Context(), rec); err != nil {
			metrics.IngestTotal.WithLabelValues("error").Inc()
			logging.Err(err).Str("site", site).Msg("failed to store training record")
			respondError(w, http.StatusInternalServerError, "failed to store record")
			return
		}

		metrics.IngestTotal.WithLabelValues("stored").Inc()
		metrics.RecordEvaluation("ingest", res.Kinds(), res.Score)
		if math.Abs(p.FraudScore-res.Score) > scoreTolerance {
			metrics.ScoreDisagreements.Inc()
			logging.Debug().
				Str("site", site).
				Str("id", rec.ID).
				Float64("client_score", p.FraudScore).
				Float64("server_score", res.Score).
				Msg("client and server scores disagree")
		}

		logging.Info().
			Str("site", site).
			Str("id", rec.ID).
			Str("event_type", p.EventType).
			Float64("fraud_score", res.Score).
			Msg("training record stored")

		respondJSON(w, http.StatusCreated, ingestResponse{
			ID:              rec.ID,
			Impossibilities: eval.Impossibilities,
			FraudScore:      eval.FraudScore,
		})
	}
}

func (s *Server) recentHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultRecentLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				respondError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = min(n, maxRecentLimit)
		}

		records, err := s.store.Recent(r.Context(), siteFrom(r.Context()), limit)
		if err != nil {
			logging.Err(err).Msg("failed to list training records")
			respondError(w, http.StatusInternalServerError, "failed to list records")
			return
		}
		if records == nil {
			records = []store.Record{}
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"records": records,
			"count":   len(records),
		})
	}
}

func (s *Server) recordHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := s.store.Get(r.Context(), siteFrom(r.Context()), chi.URLParam(r, "id"))
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "record not found")
			return
		}
		if err != nil {
			logging.Err(err).Msg("failed to load training record")
			respondError(w, http.StatusInternalServerError, "failed to load record")
			return
		}
		respondJSON(w, http.StatusOK, rec)
	}
}

type statsResponse struct {
	Site  string           `json:"site"`
	Total int64            `json:"total"`
	Kinds map[string]int64 `json:"impossibilities"`
}

// statsHandler reports how many stored records carried each kind. Every
// catalogue kind is listed, including those never seen.
func (s *Server) statsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		site := siteFrom(r.Context())
		counts, err := s.store.KindCounts(r.Context(), site)
		if err != nil {
			logging.Err(err).Msg("failed to load training stats")
			respondError(w, http.StatusInternalServerError, "failed to load stats")
			return
		}

		resp := statsResponse{Site: site, Total: counts[store.CountTotal], Kinds: make(map[string]int64)}
		for _, k := range s.catalogue.Kinds() {
			resp.Kinds[string(k)] = counts[string(k)]
		}
		respondJSON(w, http.StatusOK, resp)
	}
}
