package handler

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/skillbridge254/eventsync/internal/event"
)

const maxBatchBytes = 4 << 20

// Guard authenticates callers and de-duplicates deliveries.
type Guard interface {
	ValidateAPIKey(ctx context.Context, apiKey string) (string, error)
	CheckRateLimit(ctx context.Context, projectID string) bool
	Claim(ctx context.Context, eventID string) (bool, error)
	Release(ctx context.Context, eventID string) error
}

type Enricher interface {
	Enrich(rec event.Record, projectID, userAgent, clientIP string) *event.Envelope
}

type Publisher interface {
	Publish(ctx context.Context, envs []*event.Envelope) []error
}

type HTTPHandler struct {
	publisher Publisher
	guard     Guard
	enricher  Enricher
	now       func() time.Time
}

func NewHTTPHandler(p Publisher, g Guard, e Enricher) *HTTPHandler {
	return &HTTPHandler{
		publisher: p,
		guard:     g,
		enricher:  e,
		now:       time.Now,
	}
}

// HandleBatch accepts a batch of records and acknowledges each one: synced,
// rejected with 400 when invalid, or rejected with 503 when it could not be
// published and should be retried.
func (h *HTTPHandler) HandleBatch(w http.ResponseWriter, r *http.Request) {
	apiKey := extractAPIKey(r)
	if apiKey == "" {
		writeJSON(w, http.StatusUnauthorized, event.BatchResponse{Errors: []string{"Missing API key"}})
		return
	}

	projectID, err := h.guard.ValidateAPIKey(r.Context(), apiKey)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, event.BatchResponse{Errors: []string{"Invalid API key"}})
		return
	}

	// Rate limiting
	if !h.guard.CheckRateLimit(r.Context(), projectID) {
		writeJSON(w, http.StatusTooManyRequests, event.BatchResponse{Errors: []string{"Rate limit exceeded"}})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBatchBytes))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	raws, err := event.DecodeBatch(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, event.BatchResponse{Errors: []string{"Invalid JSON: " + err.Error()}})
		return
	}

	clientIP := clientIP(r)
	userAgent := r.Header.Get("User-Agent")
	now := h.now().UTC()

	resp := event.BatchResponse{Synced: []int64{}}
	var (
		envs []*event.Envelope
		ids  []int64
	)

	for _, raw := range raws {
		id := event.BatchID(raw)
		rec := event.Normalize(raw)

		if res := event.Validate(rec); !res.Valid {
			resp.Rejected = append(resp.Rejected, event.Rejection{
				ID:     id,
				Status: http.StatusBadRequest,
				Errors: res.Errors,
			})
			continue
		}

		claimed, err := h.guard.Claim(r.Context(), rec.EventID)
		if err != nil {
			// Without Redis a duplicate may slip through; downstream rows are keyed by event id
			log.Warn().Err(err).Str("event_id", rec.EventID).Msg("De-duplication unavailable")
			claimed = true
		}
		if !claimed {
			log.Debug().Str("event_id", rec.EventID).Msg("Duplicate event acknowledged")
			resp.Synced = append(resp.Synced, id)
			continue
		}

		syncedAt := now
		rec.SyncStatus.SyncedAt = &syncedAt
		envs = append(envs, h.enricher.Enrich(rec, projectID, userAgent, clientIP))
		ids = append(ids, id)
	}

	if len(envs) > 0 {
		errs := h.publisher.Publish(r.Context(), envs)
		for i, err := range errs {
			if err == nil {
				resp.Synced = append(resp.Synced, ids[i])
				continue
			}
			log.Error().Err(err).Str("event_id", envs[i].EventID).Msg("Failed to publish event")
			if rerr := h.guard.Release(context.WithoutCancel(r.Context()), envs[i].EventID); rerr != nil {
				log.Warn().Err(rerr).Str("event_id", envs[i].EventID).Msg("Failed to release event id")
			}
			resp.Rejected = append(resp.Rejected, event.Rejection{
				ID:     ids[i],
				Status: http.StatusServiceUnavailable,
				Errors: []string{"Temporarily unable to accept event"},
			})
		}
	}

	resp.Success = len(resp.Rejected) == 0
	log.Debug().
		Str("project_id", projectID).
		Int("received", len(raws)).
		Int("synced", len(resp.Synced)).
		Int("rejected", len(resp.Rejected)).
		Msg("Batch processed")

	writeJSON(w, http.StatusOK, resp)
}

// extractAPIKey reads the key from "Authorization: Bearer" or X-Api-Key.
func extractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.Header.Get("X-Api-Key"))
}

// clientIP expects chi's RealIP middleware to have rewritten RemoteAddr.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Api-Key")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
