// Package agent exposes the device-side queue and sync coordinator over a
// local HTTP API.
package agent

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/skillbridge254/eventsync/internal/event"
	"github.com/skillbridge254/eventsync/internal/queue"
	"github.com/skillbridge254/eventsync/internal/syncer"
)

const maxBodyBytes = 1 << 20

type Handler struct {
	store       queue.Store
	coordinator *syncer.Coordinator

	mu      sync.RWMutex
	network string
}

func NewHandler(store queue.Store, coordinator *syncer.Coordinator) *Handler {
	return &Handler{
		store:       store,
		coordinator: coordinator,
		network:     event.NetworkUnknown,
	}
}

// Routes mounts the agent API on a new chi router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/health", HealthCheck)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/events", h.HandleEvents)
		r.Post("/connectivity", h.HandleConnectivity)
		r.Post("/sync", h.HandleSync)
		r.Get("/status", h.HandleStatus)
		r.Get("/dead-letters", h.HandleDeadLetters)
		r.Post("/dead-letters/{id}/requeue", h.HandleRequeue)
	})
	return r
}

type EventsResponse struct {
	Success  bool     `json:"success"`
	Queued   int      `json:"queued"`
	IDs      []int64  `json:"ids,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	payloads, err := decodePayloads(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, EventsResponse{Errors: []string{"Invalid JSON: " + err.Error()}})
		return
	}

	online := h.coordinator.Online()
	network := h.networkType()

	records := make([]event.Record, 0, len(payloads))
	var warnings []string
	for _, raw := range payloads {
		rec := event.Normalize(withConnectivity(raw, online, network))

		// Validation is advisory here; the sync endpoint is authoritative.
		if res := event.Validate(rec); !res.Valid {
			log.Warn().
				Str("event_id", rec.EventID).
				Strs("errors", res.Errors).
				Msg("Queueing event that failed validation")
			warnings = append(warnings, res.Errors...)
		}
		records = append(records, rec)
	}

	queued, err := h.store.EnqueueBatch(r.Context(), records)
	if err != nil {
		log.Error().Err(err).Int("count", len(records)).Msg("Failed to enqueue events")
		writeJSON(w, http.StatusInternalServerError, EventsResponse{Errors: []string{"Failed to queue events"}})
		return
	}

	ids := make([]int64, len(queued))
	for i, rec := range queued {
		ids[i] = rec.ID
	}
	writeJSON(w, http.StatusAccepted, EventsResponse{
		Success:  true,
		Queued:   len(queued),
		IDs:      ids,
		Warnings: warnings,
	})
}

type ConnectivityRequest struct {
	Online      bool   `json:"online"`
	NetworkType string `json:"networkType,omitempty"`
}

func (h *Handler) HandleConnectivity(w http.ResponseWriter, r *http.Request) {
	var req ConnectivityRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	network := event.NetworkOffline
	if req.Online {
		network = event.NormalizeNetworkType(req.NetworkType)
	}
	h.mu.Lock()
	h.network = network
	h.mu.Unlock()

	h.coordinator.SetOnline(req.Online)
	log.Info().Bool("online", req.Online).Str("network", network).Msg("Connectivity changed")

	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"online":      req.Online,
		"networkType": network,
	})
}

func (h *Handler) HandleSync(w http.ResponseWriter, r *http.Request) {
	res, err := h.coordinator.Trigger(r.Context(), h.coordinator.Online())
	if err != nil {
		log.Error().Err(err).Msg("Manual sync failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   err.Error(),
			"result":  res,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"result":  res,
	})
}

type StatusResponse struct {
	Online      bool         `json:"online"`
	NetworkType string       `json:"networkType"`
	State       syncer.State `json:"state"`
	Queue       queue.Stats  `json:"queue"`
}

func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.store.Stats(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to read queue stats")
		http.Error(w, "Failed to read queue stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Online:      h.coordinator.Online(),
		NetworkType: h.networkType(),
		State:       h.coordinator.State(),
		Queue:       st,
	})
}

func (h *Handler) HandleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	dead, err := h.store.DeadLetters(r.Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list dead letters")
		http.Error(w, "Failed to list dead letters", http.StatusInternalServerError)
		return
	}
	if dead == nil {
		dead = []queue.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deadLetters": dead})
}

func (h *Handler) HandleRequeue(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid id", http.StatusBadRequest)
		return
	}

	rec, err := h.store.Requeue(r.Context(), id)
	if errors.Is(err, queue.ErrNotFound) {
		http.Error(w, "Dead letter not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Error().Err(err).Int64("dead_letter_id", id).Msg("Failed to requeue dead letter")
		http.Error(w, "Failed to requeue", http.StatusInternalServerError)
		return
	}

	log.Info().Int64("dead_letter_id", id).Int64("id", rec.ID).Msg("Dead letter requeued")
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "record": rec})
}

func (h *Handler) networkType() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.network
}

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// decodePayloads accepts a single event object, a JSON array of events or
// an object with an "events" array.
func decodePayloads(body []byte) ([]map[string]any, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err == nil {
		if _, ok := probe["events"]; !ok {
			single, err := event.DecodeBatch(append(append([]byte("["), body...), ']'))
			if err != nil {
				return nil, err
			}
			return single, nil
		}
	}
	return event.DecodeBatch(body)
}

// withConnectivity fills in the device's current network state when the
// payload does not carry its own.
func withConnectivity(raw map[string]any, online bool, network string) map[string]any {
	ctx, _ := raw["context"].(map[string]any)
	has := func(key string) bool {
		if _, ok := raw[key]; ok {
			return true
		}
		_, ok := ctx[key]
		return ok
	}

	if has("networkType") && has("offlineMode") {
		return raw
	}
	out := make(map[string]any, len(raw)+1)
	for k, v := range raw {
		out[k] = v
	}
	nctx := make(map[string]any, len(ctx)+2)
	for k, v := range ctx {
		nctx[k] = v
	}
	if !has("networkType") {
		nctx["networkType"] = network
	}
	if !has("offlineMode") {
		nctx["offlineMode"] = !online
	}
	out["context"] = nctx
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
