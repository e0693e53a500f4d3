package transformer

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/skillbridge254/eventsync/internal/event"
	"github.com/skillbridge254/eventsync/internal/storage"
)

var ErrMissingEventID = errors.New("transformer: event has no id")

// TransformEvent flattens an ingested envelope into a research_events row.
func TransformEvent(env *event.Envelope) (*storage.ResearchEventRow, error) {
	if env.EventID == "" {
		return nil, ErrMissingEventID
	}

	row := &storage.ResearchEventRow{
		EventID:       env.EventID,
		ProjectID:     env.ProjectID,
		UserID:        env.UserID,
		SessionID:     env.SessionID,
		EventType:     string(env.EventType),
		EventCategory: string(event.InferCategory(env.EventType)),
		Timestamp:     env.Timestamp.UTC(),
		ReceivedAt:    env.ReceivedAt.UTC(),

		SyncSource: string(env.SyncStatus.Source),
		RetryCount: clampUint16(env.SyncStatus.RetryCount),
		QueuedAt:   utcPtr(env.SyncStatus.QueuedAt),
		SyncedAt:   utcPtr(env.SyncStatus.SyncedAt),

		DeviceType:        env.Context.DeviceType,
		NetworkType:       env.Context.NetworkType,
		OfflineMode:       boolToUint8(env.Context.OfflineMode),
		Language:          env.Context.Language,
		AccessibilityMode: env.Context.AccessibilityMode,
		ScreenWidth:       clampUint16(env.Context.ScreenWidth),
		ScreenHeight:      clampUint16(env.Context.ScreenHeight),

		Browser:        env.Browser,
		BrowserVersion: env.BrowserVersion,
		OS:             env.OS,
		Country:        env.Country,
		City:           env.City,
	}

	if row.SyncSource == "" {
		row.SyncSource = string(event.SourceOnline)
	}

	// Lag between the interaction and the server accepting it
	if !row.ReceivedAt.IsZero() && row.ReceivedAt.After(row.Timestamp) {
		row.SyncLagMs = uint64(row.ReceivedAt.Sub(row.Timestamp).Milliseconds())
	}

	if env.EventData != nil {
		row.ModuleID = getString(env.EventData, "moduleId")
		row.AssessmentID = getString(env.EventData, "assessmentId")
		row.Score = getFloat64Ptr(env.EventData, "score")

		data, err := json.Marshal(env.EventData)
		if err != nil {
			return nil, fmt.Errorf("encode event data: %w", err)
		}
		row.EventData = string(data)
	}

	if env.ExperimentData != nil {
		data, err := json.Marshal(env.ExperimentData)
		if err != nil {
			return nil, fmt.Errorf("encode experiment data: %w", err)
		}
		row.ExperimentData = string(data)
	}

	return row, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func boolToUint8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func clampUint16(n int) uint16 {
	return uint16(min(max(n, 0), math.MaxUint16))
}

func getString(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	}
	return ""
}

func getFloat64Ptr(m map[string]any, key string) *float64 {
	switch v := m[key].(type) {
	case float64:
		return &v
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return &f
		}
	}
	return nil
}
