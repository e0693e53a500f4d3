package event

import (
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// eventDataKeys are lifted from the top level of a payload into EventData.
// A top-level value wins over the same key nested under "eventData".
var eventDataKeys = []string{
	"moduleId", "assessmentId", "questionId", "responseTime", "score",
	"interactions", "previousAnswer", "currentAnswer", "confidence",
	"pageUrl", "searchQuery", "toolName", "actionType", "metadata",
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Normalize shapes a raw client payload into a canonical Record. It never
// fails and never modifies raw; required-field checks belong to Validate.
func Normalize(raw map[string]any) Record {
	return NormalizeAt(raw, time.Now())
}

// NormalizeAt is Normalize with an explicit notion of "now", used when the
// payload carries no usable timestamp.
func NormalizeAt(raw map[string]any, now time.Time) Record {
	if raw == nil {
		raw = map[string]any{}
	}
	nestedData := asMap(raw["eventData"])
	nestedCtx := asMap(raw["context"])
	sync := asMap(raw["syncStatus"])

	r := Record{
		EventID:   normalizeEventID(raw["eventId"]),
		UserID:    asString(raw["userId"]),
		SessionID: asString(raw["sessionId"]),
		Timestamp: coerceTime(raw["timestamp"], now),
		EventType: Type(asString(raw["eventType"])),
	}
	r.EventCategory = InferCategory(r.EventType)
	r.EventData = normalizeEventData(raw, nestedData)
	r.Context = normalizeContext(raw, nestedCtx)

	if exp := asMap(raw["experimentData"]); len(exp) > 0 {
		r.ExperimentData = cloneMap(exp)
	}

	r.SyncStatus = SyncStatus{
		QueuedAt:   optionalTime(sync["queuedAt"]),
		SyncedAt:   optionalTime(sync["syncedAt"]),
		RetryCount: max(asInt(sync["retryCount"]), 0),
		Source:     SourceOnline,
	}
	if s := Source(asString(sync["source"])); s == SourceOfflineSync {
		r.SyncStatus.Source = s
	}

	return r
}

func normalizeEventID(v any) string {
	// Keep client ids only when they are real UUIDs
	if s, ok := v.(string); ok {
		if _, err := uuid.Parse(s); err == nil {
			return s
		}
	}
	return uuid.New().String()
}

func normalizeEventData(raw, nested map[string]any) map[string]any {
	data := make(map[string]any)
	for k, v := range nested {
		if v != nil {
			data[k] = cloneValue(v)
		}
	}
	for _, key := range eventDataKeys {
		if v, ok := raw[key]; ok && v != nil {
			data[key] = cloneValue(v)
		}
	}
	if len(data) == 0 {
		return nil
	}
	return data
}

func normalizeContext(raw, nested map[string]any) Context {
	userAgent := pickString(raw, nested, "userAgent")

	c := Context{
		DeviceType:        normalizeDeviceType(pickString(raw, nested, "deviceType"), userAgent),
		NetworkType:       NormalizeNetworkType(pickString(raw, nested, "networkType")),
		Language:          pickString(raw, nested, "language"),
		AccessibilityMode: pickString(raw, nested, "accessibilityMode"),
		UserAgent:         userAgent,
		ScreenWidth:       max(asInt(pick(raw, nested, "screenWidth")), 0),
		ScreenHeight:      max(asInt(pick(raw, nested, "screenHeight")), 0),
	}
	if c.Language == "" {
		c.Language = DefaultLanguage
	}
	if c.AccessibilityMode == "" {
		c.AccessibilityMode = DefaultAccessibilityMode
	}

	// offlineMode is a boolean, so an explicit false at the top level still wins
	if v, ok := raw["offlineMode"].(bool); ok {
		c.OfflineMode = v
	} else if v, ok := nested["offlineMode"].(bool); ok {
		c.OfflineMode = v
	}

	return c
}

// NormalizeNetworkType maps a reported connection type onto the known set.
func NormalizeNetworkType(s string) string {
	switch s {
	case NetworkWifi, Network4G, Network3G, Network2G, NetworkOffline:
		return s
	case "slow-2g":
		return Network2G
	default:
		return NetworkUnknown
	}
}

func pick(raw, nested map[string]any, key string) any {
	if v, ok := raw[key]; ok && v != nil {
		return v
	}
	return nested[key]
}

func pickString(raw, nested map[string]any, key string) string {
	if s := asString(raw[key]); s != "" {
		return s
	}
	return asString(nested[key])
}

func coerceTime(v any, now time.Time) time.Time {
	if t := optionalTime(v); t != nil {
		return *t
	}
	return now
}

// Epoch-millisecond bounds of the years 1 through 9999, the range a
// time.Time can be JSON encoded in.
const (
	minEpochMillis = -62135596800000
	maxEpochMillis = 253402300799999
)

func optionalTime(v any) *time.Time {
	var t time.Time
	switch val := v.(type) {
	case time.Time:
		t = val
	case *time.Time:
		if val != nil {
			t = *val
		}
	case string:
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, val); err == nil {
				t = parsed
				break
			}
		}
	case float64:
		// JSON numbers are epoch milliseconds
		if !math.IsNaN(val) && val >= minEpochMillis && val <= maxEpochMillis {
			t = fromMillis(int64(val))
		}
	case int64:
		t = fromMillis(val)
	case int:
		t = fromMillis(int64(val))
	case json.Number:
		if ms, err := val.Int64(); err == nil {
			t = fromMillis(ms)
		} else if f, err := val.Float64(); err == nil && f >= minEpochMillis && f <= maxEpochMillis {
			t = fromMillis(int64(f))
		}
	}
	if t.IsZero() || !encodable(t) {
		return nil
	}
	return &t
}

func fromMillis(ms int64) time.Time {
	if ms < minEpochMillis || ms > maxEpochMillis {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// encodable reports whether t survives time.Time.MarshalJSON.
func encodable(t time.Time) bool {
	y := t.Year()
	return y >= 1 && y <= 9999
}

func asString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case json.Number:
		return val.String()
	}
	return ""
}

func asInt(v any) int {
	switch val := v.(type) {
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return 0
		}
		return int(val)
	case int:
		return val
	case int64:
		return int(val)
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return int(n)
		}
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return 0
}

func asMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return nil
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
