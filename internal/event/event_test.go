package event

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	deviceTypes  = []string{DeviceMobile, DeviceTablet, DeviceDesktop, DeviceUnknown}
	networkTypes = []string{NetworkWifi, Network4G, Network3G, Network2G, NetworkOffline, NetworkUnknown}
)

func randomPayload(rng *rand.Rand, i int) map[string]any {
	raw := map[string]any{
		"userId":    fmt.Sprintf("user-%d", rng.IntN(1000)),
		"sessionId": fmt.Sprintf("sess-%d", i),
		"eventType": string(Types[rng.IntN(len(Types))]),
	}
	if rng.IntN(2) == 0 {
		raw["deviceType"] = []string{"mobile", "tablet", "desktop", "fridge", ""}[rng.IntN(5)]
	}
	if rng.IntN(2) == 0 {
		raw["context"] = map[string]any{
			"networkType": []string{"wifi", "4g", "slow-2g", "5g", "offline"}[rng.IntN(5)],
			"offlineMode": rng.IntN(2) == 0,
		}
	}
	switch rng.IntN(4) {
	case 0:
		raw["timestamp"] = nil
	case 1:
		raw["timestamp"] = "not a date"
	case 2:
		raw["timestamp"] = float64(time.Now().UnixMilli())
	}
	if rng.IntN(2) == 0 {
		raw["moduleId"] = "mod-1"
		raw["eventData"] = map[string]any{"score": 80.0, "metadata": map[string]any{"k": "v"}}
	}
	return raw
}

func TestNormalize_PreservesIdentityFields(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 200; i++ {
		raw := randomPayload(rng, i)
		r := Normalize(raw)

		assert.Equal(t, raw["userId"], r.UserID)
		assert.Equal(t, raw["sessionId"], r.SessionID)
		assert.Equal(t, raw["eventType"], string(r.EventType))
	}
}

func TestNormalize_ContextAlwaysInRange(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	for i := 0; i < 200; i++ {
		r := Normalize(randomPayload(rng, i))

		assert.Contains(t, deviceTypes, r.Context.DeviceType)
		assert.Contains(t, networkTypes, r.Context.NetworkType)
		assert.NotEmpty(t, r.Context.Language)
		assert.NotEmpty(t, r.Context.AccessibilityMode)
	}
}

func TestNormalize_Defaults(t *testing.T) {
	r := Normalize(map[string]any{"userId": "u1", "sessionId": "s1", "eventType": "login"})

	assert.Equal(t, DeviceUnknown, r.Context.DeviceType)
	assert.Equal(t, NetworkUnknown, r.Context.NetworkType)
	assert.False(t, r.Context.OfflineMode)
	assert.Equal(t, "en", r.Context.Language)
	assert.Equal(t, "standard", r.Context.AccessibilityMode)
	assert.Equal(t, 0, r.SyncStatus.RetryCount)
	assert.Equal(t, SourceOnline, r.SyncStatus.Source)
	assert.Nil(t, r.EventData)
	assert.Nil(t, r.ExperimentData)
	assert.NotEmpty(t, r.EventID)
}

func TestNormalize_TimestampCoercion(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	fixed := time.Date(2024, 11, 5, 8, 30, 0, 0, time.UTC)

	tests := []struct {
		name string
		raw  map[string]any
		want time.Time
	}{
		{"missing", map[string]any{}, now},
		{"null", map[string]any{"timestamp": nil}, now},
		{"garbage string", map[string]any{"timestamp": "yesterday-ish"}, now},
		{"empty string", map[string]any{"timestamp": ""}, now},
		{"wrong type", map[string]any{"timestamp": true}, now},
		{"rfc3339", map[string]any{"timestamp": "2024-11-05T08:30:00Z"}, fixed},
		{"epoch millis", map[string]any{"timestamp": float64(fixed.UnixMilli())}, fixed},
		{"time value", map[string]any{"timestamp": fixed}, fixed},
		{"json number millis", map[string]any{"timestamp": json.Number(fmt.Sprint(fixed.UnixMilli()))}, fixed},
		{"int64 millis", map[string]any{"timestamp": fixed.UnixMilli()}, fixed},
		{"float past year 9999", map[string]any{"timestamp": 8e15}, now},
		{"float before year 1", map[string]any{"timestamp": -8e15}, now},
		{"float just past year 9999", map[string]any{"timestamp": float64(253402300800000)}, now},
		{"json number past year 9999", map[string]any{"timestamp": json.Number("9000000000000000")}, now},
		{"json number exponent", map[string]any{"timestamp": json.Number("9e15")}, now},
		{"int64 before year 1", map[string]any{"timestamp": int64(-9000000000000000)}, now},
		{"int past year 9999", map[string]any{"timestamp": 9000000000000000}, now},
		{"infinity", map[string]any{"timestamp": math.Inf(1)}, now},
		{"time past year 9999", map[string]any{"timestamp": time.Date(10000, 1, 1, 0, 0, 0, 0, time.UTC)}, now},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NormalizeAt(tt.raw, now)
			assert.False(t, r.Timestamp.IsZero())
			assert.True(t, tt.want.Equal(r.Timestamp), "got %v", r.Timestamp)

			_, err := json.Marshal(r)
			assert.NoError(t, err)
		})
	}
}

func TestNormalize_DoesNotMutateInput(t *testing.T) {
	raw := map[string]any{
		"userId":    "u1",
		"sessionId": "s1",
		"eventType": "module_progress",
		"moduleId":  "top",
		"eventData": map[string]any{"moduleId": "nested", "metadata": map[string]any{"step": 1.0}},
	}
	before, err := json.Marshal(raw)
	require.NoError(t, err)

	r := Normalize(raw)
	r.EventData["metadata"].(map[string]any)["step"] = 99.0
	r.EventData["extra"] = true

	after, err := json.Marshal(raw)
	require.NoError(t, err)
	assert.JSONEq(t, string(before), string(after))
	assert.Equal(t, "top", r.EventData["moduleId"])
}

func TestNormalize_EventDataOmitsAbsentFields(t *testing.T) {
	r := Normalize(map[string]any{
		"userId":       "u1",
		"sessionId":    "s1",
		"eventType":    "assessment_answer",
		"assessmentId": "a-7",
		"score":        nil,
		"eventData":    map[string]any{"responseTime": 1200.0, "confidence": nil},
	})

	assert.Equal(t, map[string]any{"assessmentId": "a-7", "responseTime": 1200.0}, r.EventData)
}

func TestNormalize_CategoryIgnoresSuppliedValue(t *testing.T) {
	r := Normalize(map[string]any{"eventType": "module_start", "eventCategory": "research"})
	assert.Equal(t, CategoryLearning, r.EventCategory)
}

func TestNormalize_KeepsValidEventID(t *testing.T) {
	id := "0b6e4c4e-4bc1-4f5e-9a8e-3c6f1f1d2a10"
	assert.Equal(t, id, Normalize(map[string]any{"eventId": id}).EventID)
	assert.NotEqual(t, "not-a-uuid", Normalize(map[string]any{"eventId": "not-a-uuid"}).EventID)
}

func TestNormalize_NetworkAndDevice(t *testing.T) {
	r := Normalize(map[string]any{"networkType": "slow-2g"})
	assert.Equal(t, Network2G, r.Context.NetworkType)

	r = Normalize(map[string]any{"context": map[string]any{
		"userAgent": "Mozilla/5.0 (iPad; CPU OS 16_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.0 Mobile/15E148 Safari/604.1",
	}})
	assert.Equal(t, DeviceTablet, r.Context.DeviceType)

	r = Normalize(map[string]any{
		"deviceType": "desktop",
		"userAgent":  "Mozilla/5.0 (iPad; CPU OS 16_0 like Mac OS X)",
	})
	assert.Equal(t, DeviceDesktop, r.Context.DeviceType)
}

func TestNormalize_OfflineModeExplicitFalseWins(t *testing.T) {
	r := Normalize(map[string]any{
		"offlineMode": false,
		"context":     map[string]any{"offlineMode": true},
	})
	assert.False(t, r.Context.OfflineMode)
}

func TestDeviceTypeFromUserAgent(t *testing.T) {
	assert.Equal(t, DeviceDesktop, DeviceTypeFromUserAgent("Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"))
	assert.Equal(t, DeviceMobile, DeviceTypeFromUserAgent("Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1"))
	assert.Equal(t, DeviceUnknown, DeviceTypeFromUserAgent(""))
}

func TestInferCategory_Deterministic(t *testing.T) {
	inputs := append(slices.Clone(Types), "", "unknown_thing", "PAGE_VIEW")
	for _, typ := range inputs {
		first := InferCategory(typ)
		for i := 0; i < 5; i++ {
			assert.Equal(t, first, InferCategory(typ))
		}
		assert.Contains(t, Categories, first)
	}
	assert.Equal(t, CategorySystem, InferCategory("unknown_thing"))
	assert.Equal(t, CategoryBusinessTool, InferCategory(TypeBusinessToolUse))
	assert.Equal(t, CategoryResearch, InferCategory(TypeEconomicSurvey))
	assert.Equal(t, CategoryAccessibility, InferCategory(TypeVoiceCommand))
}

func TestValidate_ValidTypesPass(t *testing.T) {
	for _, typ := range Types {
		res := Validate(Normalize(map[string]any{"userId": "u", "sessionId": "s", "eventType": string(typ)}))
		assert.True(t, res.Valid, "type %s: %v", typ, res.Errors)
		assert.Empty(t, res.Errors)
	}
}

func TestValidate_MissingFieldNamed(t *testing.T) {
	for _, field := range []string{"userId", "sessionId", "eventType"} {
		t.Run(field, func(t *testing.T) {
			raw := map[string]any{"userId": "u", "sessionId": "s", "eventType": "search"}
			delete(raw, field)

			res := Validate(Normalize(raw))
			require.False(t, res.Valid)
			assert.Contains(t, res.Errors, "Missing required field: "+field)
		})
	}
}

func TestValidate_Accumulates(t *testing.T) {
	res := Validate(Normalize(map[string]any{"eventType": "teleport"}))

	assert.False(t, res.Valid)
	assert.Equal(t, []string{
		"Missing required field: userId",
		"Missing required field: sessionId",
		"Invalid eventType: teleport",
	}, res.Errors)
}

func TestValidate_ZeroTimestamp(t *testing.T) {
	res := Validate(Record{UserID: "u", SessionID: "s", EventType: TypeLogin})
	assert.Equal(t, []string{"Missing required field: timestamp"}, res.Errors)
}

func TestDecodeBatch(t *testing.T) {
	arr, err := DecodeBatch([]byte(` [{"id": 7, "eventType": "search"}, {"eventType": "page_view"}]`))
	require.NoError(t, err)
	require.Len(t, arr, 2)
	assert.Equal(t, int64(7), BatchID(arr[0]))
	assert.Zero(t, BatchID(arr[1]))

	wrapped, err := DecodeBatch([]byte(`{"events": [{"id": "12"}]}`))
	require.NoError(t, err)
	require.Len(t, wrapped, 1)
	assert.Equal(t, int64(12), BatchID(wrapped[0]))

	for _, body := range []string{"", "   ", `{"foo": 1}`, `[{`} {
		_, err := DecodeBatch([]byte(body))
		assert.Error(t, err, "body %q", body)
	}
}
