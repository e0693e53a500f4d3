package enricher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/skillbridge254/eventsync/internal/event"
)

const (
	androidUA = "Mozilla/5.0 (Linux; Android 12; SM-A125F) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Mobile Safari/537.36"
	desktopUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

func TestEnrichPrefersRecordUserAgent(t *testing.T) {
	e := NewEnricher("")
	e.now = func() time.Time { return time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC) }

	rec := event.Normalize(map[string]any{
		"userId": "u1", "sessionId": "s1", "eventType": "page_view",
		"context": map[string]any{"userAgent": androidUA},
	})
	env := e.Enrich(rec, "p1", desktopUA, "10.0.0.8")

	assert.Equal(t, "p1", env.ProjectID)
	assert.Equal(t, "Chrome", env.Browser)
	assert.Equal(t, "10.0.0.8", env.ClientIP)
	assert.Equal(t, e.now(), env.ReceivedAt)
	assert.Equal(t, event.DeviceMobile, env.Context.DeviceType)
	assert.Empty(t, env.Country, "no GeoIP database loaded")
}

func TestEnrichFillsUnknownDeviceFromRequest(t *testing.T) {
	e := NewEnricher("/nonexistent/GeoLite2-City.mmdb")
	defer e.Close()

	rec := event.Normalize(map[string]any{"userId": "u1", "sessionId": "s1", "eventType": "login"})
	assert.Equal(t, event.DeviceUnknown, rec.Context.DeviceType)

	env := e.Enrich(rec, "p1", desktopUA, "")
	assert.Equal(t, event.DeviceDesktop, env.Context.DeviceType)
	assert.Contains(t, env.OS, "Windows")
	assert.Equal(t, event.DeviceUnknown, rec.Context.DeviceType, "input record is untouched")
}
