package syncer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillbridge254/eventsync/internal/config"
	"github.com/skillbridge254/eventsync/internal/event"
	"github.com/skillbridge254/eventsync/internal/retry"
)

func TestHTTPTransportSend(t *testing.T) {
	var got []event.Record
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, event.BatchPath, r.URL.Path)
		assert.Equal(t, "Bearer k-123", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		_ = json.NewEncoder(w).Encode(event.BatchResponse{
			Success:  true,
			Synced:   []int64{got[0].ID},
			Rejected: []event.Rejection{{ID: got[1].ID, Status: http.StatusBadRequest, Errors: []string{"Invalid eventType: nope"}}},
		})
	}))
	defer srv.Close()

	tr := NewHTTPTransport(config.SyncConfig{Endpoint: srv.URL + event.BatchPath, APIKey: "k-123"}, srv.Client())

	records := []event.Record{
		event.Normalize(map[string]any{"userId": "u", "sessionId": "s", "eventType": "assessment_complete"}),
		event.Normalize(map[string]any{"userId": "u", "sessionId": "s", "eventType": "assessment_start"}),
	}
	records[0].ID, records[1].ID = 10, 11

	ack, err := tr.Send(context.Background(), records)
	require.NoError(t, err)
	assert.Equal(t, []int64{10}, ack.Synced)
	require.Len(t, ack.Rejected, 1)
	assert.Equal(t, int64(11), ack.Rejected[0].ID)

	require.Len(t, got, 2)
	for _, r := range got {
		assert.Equal(t, event.SourceOfflineSync, r.SyncStatus.Source)
	}
	assert.Equal(t, event.SourceOnline, records[0].SyncStatus.Source, "caller's records are untouched")
}

func TestHTTPTransportStatusErrors(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusServiceUnavailable, true},
		{http.StatusTooManyRequests, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			tr := NewHTTPTransport(config.SyncConfig{Endpoint: srv.URL}, srv.Client())
			_, err := tr.Send(context.Background(), []event.Record{{ID: 1}})
			require.Error(t, err)

			var se *retry.StatusError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.status, se.StatusCode)
			assert.Equal(t, "nope", se.Body)
			assert.Equal(t, tt.retryable, retry.IsRetryable(err))
		})
	}
}

func TestHTTPTransportNetworkErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	tr := NewHTTPTransport(config.SyncConfig{Endpoint: url}, nil)
	_, err := tr.Send(context.Background(), []event.Record{{ID: 1}})
	require.Error(t, err)
	assert.True(t, retry.IsRetryable(err))
}

func TestHTTPTransportBadEndpointIsPermanent(t *testing.T) {
	tr := NewHTTPTransport(config.SyncConfig{Endpoint: "://missing-scheme"}, nil)
	_, err := tr.Send(context.Background(), []event.Record{{ID: 1}})
	require.Error(t, err)
	assert.True(t, retry.IsPermanent(err))
}
