package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/skillbridge254/eventsync/internal/config"
	"github.com/skillbridge254/eventsync/internal/event"
	"github.com/skillbridge254/eventsync/internal/retry"
)

// Transport delivers a batch of records to the sync endpoint.
type Transport interface {
	Send(ctx context.Context, records []event.Record) (Ack, error)
}

// Ack is the per-record outcome of a delivered batch.
type Ack struct {
	Synced   []int64
	Rejected []event.Rejection
}

// HTTPTransport POSTs batches as a JSON array of records.
type HTTPTransport struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewHTTPTransport(cfg config.SyncConfig, client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTransport{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		client:   client,
	}
}

func (t *HTTPTransport) Send(ctx context.Context, records []event.Record) (Ack, error) {
	out := make([]event.Record, len(records))
	for i, r := range records {
		r.SyncStatus.Source = event.SourceOfflineSync
		out[i] = r
	}

	body, err := json.Marshal(out)
	if err != nil {
		return Ack{}, retry.Permanent(fmt.Errorf("encode batch: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return Ack{}, retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "eventsync-agent")
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return Ack{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Ack{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Ack{}, &retry.StatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(data[:min(len(data), 512)])),
		}
	}

	var br event.BatchResponse
	if err := json.Unmarshal(data, &br); err != nil {
		return Ack{}, fmt.Errorf("decode response: %w", err)
	}
	return Ack{Synced: br.Synced, Rejected: br.Rejected}, nil
}
