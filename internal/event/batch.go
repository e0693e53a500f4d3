package event

import (
	"bytes"
	"encoding/json"
	"errors"
)

// BatchPath is where the sync endpoint accepts record batches.
const BatchPath = "/research/events/batch"

// BatchResponse is the sync endpoint's answer to a batch. Records listed in
// neither Synced nor Rejected were not acknowledged.
type BatchResponse struct {
	Success  bool        `json:"success"`
	Synced   []int64     `json:"synced"`
	Rejected []Rejection `json:"rejected,omitempty"`
	Errors   []string    `json:"errors,omitempty"`
}

// Rejection reports why one record of a batch was refused, using HTTP
// status semantics so clients can tell permanent from transient failures.
type Rejection struct {
	ID     int64    `json:"id"`
	Status int      `json:"status"`
	Errors []string `json:"errors,omitempty"`
}

// DecodeBatch accepts either a JSON array of records or an object with an
// "events" array.
func DecodeBatch(data []byte) ([]map[string]any, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("empty body")
	}

	dec := func(v any) error {
		d := json.NewDecoder(bytes.NewReader(data))
		d.UseNumber()
		return d.Decode(v)
	}

	if data[0] == '[' {
		var events []map[string]any
		if err := dec(&events); err != nil {
			return nil, err
		}
		return events, nil
	}

	var wrapped struct {
		Events []map[string]any `json:"events"`
	}
	if err := dec(&wrapped); err != nil {
		return nil, err
	}
	if wrapped.Events == nil {
		return nil, errors.New(`expected a JSON array or an object with "events"`)
	}
	return wrapped.Events, nil
}

// BatchID returns the client's queue id carried by a raw batch entry, or 0.
func BatchID(raw map[string]any) int64 {
	return int64(asInt(raw["id"]))
}
