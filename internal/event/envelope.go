package event

import "time"

// Envelope is a validated record as published by the ingestor, with the
// server-side enrichment attached.
type Envelope struct {
	Record

	ProjectID  string    `json:"projectId"`
	ReceivedAt time.Time `json:"receivedAt"`
	ClientIP   string    `json:"clientIp,omitempty"`

	Browser        string `json:"browser,omitempty"`
	BrowserVersion string `json:"browserVersion,omitempty"`
	OS             string `json:"os,omitempty"`
	Country        string `json:"country,omitempty"`
	City           string `json:"city,omitempty"`
}
