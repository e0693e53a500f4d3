package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/skillbridge254/eventsync/internal/config"
)

type ClickHouse struct {
	conn driver.Conn
}

// ResearchEventRow represents a row in the research_events table
type ResearchEventRow struct {
	EventID       string
	ProjectID     string
	UserID        string
	SessionID     string
	EventType     string
	EventCategory string
	Timestamp     time.Time
	ReceivedAt    time.Time

	// Sync bookkeeping; SyncLagMs is how long the event waited on the device
	SyncSource string
	RetryCount uint16
	QueuedAt   *time.Time
	SyncedAt   *time.Time
	SyncLagMs  uint64

	DeviceType        string
	NetworkType       string
	OfflineMode       uint8
	Language          string
	AccessibilityMode string
	ScreenWidth       uint16
	ScreenHeight      uint16

	Browser        string
	BrowserVersion string
	OS             string
	Country        string
	City           string

	ModuleID       string
	AssessmentID   string
	Score          *float64
	EventData      string
	ExperimentData string
}

// LearnerSessionRow represents a row in the learner_sessions table
type LearnerSessionRow struct {
	SessionID  string
	ProjectID  string
	UserID     string
	StartedAt  time.Time
	EndedAt    time.Time
	DurationMs uint64

	EventsCount         uint32
	LearningEvents      uint32
	AssessmentEvents    uint32
	BusinessToolEvents  uint32
	NavigationEvents    uint32
	SystemEvents        uint32
	ResearchEvents      uint32
	AccessibilityEvents uint32

	ModulesStarted    uint32
	ModulesCompleted  uint32
	AssessmentAnswers uint32
	ErrorsCount       uint32
	OfflineEvents     uint32

	DeviceType  string
	NetworkType string
	Language    string
	Country     string
}

func NewClickHouse(cfg config.ClickHouseConfig) (*ClickHouse, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		MaxOpenConns: cfg.MaxOpenConns,
		MaxIdleConns: cfg.MaxIdleConns,
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}

	// Test connection
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	return &ClickHouse{conn: conn}, nil
}

// Migrate creates the tables if they do not exist.
func (c *ClickHouse) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if err := c.conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (c *ClickHouse) InsertResearchEvents(ctx context.Context, events []ResearchEventRow) error {
	if len(events) == 0 {
		return nil
	}

	batch, err := c.conn.PrepareBatch(ctx, `
		INSERT INTO research_events (
			event_id, project_id, user_id, session_id, event_type, event_category,
			timestamp, received_at,
			sync_source, retry_count, queued_at, synced_at, sync_lag_ms,
			device_type, network_type, offline_mode, language, accessibility_mode,
			screen_width, screen_height,
			browser, browser_version, os, country, city,
			module_id, assessment_id, score, event_data, experiment_data
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare research_events batch: %w", err)
	}

	for _, e := range events {
		err := batch.Append(
			e.EventID, e.ProjectID, e.UserID, e.SessionID, e.EventType, e.EventCategory,
			e.Timestamp, e.ReceivedAt,
			e.SyncSource, e.RetryCount, e.QueuedAt, e.SyncedAt, e.SyncLagMs,
			e.DeviceType, e.NetworkType, e.OfflineMode, e.Language, e.AccessibilityMode,
			e.ScreenWidth, e.ScreenHeight,
			e.Browser, e.BrowserVersion, e.OS, e.Country, e.City,
			e.ModuleID, e.AssessmentID, e.Score, e.EventData, e.ExperimentData,
		)
		if err != nil {
			return fmt.Errorf("append research event %s: %w", e.EventID, err)
		}
	}

	return batch.Send()
}

func (c *ClickHouse) InsertLearnerSession(ctx context.Context, s LearnerSessionRow) error {
	return c.conn.Exec(ctx, `
		INSERT INTO learner_sessions (
			session_id, project_id, user_id,
			started_at, ended_at, duration_ms,
			events_count, learning_events, assessment_events, business_tool_events,
			navigation_events, system_events, research_events, accessibility_events,
			modules_started, modules_completed, assessment_answers, errors_count, offline_events,
			device_type, network_type, language, country
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		s.SessionID, s.ProjectID, s.UserID,
		s.StartedAt, s.EndedAt, s.DurationMs,
		s.EventsCount, s.LearningEvents, s.AssessmentEvents, s.BusinessToolEvents,
		s.NavigationEvents, s.SystemEvents, s.ResearchEvents, s.AccessibilityEvents,
		s.ModulesStarted, s.ModulesCompleted, s.AssessmentAnswers, s.ErrorsCount, s.OfflineEvents,
		s.DeviceType, s.NetworkType, s.Language, s.Country,
	)
}

func (c *ClickHouse) Close() error {
	return c.conn.Close()
}
