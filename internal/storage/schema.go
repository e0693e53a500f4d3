package storage

// research_events is a ReplacingMergeTree on event_id so a record delivered
// twice collapses to one row.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS research_events (
		event_id           String,
		project_id         LowCardinality(String),
		user_id            String,
		session_id         String,
		event_type         LowCardinality(String),
		event_category     LowCardinality(String),
		timestamp          DateTime64(3, 'UTC'),
		received_at        DateTime64(3, 'UTC'),
		sync_source        LowCardinality(String),
		retry_count        UInt16,
		queued_at          Nullable(DateTime64(3, 'UTC')),
		synced_at          Nullable(DateTime64(3, 'UTC')),
		sync_lag_ms        UInt64,
		device_type        LowCardinality(String),
		network_type       LowCardinality(String),
		offline_mode       UInt8,
		language           LowCardinality(String),
		accessibility_mode LowCardinality(String),
		screen_width       UInt16,
		screen_height      UInt16,
		browser            LowCardinality(String),
		browser_version    String,
		os                 LowCardinality(String),
		country            LowCardinality(String),
		city               String,
		module_id          String,
		assessment_id      String,
		score              Nullable(Float64),
		event_data         String,
		experiment_data    String
	) ENGINE = ReplacingMergeTree(received_at)
	PARTITION BY toYYYYMM(timestamp)
	ORDER BY (project_id, event_id)`,

	`CREATE TABLE IF NOT EXISTS learner_sessions (
		session_id           String,
		project_id           LowCardinality(String),
		user_id              String,
		started_at           DateTime64(3, 'UTC'),
		ended_at             DateTime64(3, 'UTC'),
		duration_ms          UInt64,
		events_count         UInt32,
		learning_events      UInt32,
		assessment_events    UInt32,
		business_tool_events UInt32,
		navigation_events    UInt32,
		system_events        UInt32,
		research_events      UInt32,
		accessibility_events UInt32,
		modules_started      UInt32,
		modules_completed    UInt32,
		assessment_answers   UInt32,
		errors_count         UInt32,
		offline_events       UInt32,
		device_type          LowCardinality(String),
		network_type         LowCardinality(String),
		language             LowCardinality(String),
		country              LowCardinality(String)
	) ENGINE = ReplacingMergeTree(ended_at)
	ORDER BY (project_id, session_id)`,
}
