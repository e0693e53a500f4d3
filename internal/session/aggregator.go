package session

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/skillbridge254/eventsync/internal/config"
	"github.com/skillbridge254/eventsync/internal/event"
	"github.com/skillbridge254/eventsync/internal/storage"
)

const (
	keyPrefix  = "session:"
	sessionTTL = 2 * time.Hour
)

// SessionStore persists finished learner sessions.
type SessionStore interface {
	InsertLearnerSession(ctx context.Context, s storage.LearnerSessionRow) error
}

// Aggregator keeps running learner session aggregates in Redis hashes
type Aggregator struct {
	store SessionStore
	redis redis.UniversalClient
}

// NewAggregator creates a new session aggregator
func NewAggregator(store SessionStore, redisCfg config.RedisConfig) *Aggregator {
	rdb := redis.NewClient(&redis.Options{
		Addr:     redisCfg.Addr,
		Password: redisCfg.Password,
		DB:       redisCfg.DB,
	})

	return &Aggregator{
		store: store,
		redis: rdb,
	}
}

// categoryField is the hash counter for each event category.
func categoryField(c string) string {
	return "cat_" + c
}

// UpdateSession folds one event into its session's hash.
func (a *Aggregator) UpdateSession(ctx context.Context, row storage.ResearchEventRow) error {
	if a.redis == nil || row.SessionID == "" {
		return nil
	}

	key := keyPrefix + row.SessionID
	ts := row.Timestamp.UnixMilli()

	pipe := a.redis.Pipeline()

	pipe.HIncrBy(ctx, key, "events_count", 1)
	pipe.HIncrBy(ctx, key, categoryField(row.EventCategory), 1)

	switch event.Type(row.EventType) {
	case event.TypeModuleStart:
		pipe.HIncrBy(ctx, key, "modules_started", 1)
	case event.TypeModuleComplete:
		pipe.HIncrBy(ctx, key, "modules_completed", 1)
	case event.TypeAssessmentAnswer:
		pipe.HIncrBy(ctx, key, "assessment_answers", 1)
	case event.TypeError:
		pipe.HIncrBy(ctx, key, "errors_count", 1)
	}
	if row.OfflineMode == 1 {
		pipe.HIncrBy(ctx, key, "offline_events", 1)
	}

	// Events synced from the offline queue arrive out of order, so the
	// window is kept as min/max rather than first/last seen
	pipe.Eval(ctx, windowScript, []string{key}, ts)

	// Set session metadata (only if not exists)
	pipe.HSetNX(ctx, key, "project_id", row.ProjectID)
	pipe.HSetNX(ctx, key, "user_id", row.UserID)
	pipe.HSetNX(ctx, key, "device_type", row.DeviceType)
	pipe.HSetNX(ctx, key, "language", row.Language)
	pipe.HSetNX(ctx, key, "country", row.Country)
	pipe.HSet(ctx, key, "network_type", row.NetworkType)

	pipe.Expire(ctx, key, sessionTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("update session %s: %w", row.SessionID, err)
	}
	return nil
}

const windowScript = `
local ts = tonumber(ARGV[1])
local s = tonumber(redis.call('HGET', KEYS[1], 'started_at'))
if not s or ts < s then redis.call('HSET', KEYS[1], 'started_at', ts) end
local e = tonumber(redis.call('HGET', KEYS[1], 'ended_at'))
if not e or ts > e then redis.call('HSET', KEYS[1], 'ended_at', ts) end
return 1
`

// FlushSession writes session data to ClickHouse
func (a *Aggregator) FlushSession(ctx context.Context, sessionID string) error {
	if a.redis == nil || a.store == nil {
		return nil
	}

	key := keyPrefix + sessionID

	data, err := a.redis.HGetAll(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("read session %s: %w", sessionID, err)
	}
	if len(data) == 0 {
		return nil
	}

	if err := a.store.InsertLearnerSession(ctx, parseSessionData(sessionID, data)); err != nil {
		return fmt.Errorf("store session %s: %w", sessionID, err)
	}

	// Delete from Redis after successful insert
	a.redis.Del(ctx, key)
	return nil
}

// FlushAllSessions flushes all pending sessions to ClickHouse
func (a *Aggregator) FlushAllSessions(ctx context.Context) error {
	if a.redis == nil {
		return nil
	}

	var flushed int
	iter := a.redis.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		sessionID := strings.TrimPrefix(iter.Val(), keyPrefix)
		if err := a.FlushSession(ctx, sessionID); err != nil {
			log.Error().Err(err).Str("session_id", sessionID).Msg("Failed to flush session")
			continue
		}
		flushed++
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan sessions: %w", err)
	}

	log.Info().Int("sessions", flushed).Msg("Flushed learner sessions")
	return nil
}

func parseSessionData(sessionID string, data map[string]string) storage.LearnerSessionRow {
	s := storage.LearnerSessionRow{
		SessionID:   sessionID,
		ProjectID:   data["project_id"],
		UserID:      data["user_id"],
		DeviceType:  data["device_type"],
		NetworkType: data["network_type"],
		Language:    data["language"],
		Country:     data["country"],

		EventsCount:         getUint32(data, "events_count"),
		LearningEvents:      getUint32(data, categoryField(string(event.CategoryLearning))),
		AssessmentEvents:    getUint32(data, categoryField(string(event.CategoryAssessment))),
		BusinessToolEvents:  getUint32(data, categoryField(string(event.CategoryBusinessTool))),
		NavigationEvents:    getUint32(data, categoryField(string(event.CategoryNavigation))),
		SystemEvents:        getUint32(data, categoryField(string(event.CategorySystem))),
		ResearchEvents:      getUint32(data, categoryField(string(event.CategoryResearch))),
		AccessibilityEvents: getUint32(data, categoryField(string(event.CategoryAccessibility))),
		ModulesStarted:      getUint32(data, "modules_started"),
		ModulesCompleted:    getUint32(data, "modules_completed"),
		AssessmentAnswers:   getUint32(data, "assessment_answers"),
		ErrorsCount:         getUint32(data, "errors_count"),
		OfflineEvents:       getUint32(data, "offline_events"),
	}

	if ms, err := strconv.ParseInt(data["started_at"], 10, 64); err == nil {
		s.StartedAt = time.UnixMilli(ms).UTC()
	}
	if ms, err := strconv.ParseInt(data["ended_at"], 10, 64); err == nil {
		s.EndedAt = time.UnixMilli(ms).UTC()
	}
	if !s.StartedAt.IsZero() && s.EndedAt.After(s.StartedAt) {
		s.DurationMs = uint64(s.EndedAt.Sub(s.StartedAt).Milliseconds())
	}

	return s
}

func getUint32(data map[string]string, key string) uint32 {
	n, err := strconv.ParseUint(data[key], 10, 32)
	if err != nil {
		return 0
	}
	return uint32(n)
}

// Close closes the aggregator
func (a *Aggregator) Close() error {
	if a.redis != nil {
		return a.redis.Close()
	}
	return nil
}
