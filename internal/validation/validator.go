package validation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/skillbridge254/eventsync/internal/config"
)

var (
	ErrInvalidKeyFormat = errors.New("invalid API key format")
	ErrInvalidKey       = errors.New("invalid API key")
)

const (
	minKeyLength = 12
	apiKeyTTL    = 5 * time.Minute
)

// Validator guards the sync endpoint: API key lookup, per-project rate
// limiting and event id de-duplication.
type Validator struct {
	db    *pgxpool.Pool
	redis redis.Cmdable
	cfg   *config.Config
}

func NewValidator(cfg *config.Config) (*Validator, error) {
	// Connect to PostgreSQL
	db, err := pgxpool.New(context.Background(), cfg.Postgres.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	// Connect to Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	return &Validator{
		db:    db,
		redis: rdb,
		cfg:   cfg,
	}, nil
}

// HashKey is the form API keys are stored in.
func HashKey(apiKey string) string {
	hash := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(hash[:])
}

// ValidateAPIKey resolves apiKey to its project id.
func (v *Validator) ValidateAPIKey(ctx context.Context, apiKey string) (string, error) {
	if len(apiKey) < minKeyLength {
		return "", ErrInvalidKeyFormat
	}

	keyHash := HashKey(apiKey)

	// Check cache first
	cacheKey := "apikey:" + keyHash
	projectID, err := v.redis.Get(ctx, cacheKey).Result()
	if err == nil {
		return projectID, nil
	}

	var id string
	err = v.db.QueryRow(ctx, `
		SELECT project_id::text FROM api_keys
		WHERE key_hash = $1 AND is_active = true
		AND (expires_at IS NULL OR expires_at > NOW())
	`, keyHash).Scan(&id)
	if err != nil {
		return "", ErrInvalidKey
	}

	v.redis.Set(ctx, cacheKey, id, apiKeyTTL)

	// Update last used
	go func() {
		if _, err := v.db.Exec(context.Background(), `
			UPDATE api_keys
			SET last_used_at = NOW(), request_count = request_count + 1
			WHERE key_hash = $1
		`, keyHash); err != nil {
			log.Warn().Err(err).Msg("Failed to update API key usage")
		}
	}()

	return id, nil
}

// CheckRateLimit counts one request against projectID's per-second budget.
// Redis failures let the request through.
func (v *Validator) CheckRateLimit(ctx context.Context, projectID string) bool {
	key := "ratelimit:" + projectID

	count, err := v.redis.Incr(ctx, key).Result()
	if err != nil {
		return true
	}

	// Set expiry on first request
	if count == 1 {
		v.redis.Expire(ctx, key, time.Second)
	}

	return count <= int64(v.cfg.RateLimit.RequestsPerSecond)
}

// Claim reserves eventID for publishing. It reports false when the id was
// already claimed within the de-duplication window.
func (v *Validator) Claim(ctx context.Context, eventID string) (bool, error) {
	ok, err := v.redis.SetNX(ctx, dedupeKey(eventID), 1, v.cfg.Dedupe.TTL).Result()
	if err != nil {
		return false, fmt.Errorf("claim event id: %w", err)
	}
	return ok, nil
}

// Release drops a claim so a later delivery of eventID is accepted.
func (v *Validator) Release(ctx context.Context, eventID string) error {
	if err := v.redis.Del(ctx, dedupeKey(eventID)).Err(); err != nil {
		return fmt.Errorf("release event id: %w", err)
	}
	return nil
}

func dedupeKey(eventID string) string {
	return "dedupe:" + eventID
}

func (v *Validator) Close() {
	if v.db != nil {
		v.db.Close()
	}
	if c, ok := v.redis.(*redis.Client); ok {
		c.Close()
	}
}
