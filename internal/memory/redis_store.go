package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Yufok1/Djinn-Council-Chat/internal/circuitbreaker"
	"github.com/Yufok1/Djinn-Council-Chat/internal/metrics"
)

const (
	redisOpTimeout  = 3 * time.Second
	contextCacheTTL = 5 * time.Second
)

// RedisStore keeps conversational memory in Redis behind a circuit breaker,
// with the learned profile and summary cached locally. Suited to running
// several council daemons against one shared memory.
type RedisStore struct {
	client    *circuitbreaker.RedisWrapper
	keyPrefix string
	ttl       time.Duration
	threshold int
	logger    *zap.Logger

	mu      sync.Mutex
	profile Profile
	summary Summary

	cachedContext string
	cachedAt      time.Time
}

// NewRedisStore connects to Redis at addr. userID namespaces the keys so
// multiple users can share one server. The REDIS_PASSWORD environment
// variable supplies the password.
func NewRedisStore(addr, userID string, maxTurns int, ttl time.Duration, logger *zap.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if userID == "" {
		userID = "default"
	}
	if maxTurns <= 0 {
		maxTurns = autoSummarizeThreshold
	}

	client := circuitbreaker.NewRedisWrapper(redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     os.Getenv("REDIS_PASSWORD"),
		DialTimeout:  5 * time.Second,
		ReadTimeout:  redisOpTimeout,
		WriteTimeout: redisOpTimeout,
	}), logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis memory: %w", err)
	}

	rs := &RedisStore{
		client:    client,
		keyPrefix: "djinn:memory:" + userID + ":",
		ttl:       ttl,
		threshold: maxTurns,
		profile:   Profile{CreatedAt: time.Now()},
		logger:    logger,
	}
	rs.loadDocs(ctx)

	logger.Info("redis conversational memory connected",
		zap.String("addr", addr),
		zap.String("user_id", userID),
	)
	return rs, nil
}

func (rs *RedisStore) key(suffix string) string { return rs.keyPrefix + suffix }

func (rs *RedisStore) loadDocs(ctx context.Context) {
	if data, err := rs.client.Get(ctx, rs.key("profile")).Result(); err == nil {
		if err := json.Unmarshal([]byte(data), &rs.profile); err != nil {
			rs.logger.Warn("stored profile unreadable, starting fresh", zap.Error(err))
			rs.profile = Profile{CreatedAt: time.Now()}
		}
	}
	if data, err := rs.client.Get(ctx, rs.key("summary")).Result(); err == nil {
		if err := json.Unmarshal([]byte(data), &rs.summary); err != nil {
			rs.logger.Warn("stored summary unreadable, starting fresh", zap.Error(err))
			rs.summary = Summary{}
		}
	}
}

// Context renders the shared context block. Recent turns come from Redis; a
// short-lived local cache absorbs back-to-back invocations.
func (rs *RedisStore) Context() string {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.cachedContext != "" && time.Since(rs.cachedAt) < contextCacheTTL {
		metrics.MemoryCacheHits.Inc()
		return rs.cachedContext
	}
	metrics.MemoryCacheMisses.Inc()

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	recent := rs.recentTurns(ctx, contextTurns)
	block := buildContext(rs.profile, rs.summary, recent)
	rs.cachedContext = block
	rs.cachedAt = time.Now()
	return block
}

func (rs *RedisStore) recentTurns(ctx context.Context, n int) []Turn {
	raw, err := rs.client.LRange(ctx, rs.key("turns"), int64(-n), -1).Result()
	if err != nil {
		rs.logger.Warn("memory turn fetch failed", zap.Error(err))
		return nil
	}
	turns := make([]Turn, 0, len(raw))
	for _, item := range raw {
		var turn Turn
		if err := json.Unmarshal([]byte(item), &turn); err != nil {
			continue
		}
		turns = append(turns, turn)
	}
	return turns
}

// RecordTurn persists one deliberation and refreshes the learned documents.
func (rs *RedisStore) RecordTurn(turn Turn) error {
	if turn.ID == "" {
		turn.ID = uuid.NewString()[:8]
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}

	payload, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("marshal memory turn: %w", err)
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	if err := rs.client.RPush(ctx, rs.key("turns"), payload).Err(); err != nil {
		return fmt.Errorf("store memory turn: %w", err)
	}
	if err := rs.client.LTrim(ctx, rs.key("turns"), int64(-rs.threshold), -1).Err(); err != nil {
		rs.logger.Warn("memory turn trim failed", zap.Error(err))
	}

	applyTurn(&rs.profile, &rs.summary, turn)
	rs.persistDocs(ctx)
	rs.cachedContext = ""

	metrics.MemoryTurnsRecorded.Inc()
	return nil
}

func (rs *RedisStore) persistDocs(ctx context.Context) {
	if data, err := json.Marshal(rs.profile); err == nil {
		if err := rs.client.Set(ctx, rs.key("profile"), data, rs.ttl).Err(); err != nil {
			rs.logger.Warn("profile save failed", zap.Error(err))
		}
	}
	if data, err := json.Marshal(rs.summary); err == nil {
		if err := rs.client.Set(ctx, rs.key("summary"), data, rs.ttl).Err(); err != nil {
			rs.logger.Warn("summary save failed", zap.Error(err))
		}
	}
}

// Stats reports memory counters.
func (rs *RedisStore) Stats() Stats {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	turnCount, err := rs.client.LLen(ctx, rs.key("turns")).Result()
	if err != nil {
		turnCount = 0
	}
	return Stats{
		Backend:       "redis",
		TurnCount:     int(turnCount),
		Interactions:  rs.profile.TotalInteractions,
		PreferredMode: rs.profile.PreferredMode,
		MainTopics:    append([]string(nil), rs.summary.MainTopics...),
	}
}

// Clear wipes stored history; the profile survives when keepProfile is set.
func (rs *RedisStore) Clear(keepProfile bool) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	keys := []string{rs.key("turns"), rs.key("summary")}
	if !keepProfile {
		keys = append(keys, rs.key("profile"))
		rs.profile = Profile{CreatedAt: time.Now()}
	}
	rs.summary = Summary{}
	rs.cachedContext = ""

	if err := rs.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("clear redis memory: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (rs *RedisStore) Close() error {
	return rs.client.Close()
}
