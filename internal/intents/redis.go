package intents

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/haasonsaas/intentgate/pkg/models"
)

// redisCreateScript inserts a new intent if the dedupe key still holds the
// id the caller observed (empty when absent).
// KEYS[1] = dedupe key, KEYS[2] = intent hash, KEYS[3] = session pending set,
// KEYS[4] = expiry set
// ARGV[1] = expected dedupe value, ARGV[2] = id, ARGV[3] = created (us),
// ARGV[4] = expires (us), ARGV[5..] = hash field/value pairs
var redisCreateScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if not current then
    current = ""
end
if current ~= ARGV[1] then
    return 0
end

local fields = {}
for i = 5, #ARGV do
    fields[#fields + 1] = ARGV[i]
end
redis.call("HSET", KEYS[2], unpack(fields))
redis.call("SET", KEYS[1], ARGV[2])
redis.call("ZADD", KEYS[3], ARGV[3], ARGV[2])
redis.call("ZADD", KEYS[4], ARGV[4], ARGV[2])
return 1
`)

// redisTransitionScript is the compare-and-set status change. The dedupe key
// stays with the intent while it is pending or executing.
// KEYS[1] = intent hash, KEYS[2] = session pending set, KEYS[3] = expiry set,
// KEYS[4] = executing set, KEYS[5] = dedupe key
// ARGV[1] = from, ARGV[2] = to, ARGV[3] = at (RFC3339), ARGV[4] = at (us),
// ARGV[5] = note line, ARGV[6] = id
var redisTransitionScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "status") ~= ARGV[1] then
    return 0
end
local notes = redis.call("HGET", KEYS[1], "notes") or ""
redis.call("HSET", KEYS[1], "status", ARGV[2], "notes", notes .. ARGV[5])

if ARGV[2] == "executing" then
    redis.call("HSET", KEYS[1], "executing_at", ARGV[3])
    redis.call("ZADD", KEYS[4], ARGV[4], ARGV[6])
elseif ARGV[2] == "pending" then
    redis.call("HDEL", KEYS[1], "executing_at")
    redis.call("ZREM", KEYS[4], ARGV[6])
    redis.call("ZADD", KEYS[2], redis.call("HGET", KEYS[1], "created_us"), ARGV[6])
    redis.call("ZADD", KEYS[3], redis.call("HGET", KEYS[1], "expires_us"), ARGV[6])
    redis.call("SET", KEYS[5], ARGV[6], "NX")
else
    redis.call("ZREM", KEYS[4], ARGV[6])
    if ARGV[2] == "executed" then
        redis.call("HSET", KEYS[1], "executed_at", ARGV[3])
    end
end

if ARGV[1] == "pending" then
    redis.call("ZREM", KEYS[2], ARGV[6])
    redis.call("ZREM", KEYS[3], ARGV[6])
end
if ARGV[2] ~= "pending" and ARGV[2] ~= "executing" then
    if redis.call("GET", KEYS[5]) == ARGV[6] then
        redis.call("DEL", KEYS[5])
    end
end
return 1
`)

// DefaultRedisKeyPrefix namespaces every key the store writes.
const DefaultRedisKeyPrefix = "intentgate:"

// RedisConfig holds connection settings for NewRedisStoreFromConfig.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore implements Store on Redis. Each intent is a hash; per-session
// sorted sets keep creation order and Lua scripts make create and
// transitions atomic.
type RedisStore struct {
	builder
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, prefix string, opts Options) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}
	return &RedisStore{builder: newBuilder(opts), client: client, prefix: prefix}
}

// NewRedisStoreFromConfig connects to Redis and verifies the connection.
func NewRedisStoreFromConfig(ctx context.Context, cfg RedisConfig, opts Options) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStore(client, cfg.KeyPrefix, opts), nil
}

func (s *RedisStore) intentKey(id string) string { return s.prefix + "intent:" + id }
func (s *RedisStore) sessionKey(sessionID string) string {
	return s.prefix + "session:" + sessionID + ":pending"
}
func (s *RedisStore) dedupeKey(sessionID, payloadHash string) string {
	return s.prefix + "dedupe:" + sessionID + ":" + payloadHash
}
func (s *RedisStore) expiriesKey() string  { return s.prefix + "expiries" }
func (s *RedisStore) executingKey() string { return s.prefix + "executing" }

// Create stores a new pending intent, or returns the pending or executing
// duplicate.
func (s *RedisStore) Create(ctx context.Context, req CreateRequest) (*models.PendingIntent, error) {
	intent, canonical, err := s.build(req)
	if err != nil {
		return nil, err
	}
	dedupe := s.dedupeKey(intent.SessionID, intent.PayloadHash)

	for attempt := 0; attempt < 5; attempt++ {
		existingID, err := s.client.Get(ctx, dedupe).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("create intent: %w", err)
		}
		if existingID != "" {
			existing, err := s.Get(ctx, existingID)
			switch {
			case errors.Is(err, ErrNotFound):
			case err != nil:
				return nil, err
			case existing.Status == models.IntentExecuting:
				return existing, nil
			case existing.Status == models.IntentPending && !s.policy.IsExpired(existing, intent.CreatedAt):
				return existing, nil
			case existing.Status == models.IntentPending:
				if _, err := s.TryTransition(ctx, expiredTransition(existing.ID, intent.CreatedAt, "superseded by new request")); err != nil {
					return nil, err
				}
				continue
			}
		}

		args := []any{
			existingID,
			intent.ID,
			intent.CreatedAt.UnixMicro(),
			intent.ExpiresAt.UnixMicro(),
		}
		args = append(args, redisFields(intent, canonical)...)
		created, err := redisCreateScript.Run(ctx, s.client,
			[]string{dedupe, s.intentKey(intent.ID), s.sessionKey(intent.SessionID), s.expiriesKey()},
			args...,
		).Int()
		if err != nil {
			return nil, fmt.Errorf("create intent: %w", err)
		}
		if created == 1 {
			return intent, nil
		}
	}
	return nil, fmt.Errorf("create intent: duplicate for session %s did not settle", intent.SessionID)
}

func redisFields(intent *models.PendingIntent, canonical []byte) []any {
	return []any{
		"id", intent.ID,
		"session_id", intent.SessionID,
		"action_type", string(intent.ActionType),
		"tool_name", intent.ToolName,
		"arguments", string(canonical),
		"payload_hash", intent.PayloadHash,
		"preview_text", intent.PreviewText,
		"status", string(intent.Status),
		"created_at", intent.CreatedAt.Format(time.RFC3339Nano),
		"expires_at", intent.ExpiresAt.Format(time.RFC3339Nano),
		"created_us", intent.CreatedAt.UnixMicro(),
		"expires_us", intent.ExpiresAt.UnixMicro(),
		"notes", intent.Notes,
	}
}

// ListPending returns the session's pending intents in creation order.
func (s *RedisStore) ListPending(ctx context.Context, sessionID string) ([]*models.PendingIntent, error) {
	ids, err := s.client.ZRange(ctx, s.sessionKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list pending intents: %w", err)
	}
	intents, err := s.getMany(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("list pending intents: %w", err)
	}
	out := intents[:0]
	for _, intent := range intents {
		if intent.Status == models.IntentPending {
			out = append(out, intent)
		}
	}
	return out, nil
}

// Get returns an intent by id.
func (s *RedisStore) Get(ctx context.Context, id string) (*models.PendingIntent, error) {
	fields, err := s.client.HGetAll(ctx, s.intentKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get intent: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("get intent %s: %w", id, ErrNotFound)
	}
	return parseRedisIntent(fields)
}

func (s *RedisStore) getMany(ctx context.Context, ids []string) ([]*models.PendingIntent, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.intentKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	out := make([]*models.PendingIntent, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		intent, err := parseRedisIntent(fields)
		if err != nil {
			return nil, err
		}
		out = append(out, intent)
	}
	return out, nil
}

// TryTransition runs the compare-and-set script.
func (s *RedisStore) TryTransition(ctx context.Context, t Transition) (bool, error) {
	if err := t.validate(); err != nil {
		return false, err
	}
	t = s.stamp(t)

	// session_id and payload_hash never change, so reading them ahead of the
	// script does not weaken the compare-and-set.
	ident, err := s.client.HMGet(ctx, s.intentKey(t.ID), "session_id", "payload_hash").Result()
	if err != nil {
		return false, fmt.Errorf("transition intent %s: %w", t.ID, err)
	}
	sessionID, _ := ident[0].(string)
	payloadHash, _ := ident[1].(string)
	if sessionID == "" {
		return false, nil
	}

	changed, err := redisTransitionScript.Run(ctx, s.client,
		[]string{
			s.intentKey(t.ID),
			s.sessionKey(sessionID),
			s.expiriesKey(),
			s.executingKey(),
			s.dedupeKey(sessionID, payloadHash),
		},
		string(t.From), string(t.To), t.At.Format(time.RFC3339Nano), t.At.UnixMicro(), noteLine(t), t.ID,
	).Int()
	if err != nil {
		return false, fmt.Errorf("transition intent %s %s->%s: %w", t.ID, t.From, t.To, err)
	}
	return changed == 1, nil
}

// MarkCancelled moves a pending intent to cancelled.
func (s *RedisStore) MarkCancelled(ctx context.Context, id string) (bool, error) {
	return s.TryTransition(ctx, Transition{ID: id, From: models.IntentPending, To: models.IntentCancelled, Note: "cancelled by user"})
}

// SweepExpired expires every pending intent the policy considers expired.
// The expiry set narrows the candidates; the policy has the final word.
func (s *RedisStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.expiriesKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMicro(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("sweep expired intents: %w", err)
	}
	candidates, err := s.getMany(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("sweep expired intents: %w", err)
	}
	at := now.UTC().Truncate(time.Microsecond)
	swept := 0
	for _, intent := range candidates {
		if !s.policy.IsExpired(intent, now) {
			continue
		}
		ok, err := s.TryTransition(ctx, expiredTransition(intent.ID, at, "ttl elapsed"))
		if err != nil {
			return swept, err
		}
		if ok {
			swept++
		}
	}
	return swept, nil
}

// ListStuck returns intents that have been executing for at least olderThan.
func (s *RedisStore) ListStuck(ctx context.Context, olderThan time.Duration, now time.Time) ([]*models.PendingIntent, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.executingKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Add(-olderThan).UnixMicro(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list stuck intents: %w", err)
	}
	intents, err := s.getMany(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("list stuck intents: %w", err)
	}
	out := intents[:0]
	for _, intent := range intents {
		if intent.Status == models.IntentExecuting {
			out = append(out, intent)
		}
	}
	return out, nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func parseRedisIntent(fields map[string]string) (*models.PendingIntent, error) {
	args, err := decodeArguments([]byte(fields["arguments"]))
	if err != nil {
		return nil, err
	}
	intent := &models.PendingIntent{
		ID:          fields["id"],
		SessionID:   fields["session_id"],
		ActionType:  models.ActionType(fields["action_type"]),
		ToolName:    fields["tool_name"],
		Arguments:   args,
		PayloadHash: fields["payload_hash"],
		PreviewText: fields["preview_text"],
		Status:      models.IntentStatus(fields["status"]),
		Notes:       fields["notes"],
	}
	if intent.CreatedAt, err = time.Parse(time.RFC3339Nano, fields["created_at"]); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if intent.ExpiresAt, err = time.Parse(time.RFC3339Nano, fields["expires_at"]); err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}
	if raw := fields["executing_at"]; raw != "" {
		at, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("parse executing_at: %w", err)
		}
		intent.ExecutingAt = &at
	}
	if raw := fields["executed_at"]; raw != "" {
		at, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("parse executed_at: %w", err)
		}
		intent.ExecutedAt = &at
	}
	return intent, nil
}
