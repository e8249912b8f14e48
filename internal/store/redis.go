package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ashureev/dfbridge/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "dfbridge:"
	// DefaultSessionTTL bounds how long an idle room's state is kept.
	DefaultSessionTTL = 24 * time.Hour
)

// Hash fields of a session key.
const (
	hfProcessing  = "processing"
	hfQueueActive = "queue_active"
	hfQueued      = "queued_message"
	hfLanguage    = "language"
	hfFallback    = "fallback_count"
	hfWelcomeSent = "welcome_sent"
	hfHandedOver  = "handed_over"
	hfAgentConfig = "agent_config"
	hfUpdatedAt   = "updated_at"
)

// RedisStore implements Repository on Redis. Each room is a hash whose TTL
// is refreshed on every write; jobs live in a sorted set keyed by due time.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// Ensure RedisStore implements Repository.
var _ Repository = (*RedisStore)(nil)

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithTTL sets the idle expiry of session keys.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithKeyPrefix sets the namespace of every key.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// NewRedis creates a Redis-backed repository.
func NewRedis(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		ttl:    DefaultSessionTTL,
		prefix: defaultKeyPrefix,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) sessionKey(roomID string) string { return s.prefix + "session:" + roomID }
func (s *RedisStore) jobsKey() string                 { return s.prefix + "jobs" }
func (s *RedisStore) jobKey(id string) string         { return s.prefix + "job:" + id }
func (s *RedisStore) roomJobsKey(roomID string) string {
	return s.prefix + "jobs:room:" + roomID
}

// Ping verifies connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Session reads the full state of a room.
func (s *RedisStore) Session(ctx context.Context, roomID string) (*domain.Session, error) {
	values, err := s.client.HGetAll(ctx, s.sessionKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}

	session := &domain.Session{
		RoomID:              roomID,
		IsProcessing:        values[hfProcessing] == "1",
		IsQueueWindowActive: values[hfQueueActive] == "1",
		QueuedMessage:       values[hfQueued],
		LanguageOverride:    values[hfLanguage],
		WelcomeEventSent:    values[hfWelcomeSent] == "1",
		IsHandedOver:        values[hfHandedOver] == "1",
	}
	if v, ok := values[hfFallback]; ok {
		session.FallbackCount, _ = strconv.Atoi(v)
	}
	if v, ok := values[hfUpdatedAt]; ok {
		if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
			session.UpdatedAt = time.Unix(unix, 0)
		}
	}
	if raw := values[hfAgentConfig]; raw != "" {
		var cfg domain.AgentConfig
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			slog.Warn("Discarding unreadable agent config snapshot", "room_id", roomID, "error", err)
		} else {
			session.AgentConfigSnapshot = &cfg
		}
	}
	return session, nil
}

func (s *RedisStore) field(ctx context.Context, roomID, name string) (string, error) {
	v, err := s.client.HGet(ctx, s.sessionKey(roomID), name).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read session %s: %w", name, err)
	}
	return v, nil
}

// setField writes one hash field; an empty value deletes it.
func (s *RedisStore) setField(ctx context.Context, roomID, name, value string) error {
	key := s.sessionKey(roomID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if value == "" {
			pipe.HDel(ctx, key, name)
		} else {
			pipe.HSet(ctx, key, name, value)
		}
		pipe.HSet(ctx, key, hfUpdatedAt, time.Now().Unix())
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("write session %s: %w", name, err)
	}
	return nil
}

func flag(v bool) string {
	if v {
		return "1"
	}
	return ""
}

// IsProcessing reports whether a backend call is in flight for the room.
func (s *RedisStore) IsProcessing(ctx context.Context, roomID string) (bool, error) {
	v, err := s.field(ctx, roomID, hfProcessing)
	return v == "1", err
}

// SetProcessing sets the processing flag.
func (s *RedisStore) SetProcessing(ctx context.Context, roomID string, processing bool) error {
	return s.setField(ctx, roomID, hfProcessing, flag(processing))
}

// IsQueueActive reports whether a queue window is open.
func (s *RedisStore) IsQueueActive(ctx context.Context, roomID string) (bool, error) {
	v, err := s.field(ctx, roomID, hfQueueActive)
	return v == "1", err
}

// SetQueueActive sets the queue-window flag.
func (s *RedisStore) SetQueueActive(ctx context.Context, roomID string, active bool) error {
	return s.setField(ctx, roomID, hfQueueActive, flag(active))
}

// QueuedMessage returns the deferred visitor text.
func (s *RedisStore) QueuedMessage(ctx context.Context, roomID string) (string, error) {
	return s.field(ctx, roomID, hfQueued)
}

// SetQueuedMessage overwrites the deferred visitor text.
func (s *RedisStore) SetQueuedMessage(ctx context.Context, roomID string, text string) error {
	return s.setField(ctx, roomID, hfQueued, text)
}

// Language returns the language override.
func (s *RedisStore) Language(ctx context.Context, roomID string) (string, error) {
	return s.field(ctx, roomID, hfLanguage)
}

// SetLanguage stores the language override.
func (s *RedisStore) SetLanguage(ctx context.Context, roomID string, code string) error {
	return s.setField(ctx, roomID, hfLanguage, code)
}

// AgentConfigSnapshot returns the agent config captured for the room.
func (s *RedisStore) AgentConfigSnapshot(ctx context.Context, roomID string) (*domain.AgentConfig, error) {
	raw, err := s.field(ctx, roomID, hfAgentConfig)
	if err != nil || raw == "" {
		return nil, err
	}
	var cfg domain.AgentConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("decode agent config: %w", err)
	}
	return &cfg, nil
}

// SetAgentConfigSnapshot stores the agent config; nil clears it.
func (s *RedisStore) SetAgentConfigSnapshot(ctx context.Context, roomID string, cfg *domain.AgentConfig) error {
	if cfg == nil {
		return s.setField(ctx, roomID, hfAgentConfig, "")
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode agent config: %w", err)
	}
	return s.setField(ctx, roomID, hfAgentConfig, string(data))
}

// IncrementFallback bumps the fallback counter and returns the new value.
func (s *RedisStore) IncrementFallback(ctx context.Context, roomID string) (int, error) {
	key := s.sessionKey(roomID)
	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.HIncrBy(ctx, key, hfFallback, 1)
		pipe.HSet(ctx, key, hfUpdatedAt, time.Now().Unix())
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("increment fallback: %w", err)
	}
	return int(incr.Val()), nil
}

// ResetFallback sets the fallback counter to zero.
func (s *RedisStore) ResetFallback(ctx context.Context, roomID string) error {
	return s.setField(ctx, roomID, hfFallback, "")
}

// WelcomeEventSent reports whether the welcome event went out.
func (s *RedisStore) WelcomeEventSent(ctx context.Context, roomID string) (bool, error) {
	v, err := s.field(ctx, roomID, hfWelcomeSent)
	return v == "1", err
}

// SetWelcomeEventSent records that the welcome event went out.
func (s *RedisStore) SetWelcomeEventSent(ctx context.Context, roomID string, sent bool) error {
	return s.setField(ctx, roomID, hfWelcomeSent, flag(sent))
}

// IsHandedOver reports whether a human agent took over.
func (s *RedisStore) IsHandedOver(ctx context.Context, roomID string) (bool, error) {
	v, err := s.field(ctx, roomID, hfHandedOver)
	return v == "1", err
}

// SetHandedOver records the handover state.
func (s *RedisStore) SetHandedOver(ctx context.Context, roomID string, handedOver bool) error {
	return s.setField(ctx, roomID, hfHandedOver, flag(handedOver))
}

// DeleteSession removes the state of a room.
func (s *RedisStore) DeleteSession(ctx context.Context, roomID string) error {
	return s.client.Del(ctx, s.sessionKey(roomID)).Err()
}

type redisJob struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	RoomID    string         `json:"roomId"`
	When      int64          `json:"when"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt int64          `json:"createdAt"`
}

// SaveJob stores the job body and indexes it by due time and room.
func (s *RedisStore) SaveJob(ctx context.Context, job *domain.Job) error {
	body, err := json.Marshal(redisJob{
		ID:        job.ID,
		Kind:      string(job.Kind),
		RoomID:    job.RoomID,
		When:      job.When.UnixMilli(),
		Data:      job.Data,
		CreatedAt: job.CreatedAt.Unix(),
	})
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.jobKey(job.ID), body, 0)
		pipe.ZAdd(ctx, s.jobsKey(), redis.Z{Score: float64(job.When.UnixMilli()), Member: job.ID})
		pipe.SAdd(ctx, s.roomJobsKey(job.RoomID), job.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	return nil
}

// DueJobs returns jobs due at or before now, oldest first.
func (s *RedisStore) DueJobs(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.jobsKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("query due jobs: %w", err)
	}

	jobs := make([]*domain.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.loadJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if job == nil {
			// Index entry without a body; drop it so it does not linger.
			s.client.ZRem(ctx, s.jobsKey(), id)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *RedisStore) loadJob(ctx context.Context, id string) (*domain.Job, error) {
	raw, err := s.client.Get(ctx, s.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read job: %w", err)
	}
	var stored redisJob
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &domain.Job{
		ID:        stored.ID,
		Kind:      domain.JobKind(stored.Kind),
		RoomID:    stored.RoomID,
		When:      time.UnixMilli(stored.When),
		Data:      stored.Data,
		CreatedAt: time.Unix(stored.CreatedAt, 0),
	}, nil
}

// ClaimJob removes the job from the due index; only the remover runs it.
func (s *RedisStore) ClaimJob(ctx context.Context, job *domain.Job) (bool, error) {
	removed, err := s.client.ZRem(ctx, s.jobsKey(), job.ID).Result()
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	if removed != 1 {
		return false, nil
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.jobKey(job.ID))
		pipe.SRem(ctx, s.roomJobsKey(job.RoomID), job.ID)
		return nil
	})
	if err != nil {
		slog.Warn("Claimed job left residue", "job_id", job.ID, "error", err)
	}
	return true, nil
}

// CancelJobs removes pending jobs of a room.
func (s *RedisStore) CancelJobs(ctx context.Context, roomID string, kind domain.JobKind) (int64, error) {
	ids, err := s.client.SMembers(ctx, s.roomJobsKey(roomID)).Result()
	if err != nil {
		return 0, fmt.Errorf("list room jobs: %w", err)
	}

	var removed int64
	for _, id := range ids {
		job, err := s.loadJob(ctx, id)
		if err != nil {
			return removed, err
		}
		if job != nil && kind != "" && job.Kind != kind {
			continue
		}
		n, err := s.client.ZRem(ctx, s.jobsKey(), id).Result()
		if err != nil {
			return removed, fmt.Errorf("cancel job: %w", err)
		}
		removed += n
		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, s.jobKey(id))
			pipe.SRem(ctx, s.roomJobsKey(roomID), id)
			return nil
		})
		if err != nil {
			return removed, fmt.Errorf("cancel job: %w", err)
		}
	}
	return removed, nil
}
