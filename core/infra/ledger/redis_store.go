package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisURL = "redis://localhost:6379"
	defaultTTL      = 30 * 24 * time.Hour
	envLedgerTTL    = "CKPTPUB_LEDGER_TTL"

	recordKeyPrefix = "ckpt:rec:"
	jobKeyPrefix    = "ckpt:job:"
)

// RedisStore keeps records as JSON strings with a TTL and indexes them in a
// per-job sorted set scored by commit time.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects to url and verifies the connection.
func NewRedisStore(url string) (*RedisStore, error) {
	if strings.TrimSpace(url) == "" {
		url = defaultRedisURL
	}
	opts, err := ParseOptions(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisStore{
		client: client,
		ttl:    parseDurationEnv(envLedgerTTL, defaultTTL),
	}, nil
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Append stores rec under a new id and returns it.
func (s *RedisStore) Append(ctx context.Context, rec Record) (string, error) {
	if s == nil || s.client == nil {
		return "", ErrUnavailable
	}
	if strings.TrimSpace(rec.Job) == "" {
		return "", fmt.Errorf("record job required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if rec.CommittedAt.IsZero() {
		rec.CommittedAt = time.Now().UTC()
	}
	rec.ID = uuid.NewString()
	payload, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal record: %w", err)
	}
	jobKey := JobKey(rec.Job)
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, RecordKey(rec.ID), payload, s.ttl)
	pipe.ZAdd(ctx, jobKey, redis.Z{Score: float64(rec.CommittedAt.UnixMilli()), Member: rec.ID})
	pipe.Expire(ctx, jobKey, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("append record: %w", err)
	}
	return rec.ID, nil
}

// List returns up to limit records for job, newest first; limit <= 0 returns
// all of them. Index entries whose record has expired are pruned and the scan
// continues past them, so a limit is filled whenever enough live records exist.
func (s *RedisStore) List(ctx context.Context, job string, limit int) ([]Record, error) {
	if s == nil || s.client == nil {
		return nil, ErrUnavailable
	}
	if ctx == nil {
		ctx = context.Background()
	}
	jobKey := JobKey(job)
	var out []Record
	start := int64(0)
	for {
		stop := int64(-1)
		if limit > 0 {
			stop = start + int64(limit-len(out)) - 1
		}
		ids, err := s.client.ZRevRange(ctx, jobKey, start, stop).Result()
		if err != nil {
			return nil, fmt.Errorf("list records: %w", err)
		}
		if len(ids) == 0 {
			return out, nil
		}
		recs, stale, err := s.fetch(ctx, ids)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
		if len(stale) == 0 || limit <= 0 || len(out) >= limit {
			if len(stale) > 0 {
				_ = s.client.ZRem(ctx, jobKey, stale...).Err()
			}
			return out, nil
		}
		if err := s.client.ZRem(ctx, jobKey, stale...).Err(); err != nil {
			return out, nil
		}
		// Pruned ids no longer hold a rank, so the next page starts after the
		// live ones just read.
		start += int64(len(recs))
	}
}

func (s *RedisStore) fetch(ctx context.Context, ids []string) ([]Record, []any, error) {
	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, RecordKey(id))
	}
	_, _ = pipe.Exec(ctx)

	out := make([]Record, 0, len(ids))
	var stale []any
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			stale = append(stale, ids[i])
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("get record %s: %w", ids[i], err)
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, nil, fmt.Errorf("decode record %s: %w", ids[i], err)
		}
		out = append(out, rec)
	}
	return out, stale, nil
}

// RecordKey is the redis key holding one record.
func RecordKey(id string) string {
	return recordKeyPrefix + id
}

// JobKey is the sorted set indexing a job's records.
func JobKey(job string) string {
	return jobKeyPrefix + job
}

func parseDurationEnv(key string, fallback time.Duration) time.Duration {
	if raw := strings.TrimSpace(os.Getenv(key)); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
