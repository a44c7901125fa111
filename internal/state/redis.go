package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/CSmithy89/agent-orchestrator-sub004/pkg/models"
)

const (
	defaultRedisURL    = "redis://localhost:6379"
	defaultRedisPrefix = "agentorch:"
)

// RedisStore keeps each run as one JSON document in Redis. A SET of the
// whole document is atomic, so readers never see a partial snapshot.
type RedisStore struct {
	client *redis.Client
	prefix string
	locker *Locker
}

// NewRedisStore connects to url and verifies the connection.
// Keys are namespaced under prefix; empty uses "agentorch:".
func NewRedisStore(url, prefix string) (*RedisStore, error) {
	if url == "" {
		url = defaultRedisURL
	}
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisStore{client: client, prefix: prefix, locker: NewLocker()}, nil
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) runKey(runID string) string     { return s.prefix + "run:" + runID }
func (s *RedisStore) archiveKey(runID string) string { return s.prefix + "archive:run:" + runID }
func (s *RedisStore) activeKey() string              { return s.prefix + "runs:active" }
func (s *RedisStore) archivedKey() string            { return s.prefix + "runs:archived" }

// Save writes the whole snapshot and indexes the run as active.
func (s *RedisStore) Save(ctx context.Context, st *models.WorkflowState) error {
	if st.RunID == "" {
		return errors.New("run id required")
	}
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal run %s: %w", st.RunID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.runKey(st.RunID), payload, 0)
	pipe.SAdd(ctx, s.activeKey(), st.RunID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save run %s: %w", st.RunID, err)
	}
	return nil
}

// Load returns the active snapshot, falling back to the archive.
func (s *RedisStore) Load(ctx context.Context, runID string) (*models.WorkflowState, error) {
	data, err := s.client.Get(ctx, s.runKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		data, err = s.client.Get(ctx, s.archiveKey(runID)).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		if err != nil {
			return nil, fmt.Errorf("load run %s: %w", runID, err)
		}
		return decodeSnapshot(runID, s.archiveKey(runID), data)
	}
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	return decodeSnapshot(runID, s.runKey(runID), data)
}

// ListActive returns active runs ordered by start time.
func (s *RedisStore) ListActive(ctx context.Context) ([]*models.WorkflowState, error) {
	return s.list(ctx, s.activeKey(), s.runKey)
}

// ListArchived returns archived runs ordered by start time.
func (s *RedisStore) ListArchived(ctx context.Context) ([]*models.WorkflowState, error) {
	return s.list(ctx, s.archivedKey(), s.archiveKey)
}

func (s *RedisStore) list(ctx context.Context, index string, key func(string) string) ([]*models.WorkflowState, error) {
	ids, err := s.client.SMembers(ctx, index).Result()
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make(map[string]*redis.StringCmd, len(ids))
	for _, id := range ids {
		cmds[id] = pipe.Get(ctx, key(id))
	}
	// A missing document is a stale index entry; Exec reports it as redis.Nil.
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	out := make([]*models.WorkflowState, 0, len(ids))
	for _, id := range ids {
		data, err := cmds[id].Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("list runs: load %s: %w", id, err)
		}
		st, err := decodeSnapshot(id, key(id), data)
		if err != nil {
			log.Printf("[state] skipping run %s: %v", id, err)
			continue
		}
		out = append(out, st)
	}
	sortByStart(out)
	return out, nil
}

// Archive moves the run document to the archive key inside one transaction.
func (s *RedisStore) Archive(ctx context.Context, runID string) error {
	exists, err := s.client.Exists(ctx, s.runKey(runID)).Result()
	if err != nil {
		return fmt.Errorf("archive run %s: %w", runID, err)
	}
	if exists == 0 {
		archived, err := s.client.Exists(ctx, s.archiveKey(runID)).Result()
		if err != nil {
			return fmt.Errorf("archive run %s: %w", runID, err)
		}
		if archived == 1 {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrNotFound, runID)
	}

	pipe := s.client.TxPipeline()
	pipe.Rename(ctx, s.runKey(runID), s.archiveKey(runID))
	pipe.SRem(ctx, s.activeKey(), runID)
	pipe.SAdd(ctx, s.archivedKey(), runID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("archive run %s: %w", runID, err)
	}
	return nil
}

// Lock takes the single-writer lease for runID within this process.
func (s *RedisStore) Lock(runID string) (*Lease, error) {
	return s.locker.Lock(runID)
}

var _ Store = (*RedisStore)(nil)
