package serverstate

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gaspardpetit/genpool/internal/claim"
	"github.com/gaspardpetit/genpool/internal/logx"
)

const (
	replicaPrefix = "genpool:replica:"
	opTimeout     = 2 * time.Second
)

// Replica is one server process as published to redis: its lifecycle state
// and the claim units it still has outstanding.
type Replica struct {
	ID          string       `json:"id"`
	State       State        `json:"state"`
	Outstanding claim.Counts `json:"outstanding"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// RedisStore is a Store that publishes this replica under its own expiring
// key, so replicas sharing a redis can see each other's state and load.
type RedisStore struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
	now    func() time.Time

	mu   sync.Mutex
	self Replica
}

// NewRedisStore registers replica id as not_ready. The key expires after ttl
// unless Store or Publish refresh it.
func NewRedisStore(ctx context.Context, client redis.UniversalClient, id string, ttl time.Duration) (*RedisStore, error) {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	s := &RedisStore{
		client: client,
		key:    replicaPrefix + id,
		ttl:    ttl,
		now:    time.Now,
		self:   Replica{ID: id, State: State{Status: StateNotReady}},
	}
	if err := s.write(ctx, func(*Replica) {}); err != nil {
		return nil, err
	}
	return s, nil
}

// Load returns the replica's state as stored in redis. A draining flag set
// there by an operator is adopted; on a read failure the last known state is
// returned.
func (s *RedisStore) Load() State {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	r, err := s.read(ctx, s.key)
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case err == nil:
		s.self.State = r.State
	case !errors.Is(err, redis.Nil):
		logx.Log.Debug().Err(err).Str("key", s.key).Msg("read replica state")
	}
	return s.self.State
}

// Store persists st for this replica.
func (s *RedisStore) Store(st State) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := s.write(ctx, func(r *Replica) { r.State = st }); err != nil {
		logx.Log.Warn().Err(err).Str("status", st.Status).Msg("store replica state")
	}
}

// Publish records the replica's outstanding claim units and refreshes its key.
func (s *RedisStore) Publish(ctx context.Context, outstanding claim.Counts) error {
	return s.write(ctx, func(r *Replica) { r.Outstanding = outstanding })
}

// RunPublisher publishes snapshot() every interval until ctx ends.
func (s *RedisStore) RunPublisher(ctx context.Context, interval time.Duration, snapshot func() claim.Counts) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if err := s.Publish(ctx, snapshot()); err != nil && ctx.Err() == nil {
			logx.Log.Warn().Err(err).Msg("publish replica load")
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Replicas lists every replica whose key has not expired, ordered by ID.
// On a cluster deployment only the node owning the scan cursor is visited.
func (s *RedisStore) Replicas(ctx context.Context) ([]Replica, error) {
	var out []Replica
	it := s.client.Scan(ctx, 0, replicaPrefix+"*", 100).Iterator()
	for it.Next(ctx) {
		r, err := s.read(ctx, it.Val())
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Outstanding sums the published claim units of every live replica.
func (s *RedisStore) Outstanding(ctx context.Context) (claim.Counts, error) {
	rs, err := s.Replicas(ctx)
	if err != nil {
		return claim.Counts{}, err
	}
	var sum claim.Counts
	for _, r := range rs {
		sum.Queued += r.Outstanding.Queued
		sum.WaitingForBackend += r.Outstanding.WaitingForBackend
		sum.LoadingModels += r.Outstanding.LoadingModels
		sum.LiveGenerations += r.Outstanding.LiveGenerations
	}
	return sum, nil
}

// Remove deletes this replica's key, typically on shutdown.
func (s *RedisStore) Remove(ctx context.Context) error {
	return s.client.Del(ctx, s.key).Err()
}

func (s *RedisStore) write(ctx context.Context, update func(*Replica)) error {
	s.mu.Lock()
	update(&s.self)
	s.self.UpdatedAt = s.now().UTC()
	b, err := json.Marshal(s.self)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key, b, s.ttl).Err()
}

func (s *RedisStore) read(ctx context.Context, key string) (Replica, error) {
	var r Replica
	b, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal(b, &r); err != nil {
		return r, err
	}
	return r, nil
}
