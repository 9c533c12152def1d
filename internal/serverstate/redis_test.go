package serverstate

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"

	"github.com/gaspardpetit/genpool/internal/claim"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	c, err := NewRedisClient(context.Background(), mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisClient: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return mr, c
}

func TestRedisStoreTracksReplicaState(t *testing.T) {
	_, c := newRedis(t)
	ctx := context.Background()
	rs, err := NewRedisStore(ctx, c, "a", time.Minute)
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	tr := New(rs)

	if got := tr.Get(); got != StateNotReady {
		t.Fatalf("initial state = %q; want %q", got, StateNotReady)
	}
	tr.Set(StateReady)
	if got := tr.Get(); got != StateReady {
		t.Fatalf("state after Set = %q; want %q", got, StateReady)
	}
	tr.StartDrain()

	other, err := NewRedisStore(ctx, c, "b", time.Minute)
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	reps, err := other.Replicas(ctx)
	if err != nil {
		t.Fatalf("Replicas: %v", err)
	}
	if len(reps) != 2 || reps[0].ID != "a" || !reps[0].State.Draining || reps[1].State.Status != StateNotReady {
		t.Fatalf("replicas = %+v", reps)
	}
	if other.Load().Draining {
		t.Fatalf("drain of replica a leaked into replica b")
	}
}

func TestRedisStoreAdoptsExternalDrain(t *testing.T) {
	mr, c := newRedis(t)
	rs, err := NewRedisStore(context.Background(), c, "a", time.Minute)
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	if err := mr.Set(replicaPrefix+"a", `{"id":"a","state":{"status":"draining","draining":true}}`); err != nil {
		t.Fatalf("set: %v", err)
	}
	if !New(rs).IsDraining() {
		t.Fatalf("operator drain not observed")
	}
}

func TestRedisStorePublishAndOutstanding(t *testing.T) {
	mr, c := newRedis(t)
	ctx := context.Background()
	a, err := NewRedisStore(ctx, c, "a", 10*time.Second)
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	b, err := NewRedisStore(ctx, c, "b", 10*time.Second)
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	if err := a.Publish(ctx, claim.Counts{Queued: 2, LiveGenerations: 1}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := b.Publish(ctx, claim.Counts{Queued: 1, WaitingForBackend: 3}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	sum, err := a.Outstanding(ctx)
	if err != nil {
		t.Fatalf("Outstanding: %v", err)
	}
	want := claim.Counts{Queued: 3, WaitingForBackend: 3, LiveGenerations: 1}
	if diff := cmp.Diff(want, sum); diff != "" {
		t.Fatalf("outstanding (-want +got):\n%s", diff)
	}

	// b stops refreshing and expires.
	mr.FastForward(5 * time.Second)
	if err := a.Publish(ctx, claim.Counts{}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	mr.FastForward(6 * time.Second)
	reps, err := a.Replicas(ctx)
	if err != nil {
		t.Fatalf("Replicas: %v", err)
	}
	if len(reps) != 1 || reps[0].ID != "a" {
		t.Fatalf("replicas after expiry = %+v", reps)
	}

	if err := a.Remove(ctx); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if reps, _ := a.Replicas(ctx); len(reps) != 0 {
		t.Fatalf("replicas after Remove = %+v", reps)
	}
}

func TestRunPublisherStopsWithContext(t *testing.T) {
	_, c := newRedis(t)
	rs, err := NewRedisStore(context.Background(), c, "a", time.Minute)
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rs.RunPublisher(ctx, 10*time.Millisecond, func() claim.Counts { return claim.Counts{LoadingModels: 4} })
		close(done)
	}()
	deadline := time.Now().Add(time.Second)
	for {
		sum, err := rs.Outstanding(context.Background())
		if err == nil && sum.LoadingModels == 4 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("publisher never wrote load: %+v %v", sum, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publisher did not stop")
	}
}

func TestNewRedisClientUnreachable(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	addr := mr.Addr()
	mr.Close()
	if _, err := NewRedisClient(context.Background(), addr); err == nil {
		t.Fatalf("expected error for closed redis")
	}
}

func TestRedisOptions(t *testing.T) {
	tests := []struct {
		url    string
		addrs  int
		master string
		db     int
		tls    bool
	}{
		{"localhost:6379", 1, "", 0, false},
		{"redis://:pass@localhost:6379/1", 1, "", 1, false},
		{"rediss://localhost:6380?db=4", 1, "", 4, true},
		{"redis://host1:6379,host2:6379/0", 2, "", 0, false},
		{"redis-sentinel://localhost:26379/mymaster?db=2", 1, "mymaster", 2, false},
	}
	for _, tt := range tests {
		opts, err := redisOptions(tt.url)
		if err != nil {
			t.Fatalf("redisOptions(%q): %v", tt.url, err)
		}
		if len(opts.Addrs) != tt.addrs || opts.MasterName != tt.master || opts.DB != tt.db || (opts.TLSConfig != nil) != tt.tls {
			t.Fatalf("%q = addrs %v master %q db %d tls %v", tt.url, opts.Addrs, opts.MasterName, opts.DB, opts.TLSConfig != nil)
		}
	}
	for _, bad := range []string{"http://localhost", "redis://localhost/x"} {
		if _, err := redisOptions(bad); err == nil {
			t.Fatalf("%q: expected error", bad)
		}
	}
}
