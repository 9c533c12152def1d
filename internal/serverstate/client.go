package serverstate

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient connects to the Redis deployment described by addr and
// verifies it answers. The same client is shared by every redis-backed store
// of the process.
func NewRedisClient(ctx context.Context, addr string) (redis.UniversalClient, error) {
	opts, err := redisOptions(addr)
	if err != nil {
		return nil, err
	}
	c := redis.NewUniversalClient(opts)
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addrs, err)
	}
	return c, nil
}

// redisOptions accepts a bare host:port or a redis, rediss, redis-sentinel or
// rediss-sentinel URL. Comma separated hosts select cluster mode.
func redisOptions(addr string) (*redis.UniversalOptions, error) {
	if !strings.Contains(addr, "://") {
		return &redis.UniversalOptions{Addrs: []string{addr}}, nil
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	scheme, sentinel := strings.CutSuffix(u.Scheme, "-sentinel")
	if scheme != "redis" && scheme != "rediss" {
		return nil, fmt.Errorf("redis: unsupported scheme %q", u.Scheme)
	}

	opts := &redis.UniversalOptions{Addrs: strings.Split(u.Host, ",")}
	if u.User != nil {
		opts.Username = u.User.Username()
		opts.Password, _ = u.User.Password()
	}
	if scheme == "rediss" {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	q := u.Query()
	db := q.Get("db")
	path := strings.Trim(u.Path, "/")
	if sentinel {
		opts.MasterName = path
		opts.SentinelUsername = q.Get("sentinel_username")
		opts.SentinelPassword = q.Get("sentinel_password")
	} else if path != "" {
		db = path
	}
	if db != "" {
		n, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("redis: invalid db %q", db)
		}
		opts.DB = n
	}
	return opts, nil
}
