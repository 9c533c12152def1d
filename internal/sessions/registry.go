// Package sessions maps users to sessions and the claims running under them.
package sessions

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/gaspardpetit/genpool/internal/claim"
	"github.com/gaspardpetit/genpool/internal/logx"
)

// ErrUnknownSession is returned for session IDs the registry does not hold.
var ErrUnknownSession = errors.New("unknown session")

// Session groups the claims of one user connection.
type Session struct {
	ID        string
	User      string
	CreatedAt time.Time

	limiter *semaphore.Weighted

	mu       sync.Mutex
	claims   map[string]*claim.Claim
	lastSeen time.Time
}

// Limiter bounds the generations running at once across every claim of the
// session. Its size is the user's concurrency ceiling.
func (s *Session) Limiter() *semaphore.Weighted { return s.limiter }

// View is the JSON shape of a session.
type View struct {
	ID          string       `json:"id"`
	User        string       `json:"user"`
	CreatedAt   time.Time    `json:"created_at"`
	LastSeen    time.Time    `json:"last_seen"`
	Claims      int          `json:"claims"`
	Outstanding claim.Counts `json:"outstanding"`
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *Session) view() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := View{ID: s.ID, User: s.User, CreatedAt: s.CreatedAt, LastSeen: s.lastSeen, Claims: len(s.claims)}
	for _, c := range s.claims {
		snap := c.Snapshot()
		v.Outstanding.Queued += snap.Queued
		v.Outstanding.WaitingForBackend += snap.WaitingForBackend
		v.Outstanding.LoadingModels += snap.LoadingModels
		v.Outstanding.LiveGenerations += snap.LiveGenerations
	}
	return v
}

// Registry owns every live session. It is built once in main and passed to
// the API layer.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	totals   *claim.Totals
	def      int
	perUser  map[string]int
	now      func() time.Time
}

// NewRegistry creates a registry whose claims report into totals.
// defaultConcurrency and perUser values below 1 are raised to 1.
func NewRegistry(totals *claim.Totals, defaultConcurrency int, perUser map[string]int) *Registry {
	if defaultConcurrency < 1 {
		defaultConcurrency = 1
	}
	pu := make(map[string]int, len(perUser))
	for u, n := range perUser {
		if n < 1 {
			n = 1
		}
		pu[u] = n
	}
	return &Registry{
		sessions: make(map[string]*Session),
		totals:   totals,
		def:      defaultConcurrency,
		perUser:  pu,
		now:      time.Now,
	}
}

// MaxConcurrent returns the batch concurrency ceiling for user.
func (r *Registry) MaxConcurrent(user string) int {
	if n, ok := r.perUser[user]; ok {
		return n
	}
	return r.def
}

// Create opens a new session for user.
func (r *Registry) Create(user string) *Session {
	now := r.now()
	s := &Session{
		ID:        uuid.NewString(),
		User:      user,
		CreatedAt: now,
		limiter:   semaphore.NewWeighted(int64(r.MaxConcurrent(user))),
		lastSeen:  now,
		claims:    map[string]*claim.Claim{},
	}
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	logx.Log.Debug().Str("session_id", s.ID).Str("user", user).Msg("session created")
	return s
}

// Get returns the session with the given ID.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrUnknownSession
	}
	return s, nil
}

// Resolve returns the named session, or a fresh one for user when id is
// empty.
func (r *Registry) Resolve(id, user string) (*Session, error) {
	if id == "" {
		return r.Create(user), nil
	}
	s, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	if s.User != user {
		return nil, ErrUnknownSession
	}
	return s, nil
}

// NewClaim opens a claim under s. The claim's context derives from ctx.
func (r *Registry) NewClaim(ctx context.Context, s *Session) *claim.Claim {
	c := claim.New(ctx, r.totals)
	s.mu.Lock()
	s.claims[c.ID] = c
	s.lastSeen = r.now()
	s.mu.Unlock()
	return c
}

// Release forgets a finished claim and frees its context.
func (r *Registry) Release(s *Session, c *claim.Claim) {
	s.mu.Lock()
	delete(s.claims, c.ID)
	s.mu.Unlock()
	s.touch(r.now())
	c.Close()
}

// Interrupt cancels every live claim of the session and returns how many
// were signalled.
func (r *Registry) Interrupt(id string) (int, error) {
	s, err := r.Get(id)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	live := make([]*claim.Claim, 0, len(s.claims))
	for _, c := range s.claims {
		live = append(live, c)
	}
	s.mu.Unlock()
	for _, c := range live {
		c.Interrupt()
	}
	s.touch(r.now())
	logx.Log.Info().Str("session_id", id).Int("claims", len(live)).Msg("session interrupted")
	return len(live), nil
}

// Snapshot returns a view of every session ordered by creation time.
func (r *Registry) Snapshot() []View {
	r.mu.Lock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.Unlock()
	out := make([]View, 0, len(list))
	for _, s := range list {
		out = append(out, s.view())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// PruneIdle drops sessions with no claims that were last used more than
// maxIdle ago.
func (r *Registry) PruneIdle(maxIdle time.Duration) int {
	cutoff := r.now().Add(-maxIdle)
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, s := range r.sessions {
		s.mu.Lock()
		idle := len(s.claims) == 0 && s.lastSeen.Before(cutoff)
		s.mu.Unlock()
		if idle {
			delete(r.sessions, id)
			n++
		}
	}
	if n > 0 {
		logx.Log.Debug().Int("count", n).Msg("pruned idle sessions")
	}
	return n
}
