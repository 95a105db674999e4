// Package quota tracks chargeable LLM calls per user and globally, per
// calendar day in a configured timezone.
//
// Callers reserve a slot before calling the provider and then either commit
// it (a paid response arrived) or release it (degraded, failed, cancelled).
// Reservations count against the limit while in flight, so concurrent callers
// can never push the charged count past the limit.
package quota

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// AnonymousUser is the key used for calls without a user id.
const AnonymousUser = "anonymous"

// Sentinel errors returned by Reserve. Both match ErrDenied.
var (
	ErrDenied      = errors.New("daily quota exhausted")
	ErrUserLimit   = fmt.Errorf("per-user %w", ErrDenied)
	ErrGlobalLimit = fmt.Errorf("global %w", ErrDenied)
)

// Limits are daily limits; zero means unlimited.
type Limits struct {
	PerUser int `yaml:"per_user_daily" json:"per_user_daily"`
	Global  int `yaml:"global_daily" json:"global_daily"`
}

type counter struct {
	charged  int
	reserved int
}

func (c *counter) full(limit int) bool {
	return limit > 0 && c.charged+c.reserved >= limit
}

// Tracker owns the usage counters. It is safe for concurrent use.
type Tracker struct {
	mu     sync.Mutex
	limits Limits
	loc    *time.Location
	now    func() time.Time

	day    string
	users  map[string]*counter
	global counter
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// New creates a tracker whose day boundary is midnight in loc. A nil loc
// means UTC.
func New(limits Limits, loc *time.Location, opts ...Option) *Tracker {
	if loc == nil {
		loc = time.UTC
	}
	t := &Tracker{
		limits: limits,
		loc:    loc,
		now:    time.Now,
		users:  make(map[string]*counter),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Limits returns the configured limits.
func (t *Tracker) Limits() Limits {
	return t.limits
}

// rollover resets the counters when the local day has changed. Caller holds mu.
func (t *Tracker) rollover() string {
	day := t.now().In(t.loc).Format(time.DateOnly)
	if day != t.day {
		t.day = day
		t.users = make(map[string]*counter)
		t.global = counter{}
	}
	return day
}

func (t *Tracker) user(id string) *counter {
	c, ok := t.users[id]
	if !ok {
		c = &counter{}
		t.users[id] = c
	}
	return c
}

func normalize(userID string) string {
	if userID == "" {
		return AnonymousUser
	}
	return userID
}

// Reservation is an in-flight claim on one chargeable call.
type Reservation struct {
	t    *Tracker
	user string
	day  string
	done bool
}

// Reserve claims a slot for userID, or returns ErrUserLimit / ErrGlobalLimit.
func (t *Tracker) Reserve(userID string) (*Reservation, error) {
	userID = normalize(userID)

	t.mu.Lock()
	defer t.mu.Unlock()

	day := t.rollover()
	u := t.user(userID)
	if u.full(t.limits.PerUser) {
		return nil, ErrUserLimit
	}
	if t.global.full(t.limits.Global) {
		return nil, ErrGlobalLimit
	}
	u.reserved++
	t.global.reserved++
	return &Reservation{t: t, user: userID, day: day}, nil
}

// Commit charges the reserved call. Calling Commit or Release again is a no-op.
func (r *Reservation) Commit() {
	r.finish(true)
}

// Release returns the slot without charging.
func (r *Reservation) Release() {
	r.finish(false)
}

func (r *Reservation) finish(charge bool) {
	if r == nil {
		return
	}
	t := r.t
	t.mu.Lock()
	defer t.mu.Unlock()

	if r.done {
		return
	}
	r.done = true

	day := t.rollover()
	u := t.user(r.user)
	if day == r.day {
		u.reserved--
		t.global.reserved--
	}
	// A call that completes after midnight is charged to the new day.
	if charge {
		u.charged++
		t.global.charged++
	}
}

// Usage is a snapshot of one counter.
type Usage struct {
	User      string `json:"user,omitempty"`
	Day       string `json:"day"`
	Count     int    `json:"count"`
	InFlight  int    `json:"in_flight"`
	Limit     int    `json:"limit"`
	Remaining int    `json:"remaining"`
}

func snapshot(user, day string, c counter, limit int) Usage {
	u := Usage{User: user, Day: day, Count: c.charged, InFlight: c.reserved, Limit: limit, Remaining: -1}
	if limit > 0 {
		u.Remaining = max(limit-c.charged-c.reserved, 0)
	}
	return u
}

// Usage returns today's counter for userID. Remaining is -1 when unlimited.
func (t *Tracker) Usage(userID string) Usage {
	userID = normalize(userID)

	t.mu.Lock()
	defer t.mu.Unlock()

	day := t.rollover()
	var c counter
	if u, ok := t.users[userID]; ok {
		c = *u
	}
	return snapshot(userID, day, c, t.limits.PerUser)
}

// GlobalUsage returns today's global counter.
func (t *Tracker) GlobalUsage() Usage {
	t.mu.Lock()
	defer t.mu.Unlock()

	day := t.rollover()
	return snapshot("", day, t.global, t.limits.Global)
}
