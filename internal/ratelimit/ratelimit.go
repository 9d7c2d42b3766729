// Package ratelimit bounds how often each API client may submit runs.
// Every client owns a token bucket that is refilled lazily on each call.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when a client has no submissions left.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config configures the limiter.
type Config struct {
	RunsPerMinute int // Tokens added per minute. 0 disables limiting.
	Burst         int // Bucket capacity. 0 means RunsPerMinute.
}

// Limiter is a per-client token bucket limiter. It is safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	clients map[string]*bucket
	rate    float64 // tokens per second
	burst   float64
	now     func() time.Time
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// New creates a limiter. It returns nil when cfg.RunsPerMinute is not
// positive; a nil *Limiter allows everything.
func New(cfg Config) *Limiter {
	if cfg.RunsPerMinute <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.RunsPerMinute
	}
	return &Limiter{
		clients: make(map[string]*bucket),
		rate:    float64(cfg.RunsPerMinute) / 60.0,
		burst:   float64(burst),
		now:     time.Now,
	}
}

// Allow consumes one token from client's bucket, or returns ErrRateLimited.
func (l *Limiter) Allow(client string) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b := l.refill(client, now)
	if b.tokens < 1 {
		return ErrRateLimited
	}
	b.tokens--
	return nil
}

// Prune forgets clients whose bucket has been full for at least idle.
func (l *Limiter) Prune(idle time.Duration) int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	n := 0
	for client, b := range l.clients {
		full := b.tokens + now.Sub(b.lastFill).Seconds()*l.rate
		if full >= l.burst && now.Sub(b.lastFill) >= idle {
			delete(l.clients, client)
			n++
		}
	}
	return n
}

func (l *Limiter) refill(client string, now time.Time) *bucket {
	b, ok := l.clients[client]
	if !ok {
		b = &bucket{tokens: l.burst, lastFill: now}
		l.clients[client] = b
		return b
	}
	b.tokens += now.Sub(b.lastFill).Seconds() * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastFill = now
	return b
}
