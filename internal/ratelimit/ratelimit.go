package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter applies a token-bucket rate limit per peer address. It bounds how
// fast a single client can open new ICAP connections; it does not shape
// traffic inside an established connection.
type Limiter struct {
	mu      sync.Mutex
	peers   map[string]*peerLimiter
	perSec  rate.Limit
	burst   int
	maxIdle time.Duration
}

type peerLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a per-peer limiter allowing perSec connections per second with
// the given burst. Returns nil when perSec <= 0, which callers treat as
// "rate limiting disabled".
func New(perSec float64, burst int) *Limiter {
	if perSec <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		peers:   make(map[string]*peerLimiter),
		perSec:  rate.Limit(perSec),
		burst:   burst,
		maxIdle: 10 * time.Minute,
	}
}

// Allow reports whether a new connection from peer is within the limit.
// A nil *Limiter always allows.
func (l *Limiter) Allow(peer string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.peers[peer]
	if !ok {
		p = &peerLimiter{limiter: rate.NewLimiter(l.perSec, l.burst)}
		l.peers[peer] = p
	}
	p.lastSeen = time.Now()
	return p.limiter.Allow()
}

// Cleanup drops peers that have been idle longer than the retention window.
// Intended to be called periodically from a background goroutine.
func (l *Limiter) Cleanup() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-l.maxIdle)
	for peer, p := range l.peers {
		if p.lastSeen.Before(cutoff) {
			delete(l.peers, peer)
		}
	}
}

// Len returns the number of tracked peers. Used by tests and cleanup logs.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.peers)
}
