// Package ratelimit implements the per-peer token bucket and three-state
// circuit breaker of spec §4.4: check_request consults the breaker first,
// then attempts to consume a token; repeated failures trip the
// breaker open, and a timeout later admits one half-open probe.
//
// Grounded on original_source/spacepanda-core/src/core_router/rate_limiter.rs
// for the exact state machine and default tunables, re-expressed with
// golang.org/x/time/rate.Limiter as the token bucket primitive in place of
// the hand-rolled f64 bucket, the way the teacher reaches for an x/ package
// rather than hand-rolling its own timer arithmetic.
package ratelimit

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/spacechat/core/config"
)

// Result is the outcome of a rate-limit check (§4.4).
type Result int

const (
	Allowed Result = iota
	RateLimitExceeded
	CircuitBreakerOpen
)

func (r Result) String() string {
	switch r {
	case Allowed:
		return "allowed"
	case RateLimitExceeded:
		return "rate_limit_exceeded"
	default:
		return "circuit_breaker_open"
	}
}

// CircuitState is the three-state circuit breaker state (§4.4).
type CircuitState int

const (
	Closed CircuitState = iota
	Open
	HalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	default:
		return "half_open"
	}
}

type circuitBreaker struct {
	state               CircuitState
	consecutiveFailures int
	threshold           int
	openedAt            time.Time
	timeout             time.Duration
}

func newCircuitBreaker(threshold int, timeout time.Duration) *circuitBreaker {
	return &circuitBreaker{state: Closed, threshold: threshold, timeout: timeout}
}

func (c *circuitBreaker) allowRequest() bool {
	switch c.state {
	case Closed:
		return true
	case HalfOpen:
		return true
	default: // Open
		if !c.openedAt.IsZero() && time.Since(c.openedAt) >= c.timeout {
			c.state = HalfOpen
			c.consecutiveFailures = 0
			return true
		}
		return false
	}
}

func (c *circuitBreaker) recordSuccess() {
	switch c.state {
	case Closed:
		c.consecutiveFailures = 0
	case HalfOpen:
		c.state = Closed
		c.consecutiveFailures = 0
		c.openedAt = time.Time{}
	}
}

func (c *circuitBreaker) recordFailure() {
	c.consecutiveFailures++
	switch c.state {
	case Closed:
		if c.consecutiveFailures >= c.threshold {
			c.state = Open
			c.openedAt = time.Now()
		}
	case HalfOpen:
		c.state = Open
		c.openedAt = time.Now()
	}
}

type peerLimiter struct {
	bucket  *rate.Limiter
	breaker *circuitBreaker
}

// Limiter manages per-peer token buckets and circuit breakers behind a
// single lock, entries created lazily on first contact (§5).
type Limiter struct {
	cfg config.Options

	mu    sync.Mutex
	peers map[string]*peerLimiter
	log   *logrus.Entry
}

// New builds a Limiter from the rate-limit section of cfg.
func New(cfg config.Options) *Limiter {
	return &Limiter{
		cfg:   cfg,
		peers: make(map[string]*peerLimiter),
		log:   logrus.WithField("component", "ratelimit"),
	}
}

func (l *Limiter) peerFor(peerID string) *peerLimiter {
	p, ok := l.peers[peerID]
	if ok {
		return p
	}
	burst := l.cfg.RateLimit.BurstSize
	p = &peerLimiter{
		bucket:  rate.NewLimiter(rate.Limit(l.cfg.RateLimit.MaxRequestsPerSec), burst),
		breaker: newCircuitBreaker(l.cfg.RateLimit.CircuitBreakerThresh, l.cfg.RateLimit.CircuitBreakerTimeout),
	}
	l.peers[peerID] = p
	return p
}

// CheckRequest consults the circuit breaker, then attempts to consume one
// token, for the given peer (§4.4).
func (l *Limiter) CheckRequest(peerID string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.peerFor(peerID)

	if !p.breaker.allowRequest() {
		l.log.WithField("peer_id", peerID).WithField("state", p.breaker.state).
			Warn("ratelimit: request blocked: circuit breaker open")
		return CircuitBreakerOpen
	}
	if p.bucket.Allow() {
		return Allowed
	}
	l.log.WithField("peer_id", peerID).Warn("ratelimit: request blocked: rate limit exceeded")
	return RateLimitExceeded
}

// RecordSuccess feeds a successful request to the peer's circuit breaker.
func (l *Limiter) RecordSuccess(peerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.peers[peerID]; ok {
		p.breaker.recordSuccess()
	}
}

// RecordFailure feeds a failed request to the peer's circuit breaker,
// creating an entry if the peer has never been seen.
func (l *Limiter) RecordFailure(peerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.peerFor(peerID)
	p.breaker.recordFailure()
}

// CircuitState reports the peer's current breaker state, and whether any
// entry exists for it.
func (l *Limiter) CircuitState(peerID string) (CircuitState, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.peers[peerID]
	if !ok {
		return Closed, false
	}
	return p.breaker.state, true
}

// AvailableTokens reports the peer's current token count, and whether any
// entry exists for it.
func (l *Limiter) AvailableTokens(peerID string) (float64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.peers[peerID]
	if !ok {
		return 0, false
	}
	return p.bucket.Tokens(), true
}

// RemovePeer drops all rate-limit state for peerID, e.g. on disconnect.
func (l *Limiter) RemovePeer(peerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.peers, peerID)
}

// PeerCount reports how many peers currently have tracked state.
func (l *Limiter) PeerCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.peers)
}
