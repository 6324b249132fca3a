// Package security provides the hub's abuse limits: per-connection
// inbound message rate limiting, per-IP connection caps, and document
// id validation.
package security

import (
	"regexp"
	"sync"

	"golang.org/x/time/rate"
)

// documentIDPattern constrains document ids to the characters safe for
// pub/sub channel names and storage keys.
var documentIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_:-]{1,256}$`)

// ValidDocumentID reports whether id may name a document.
func ValidDocumentID(id string) bool {
	return documentIDPattern.MatchString(id)
}

// MessageLimiter applies a token-bucket rate limit to each connection's
// inbound messages.
type MessageLimiter struct {
	perSecond rate.Limit
	burst     int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter // connectionID -> bucket
}

// NewMessageLimiter creates a limiter allowing perSecond messages with
// the given burst per connection. Non-positive values disable limiting.
func NewMessageLimiter(perSecond float64, burst int) *MessageLimiter {
	return &MessageLimiter{
		perSecond: rate.Limit(perSecond),
		burst:     burst,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Allow reports whether the connection may process one more message.
func (l *MessageLimiter) Allow(connectionID string) bool {
	if l.perSecond <= 0 || l.burst <= 0 {
		return true
	}

	l.mu.Lock()
	lim, ok := l.limiters[connectionID]
	if !ok {
		lim = rate.NewLimiter(l.perSecond, l.burst)
		l.limiters[connectionID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// Forget drops the connection's bucket after it closes.
func (l *MessageLimiter) Forget(connectionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, connectionID)
}

// IPLimiter caps concurrent connections per remote IP.
type IPLimiter struct {
	max int

	mu     sync.Mutex
	counts map[string]int
}

// NewIPLimiter creates a limiter allowing max concurrent connections
// per IP. Non-positive max disables the cap.
func NewIPLimiter(max int) *IPLimiter {
	return &IPLimiter{max: max, counts: make(map[string]int)}
}

// Acquire reserves a slot for ip, reporting false when the cap is hit.
func (l *IPLimiter) Acquire(ip string) bool {
	if l.max <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[ip] >= l.max {
		return false
	}
	l.counts[ip]++
	return true
}

// Release frees the slot a closed connection held.
func (l *IPLimiter) Release(ip string) {
	if l.max <= 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[ip] <= 1 {
		delete(l.counts, ip)
	} else {
		l.counts[ip]--
	}
}

// Count returns the live connection count for ip.
func (l *IPLimiter) Count(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[ip]
}
