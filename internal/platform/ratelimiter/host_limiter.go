// Package ratelimiter provides a per-host token bucket used by the RPC
// transport as a first line of defense ahead of the spam filter's
// sliding-window admission control.
package ratelimiter

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const sweepEvery = 512

// HostLimiter applies a token bucket per host key and evicts idle entries
// inline, so the hot path needs no background timer.
type HostLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu    sync.Mutex
	hosts map[string]*hostEntry
	hits  uint64
}

type hostEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a host-keyed limiter; returns nil (meaning "allow all") if
// the arguments are invalid.
func New(rps float64, burst int, idleTTL time.Duration) *HostLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &HostLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: idleTTL,
		hosts:   make(map[string]*hostEntry),
	}
}

// Allow reports whether one token can be consumed for host at now.
func (l *HostLimiter) Allow(host string, now time.Time) bool {
	if l == nil {
		return true
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.hosts[host]
	if !ok {
		e = &hostEntry{
			limiter:  rate.NewLimiter(l.limit, l.burst),
			lastSeen: now,
		}
		l.hosts[host] = e
	}
	e.lastSeen = now
	allowed := e.limiter.AllowN(now, 1)

	l.hits++
	if l.hits%sweepEvery == 0 {
		cutoff := now.Add(-l.idleTTL)
		for k, v := range l.hosts {
			if v.lastSeen.Before(cutoff) {
				delete(l.hosts, k)
			}
		}
	}
	return allowed
}

// Tracked reports how many hosts currently hold a bucket.
func (l *HostLimiter) Tracked() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hosts)
}
