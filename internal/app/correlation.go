package app

import (
	"errors"
	"sync"
	"time"
)

// Listener modes for provider events. Once-mode listeners serve ordinary
// request/response and are torn down after the first firing; register-mode
// listeners (accountsChanged, chainChanged) must survive multiple firings
// and are served by NotificationHub subscriptions instead of this table.
const (
	ListenerOnce     = "once"
	ListenerRegister = "register"
)

var (
	// ErrCorrelationExpired converts "background restarted or hung
	// mid-flight" into a visible transport failure instead of a hang.
	ErrCorrelationExpired = errors.New("request expired before a response arrived")
	// ErrDuplicateCorrelation rejects id reuse, which would let one
	// response satisfy two requests.
	ErrDuplicateCorrelation = errors.New("correlation id already registered")
)

// DefaultCorrelationTTL bounds how long a pending correlation may wait for
// its completion event.
const DefaultCorrelationTTL = 90 * time.Second

// CorrelationResult is what eventually settles a pending correlation.
type CorrelationResult struct {
	Data any
	Err  error
}

type pendingCorrelation struct {
	id        string
	host      string
	eventName string
	createdAt time.Time
	ch        chan CorrelationResult
}

// CorrelationTable maps correlation ids to one-shot resolvers. Entries are
// settled exactly once, by Resolve, Fail, the TTL sweep, or FailAll; the
// buffered channel makes settling non-blocking for the producer.
type CorrelationTable struct {
	ttl time.Duration

	mu      sync.Mutex
	pending map[string]*pendingCorrelation
}

func NewCorrelationTable(ttl time.Duration) *CorrelationTable {
	if ttl <= 0 {
		ttl = DefaultCorrelationTTL
	}
	return &CorrelationTable{
		ttl:     ttl,
		pending: make(map[string]*pendingCorrelation),
	}
}

// Register creates a once-mode listener for id. The returned channel fires
// exactly once.
func (t *CorrelationTable) Register(id, host, eventName string, now time.Time) (<-chan CorrelationResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.pending[id]; exists {
		return nil, ErrDuplicateCorrelation
	}
	p := &pendingCorrelation{
		id:        id,
		host:      host,
		eventName: eventName,
		createdAt: now,
		ch:        make(chan CorrelationResult, 1),
	}
	t.pending[id] = p
	return p.ch, nil
}

// Resolve settles the correlation with data. Returns false when the id is
// unknown (already settled, expired, or never registered).
func (t *CorrelationTable) Resolve(id string, data any) bool {
	return t.settle(id, CorrelationResult{Data: data})
}

// Fail settles the correlation with an error.
func (t *CorrelationTable) Fail(id string, err error) bool {
	return t.settle(id, CorrelationResult{Err: err})
}

func (t *CorrelationTable) settle(id string, result CorrelationResult) bool {
	t.mu.Lock()
	p, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	p.ch <- result
	return true
}

// Sweep fails every correlation older than the TTL and reports how many it
// expired.
func (t *CorrelationTable) Sweep(now time.Time) int {
	cutoff := now.Add(-t.ttl)
	t.mu.Lock()
	var expired []*pendingCorrelation
	for id, p := range t.pending {
		if p.createdAt.Before(cutoff) {
			expired = append(expired, p)
			delete(t.pending, id)
		}
	}
	t.mu.Unlock()
	for _, p := range expired {
		p.ch <- CorrelationResult{Err: ErrCorrelationExpired}
	}
	return len(expired)
}

// FailAll settles every pending correlation with err. Used by the restart
// broadcast: in-memory resolvers do not survive a daemon restart, so the
// successor proactively rejects anything a previous life left behind.
func (t *CorrelationTable) FailAll(err error) int {
	t.mu.Lock()
	drained := make([]*pendingCorrelation, 0, len(t.pending))
	for _, p := range t.pending {
		drained = append(drained, p)
	}
	t.pending = make(map[string]*pendingCorrelation)
	t.mu.Unlock()
	for _, p := range drained {
		p.ch <- CorrelationResult{Err: err}
	}
	return len(drained)
}

// Len reports the number of live correlations.
func (t *CorrelationTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
