package app

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"pali-wallet/go-mediator/pkg/models"
)

// ErrDappBlocked is what admission control hands callers for a host inside
// its block window. Rendered as a distinct "temporarily blocked" state, not
// a generic error.
var ErrDappBlocked = errors.New("this site is temporarily blocked")

const (
	// SpamCleanupInterval is how often the background sweep prunes
	// expired and idle host state.
	SpamCleanupInterval = 60 * time.Second
	// SpamStaleThreshold bounds memory growth from abandoned tabs: host
	// state idle this long is dropped wholesale.
	SpamStaleThreshold = time.Hour
)

func DefaultSpamFilterConfig() models.SpamFilterConfig {
	return models.SpamFilterConfig{
		RequestThreshold: 3,
		TimeWindow:       10 * time.Second,
		BlockDuration:    60 * time.Second,
		Enabled:          true,
	}
}

// SpamFilter is the admission-control gate in front of every dapp request.
// It never rejects anything itself; it records activity and exposes pure
// predicates, leaving the blocking action to the caller. All methods take
// an explicit now so the window math is testable without a clock.
type SpamFilter struct {
	mu    sync.Mutex
	cfg   models.SpamFilterConfig
	hosts map[string]*models.DappSpamState
}

func NewSpamFilter(cfg models.SpamFilterConfig) *SpamFilter {
	if cfg.RequestThreshold <= 0 || cfg.TimeWindow <= 0 || cfg.BlockDuration <= 0 {
		cfg = DefaultSpamFilterConfig()
	}
	return &SpamFilter{
		cfg:   cfg,
		hosts: make(map[string]*models.DappSpamState),
	}
}

// RecordRequest appends one entry to the host's sliding window and prunes
// entries at or past the window edge. Host state is created lazily.
func (f *SpamFilter) RecordRequest(host, method string, now time.Time) {
	host = models.NormalizeHost(host)
	f.mu.Lock()
	defer f.mu.Unlock()

	state, ok := f.hosts[host]
	if !ok {
		state = &models.DappSpamState{Host: host, LastResetTime: now}
		f.hosts[host] = state
	}
	state.Requests = append(state.Requests, models.RequestRecord{Timestamp: now, Method: method})
	state.Requests = pruneWindow(state.Requests, now, f.cfg.TimeWindow)
}

func pruneWindow(records []models.RequestRecord, now time.Time, window time.Duration) []models.RequestRecord {
	edge := now.Add(-window)
	kept := records[:0]
	for _, r := range records {
		if r.Timestamp.After(edge) {
			kept = append(kept, r)
		}
	}
	return kept
}

// RecentRequestCount reports how many requests fall inside the host's
// current window without mutating state.
func (f *SpamFilter) RecentRequestCount(host string, now time.Time) int {
	host = models.NormalizeHost(host)
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.hosts[host]
	if !ok {
		return 0
	}
	edge := now.Add(-f.cfg.TimeWindow)
	count := 0
	for _, r := range state.Requests {
		if r.Timestamp.After(edge) {
			count++
		}
	}
	return count
}

// ShouldShowSpamWarning is a pure predicate: true when the filter is
// enabled, the host is not already blocked, and its in-window request count
// has reached the threshold. It does not mark the warning as shown.
func (f *SpamFilter) ShouldShowSpamWarning(host string, now time.Time) bool {
	f.mu.Lock()
	enabled := f.cfg.Enabled
	threshold := f.cfg.RequestThreshold
	f.mu.Unlock()
	if !enabled {
		return false
	}
	if f.IsDappBlocked(host, now) {
		return false
	}
	return f.RecentRequestCount(host, now) >= threshold
}

// ShowWarning marks that the warning UI was presented. It does not block.
func (f *SpamFilter) ShowWarning(host string) {
	host = models.NormalizeHost(host)
	f.mu.Lock()
	defer f.mu.Unlock()
	if state, ok := f.hosts[host]; ok {
		state.WarningShown = true
	}
}

// WarningShown reports whether the warning was already presented for host.
func (f *SpamFilter) WarningShown(host string) bool {
	host = models.NormalizeHost(host)
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.hosts[host]
	return ok && state.WarningShown
}

// BlockDapp is the explicit block transition: it stamps the block expiry
// and resets the request window and warning flag.
func (f *SpamFilter) BlockDapp(host string, now time.Time) {
	host = models.NormalizeHost(host)
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.hosts[host]
	if !ok {
		state = &models.DappSpamState{Host: host}
		f.hosts[host] = state
	}
	state.BlockedUntil = now.Add(f.cfg.BlockDuration)
	state.Requests = nil
	state.WarningShown = false
	state.LastResetTime = now
	slog.Default().Info("dapp blocked", "host", host, "blocked_until", state.BlockedUntil)
}

// UnblockDapp lifts the block without clearing request history.
func (f *SpamFilter) UnblockDapp(host string) {
	host = models.NormalizeHost(host)
	f.mu.Lock()
	defer f.mu.Unlock()
	if state, ok := f.hosts[host]; ok {
		state.BlockedUntil = time.Time{}
	}
}

// IsDappBlocked is a pure predicate checking the block expiry against now.
func (f *SpamFilter) IsDappBlocked(host string, now time.Time) bool {
	host = models.NormalizeHost(host)
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.hosts[host]
	return ok && state.BlockedUntil.After(now)
}

// UpdateConfig is the only mutation path for the filter's configuration.
// Zero or negative fields keep their current value.
func (f *SpamFilter) UpdateConfig(cfg models.SpamFilterConfig) models.SpamFilterConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cfg.RequestThreshold > 0 {
		f.cfg.RequestThreshold = cfg.RequestThreshold
	}
	if cfg.TimeWindow > 0 {
		f.cfg.TimeWindow = cfg.TimeWindow
	}
	if cfg.BlockDuration > 0 {
		f.cfg.BlockDuration = cfg.BlockDuration
	}
	f.cfg.Enabled = cfg.Enabled
	return f.cfg
}

func (f *SpamFilter) Config() models.SpamFilterConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg
}

// Cleanup removes hosts whose block has expired or whose latest activity is
// older than the staleness threshold.
func (f *SpamFilter) Cleanup(now time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	removed := 0
	for host, state := range f.hosts {
		if !state.BlockedUntil.IsZero() {
			if !state.BlockedUntil.After(now) {
				delete(f.hosts, host)
				removed++
			}
			continue
		}
		if lastActivity(state).Before(now.Add(-SpamStaleThreshold)) {
			delete(f.hosts, host)
			removed++
		}
	}
	return removed
}

func lastActivity(state *models.DappSpamState) time.Time {
	last := state.LastResetTime
	if n := len(state.Requests); n > 0 && state.Requests[n-1].Timestamp.After(last) {
		last = state.Requests[n-1].Timestamp
	}
	return last
}

// Snapshot clones the per-host state for persistence.
func (f *SpamFilter) Snapshot() map[string]models.DappSpamState {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]models.DappSpamState, len(f.hosts))
	for host, state := range f.hosts {
		clone := *state
		clone.Requests = append([]models.RequestRecord(nil), state.Requests...)
		out[host] = clone
	}
	return out
}

// Restore replaces the per-host state, typically at daemon bootstrap.
func (f *SpamFilter) Restore(states map[string]models.DappSpamState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hosts = make(map[string]*models.DappSpamState, len(states))
	for host, state := range states {
		clone := state
		clone.Requests = append([]models.RequestRecord(nil), state.Requests...)
		f.hosts[host] = &clone
	}
}

// TrackedHosts reports how many hosts currently hold spam state.
func (f *SpamFilter) TrackedHosts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.hosts)
}
