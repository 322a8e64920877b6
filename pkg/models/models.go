package models

import (
	"strings"
	"time"
)

// DappConnection records the single account a host is connected to.
// A host has at most one connected account at a time.
type DappConnection struct {
	Host        string    `json:"host"`
	AccountID   int       `json:"account_id"`
	Address     string    `json:"address,omitempty"`
	Permissions []string  `json:"permissions,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
}

func (c DappConnection) HasPermission(name string) bool {
	for _, p := range c.Permissions {
		if p == name {
			return true
		}
	}
	return false
}

// RequestRecord is one entry in a host's sliding spam window.
type RequestRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Method    string    `json:"method"`
}

// DappSpamState tracks a host's recent request history and block status.
type DappSpamState struct {
	Host          string          `json:"host"`
	Requests      []RequestRecord `json:"requests"`
	WarningShown  bool            `json:"warning_shown"`
	LastResetTime time.Time       `json:"last_reset_time"`
	BlockedUntil  time.Time       `json:"blocked_until,omitzero"`
}

// SpamFilterConfig is process-wide and mutable only through an explicit
// config-update action.
type SpamFilterConfig struct {
	RequestThreshold int           `json:"request_threshold" yaml:"requestThreshold"`
	TimeWindow       time.Duration `json:"time_window_ms" yaml:"timeWindow"`
	BlockDuration    time.Duration `json:"block_duration_ms" yaml:"blockDuration"`
	Enabled          bool          `json:"enabled" yaml:"enabled"`
}

// PendingApproval is the persisted remainder of an in-flight confirmation:
// enough to re-render the approval window after a daemon restart, never the
// in-memory resolver.
type PendingApproval struct {
	Host      string         `json:"host"`
	Route     string         `json:"route"`
	EventName string         `json:"event_name"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// EventKey is the correlation key a completion event must carry. The
// "<event>.<host>" format doubles as per-origin namespacing; changing it is
// a breaking protocol change.
func (p PendingApproval) EventKey() string {
	return ApprovalEventKey(p.EventName, p.Host)
}

func ApprovalEventKey(eventName, host string) string {
	return eventName + "." + host
}

// NormalizeHost strips scheme, path and whitespace so every component keys
// spam state and connections by the same origin string.
func NormalizeHost(raw string) string {
	host := strings.TrimSpace(strings.ToLower(raw))
	for _, scheme := range []string{"https://", "http://"} {
		host = strings.TrimPrefix(host, scheme)
	}
	if idx := strings.IndexAny(host, "/?#"); idx >= 0 {
		host = host[:idx]
	}
	return host
}

type NetworkInfo struct {
	ChainID  string `json:"chain_id"`
	Label    string `json:"label"`
	Currency string `json:"currency,omitempty"`
	URL      string `json:"url,omitempty"`
}
