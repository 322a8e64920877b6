package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"pali-wallet/go-mediator/pkg/models"
)

// ErrUserRejected is the user-rejection outcome: the approval window was
// closed or the user explicitly declined. Distinguishable from domain
// failures so callers render a silent close instead of an error banner.
var ErrUserRejected = errors.New("Transaction rejected.")

// Notification methods consumed by the approval client.
const (
	NotifyPopupOpen   = "popup.open"
	NotifyPopupUpdate = "popup.update"
	NotifyRestarted   = "mediator.restarted"
)

// ApprovalRequest describes one confirmation the user must act on.
type ApprovalRequest struct {
	Host      string
	Route     string
	EventName string
	Data      map[string]any
}

type approvalOutcome struct {
	payload any
	err     error
}

type approvalWaiters struct {
	pending models.PendingApproval
	chans   []chan approvalOutcome
}

// ApprovalManager owns the confirmation workflow: at most one open approval
// window per installation, pending route/data persisted across restarts,
// completion events keyed "<event>.<host>". Resolvers live only in memory;
// a restart is surfaced through the restart broadcast, never as a hang.
type ApprovalManager struct {
	hub    *NotificationHub
	store  *ApprovalStateStore
	logger *slog.Logger

	mu         sync.Mutex
	windowOpen bool
	waiters    map[string]*approvalWaiters
}

func NewApprovalManager(hub *NotificationHub, store *ApprovalStateStore, logger *slog.Logger) *ApprovalManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ApprovalManager{
		hub:     hub,
		store:   store,
		logger:  logger,
		waiters: make(map[string]*approvalWaiters),
	}
}

// Bootstrap inspects persisted pending approvals from a previous daemon
// life. Their resolvers are gone, so the only correct move is to clear them
// and broadcast the restart so page-side listeners reject instead of hang.
func (m *ApprovalManager) Bootstrap() error {
	if m.store == nil {
		return nil
	}
	stale, err := m.store.Bootstrap()
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}
	keys := make([]string, 0, len(stale))
	for _, p := range stale {
		keys = append(keys, p.EventKey())
	}
	sort.Strings(keys)
	m.logger.Info("rejecting approvals from previous run", "count", len(stale), "keys", keys)
	if err := m.store.Persist(nil); err != nil {
		return err
	}
	m.hub.Publish(NotifyRestarted, map[string]any{"abandoned": keys})
	return nil
}

// Request blocks until the user acts, the window closes, or ctx expires.
// A second request arriving while the window is open re-routes the existing
// window instead of opening another; a second request for the same event
// key shares the first one's outcome.
func (m *ApprovalManager) Request(ctx context.Context, req ApprovalRequest) (any, error) {
	req.Host = models.NormalizeHost(req.Host)
	if req.Host == "" || req.Route == "" || req.EventName == "" {
		return nil, errors.New("approval request requires host, route and event name")
	}
	key := models.ApprovalEventKey(req.EventName, req.Host)
	ch := make(chan approvalOutcome, 1)

	m.mu.Lock()
	w, dup := m.waiters[key]
	if dup {
		w.chans = append(w.chans, ch)
	} else {
		w = &approvalWaiters{
			pending: models.PendingApproval{
				Host:      req.Host,
				Route:     req.Route,
				EventName: req.EventName,
				Data:      req.Data,
				CreatedAt: nowUTC(),
			},
			chans: []chan approvalOutcome{ch},
		}
		m.waiters[key] = w
	}
	reuse := m.windowOpen
	m.windowOpen = true
	persistErr := m.persist(m.pendingLocked())
	m.mu.Unlock()

	if persistErr != nil {
		m.logger.Error("persist pending approval failed", "error", persistErr)
	}

	payload := map[string]any{
		"host":     req.Host,
		"route":    req.Route,
		"eventKey": key,
		"data":     req.Data,
	}
	if reuse {
		// Focus-and-forward: never a second window for rapid repeat calls.
		m.hub.Publish(NotifyPopupUpdate, payload)
	} else {
		m.hub.Publish(NotifyPopupOpen, payload)
	}

	select {
	case outcome := <-ch:
		return outcome.payload, outcome.err
	case <-ctx.Done():
		m.detach(key, ch)
		return nil, ctx.Err()
	}
}

// Resolve completes the approval keyed by eventKey with the user's payload.
func (m *ApprovalManager) Resolve(eventKey string, payload any) bool {
	return m.complete(eventKey, approvalOutcome{payload: payload})
}

// Reject completes the approval with a user rejection. A blank reason uses
// the canonical rejection message.
func (m *ApprovalManager) Reject(eventKey, reason string) bool {
	err := error(ErrUserRejected)
	if reason != "" {
		err = fmt.Errorf("%w %s", ErrUserRejected, reason)
	}
	return m.complete(eventKey, approvalOutcome{err: err})
}

// WindowClosed is the close-observer path: the user dismissed the window
// without acting, so every outstanding approval is a user rejection.
func (m *ApprovalManager) WindowClosed() int {
	m.mu.Lock()
	drained := make([]*approvalWaiters, 0, len(m.waiters))
	for _, w := range m.waiters {
		drained = append(drained, w)
	}
	m.waiters = make(map[string]*approvalWaiters)
	m.windowOpen = false
	persistErr := m.persist(nil)
	m.mu.Unlock()

	for _, w := range drained {
		for _, ch := range w.chans {
			ch <- approvalOutcome{err: ErrUserRejected}
		}
	}
	if persistErr != nil {
		m.logger.Error("clear pending approvals failed", "error", persistErr)
	}
	return len(drained)
}

// Pending returns the outstanding approvals, oldest first; the approval
// client calls this when it attaches to render its initial route.
func (m *ApprovalManager) Pending() []models.PendingApproval {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingLocked()
}

// WindowOpen reports whether an approval window is currently live.
func (m *ApprovalManager) WindowOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.windowOpen
}

func (m *ApprovalManager) complete(eventKey string, outcome approvalOutcome) bool {
	m.mu.Lock()
	w, ok := m.waiters[eventKey]
	if ok {
		delete(m.waiters, eventKey)
	}
	if len(m.waiters) == 0 {
		m.windowOpen = false
	}
	var persistErr error
	if ok {
		// Writing the snapshot under the lock keeps the file in step with
		// the waiter map when completions race.
		persistErr = m.persist(m.pendingLocked())
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	for _, ch := range w.chans {
		ch <- outcome
	}
	if persistErr != nil {
		m.logger.Error("persist pending approvals failed", "error", persistErr)
	}
	return true
}

// detach drops one waiter channel after its caller gave up. The window
// state and persisted entry stay put when other callers still wait on the
// same key.
func (m *ApprovalManager) detach(eventKey string, ch chan approvalOutcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.waiters[eventKey]
	if !ok {
		return
	}
	kept := w.chans[:0]
	for _, c := range w.chans {
		if c != ch {
			kept = append(kept, c)
		}
	}
	w.chans = kept
	if len(w.chans) == 0 {
		delete(m.waiters, eventKey)
	}
	if len(m.waiters) == 0 {
		m.windowOpen = false
	}
}

func (m *ApprovalManager) pendingLocked() []models.PendingApproval {
	out := make([]models.PendingApproval, 0, len(m.waiters))
	for _, w := range m.waiters {
		out = append(out, w.pending)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *ApprovalManager) persist(pending []models.PendingApproval) error {
	if m.store == nil {
		return nil
	}
	return m.store.Persist(pending)
}
