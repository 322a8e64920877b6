package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestApprovalManager(t *testing.T) (*ApprovalManager, *NotificationHub, *ApprovalStateStore) {
	t.Helper()
	hub := NewNotificationHub(64)
	store := &ApprovalStateStore{}
	store.Configure(filepath.Join(t.TempDir(), "approvals.enc"), "test-secret")
	return NewApprovalManager(hub, store, DefaultLogger()), hub, store
}

func awaitEvent(t *testing.T, ch <-chan NotificationEvent, method string) NotificationEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Method == method {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", method)
		}
	}
}

func TestApprovalResolveRoundtrip(t *testing.T) {
	m, hub, _ := newTestApprovalManager(t)
	_, events, cancel := hub.Subscribe(0)
	defer cancel()

	type result struct {
		payload any
		err     error
	}
	got := make(chan result, 1)
	go func() {
		payload, err := m.Request(context.Background(), ApprovalRequest{
			Host:      "dapp.example",
			Route:     "connect",
			EventName: "connect",
			Data:      map[string]any{"chainId": 57},
		})
		got <- result{payload, err}
	}()

	evt := awaitEvent(t, events, NotifyPopupOpen)
	payload := evt.Payload.(map[string]any)
	if payload["eventKey"] != "connect.dapp.example" {
		t.Fatalf("unexpected event key: %v", payload["eventKey"])
	}

	if !m.Resolve("connect.dapp.example", []string{"0xabc"}) {
		t.Fatal("resolve must find the waiter")
	}
	res := <-got
	if res.err != nil {
		t.Fatalf("request failed: %v", res.err)
	}
	accounts, ok := res.payload.([]string)
	if !ok || len(accounts) != 1 || accounts[0] != "0xabc" {
		t.Fatalf("unexpected payload: %v", res.payload)
	}
	if m.WindowOpen() {
		t.Fatal("window must close once nothing is pending")
	}
}

func TestApprovalSecondCallReusesWindow(t *testing.T) {
	m, hub, _ := newTestApprovalManager(t)
	_, events, cancel := hub.Subscribe(0)
	defer cancel()

	errs := make(chan error, 2)
	go func() {
		_, err := m.Request(context.Background(), ApprovalRequest{Host: "dapp.example", Route: "connect", EventName: "connect"})
		errs <- err
	}()
	awaitEvent(t, events, NotifyPopupOpen)

	go func() {
		_, err := m.Request(context.Background(), ApprovalRequest{Host: "dapp.example", Route: "sign", EventName: "signMessage"})
		errs <- err
	}()
	// The second call must re-route the open window, not open another.
	awaitEvent(t, events, NotifyPopupUpdate)

	if got := len(m.Pending()); got != 2 {
		t.Fatalf("expected 2 pending approvals, got %d", got)
	}

	m.Resolve("connect.dapp.example", nil)
	m.Resolve("signMessage.dapp.example", nil)
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
	}
}

func TestApprovalDuplicateKeySharesOutcome(t *testing.T) {
	m, hub, _ := newTestApprovalManager(t)
	_, events, cancel := hub.Subscribe(0)
	defer cancel()

	results := make(chan any, 2)
	for i := 0; i < 2; i++ {
		go func() {
			payload, err := m.Request(context.Background(), ApprovalRequest{Host: "dapp.example", Route: "connect", EventName: "connect"})
			if err != nil {
				results <- err
				return
			}
			results <- payload
		}()
	}
	awaitEvent(t, events, NotifyPopupOpen)
	awaitEvent(t, events, NotifyPopupUpdate)

	m.Resolve("connect.dapp.example", "acct")
	for i := 0; i < 2; i++ {
		select {
		case got := <-results:
			if got != "acct" {
				t.Fatalf("waiter %d got %v", i, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("duplicate waiter never settled")
		}
	}
}

func TestApprovalExplicitReject(t *testing.T) {
	m, hub, _ := newTestApprovalManager(t)
	_, events, cancel := hub.Subscribe(0)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Request(context.Background(), ApprovalRequest{Host: "dapp.example", Route: "tx", EventName: "sendTransaction"})
		errCh <- err
	}()
	awaitEvent(t, events, NotifyPopupOpen)

	if !m.Reject("sendTransaction.dapp.example", "insufficient funds review") {
		t.Fatal("reject must find the waiter")
	}
	err := <-errCh
	if !errors.Is(err, ErrUserRejected) {
		t.Fatalf("expected user rejection, got %v", err)
	}
}

func TestApprovalWindowClosedRejectsAllPending(t *testing.T) {
	m, hub, _ := newTestApprovalManager(t)
	_, events, cancel := hub.Subscribe(0)
	defer cancel()

	errs := make(chan error, 2)
	go func() {
		_, err := m.Request(context.Background(), ApprovalRequest{Host: "a.example", Route: "connect", EventName: "connect"})
		errs <- err
	}()
	awaitEvent(t, events, NotifyPopupOpen)
	go func() {
		_, err := m.Request(context.Background(), ApprovalRequest{Host: "b.example", Route: "connect", EventName: "connect"})
		errs <- err
	}()
	awaitEvent(t, events, NotifyPopupUpdate)

	if got := m.WindowClosed(); got != 2 {
		t.Fatalf("expected 2 rejected approvals, got %d", got)
	}
	for i := 0; i < 2; i++ {
		if err := <-errs; !errors.Is(err, ErrUserRejected) {
			t.Fatalf("expected user rejection, got %v", err)
		}
	}
	if m.WindowOpen() {
		t.Fatal("window must be marked closed")
	}
}

func TestApprovalEventKeysNamespacePerHost(t *testing.T) {
	m, hub, _ := newTestApprovalManager(t)
	_, events, cancel := hub.Subscribe(0)
	defer cancel()

	aErr := make(chan error, 1)
	bErr := make(chan error, 1)
	go func() {
		_, err := m.Request(context.Background(), ApprovalRequest{Host: "a.example", Route: "connect", EventName: "connect"})
		aErr <- err
	}()
	awaitEvent(t, events, NotifyPopupOpen)
	go func() {
		_, err := m.Request(context.Background(), ApprovalRequest{Host: "b.example", Route: "connect", EventName: "connect"})
		bErr <- err
	}()
	awaitEvent(t, events, NotifyPopupUpdate)

	// Same event name, different hosts: settling one must not touch the other.
	m.Resolve("connect.a.example", nil)
	if err := <-aErr; err != nil {
		t.Fatalf("a.example failed: %v", err)
	}
	select {
	case err := <-bErr:
		t.Fatalf("b.example settled unexpectedly: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	m.Reject("connect.b.example", "")
	if err := <-bErr; !errors.Is(err, ErrUserRejected) {
		t.Fatalf("expected rejection for b.example, got %v", err)
	}
}

func TestApprovalCallerTimeoutDetaches(t *testing.T) {
	m, hub, _ := newTestApprovalManager(t)
	_, events, cancel := hub.Subscribe(0)
	defer cancel()

	ctx, cancelCtx := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelCtx()
	errCh := make(chan error, 1)
	go func() {
		_, err := m.Request(ctx, ApprovalRequest{Host: "dapp.example", Route: "connect", EventName: "connect"})
		errCh <- err
	}()
	awaitEvent(t, events, NotifyPopupOpen)

	if err := <-errCh; !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if len(m.Pending()) != 0 {
		t.Fatal("abandoned waiter must be detached")
	}
	if m.Resolve("connect.dapp.example", nil) {
		t.Fatal("resolve after detach must be a no-op")
	}
}

func TestApprovalPersistTracksRacingCompletions(t *testing.T) {
	m, _, store := newTestApprovalManager(t)

	const hosts = 8
	var wg sync.WaitGroup
	for i := 0; i < hosts; i++ {
		host := fmt.Sprintf("dapp%d.example", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.Request(context.Background(), ApprovalRequest{Host: host, Route: "connect", EventName: "connect"})
		}()
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(m.Pending()) < hosts {
		if time.Now().After(deadline) {
			t.Fatalf("only %d of %d approvals became pending", len(m.Pending()), hosts)
		}
		time.Sleep(time.Millisecond)
	}

	for i := 0; i < hosts; i++ {
		host := fmt.Sprintf("dapp%d.example", i)
		go m.Resolve("connect."+host, nil)
	}
	wg.Wait()

	if got := len(m.Pending()); got != 0 {
		t.Fatalf("%d approvals still pending after all completions", got)
	}
	// Each completion writes its snapshot before releasing the waiter, so
	// the file must agree with the empty in-memory state here.
	persisted, err := store.Bootstrap()
	if err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}
	if len(persisted) != 0 {
		t.Fatalf("store kept %d stale entries after completions settled", len(persisted))
	}
}

func TestApprovalBootstrapBroadcastsRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "approvals.enc")

	first := &ApprovalStateStore{}
	first.Configure(path, "test-secret")
	hub1 := NewNotificationHub(8)
	m1 := NewApprovalManager(hub1, first, DefaultLogger())
	go func() {
		_, _ = m1.Request(context.Background(), ApprovalRequest{Host: "dapp.example", Route: "connect", EventName: "connect"})
	}()
	probe := &ApprovalStateStore{}
	probe.Configure(path, "test-secret")
	deadline := time.Now().Add(2 * time.Second)
	for {
		persisted, err := probe.Bootstrap()
		if err == nil && len(persisted) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("pending approval never persisted")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A new manager over the same store simulates the restarted daemon.
	second := &ApprovalStateStore{}
	second.Configure(path, "test-secret")
	hub2 := NewNotificationHub(8)
	m2 := NewApprovalManager(hub2, second, DefaultLogger())
	_, events, cancel := hub2.Subscribe(0)
	defer cancel()
	if err := m2.Bootstrap(); err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}

	evt := awaitEvent(t, events, NotifyRestarted)
	payload := evt.Payload.(map[string]any)
	keys, ok := payload["abandoned"].([]string)
	if !ok || len(keys) != 1 || keys[0] != "connect.dapp.example" {
		t.Fatalf("unexpected abandoned keys: %v", payload["abandoned"])
	}

	// The stale entry is cleared, so a third life bootstraps silently.
	third := &ApprovalStateStore{}
	third.Configure(path, "test-secret")
	pending, err := third.Bootstrap()
	if err != nil {
		t.Fatalf("third bootstrap failed: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected cleared store, got %d pending", len(pending))
	}
}
