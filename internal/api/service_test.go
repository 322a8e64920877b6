package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"pali-wallet/go-mediator/internal/adapters/rpc"
	"pali-wallet/go-mediator/internal/app"
	"pali-wallet/go-mediator/internal/app/contracts"
	"pali-wallet/go-mediator/pkg/models"
)

func newTestService(t *testing.T, opts Options) *Service {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Network.ChainID == "" {
		opts.Network = models.NetworkInfo{ChainID: "0x39", Label: "Syscoin Mainnet"}
	}
	svc, err := NewService(opts)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

// waitForEvent drains the subscription until an event with the wanted
// method arrives.
func waitForEvent(t *testing.T, events <-chan app.NotificationEvent, method string) app.NotificationEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Method == method {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q event", method)
		}
	}
}

func TestConnectFlowResolvesWithAccount(t *testing.T) {
	svc := newTestService(t, Options{})
	_, events, cancel := svc.SubscribeNotifications(0)
	defer cancel()

	type outcome struct {
		data any
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		data, err := svc.DappRequest(context.Background(), contracts.DappRequestParams{
			Host:   "https://app.uniswap.org",
			Method: "eth_requestAccounts",
		})
		done <- outcome{data, err}
	}()

	ev := waitForEvent(t, events, app.NotifyPopupOpen)
	payload, ok := ev.Payload.(map[string]any)
	if !ok {
		t.Fatalf("popup.open payload type %T", ev.Payload)
	}
	if payload["route"] != "connect" {
		t.Fatalf("expected route connect, got %v", payload["route"])
	}

	key := models.ApprovalEventKey("connectWallet", "app.uniswap.org")
	if !svc.ResolveApproval(key, map[string]any{"accountId": 0, "address": "0xabc0"}) {
		t.Fatal("ResolveApproval found no waiter")
	}

	out := <-done
	if out.err != nil {
		t.Fatalf("DappRequest: %v", out.err)
	}
	result, ok := out.data.(map[string]any)
	if !ok {
		t.Fatalf("result type %T", out.data)
	}
	accounts, ok := result["data"].([]string)
	if !ok || len(accounts) != 1 || accounts[0] != "0xabc0" {
		t.Fatalf("expected [0xabc0], got %v", result["data"])
	}

	conn, connected := svc.ConnectedAccount("app.uniswap.org")
	if !connected || conn.Address != "0xabc0" {
		t.Fatalf("connection not recorded: %+v connected=%v", conn, connected)
	}
}

func TestConnectWindowClosedRejectsWithUserRejection(t *testing.T) {
	svc := newTestService(t, Options{})
	_, events, cancel := svc.SubscribeNotifications(0)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := svc.DappRequest(context.Background(), contracts.DappRequestParams{
			Host:   "dapp.example",
			Method: "eth_requestAccounts",
		})
		done <- err
	}()

	waitForEvent(t, events, app.NotifyPopupOpen)
	if rejected := svc.ApprovalWindowClosed(); rejected != 1 {
		t.Fatalf("expected 1 rejected approval, got %d", rejected)
	}

	err := <-done
	if !errors.Is(err, app.ErrUserRejected) {
		t.Fatalf("expected user rejection, got %v", err)
	}
	if _, connected := svc.ConnectedAccount("dapp.example"); connected {
		t.Fatal("rejected connect must not record a connection")
	}
}

func TestAlreadyConnectedSkipsPopup(t *testing.T) {
	svc := newTestService(t, Options{})
	svc.connections.Connect("dapp.example", 2, "0xfeed", nil, time.Now())

	data, err := svc.DappRequest(context.Background(), contracts.DappRequestParams{
		Host:   "dapp.example",
		Method: "eth_requestAccounts",
	})
	if err != nil {
		t.Fatalf("DappRequest: %v", err)
	}
	result := data.(map[string]any)
	accounts := result["data"].([]string)
	if len(accounts) != 1 || accounts[0] != "0xfeed" {
		t.Fatalf("expected cached account, got %v", accounts)
	}
	if svc.approvals.WindowOpen() {
		t.Fatal("popup must not open for an already-connected host")
	}
}

func TestBuiltinMethods(t *testing.T) {
	svc := newTestService(t, Options{})

	data, err := svc.DappRequest(context.Background(), contracts.DappRequestParams{
		Host:   "dapp.example",
		Method: "eth_accounts",
	})
	if err != nil {
		t.Fatalf("eth_accounts: %v", err)
	}
	if accounts := data.(map[string]any)["data"].([]string); len(accounts) != 0 {
		t.Fatalf("disconnected host must see no accounts, got %v", accounts)
	}

	data, err = svc.DappRequest(context.Background(), contracts.DappRequestParams{
		Host:   "dapp.example",
		Method: "eth_chainId",
	})
	if err != nil {
		t.Fatalf("eth_chainId: %v", err)
	}
	if chain := data.(map[string]any)["data"]; chain != "0x39" {
		t.Fatalf("expected chain 0x39, got %v", chain)
	}

	data, err = svc.DappRequest(context.Background(), contracts.DappRequestParams{
		Host:   "dapp.example",
		Method: "dapp.isConnected",
	})
	if err != nil {
		t.Fatalf("dapp.isConnected: %v", err)
	}
	if connected := data.(map[string]any)["data"]; connected != false {
		t.Fatalf("disconnected host must report false, got %v", connected)
	}

	data, err = svc.DappRequest(context.Background(), contracts.DappRequestParams{
		Host:   "dapp.example",
		Method: "dapp.getChainId",
	})
	if err != nil {
		t.Fatalf("dapp.getChainId: %v", err)
	}
	if chain := data.(map[string]any)["data"]; chain != "0x39" {
		t.Fatalf("expected chain 0x39, got %v", chain)
	}
}

func TestBlockedDappIsRefused(t *testing.T) {
	svc := newTestService(t, Options{})
	svc.BlockDapp("spam.example")

	_, err := svc.DappRequest(context.Background(), contracts.DappRequestParams{
		Host:   "spam.example",
		Method: "eth_chainId",
	})
	if !errors.Is(err, app.ErrDappBlocked) {
		t.Fatalf("expected blocked error, got %v", err)
	}
}

func TestSpamWarningPublishedOnce(t *testing.T) {
	svc := newTestService(t, Options{
		SpamConfig: models.SpamFilterConfig{
			RequestThreshold: 3,
			TimeWindow:       10 * time.Second,
			BlockDuration:    time.Minute,
			Enabled:          true,
		},
	})
	_, events, cancel := svc.SubscribeNotifications(0)
	defer cancel()

	for i := 0; i < 5; i++ {
		if _, err := svc.DappRequest(context.Background(), contracts.DappRequestParams{
			Host:   "busy.example",
			Method: "eth_chainId",
		}); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}

	waitForEvent(t, events, NotifySpamWarning)
	for {
		select {
		case ev := <-events:
			if ev.Method == NotifySpamWarning {
				t.Fatal("warning must fire once per window")
			}
		default:
			return
		}
	}
}

func TestRegisterListenerAcknowledges(t *testing.T) {
	svc := newTestService(t, Options{})
	data, err := svc.DappRequest(context.Background(), contracts.DappRequestParams{
		Host:     "dapp.example",
		Method:   "chainChanged",
		Listener: app.ListenerRegister,
	})
	if err != nil {
		t.Fatalf("DappRequest: %v", err)
	}
	ack, ok := data.(map[string]any)
	if !ok || ack["registered"] != true {
		t.Fatalf("expected register ack, got %v", data)
	}
}

func TestNonInteractiveMethodsHitRegistry(t *testing.T) {
	registry := rpc.NewControllerRegistry()
	registry.Register("dapp", map[string]any{
		"net_version": func() string { return "57" },
	})
	svc := newTestService(t, Options{Controllers: registry})

	data, err := svc.DappRequest(context.Background(), contracts.DappRequestParams{
		Host:   "dapp.example",
		Method: "net_version",
	})
	if err != nil {
		t.Fatalf("DappRequest: %v", err)
	}
	if version := data.(map[string]any)["data"]; version != "57" {
		t.Fatalf("expected 57, got %v", version)
	}

	_, err = svc.DappRequest(context.Background(), contracts.DappRequestParams{
		Host:   "dapp.example",
		Method: "made_up_method",
	})
	if !errors.Is(err, rpc.ErrMethodNotFound) {
		t.Fatalf("expected method not found, got %v", err)
	}
}

func TestControllerActionReachesMediatorRoot(t *testing.T) {
	svc := newTestService(t, Options{})
	svc.connections.Connect("dapp.example", 0, "0xabc", nil, time.Now())

	data, err := svc.ControllerAction(context.Background(), []string{"mediator", "isConnected"}, []any{"dapp.example"})
	if err != nil {
		t.Fatalf("ControllerAction: %v", err)
	}
	if data != true {
		t.Fatalf("expected true, got %v", data)
	}
}

func TestSwitchAccountThroughController(t *testing.T) {
	svc := newTestService(t, Options{})
	svc.connections.Connect("dapp.example", 0, "0xabc0", nil, time.Now())

	_, events, cancel := svc.SubscribeNotifications(0)
	defer cancel()

	data, err := svc.ControllerAction(context.Background(), []string{"mediator", "switchAccount"}, []any{"dapp.example", 3, "0xbeef"})
	if err != nil {
		t.Fatalf("ControllerAction: %v", err)
	}
	conn := data.(models.DappConnection)
	if conn.AccountID != 3 || conn.Address != "0xbeef" {
		t.Fatalf("unexpected connection after switch: %+v", conn)
	}
	if got, _ := svc.connections.Get("dapp.example"); got.Address != "0xbeef" {
		t.Fatalf("table kept the old account: %+v", got)
	}

	event := waitForEvent(t, events, NotifyAccountsChanged)
	payload := event.Payload.(map[string]any)
	if accounts := payload["accounts"].([]string); len(accounts) != 1 || accounts[0] != "0xbeef" {
		t.Fatalf("expected new address in accountsChanged, got %v", payload)
	}

	if _, err := svc.ControllerAction(context.Background(), []string{"mediator", "switchAccount"}, []any{"stranger.example", 1, "0xdead"}); !errors.Is(err, app.ErrNotConnected) {
		t.Fatalf("expected not-connected error, got %v", err)
	}
}

func TestSwitchNetworkCancelsTasksAndNotifies(t *testing.T) {
	started := make(chan struct{}, 4)
	block := make(chan struct{})
	registry := rpc.NewControllerRegistry()
	registry.Register("wallet", map[string]any{
		"switchNetwork": func(chainID string) string { return chainID },
		"refreshBalance": func(ctx context.Context) (string, error) {
			started <- struct{}{}
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-block:
				return "done", nil
			}
		},
	})
	svc := newTestService(t, Options{Controllers: registry})
	defer close(block)

	_, events, cancel := svc.SubscribeNotifications(0)
	defer cancel()

	first, err := svc.SwitchNetwork(context.Background(), models.NetworkInfo{ChainID: "0x1", Label: "Ethereum"})
	if err != nil {
		t.Fatalf("SwitchNetwork: %v", err)
	}
	if first.ChainID != "0x1" || svc.ActiveNetwork().ChainID != "0x1" {
		t.Fatalf("active network not updated: %+v", svc.ActiveNetwork())
	}
	waitForEvent(t, events, NotifyChainChanged)
	<-started

	task, ok := svc.slots.Get(app.TargetBalance)
	if !ok {
		t.Fatal("refresh task not registered")
	}
	if _, err := svc.SwitchNetwork(context.Background(), models.NetworkInfo{ChainID: "0x39"}); err != nil {
		t.Fatalf("second SwitchNetwork: %v", err)
	}
	if _, err := task.Await(context.Background()); !errors.Is(err, app.ErrCancelledByNetworkChange) {
		t.Fatalf("expected cancellation sentinel, got %v", err)
	}
}

func TestSwitchNetworkSerializesConcurrentCalls(t *testing.T) {
	svc := newTestService(t, Options{})

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	for _, chain := range []string{"0x1", "0x2", "0x3"} {
		wg.Add(1)
		go func(chain string) {
			defer wg.Done()
			if _, err := svc.SwitchNetwork(context.Background(), models.NetworkInfo{ChainID: chain}); err != nil {
				t.Errorf("SwitchNetwork(%s): %v", chain, err)
				return
			}
			mu.Lock()
			order = append(order, chain)
			mu.Unlock()
		}(chain)
	}
	wg.Wait()
	if len(order) != 3 {
		t.Fatalf("expected 3 completed switches, got %d", len(order))
	}
	final := svc.ActiveNetwork().ChainID
	if final != order[len(order)-1] {
		t.Fatalf("active network %s does not match last completed switch %s", final, order[len(order)-1])
	}
}

func TestDisconnectPublishesEmptyAccounts(t *testing.T) {
	svc := newTestService(t, Options{})
	svc.connections.Connect("dapp.example", 0, "0xabc", nil, time.Now())
	_, events, cancel := svc.SubscribeNotifications(0)
	defer cancel()

	if !svc.DisconnectDapp("dapp.example") {
		t.Fatal("DisconnectDapp returned false for a connected host")
	}
	ev := waitForEvent(t, events, NotifyAccountsChanged)
	payload := ev.Payload.(map[string]any)
	if accounts := payload["accounts"].([]string); len(accounts) != 0 {
		t.Fatalf("expected empty accounts, got %v", accounts)
	}
	if svc.DisconnectDapp("dapp.example") {
		t.Fatal("second disconnect must report false")
	}
}

func TestWalletLockedClearsEverything(t *testing.T) {
	svc := newTestService(t, Options{})
	svc.connections.Connect("a.example", 0, "0xa", nil, time.Now())
	svc.connections.Connect("b.example", 1, "0xb", nil, time.Now())

	if dropped := svc.WalletLocked(); dropped != 2 {
		t.Fatalf("expected 2 dropped connections, got %d", dropped)
	}
	if _, connected := svc.ConnectedAccount("a.example"); connected {
		t.Fatal("connections must be gone after lock")
	}
}

func TestUpdateSpamConfigRoundTrip(t *testing.T) {
	svc := newTestService(t, Options{})
	applied := svc.UpdateSpamConfig(models.SpamFilterConfig{RequestThreshold: 9, Enabled: true})
	if applied.RequestThreshold != 9 {
		t.Fatalf("threshold not applied: %+v", applied)
	}
	if got := svc.SpamConfig(); got.RequestThreshold != 9 {
		t.Fatalf("config not retained: %+v", got)
	}
}

func TestServicePersistenceAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	opts := Options{DataDir: dir, StoreSecret: "test-secret"}

	svc := newTestService(t, opts)
	svc.connections.Connect("dapp.example", 1, "0xabc", []string{"accounts"}, time.Now())
	svc.persistConnections()
	svc.BlockDapp("spam.example")

	restarted := newTestService(t, opts)
	conn, connected := restarted.ConnectedAccount("dapp.example")
	if !connected || conn.AccountID != 1 || conn.Address != "0xabc" {
		t.Fatalf("connection not restored: %+v connected=%v", conn, connected)
	}
	if !restarted.filter.IsDappBlocked("spam.example", time.Now()) {
		t.Fatal("spam block not restored")
	}
}

func TestDataDirWithoutSecretFails(t *testing.T) {
	_, err := NewService(Options{DataDir: t.TempDir()})
	if err == nil {
		t.Fatal("expected an error when the store secret is missing")
	}
}
