package api

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"pali-wallet/go-mediator/internal/adapters/rpc"
	"pali-wallet/go-mediator/internal/app"
	"pali-wallet/go-mediator/internal/app/contracts"
	"pali-wallet/go-mediator/internal/platform/asyncmutex"
	"pali-wallet/go-mediator/pkg/models"
)

// Provider-facing notification methods. Page clients translate these into
// EIP-1193 events; the spam ones drive the warning popup.
const (
	NotifyAccountsChanged = "accountsChanged"
	NotifyChainChanged    = "chainChanged"
	NotifySpamWarning     = "spam.warning"
	NotifySpamBlocked     = "spam.blocked"
)

type approvalRoute struct {
	Route string
	Event string
}

// Interactive wire methods park the caller on the approval workflow; every
// other method is answered from the controller registry.
var interactiveRoutes = map[string]approvalRoute{
	"eth_requestAccounts":        {Route: "connect", Event: "connectWallet"},
	"wallet_requestPermissions":  {Route: "connect", Event: "requestPermissions"},
	"eth_sendTransaction":        {Route: "tx/send", Event: "txSend"},
	"personal_sign":              {Route: "tx/sign", Event: "signMessage"},
	"eth_signTypedData":          {Route: "tx/sign", Event: "signTypedData"},
	"eth_signTypedData_v4":       {Route: "tx/sign", Event: "signTypedData"},
	"wallet_switchEthereumChain": {Route: "switch-network", Event: "switchNetwork"},
}

// Service mediates between page providers, the wallet controllers, and the
// approval popup. It owns the spam filter, the connection table, the pending
// correlation table, and the background refresh tasks.
type Service struct {
	logger   *slog.Logger
	hub      *app.NotificationHub
	metrics  *app.Metrics
	registry *prometheus.Registry

	filter    *app.SpamFilter
	spamState *app.SpamStateStore

	connections *app.ConnectionTable
	connState   *app.ConnectionStateStore

	approvals     *app.ApprovalManager
	approvalState *app.ApprovalStateStore

	correlations   *app.CorrelationTable
	correlationTTL time.Duration

	slots       *app.TaskSlots
	controllers *rpc.ControllerRegistry

	networkMu asyncmutex.Mutex
	netMu     sync.RWMutex
	network   models.NetworkInfo
}

// Options configures a Service. The zero value of every field has a usable
// default except DataDir/StoreSecret, which must be set together: persistence
// stays disabled when DataDir is empty.
type Options struct {
	DataDir        string
	StoreSecret    string
	Logger         *slog.Logger
	Controllers    *rpc.ControllerRegistry
	Registry       *prometheus.Registry
	SpamConfig     models.SpamFilterConfig
	CorrelationTTL time.Duration
	Network        models.NetworkInfo
}

func NewService(opts Options) (*Service, error) {
	if opts.Logger == nil {
		opts.Logger = app.DefaultLogger()
	}
	if opts.Controllers == nil {
		opts.Controllers = rpc.NewControllerRegistry()
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	if opts.SpamConfig.RequestThreshold == 0 {
		opts.SpamConfig = app.DefaultSpamFilterConfig()
	}
	if opts.CorrelationTTL <= 0 {
		opts.CorrelationTTL = app.DefaultCorrelationTTL
	}
	if opts.DataDir != "" && opts.StoreSecret == "" {
		return nil, errors.New("store secret is required when a data dir is set")
	}

	s := &Service{
		logger:         opts.Logger,
		hub:            app.NewNotificationHub(2048),
		registry:       opts.Registry,
		metrics:        app.NewMetrics(opts.Registry),
		filter:         app.NewSpamFilter(opts.SpamConfig),
		spamState:      &app.SpamStateStore{},
		connections:    app.NewConnectionTable(),
		connState:      &app.ConnectionStateStore{},
		approvalState:  &app.ApprovalStateStore{},
		correlations:   app.NewCorrelationTable(opts.CorrelationTTL),
		correlationTTL: opts.CorrelationTTL,
		slots:          app.NewTaskSlots(),
		controllers:    opts.Controllers,
		network:        opts.Network,
	}
	s.approvals = app.NewApprovalManager(s.hub, s.approvalState, s.logger)
	s.controllers.Register("mediator", s.mediatorController())

	if opts.DataDir != "" {
		s.spamState.Configure(filepath.Join(opts.DataDir, "spam.enc"), opts.StoreSecret)
		s.connState.Configure(filepath.Join(opts.DataDir, "connections.enc"), opts.StoreSecret)
		s.approvalState.Configure(filepath.Join(opts.DataDir, "approvals.enc"), opts.StoreSecret)
	}
	if err := s.bootstrap(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) bootstrap() error {
	spam, err := s.spamState.Bootstrap()
	if err != nil {
		s.logger.Warn("spam state bootstrap failed, starting empty", "error", err.Error())
	} else {
		s.filter.Restore(spam)
	}
	conns, err := s.connState.Bootstrap()
	if err != nil {
		s.logger.Warn("connection state bootstrap failed, starting empty", "error", err.Error())
	} else {
		s.connections.Restore(conns)
	}
	// Rejects approvals left behind by an unclean shutdown and broadcasts
	// the restart marker so pending page promises settle instead of hanging.
	if err := s.approvals.Bootstrap(); err != nil {
		return err
	}
	return nil
}

// Gatherer exposes the metrics registry for the HTTP scrape endpoint.
func (s *Service) Gatherer() prometheus.Gatherer {
	return s.registry
}

// Run drives the periodic sweeps until ctx is cancelled: expired spam blocks
// and stale hosts, and pending correlations past the TTL.
func (s *Service) Run(ctx context.Context) {
	sweepEvery := s.correlationTTL / 4
	if sweepEvery < time.Second {
		sweepEvery = time.Second
	}
	spamTicker := time.NewTicker(app.SpamCleanupInterval)
	defer spamTicker.Stop()
	corrTicker := time.NewTicker(sweepEvery)
	defer corrTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-spamTicker.C:
			if removed := s.filter.Cleanup(now); removed > 0 {
				s.logger.Info("spam filter cleanup", "removed", removed, "tracked", s.filter.TrackedHosts())
			}
			s.persistSpam()
		case now := <-corrTicker.C:
			if expired := s.correlations.Sweep(now); expired > 0 {
				s.metrics.CorrelationsExpired.Add(float64(expired))
				s.logger.Warn("correlations expired", "count", expired)
			}
			s.metrics.CorrelationsLive.Set(float64(s.correlations.Len()))
			s.metrics.EventBacklog.Set(float64(s.hub.BacklogSize()))
		}
	}
}

// DappRequest admits, correlates, and answers one page-provider request. The
// call blocks until the request settles: immediately for registry-served
// methods, after user action for interactive ones.
func (s *Service) DappRequest(ctx context.Context, req contracts.DappRequestParams) (any, error) {
	host := models.NormalizeHost(req.Host)
	if host == "" {
		return nil, errors.New("host is required")
	}
	method := strings.TrimSpace(req.Method)
	if method == "" {
		return nil, errors.New("method is required")
	}
	now := time.Now()

	if s.filter.IsDappBlocked(host, now) {
		s.metrics.RequestsBlocked.Inc()
		return nil, app.ErrDappBlocked
	}
	s.filter.RecordRequest(host, method, now)
	if s.filter.ShouldShowSpamWarning(host, now) && !s.filter.WarningShown(host) {
		s.filter.ShowWarning(host)
		s.metrics.SpamWarnings.Inc()
		s.hub.Publish(NotifySpamWarning, map[string]any{"host": host})
		s.logger.Warn("spam warning raised", "host", host)
	}
	s.metrics.RequestsAdmitted.Inc()

	// Register-mode listeners are long-lived: the caller keeps the stream
	// subscription and we only acknowledge with the current cursor.
	if req.Listener == app.ListenerRegister {
		return map[string]any{"registered": true, "cursor": s.hub.LastSeq()}, nil
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		generated, err := app.GenerateCorrelationID()
		if err != nil {
			return nil, err
		}
		id = generated
	}
	ch, err := s.correlations.Register(id, host, method, now)
	if err != nil {
		return nil, err
	}
	s.metrics.CorrelationsLive.Set(float64(s.correlations.Len()))

	go s.serveDappRequest(ctx, id, host, method, req.Params)

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return map[string]any{"id": id, "data": res.Data}, nil
	case <-ctx.Done():
		s.correlations.Fail(id, ctx.Err())
		return nil, ctx.Err()
	}
}

func (s *Service) serveDappRequest(ctx context.Context, id, host, method string, params []any) {
	data, err := s.dispatchDappMethod(ctx, host, method, params)
	if err != nil {
		s.correlations.Fail(id, err)
		return
	}
	s.correlations.Resolve(id, data)
}

func (s *Service) dispatchDappMethod(ctx context.Context, host, method string, params []any) (any, error) {
	if data, handled, err := s.serveBuiltin(host, method); handled {
		return data, err
	}
	route, interactive := interactiveRoutes[method]
	if !interactive {
		return s.controllers.Invoke(ctx, dappMethodPath(method), params)
	}

	payload, err := s.approvals.Request(ctx, app.ApprovalRequest{
		Host:      host,
		Route:     route.Route,
		EventName: route.Event,
		Data:      approvalData(method, params),
	})
	if err != nil {
		return nil, err
	}
	return s.finishInteractive(ctx, host, method, payload)
}

// serveBuiltin answers provider methods the mediator owns outright, without
// touching the registry or the popup.
func (s *Service) serveBuiltin(host, method string) (any, bool, error) {
	switch method {
	case "eth_accounts":
		if conn, ok := s.connections.Get(host); ok && conn.Address != "" {
			return []string{conn.Address}, true, nil
		}
		return []string{}, true, nil
	case "eth_chainId":
		return s.ActiveNetwork().ChainID, true, nil
	case "wallet_getPermissions":
		conn, ok := s.connections.Get(host)
		if !ok {
			return []string{}, true, nil
		}
		return conn.Permissions, true, nil
	case "eth_requestAccounts":
		// Already-connected hosts skip the popup.
		if conn, ok := s.connections.Get(host); ok && conn.Address != "" {
			return []string{conn.Address}, true, nil
		}
		return nil, false, nil
	case "dapp.isConnected":
		return s.connections.IsConnected(host), true, nil
	case "dapp.getAccount":
		if conn, ok := s.connections.Get(host); ok {
			return conn, true, nil
		}
		return nil, true, nil
	case "dapp.getNetwork":
		return s.ActiveNetwork(), true, nil
	case "dapp.getChainId":
		return s.ActiveNetwork().ChainID, true, nil
	default:
		return nil, false, nil
	}
}

// dappMethodPath maps a provider method onto the controller registry. Dotted
// methods only reach the registry under the dapp root; pages cannot address
// wallet internals through DappRequest.
func dappMethodPath(method string) []string {
	if rest, ok := strings.CutPrefix(method, "dapp."); ok {
		return []string{"dapp", rest}
	}
	return []string{"dapp", method}
}

// finishInteractive turns an approval payload into the provider-visible
// result and applies the side effects the approval implies.
func (s *Service) finishInteractive(ctx context.Context, host, method string, payload any) (any, error) {
	fields, _ := payload.(map[string]any)
	switch method {
	case "eth_requestAccounts", "wallet_requestPermissions":
		accountID := intField(fields, "accountId")
		address := stringField(fields, "address")
		if address == "" {
			return nil, errors.New("approval payload is missing the account address")
		}
		s.connections.Connect(host, accountID, address, stringSlice(fields, "permissions"), time.Now())
		s.persistConnections()
		s.hub.Publish(NotifyAccountsChanged, map[string]any{"host": host, "accounts": []string{address}})
		s.logger.Info("dapp connected", "host", host, "account_id", accountID)
		if method == "wallet_requestPermissions" {
			return []map[string]any{{"parentCapability": "eth_accounts"}}, nil
		}
		return []string{address}, nil
	case "wallet_switchEthereumChain":
		network := models.NetworkInfo{
			ChainID:  stringField(fields, "chainId"),
			Label:    stringField(fields, "label"),
			Currency: stringField(fields, "currency"),
			URL:      stringField(fields, "url"),
		}
		if network.ChainID == "" {
			return nil, errors.New("approval payload is missing the chain id")
		}
		if _, err := s.SwitchNetwork(ctx, network); err != nil {
			return nil, err
		}
		// EIP-3326: a successful switch returns null.
		return nil, nil
	default:
		// Signing and transaction methods resolve with the popup's result
		// as-is (signature, transaction hash).
		return payload, nil
	}
}

// ControllerAction walks a wallet/controller method path on the registry.
func (s *Service) ControllerAction(ctx context.Context, methods []string, params []any) (any, error) {
	return s.controllers.Invoke(ctx, methods, params)
}

// SwitchNetwork serializes network changes: concurrent switches queue FIFO,
// in-flight refresh tasks for the old network are cancelled, and fresh ones
// are started once the switch lands.
func (s *Service) SwitchNetwork(ctx context.Context, network models.NetworkInfo) (models.NetworkInfo, error) {
	if network.ChainID == "" {
		return models.NetworkInfo{}, errors.New("chain id is required")
	}
	return asyncmutex.RunExclusiveResult(&s.networkMu, ctx, func(ctx context.Context) (models.NetworkInfo, error) {
		cancelled := s.slots.CancelAll()
		if cancelled > 0 {
			s.logger.Info("background tasks cancelled for network switch", "count", cancelled)
		}
		if s.controllers.Resolves([]string{"wallet", "switchNetwork"}) {
			if _, err := s.controllers.Invoke(ctx, []string{"wallet", "switchNetwork"}, []any{network.ChainID}); err != nil {
				return models.NetworkInfo{}, err
			}
		}
		s.netMu.Lock()
		s.network = network
		s.netMu.Unlock()
		s.hub.Publish(NotifyChainChanged, map[string]any{"chainId": network.ChainID})
		s.logger.Info("network switched", "chain_id", network.ChainID, "label", network.Label)
		s.startRefreshTasks()
		return network, nil
	})
}

func (s *Service) ActiveNetwork() models.NetworkInfo {
	s.netMu.RLock()
	defer s.netMu.RUnlock()
	return s.network
}

// startRefreshTasks kicks off the per-target background updates for the
// active network. A later switch abandons them through the slot table.
func (s *Service) startRefreshTasks() {
	paths := map[app.TaskTarget][]string{
		app.TargetAssets:      {"wallet", "refreshAssets"},
		app.TargetBalance:     {"wallet", "refreshBalance"},
		app.TargetTransaction: {"wallet", "refreshTransactions"},
	}
	for target, path := range paths {
		if !s.controllers.Resolves(path) {
			continue
		}
		path := path
		s.slots.Set(target, app.StartTask(func(ctx context.Context) (any, error) {
			return s.controllers.Invoke(ctx, path, nil)
		}))
	}
}

func (s *Service) ResolveApproval(eventKey string, payload any) bool {
	ok := s.approvals.Resolve(eventKey, payload)
	if ok {
		s.metrics.ApprovalsResolved.Inc()
	}
	return ok
}

func (s *Service) RejectApproval(eventKey, reason string) bool {
	ok := s.approvals.Reject(eventKey, reason)
	if ok {
		s.metrics.ApprovalsRejected.Inc()
	}
	return ok
}

func (s *Service) ApprovalWindowClosed() int {
	rejected := s.approvals.WindowClosed()
	if rejected > 0 {
		s.metrics.ApprovalsRejected.Add(float64(rejected))
	}
	return rejected
}

func (s *Service) PendingApprovals() []models.PendingApproval {
	return s.approvals.Pending()
}

func (s *Service) SpamConfig() models.SpamFilterConfig {
	return s.filter.Config()
}

func (s *Service) UpdateSpamConfig(cfg models.SpamFilterConfig) models.SpamFilterConfig {
	applied := s.filter.UpdateConfig(cfg)
	s.persistSpam()
	s.logger.Info("spam filter config updated",
		"threshold", applied.RequestThreshold,
		"window", applied.TimeWindow.String(),
		"enabled", applied.Enabled)
	return applied
}

// BlockDapp blocks a host for the configured duration; used by the spam
// warning popup's block action.
func (s *Service) BlockDapp(host string) {
	host = models.NormalizeHost(host)
	s.filter.BlockDapp(host, time.Now())
	s.persistSpam()
	s.hub.Publish(NotifySpamBlocked, map[string]any{"host": host})
}

func (s *Service) UnblockDapp(host string) {
	s.filter.UnblockDapp(models.NormalizeHost(host))
	s.persistSpam()
}

func (s *Service) ConnectedAccount(host string) (models.DappConnection, bool) {
	return s.connections.Get(host)
}

// DisconnectDapp drops the connection and emits the empty-accounts event the
// provider translates into a disconnect.
func (s *Service) DisconnectDapp(host string) bool {
	host = models.NormalizeHost(host)
	if !s.connections.Disconnect(host) {
		return false
	}
	s.persistConnections()
	s.hub.Publish(NotifyAccountsChanged, map[string]any{"host": host, "accounts": []string{}})
	s.logger.Info("dapp disconnected", "host", host)
	return true
}

// SwitchDappAccount moves an already-connected host onto another account.
// The page learns about it through accountsChanged, the same way a connect
// does.
func (s *Service) SwitchDappAccount(host string, accountID int, address string) (models.DappConnection, error) {
	host = models.NormalizeHost(host)
	if address == "" {
		return models.DappConnection{}, errors.New("account address is required")
	}
	conn, err := s.connections.SwitchAccount(host, accountID, address)
	if err != nil {
		return models.DappConnection{}, err
	}
	s.persistConnections()
	s.hub.Publish(NotifyAccountsChanged, map[string]any{"host": host, "accounts": []string{address}})
	s.logger.Info("dapp account switched", "host", host, "account_id", accountID)
	return conn, nil
}

// WalletLocked drops every connection and cancels background work; wired to
// the wallet controller's lock hook.
func (s *Service) WalletLocked() int {
	dropped := s.connections.Clear()
	s.persistConnections()
	s.slots.CancelAll()
	for _, conn := range dropped {
		s.hub.Publish(NotifyAccountsChanged, map[string]any{"host": conn.Host, "accounts": []string{}})
	}
	if len(dropped) > 0 {
		s.logger.Info("wallet locked, connections dropped", "count", len(dropped))
	}
	return len(dropped)
}

func (s *Service) SubscribeNotifications(fromSeq int64) ([]app.NotificationEvent, <-chan app.NotificationEvent, func()) {
	return s.hub.Subscribe(fromSeq)
}

// mediatorController exposes the mediator's own operations to the method
// path walker, next to the wallet controllers.
func (s *Service) mediatorController() map[string]any {
	return map[string]any{
		"blockDapp":     s.BlockDapp,
		"unblockDapp":   s.UnblockDapp,
		"switchAccount": s.SwitchDappAccount,
		"walletLocked": func() int {
			return s.WalletLocked()
		},
		"isConnected": func(host string) bool {
			return s.connections.IsConnected(host)
		},
		"connections": func() []models.DappConnection {
			return s.connections.List()
		},
		"activeNetwork": func() models.NetworkInfo {
			return s.ActiveNetwork()
		},
	}
}

func (s *Service) persistSpam() {
	if err := s.spamState.Persist(s.filter.Snapshot()); err != nil {
		s.logger.Error("spam state persist failed", "error", err.Error())
	}
}

func (s *Service) persistConnections() {
	if err := s.connState.Persist(s.connections.List()); err != nil {
		s.logger.Error("connection state persist failed", "error", err.Error())
	}
}

func approvalData(method string, params []any) map[string]any {
	data := map[string]any{"method": method}
	if len(params) == 1 {
		if fields, ok := params[0].(map[string]any); ok {
			for k, v := range fields {
				data[k] = v
			}
			return data
		}
	}
	if len(params) > 0 {
		data["params"] = params
	}
	return data
}

func stringField(fields map[string]any, key string) string {
	v, _ := fields[key].(string)
	return v
}

func intField(fields map[string]any, key string) int {
	switch v := fields[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

func stringSlice(fields map[string]any, key string) []string {
	raw, ok := fields[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
