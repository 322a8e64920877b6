package contracts

import (
	"context"

	"pali-wallet/go-mediator/internal/app"
	"pali-wallet/go-mediator/pkg/models"
)

// DappRequestParams is the bridge entry envelope relayed from a page
// provider: a correlation id, the origin host, the method, and the listener
// mode.
type DappRequestParams struct {
	ID       string `json:"id,omitempty"`
	Host     string `json:"host"`
	Method   string `json:"method"`
	Params   []any  `json:"params,omitempty"`
	Listener string `json:"listener,omitempty"`
}

// MediatorService is the surface the RPC transport dispatches onto.
type MediatorService interface {
	DappRequest(ctx context.Context, req DappRequestParams) (any, error)
	ControllerAction(ctx context.Context, methods []string, params []any) (any, error)

	ResolveApproval(eventKey string, payload any) bool
	RejectApproval(eventKey, reason string) bool
	ApprovalWindowClosed() int
	PendingApprovals() []models.PendingApproval

	SpamConfig() models.SpamFilterConfig
	UpdateSpamConfig(cfg models.SpamFilterConfig) models.SpamFilterConfig

	ConnectedAccount(host string) (models.DappConnection, bool)
	DisconnectDapp(host string) bool
	SwitchNetwork(ctx context.Context, network models.NetworkInfo) (models.NetworkInfo, error)

	SubscribeNotifications(fromSeq int64) ([]app.NotificationEvent, <-chan app.NotificationEvent, func())
}
