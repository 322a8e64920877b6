package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"pali-wallet/go-mediator/internal/app/contracts"
	"pali-wallet/go-mediator/pkg/models"
)

func (s *Server) dispatchRPC(ctx context.Context, method string, rawParams json.RawMessage) (any, *rpcError) {
	switch method {
	case "health_check":
		return map[string]string{"status": "ok"}, nil

	case "dapp_request":
		var req contracts.DappRequestParams
		if err := json.Unmarshal(rawParams, &req); err != nil || req.Host == "" || req.Method == "" {
			return nil, rpcInvalidParams()
		}
		result, err := s.service.DappRequest(ctx, req)
		if err != nil {
			return nil, mapServiceError(err)
		}
		return result, nil

	case "controller_action":
		var action struct {
			Type string `json:"type"`
			Data struct {
				Methods []string `json:"methods"`
				Params  []any    `json:"params"`
			} `json:"data"`
		}
		if err := json.Unmarshal(rawParams, &action); err != nil || action.Type != "CONTROLLER_ACTION" {
			return nil, rpcInvalidParams()
		}
		result, err := s.service.ControllerAction(ctx, action.Data.Methods, action.Data.Params)
		if err != nil {
			// An unknown path on the trusted surface gets its own code so
			// UI callers can tell a typo from a provider-side miss.
			if errors.Is(err, ErrMethodNotFound) {
				return nil, &rpcError{Code: codeUnknownControlOp, Message: err.Error()}
			}
			return nil, mapServiceError(err)
		}
		return result, nil

	case "approval_resolve":
		eventKey, payload, err := decodeApprovalCompletion(rawParams)
		if err != nil {
			return nil, rpcInvalidParams()
		}
		return map[string]bool{"settled": s.service.ResolveApproval(eventKey, payload)}, nil

	case "approval_reject":
		var params struct {
			EventKey string `json:"eventKey"`
			Reason   string `json:"reason"`
		}
		if err := json.Unmarshal(rawParams, &params); err != nil || params.EventKey == "" {
			return nil, rpcInvalidParams()
		}
		return map[string]bool{"settled": s.service.RejectApproval(params.EventKey, params.Reason)}, nil

	case "approval_window_closed":
		return map[string]int{"rejected": s.service.ApprovalWindowClosed()}, nil

	case "approval_pending":
		return s.service.PendingApprovals(), nil

	case "spam_config_get":
		return spamConfigPayload(s.service.SpamConfig()), nil

	case "spam_config_update":
		cfg, err := decodeSpamConfig(rawParams)
		if err != nil {
			return nil, rpcInvalidParams()
		}
		return spamConfigPayload(s.service.UpdateSpamConfig(cfg)), nil

	case "dapp_connected_account":
		host, err := decodeHostParam(rawParams)
		if err != nil {
			return nil, rpcInvalidParams()
		}
		conn, ok := s.service.ConnectedAccount(host)
		if !ok {
			return map[string]bool{"connected": false}, nil
		}
		return map[string]any{"connected": true, "connection": conn}, nil

	case "dapp_disconnect":
		host, err := decodeHostParam(rawParams)
		if err != nil {
			return nil, rpcInvalidParams()
		}
		return map[string]bool{"disconnected": s.service.DisconnectDapp(host)}, nil

	case "network_switch":
		var network models.NetworkInfo
		if err := json.Unmarshal(rawParams, &network); err != nil || network.ChainID == "" {
			return nil, rpcInvalidParams()
		}
		switched, err := s.service.SwitchNetwork(ctx, network)
		if err != nil {
			return nil, mapServiceError(err)
		}
		return switched, nil

	default:
		return nil, &rpcError{Code: codeMethodNotFound, Message: "method not found"}
	}
}

func decodeHostParam(raw json.RawMessage) (string, error) {
	var params struct {
		Host string `json:"host"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return "", err
	}
	if params.Host == "" {
		return "", errMissingHost
	}
	return params.Host, nil
}

func decodeApprovalCompletion(raw json.RawMessage) (string, any, error) {
	var params struct {
		EventKey string `json:"eventKey"`
		Payload  any    `json:"payload"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return "", nil, err
	}
	if params.EventKey == "" {
		return "", nil, errMissingEventKey
	}
	return params.EventKey, params.Payload, nil
}

// Durations cross the wire as milliseconds, matching the extension-era
// config shape.
func decodeSpamConfig(raw json.RawMessage) (models.SpamFilterConfig, error) {
	var params struct {
		RequestThreshold int   `json:"requestThreshold"`
		TimeWindowMs     int64 `json:"timeWindowMs"`
		BlockDurationMs  int64 `json:"blockDurationMs"`
		Enabled          bool  `json:"enabled"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return models.SpamFilterConfig{}, err
	}
	return models.SpamFilterConfig{
		RequestThreshold: params.RequestThreshold,
		TimeWindow:       time.Duration(params.TimeWindowMs) * time.Millisecond,
		BlockDuration:    time.Duration(params.BlockDurationMs) * time.Millisecond,
		Enabled:          params.Enabled,
	}, nil
}

func spamConfigPayload(cfg models.SpamFilterConfig) map[string]any {
	return map[string]any{
		"requestThreshold": cfg.RequestThreshold,
		"timeWindowMs":     cfg.TimeWindow.Milliseconds(),
		"blockDurationMs":  cfg.BlockDuration.Milliseconds(),
		"enabled":          cfg.Enabled,
	}
}
