package rpc

import (
	"errors"

	"pali-wallet/go-mediator/internal/app"
)

const (
	codeParseError      = -32700
	codeInvalidRequest  = -32600
	codeMethodNotFound  = -32601
	codeInvalidParams   = -32602
	codeServiceNotReady = -32099

	// Mediation-specific codes.
	codeServiceError     = -32050
	codeUserRejected     = -32051
	codeDappBlocked      = -32052
	codeRequestExpired   = -32053
	codeUnknownControlOp = -32054
)

var (
	errMissingHost     = errors.New("host is required")
	errMissingEventKey = errors.New("eventKey is required")
)

func rpcInvalidParams() *rpcError {
	return &rpcError{Code: codeInvalidParams, Message: "invalid params"}
}

// mapServiceError keeps the wire taxonomy intact: user rejection, spam
// block, and abandoned-correlation expiry each get their own code so UIs
// can branch without string matching; structured domain errors ride in the
// data field verbatim.
func mapServiceError(err error) *rpcError {
	switch {
	case errors.Is(err, app.ErrUserRejected):
		return &rpcError{Code: codeUserRejected, Message: err.Error()}
	case errors.Is(err, app.ErrDappBlocked):
		return &rpcError{Code: codeDappBlocked, Message: err.Error()}
	case errors.Is(err, app.ErrCorrelationExpired):
		return &rpcError{Code: codeRequestExpired, Message: err.Error()}
	case errors.Is(err, ErrMethodNotFound):
		return &rpcError{Code: codeMethodNotFound, Message: err.Error()}
	}
	var domain *DomainError
	if errors.As(err, &domain) {
		return &rpcError{Code: codeServiceError, Message: domain.Message, Data: controllerErrorPayload(err)}
	}
	return &rpcError{Code: codeServiceError, Message: err.Error()}
}

func requestLogID() string {
	id, err := app.GeneratePrefixedID("rpc")
	if err != nil {
		return "rpc_unknown"
	}
	return id
}
