package app

import (
	"errors"
	"io/fs"
	"strings"

	"pali-wallet/go-mediator/internal/securestore"
	"pali-wallet/go-mediator/pkg/models"
)

// ConnectionStateStore persists the dapp connection table.
type ConnectionStateStore struct {
	path   string
	secret string
}

func (s *ConnectionStateStore) Configure(path, secret string) {
	s.path = strings.TrimSpace(path)
	s.secret = strings.TrimSpace(secret)
}

func (s *ConnectionStateStore) Bootstrap() ([]models.DappConnection, error) {
	if !securestore.Configured(s.path, s.secret) {
		return nil, nil
	}
	var state persistedConnectionState
	if err := securestore.ReadJSON(s.path, s.secret, &state); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if err := s.Persist(nil); err != nil {
				return nil, err
			}
			return nil, nil
		}
		return nil, err
	}
	if state.Version != 1 {
		return nil, errors.New("connection persistence payload is invalid")
	}
	return state.Connections, nil
}

func (s *ConnectionStateStore) Persist(conns []models.DappConnection) error {
	if !securestore.Configured(s.path, s.secret) {
		return nil
	}
	return securestore.WriteJSON(s.path, s.secret, persistedConnectionState{
		Version:     1,
		Connections: conns,
	})
}

type persistedConnectionState struct {
	Version     int                     `json:"version"`
	Connections []models.DappConnection `json:"connections"`
}
