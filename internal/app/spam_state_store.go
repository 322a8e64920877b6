package app

import (
	"errors"
	"io/fs"
	"strings"

	"pali-wallet/go-mediator/internal/securestore"
	"pali-wallet/go-mediator/pkg/models"
)

// SpamStateStore persists the spam filter's per-host state so blocks
// survive a daemon restart.
type SpamStateStore struct {
	path   string
	secret string
}

func (s *SpamStateStore) Configure(path, secret string) {
	s.path = strings.TrimSpace(path)
	s.secret = strings.TrimSpace(secret)
}

func (s *SpamStateStore) Bootstrap() (map[string]models.DappSpamState, error) {
	if !securestore.Configured(s.path, s.secret) {
		return map[string]models.DappSpamState{}, nil
	}
	var state persistedSpamState
	if err := securestore.ReadJSON(s.path, s.secret, &state); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			empty := map[string]models.DappSpamState{}
			if err := s.Persist(empty); err != nil {
				return nil, err
			}
			return empty, nil
		}
		return nil, err
	}
	if state.Version != 1 {
		return nil, errors.New("spam state persistence payload is invalid")
	}
	if state.Hosts == nil {
		return map[string]models.DappSpamState{}, nil
	}
	return state.Hosts, nil
}

func (s *SpamStateStore) Persist(hosts map[string]models.DappSpamState) error {
	if !securestore.Configured(s.path, s.secret) {
		return nil
	}
	return securestore.WriteJSON(s.path, s.secret, persistedSpamState{
		Version: 1,
		Hosts:   hosts,
	})
}

type persistedSpamState struct {
	Version int                             `json:"version"`
	Hosts   map[string]models.DappSpamState `json:"hosts"`
}
