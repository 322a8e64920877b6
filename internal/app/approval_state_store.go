package app

import (
	"errors"
	"io/fs"
	"strings"

	"pali-wallet/go-mediator/internal/securestore"
	"pali-wallet/go-mediator/pkg/models"
)

// ApprovalStateStore persists pending approval route/data, the only part
// of an in-flight confirmation that is worth keeping across a restart.
type ApprovalStateStore struct {
	path   string
	secret string
}

func (s *ApprovalStateStore) Configure(path, secret string) {
	s.path = strings.TrimSpace(path)
	s.secret = strings.TrimSpace(secret)
}

func (s *ApprovalStateStore) Bootstrap() ([]models.PendingApproval, error) {
	if !securestore.Configured(s.path, s.secret) {
		return nil, nil
	}
	var state persistedApprovalState
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
		return nil, errors.New("approval persistence payload is invalid")
	}
	return state.Pending, nil
}

func (s *ApprovalStateStore) Persist(pending []models.PendingApproval) error {
	if !securestore.Configured(s.path, s.secret) {
		return nil
	}
	return securestore.WriteJSON(s.path, s.secret, persistedApprovalState{
		Version: 1,
		Pending: pending,
	})
}

type persistedApprovalState struct {
	Version int                      `json:"version"`
	Pending []models.PendingApproval `json:"pending"`
}
