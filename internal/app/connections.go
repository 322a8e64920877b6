package app

import (
	"errors"
	"sort"
	"sync"
	"time"

	"pali-wallet/go-mediator/pkg/models"
)

var ErrNotConnected = errors.New("host is not connected")

// ConnectionTable holds the host → connected-account mapping. The daemon is
// the sole mutator; other contexts only see it through request/response
// round-trips. A host has at most one connected account at a time.
type ConnectionTable struct {
	mu    sync.Mutex
	byHost map[string]models.DappConnection
}

func NewConnectionTable() *ConnectionTable {
	return &ConnectionTable{byHost: make(map[string]models.DappConnection)}
}

// Connect records a confirmed connection, replacing any prior account for
// the host.
func (t *ConnectionTable) Connect(host string, accountID int, address string, permissions []string, now time.Time) models.DappConnection {
	host = models.NormalizeHost(host)
	conn := models.DappConnection{
		Host:        host,
		AccountID:   accountID,
		Address:     address,
		Permissions: append([]string(nil), permissions...),
		ConnectedAt: now.UTC(),
	}
	t.mu.Lock()
	t.byHost[host] = conn
	t.mu.Unlock()
	return conn
}

// SwitchAccount changes the connected account for an already-connected host.
func (t *ConnectionTable) SwitchAccount(host string, accountID int, address string) (models.DappConnection, error) {
	host = models.NormalizeHost(host)
	t.mu.Lock()
	defer t.mu.Unlock()
	conn, ok := t.byHost[host]
	if !ok {
		return models.DappConnection{}, ErrNotConnected
	}
	conn.AccountID = accountID
	conn.Address = address
	t.byHost[host] = conn
	return conn, nil
}

func (t *ConnectionTable) Disconnect(host string) bool {
	host = models.NormalizeHost(host)
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byHost[host]; !ok {
		return false
	}
	delete(t.byHost, host)
	return true
}

func (t *ConnectionTable) Get(host string) (models.DappConnection, bool) {
	host = models.NormalizeHost(host)
	t.mu.Lock()
	defer t.mu.Unlock()
	conn, ok := t.byHost[host]
	return conn, ok
}

func (t *ConnectionTable) IsConnected(host string) bool {
	_, ok := t.Get(host)
	return ok
}

// Clear drops every connection; used on wallet lock.
func (t *ConnectionTable) Clear() []models.DappConnection {
	t.mu.Lock()
	defer t.mu.Unlock()
	dropped := make([]models.DappConnection, 0, len(t.byHost))
	for _, conn := range t.byHost {
		dropped = append(dropped, conn)
	}
	t.byHost = make(map[string]models.DappConnection)
	sort.Slice(dropped, func(i, j int) bool { return dropped[i].Host < dropped[j].Host })
	return dropped
}

func (t *ConnectionTable) List() []models.DappConnection {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]models.DappConnection, 0, len(t.byHost))
	for _, conn := range t.byHost {
		out = append(out, conn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

// Restore replaces the table contents at bootstrap.
func (t *ConnectionTable) Restore(conns []models.DappConnection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byHost = make(map[string]models.DappConnection, len(conns))
	for _, conn := range conns {
		t.byHost[models.NormalizeHost(conn.Host)] = conn
	}
}
