package store

import (
	"context"
	"sync"

	"github.com/blacktop/cawatch/internal/watch"
)

// Memory is an in-process AccountStore and SessionStore.
type Memory struct {
	mu       sync.RWMutex
	accounts map[string][]watch.WorkerAccount
	sessions map[watch.AccountKey]string
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[string][]watch.WorkerAccount),
		sessions: make(map[watch.AccountKey]string),
	}
}

func (m *Memory) ListAccounts(_ context.Context, owner string) ([]watch.WorkerAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]watch.WorkerAccount(nil), m.accounts[owner]...), nil
}

func (m *Memory) SaveAccount(_ context.Context, acct watch.WorkerAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.accounts[acct.Owner]
	for i := range list {
		if list[i].Username == acct.Username {
			list[i] = acct
			return nil
		}
	}
	m.accounts[acct.Owner] = append(list, acct)
	return nil
}

func (m *Memory) SetHealth(_ context.Context, key watch.AccountKey, health watch.Health) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, a := range m.accounts[key.Owner] {
		if a.Username == key.Username {
			m.accounts[key.Owner][i].Health = health
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) Get(_ context.Context, key watch.AccountKey) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tok, ok := m.sessions[key]
	return tok, ok, nil
}

func (m *Memory) Put(_ context.Context, key watch.AccountKey, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[key] = token
	return nil
}

func (m *Memory) Delete(_ context.Context, key watch.AccountKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, key)
	return nil
}
