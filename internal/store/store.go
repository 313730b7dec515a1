// Package store persists worker accounts and their cached sessions.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/blacktop/cawatch/internal/watch"
)

// ErrNotFound is returned when an account does not exist.
var ErrNotFound = errors.New("not found")

// SessionStore caches opaque session tokens per (owner, username).
type SessionStore interface {
	Get(ctx context.Context, key watch.AccountKey) (string, bool, error)
	Put(ctx context.Context, key watch.AccountKey, token string) error
	Delete(ctx context.Context, key watch.AccountKey) error
}

// AccountStore holds the configured worker accounts, partitioned by owner.
type AccountStore interface {
	ListAccounts(ctx context.Context, owner string) ([]watch.WorkerAccount, error)
	SaveAccount(ctx context.Context, acct watch.WorkerAccount) error
	SetHealth(ctx context.Context, key watch.AccountKey, health watch.Health) error
}

// Options selects and configures the storage backends.
type Options struct {
	// Driver is "sqlite", "mongo" or "memory".
	Driver   string
	DataDir  string
	MongoURI string
	MongoDB  string
	// RedisAddr, when set, moves the session cache to redis.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// Backend bundles the stores a running service needs.
type Backend struct {
	Accounts AccountStore
	Sessions SessionStore
	closers  []func() error
}

// Close releases every underlying connection.
func (b *Backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Open builds a Backend from opts. Session writes are always serialized per key.
func Open(ctx context.Context, opts Options) (*Backend, error) {
	b := &Backend{}
	var sessions SessionStore

	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case "", "sqlite":
		dir := opts.DataDir
		if dir == "" {
			dir = ":memory:"
		}
		s, err := OpenSQLite(dir)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, s.Close)
		b.Accounts, sessions = s, s
	case "mongo":
		m, err := OpenMongo(ctx, opts.MongoURI, opts.MongoDB)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() error { return m.Close(context.Background()) })
		b.Accounts, sessions = m, m
	case "memory":
		m := NewMemory()
		b.Accounts, sessions = m, m
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", opts.Driver)
	}

	if opts.RedisAddr != "" {
		r, err := NewRedis(ctx, opts.RedisAddr, opts.RedisPassword, opts.RedisDB)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.closers = append(b.closers, r.Close)
		sessions = r
	}

	b.Sessions = Serialize(sessions)
	return b, nil
}

// Serialize wraps s so that writes for the same key never interleave, even
// when several jobs share a worker username.
func Serialize(s SessionStore) SessionStore {
	if _, ok := s.(*serialized); ok {
		return s
	}
	return &serialized{next: s}
}

type serialized struct {
	next  SessionStore
	locks sync.Map // AccountKey -> *sync.Mutex
}

func (s *serialized) lock(key watch.AccountKey) func() {
	v, _ := s.locks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (s *serialized) Get(ctx context.Context, key watch.AccountKey) (string, bool, error) {
	return s.next.Get(ctx, key)
}

func (s *serialized) Put(ctx context.Context, key watch.AccountKey, token string) error {
	defer s.lock(key)()
	return s.next.Put(ctx, key, token)
}

func (s *serialized) Delete(ctx context.Context, key watch.AccountKey) error {
	defer s.lock(key)()
	return s.next.Delete(ctx, key)
}
