// Package pool owns the authenticated worker sessions a polling job rotates
// through.
package pool

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/blacktop/cawatch/internal/logutil"
	"github.com/blacktop/cawatch/internal/store"
	"github.com/blacktop/cawatch/internal/watch"
	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

const defaultConcurrency = 4

// Worker is one logged-in account.
type Worker struct {
	Account watch.WorkerAccount
	Session watch.Session
}

// Pool is the ordered set of workers eligible for rotation. It is not safe
// for concurrent mutation; the owning engine is its only writer.
type Pool struct {
	workers []*Worker
}

// New builds a pool from already connected workers, dropping duplicate usernames.
func New(workers ...*Worker) *Pool {
	p := &Pool{}
	seen := make(map[string]struct{}, len(workers))
	for _, w := range workers {
		if _, ok := seen[w.Account.Username]; ok {
			continue
		}
		seen[w.Account.Username] = struct{}{}
		p.workers = append(p.workers, w)
	}
	return p
}

// Len returns the number of workers.
func (p *Pool) Len() int { return len(p.workers) }

// At returns the worker at i modulo the pool length, or nil for an empty pool.
func (p *Pool) At(i int) *Worker {
	if len(p.workers) == 0 {
		return nil
	}
	return p.workers[i%len(p.workers)]
}

// Usernames lists the workers in rotation order.
func (p *Pool) Usernames() []string {
	out := make([]string, len(p.workers))
	for i, w := range p.workers {
		out[i] = w.Account.Username
	}
	return out
}

// Evict removes the worker at i, keeping the order of the others. Callers
// holding a rotation index must re-derive it as index % Len().
func (p *Pool) Evict(i int) (*Worker, error) {
	if i < 0 || i >= len(p.workers) {
		return nil, fmt.Errorf("evict: index %d out of range [0,%d)", i, len(p.workers))
	}
	w := p.workers[i]
	next := make([]*Worker, 0, len(p.workers)-1)
	next = append(next, p.workers[:i]...)
	next = append(next, p.workers[i+1:]...)
	p.workers = next
	return w, nil
}

// Outcome records how one account fared during Initialize.
type Outcome struct {
	Username string
	OK       bool
	Reused   bool
	Err      error
}

// Report is the per-account result of Initialize, in input order.
type Report struct {
	Outcomes []Outcome
}

// Succeeded counts the accounts that joined the pool.
func (r Report) Succeeded() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.OK {
			n++
		}
	}
	return n
}

// Failed returns the accounts that were excluded.
func (r Report) Failed() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if !o.OK {
			out = append(out, o)
		}
	}
	return out
}

// Summary renders an operator-facing summary.
func (r Report) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d/%d workers ready", r.Succeeded(), len(r.Outcomes))
	for _, o := range r.Failed() {
		fmt.Fprintf(&b, "\n- %s: %v", o.Username, o.Err)
	}
	return b.String()
}

// Options tunes Initialize.
type Options struct {
	// Concurrency bounds parallel logins. Zero means a small default.
	Concurrency int
	// Accounts, when set, receives health updates.
	Accounts store.AccountStore
	Logger   *log.Logger
}

// Initialize connects every account, reusing cached sessions where they
// still pass the health probe. Accounts that fail are reported and left out.
// Accounts already stored as suspended are reported without any login attempt.
// The returned pool preserves input order regardless of login completion order.
func Initialize(ctx context.Context, conn watch.Connector, sessions store.SessionStore, accounts []watch.WorkerAccount, opts Options) (*Pool, Report) {
	logger := opts.Logger
	if logger == nil {
		logger = logutil.With("component", "pool")
	}
	limit := opts.Concurrency
	if limit <= 0 {
		limit = defaultConcurrency
	}

	accounts = dedupe(accounts)
	outcomes := make([]Outcome, len(accounts))
	workers := make([]*Worker, len(accounts))

	var g errgroup.Group
	g.SetLimit(limit)
	for i, acct := range accounts {
		if acct.Health == watch.HealthSuspended {
			err := watch.SuspensionError{Provider: providerName(conn), Username: acct.Username, Reason: "marked suspended, re-verify before reuse"}
			outcomes[i] = Outcome{Username: acct.Username, Err: err}
			logger.Warn("worker excluded", "username", acct.Username, "err", err)
			continue
		}
		g.Go(func() error {
			sess, reused, err := connect(ctx, conn, sessions, acct, logger)
			outcomes[i] = Outcome{Username: acct.Username, OK: err == nil, Reused: reused, Err: err}
			if err != nil {
				logger.Warn("worker excluded", "username", acct.Username, "err", err)
				return nil
			}
			acct.Health = watch.HealthHealthy
			workers[i] = &Worker{Account: acct, Session: sess}
			return nil
		})
	}
	g.Wait()

	ready := make([]*Worker, 0, len(workers))
	for i, w := range workers {
		if w != nil {
			ready = append(ready, w)
		}
		if opts.Accounts != nil {
			recordHealth(ctx, opts.Accounts, accounts[i], outcomes[i], logger)
		}
	}

	return New(ready...), Report{Outcomes: outcomes}
}

func connect(ctx context.Context, conn watch.Connector, sessions store.SessionStore, acct watch.WorkerAccount, logger *log.Logger) (watch.Session, bool, error) {
	key := acct.Key()

	token, ok, err := sessions.Get(ctx, key)
	if err != nil {
		logger.Warn("session cache unavailable", "account", key, "err", err)
	}
	if err == nil && ok {
		sess, err := conn.Resume(ctx, acct, token)
		if err == nil {
			err = conn.Probe(ctx, sess)
		}
		if err == nil {
			logger.Debug("reused cached session", "account", key)
			return sess, true, nil
		}
		var susp watch.SuspensionError
		if errors.As(err, &susp) {
			return nil, false, err
		}
		logger.Info("cached session rejected, logging in", "account", key, "err", err)
		if err := sessions.Delete(ctx, key); err != nil {
			logger.Warn("failed to drop stale session", "account", key, "err", err)
		}
	}

	sess, err := conn.Login(ctx, acct)
	if err != nil {
		var (
			authErr watch.AuthError
			susp    watch.SuspensionError
		)
		if errors.As(err, &authErr) || errors.As(err, &susp) {
			return nil, false, err
		}
		return nil, false, watch.AuthError{Username: acct.Username, Provider: "login", Err: err}
	}
	if err := conn.Probe(ctx, sess); err != nil {
		return nil, false, err
	}

	if token, err := conn.Token(sess); err != nil {
		logger.Warn("cannot serialize session", "account", key, "err", err)
	} else if err := sessions.Put(ctx, key, token); err != nil {
		logger.Warn("failed to cache session", "account", key, "err", err)
	} else {
		logger.Debug("session cached", "account", key)
	}
	return sess, false, nil
}

func providerName(conn watch.Connector) string {
	if n, ok := conn.(interface{ Name() string }); ok {
		return n.Name()
	}
	return "pool"
}

func recordHealth(ctx context.Context, accounts store.AccountStore, acct watch.WorkerAccount, o Outcome, logger *log.Logger) {
	health := watch.HealthHealthy
	if !o.OK {
		var susp watch.SuspensionError
		if !errors.As(o.Err, &susp) {
			return
		}
		health = watch.HealthSuspended
	}
	if err := accounts.SetHealth(ctx, acct.Key(), health); err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.Warn("failed to record account health", "account", acct.Key(), "err", err)
	}
}

func dedupe(accounts []watch.WorkerAccount) []watch.WorkerAccount {
	seen := make(map[string]struct{}, len(accounts))
	out := make([]watch.WorkerAccount, 0, len(accounts))
	for _, a := range accounts {
		if _, ok := seen[a.Username]; ok {
			continue
		}
		seen[a.Username] = struct{}{}
		out = append(out, a)
	}
	return out
}
