// Package engine runs the polling loop for one monitored target and the
// registry of per-owner jobs.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blacktop/cawatch/internal/extract"
	"github.com/blacktop/cawatch/internal/logutil"
	"github.com/blacktop/cawatch/internal/metrics"
	"github.com/blacktop/cawatch/internal/notify"
	"github.com/blacktop/cawatch/internal/ocr"
	"github.com/blacktop/cawatch/internal/pool"
	"github.com/blacktop/cawatch/internal/ratelimit"
	"github.com/blacktop/cawatch/internal/store"
	"github.com/blacktop/cawatch/internal/watch"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

const (
	DefaultStaleness      = 2 * time.Minute
	defaultRequestTimeout = 30 * time.Second
	operatorTimeout       = 15 * time.Second
)

// ErrAlreadyRunning is returned by Run on an engine that has been started.
var ErrAlreadyRunning = errors.New("engine already started")

// State is the lifecycle position of an Engine.
type State int

const (
	Idle State = iota
	Initializing
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Initializing:
		return "initializing"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Config is everything one polling job needs to know about its target.
type Config struct {
	Owner    string
	Target   string
	Platform watch.Platform
	// Interval is the operator's floor; the effective interval is never
	// below what the quota allows for the current pool size.
	Interval  time.Duration
	Quota     ratelimit.Quota
	Staleness time.Duration
	// JitterMax bounds the random delay added to each sleep; zero disables it.
	JitterMax time.Duration
	// Destination receives alerts; Operator receives lifecycle messages and
	// defaults to Destination.
	Destination    string
	Operator       string
	RequestTimeout time.Duration
	Concurrency    int
}

// Deps are the collaborators an Engine drives.
type Deps struct {
	Provider watch.Provider
	Sessions store.SessionStore
	Accounts store.AccountStore
	Sink     notify.Sink
	OCR      ocr.Reader
	Metrics  *metrics.Metrics
	Logger   *log.Logger
	Now      func() time.Time
}

// Status is a point-in-time snapshot safe to read from any goroutine.
type Status struct {
	Owner       string        `json:"owner"`
	RunID       string        `json:"run_id"`
	State       string        `json:"state"`
	Degraded    bool          `json:"degraded"`
	Target      string        `json:"target"`
	Provider    string        `json:"provider"`
	Workers     []string      `json:"workers"`
	InitialSize int           `json:"initial_pool_size"`
	Interval    time.Duration `json:"interval"`
	Current     string        `json:"current_worker,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// Engine polls one target with a rotating pool of workers. Only the Run
// goroutine touches the pool, baseline window and rotation index.
type Engine struct {
	cfg    Config
	deps   Deps
	runID  string
	logger *log.Logger

	started atomic.Bool

	mu          sync.Mutex
	state       State
	cancel      context.CancelFunc
	pool        *pool.Pool
	initialSize int
	index       int
	interval    time.Duration
	err         error

	handle   watch.Handle
	baseline watch.Window
	primed   bool
}

// New prepares an engine. Nothing happens until Run is called.
func New(cfg Config, deps Deps) *Engine {
	if cfg.Quota.Requests == 0 && cfg.Quota.Window == 0 {
		cfg.Quota = ratelimit.DefaultQuota
	}
	if cfg.Staleness == 0 {
		cfg.Staleness = DefaultStaleness
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Operator == "" {
		cfg.Operator = cfg.Destination
	}
	if deps.OCR == nil {
		deps.OCR = ocr.Nop{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	runID := uuid.NewString()
	logger := deps.Logger
	if logger == nil {
		logger = logutil.With("job", cfg.Owner, "run", runID[:8])
	}
	return &Engine{cfg: cfg, deps: deps, runID: runID, logger: logger, state: Idle}
}

// RunID identifies this engine instance in logs and status output.
func (e *Engine) RunID() string { return e.runID }

// Status returns a snapshot of the engine.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{
		Owner:       e.cfg.Owner,
		RunID:       e.runID,
		State:       e.state.String(),
		Target:      e.cfg.Target,
		InitialSize: e.initialSize,
		Interval:    e.interval,
	}
	if e.deps.Provider != nil {
		st.Provider = e.deps.Provider.Name()
	}
	if e.pool != nil {
		st.Workers = e.pool.Usernames()
		st.Degraded = e.state == Running && e.pool.Len() < e.initialSize
		if w := e.pool.At(e.index); w != nil {
			st.Current = w.Account.Username
		}
	}
	if e.err != nil {
		st.Error = e.err.Error()
	}
	return st
}

// Stop asks Run to return after the in-flight tick. It is safe to call more
// than once and before Run.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Stopped || e.state == Stopping {
		return
	}
	if e.cancel == nil {
		e.state = Stopped
		return
	}
	e.state = Stopping
	e.cancel()
}

// Run initializes the pool, resolves the target and polls until ctx is
// cancelled, Stop is called, or a fatal error occurs. A clean stop returns
// nil.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	if e.state == Stopped {
		e.mu.Unlock()
		return nil
	}
	e.cancel = cancel
	e.state = Initializing
	e.mu.Unlock()

	e.deps.Metrics.Running(e.cfg.Owner, true)
	defer e.deps.Metrics.Running(e.cfg.Owner, false)

	if err := e.initialize(ctx); err != nil {
		if ctx.Err() != nil {
			return e.finish(nil)
		}
		return e.finish(err)
	}

	e.setState(Running)
	e.logger.Info("monitoring started", "target", e.cfg.Target, "workers", e.pool.Len(), "interval", e.interval)
	e.operator(fmt.Sprintf("Monitoring %s with %d workers every %s", e.cfg.Target, e.pool.Len(), e.interval.Round(time.Millisecond)))

	for ctx.Err() == nil {
		if err := e.tick(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			return e.finish(err)
		}
	}
	e.setState(Stopping)
	return e.finish(nil)
}

// finish releases the pool and window, records err and reports it.
func (e *Engine) finish(err error) error {
	e.mu.Lock()
	e.state = Stopped
	e.err = err
	e.pool = nil
	e.index = 0
	e.mu.Unlock()
	e.baseline = nil
	e.primed = false

	if err != nil {
		e.logger.Error("monitoring stopped", "err", err)
		e.operator(fmt.Sprintf("Monitoring %s stopped: %s", e.cfg.Target, reason(err)))
		return err
	}
	e.logger.Info("monitoring stopped")
	return nil
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Stopping && s == Running {
		return
	}
	e.state = s
}

func (e *Engine) initialize(ctx context.Context) error {
	if e.cfg.Target == "" {
		return watch.ConfigError{Field: "target", Reason: "not set"}
	}
	if e.cfg.Platform == "" {
		return watch.ConfigError{Field: "platform", Reason: "not set"}
	}
	if e.deps.Provider == nil {
		return watch.ConfigError{Field: "provider", Reason: "not set"}
	}

	accounts, err := e.deps.Accounts.ListAccounts(ctx, e.cfg.Owner)
	if err != nil {
		return fmt.Errorf("loading accounts for %s: %w", e.cfg.Owner, err)
	}
	p, report := pool.Initialize(ctx, e.deps.Provider, e.deps.Sessions, accounts, pool.Options{
		Concurrency: e.cfg.Concurrency,
		Accounts:    e.deps.Accounts,
		Logger:      e.logger,
	})
	e.logger.Info(report.Summary())
	if p.Len() == 0 {
		return fmt.Errorf("%w: %d of %d accounts usable", watch.ErrPoolExhausted, 0, len(report.Outcomes))
	}

	e.mu.Lock()
	e.pool = p
	e.initialSize = p.Len()
	e.index = 0
	e.mu.Unlock()
	if err := e.recomputeInterval(); err != nil {
		return err
	}

	return e.resolve(ctx)
}

// resolve looks up the target, moving past rate limited workers.
func (e *Engine) resolve(ctx context.Context) error {
	for attempts := e.pool.Len(); attempts > 0; attempts-- {
		w := e.current()
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
		h, err := e.deps.Provider.ResolveTarget(callCtx, w.Session, e.cfg.Target)
		cancel()
		if err == nil {
			e.handle = h
			e.logger.Debug("target resolved", "target", e.cfg.Target, "id", h.ID)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch e.deps.Provider.Classify(err) {
		case watch.ClassRateLimit, watch.ClassAuth:
			if evictErr := e.evict(ctx, err); evictErr != nil {
				return evictErr
			}
			continue
		}
		var tre watch.TargetResolutionError
		if errors.As(err, &tre) {
			return err
		}
		return watch.TargetResolutionError{Provider: e.deps.Provider.Name(), Target: e.cfg.Target, Err: err}
	}
	return watch.ErrPoolExhausted
}

// transient wraps a fetch failure that should be retried on a later tick.
type transient struct{ err error }

func (t transient) Error() string { return t.err.Error() }
func (t transient) Unwrap() error { return t.err }

func (e *Engine) tick(ctx context.Context) error {
	if !e.primed {
		win, err := e.fetch(ctx)
		switch {
		case err == nil:
			e.baseline, e.primed = win, true
		case isTransient(err):
			e.logger.Warn("baseline fetch failed", "err", err)
			e.advance()
		default:
			return err
		}
	}

	if err := e.sleep(ctx); err != nil {
		return err
	}
	if !e.primed {
		return nil
	}

	e.advance()
	latest, err := e.fetch(ctx)
	if err != nil {
		if isTransient(err) {
			e.logger.Warn("fetch failed", "err", err)
			return nil
		}
		return err
	}

	for _, p := range watch.Diff(e.baseline, latest) {
		e.process(ctx, p)
	}
	e.baseline = latest
	return nil
}

func isTransient(err error) bool {
	var t transient
	return errors.As(err, &t)
}

// fetch reads the latest window with the current worker. Rate limited or
// revoked workers are evicted and the fetch is retried with the worker that
// takes their place, at most once per worker.
func (e *Engine) fetch(ctx context.Context) (watch.Window, error) {
	for attempts := e.pool.Len(); attempts > 0; attempts-- {
		w := e.current()
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
		win, err := e.deps.Provider.FetchLatest(callCtx, w.Session, e.handle)
		cancel()
		if err == nil {
			e.deps.Metrics.Poll(e.cfg.Owner, e.deps.Provider.Name())
			e.logger.Debug("fetched", "worker", w.Account.Username, "posts", len(win))
			return win, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		class := e.deps.Provider.Classify(err)
		e.deps.Metrics.FetchError(e.cfg.Owner, class.String())
		switch class {
		case watch.ClassRateLimit, watch.ClassAuth:
			if evictErr := e.evict(ctx, err); evictErr != nil {
				return nil, evictErr
			}
		case watch.ClassFatal:
			return nil, err
		default:
			return nil, transient{watch.FetchError{Provider: e.deps.Provider.Name(), Err: err}}
		}
	}
	return nil, watch.ErrPoolExhausted
}

// evict drops the current worker after a rate limit or auth failure and
// re-derives the interval. The worker that followed it becomes current.
func (e *Engine) evict(ctx context.Context, cause error) error {
	e.mu.Lock()
	idx := e.index % e.pool.Len()
	w, err := e.pool.Evict(idx)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	remaining := e.pool.Len()
	if remaining > 0 {
		e.index = idx % remaining
	} else {
		e.index = 0
	}
	e.mu.Unlock()

	health := watch.HealthRateLimited
	var susp watch.SuspensionError
	if errors.As(cause, &susp) {
		health = watch.HealthSuspended
	}
	if err := e.deps.Accounts.SetHealth(ctx, w.Account.Key(), health); err != nil && !errors.Is(err, store.ErrNotFound) {
		e.logger.Warn("failed to record account health", "worker", w.Account.Username, "err", err)
	}
	e.deps.Metrics.Evicted(e.cfg.Owner)
	e.logger.Warn("worker evicted", "worker", w.Account.Username, "health", health, "remaining", remaining, "err", cause)

	if remaining == 0 {
		return watch.ErrPoolExhausted
	}
	return e.recomputeInterval()
}

func (e *Engine) recomputeInterval() error {
	computed, err := e.cfg.Quota.Interval(e.pool.Len())
	if errors.Is(err, ratelimit.ErrInvalidQuota) {
		return watch.ConfigError{Field: "quota", Reason: err.Error()}
	}
	if err != nil {
		return err
	}
	interval := max(e.cfg.Interval, computed)
	e.mu.Lock()
	e.interval = interval
	e.mu.Unlock()
	e.deps.Metrics.Pool(e.cfg.Owner, e.pool.Len(), interval.Seconds())
	e.logger.Debug("interval updated", "workers", e.pool.Len(), "interval", interval)
	return nil
}

func (e *Engine) current() *pool.Worker {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pool.At(e.index)
}

func (e *Engine) advance() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n := e.pool.Len(); n > 0 {
		e.index = (e.index + 1) % n
	}
}

func (e *Engine) sleep(ctx context.Context) error {
	e.mu.Lock()
	d := e.interval
	e.mu.Unlock()
	d += ratelimit.Jitter(e.cfg.JitterMax)

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// process extracts addresses from one new post and dispatches an alert.
func (e *Engine) process(ctx context.Context, p watch.Post) {
	logger := e.logger.With("post", p.ID)
	if p.IsReshare {
		logger.Debug("skipping reshare")
		return
	}
	if p.Stale(e.deps.Now(), e.cfg.Staleness) {
		logger.Debug("skipping stale post", "created", p.CreatedAt)
		return
	}

	addrs := extract.Extract(p.Text)
	if len(addrs) == 0 {
		for _, img := range p.Media {
			text, err := e.deps.OCR.Read(ctx, img)
			if err != nil {
				logger.Warn("ocr failed", "image", img, "err", err)
				continue
			}
			if addrs = extract.Extract(text); len(addrs) > 0 {
				logger.Debug("addresses found in image", "image", img)
				break
			}
		}
	}
	if len(addrs) == 0 {
		logger.Debug("no contract address")
		return
	}

	addrs = extract.Unique(addrs)
	for _, a := range addrs {
		e.deps.Metrics.Address(e.cfg.Owner, string(extract.Classify(a)))
	}
	logger.Info("contract address found", "addresses", addrs)
	if e.deps.Sink == nil {
		return
	}
	err := e.deps.Sink.Deliver(ctx, e.cfg.Destination, notify.Alert(e.cfg.Target, p, addrs))
	e.deps.Metrics.Notified(e.cfg.Owner, err)
	if err != nil {
		logger.Error("alert delivery failed", "err", err)
	}
}

// operator sends a lifecycle message. It uses its own deadline so that it
// still goes out while the job's context is being cancelled.
func (e *Engine) operator(text string) {
	if e.deps.Sink == nil || e.cfg.Operator == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), operatorTimeout)
	defer cancel()
	if err := e.deps.Sink.Deliver(ctx, e.cfg.Operator, text); err != nil {
		e.logger.Warn("operator notification failed", "err", err)
	}
}

func reason(err error) string {
	var (
		cfg watch.ConfigError
		tre watch.TargetResolutionError
	)
	switch {
	case errors.As(err, &cfg):
		return fmt.Sprintf("configuration problem (%s: %s)", cfg.Field, cfg.Reason)
	case errors.As(err, &tre):
		return fmt.Sprintf("target %q could not be found", tre.Target)
	case errors.Is(err, watch.ErrPoolExhausted):
		return "no usable worker accounts remain"
	}
	return err.Error()
}
