package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/blacktop/cawatch/internal/logutil"
)

// Messages returned to callers of Start and Stop.
const (
	MsgStarted        = "started"
	MsgAlreadyRunning = "already running"
	MsgStopped        = "stopped"
	MsgNotRunning     = "not running"
	MsgAbandoned      = "stop timed out; abandoned"
)

// DefaultStopTimeout bounds how long Stop waits for the in-flight tick.
const DefaultStopTimeout = 10 * time.Second

// ErrStopTimeout is returned by Stop when the engine did not exit in time.
var ErrStopTimeout = errors.New("engine did not stop in time")

// Request carries per-start overrides of the owner's configured job. Zero
// fields keep the configured value.
type Request struct {
	Target   string
	Interval time.Duration
	Platform string
}

// Factory builds a ready-to-run engine for owner. It is called once per Start.
type Factory func(ctx context.Context, owner string, req Request) (*Engine, error)

// Job is one running engine and its completion signal.
type Job struct {
	Engine *Engine
	done   chan struct{}
	err    error
}

// Done is closed when the engine's Run returns.
func (j *Job) Done() <-chan struct{} { return j.done }

// Err is the error Run returned. Only valid after Done is closed.
func (j *Job) Err() error { return j.err }

// Manager allows at most one engine per owner.
type Manager struct {
	factory     Factory
	stopTimeout time.Duration

	mu   sync.Mutex
	jobs map[string]*Job
	last map[string]Status
}

// NewManager returns a Manager that builds engines with factory. A zero
// stopTimeout uses DefaultStopTimeout.
func NewManager(factory Factory, stopTimeout time.Duration) *Manager {
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}
	return &Manager{
		factory:     factory,
		stopTimeout: stopTimeout,
		jobs:        make(map[string]*Job),
		last:        make(map[string]Status),
	}
}

// Start builds and launches the owner's engine. The engine outlives ctx; it
// runs until Stop or a fatal error.
func (m *Manager) Start(ctx context.Context, owner string, req Request) (string, error) {
	m.mu.Lock()
	if _, ok := m.jobs[owner]; ok {
		m.mu.Unlock()
		return MsgAlreadyRunning, nil
	}
	// Reserve the slot so a concurrent Start cannot build a second engine.
	job := &Job{done: make(chan struct{})}
	m.jobs[owner] = job
	m.mu.Unlock()

	eng, err := m.factory(ctx, owner, req)
	if err != nil {
		m.mu.Lock()
		delete(m.jobs, owner)
		m.mu.Unlock()
		close(job.done)
		return "", err
	}
	job.Engine = eng

	go func() {
		job.err = eng.Run(context.WithoutCancel(ctx))
		m.mu.Lock()
		m.last[owner] = eng.Status()
		if m.jobs[owner] == job {
			delete(m.jobs, owner)
		}
		m.mu.Unlock()
		close(job.done)
		if job.err != nil {
			logutil.Warnf("job %s exited: %v", owner, job.err)
		}
	}()
	return MsgStarted, nil
}

// Stop cancels the owner's engine and waits for it. When the engine does not
// exit within the stop timeout it is abandoned: the slot is freed and the
// goroutine left to finish on its own.
func (m *Manager) Stop(owner string) (string, error) {
	m.mu.Lock()
	job, ok := m.jobs[owner]
	m.mu.Unlock()
	if !ok || job.Engine == nil {
		return MsgNotRunning, nil
	}

	job.Engine.Stop()

	timer := time.NewTimer(m.stopTimeout)
	defer timer.Stop()
	select {
	case <-job.done:
		return MsgStopped, nil
	case <-timer.C:
		m.mu.Lock()
		if m.jobs[owner] == job {
			delete(m.jobs, owner)
		}
		m.mu.Unlock()
		logutil.Errorf("job %s did not stop within %s; abandoned", owner, m.stopTimeout)
		return MsgAbandoned, ErrStopTimeout
	}
}

// Status reports the owner's running engine, or the final snapshot of its
// last run. ok is false when the owner never ran a job.
func (m *Manager) Status(owner string) (Status, bool) {
	m.mu.Lock()
	job, running := m.jobs[owner]
	last, seen := m.last[owner]
	m.mu.Unlock()
	if running && job.Engine != nil {
		return job.Engine.Status(), true
	}
	return last, seen
}

// Running lists owners with a live job, sorted.
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.jobs))
	for owner := range m.jobs {
		out = append(out, owner)
	}
	sort.Strings(out)
	return out
}

// StopAll stops every job, used on shutdown.
func (m *Manager) StopAll() error {
	var errs []error
	for _, owner := range m.Running() {
		if _, err := m.Stop(owner); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Wait blocks until the owner's current job exits or ctx is done.
func (m *Manager) Wait(ctx context.Context, owner string) error {
	m.mu.Lock()
	job, ok := m.jobs[owner]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-job.done:
		return job.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
