package engine

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/blacktop/cawatch/internal/logutil"
	"github.com/blacktop/cawatch/internal/ratelimit"
	"github.com/blacktop/cawatch/internal/store"
	"github.com/blacktop/cawatch/internal/watch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var evmAddr = "0x" + strings.Repeat("ab", 20)

func TestMain(m *testing.M) {
	logutil.SetOutput(io.Discard)
	m.Run()
}

type fakeSession struct{ name string }

func (s *fakeSession) Username() string { return s.name }

// fakeProvider serves scripted windows. fetches records the worker used for
// every FetchLatest call.
type fakeProvider struct {
	mu         sync.Mutex
	loginErr   map[string]error
	resolveErr error
	workerErr  map[string]error
	resolves   int
	logins     []string
	fetches    []string
	script     func(n int, worker string) (watch.Window, error)
	block      chan struct{}
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Resume(_ context.Context, acct watch.WorkerAccount, _ string) (watch.Session, error) {
	return &fakeSession{name: acct.Username}, nil
}

func (f *fakeProvider) Login(_ context.Context, acct watch.WorkerAccount) (watch.Session, error) {
	f.mu.Lock()
	f.logins = append(f.logins, acct.Username)
	f.mu.Unlock()
	if err := f.loginErr[acct.Username]; err != nil {
		return nil, err
	}
	return &fakeSession{name: acct.Username}, nil
}

func (f *fakeProvider) Probe(context.Context, watch.Session) error { return nil }

func (f *fakeProvider) Token(s watch.Session) (string, error) { return s.Username(), nil }

func (f *fakeProvider) ResolveTarget(_ context.Context, s watch.Session, id string) (watch.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolves++
	if f.resolveErr != nil {
		return watch.Handle{}, f.resolveErr
	}
	if err := f.workerErr[s.Username()]; err != nil {
		return watch.Handle{}, err
	}
	return watch.Handle{ID: "id-" + id, Name: id}, nil
}

func (f *fakeProvider) FetchLatest(_ context.Context, s watch.Session, _ watch.Handle) (watch.Window, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	n := len(f.fetches)
	f.fetches = append(f.fetches, s.Username())
	f.mu.Unlock()
	return f.script(n, s.Username())
}

func (f *fakeProvider) Classify(err error) watch.Class { return watch.ClassOf(err) }

func (f *fakeProvider) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fetches...)
}

type delivery struct{ dest, text string }

type recordingSink struct {
	mu     sync.Mutex
	sent   []delivery
	alerts chan string
}

func newRecordingSink() *recordingSink {
	return &recordingSink{alerts: make(chan string, 16)}
}

func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) Deliver(_ context.Context, dest, text string) error {
	r.mu.Lock()
	r.sent = append(r.sent, delivery{dest, text})
	r.mu.Unlock()
	if dest == "alerts" {
		r.alerts <- text
	}
	return nil
}

func (r *recordingSink) to(dest string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, d := range r.sent {
		if d.dest == dest {
			out = append(out, d.text)
		}
	}
	return out
}

type fakeOCR struct {
	mu    sync.Mutex
	texts map[string]string
	read  []string
}

func (o *fakeOCR) Read(_ context.Context, url string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.read = append(o.read, url)
	return o.texts[url], nil
}

// tinyQuota gives 10ms for three workers and 15ms for two.
var tinyQuota = ratelimit.Quota{Requests: 1, Window: 30 * time.Millisecond}

func seed(t *testing.T, names ...string) *store.Memory {
	t.Helper()
	m := store.NewMemory()
	for _, n := range names {
		require.NoError(t, m.SaveAccount(context.Background(), watch.WorkerAccount{Username: n, Owner: "alice"}))
	}
	return m
}

func newTestEngine(prov *fakeProvider, accts *store.Memory, sink *recordingSink, mutate func(*Config, *Deps)) *Engine {
	cfg := Config{
		Owner:       "alice",
		Target:      "dev",
		Platform:    watch.SocialFeed,
		Quota:       tinyQuota,
		Destination: "alerts",
		Operator:    "ops",
	}
	deps := Deps{
		Provider: prov,
		Sessions: store.Serialize(accts),
		Accounts: accts,
		Sink:     sink,
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	return New(cfg, deps)
}

func runAsync(e *Engine) <-chan error {
	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()
	return done
}

func waitAlert(t *testing.T, sink *recordingSink) string {
	t.Helper()
	select {
	case text := <-sink.alerts:
		return text
	case <-time.After(2 * time.Second):
		t.Fatal("no alert delivered")
		return ""
	}
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop")
		return nil
	}
}

func TestRateLimitEvictsAndRotatesToNextWorker(t *testing.T) {
	now := time.Now()
	baseline := watch.Window{{ID: "1", Text: "gm", CreatedAt: now}}
	latest := watch.Window{{ID: "2", Text: "CA " + evmAddr, CreatedAt: now}, baseline[0]}

	prov := &fakeProvider{script: func(n int, worker string) (watch.Window, error) {
		switch {
		case n == 0:
			return baseline, nil
		case worker == "w2":
			return nil, watch.RateLimitError{Provider: "fake", Err: errors.New("429 Too Many Requests")}
		}
		return latest, nil
	}}
	accts := seed(t, "w1", "w2", "w3")
	sink := newRecordingSink()
	e := newTestEngine(prov, accts, sink, nil)

	done := runAsync(e)
	alert := waitAlert(t, sink)
	assert.Contains(t, alert, evmAddr)

	st := e.Status()
	assert.Equal(t, "running", st.State)
	assert.True(t, st.Degraded)
	assert.Equal(t, []string{"w1", "w3"}, st.Workers)
	assert.Equal(t, 3, st.InitialSize)
	want, err := tinyQuota.Interval(2)
	require.NoError(t, err)
	assert.Equal(t, want, st.Interval)
	assert.Equal(t, 15*time.Millisecond, st.Interval)

	assert.Equal(t, []string{"w1", "w2", "w3"}, prov.calls()[:3])

	list, err := accts.ListAccounts(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, watch.HealthRateLimited, list[1].Health)
	assert.Equal(t, watch.HealthHealthy, list[2].Health)

	e.Stop()
	e.Stop()
	require.NoError(t, waitDone(t, done))
	assert.Equal(t, "stopped", e.Status().State)
	assert.Empty(t, e.Status().Workers, "a stopped engine keeps no pool")

	assert.Len(t, sink.to("alerts"), 1, "posts already in the baseline are not re-sent")
	ops := sink.to("ops")
	require.NotEmpty(t, ops)
	assert.Contains(t, ops[0], "Monitoring dev with 3 workers")
}

func TestConfiguredIntervalIsAFloor(t *testing.T) {
	prov := &fakeProvider{block: make(chan struct{}), script: func(int, string) (watch.Window, error) { return nil, nil }}
	defer close(prov.block)
	e := newTestEngine(prov, seed(t, "w1", "w2", "w3"), newRecordingSink(), func(c *Config, _ *Deps) {
		c.Interval = time.Hour
	})
	done := runAsync(e)
	require.Eventually(t, func() bool { return e.Status().State == "running" }, time.Second, 5*time.Millisecond)
	assert.Equal(t, time.Hour, e.Status().Interval)
	e.Stop()
	prov.block <- struct{}{}
	require.NoError(t, waitDone(t, done))
}

func TestSkipsResharesAndStalePostsAndFallsBackToOCR(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	solAddr := "So11111111111111111111111111111111111111112"
	latest := watch.Window{
		{ID: "rt", Text: "RT " + evmAddr, CreatedAt: now, IsReshare: true},
		{ID: "old", Text: "CA " + evmAddr, CreatedAt: now.Add(-5 * time.Minute)},
		{ID: "img", Text: "look at this", CreatedAt: now.Add(-30 * time.Second), Media: []string{"a.png", "b.png", "c.png"}},
	}
	prov := &fakeProvider{script: func(n int, _ string) (watch.Window, error) {
		if n == 0 {
			return nil, nil
		}
		return latest, nil
	}}
	reader := &fakeOCR{texts: map[string]string{"a.png": "no address here", "b.png": "mint " + solAddr, "c.png": evmAddr}}
	sink := newRecordingSink()
	e := newTestEngine(prov, seed(t, "w1"), sink, func(_ *Config, d *Deps) {
		d.OCR = reader
		d.Now = func() time.Time { return now }
	})

	done := runAsync(e)
	alert := waitAlert(t, sink)
	e.Stop()
	require.NoError(t, waitDone(t, done))

	assert.Contains(t, alert, solAddr+" (solana)")
	assert.NotContains(t, alert, evmAddr)
	assert.Equal(t, []string{"a.png", "b.png"}, reader.read, "the first image with an address wins")
	assert.Len(t, sink.to("alerts"), 1)
}

func TestMissingTargetStopsWithConfigError(t *testing.T) {
	sink := newRecordingSink()
	e := newTestEngine(&fakeProvider{}, seed(t, "w1"), sink, func(c *Config, _ *Deps) { c.Target = "" })

	err := e.Run(context.Background())
	var cfgErr watch.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "target", cfgErr.Field)
	assert.Equal(t, "stopped", e.Status().State)
	require.Len(t, sink.to("ops"), 1)
	assert.Contains(t, sink.to("ops")[0], "configuration problem")
}

func TestQuotaWithoutRequestsIsConfigError(t *testing.T) {
	prov := &fakeProvider{}
	sink := newRecordingSink()
	e := newTestEngine(prov, seed(t, "w1"), sink, func(c *Config, _ *Deps) {
		c.Quota = ratelimit.Quota{Window: time.Minute}
	})

	err := e.Run(context.Background())
	var cfgErr watch.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "quota", cfgErr.Field)
	assert.Zero(t, prov.resolves)
	assert.Contains(t, sink.to("ops")[0], "configuration problem")
}

func TestNoUsableSessionsExhaustsPool(t *testing.T) {
	prov := &fakeProvider{loginErr: map[string]error{
		"w1": errors.New("bad password"),
		"w2": watch.SuspensionError{Provider: "fake", Username: "w2"},
	}}
	e := newTestEngine(prov, seed(t, "w1", "w2"), newRecordingSink(), nil)

	err := e.Run(context.Background())
	assert.ErrorIs(t, err, watch.ErrPoolExhausted)
	assert.Equal(t, 0, prov.resolves)
}

func TestTargetResolutionFailureIsNotRetried(t *testing.T) {
	prov := &fakeProvider{resolveErr: errors.New("user not found")}
	sink := newRecordingSink()
	e := newTestEngine(prov, seed(t, "w1", "w2"), sink, nil)

	err := e.Run(context.Background())
	var tre watch.TargetResolutionError
	require.ErrorAs(t, err, &tre)
	assert.Equal(t, "dev", tre.Target)
	assert.Equal(t, 1, prov.resolves)
	assert.Empty(t, prov.calls())
	assert.Contains(t, sink.to("ops")[0], `target "dev" could not be found`)
}

func TestEveryWorkerRateLimitedExhaustsPool(t *testing.T) {
	prov := &fakeProvider{script: func(int, string) (watch.Window, error) {
		return nil, watch.RateLimitError{Provider: "fake"}
	}}
	accts := seed(t, "w1", "w2", "w3")
	e := newTestEngine(prov, accts, newRecordingSink(), nil)

	err := e.Run(context.Background())
	assert.ErrorIs(t, err, watch.ErrPoolExhausted)
	assert.Equal(t, []string{"w1", "w2", "w3"}, prov.calls())

	list, _ := accts.ListAccounts(context.Background(), "alice")
	for _, a := range list {
		assert.Equal(t, watch.HealthRateLimited, a.Health)
	}
}

func TestTransientErrorsAdvanceRotation(t *testing.T) {
	prov := &fakeProvider{script: func(n int, _ string) (watch.Window, error) {
		if n == 0 {
			return nil, errors.New("connection reset")
		}
		return nil, nil
	}}
	e := newTestEngine(prov, seed(t, "w1", "w2", "w3"), newRecordingSink(), nil)

	done := runAsync(e)
	require.Eventually(t, func() bool { return len(prov.calls()) >= 3 }, time.Second, 5*time.Millisecond)
	e.Stop()
	require.NoError(t, waitDone(t, done))

	calls := prov.calls()
	assert.Equal(t, []string{"w1", "w2", "w3"}, calls[:3], "a failed baseline moves on to the next worker")
	assert.Equal(t, 3, e.Status().InitialSize)
}

func TestStoredSuspensionIsNotRetried(t *testing.T) {
	prov := &fakeProvider{block: make(chan struct{}), script: func(int, string) (watch.Window, error) { return nil, nil }}
	defer close(prov.block)
	accts := seed(t, "w1", "w2")
	w2 := watch.AccountKey{Owner: "alice", Username: "w2"}
	require.NoError(t, accts.SetHealth(context.Background(), w2, watch.HealthSuspended))
	e := newTestEngine(prov, accts, newRecordingSink(), nil)

	done := runAsync(e)
	require.Eventually(t, func() bool { return e.Status().State == "running" }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"w1"}, e.Status().Workers)
	prov.mu.Lock()
	assert.Equal(t, []string{"w1"}, prov.logins)
	prov.mu.Unlock()

	list, err := accts.ListAccounts(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, watch.HealthSuspended, list[1].Health)

	e.Stop()
	prov.block <- struct{}{}
	require.NoError(t, waitDone(t, done))
}

func TestRevokedWorkerDuringResolveIsEvicted(t *testing.T) {
	prov := &fakeProvider{
		block:     make(chan struct{}),
		workerErr: map[string]error{"w1": watch.AuthError{Provider: "fake", Username: "w1", Err: errors.New("401 Unauthorized")}},
		script:    func(int, string) (watch.Window, error) { return nil, nil },
	}
	defer close(prov.block)
	e := newTestEngine(prov, seed(t, "w1", "w2"), newRecordingSink(), nil)

	done := runAsync(e)
	require.Eventually(t, func() bool { return e.Status().State == "running" }, time.Second, 5*time.Millisecond)
	st := e.Status()
	assert.Equal(t, []string{"w2"}, st.Workers)
	assert.True(t, st.Degraded)

	e.Stop()
	prov.block <- struct{}{}
	require.NoError(t, waitDone(t, done))
}

func TestStopBeforeRun(t *testing.T) {
	e := newTestEngine(&fakeProvider{}, seed(t, "w1"), newRecordingSink(), nil)
	e.Stop()
	assert.NoError(t, e.Run(context.Background()))
	assert.Equal(t, "stopped", e.Status().State)
	assert.ErrorIs(t, e.Run(context.Background()), ErrAlreadyRunning)
}
