package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/blacktop/cawatch/internal/config"
	"github.com/blacktop/cawatch/internal/engine"
	"github.com/blacktop/cawatch/internal/logutil"
	"github.com/blacktop/cawatch/internal/metrics"
	"github.com/blacktop/cawatch/internal/notify"
	"github.com/blacktop/cawatch/internal/ocr"
	"github.com/blacktop/cawatch/internal/source"
	"github.com/blacktop/cawatch/internal/store"
	"github.com/blacktop/cawatch/internal/watch"
)

const operatorTimeout = 15 * time.Second

// app holds the long-lived collaborators shared by every job.
type app struct {
	cfg     *config.Config
	jobs    config.JobSource
	backend *store.Backend
	metrics *metrics.Metrics
	sink    notify.Sink
	ocr     ocr.Reader
}

func newApp(ctx context.Context, cfg *config.Config, simulate bool, out io.Writer) (*app, error) {
	sink, err := buildSinks(cfg, cfg.Notify.Sinks, simulate, out)
	if err != nil {
		return nil, err
	}
	reader, err := buildOCR(cfg)
	if err != nil {
		return nil, err
	}
	backend, err := store.Open(ctx, cfg.StoreOptions())
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	return &app{
		cfg:     cfg,
		jobs:    cfg,
		backend: backend,
		metrics: metrics.New(),
		sink:    sink,
		ocr:     reader,
	}, nil
}

func (a *app) Close() error { return a.backend.Close() }

func buildOCR(cfg *config.Config) (ocr.Reader, error) {
	if !cfg.OCR.Enabled {
		return ocr.Nop{}, nil
	}
	if cfg.OCR.APIKey == "" {
		return ocr.FromEnv()
	}
	return ocr.New(ocr.Config{
		APIKey:   cfg.OCR.APIKey,
		Endpoint: cfg.OCR.Endpoint,
		Language: cfg.OCR.Language,
	})
}

// newEngine is the engine.Factory: it resolves the owner's job and wires a
// provider for its platform. Failures are also sent to the job's operator
// destination when one is configured.
func (a *app) newEngine(ctx context.Context, owner string, req engine.Request) (*engine.Engine, error) {
	eng, err := a.buildEngine(owner, req)
	if err != nil {
		a.reportStartFailure(ctx, owner, err)
		return nil, err
	}
	return eng, nil
}

func (a *app) reportStartFailure(ctx context.Context, owner string, cause error) {
	job, _ := a.jobs.Job(owner)
	dest := job.Operator
	if dest == "" {
		dest = job.Notify
	}
	logger := logutil.With("job", owner)
	logger.Error("job not started", "err", cause)
	if dest == "" || a.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), operatorTimeout)
	defer cancel()
	if err := a.sink.Deliver(ctx, dest, fmt.Sprintf("Monitoring for %s not started: %v", owner, cause)); err != nil {
		logger.Warn("operator notification failed", "err", err)
	}
}

func (a *app) buildEngine(owner string, req engine.Request) (*engine.Engine, error) {
	job, err := config.Resolve(a.jobs, owner, req.Target, req.Interval, req.Platform)
	if err != nil {
		return nil, err
	}
	platform, err := watch.ParsePlatform(job.Platform)
	if err != nil {
		return nil, err
	}
	provider, err := source.New(platform, job.Provider, a.cfg.SourceOptions())
	if err != nil {
		return nil, err
	}
	return engine.New(engine.Config{
		Owner:       owner,
		Target:      job.Target,
		Platform:    platform,
		Interval:    job.Interval.Std(),
		Quota:       a.cfg.RateQuota(),
		Staleness:   a.cfg.Staleness.Std(),
		JitterMax:   a.cfg.Jitter.Std(),
		Destination: job.Notify,
		Operator:    job.Operator,
	}, engine.Deps{
		Provider: provider,
		Sessions: a.backend.Sessions,
		Accounts: a.backend.Accounts,
		Sink:     a.sink,
		OCR:      a.ocr,
		Metrics:  a.metrics,
	}), nil
}
