package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blacktop/cawatch/internal/api"
	"github.com/blacktop/cawatch/internal/engine"
	"github.com/blacktop/cawatch/internal/logutil"
	"github.com/spf13/cobra"
)

var (
	serveAddr   string
	serveStart  []string
	serveDryRun bool
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control API and the monitoring jobs",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides api.addr)")
	cmd.Flags().StringSliceVar(&serveStart, "start", nil, "Owners whose jobs start immediately")
	cmd.Flags().BoolVar(&serveDryRun, "dry-run", false, "Print alerts instead of sending them")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.API.Addr = serveAddr
	}

	a, err := newApp(ctx, cfg, serveDryRun, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer a.Close()

	mgr := engine.NewManager(a.newEngine, cfg.StopTimeout.Std())
	for _, owner := range serveStart {
		msg, err := mgr.Start(ctx, owner, engine.Request{})
		if err != nil {
			logutil.Errorf("start %s: %v", owner, err)
			continue
		}
		logutil.Infof("job %s: %s", owner, msg)
	}

	if cfg.API.Token == "" {
		logutil.Warnf("api.token is not set; the control API is unauthenticated")
	}
	srv := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           api.NewHandler(api.Deps{Jobs: mgr, Metrics: a.metrics, Token: cfg.API.Token}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logutil.Infof("control API listening on %s", cfg.API.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logutil.Infof("shutting down...")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logutil.Warnf("http shutdown: %v", err)
	}
	if err := mgr.StopAll(); err != nil {
		logutil.Warnf("stop jobs: %v", err)
	}
	return serveErr
}
