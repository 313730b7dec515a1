// Package api is the HTTP control surface: start, stop and inspect the
// monitoring job of an owner.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/blacktop/cawatch/internal/engine"
	"github.com/blacktop/cawatch/internal/metrics"
	"github.com/blacktop/cawatch/internal/watch"
)

const maxRequestBodySize = 64 << 10

// Controller is the subset of engine.Manager the API drives.
type Controller interface {
	Start(ctx context.Context, owner string, req engine.Request) (string, error)
	Stop(owner string) (string, error)
	Status(owner string) (engine.Status, bool)
	Running() []string
}

type Deps struct {
	Jobs    Controller
	Metrics *metrics.Metrics
	// Token guards every /jobs route. Empty disables authentication.
	Token string
}

// StartRequest overrides the configured job. Interval is in seconds.
type StartRequest struct {
	Target   string  `json:"target,omitempty"`
	Interval float64 `json:"interval,omitempty"`
	Platform string  `json:"platform,omitempty"`
}

// Reply is the body of start and stop responses.
type Reply struct {
	Owner   string `json:"owner"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())

	r.Route("/jobs", func(r chi.Router) {
		r.Use(requireToken(deps.Token))
		r.Get("/", handleList(deps))
		r.Get("/{owner}", handleStatus(deps))
		r.Post("/{owner}/start", handleStart(deps))
		r.Post("/{owner}/stop", handleStop(deps))
	})
	return r
}

func handleList(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string][]string{"running": deps.Jobs.Running()})
	}
}

func handleStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner := chi.URLParam(r, "owner")
		st, ok := deps.Jobs.Status(owner)
		if !ok {
			httpError(w, http.StatusNotFound, "not_found_error", "no job has run for %s", owner)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func handleStart(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner := chi.URLParam(r, "owner")
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req StartRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
				return
			}
		}
		if req.Interval < 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "interval must be positive")
			return
		}

		msg, err := deps.Jobs.Start(r.Context(), owner, engine.Request{
			Target:   req.Target,
			Interval: time.Duration(req.Interval * float64(time.Second)),
			Platform: req.Platform,
		})
		if err != nil {
			var cfgErr watch.ConfigError
			if errors.As(err, &cfgErr) {
				httpError(w, http.StatusBadRequest, "config_error", "%v", err)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "start %s: %v", owner, err)
			return
		}
		writeJSON(w, http.StatusOK, Reply{Owner: owner, Message: msg})
	}
}

func handleStop(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner := chi.URLParam(r, "owner")
		msg, err := deps.Jobs.Stop(owner)
		if err != nil {
			code := http.StatusInternalServerError
			if errors.Is(err, engine.ErrStopTimeout) {
				code = http.StatusAccepted
			}
			writeJSON(w, code, Reply{Owner: owner, Message: msg, Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, Reply{Owner: owner, Message: msg})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
