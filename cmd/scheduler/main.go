package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/vyvo/modulebuild/pkg/auth"
	"github.com/vyvo/modulebuild/pkg/build"
	"github.com/vyvo/modulebuild/pkg/config"
	"github.com/vyvo/modulebuild/pkg/events"
	"github.com/vyvo/modulebuild/pkg/gateway"
	"github.com/vyvo/modulebuild/pkg/modulemd"
	"github.com/vyvo/modulebuild/pkg/pipeline"
	"github.com/vyvo/modulebuild/pkg/reconciler"
	"github.com/vyvo/modulebuild/pkg/telemetry"
)

type server struct {
	store  build.Store
	pub    events.Publisher
	apiKey string
	logger *slog.Logger
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("configuration failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer := telemetry.InitTracer(ctx, "module-build-scheduler", logger)
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("tracer shutdown failed", "error", err)
		}
	}()

	var store build.Store
	if cfg.DatabaseURL != "" {
		pg, err := build.NewPostgresStore(cfg.DatabaseURL)
		if err != nil {
			logger.Error("postgres init failed", "error", err)
			os.Exit(1)
		}
		store = pg
	} else {
		logger.Warn("no database configured, using in-memory store")
		store = build.NewMemStore()
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("store close failed", "error", err)
		}
	}()

	queue, err := events.NewRedisQueue(cfg.RedisURL)
	if err != nil {
		logger.Error("redis init failed", "error", err)
		os.Exit(1)
	}
	defer queue.Close()

	gw := gateway.NewHTTPGateway(cfg.GatewayURL)
	resolver := gateway.NewRetryingResolver(gw, cfg.ResolverAttempts, cfg.ResolverBackoff, logger)
	var gating gateway.Gating
	if cfg.GatingEnabled {
		gating = gw
	}

	pipe := pipeline.New(store, gw, resolver, gating, queue, pipeline.Options{
		DefaultArches:           cfg.DefaultArches,
		DefaultComponentRef:     cfg.DefaultComponentRef,
		BaseBuildrootTag:        cfg.BaseBuildrootTag,
		BaseModuleNames:         cfg.BaseModuleNames,
		CGDefaultModule:         cfg.CGDefaultModule,
		NumConcurrentComponents: cfg.NumConcurrentComponents,
	}, logger)

	workers := events.NewWorkers(queue, pipe, cfg.WorkerCount, logger)
	workers.Start(ctx)

	rec := reconciler.New(store, gw, queue, pipe, reconcilerConfig(cfg.Reconciler), logger)
	rec.Start(ctx)

	srv := &server{store: store, pub: queue, apiKey: cfg.APIKey, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(srv.requireKey)

	r.Route("/api/module-builds", func(r chi.Router) {
		r.Post("/", srv.handleSubmit)
		r.Get("/", srv.handleList)
		r.Route("/{buildID}", func(r chi.Router) {
			r.Get("/", srv.handleGet)
			r.Post("/cancel", srv.handleCancel)
			r.Post("/retry", srv.handleRetry)
		})
	})

	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: r}
	go func() {
		logger.Info("module build scheduler listening", "addr", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	rec.Stop()
	workers.Stop()
}

func reconcilerConfig(rc config.ReconcilerConfig) reconciler.Config {
	states := make([]build.State, 0, len(rc.StuckStates))
	for _, s := range rc.StuckStates {
		states = append(states, build.State(s))
	}
	return reconciler.Config{
		NudgeInterval:          rc.NudgeInterval,
		NudgeThreshold:         rc.NudgeThreshold,
		ComponentSweepInterval: rc.ComponentSweepInterval,
		ResumeInterval:         rc.ResumeInterval,
		ResumeThreshold:        rc.ResumeThreshold,
		RepoRegenInterval:      rc.RepoRegenInterval,
		TargetSweepInterval:    rc.TargetSweepInterval,
		TargetRetention:        rc.TargetRetention,
		AllowedTargetPrefixes:  rc.AllowedTargetPrefixes,
		FailureCleanupInterval: rc.FailureCleanupInterval,
		FailureRetention:       rc.FailureRetention,
		StuckInterval:          rc.StuckInterval,
		StuckStates:            states,
		StuckLimit:             rc.StuckLimit,
		TagSyncInterval:        rc.TagSyncInterval,
		TagSyncThreshold:       rc.TagSyncThreshold,
		GatingInterval:         rc.GatingInterval,
	}
}

// requireKey guards the API when an api_key is configured.
func (s *server) requireKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		key, err := auth.ExtractKey(r)
		if err != nil {
			respondError(w, http.StatusUnauthorized, err.Error())
			return
		}
		if key != s.apiKey {
			respondError(w, http.StatusForbidden, "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type submitRequest struct {
	Modulemd string `json:"modulemd"`
	Version  string `json:"version"`
	Context  string `json:"context"`
	Scratch  bool   `json:"scratch"`
}

func (s *server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		respondError(w, http.StatusBadRequest, "unreadable request body")
		return
	}

	var payload submitRequest
	if err := json.Unmarshal(raw, &payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if payload.Modulemd == "" {
		respondError(w, http.StatusBadRequest, "modulemd is required")
		return
	}

	// Name and stream come from the document; full validation and
	// normalization happen in the init handler.
	doc, err := modulemd.Parse([]byte(payload.Modulemd))
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid module stream document: %v", err))
		return
	}
	if doc.Data.Name == "" || doc.Data.Stream == "" {
		respondError(w, http.StatusBadRequest, "module stream document must declare name and stream")
		return
	}

	version := payload.Version
	if version == "" {
		version = fmt.Sprintf("%d", time.Now().UTC().Unix())
	}
	moduleContext := payload.Context
	if moduleContext == "" {
		moduleContext = "00000000"
	}

	mb := &build.ModuleBuild{
		ID:           uuid.NewString(),
		Name:         doc.Data.Name,
		Stream:       doc.Data.Stream,
		Version:      version,
		Context:      moduleContext,
		State:        build.StateInit,
		FailureType:  build.FailureNone,
		Scratch:      payload.Scratch,
		Modulemd:     payload.Modulemd,
		TimeModified: time.Now().UTC(),
	}
	if err := s.store.CreateBuild(r.Context(), mb); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.pub.Publish(r.Context(), events.New(events.TypeInitRequested, mb.ID, build.StateInit)); err != nil {
		s.logger.Error("publishing init event", "build_id", mb.ID, "error", err)
	}
	respondJSON(w, map[string]any{"build": mb}, http.StatusAccepted)
}

func (s *server) handleList(w http.ResponseWriter, r *http.Request) {
	var states []build.State
	if raw := r.URL.Query().Get("state"); raw != "" {
		states = append(states, build.State(raw))
	}
	builds, err := s.store.ListBuilds(r.Context(), states...)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, map[string]any{"builds": builds}, http.StatusOK)
}

func (s *server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "buildID")
	mb, err := s.store.GetBuild(r.Context(), id)
	if errors.Is(err, build.ErrNotFound) {
		respondError(w, http.StatusNotFound, "module build not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	components, err := s.store.ComponentsForBuild(r.Context(), mb.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, map[string]any{"build": mb, "components": components}, http.StatusOK)
}

// handleCancel drives the build to failed; the cleanup itself happens in
// the failure handler picked up by the worker pool.
func (s *server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "buildID")
	mb, err := s.store.GetBuild(r.Context(), id)
	if errors.Is(err, build.ErrNotFound) {
		respondError(w, http.StatusNotFound, "module build not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	reason := "canceled by user request"
	if !mb.Fail(build.FailureUser, reason) {
		respondError(w, http.StatusConflict, fmt.Sprintf("build is already %s", mb.State))
		return
	}
	if err := s.store.SaveBuild(r.Context(), mb); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	ev := events.New(events.TypeBuildFailed, mb.ID, build.StateFailed)
	ev.Reason = reason
	ev.FailureType = build.FailureUser
	if err := s.pub.Publish(r.Context(), ev); err != nil {
		s.logger.Error("publishing cancel event", "build_id", mb.ID, "error", err)
	}
	respondJSON(w, map[string]any{"build": mb}, http.StatusOK)
}

// handleRetry re-enters a failed build at init so the pipeline runs it
// again, typically after an infrastructure outage.
func (s *server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "buildID")
	mb, err := s.store.GetBuild(r.Context(), id)
	if errors.Is(err, build.ErrNotFound) {
		respondError(w, http.StatusNotFound, "module build not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if !mb.Retry("retried by user request") {
		respondError(w, http.StatusConflict, fmt.Sprintf("only failed builds can be retried, build is %s", mb.State))
		return
	}
	if err := s.store.SaveBuild(r.Context(), mb); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.pub.Publish(r.Context(), events.New(events.TypeInitRequested, mb.ID, build.StateInit)); err != nil {
		s.logger.Error("publishing retry event", "build_id", mb.ID, "error", err)
	}
	respondJSON(w, map[string]any{"build": mb}, http.StatusOK)
}

func respondJSON(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, map[string]string{"error": message}, status)
}
