package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/dealerscope/internal/model"
	"github.com/sells-group/dealerscope/internal/orchestrator"
	"github.com/sells-group/dealerscope/internal/store"
)

var (
	servePort     int
	serveInterval time.Duration
)

// runner is the orchestrator surface the control server drives.
type runner interface {
	Start(ctx context.Context, siteIDs []string) (*orchestrator.Summary, error)
	Stop() bool
	State() orchestrator.State
	LastSummary() (orchestrator.Summary, bool)
}

// budgetReporter exposes the live per-site budgets.
type budgetReporter interface {
	Snapshot() []model.SiteBudget
}

// server holds the collaborators behind the HTTP routes. Any of them may be
// nil in tests; the affected routes then answer 503.
type server struct {
	http.Handler

	ctx     context.Context
	runs    runner
	budgets budgetReporter
	opps    store.OpportunityStore

	inflight sync.WaitGroup
}

// goRun runs fn in a tracked goroutine so shutdown can wait for it.
func (s *server) goRun(fn func()) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		fn()
	}()
}

// Wait blocks until every run started through the server has returned.
func (s *server) Wait() {
	s.inflight.Wait()
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the control server",
	Long: `Serves health, run control, budget and opportunity endpoints. With
--interval a scrape run is also started on that schedule, followed by a
retention purge.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initApp(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		api := buildRouter(ctx, env.Orchestrator, env.Budget, env.Store, cfg.Server.AllowedOrigins)

		if serveInterval > 0 {
			api.goRun(func() {
				schedule(ctx, serveInterval, func(ctx context.Context) {
					if _, err := env.Orchestrator.Start(ctx, nil); err != nil {
						zap.L().Warn("scheduled run skipped", zap.Error(err))
						return
					}
					if ctx.Err() != nil {
						return
					}
					if _, err := env.Purger.Purge(ctx); err != nil {
						zap.L().Warn("scheduled retention purge failed", zap.Error(err))
					}
				})
			})
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           api,
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown: runs stop at their next batch boundary and the
		// store stays open until they return.
		shutdownDone := make(chan struct{})
		go func() {
			defer close(shutdownDone)
			<-ctx.Done()
			zap.L().Info("shutting down server")
			env.Orchestrator.Stop()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port), zap.Duration("interval", serveInterval))
		serveErr := srv.ListenAndServe()
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			stop()
		}
		<-shutdownDone
		api.Wait()
		zap.L().Info("in-flight runs finished")

		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			return eris.Wrap(serveErr, "server listen")
		}
		return nil
	},
}

// schedule calls fn every interval until ctx is done.
func schedule(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn(ctx)
		}
	}
}

// buildRouter wires the control routes. Runs started over HTTP outlive the
// request and are bound to ctx; Wait blocks until they return.
func buildRouter(ctx context.Context, runs runner, budgets budgetReporter, opps store.OpportunityStore, origins []string) *server {
	s := &server{ctx: ctx, runs: runs, budgets: budgets, opps: opps}

	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	r.Post("/runs", s.startRun)
	r.Post("/runs/stop", s.stopRun)
	r.Get("/runs/last", s.lastRun)
	r.Get("/budgets", s.listBudgets)
	r.Get("/opportunities", s.listOpportunities)
	s.Handler = r
	return s
}

func (s *server) health(w http.ResponseWriter, _ *http.Request) {
	body := map[string]string{"status": "ok"}
	if s.runs != nil {
		body["state"] = string(s.runs.State())
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *server) startRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "orchestrator not configured")
		return
	}
	var req struct {
		Sites []string `json:"sites"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if s.runs.State() != orchestrator.StateIdle {
		writeError(w, http.StatusConflict, "run already in progress")
		return
	}

	s.goRun(func() {
		summary, err := s.runs.Start(s.ctx, req.Sites)
		if err != nil {
			zap.L().Warn("http-triggered run failed", zap.Error(err))
			return
		}
		zap.L().Info("http-triggered run complete",
			zap.String("run_id", summary.RunID),
			zap.Int("successful", summary.SuccessfulSites),
		)
	})

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "accepted",
		"sites":  req.Sites,
	})
}

func (s *server) stopRun(w http.ResponseWriter, _ *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "orchestrator not configured")
		return
	}
	if !s.runs.Stop() {
		writeError(w, http.StatusConflict, "no run in progress")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

func (s *server) lastRun(w http.ResponseWriter, _ *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "orchestrator not configured")
		return
	}
	summary, ok := s.runs.LastSummary()
	if !ok {
		writeError(w, http.StatusNotFound, "no completed run")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *server) listBudgets(w http.ResponseWriter, _ *http.Request) {
	if s.budgets == nil {
		writeError(w, http.StatusServiceUnavailable, "budgets not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.budgets.Snapshot())
}

func (s *server) listOpportunities(w http.ResponseWriter, r *http.Request) {
	if s.opps == nil {
		writeError(w, http.StatusServiceUnavailable, "store not configured")
		return
	}
	q := r.URL.Query()
	filter := store.OpportunityFilter{
		Status:     model.OpportunityStatus(q.Get("status")),
		ActiveOnly: q.Get("all") != "true",
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}

	opps, err := s.opps.ListOpportunities(r.Context(), filter)
	if err != nil {
		zap.L().Error("list opportunities failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list opportunities failed")
		return
	}
	if opps == nil {
		opps = []model.Opportunity{}
	}
	writeJSON(w, http.StatusOK, opps)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().DurationVar(&serveInterval, "interval", 0, "start a scrape run on this schedule (0 disables)")
	rootCmd.AddCommand(serveCmd)
}
