package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quantlayer/perpbt/internal/artifacts"
	"github.com/quantlayer/perpbt/internal/exchange"
	"github.com/quantlayer/perpbt/internal/rationalizer"
	"github.com/quantlayer/perpbt/internal/runner"
	"github.com/quantlayer/perpbt/pkg/play"
	"github.com/quantlayer/perpbt/pkg/types"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// ServerConfig parameterizes the HTTP/WebSocket server.
type ServerConfig struct {
	Host          string
	Port          int
	WebSocketPath string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	OutputDir     string
}

// RunState tracks one submitted backtest run.
type RunState struct {
	ID       string          `json:"id"`
	PlayID   string          `json:"play_id"`
	Status   string          `json:"status"` // running | finished | failed
	Started  time.Time       `json:"started"`
	Error    string          `json:"error,omitempty"`
	Outcome  *runner.Outcome `json:"-"`
	cancelFn context.CancelFunc
}

// RunRequest is the POST /backtest/run body.
type RunRequest struct {
	PlayYAML string `json:"play_yaml"`
	Start    string `json:"start"`
	End      string `json:"end"`
}

// Server is the HTTP/WebSocket API server over a shared Runner.
type Server struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	config     ServerConfig
	router     *mux.Router
	httpServer *http.Server
	hub        *Hub
	runner     *runner.Runner
	runs       map[string]*RunState

	runsStarted  prometheus.Counter
	runsFinished prometheus.Counter
	runsFailed   prometheus.Counter
	barsTotal    prometheus.Counter
}

// NewServer creates the API server. The hub must be Run() by the caller.
func NewServer(logger *zap.Logger, config ServerConfig, r *runner.Runner, hub *Hub) *Server {
	s := &Server{
		logger: logger,
		config: config,
		router: mux.NewRouter(),
		hub:    hub,
		runner: r,
		runs:   make(map[string]*RunState),
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perpbt_runs_started_total", Help: "Backtest runs submitted.",
		}),
		runsFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perpbt_runs_finished_total", Help: "Backtest runs finished successfully.",
		}),
		runsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perpbt_runs_failed_total", Help: "Backtest runs that errored.",
		}),
		barsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perpbt_bars_processed_total", Help: "Bars processed across all runs.",
		}),
	}
	prometheus.MustRegister(s.runsStarted, s.runsFinished, s.runsFailed, s.barsTotal)
	s.setupRoutes()
	return s
}

// Router exposes the mux for additional route registration.
func (s *Server) Router() *mux.Router { return s.router }

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/api/v1/backtest/run", s.handleRunBacktest).Methods("POST")
	s.router.HandleFunc("/api/v1/backtest/{id}", s.handleGetRun).Methods("GET")
	s.router.HandleFunc("/api/v1/backtest/{id}/cancel", s.handleCancelRun).Methods("POST")
	s.router.HandleFunc("/api/v1/backtest/compare", s.handleCompare).Methods("POST")
	s.router.Handle("/metrics", promhttp.Handler())
	s.router.HandleFunc(s.config.WebSocketPath, s.hub.ServeWS)
}

// Start starts the HTTP server (blocking).
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	s.logger.Info("starting API server", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server, cancelling any running backtests.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for _, run := range s.runs {
		if run.Status == "running" && run.cancelFn != nil {
			run.cancelFn()
		}
	}
	s.mu.Unlock()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "time": time.Now().Unix()})
}

func (s *Server) handleRunBacktest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	var req RunRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "parse body: "+err.Error())
		return
	}

	p, err := play.Load([]byte(req.PlayYAML))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	start, err := time.Parse(time.RFC3339, req.Start)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad start: "+err.Error())
		return
	}
	end, err := time.Parse(time.RFC3339, req.End)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad end: "+err.Error())
		return
	}

	runID := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	state := &RunState{
		ID:       runID,
		PlayID:   p.ID,
		Status:   "running",
		Started:  time.Now(),
		cancelFn: cancel,
	}
	s.mu.Lock()
	s.runs[runID] = state
	s.mu.Unlock()
	s.runsStarted.Inc()

	s.hub.PublishToChannel("runs:"+runID, MsgTypeRunStarted, state)

	go s.executeRun(ctx, state, p, start, end)

	writeJSON(w, http.StatusAccepted, map[string]string{"id": runID, "channel": "runs:" + runID})
}

func (s *Server) executeRun(ctx context.Context, state *RunState, p *play.Play, start, end time.Time) {
	channel := "runs:" + state.ID

	outcome, err := s.runner.Run(ctx, p, runner.Options{
		OutputDir:   s.config.OutputDir,
		WindowStart: start,
		WindowEnd:   end,
		WarmupBars:  50,
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		state.Status = "failed"
		state.Error = err.Error()
		s.runsFailed.Inc()
		s.hub.PublishToChannel(channel, MsgTypeError, map[string]string{"error": err.Error()})
		s.logger.Error("run failed", zap.String("run_id", state.ID), zap.Error(err))
		return
	}
	state.Status = "finished"
	state.Outcome = &outcome
	s.runsFinished.Inc()
	s.barsTotal.Add(float64(outcome.Result.BarsProcessed))

	s.hub.PublishToChannel(channel, MsgTypeRunFinished, map[string]any{
		"run_hash":    outcome.RunHash,
		"run_dir":     outcome.RunDir,
		"stop_reason": outcome.Result.StopReason,
		"trades":      len(outcome.Result.Trades),
	})
}

// StreamStep returns an engine step handler that publishes fills, closed
// trades, liquidations and periodic progress to the run channel. executeRun
// does not attach it (runner.Options has no step-handler field), so API runs
// publish only run_started, run_finished and error frames.
func (s *Server) StreamStep(runID string) func(int64, types.Bar, exchange.StepResult, rationalizer.RationalizedState) {
	channel := "runs:" + runID
	return func(barIdx int64, bar types.Bar, step exchange.StepResult, _ rationalizer.RationalizedState) {
		for _, fill := range step.Fills {
			s.hub.PublishToChannel(channel, MsgTypeFill, fill)
		}
		if step.ClosedTrade != nil {
			s.hub.PublishToChannel(channel, MsgTypeTradeClosed, step.ClosedTrade)
		}
		if step.LiquidationEvent != nil {
			s.hub.PublishToChannel(channel, MsgTypeLiquidation, step.LiquidationEvent)
		}
		if barIdx%500 == 0 {
			s.hub.PublishToChannel(channel, MsgTypeProgress, map[string]any{
				"bar_idx": barIdx,
				"ts_ms":   bar.TsClose.UnixMilli(),
				"equity":  step.Ledger.Equity.String(),
			})
		}
	}
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.mu.RLock()
	state, ok := s.runs[id]
	s.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, "no such run: "+id)
		return
	}

	resp := map[string]any{
		"id":      state.ID,
		"play_id": state.PlayID,
		"status":  state.Status,
		"started": state.Started,
	}
	if state.Error != "" {
		resp["error"] = state.Error
	}
	if state.Outcome != nil {
		resp["run_hash"] = state.Outcome.RunHash
		resp["run_dir"] = state.Outcome.RunDir
		resp["stop_reason"] = state.Outcome.Result.StopReason
		resp["trades"] = len(state.Outcome.Result.Trades)
		resp["final_equity"] = state.Outcome.Result.FinalLedger.Equity.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	state, ok := s.runs[id]
	if ok && state.Status == "running" && state.cancelFn != nil {
		state.cancelFn()
	}
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "no such run: "+id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "cancelling"})
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DirA string `json:"dir_a"`
		DirB string `json:"dir_b"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cmp, err := artifacts.CompareRuns(req.DirA, req.DirB)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cmp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
