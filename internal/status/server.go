// Package status serves a read-only diagnostics API over HTTP. It never
// mutates engine state; task lifecycle lives on chain and is outside this
// surface.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"slotwork/internal/chain"
	"slotwork/internal/clockwatch"
	"slotwork/internal/executor"
	"slotwork/internal/index"
	"slotwork/internal/ingest"
	"slotwork/internal/task"
	"slotwork/internal/trigger"
	"slotwork/pkg/logx"
)

type Config struct {
	Enabled bool
	Addr    string
	// Debug exposes pprof under /debug/pprof.
	Debug bool
}

type Server struct {
	cfg   Config
	log   logx.Logger
	http  *http.Server
	idx   *index.Index
	clk   *clockwatch.Tracker
	eng   *trigger.Engine
	exec  *executor.Service
	ing   *ingest.Service
	start time.Time
}

func New(cfg Config, log logx.Logger, idx *index.Index, clk *clockwatch.Tracker, exec *executor.Service, ing *ingest.Service) *Server {
	s := &Server{
		cfg:   cfg,
		log:   log.With(logx.String("component", "status")),
		idx:   idx,
		clk:   clk,
		eng:   trigger.NewEngine(idx),
		exec:  exec,
		ing:   ing,
		start: time.Now(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)

	r.Get("/health", s.health)
	r.Get("/status", s.status)
	r.Get("/tasks", s.listTasks)
	r.Get("/tasks/{id}", s.getTask)

	if cfg.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until ctx ends. Disabled servers park until cancellation so
// the supervisor treats them like any other unit.
func (s *Server) Run(ctx context.Context) error {
	if !s.cfg.Enabled {
		<-ctx.Done()
		return ctx.Err()
	}
	errCh := make(chan error, 1)
	go func() { errCh <- s.http.ListenAndServe() }()
	s.log.Info("status server listening", logx.String("addr", s.cfg.Addr))

	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.http.Shutdown(sctx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type statusResp struct {
	UptimeSeconds int64             `json:"uptime_seconds"`
	Tasks         int               `json:"tasks"`
	Clock         *clockResp        `json:"clock,omitempty"`
	Ingest        ingest.Counters   `json:"ingest"`
	Executor      executor.Snapshot `json:"executor"`
}

type clockResp struct {
	Slot          uint64 `json:"slot"`
	Epoch         uint64 `json:"epoch"`
	UnixTimestamp int64  `json:"unix_timestamp"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	resp := statusResp{
		UptimeSeconds: int64(time.Since(s.start).Seconds()),
		Tasks:         s.idx.Len(),
		Ingest:        s.ing.CountersNow(),
		Executor:      s.exec.SnapshotNow(),
	}
	if clk, ok := s.clk.Current(); ok {
		resp.Clock = &clockResp{Slot: clk.Slot, Epoch: clk.Epoch, UnixTimestamp: clk.UnixTimestamp}
	}
	writeJSON(w, http.StatusOK, resp)
}

type taskSummary struct {
	ID           string `json:"id"`
	Trigger      string `json:"trigger"`
	Schedule     string `json:"schedule,omitempty"`
	Paused       bool   `json:"paused"`
	Due          bool   `json:"due"`
	ObservedSlot uint64 `json:"observed_slot"`
	LastExecAt   int64  `json:"last_exec_at,omitempty"`
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	clk, haveClock := s.clk.Current()
	out := make([]taskSummary, 0, s.idx.Len())
	s.idx.ForEach(func(t *task.Task) bool {
		sum := taskSummary{
			ID:           t.ID.String(),
			Trigger:      t.Trigger.Kind.String(),
			Schedule:     t.Trigger.Schedule,
			Paused:       t.Paused,
			ObservedSlot: t.ObservedSlot,
			LastExecAt:   t.LastExecAt(),
		}
		if haveClock {
			sum.Due = s.eng.IsDue(t, clk).Due
		}
		out = append(out, sum)
		return true
	})
	writeJSON(w, http.StatusOK, out)
}

type taskDetail struct {
	taskSummary
	Authority   string `json:"authority"`
	CreatedAt   int64  `json:"created_at"`
	CreatedSlot uint64 `json:"created_slot"`
	RateLimit   uint64 `json:"rate_limit,omitempty"`
	Fee         uint64 `json:"fee,omitempty"`
	Watched     string `json:"watched,omitempty"`
	DueAt       string `json:"due_at,omitempty"`
	TriggerErr  string `json:"trigger_err,omitempty"`
	MidSequence bool   `json:"mid_sequence"`
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id, err := chain.ParsePubkey(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "bad task id", http.StatusBadRequest)
		return
	}
	t, ok := s.idx.Get(id)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	d := taskDetail{
		taskSummary: taskSummary{
			ID:           t.ID.String(),
			Trigger:      t.Trigger.Kind.String(),
			Schedule:     t.Trigger.Schedule,
			Paused:       t.Paused,
			ObservedSlot: t.ObservedSlot,
			LastExecAt:   t.LastExecAt(),
		},
		Authority:   t.Authority.String(),
		CreatedAt:   t.CreatedAt,
		CreatedSlot: t.CreatedSlot,
		RateLimit:   t.RateLimit,
		Fee:         t.Fee,
		MidSequence: t.NextInstruction != nil,
	}
	if t.Trigger.Kind == task.TriggerAccount {
		d.Watched = t.Trigger.Watched.String()
	}
	if clk, haveClock := s.clk.Current(); haveClock {
		dec := s.eng.IsDue(t, clk)
		d.Due = dec.Due
		if !dec.DueAt.IsZero() {
			d.DueAt = dec.DueAt.UTC().Format(time.RFC3339)
		}
		if dec.Err != nil {
			d.TriggerErr = dec.Err.Error()
		}
	}
	writeJSON(w, http.StatusOK, d)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
