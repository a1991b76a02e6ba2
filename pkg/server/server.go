// Package server exposes the engine over HTTP: server-sent event streams
// for each monitor scope, control endpoints for queueing and aborting
// runs, and artifact retrieval.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyvo/laminar/pkg/engine"
)

// Server handles client connections and turns them into engine clients
// and waiters.
type Server struct {
	engine *engine.Engine
	log    *slog.Logger
	tracer trace.Tracer
}

func New(e *engine.Engine, log *slog.Logger) *Server {
	return &Server{
		engine: e,
		log:    log,
		tracer: otel.Tracer("laminar/server"),
	}
}

// Router builds the HTTP routing table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
	}))

	r.Get("/", s.handleStream(func(*http.Request) engine.MonitorScope {
		return engine.MonitorScope{Type: engine.ScopeHome}
	}))
	r.Get("/jobs", s.handleStream(func(*http.Request) engine.MonitorScope {
		return engine.MonitorScope{Type: engine.ScopeAll}
	}))
	r.Get("/jobs/{name}", s.handleStream(jobScope))
	r.Get("/jobs/{name}/{number}", s.handleStream(runScope))
	r.Get("/log/{name}/{number}", s.handleLog)

	r.Post("/queue/{name}", s.handleQueue)
	r.Post("/start/{name}", s.handleStart)
	r.Post("/run/{name}", s.handleRun)
	r.Post("/jobs/{name}/{number}/param", s.handleSetParam)
	r.Post("/jobs/{name}/{number}/abort", s.handleAbort)

	r.Get("/archive/*", s.handleArtefact)
	r.Get("/custom/style.css", s.handleCustomCss)

	return r
}

// logRequests emits one structured log line per request.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func jobScope(r *http.Request) engine.MonitorScope {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	if page < 0 {
		page = 0
	}
	field := q.Get("field")
	if field == "" {
		field = "number"
	}
	return engine.MonitorScope{
		Type:      engine.ScopeJob,
		Job:       chi.URLParam(r, "name"),
		Page:      page,
		Field:     field,
		OrderDesc: q.Get("order") != "asc",
	}
}

func runScope(r *http.Request) engine.MonitorScope {
	number, _ := strconv.Atoi(chi.URLParam(r, "number"))
	return engine.MonitorScope{
		Type: engine.ScopeRun,
		Job:  chi.URLParam(r, "name"),
		Num:  number,
	}
}

// handleStream attaches an SSE client with the scope derived from the
// request and relays engine messages until the connection closes.
func (s *Server) handleStream(scopeOf func(*http.Request) engine.MonitorScope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			respondError(w, http.StatusInternalServerError, "streaming unsupported")
			return
		}

		client := newSSEClient(scopeOf(r))
		s.engine.RegisterClient(client)
		s.log.Debug("client attached", "client", client.id, "path", r.URL.Path)
		defer func() {
			s.engine.DeregisterClient(client)
			s.log.Debug("client detached", "client", client.id, "path", r.URL.Path)
		}()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		done := r.Context().Done()
		for {
			select {
			case <-done:
				return
			case msg := <-client.ch:
				fmt.Fprintf(w, "data: %s\n\n", msg)
				flusher.Flush()
			}
		}
	}
}

// handleLog streams a run's combined output as plain text: the
// accumulated buffer first, live chunks after.
func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	number, _ := strconv.Atoi(chi.URLParam(r, "number"))
	client := newSSEClient(engine.MonitorScope{
		Type: engine.ScopeLog,
		Job:  chi.URLParam(r, "name"),
		Num:  number,
	})
	s.engine.RegisterClient(client)
	s.log.Debug("log client attached", "client", client.id, "job", client.scope.Job, "number", client.scope.Num)
	defer func() {
		s.engine.DeregisterClient(client)
		s.log.Debug("log client detached", "client", client.id)
	}()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	done := r.Context().Done()
	for {
		select {
		case <-done:
			return
		case msg := <-client.ch:
			if _, err := w.Write(msg); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	_, span := s.tracer.Start(r.Context(), "queue_job")
	span.SetAttributes(attribute.String("job", name))
	defer span.End()

	params, ok := decodeParams(w, r)
	if !ok {
		return
	}
	run, err := s.engine.QueueJob(name, params)
	if err != nil {
		s.respondQueueError(w, name, err)
		return
	}
	respondJSON(w, map[string]any{"name": run.Name}, http.StatusOK)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	_, span := s.tracer.Start(r.Context(), "start_job")
	span.SetAttributes(attribute.String("job", name))
	defer span.End()

	params, ok := decodeParams(w, r)
	if !ok {
		return
	}
	run, err := s.engine.QueueJob(name, params)
	if err != nil {
		s.respondQueueError(w, name, err)
		return
	}
	select {
	case <-run.Started():
		respondJSON(w, map[string]any{"name": run.Name, "number": run.Build}, http.StatusOK)
	case <-r.Context().Done():
	}
}

// handleRun queues a job and blocks until that run completes.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	_, span := s.tracer.Start(r.Context(), "run_job")
	span.SetAttributes(attribute.String("job", name))
	defer span.End()

	params, ok := decodeParams(w, r)
	if !ok {
		return
	}

	// subscribe before queueing so the completion cannot be missed
	waiter := newCompletionWaiter()
	s.engine.RegisterWaiter(waiter)
	defer s.engine.DeregisterWaiter(waiter)

	run, err := s.engine.QueueJob(name, params)
	if err != nil {
		s.respondQueueError(w, name, err)
		return
	}

	select {
	case <-run.Started():
	case <-r.Context().Done():
		return
	}
	number := run.Build

	for {
		select {
		case completed := <-waiter.ch:
			if completed.Name == name && completed.Number == number {
				respondJSON(w, map[string]any{
					"name":   name,
					"number": number,
					"result": completed.Result.String(),
				}, http.StatusOK)
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleSetParam(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	number, _ := strconv.Atoi(chi.URLParam(r, "number"))
	var body struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Key == "" {
		respondError(w, http.StatusBadRequest, "key and value required")
		return
	}
	if !s.engine.SetParam(name, number, body.Key, body.Value) {
		respondError(w, http.StatusNotFound, "run not active")
		return
	}
	respondJSON(w, map[string]any{"name": name, "number": number}, http.StatusOK)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	number, _ := strconv.Atoi(chi.URLParam(r, "number"))
	if !s.engine.AbortRun(name, number) {
		respondError(w, http.StatusNotFound, "run not active")
		return
	}
	respondJSON(w, map[string]any{"name": name, "number": number}, http.StatusOK)
}

func (s *Server) handleArtefact(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "*")
	data, err := s.engine.GetArtefact(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			respondError(w, http.StatusNotFound, "no such artifact")
			return
		}
		s.log.Error("read artifact", "path", path, "error", err)
		respondError(w, http.StatusInternalServerError, "artifact unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

func (s *Server) handleCustomCss(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/css; charset=utf-8")
	_, _ = w.Write([]byte(s.engine.GetCustomCss()))
}

func (s *Server) respondQueueError(w http.ResponseWriter, name string, err error) {
	if errors.Is(err, engine.ErrUnknownJob) {
		respondError(w, http.StatusNotFound, fmt.Sprintf("job %s is not configured", name))
		return
	}
	s.log.Error("queue job", "job", name, "error", err)
	respondError(w, http.StatusInternalServerError, err.Error())
}

// decodeParams reads the optional JSON parameter map from a control
// request body.
func decodeParams(w http.ResponseWriter, r *http.Request) (map[string]string, bool) {
	params := map[string]string{}
	if r.Body == nil || r.ContentLength == 0 {
		return params, true
	}
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON payload")
		return nil, false
	}
	return params, true
}

func respondJSON(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, map[string]string{"error": message}, status)
}
