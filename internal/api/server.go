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
	"github.com/go-chi/render"
	"github.com/google/uuid"
	"github.com/justinas/alice"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"

	"go-planrun/internal/engine"
	"go-planrun/internal/sched"
	"go-planrun/pkg/logger"
	"go-planrun/pkg/models"
)

type createPlanRequest struct {
	Goal    string `json:"goal"`
	Context string `json:"context,omitempty"`
}

type replanRequest struct {
	Reason string `json:"reason"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type Server struct {
	engine *engine.Engine
	sched  *sched.Scheduler
	server *http.Server
}

func New(eng *engine.Engine, sch *sched.Scheduler, addr string) *Server {
	s := &Server{engine: eng, sched: sch}

	r := chi.NewRouter()
	r.Use(logMiddleware())

	r.Route("/plans", func(r chi.Router) {
		r.Post("/", s.createPlan)
		r.Get("/", s.listPlans)
		r.Get("/{id}", s.getPlan)
		r.Post("/{id}/next", s.executeNext)
		r.Post("/{id}/run", s.runPlan)
		r.Post("/{id}/replan", s.replan)
		r.Post("/{id}/cancel", s.cancelPlan)
	})
	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", s.createTask)
		r.Get("/", s.listTasks)
		r.Put("/{id}", s.updateTask)
		r.Delete("/{id}", s.deleteTask)
	})
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, struct {
			Status string `json:"status"`
		}{"ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	s.server = &http.Server{Addr: addr, Handler: r}
	return s
}

func (s *Server) Start() error {
	err := s.server.ListenAndServe()
	if err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) createPlan(w http.ResponseWriter, r *http.Request) {
	req := createPlanRequest{}
	if err := unmarshalRequestBody(r, &req); err != nil || req.Goal == "" {
		w.WriteHeader(http.StatusBadRequest)
		render.JSON(w, r, errorResponse{Error: "a goal is required"})
		return
	}

	plan, err := s.engine.CreatePlan(r.Context(), req.Goal, req.Context)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	render.JSON(w, r, plan)
}

func (s *Server) listPlans(w http.ResponseWriter, r *http.Request) {
	status := models.PlanStatus(r.URL.Query().Get("status"))
	plans, err := s.engine.List(r.Context(), status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, plans)
}

func (s *Server) getPlan(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	plan, err := s.engine.GetPlan(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, plan)
}

func (s *Server) executeNext(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	steps, err := s.engine.ExecuteNext(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if steps == nil {
		steps = []models.Step{}
	}
	render.JSON(w, r, steps)
}

func (s *Server) runPlan(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if _, err := s.engine.GetPlan(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}

	go func() {
		if _, err := s.engine.Run(context.Background(), id); err != nil {
			log.Error().Err(err).Str(logger.PlanIDField, id.String()).Msg("background run failed")
		}
	}()
	w.WriteHeader(http.StatusAccepted)
	render.JSON(w, r, struct {
		ID string `json:"id"`
	}{id.String()})
}

func (s *Server) replan(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	req := replanRequest{}
	if err := unmarshalRequestBody(r, &req); err != nil || req.Reason == "" {
		w.WriteHeader(http.StatusBadRequest)
		render.JSON(w, r, errorResponse{Error: "a reason is required"})
		return
	}

	plan, err := s.engine.Replan(r.Context(), id, req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, plan)
}

func (s *Server) cancelPlan(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if err := s.engine.Cancel(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	spec := sched.Spec{}
	if err := unmarshalRequestBody(r, &spec); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		render.JSON(w, r, errorResponse{Error: "unable to parse body"})
		return
	}
	task, err := s.sched.Create(r.Context(), spec)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	render.JSON(w, r, task)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, s.sched.List())
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	spec := sched.Spec{}
	if err := unmarshalRequestBody(r, &spec); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		render.JSON(w, r, errorResponse{Error: "unable to parse body"})
		return
	}
	task, err := s.sched.Update(r.Context(), id, spec)
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, task)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	found, err := s.sched.Delete(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !found {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		render.JSON(w, r, errorResponse{Error: "unable to parse id"})
		return uuid.Nil, false
	}
	return id, true
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidPlan), errors.Is(err, sched.ErrInvalidSpec):
		w.WriteHeader(http.StatusBadRequest)
	case errors.Is(err, engine.ErrPlanNotFound), errors.Is(err, models.ErrNotFound):
		w.WriteHeader(http.StatusNotFound)
	case errors.Is(err, engine.ErrRoundInProgress), errors.Is(err, engine.ErrPlanTerminal):
		w.WriteHeader(http.StatusConflict)
	default:
		log.Error().Err(err).Msg("request failed")
		w.WriteHeader(http.StatusInternalServerError)
	}
	render.JSON(w, r, errorResponse{Error: err.Error()})
}

func logMiddleware() func(http.Handler) http.Handler {
	c := alice.New()
	c = c.Append(hlog.NewHandler(log.Logger))
	c = c.Append(hlog.RemoteAddrHandler("ip"))
	c = c.Append(hlog.UserAgentHandler("agent"))
	c = c.Append(hlog.RefererHandler("referer"))
	c = c.Append(hlog.RequestIDHandler("req_id", "Request-Id"))
	c = c.Append(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("verb", r.Method).
			Stringer("url", r.URL).
			Int("size", size).
			Int("status", status).
			Int64("duration", duration.Milliseconds()).
			Msg("REQ")
	}))

	return c.Then
}

func unmarshalRequestBody(req *http.Request, output interface{}) error {
	if req.Body == nil {
		return errors.New("invalid body in request")
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return err
	}
	if err = req.Body.Close(); err != nil {
		return err
	}
	if err = json.Unmarshal(body, &output); err != nil {
		return err
	}

	return nil
}
