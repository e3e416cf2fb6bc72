// Package httpapi is the JSON control surface: list and inspect campaigns,
// start and stop them.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"tgcast/internal/broadcast"
	"tgcast/internal/storage"
	logx "tgcast/pkg/logx"
)

// Campaigns is the part of broadcast.Service the API drives.
type Campaigns interface {
	Start(ctx context.Context, id string, actor broadcast.Actor) (string, error)
	Stop(ctx context.Context, id string, actor broadcast.Actor) error
	Status(ctx context.Context, id string) (broadcast.CampaignStatus, error)
	List(ctx context.Context) ([]broadcast.CampaignStatus, error)
}

type api struct {
	campaigns Campaigns
	log       logx.Logger
}

// NewHandler builds the router. Everything except /healthz goes through auth
// when a token or JWT secret is configured.
func NewHandler(campaigns Campaigns, cfg Config, log logx.Logger) http.Handler {
	a := &api{campaigns: campaigns, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLog(log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", a.health)
	r.Group(func(r chi.Router) {
		r.Use(authenticate(cfg.Token, cfg.JWTSecret))
		r.Route("/campaigns", func(r chi.Router) {
			r.Get("/", a.list)
			r.Get("/{id}", a.status)
			r.Post("/{id}/start", a.start)
			r.Post("/{id}/stop", a.stop)
		})
		if cfg.Pprof {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

func requestLog(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Duration("took", time.Since(start)),
				logx.String("req_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *api) list(w http.ResponseWriter, r *http.Request) {
	out, err := a.campaigns.List(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) status(w http.ResponseWriter, r *http.Request) {
	st, err := a.campaigns.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type startResponse struct {
	ID    string `json:"id"`
	RunID string `json:"run_id"`
}

func (a *api) start(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	runID, err := a.campaigns.Start(r.Context(), id, actorFrom(r.Context()))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, startResponse{ID: id, RunID: runID})
}

func (a *api) stop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	// Stop on an unknown id is a silent no-op in the service; answer 404 here.
	if _, err := a.campaigns.Status(r.Context(), id); err != nil {
		a.fail(w, r, err)
		return
	}
	if err := a.campaigns.Stop(r.Context(), id, actorFrom(r.Context())); err != nil {
		a.fail(w, r, err)
		return
	}
	st, err := a.campaigns.Status(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type errorBody struct {
	Error    string   `json:"error"`
	Message  string   `json:"message"`
	Problems []string `json:"problems,omitempty"`
}

func (a *api) fail(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr    *broadcast.ValidationError
		running *broadcast.AlreadyRunningError
	)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Message: err.Error()})
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "validation_failed", Message: err.Error(), Problems: verr.Problems})
	case errors.As(err, &running):
		writeJSON(w, http.StatusConflict, errorBody{Error: "already_running", Message: err.Error()})
	case errors.Is(err, broadcast.ErrShuttingDown):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "shutting_down", Message: err.Error()})
	default:
		a.log.Warn("http handler failed",
			logx.String("path", r.URL.Path),
			logx.String("req_id", middleware.GetReqID(r.Context())),
			logx.Err(err),
		)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal", Message: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: code, Message: message})
}
