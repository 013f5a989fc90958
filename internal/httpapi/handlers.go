package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/isaquesgti/sinistro-simplify/internal/auth"
	"github.com/isaquesgti/sinistro-simplify/internal/guard"
	"github.com/isaquesgti/sinistro-simplify/internal/idp"
	"github.com/isaquesgti/sinistro-simplify/internal/messages"
	"github.com/isaquesgti/sinistro-simplify/internal/obs"
	"github.com/isaquesgti/sinistro-simplify/internal/portal"
	"github.com/isaquesgti/sinistro-simplify/internal/realtime"
)

const serviceName = "sinistro-api"

// Pinger is satisfied by the Postgres store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe checks the service dependencies.
type ReadyProbe struct {
	DB Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.Ping(ctx)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Options wires the API to its collaborators. Registry, Messages and Hub are required.
type Options struct {
	Registry  *portal.Registry
	Messages  *messages.Service
	Hub       *realtime.Hub
	Authority *idp.Authority

	Routes    guard.Routes
	LoginPath string

	Ready   ReadyProbe
	Version string

	AllowedOrigins []string
	CookieSecure   bool
	RateBurst      int
	RatePerSec     int
	// SettleTimeout bounds how long a request waits for role resolution.
	SettleTimeout time.Duration
}

// API is the HTTP layer.
type API struct {
	router chi.Router

	registry  *portal.Registry
	messages  *messages.Service
	hub       *realtime.Hub
	authority *idp.Authority
	routes    guard.Routes
	loginPath string

	readyProbe ReadyProbe
	version    string

	origins       []string
	cookieSecure  bool
	rateBurst     int
	ratePerSec    int
	settleTimeout time.Duration
}

func New(opts Options) (*API, error) {
	if opts.Registry == nil || opts.Messages == nil || opts.Hub == nil {
		return nil, errors.New("httpapi: registry, messages and hub are required")
	}
	a := &API{
		registry:      opts.Registry,
		messages:      opts.Messages,
		hub:           opts.Hub,
		authority:     opts.Authority,
		routes:        opts.Routes,
		loginPath:     opts.LoginPath,
		readyProbe:    opts.Ready,
		version:       opts.Version,
		origins:       opts.AllowedOrigins,
		cookieSecure:  opts.CookieSecure,
		rateBurst:     opts.RateBurst,
		ratePerSec:    opts.RatePerSec,
		settleTimeout: opts.SettleTimeout,
	}
	if a.routes == nil {
		a.routes = guard.DefaultRoutes()
	}
	if a.loginPath == "" {
		a.loginPath = guard.DefaultLoginPath
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 20
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = 10
	}
	if a.settleTimeout <= 0 {
		a.settleTimeout = 5 * time.Second
	}
	a.router = a.buildRouter()
	return a, nil
}

func (a *API) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(RequestID)
	r.Use(LoggingJSON)
	r.Use(SecurityHeaders)
	r.Use(CORS(a.origins))

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Handle("/metrics", obs.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return RateLimit(next, a.rateBurst, a.ratePerSec)
		})
		r.Use(func(next http.Handler) http.Handler {
			return MaxBodyBytes(next, 1<<20)
		})
		r.Get("/info", a.Info)

		r.Group(func(r chi.Router) {
			r.Use(a.withVisitor)

			r.Post("/auth/login", a.handleLogin)
			r.Post("/auth/logout", a.handleLogout)
			r.Post("/auth/manual", a.handleManualLogin)
			r.Post("/auth/refresh", a.handleRefresh)
			r.Get("/auth/session", a.handleSession)
			r.Get("/guard", a.handleGuard)

			r.Group(func(r chi.Router) {
				r.Use(a.requireSession)

				r.Get("/claims/{claimID}/messages", a.handleListMessages)
				r.Post("/claims/{claimID}/messages", a.handleSendMessage)
				r.Get("/claims/{claimID}/messages/stream", a.handleMessageStream)
				r.Get("/claims/{claimID}/messages/ws", a.handleMessageSocket)

				if a.authority != nil {
					r.With(RequireRole(auth.RoleAdmin)).
						Post("/admin/users/{userID}/revoke", a.handleRevoke)
				}
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// Handler returns the instrumented router.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.router)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":     serviceName,
		"time":     time.Now().UTC().Format(time.RFC3339),
		"version":  a.version,
		"visitors": a.registry.Len(),
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func queryBool(r *http.Request, name string) bool {
	switch strings.ToLower(strings.TrimSpace(r.URL.Query().Get(name))) {
	case "1", "true", "yes":
		return true
	}
	return false
}
