package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"granary.org/internal/audit"
	"granary.org/internal/entitlement"
	"granary.org/internal/events"
	"granary.org/internal/ids"
	"granary.org/internal/jobs"
	"granary.org/internal/obs"
)

// ReadyProbe checks backing-store readiness (for example a DB ping).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Config carries the collaborators the API wires together.
type Config struct {
	Service     entitlement.Service
	Entitler    *entitlement.Entitler
	Scheduler   *jobs.Scheduler
	Stream      *events.Stream
	ReadyProbe  ReadyProbe
	Version     string
	RequireAuth bool
}

// API is the HTTP layer.
type API struct {
	mux         *http.ServeMux
	svc         entitlement.Service
	entitler    *entitlement.Entitler
	scheduler   *jobs.Scheduler
	stream      *events.Stream
	readyProbe  ReadyProbe
	version     string
	requireAuth bool
}

func New(cfg Config) *API {
	a := &API{
		mux:         http.NewServeMux(),
		svc:         cfg.Service,
		entitler:    cfg.Entitler,
		scheduler:   cfg.Scheduler,
		stream:      cfg.Stream,
		readyProbe:  cfg.ReadyProbe,
		version:     cfg.Version,
		requireAuth: cfg.RequireAuth,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/token", a.handleAuthToken)

	a.mux.HandleFunc("/v1/owners", a.handleOwnersCollection)
	a.mux.HandleFunc("/v1/owners/", a.handleOwnerResource)
	a.mux.HandleFunc("/v1/consumers", a.handleConsumersCollection)
	a.mux.HandleFunc("/v1/consumers/", a.handleConsumerResource)
	a.mux.HandleFunc("/v1/bind", a.handleBind)
	a.mux.HandleFunc("/v1/jobs", a.handleJobsCollection)
	a.mux.HandleFunc("/v1/jobs/", a.handleJobResource)
	a.mux.HandleFunc("/v1/events/stream", a.Stream)
	a.mux.HandleFunc("/v1/admin/init", a.handleAdminInit)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the full middleware-wrapped handler for the server.
func (a *API) Handler() http.Handler {
	return obs.Instrument(RequestID(a.withAuth(a.mux)))
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "granary-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "granary-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

func (a *API) handleAdminInit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	fresh, err := a.svc.Initialize(r.Context())
	if err != nil {
		handleEntitlementError(w, r, err)
		return
	}
	// Re-running init is always safe and always a 200.
	status := "Already initialized."
	if fresh {
		status = "Initialized!"
	}
	_ = audit.LogEvent(r.Context(), "admin.init", map[string]any{"fresh": fresh})
	writeJSON(w, http.StatusOK, map[string]any{"status": status})
}

// --- request id ---

type ctxKey string

const requestIDKey ctxKey = "request_id"

// RequestID tags every request with an id for logs and error payloads.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if rid == "" {
			rid = ids.New()
		}
		w.Header().Set("X-Request-Id", rid)
		ctx := context.WithValue(r.Context(), requestIDKey, rid)
		ctx = audit.WithRequestID(ctx, rid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDFromContext returns the request id set by the middleware.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
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

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
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

func handleEntitlementError(w http.ResponseWriter, r *http.Request, err error) {
	var storageErr *entitlement.StorageError
	switch {
	case errors.Is(err, entitlement.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, entitlement.ErrPoolConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, entitlement.ErrPoolExhausted):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, entitlement.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.As(err, &storageErr):
		writeError(w, r, http.StatusServiceUnavailable, "storage unavailable")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func (a *API) audit(ctx context.Context, event, targetType, targetID string, meta map[string]string) {
	fields := map[string]any{
		"target_type": targetType,
		"target_id":   targetID,
	}
	for k, v := range meta {
		fields[k] = v
	}
	_ = audit.LogEvent(ctx, event, fields)
}
