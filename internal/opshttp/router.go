// Package opshttp serves replicad's operational HTTP endpoints: Prometheus
// metrics, a database health check, the broker's active sends and recent
// trails. It listens on a local address and carries no authentication; it
// is meant for the appliance itself and its monitoring agent.
package opshttp

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/rockstor/replicad/internal/repositories"
	"github.com/rockstor/replicad/internal/replication"
)

// DefaultTrailLimit caps the trails returned by the trail endpoints when no
// limit is given.
const DefaultTrailLimit = 20

// SendLister reports the sends the broker is running.
type SendLister interface {
	Active() []replication.ActiveSend
}

// RouterConfig holds the dependencies of the ops router. Metrics, Sends and
// the trail repositories are optional; their routes answer 404 when unset.
type RouterConfig struct {
	Metrics       http.Handler
	Ping          func(ctx context.Context) error
	Sends         SendLister
	ReplicaTrails repositories.ReplicaTrailRepository
	ReceiveTrails repositories.ReceiveTrailRepository
	PolicyTrails  repositories.PolicyTrailRepository
	Logger        *zap.Logger
}

// NewRouter builds the chi router.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger.Named("opshttp")
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(RequestLogger(logger))
	r.Use(middleware.Recoverer)

	h := &handler{cfg: cfg, logger: logger}

	r.Get("/healthz", h.health)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}
	if cfg.Sends != nil {
		r.Get("/sends", h.sends)
	}
	if cfg.ReplicaTrails != nil {
		r.Get("/replicas/{id}/trails", h.replicaTrails)
	}
	if cfg.ReceiveTrails != nil {
		r.Get("/replica-shares/{id}/trails", h.receiveTrails)
	}
	if cfg.PolicyTrails != nil {
		r.Get("/policies/{id}/trails", h.policyTrails)
	}
	return r
}

type handler struct {
	cfg    RouterConfig
	logger *zap.Logger
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Ping != nil {
		if err := h.cfg.Ping(r.Context()); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "unavailable", "database unavailable")
			return
		}
	}
	writeData(w, map[string]string{"status": "ok"})
}

func (h *handler) sends(w http.ResponseWriter, _ *http.Request) {
	writeData(w, h.cfg.Sends.Active())
}

func (h *handler) replicaTrails(w http.ResponseWriter, r *http.Request) {
	id, opts, ok := trailQuery(w, r)
	if !ok {
		return
	}
	trails, err := h.cfg.ReplicaTrails.List(r.Context(), id, opts)
	if err != nil {
		h.logger.Error("failed to list replica trails", zap.Uint("replica_id", id), zap.Error(err))
		storeFailed(w)
		return
	}
	writeTrails(w, trails, opts)
}

func (h *handler) receiveTrails(w http.ResponseWriter, r *http.Request) {
	id, opts, ok := trailQuery(w, r)
	if !ok {
		return
	}
	trails, err := h.cfg.ReceiveTrails.List(r.Context(), id, opts)
	if err != nil {
		h.logger.Error("failed to list receive trails", zap.Uint("rshare_id", id), zap.Error(err))
		storeFailed(w)
		return
	}
	writeTrails(w, trails, opts)
}

func (h *handler) policyTrails(w http.ResponseWriter, r *http.Request) {
	id, opts, ok := trailQuery(w, r)
	if !ok {
		return
	}
	trails, err := h.cfg.PolicyTrails.ListByPolicy(r.Context(), id, opts)
	if err != nil {
		h.logger.Error("failed to list policy trails", zap.Uint("policy_id", id), zap.Error(err))
		storeFailed(w)
		return
	}
	writeTrails(w, trails, opts)
}

// trailQuery parses the {id} path parameter and the limit and offset query
// parameters, writing a 400 when either is malformed.
func trailQuery(w http.ResponseWriter, r *http.Request) (uint, repositories.ListOptions, bool) {
	opts := repositories.ListOptions{Limit: DefaultTrailLimit}
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		badRequest(w, "invalid id")
		return 0, opts, false
	}
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			badRequest(w, "invalid limit")
			return 0, opts, false
		}
		opts.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			badRequest(w, "invalid offset")
			return 0, opts, false
		}
		opts.Offset = n
	}
	return uint(id), opts, true
}
