package handlers

import (
	"context"
	"net/http"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xelth-com/meshsync/internal/buildinfo"
	"github.com/xelth-com/meshsync/internal/merge"
	"github.com/xelth-com/meshsync/internal/middleware"
	"github.com/xelth-com/meshsync/internal/models"
	"github.com/xelth-com/meshsync/internal/wire"
)

// Store is the Central Store surface used by the handlers. *merge.Store
// implements it.
type Store interface {
	MergeBatch(ctx context.Context, b *wire.Batch) (*merge.Result, error)
	Ping(ctx context.Context) error
	ListCollectors(ctx context.Context) ([]merge.CollectorHealth, error)
	Stats(ctx context.Context) (*merge.Stats, error)
	ListNodes(ctx context.Context, f merge.NodeFilter) ([]models.Node, error)
	GetNode(ctx context.Context, nodeID string) (*models.Node, error)
	LatestPositions(ctx context.Context, limit int) ([]models.Position, error)
	ListMessages(ctx context.Context, limit, offset int) ([]models.Message, error)
}

// Router wraps the mux router and the Central Store
type Router struct {
	*mux.Router
	store Store
}

// NewRouter creates a new HTTP router with all routes
func NewRouter(store Store, keys *middleware.KeySet) *Router {
	r := &Router{
		Router: mux.NewRouter(),
		store:  store,
	}
	r.Use(middleware.RequestLogger)

	// Unauthenticated
	r.HandleFunc("/health", r.healthCheck).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.APIKeyAuth(keys))

	// Sync
	api.HandleFunc("/sync", r.receiveSync).Methods("POST")
	api.HandleFunc("/collectors", r.listCollectors).Methods("GET")
	api.HandleFunc("/stats", r.getStats).Methods("GET")

	// Read API
	api.HandleFunc("/nodes", r.listNodes).Methods("GET")
	api.HandleFunc("/nodes/{node_id}", r.getNode).Methods("GET")
	api.HandleFunc("/positions/latest", r.latestPositions).Methods("GET")
	api.HandleFunc("/messages", r.listMessages).Methods("GET")

	return r
}

// healthCheck verifies the store connection
func (r *Router) healthCheck(w http.ResponseWriter, req *http.Request) {
	if err := r.store.Ping(req.Context()); err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "healthy",
		"database": "connected",
		"build":    buildinfo.Get(),
	})
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, wire.ErrorResponse{Error: message})
}
