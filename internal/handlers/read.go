package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/xelth-com/meshsync/internal/logging"
	"github.com/xelth-com/meshsync/internal/merge"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// pagination reads limit and offset. Limit defaults to 100 and is capped at
// 1000.
func pagination(req *http.Request) (limit, offset int, err error) {
	limit, err = queryInt(req, "limit", defaultLimit)
	if err != nil {
		return 0, 0, err
	}
	offset, err = queryInt(req, "offset", 0)
	if err != nil {
		return 0, 0, err
	}
	return min(max(limit, 1), maxLimit), offset, nil
}

func queryInt(req *http.Request, name string, def int) (int, error) {
	raw := req.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, errors.New("invalid " + name)
	}
	return v, nil
}

func (r *Router) serverError(w http.ResponseWriter, err error, what string) {
	logging.Error().Err(err).Msg(what)
	respondError(w, http.StatusInternalServerError, what)
}

// listCollectors returns every collector, most recently seen first
func (r *Router) listCollectors(w http.ResponseWriter, req *http.Request) {
	collectors, err := r.store.ListCollectors(req.Context())
	if err != nil {
		r.serverError(w, err, "failed to list collectors")
		return
	}
	if collectors == nil {
		collectors = []merge.CollectorHealth{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"collectors": collectors})
}

// getStats returns row counts per table
func (r *Router) getStats(w http.ResponseWriter, req *http.Request) {
	stats, err := r.store.Stats(req.Context())
	if err != nil {
		r.serverError(w, err, "failed to get stats")
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (r *Router) listNodes(w http.ResponseWriter, req *http.Request) {
	limit, offset, err := pagination(req)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	nodes, err := r.store.ListNodes(req.Context(), merge.NodeFilter{
		CollectorID: req.URL.Query().Get("collector"),
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		r.serverError(w, err, "failed to list nodes")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"nodes":  nodes,
		"count":  len(nodes),
		"limit":  limit,
		"offset": offset,
	})
}

func (r *Router) getNode(w http.ResponseWriter, req *http.Request) {
	node, err := r.store.GetNode(req.Context(), mux.Vars(req)["node_id"])
	if errors.Is(err, merge.ErrNotFound) {
		respondError(w, http.StatusNotFound, "node not found")
		return
	}
	if err != nil {
		r.serverError(w, err, "failed to get node")
		return
	}
	respondJSON(w, http.StatusOK, node)
}

func (r *Router) latestPositions(w http.ResponseWriter, req *http.Request) {
	limit, _, err := pagination(req)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	positions, err := r.store.LatestPositions(req.Context(), limit)
	if err != nil {
		r.serverError(w, err, "failed to get positions")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"positions": positions})
}

func (r *Router) listMessages(w http.ResponseWriter, req *http.Request) {
	limit, offset, err := pagination(req)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	messages, err := r.store.ListMessages(req.Context(), limit, offset)
	if err != nil {
		r.serverError(w, err, "failed to list messages")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"messages": messages,
		"limit":    limit,
		"offset":   offset,
	})
}
