package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/xelth-com/meshsync/internal/logging"
	"github.com/xelth-com/meshsync/internal/metrics"
	"github.com/xelth-com/meshsync/internal/wire"
)

// MaxBatchBytes caps the size of a sync request body.
const MaxBatchBytes = 32 << 20

// receiveSync merges one collector batch. The batch is applied completely or
// not at all, and the client marks its rows synced only on a 2xx.
func (r *Router) receiveSync(w http.ResponseWriter, req *http.Request) {
	body := http.MaxBytesReader(w, req.Body, MaxBatchBytes)
	b, err := wire.DecodeBatch(body)
	if err != nil {
		metrics.MergeBatches.WithLabelValues("invalid").Inc()
		if errors.Is(err, io.EOF) {
			respondError(w, http.StatusBadRequest, "Missing JSON payload")
			return
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "Payload too large")
			return
		}
		respondError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}

	if b.CollectorID == "" {
		metrics.MergeBatches.WithLabelValues("invalid").Inc()
		respondError(w, http.StatusBadRequest, "Missing collector_id")
		return
	}
	if fixes := b.Normalize(); len(fixes) > 0 {
		logging.Warn().
			Str("collector", b.CollectorID).
			Str("batch_id", b.BatchID).
			Strs("fixes", fixes).
			Msg("batch fields adjusted to store limits")
	}
	if err := b.Validate(); err != nil {
		metrics.MergeBatches.WithLabelValues("invalid").Inc()
		var verr *wire.ValidationError
		if errors.As(err, &verr) {
			respondError(w, http.StatusBadRequest, strings.Join(verr.Problems, "; "))
			return
		}
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	logging.Info().
		Str("collector", b.CollectorID).
		Str("batch_id", b.BatchID).
		Msg("sync from collector")

	res, err := r.store.MergeBatch(req.Context(), b)
	if err != nil {
		metrics.MergeBatches.WithLabelValues("error").Inc()
		logging.Error().Err(err).
			Str("collector", b.CollectorID).
			Str("batch_id", b.BatchID).
			Msg("error processing sync request")
		respondError(w, http.StatusInternalServerError, "failed to merge batch")
		return
	}

	metrics.MergeBatches.WithLabelValues("ok").Inc()
	respondJSON(w, http.StatusOK, wire.Response{
		Status:          "ok",
		BatchID:         res.BatchID,
		RecordsReceived: res.RecordsReceived,
		ServerTime:      wire.NewTime(res.ServerTime),
	})
}
