package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/flexinfer/clusterflow/internal/metrics"
	"github.com/flexinfer/clusterflow/pkg/types"
)

const heartbeatInterval = 15 * time.Second

// StreamEvents handles GET /api/v1/runs/{id}/events.
// It replays the run's stored events after Last-Event-ID (all of them when
// the header is absent), then streams new ones until the run finishes or the
// client disconnects.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := mux.Vars(r)["id"]
	startTime := time.Now()
	reqID := requestID(r)

	if _, err := h.store.GetRunMeta(ctx, runID); err != nil {
		h.respondStoreError(w, r, "failed to get run", err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.respondError(w, r, http.StatusInternalServerError, "streaming not supported", nil)
		return
	}

	metrics.SSEActiveConnections.Inc()
	defer metrics.SSEActiveConnections.Dec()

	h.logger.Info("SSE connection opened",
		slog.String("run_id", runID),
		slog.String("request_id", reqID),
		slog.String("remote_addr", r.RemoteAddr),
	)

	// Subscribe before replaying so nothing appended in between is lost;
	// replayed IDs are remembered to drop duplicates.
	eventCh, cleanup, err := h.store.Subscribe(ctx, runID)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to subscribe to events", err)
		return
	}
	defer cleanup()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	h.writeSSE(w, flusher, &types.Event{
		ID:        "0",
		RunID:     runID,
		Type:      types.EventTypeHello,
		Timestamp: time.Now().UTC(),
	})

	seen := make(map[string]bool)
	events, err := h.store.GetEventsSince(ctx, runID, r.Header.Get("Last-Event-ID"))
	if err != nil {
		h.logger.Error("failed to get historical events", "error", err, "run_id", runID)
	}
	for _, evt := range events {
		seen[evt.ID] = true
		h.writeSSE(w, flusher, evt)
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	closed := func(reason string) {
		duration := time.Since(startTime)
		metrics.SSEConnectionDuration.Observe(duration.Seconds())
		h.logger.Info("SSE connection closed",
			slog.String("run_id", runID),
			slog.String("request_id", reqID),
			slog.Duration("duration", duration),
			slog.String("reason", reason),
		)
	}

	for {
		select {
		case <-ctx.Done():
			closed("client_disconnect")
			return

		case evt, ok := <-eventCh:
			if !ok {
				h.sendStreamEnd(ctx, w, flusher, runID)
				closed("run_completed")
				return
			}
			if seen[evt.ID] {
				continue
			}
			h.writeSSE(w, flusher, evt)

		case <-heartbeat.C:
			h.writeComment(w, flusher, "heartbeat")
		}
	}
}

// writeSSE writes an event in SSE format and flushes.
func (h *Handlers) writeSSE(w http.ResponseWriter, flusher http.Flusher, evt *types.Event) {
	if evt == nil {
		return
	}
	if _, err := w.Write(evt.ToSSE()); err != nil {
		h.logger.Error("failed to write SSE event", "error", err)
		return
	}
	flusher.Flush()
}

// writeComment writes an SSE comment (for heartbeats).
func (h *Handlers) writeComment(w http.ResponseWriter, flusher http.Flusher, comment string) {
	if _, err := w.Write([]byte(": " + comment + "\n\n")); err != nil {
		h.logger.Error("failed to write SSE comment", "error", err)
		return
	}
	flusher.Flush()
}

// sendStreamEnd sends a final event carrying the run's final status.
func (h *Handlers) sendStreamEnd(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, runID string) {
	run, err := h.store.GetRunMeta(ctx, runID)
	if err != nil {
		h.logger.Error("failed to get run meta for completion event", "error", err)
		return
	}

	data, _ := json.Marshal(types.RunStatusEvent{Status: run.Status, Error: run.Error})
	h.writeSSE(w, flusher, &types.Event{
		ID:        "final",
		RunID:     runID,
		Type:      types.EventTypeStreamEnd,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}
