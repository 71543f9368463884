// Package httpapi exposes the local control surface: status, start and
// stop, backlog scans, rule updates, stats and a log tail. It replaces
// the desktop shell of earlier iterations with a small HTTP API.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/namewatch/internal/broadcast"
	"github.com/nextlevelbuilder/namewatch/internal/bus"
	"github.com/nextlevelbuilder/namewatch/internal/config"
	"github.com/nextlevelbuilder/namewatch/internal/match"
	"github.com/nextlevelbuilder/namewatch/internal/transport"
	"github.com/nextlevelbuilder/namewatch/internal/watcher"
)

// Handler serves the control API.
type Handler struct {
	watcher *watcher.Watcher
	bcast   *broadcast.Broadcaster
	events  *bus.Bus
	token   string
}

// New creates a control API handler. An empty token disables auth.
func New(w *watcher.Watcher, b *broadcast.Broadcaster, events *bus.Bus, token string) *Handler {
	return &Handler{watcher: w, bcast: b, events: events, token: token}
}

// RegisterRoutes registers all control routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/status", h.auth(h.handleStatus))
	mux.HandleFunc("POST /v1/start", h.auth(h.handleStart))
	mux.HandleFunc("POST /v1/stop", h.auth(h.handleStop))
	mux.HandleFunc("GET /v1/last-checked", h.auth(h.handleLastChecked))
	mux.HandleFunc("GET /v1/stats", h.auth(h.handleStats))
	mux.HandleFunc("POST /v1/backlog/process", h.auth(h.handleBacklogProcess))
	mux.HandleFunc("POST /v1/backlog/count", h.auth(h.handleBacklogCount))
	mux.HandleFunc("PUT /v1/names", h.auth(h.handleSetNames))
	mux.HandleFunc("PUT /v1/lists", h.auth(h.handleSetLists))
	mux.HandleFunc("PUT /v1/settings", h.auth(h.handleSetSettings))
	mux.HandleFunc("PUT /v1/chats", h.auth(h.handleSetChats))
	mux.HandleFunc("GET /v1/logs", h.auth(h.handleLogs))
	mux.HandleFunc("POST /v1/broadcast", h.auth(h.handleBroadcastStart))
	mux.HandleFunc("POST /v1/broadcast/pause", h.auth(h.handleBroadcastPause))
	mux.HandleFunc("POST /v1/broadcast/resume", h.auth(h.handleBroadcastResume))
	mux.HandleFunc("POST /v1/broadcast/cancel", h.auth(h.handleBroadcastCancel))
	mux.HandleFunc("GET /v1/broadcast", h.auth(h.handleBroadcastStatus))
}

func (h *Handler) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.token != "" && extractBearerToken(r) != h.token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, transport.ErrNotReady) {
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.watcher.Status())
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := h.watcher.Start(); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.watcher.Status())
}

func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	h.watcher.Stop()
	writeJSON(w, http.StatusOK, h.watcher.Status())
}

func (h *Handler) handleLastChecked(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.watcher.LastCheckedMap())
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.watcher.ListStats()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"stats": stats})
}

func (h *Handler) handleBacklogProcess(w http.ResponseWriter, r *http.Request) {
	var opts watcher.BacklogOptions
	if r.ContentLength > 0 {
		if err := decodeBody(r, &opts); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}
	enqueued, err := h.watcher.ProcessBacklog(r.Context(), opts)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"enqueued": enqueued})
}

func (h *Handler) handleBacklogCount(w http.ResponseWriter, r *http.Request) {
	var opts watcher.BacklogOptions
	if r.ContentLength > 0 {
		if err := decodeBody(r, &opts); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}
	res, err := h.watcher.CountBacklog(r.Context(), opts)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleSetNames(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Names []match.TrackedName `json:"names"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	h.watcher.SetTrackedNames(body.Names)
	writeJSON(w, http.StatusOK, map[string]int{"count": len(body.Names)})
}

func (h *Handler) handleSetLists(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Lists []match.NameList `json:"lists"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	for i := range body.Lists {
		if body.Lists[i].ID == "" {
			body.Lists[i].ID = fmt.Sprintf("list-%d", i)
		}
	}
	h.watcher.SetNameLists(body.Lists)
	writeJSON(w, http.StatusOK, map[string]int{"count": len(body.Lists)})
}

func (h *Handler) handleSetSettings(w http.ResponseWriter, r *http.Request) {
	var s config.Settings
	if err := decodeBody(r, &s); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	h.watcher.SetSettings(s)
	writeJSON(w, http.StatusOK, h.watcher.Status().Settings)
}

func (h *Handler) handleSetChats(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ChatIDs []string `json:"chat_ids"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	h.watcher.SetSelectedChats(body.ChatIDs)
	writeJSON(w, http.StatusOK, map[string]int{"count": len(body.ChatIDs)})
}

// handleLogs streams the bus log events as server-sent events until the
// client disconnects.
func (h *Handler) handleLogs(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	lines := make(chan bus.LogPayload, 64)
	subID := "logs-" + uuid.NewString()
	h.events.Subscribe(subID, func(ev bus.Event) {
		if ev.Name != bus.EventLog {
			return
		}
		if p, ok := ev.Payload.(bus.LogPayload); ok {
			select {
			case lines <- p:
			default: // drop when the client lags
			}
		}
	})
	defer h.events.Unsubscribe(subID)

	for {
		select {
		case <-r.Context().Done():
			return
		case p := <-lines:
			data, err := json.Marshal(p)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (h *Handler) handleBroadcastStart(w http.ResponseWriter, r *http.Request) {
	var job broadcast.Job
	if err := decodeBody(r, &job); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	id, err := h.bcast.Start(job)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": id})
}

func (h *Handler) handleBroadcastPause(w http.ResponseWriter, r *http.Request) {
	h.bcast.Pause()
	writeJSON(w, http.StatusOK, h.bcast.Status())
}

func (h *Handler) handleBroadcastResume(w http.ResponseWriter, r *http.Request) {
	h.bcast.Resume()
	writeJSON(w, http.StatusOK, h.bcast.Status())
}

func (h *Handler) handleBroadcastCancel(w http.ResponseWriter, r *http.Request) {
	h.bcast.Cancel()
	writeJSON(w, http.StatusOK, h.bcast.Status())
}

func (h *Handler) handleBroadcastStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.bcast.Status())
}
