package history

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"

	"github.com/arjunkumar811/Excalidraw/internal/eventlog"
	"github.com/arjunkumar811/Excalidraw/internal/metrics"
)

// Response is the body of GET /chats/{roomId}.
type Response struct {
	Messages []eventlog.Record `json:"messages"`
}

// Handler serves room history over HTTP.
type Handler struct {
	loader *Loader
	logger *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(loader *Loader, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{loader: loader, logger: logger}
}

// Register mounts the history routes on r.
func (h *Handler) Register(r *mux.Router) {
	r.Methods(http.MethodGet).Path("/chats/{roomId}").HandlerFunc(h.getChats)
}

func (h *Handler) getChats(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomId"]

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}

	records, err := h.loader.Collect(r.Context(), roomID, limit)
	if err != nil {
		h.logger.Error("history: load failed", "room", roomID, "error", err)
		writeJSON(w, http.StatusInternalServerError, Response{Messages: []eventlog.Record{}})
		return
	}
	writeJSON(w, http.StatusOK, Response{Messages: records})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// AccessLog returns middleware that logs and counts every request.
func AccessLog(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m := httpsnoop.CaptureMetrics(next, w, r)

			route := "unmatched"
			if cur := mux.CurrentRoute(r); cur != nil {
				if tpl, err := cur.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(m.Code)).Inc()
			logger.Info("handled", "method", r.Method, "url", r.URL, "duration", m.Duration, "status", m.Code)
		})
	}
}
