package control

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-sign/internal/history"
	"github.com/loqalabs/loqa-sign/internal/protocol"
)

// HistoryReader lists stored entries for a user.
type HistoryReader interface {
	ListByUser(ctx context.Context, userID string, limit int) ([]history.Entry, error)
}

type historyEntry struct {
	ID           int64     `json:"id"`
	SessionID    string    `json:"session_id"`
	UserID       string    `json:"uid"`
	Kind         string    `json:"kind"`
	Original     string    `json:"original"`
	Translated   string    `json:"translated"`
	FromLanguage string    `json:"from_language"`
	ToLanguage   string    `json:"to_language"`
	Timestamp    time.Time `json:"timestamp"`
}

// Handler serves the HTTP control API.
type Handler struct {
	ctrl        Controller
	history     HistoryReader
	defaultUser string
	log         *slog.Logger
}

func NewHandler(ctrl Controller, hist HistoryReader, defaultUser string, log *slog.Logger) *Handler {
	return &Handler{
		ctrl:        ctrl,
		history:     hist,
		defaultUser: defaultUser,
		log:         log.With(slog.String("component", "control-http")),
	}
}

// Register mounts the routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/session/{action}", h.handleAction)
	mux.HandleFunc("GET /v1/session", h.handleStatus)
	mux.HandleFunc("GET /v1/history", h.handleHistory)
}

func (h *Handler) handleAction(w http.ResponseWriter, r *http.Request) {
	action := r.PathValue("action")
	if action == protocol.ActionStatus {
		h.handleStatus(w, r)
		return
	}

	var req protocol.ControlRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.ControlReply{Error: err.Error(), Transcript: []string{}})
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, protocol.ControlReply{Error: "invalid request: " + err.Error(), Transcript: []string{}})
			return
		}
	}

	reply, err := Dispatch(r.Context(), h.ctrl, action, req)
	if err != nil && !errors.Is(err, ErrUnknownAction) {
		h.log.Warn("control command failed", slog.String("action", action), slog.String("error", err.Error()))
	}
	writeJSON(w, statusFor(err), reply)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	reply, _ := Dispatch(r.Context(), h.ctrl, protocol.ActionStatus, protocol.ControlRequest{})
	writeJSON(w, http.StatusOK, reply)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeJSON(w, http.StatusOK, []historyEntry{})
		return
	}
	user := r.URL.Query().Get("user")
	if user == "" {
		user = h.defaultUser
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries, err := h.history.ListByUser(r.Context(), user, limit)
	if err != nil {
		h.log.Error("failed to list history", slog.String("user", user), slog.String("error", err.Error()))
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	out := make([]historyEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, historyEntry{
			ID:           e.ID,
			SessionID:    e.SessionID,
			UserID:       e.UserID,
			Kind:         e.Kind,
			Original:     e.Original,
			Translated:   e.Translated,
			FromLanguage: e.FromLanguage,
			ToLanguage:   e.ToLanguage,
			Timestamp:    e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
