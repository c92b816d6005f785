/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/campusgrid/supernode/internal/attendance"
	"github.com/campusgrid/supernode/internal/protocol"
	"github.com/campusgrid/supernode/internal/registry"
	"github.com/campusgrid/supernode/internal/router"
	"github.com/campusgrid/supernode/internal/session"
)

// API exposes HTTP handlers.
type API struct {
	registry   *registry.Registry
	sessions   *session.Store
	answerer   router.Answerer
	attendance *attendance.Service
	deviceWS   *DeviceSocket
	logger     zerolog.Logger
}

// New creates the API router wrapper. answerer and attendance may be nil
// when the corresponding subsystem is disabled.
func New(
	reg *registry.Registry,
	sessions *session.Store,
	answerer router.Answerer,
	att *attendance.Service,
	deviceWS *DeviceSocket,
	logger zerolog.Logger,
) *API {
	return &API{
		registry:   reg,
		sessions:   sessions,
		answerer:   answerer,
		attendance: att,
		deviceWS:   deviceWS,
		logger:     logger.With().Str("component", "api").Logger(),
	}
}

// Routes mounts all endpoints on the given router.
func (a *API) Routes(r chi.Router) {
	r.Get("/healthz", a.handleHealth)
	r.Get("/ws", a.deviceWS.Handle)

	r.Route("/api", func(ar chi.Router) {
		ar.Get("/status", a.handleStatus)
		ar.Get("/devices", a.handleDevices)
		ar.Get("/sessions", a.handleSessions)
		ar.Post("/ask", a.handleAsk)
		ar.Get("/attendance", a.handleAttendance)
		ar.Get("/attendance/snapshot/*", a.handleAttendanceSnapshot)
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus reports aggregate online/offline counts per role.
func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts := a.registry.Counts()
	roles := make(map[string]map[string]int, len(counts))
	total := 0
	for role, byStatus := range counts {
		entry := make(map[string]int, len(byStatus))
		for status, n := range byStatus {
			entry[string(status)] = n
			total += n
		}
		roles[string(role)] = entry
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": total,
		"roles":   roles,
	})
}

func (a *API) handleDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": a.registry.Snapshot(),
	})
}

func (a *API) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.sessions.Snapshot())
}

// handleAsk runs one synchronous query through the provider chain. Unlike
// the socket path there is no fan-out; the caller gets the answer directly.
func (a *API) handleAsk(w http.ResponseWriter, r *http.Request) {
	if a.answerer == nil {
		writeError(w, http.StatusServiceUnavailable, "ai_disabled")
		return
	}
	var req struct {
		Text    string         `json:"text"`
		Speaker string         `json:"speaker,omitempty"`
		Context map[string]any `json:"context,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text_required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 90*time.Second)
	defer cancel()

	resp := a.answerer.Answer(ctx, protocol.AIQuery{
		Text:    req.Text,
		Speaker: req.Speaker,
		Context: req.Context,
	})
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleAttendance(w http.ResponseWriter, r *http.Request) {
	if a.attendance == nil {
		writeError(w, http.StatusServiceUnavailable, "attendance_disabled")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	rows, err := a.attendance.Recent(r.Context(), limit)
	if err != nil {
		a.logger.Error().Err(err).Msg("list attendance failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": rows})
}

func (a *API) handleAttendanceSnapshot(w http.ResponseWriter, r *http.Request) {
	if a.attendance == nil {
		writeError(w, http.StatusServiceUnavailable, "attendance_disabled")
		return
	}
	ref := chi.URLParam(r, "*")
	if ref == "" {
		writeError(w, http.StatusBadRequest, "ref_required")
		return
	}
	data, err := a.attendance.Snapshot(r.Context(), ref)
	if err != nil {
		writeError(w, http.StatusNotFound, "snapshot_not_found")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
