// Cartographus - Media Server Analytics and Geographic Visualization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cartographus

// Package testserver is an in-process fake of the central server's §6 sync endpoint
// contract, grounded in the teacher's internal/api chi router composition (chi.NewRouter
// plus go-chi/cors, no swagger/admin surface). It exists so internal/syncinternal's
// HTTPClient can be exercised end-to-end in tests without a real server.
package testserver

import (
	"net/http"
	"sort"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/goccy/go-json"

	"github.com/idpass/datacollect-engine/internal/storage"
)

// Server is a minimal, in-memory stand-in for the central server: one tenant's worth
// of events and audit entries, keyed by configId, with no persistence and no auth
// enforcement beyond an optional bearer token check.
type Server struct {
	router *chi.Mux

	mu          sync.Mutex
	events      map[string][]storage.FormSubmission
	audit       map[string][]storage.AuditLogEntry
	RequireAuth bool
	Token       string

	// Blocked marks a configId as having unresolved duplicates: pull reports
	// duplicatesBlocking=true and push is otherwise unaffected (spec §6).
	Blocked map[string]bool
}

func New() *Server {
	s := &Server{
		events:  make(map[string][]storage.FormSubmission),
		audit:   make(map[string][]storage.AuditLogEntry),
		Blocked: make(map[string]bool),
	}
	s.router = s.newRouter()
	return s
}

func (s *Server) newRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	}))
	r.Use(s.authMiddleware)

	r.Post("/v1/sync/push", s.handlePush)
	r.Get("/v1/sync/pull", s.handlePull)
	r.Post("/v1/sync/audit/push", s.handleAuditPush)
	r.Get("/v1/sync/audit/pull", s.handleAuditPull)
	return r
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.RequireAuth {
			got := r.Header.Get("Authorization")
			if got != "Bearer "+s.Token {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type pushRequest struct {
	ConfigID string                    `json:"configId"`
	Events   []storage.FormSubmission `json:"events"`
}

type pushResponse struct {
	Accepted  bool     `json:"accepted"`
	Conflicts []string `json:"conflicts,omitempty"`
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var req pushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.events[req.ConfigID] = append(s.events[req.ConfigID], req.Events...)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, pushResponse{Accepted: true})
}

type pullResponse struct {
	Events             []storage.FormSubmission `json:"events"`
	Next               storage.Cursor           `json:"next"`
	HasMore            bool                      `json:"hasMore"`
	DuplicatesBlocking bool                      `json:"duplicatesBlocking"`
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	configID := r.URL.Query().Get("configId")
	pageSize := storage.DefaultPageSize

	s.mu.Lock()
	all := append([]storage.FormSubmission{}, s.events[configID]...)
	blocked := s.Blocked[configID]
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].GUID < all[j].GUID })

	cursorGUID := r.URL.Query().Get("cursorGuid")
	start := 0
	if cursorGUID != "" {
		for i, e := range all {
			if e.GUID == cursorGUID {
				start = i + 1
				break
			}
		}
	}
	end := start + pageSize
	hasMore := end < len(all)
	if end > len(all) {
		end = len(all)
	}
	page := all[start:end]
	var next storage.Cursor
	if len(page) > 0 {
		last := page[len(page)-1]
		next = storage.Cursor{Timestamp: last.Timestamp, GUID: last.GUID}
	}

	writeJSON(w, http.StatusOK, pullResponse{
		Events:             page,
		Next:               next,
		HasMore:            hasMore,
		DuplicatesBlocking: blocked,
	})
}

type auditPushRequest struct {
	ConfigID string                     `json:"configId"`
	Entries  []storage.AuditLogEntry `json:"entries"`
}

func (s *Server) handleAuditPush(w http.ResponseWriter, r *http.Request) {
	var req auditPushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.audit[req.ConfigID] = append(s.audit[req.ConfigID], req.Entries...)
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

type auditPullResponse struct {
	Entries []storage.AuditLogEntry `json:"entries"`
}

func (s *Server) handleAuditPull(w http.ResponseWriter, r *http.Request) {
	configID := r.URL.Query().Get("configId")
	s.mu.Lock()
	entries := append([]storage.AuditLogEntry{}, s.audit[configID]...)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, auditPullResponse{Entries: entries})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// EventCount returns how many events configId has accumulated, for test assertions.
func (s *Server) EventCount(configID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events[configID])
}
