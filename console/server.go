// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package console

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/sprucehealth/callflow/engine"
	"github.com/sprucehealth/callflow/model"
)

//go:embed templates/*.html static/*
var content embed.FS

// Inspector is the read-only view of the engine the console renders
type Inspector interface {
	ListSessions() []*model.Session
	GetSession(conn model.ConnectionID) (*model.Session, bool)
	Snapshot() *engine.StateSnapshot
}

// ConsoleServer provides a web UI for inspecting live call sessions
type ConsoleServer struct {
	Addr   string
	engine Inspector
	logger *zap.Logger
	server *http.Server
	tmpl   *template.Template
}

// NewConsoleServer creates a new console server
func NewConsoleServer(e Inspector, addr string, logger *zap.Logger) (*ConsoleServer, error) {
	if addr == "" {
		addr = ":8089"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	funcs := template.FuncMap{
		"json": func(v any) string {
			b, _ := json.MarshalIndent(v, "", "  ")
			return string(b)
		},
		"stateClass": func(s model.DialogState) string {
			return strings.ReplaceAll(string(s), "-", "_")
		},
	}

	tmpl, err := template.New("").Funcs(funcs).ParseFS(content, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}

	cs := &ConsoleServer{
		Addr:   addr,
		engine: e,
		logger: logger,
		tmpl:   tmpl,
	}

	cs.server = &http.Server{
		Addr:    addr,
		Handler: cs.Handler(),
	}

	return cs, nil
}

// Handler returns the console routes
func (cs *ConsoleServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", cs.handleSessions)
	mux.HandleFunc("/sessions/", cs.handleSessionDetail)
	mux.HandleFunc("/api/snapshot", cs.handleSnapshot)
	mux.Handle("/static/", http.FileServer(http.FS(content)))
	return mux
}

// Start starts the console server
func (cs *ConsoleServer) Start() error {
	cs.logger.Info("console UI running", zap.String("addr", cs.Addr))
	return cs.server.ListenAndServe()
}

// Stop gracefully stops the server
func (cs *ConsoleServer) Stop(ctx context.Context) error {
	return cs.server.Shutdown(ctx)
}

func (cs *ConsoleServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	snap := cs.engine.Snapshot()
	data := map[string]any{
		"Sessions":  cs.engine.ListSessions(),
		"Pending":   snap.Pending,
		"Identity":  snap.Identity,
		"Timestamp": snap.Timestamp,
	}

	if err := cs.tmpl.ExecuteTemplate(w, "sessions.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (cs *ConsoleServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	conn := strings.TrimPrefix(r.URL.Path, "/sessions/")
	if conn == "" {
		http.Error(w, "Call connection ID required", http.StatusBadRequest)
		return
	}

	session, exists := cs.engine.GetSession(model.ConnectionID(conn))
	if !exists {
		http.NotFound(w, r)
		return
	}

	data := map[string]any{
		"Session": session,
	}

	if err := cs.tmpl.ExecuteTemplate(w, "session.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (cs *ConsoleServer) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := cs.engine.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
