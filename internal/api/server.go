// Package api exposes the HTTP control surface: session management, setpoint
// and output control, live readings, and poll control.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/banshee-data/power.bench/internal/chart"
	"github.com/banshee-data/power.bench/internal/conn"
	"github.com/banshee-data/power.bench/internal/poll"
	"github.com/banshee-data/power.bench/internal/psu"
	"github.com/banshee-data/power.bench/internal/recorder"
	"github.com/banshee-data/power.bench/internal/scpi"
	"github.com/banshee-data/power.bench/internal/stats"
	"github.com/banshee-data/power.bench/internal/version"
)

// ANSI escape codes for request logging
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

type Server struct {
	manager *conn.Manager
	poller  *poll.Poller
	db      *recorder.DB
	tracker *stats.Tracker

	mu           sync.Mutex
	latestRead   *psu.Reading
	latestStatus *scpi.Status
}

func NewServer(manager *conn.Manager, poller *poll.Poller, db *recorder.DB, tracker *stats.Tracker) *Server {
	return &Server{
		manager: manager,
		poller:  poller,
		db:      db,
		tracker: tracker,
	}
}

// OnReading caches the latest reading for /api/reading/latest. Register it as
// a poller sink.
func (s *Server) OnReading(r psu.Reading) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latestRead = &r
}

// OnStatus caches the latest decoded status. Register it as a poller sink.
func (s *Server) OnStatus(status scpi.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latestStatus = &status
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/connect", s.handleConnect)
	mux.HandleFunc("/api/disconnect", s.handleDisconnect)
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/idn", s.showIdentity)
	mux.HandleFunc("/api/reading/latest", s.showLatestReading)
	mux.HandleFunc("/api/readings", s.listReadings)
	mux.HandleFunc("/api/sessions", s.listSessions)
	mux.HandleFunc("/api/stats", s.showStats)
	mux.HandleFunc("/api/setpoint", s.handleSetpoint)
	mux.HandleFunc("/api/output", s.handleOutput)
	mux.HandleFunc("/api/poll/start", s.handlePollStart)
	mux.HandleFunc("/api/poll/stop", s.handlePollStop)
	mux.HandleFunc("/api/poll/demo", s.handlePollDemo)
	mux.HandleFunc("/chart", chart.Handler(s.db))
	return mux
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

type connectRequest struct {
	Transport string `json:"transport"` // "serial" or "relay"
	Target    string `json:"target"`    // device path or host:port
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Target == "" {
		s.writeJSONError(w, http.StatusBadRequest, "Missing 'target'")
		return
	}

	var err error
	switch req.Transport {
	case "serial":
		err = s.manager.ConnectSerial(req.Target)
	case "relay":
		err = s.manager.ConnectRelay(req.Target)
	default:
		s.writeJSONError(w, http.StatusBadRequest, "Unknown transport, want 'serial' or 'relay'")
		return
	}
	if err != nil {
		s.writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}

	sessionID, err := s.db.StartSession(req.Transport, req.Target)
	if err != nil {
		log.Printf("failed to start recording session: %v", err)
	}
	s.writeJSON(w, map[string]string{
		"transport": req.Transport,
		"target":    req.Target,
		"session":   sessionID,
	})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	s.poller.Stop()
	if err := s.manager.Disconnect(); err != nil {
		log.Printf("disconnect: %v", err)
	}
	s.db.EndSession()
	s.writeJSON(w, map[string]bool{"disconnected": true})
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	s.mu.Lock()
	latestStatus := s.latestStatus
	s.mu.Unlock()

	s.writeJSON(w, map[string]any{
		"connected": s.manager.Connected(),
		"transport": s.manager.Kind(),
		"target":    s.manager.Target(),
		"poll_mode": s.poller.Mode().String(),
		"session":   s.db.CurrentSession(),
		"status":    latestStatus,
		"version":   version.Version,
	})
}

func (s *Server) showIdentity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	idn, err := psu.Identify(r.Context(), s.manager)
	if err != nil {
		s.writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, map[string]string{"idn": idn})
}

func (s *Server) showLatestReading(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	s.mu.Lock()
	latest := s.latestRead
	s.mu.Unlock()
	if latest == nil {
		s.writeJSONError(w, http.StatusNotFound, "No reading yet")
		return
	}
	s.writeJSON(w, latest)
}

func (s *Server) listReadings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 || parsed > 10000 {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'limit' parameter")
			return
		}
		limit = parsed
	}

	readings, err := s.db.RecentReadings(limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, map[string]any{"readings": readings, "count": len(readings)})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	sessions, err := s.db.Sessions()
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, map[string]any{"sessions": sessions})
}

func (s *Server) showStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.writeJSON(w, s.tracker.Summarize())
}

type setpointRequest struct {
	Channel int      `json:"channel"`
	Voltage *float64 `json:"voltage,omitempty"`
	Current *float64 `json:"current,omitempty"`
}

func (s *Server) handleSetpoint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req setpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Voltage == nil && req.Current == nil {
		s.writeJSONError(w, http.StatusBadRequest, "Need 'voltage' and/or 'current'")
		return
	}

	ch := scpi.Channel(req.Channel)
	if req.Voltage != nil {
		if err := psu.SetVoltage(s.manager, ch, *req.Voltage); err != nil {
			s.setpointError(w, err)
			return
		}
	}
	if req.Current != nil {
		if err := psu.SetCurrent(s.manager, ch, *req.Current); err != nil {
			s.setpointError(w, err)
			return
		}
	}
	s.writeJSON(w, map[string]bool{"ok": true})
}

func (s *Server) setpointError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	if errors.Is(err, psu.ErrBadChannel) {
		status = http.StatusBadRequest
	}
	s.writeJSONError(w, status, err.Error())
}

type outputRequest struct {
	Channel int  `json:"channel"`
	On      bool `json:"on"`
}

func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req outputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := psu.SetOutput(s.manager, scpi.Channel(req.Channel), req.On); err != nil {
		s.setpointError(w, err)
		return
	}
	s.writeJSON(w, map[string]bool{"ok": true})
}

func (s *Server) handlePollStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if err := s.poller.Start(); err != nil {
		s.writeJSONError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, map[string]string{"poll_mode": s.poller.Mode().String()})
}

func (s *Server) handlePollStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.poller.Stop()
	s.writeJSON(w, map[string]string{"poll_mode": s.poller.Mode().String()})
}

func (s *Server) handlePollDemo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if err := s.poller.StartDemo(); err != nil {
		s.writeJSONError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, map[string]string{"poll_mode": s.poller.Mode().String()})
}
