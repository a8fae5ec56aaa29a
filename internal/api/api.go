// Package api implements the REST/WebSocket surface of the bridge.
//
// Routes:
//
//	GET  /api/v1/status   — link state and traffic counters
//	GET  /api/v1/frames   — recorded frame history (most recent first)
//	POST /api/v1/send     — write bytes to the serial link
//	GET  /api/v1/stream   — WebSocket live event stream
//
// Framework: standard library net/http mux with zap request logging.
package api

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/andrestotorica/hm10link/internal/store"
)

// Sender writes a buffer to the serial link, blocking until it was
// accepted by the device or an error/timeout occurred.
type Sender interface {
	Send(p []byte) error
}

// StatusFunc returns the JSON-serialisable status document.
type StatusFunc func() interface{}

// SubscribeFunc registers a live-stream client; it returns a channel of
// JSON-serialisable events and an unsubscribe function.
type SubscribeFunc func() (<-chan interface{}, func())

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// Server holds handler dependencies.
type Server struct {
	db        *store.DB
	sender    Sender
	statusFn  StatusFunc
	subscribe SubscribeFunc
	log       *zap.Logger
}

// NewRouter wires all /api/v1/* routes and returns an http.Handler.
func NewRouter(
	db *store.DB,
	sender Sender,
	statusFn StatusFunc,
	subscribe SubscribeFunc,
	log *zap.Logger,
) http.Handler {
	s := &Server{db: db, sender: sender, statusFn: statusFn, subscribe: subscribe, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/status", s.status)
	mux.HandleFunc("GET /api/v1/frames", s.listFrames)
	mux.HandleFunc("POST /api/v1/send", s.send)
	mux.HandleFunc("GET /api/v1/stream", s.eventStream)

	return withLogging(log, mux)
}

// ── Status ────────────────────────────────────────────────────────────────

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
		"link":   s.statusFn(),
	})
}

// ── Frames ────────────────────────────────────────────────────────────────

func (s *Server) listFrames(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50, 1, 1000)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	frames, err := s.db.ListFrames(limit)
	if err != nil {
		s.log.Error("api: list frames", zap.Error(err))
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"frames": frames,
		"count":  len(frames),
	})
}

// ── Send ──────────────────────────────────────────────────────────────────

type sendRequest struct {
	// Text is written as-is. Mutually exclusive with Payload.
	Text string `json:"text,omitempty"`
	// Payload is base64-encoded binary data.
	Payload string `json:"payload,omitempty"`
}

func (s *Server) send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	var data []byte
	switch {
	case req.Text != "" && req.Payload != "":
		http.Error(w, "text and payload are mutually exclusive", http.StatusBadRequest)
		return
	case req.Text != "":
		data = []byte(req.Text)
	case req.Payload != "":
		var err error
		data, err = base64.StdEncoding.DecodeString(req.Payload)
		if err != nil {
			http.Error(w, "payload is not valid base64", http.StatusBadRequest)
			return
		}
	default:
		http.Error(w, "text or payload required", http.StatusBadRequest)
		return
	}

	if err := s.sender.Send(data); err != nil {
		s.log.Warn("api: send", zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sent":  true,
		"bytes": len(data),
	})
}

// ── WebSocket event stream ────────────────────────────────────────────────

func (s *Server) eventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("api: ws upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	ch, unsub := s.subscribe()
	defer unsub()

	ping := time.NewTicker(20 * time.Second)
	defer ping.Stop()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				s.log.Debug("api: ws write", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// ── Middleware ────────────────────────────────────────────────────────────

func withLogging(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rw, r)
		log.Debug("api",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.code),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	code int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.code = code
	rw.ResponseWriter.WriteHeader(code)
}

// ── helpers ───────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func queryInt(r *http.Request, key string, def, min, max int) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < min || n > max {
		return 0, fmt.Errorf("%s must be %d–%d", key, min, max)
	}
	return n, nil
}
