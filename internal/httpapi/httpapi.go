// Package httpapi is the external interface shell around the dispatch
// core: gorilla/mux routing, a gorilla/websocket upgrade endpoint wired
// to internal/notify, and the rs/cors + logging/recover middleware chain
// the teacher's main.go assembles. It carries no business logic of its
// own — every handler decodes a request, calls into internal/orchestrator
// or internal/recovery, and encodes the result or error.
package httpapi

import (
	"encoding/json"
	"log"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"github.com/aj9599/ev-dispatch/internal/apperr"
	"github.com/aj9599/ev-dispatch/internal/notify"
	"github.com/aj9599/ev-dispatch/internal/orchestrator"
	"github.com/aj9599/ev-dispatch/internal/recovery"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

var startTime = time.Now()

// Server wires the router, CORS handler, and websocket hub together.
type Server struct {
	router *mux.Router
	hub    *notify.Hub
}

// New builds the router. core is the orchestrator; rec is consulted only
// for the admin force-sync operation, which needs no session-level
// serialization the orchestrator would otherwise provide.
func New(core *orchestrator.Orchestrator, hub *notify.Hub, rec *recovery.Recovery) *Server {
	s := &Server{router: mux.NewRouter(), hub: hub}

	s.router.Use(recoverMiddleware)
	s.router.Use(securityHeadersMiddleware)
	s.router.Use(loggingMiddleware)

	s.router.HandleFunc("/api/health", healthCheck).Methods("GET")
	s.router.HandleFunc("/api/version", versionHandler).Methods("GET")
	s.router.HandleFunc("/ws", s.handleWebsocket).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/requests", s.handleSubmit(core)).Methods("POST")
	api.HandleFunc("/requests/{id}/modify", s.handleModify(core)).Methods("PUT")
	api.HandleFunc("/requests/{id}/cancel", s.handleCancel(core)).Methods("POST")
	api.HandleFunc("/users/{id}/status", s.handleQueryStatus(core)).Methods("GET")
	api.HandleFunc("/system/status", s.handleSystemStatus(core)).Methods("GET")
	api.HandleFunc("/admin/piles/{id}/stop", s.handleAdminStopPile(core)).Methods("POST")
	api.HandleFunc("/admin/piles/{id}/start", s.handleAdminStartPile(core)).Methods("POST")
	api.HandleFunc("/admin/force-sync", s.handleAdminForceSync(rec)).Methods("POST")

	return s
}

// Handler returns the fully wrapped handler (CORS-then-router), ready to
// hand to an *http.Server.
func (s *Server) Handler(allowedOrigins []string) http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Requested-With"},
		ExposedHeaders:   []string{"Content-Length", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}).Handler(s.router)
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("⚠️  websocket upgrade failed: %v", err)
		return
	}
	unregister := s.hub.Register(conn)

	// The connection is push-only; we still need a read loop to notice
	// the client going away (close frames, dead TCP) and unregister.
	go func() {
		defer unregister()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("❌ PANIC RECOVERED: %v", err)
				log.Printf("stack trace:\n%s", debug.Stack())
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		log.Printf("→ [%s] %s - %d in %v", r.Method, r.URL.Path, wrapped.statusCode, time.Since(start))
	})
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(startTime).String(),
	})
}

func versionHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": "1.0.0"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusForError maps an apperr.Code to the HTTP status the teacher's
// handlers would return for the equivalent rejection.
func statusForError(err error) int {
	switch apperr.CodeOf(err) {
	case apperr.Validation:
		return http.StatusBadRequest
	case apperr.Admission:
		return http.StatusConflict
	case apperr.Inconsistency:
		return http.StatusConflict
	case apperr.Transient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeAppError(w http.ResponseWriter, err error) {
	writeError(w, statusForError(err), err.Error())
}

func pathVar(r *http.Request, name string) string {
	return mux.Vars(r)[name]
}
