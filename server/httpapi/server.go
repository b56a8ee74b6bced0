package httpapi

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coursedesk/triage/db"
	"github.com/coursedesk/triage/logger"
	"github.com/coursedesk/triage/pkg/metrics"
	"github.com/coursedesk/triage/triage"
)

// Server exposes the triage engine over HTTP.
type Server struct {
	addr         string
	apiKey       string
	allowedHosts []string
	engine       *triage.Engine
	server       *http.Server
	tls          bool
	tlsCertFile  string
	tlsKeyFile   string
}

// ServerOptions holds configuration options for the HTTP API server.
type ServerOptions struct {
	Addr         string
	APIKey       string
	AllowedHosts []string
	TLS          bool
	TLSCertFile  string
	TLSKeyFile   string
}

// New creates a new HTTP API server.
func New(engine *triage.Engine, options ServerOptions) (*Server, error) {
	if options.APIKey == "" {
		return nil, fmt.Errorf("API key is required for HTTP API server")
	}
	if options.TLS && (options.TLSCertFile == "" || options.TLSKeyFile == "") {
		return nil, fmt.Errorf("TLS certificate and key files are required when TLS is enabled")
	}
	return &Server{
		addr:         options.Addr,
		apiKey:       options.APIKey,
		allowedHosts: options.AllowedHosts,
		engine:       engine,
		tls:          options.TLS,
		tlsCertFile:  options.TLSCertFile,
		tlsKeyFile:   options.TLSKeyFile,
	}, nil
}

// Start runs the server until the context is cancelled, reporting a fatal
// startup or serve error on errChan.
func Start(ctx context.Context, engine *triage.Engine, options ServerOptions, errChan chan error) {
	server, err := New(engine, options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create HTTP API server: %w", err)
		return
	}

	protocol := "HTTP"
	if options.TLS {
		protocol = "HTTPS"
	}
	logger.Info("[HTTPAPI] starting server", "protocol", protocol, "addr", options.Addr)
	if err := server.start(ctx); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
		errChan <- fmt.Errorf("HTTP API server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		logger.Info("[HTTPAPI] shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("[HTTPAPI] error shutting down server", "error", err)
		}
	}()

	if s.tls {
		s.server.TLSConfig = &tls.Config{
			Renegotiation: tls.RenegotiateNever,
		}
		return s.server.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	}
	return s.server.ListenAndServe()
}

func (s *Server) setupRoutes() http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/inbound", s.handleInbound).Methods(http.MethodPost)

	api.HandleFunc("/threads", s.handleListThreads).Methods(http.MethodGet)
	api.HandleFunc("/threads/unanswered_count", s.handleUnansweredCount).Methods(http.MethodGet)
	api.HandleFunc("/threads/{id:[0-9]+}", s.handleGetThread).Methods(http.MethodGet)
	api.HandleFunc("/threads/{id:[0-9]+}", s.handleSoftDelete).Methods(http.MethodDelete)
	api.HandleFunc("/threads/{id:[0-9]+}/messages/{mid:[0-9]+}/raw", s.handleRawMessage).Methods(http.MethodGet)
	api.HandleFunc("/threads/{id:[0-9]+}/reply", s.handleReply).Methods(http.MethodPost)
	api.HandleFunc("/threads/{id:[0-9]+}/status", s.handleSetStatus).Methods(http.MethodPost)
	api.HandleFunc("/threads/{id:[0-9]+}/mute", s.handleSetMuted).Methods(http.MethodPost)
	api.HandleFunc("/threads/{id:[0-9]+}/course", s.handleLinkCourse).Methods(http.MethodPost)
	api.HandleFunc("/threads/{id:[0-9]+}/restore", s.handleRestore).Methods(http.MethodPost)
	api.HandleFunc("/threads/{id:[0-9]+}/purge", s.handlePurge).Methods(http.MethodDelete)

	api.HandleFunc("/unmatched", s.handleListUnmatched).Methods(http.MethodGet)
	api.HandleFunc("/unmatched/{id:[0-9]+}/assign", s.handleAssignUnmatched).Methods(http.MethodPost)
	api.HandleFunc("/unmatched/{id:[0-9]+}", s.handleDiscardUnmatched).Methods(http.MethodDelete)

	api.HandleFunc("/settings", s.handleGetSettings).Methods(http.MethodGet)
	api.HandleFunc("/settings", s.handleUpdateSettings).Methods(http.MethodPut)

	api.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)

	// Middleware in reverse order; last applied is outermost.
	handler := s.loggingMiddleware(r)
	handler = s.allowedHostsMiddleware(handler)
	handler = s.authMiddleware(handler)
	return handler
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The websocket endpoint needs the raw ResponseWriter for the
		// protocol upgrade.
		if strings.HasSuffix(r.URL.Path, "/events") {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method).Observe(elapsed.Seconds())
		logger.Debug("[HTTPAPI] request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", elapsed)
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := getClientIP(r)
		allowed := false
		for _, allowedHost := range s.allowedHosts {
			if allowedHost == clientIP {
				allowed = true
				break
			}
			if strings.Contains(allowedHost, "/") {
				if _, cidr, err := net.ParseCIDR(allowedHost); err == nil {
					if ip := net.ParseIP(clientIP); ip != nil && cidr.Contains(ip) {
						allowed = true
						break
					}
				}
			}
		}
		if !allowed {
			s.writeError(w, http.StatusForbidden, "Host not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		token := bearerToken(r)
		if token == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bearerToken extracts the API key from the Authorization header, or, for
// the websocket endpoint where browsers cannot set headers, from the
// access_token query parameter.
func bearerToken(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return parts[1]
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("[HTTPAPI] error encoding JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeEngineError maps engine and database errors onto HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, db.ErrThreadNotFound),
		errors.Is(err, db.ErrMessageNotFound),
		errors.Is(err, db.ErrUnmatchedNotFound),
		errors.Is(err, db.ErrCourseNotFound),
		errors.Is(err, triage.ErrRawUnavailable):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, triage.ErrBusy):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, triage.ErrInvalidTransition):
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, db.ErrSettingsOutOfRange):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		logger.Errorf("[HTTPAPI] internal error: %v", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func pathID(r *http.Request) (int64, error) {
	return pathInt(r, "id")
}

func pathInt(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)[name], 10, 64)
}
