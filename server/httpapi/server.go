package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/migadu/warden/engine"
	"github.com/migadu/warden/logger"
	apierrors "github.com/migadu/warden/pkg/errors"
	"github.com/migadu/warden/pkg/health"
	"github.com/migadu/warden/pkg/metrics"
	"github.com/migadu/warden/policy"
	"github.com/migadu/warden/replication"
	"github.com/migadu/warden/statsdb"
)

const maxBodySize = 1 << 20

// SiblingManager is the part of the replicator the sibling commands drive.
type SiblingManager interface {
	AddSibling(host string, port int, proto replication.Proto, key *[32]byte) error
	RemoveSibling(host string, port int) error
	SetSiblings(sibs []replication.Sibling) error
	SiblingStates() map[string]string
}

// HealthReporter backs the ping command.
type HealthReporter interface {
	GetOverallStatus() health.ComponentStatus
}

// Server represents the command API server
type Server struct {
	addr           string
	apiKey         string
	allowedHosts   []string
	trustedProxies []string
	engine         *engine.Engine
	siblings       SiblingManager
	health         HealthReporter
	server         *http.Server
	tls            bool
	tlsCertFile    string
	tlsKeyFile     string
	readTimeout    time.Duration
	writeTimeout   time.Duration

	started  time.Time
	commands map[string]*command
}

// ServerOptions holds configuration options for the command API server
type ServerOptions struct {
	Addr           string
	APIKey         string
	AllowedHosts   []string
	TrustedProxies []string       // Peers whose X-Forwarded-For / X-Real-IP headers are believed
	Siblings       SiblingManager // nil when replication is disabled
	Health         HealthReporter // optional
	TLS            bool
	TLSCertFile    string
	TLSKeyFile     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// New creates a new command API server
func New(eng *engine.Engine, options ServerOptions) (*Server, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine is required for HTTP API server")
	}
	if options.APIKey == "" {
		return nil, fmt.Errorf("API key is required for HTTP API server")
	}

	// Validate TLS configuration
	if options.TLS {
		if options.TLSCertFile == "" || options.TLSKeyFile == "" {
			return nil, fmt.Errorf("TLS certificate and key files are required when TLS is enabled")
		}
	}

	s := &Server{
		addr:           options.Addr,
		apiKey:         options.APIKey,
		allowedHosts:   options.AllowedHosts,
		trustedProxies: options.TrustedProxies,
		engine:         eng,
		siblings:       options.Siblings,
		health:         options.Health,
		tls:            options.TLS,
		tlsCertFile:    options.TLSCertFile,
		tlsKeyFile:     options.TLSKeyFile,
		readTimeout:    options.ReadTimeout,
		writeTimeout:   options.WriteTimeout,
		started:        time.Now(),
	}
	s.commands = s.commandTable()

	return s, nil
}

// Start starts the command API server and blocks until ctx is cancelled.
func Start(ctx context.Context, eng *engine.Engine, options ServerOptions, errChan chan error) {
	server, err := New(eng, options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create HTTP API server: %w", err)
		return
	}

	protocol := "HTTP"
	if options.TLS {
		protocol = "HTTPS"
	}
	logger.Info("Starting command API server", "protocol", protocol, "addr", options.Addr)
	if err := server.start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		errChan <- fmt.Errorf("HTTP API server failed: %w", err)
	}
}

// start initializes and starts the HTTP server
func (s *Server) start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		logger.Info("Shutting down command API server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down command API server", "error", err)
		}
	}()

	// Start server with or without TLS
	if s.tls {
		return s.server.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	}
	return s.server.ListenAndServe()
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// setupRoutes configures all HTTP routes and middleware
func (s *Server) setupRoutes() *mux.Router {
	router := mux.NewRouter()

	// Add middleware
	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)
	router.Use(s.authMiddleware)

	router.HandleFunc("/command/{name}", s.handleCommand)
	router.HandleFunc("/", s.handleCommand).Queries("command", "{name}")

	return router
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.DebugContext(r.Context(), "HTTP API request", "method", r.Method, "path", r.URL.Path,
			"command", commandName(r), "remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			// No restrictions, allow all hosts
			next.ServeHTTP(w, r)
			return
		}

		clientIP := s.clientIP(r)
		if !hostMatches(clientIP, s.allowedHosts) {
			logger.WarnContext(r.Context(), "HTTP API: host not allowed", "client", clientIP, "remote", r.RemoteAddr)
			s.writeError(w, http.StatusForbidden, "Host not allowed")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// hostMatches reports whether ip equals one of hosts or falls inside one of
// its CIDR blocks.
func hostMatches(ip string, hosts []string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, h := range hosts {
		if strings.Contains(h, "/") {
			if prefix, err := netip.ParsePrefix(h); err == nil && prefix.Contains(addr) {
				return true
			}
			continue
		}
		if a, err := netip.ParseAddr(h); err == nil && a.Unmap() == addr {
			return true
		}
	}
	return false
}

// authMiddleware accepts the API key either as a Bearer token or as the
// password of HTTP Basic credentials. The user name is ignored.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			w.Header().Set("WWW-Authenticate", `Basic realm="warden"`)
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		var presented string
		if _, pass, ok := r.BasicAuth(); ok {
			presented = pass
		} else {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>' or Basic credentials")
				return
			}
			presented = parts[1]
		}

		if subtle.ConstantTimeCompare([]byte(presented), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Command dispatch

type commandFunc func(r *http.Request) (any, error)

type command struct {
	methods []string
	fn      commandFunc
	count   atomic.Int64
}

func (c *command) accepts(method string) bool {
	for _, m := range c.methods {
		if m == method {
			return true
		}
	}
	return false
}

func commandName(r *http.Request) string {
	if name := mux.Vars(r)["name"]; name != "" {
		return name
	}
	return r.URL.Query().Get("command")
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	name := commandName(r)
	cmd, ok := s.commands[name]
	if !ok {
		s.writeFailure(w, http.StatusNotFound, fmt.Sprintf("unknown command %q", name))
		return
	}
	if !cmd.accepts(r.Method) {
		w.Header().Set("Allow", strings.Join(cmd.methods, ", "))
		s.writeFailure(w, http.StatusMethodNotAllowed, fmt.Sprintf("%s does not accept %s", name, r.Method))
		return
	}

	start := time.Now()
	cmd.count.Add(1)
	metrics.CommandsTotal.WithLabelValues(name).Inc()
	defer func() {
		metrics.CommandDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}()

	resp, err := cmd.fn(r)
	if err != nil {
		s.fail(w, r, name, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// fail maps a command error onto its HTTP status. Missing list entries and
// unknown siblings are 404, bad input is 400 and everything else is 500.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, name string, err error) {
	err = statusError(err)
	status := apierrors.HTTPStatus(err)
	switch {
	case status == http.StatusNotFound:
		logger.DebugContext(r.Context(), "HTTP API: command target not found", "command", name, "error", err)
		s.writeJSON(w, status, map[string]string{"status": "not_found"})
		return
	case status >= http.StatusInternalServerError:
		logger.ErrorContext(r.Context(), "HTTP API: command failed", "command", name, "error", err)
	default:
		logger.DebugContext(r.Context(), "HTTP API: command rejected", "command", name, "error", err)
	}
	s.writeFailure(w, status, apierrors.Reason(err))
}

// statusError gives domain sentinel errors their API status. Anything else
// is returned unchanged.
func statusError(err error) error {
	var se *apierrors.StatusError
	switch {
	case errors.As(err, &se):
		return err
	case errors.Is(err, policy.ErrNotFound),
		errors.Is(err, replication.ErrUnknownSibling):
		return apierrors.NotFound(err.Error())
	case errors.Is(err, policy.ErrInvalidKey),
		errors.Is(err, policy.ErrInvalidExpiry),
		errors.Is(err, engine.ErrNoResetKey),
		errors.Is(err, statsdb.ErrMissingKeyPart),
		errors.Is(err, replication.ErrNoKey):
		return apierrors.BadRequest(err.Error())
	}
	return err
}

// decodeBody reads a JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return apierrors.BadRequest("request body required")
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apierrors.BadRequest("request body required")
		}
		return &apierrors.StatusError{Code: http.StatusBadRequest, Reason: "invalid JSON body", Err: err}
	}
	return nil
}

// Utility functions

// clientIP returns the peer address of r. X-Forwarded-For and X-Real-IP are
// only honoured when the peer is one of the configured trusted proxies.
func (s *Server) clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if len(s.trustedProxies) == 0 || !hostMatches(host, s.trustedProxies) {
		return host
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	return host
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("HTTP API: error encoding JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) writeFailure(w http.ResponseWriter, status int, reason string) {
	s.writeJSON(w, status, failureResponse{Status: "failure", Reason: reason})
}
