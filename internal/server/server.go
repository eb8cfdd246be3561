// Package server provides the HTTP surface of the gateway.
//
// # Proxy Endpoint
//
//	POST /message - decode, verify and log one proxy message
//
// # Revocation Endpoint
//
//	GET  /?cert=<hash>&cert=... - cached OCSP responses, multipart/related
//	HEAD /                      - liveness probe
//
// # Diagnostics
//
//	GET /diagnostics/timestamper
//	GET /diagnostics/admission
//	GET /diagnostics/ocsp
//	GET /metrics (if enabled)
//
// Connections are accepted through an admission.Listener, so at most
// MaxParallel connections are served at once.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sirosfoundation/go-secgw/internal/config"
	"github.com/sirosfoundation/go-secgw/pkg/admission"
	"github.com/sirosfoundation/go-secgw/pkg/mime"
	"github.com/sirosfoundation/go-secgw/pkg/security"
	"github.com/sirosfoundation/go-secgw/pkg/timestamp"
	"github.com/sirosfoundation/go-secgw/pkg/transport"
)

// TimestamperStatus reports timestamper diagnostics
type TimestamperStatus interface {
	Status() timestamp.Status
}

// OCSPCache serves cached OCSP responses
type OCSPCache interface {
	Get(certHash string) ([]byte, bool)
	Entries() []security.CacheEntry
}

// OCSPCounters reports verification failures
type OCSPCounters interface {
	Counters() []security.FailureCount
}

// LedgerStatus reports whether the ledger refuses new messages
type LedgerStatus interface {
	Degraded() (bool, time.Time)
}

// Deps are the components served over HTTP. Nil components disable their
// diagnostics endpoint.
type Deps struct {
	Proxy       http.Handler
	Admission   *admission.Controller
	OCSPCache   OCSPCache
	OCSPStats   OCSPCounters
	Timestamper TimestamperStatus
	Ledger      LedgerStatus
	Gatherer    prometheus.Gatherer
}

// Server is the gateway HTTP server
type Server struct {
	config  *config.Config
	deps    Deps
	logger  *slog.Logger
	httpSrv *http.Server
	ln      net.Listener
}

// New creates a server
func New(cfg *config.Config, deps Deps, logger *slog.Logger) (*Server, error) {
	if deps.Proxy == nil {
		return nil, errors.New("server: proxy handler is required")
	}
	if deps.Admission == nil {
		return nil, errors.New("server: admission controller is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config: cfg,
		deps:   deps,
		logger: logger.With("component", "server"),
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
	if cfg.Server.TLS.Enabled {
		s.httpSrv.TLSConfig = transport.DefaultHTTPSConfig().ServerTLSConfig()
	}
	return s, nil
}

// Handler returns the routing handler
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Listen binds the configured address behind the admission controller
func (s *Server) Listen() (net.Addr, error) {
	inner, err := net.Listen("tcp", s.config.Server.Addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", s.config.Server.Addr, err)
	}
	s.ln = admission.NewListener(inner, s.deps.Admission)
	return s.ln.Addr(), nil
}

// Serve serves until Shutdown. Listen must be called first.
func (s *Server) Serve() error {
	if s.ln == nil {
		return errors.New("server: not listening")
	}
	tls := s.config.Server.TLS
	s.logger.Info("starting server", "addr", s.ln.Addr().String(), "tls", tls.Enabled)

	var err error
	if tls.Enabled {
		err = s.httpSrv.ServeTLS(s.ln, tls.CertFile, tls.KeyFile)
	} else {
		err = s.httpSrv.Serve(s.ln)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.Handle("POST /message", s.deps.Proxy)
	mux.HandleFunc("/{$}", s.handleRoot)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /diagnostics/admission", s.handleAdmission)
	if s.deps.Timestamper != nil {
		mux.HandleFunc("GET /diagnostics/timestamper", s.handleTimestamper)
	}
	if s.deps.OCSPCache != nil {
		mux.HandleFunc("GET /diagnostics/ocsp", s.handleOCSPDiagnostics)
	}

	if m := s.config.Metrics.Metrics; m.Enabled && s.deps.Gatherer != nil {
		path := m.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodHead:
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		s.handleOCSPResponses(w, r)
	default:
		w.Header().Set("Allow", "GET, HEAD")
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleOCSPResponses writes one OCSP response part per requested
// certificate hash, in request order.
func (s *Server) handleOCSPResponses(w http.ResponseWriter, r *http.Request) {
	hashes := r.URL.Query()["cert"]
	if len(hashes) == 0 {
		s.jsonError(w, "no certificate hashes requested", http.StatusBadRequest)
		return
	}
	if s.deps.OCSPCache == nil {
		s.jsonError(w, "no OCSP responses available", http.StatusNotFound)
		return
	}

	responses := make([][]byte, 0, len(hashes))
	for _, hash := range hashes {
		der, ok := s.deps.OCSPCache.Get(hash)
		if !ok {
			s.logger.Debug("OCSP response not cached", "cert_hash", hash)
			s.jsonError(w, "no OCSP response for certificate "+hash, http.StatusNotFound)
			return
		}
		responses = append(responses, der)
	}

	boundary := mime.GenerateBoundary()
	w.Header().Set("Content-Type", fmt.Sprintf("%s; boundary=%q", mime.ContentTypeMultipartRelated, boundary))
	w.WriteHeader(http.StatusOK)

	mw := multipart.NewWriter(w)
	if err := mw.SetBoundary(boundary); err != nil {
		s.logger.Error("failed to set boundary", "error", err)
		return
	}
	for _, der := range responses {
		header := textproto.MIMEHeader{}
		header.Set("Content-Type", mime.ContentTypeOCSPResponse)
		part, err := mw.CreatePart(header)
		if err == nil {
			_, err = part.Write(der)
		}
		if err != nil {
			s.logger.Warn("failed to write OCSP response", "error", err)
			return
		}
	}
	if err := mw.Close(); err != nil {
		s.logger.Warn("failed to close OCSP response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"status": "ok"}
	if s.deps.Ledger != nil {
		if degraded, since := s.deps.Ledger.Degraded(); degraded {
			status["status"] = "degraded"
			status["degradedSince"] = since
		}
	}
	s.jsonResponse(w, status, http.StatusOK)
}

func (s *Server) handleAdmission(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, s.deps.Admission.Stats(), http.StatusOK)
}

func (s *Server) handleTimestamper(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, s.deps.Timestamper.Status(), http.StatusOK)
}

type ocspDiagnostics struct {
	Responses []security.CacheEntry   `json:"responses"`
	Failures  []security.FailureCount `json:"failures,omitempty"`
}

func (s *Server) handleOCSPDiagnostics(w http.ResponseWriter, r *http.Request) {
	d := ocspDiagnostics{Responses: s.deps.OCSPCache.Entries()}
	if s.deps.OCSPStats != nil {
		d.Failures = s.deps.OCSPStats.Counters()
	}
	s.jsonResponse(w, d, http.StatusOK)
}

func (s *Server) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Debug("failed to write response", "error", err)
	}
}

func (s *Server) jsonError(w http.ResponseWriter, message string, status int) {
	s.jsonResponse(w, map[string]string{"error": message}, status)
}
