// Package proxy processes inbound proxy messages.
//
// For every request the Handler
//
//  1. decodes the multi-part body (mime.Decoder, caches spill to disk)
//  2. verifies the detached signature over the part manifest and the
//     signer's revocation status using the embedded OCSP responses
//  3. appends the envelope and signature to the secure ledger
//
// and answers with the assigned record number. Any failure is answered
// with a SOAP fault. Decoded attachments are released on every path.
package proxy

import (
	"bufio"
	"bytes"
	"context"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/textproto"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sirosfoundation/go-secgw/pkg/ledger"
	"github.com/sirosfoundation/go-secgw/pkg/message"
	"github.com/sirosfoundation/go-secgw/pkg/mime"
	"github.com/sirosfoundation/go-secgw/pkg/security"
)

// QueryIDHeader carries the query id in the head of a REST request or response
const QueryIDHeader = "X-Query-Id"

// DefaultMaxMessageSize bounds the request body
const DefaultMaxMessageSize = 1 << 30

// Ledger records verified messages
type Ledger interface {
	Append(ctx context.Context, queryID string, message, signature []byte) (*ledger.MessageRecord, error)
}

// Verifier checks a detached signature and the signer's revocation status
type Verifier interface {
	Verify(signature, content []byte, ocspResponses [][]byte) (*x509.Certificate, error)
}

// Config configures a Handler
type Config struct {
	Decoder        *mime.Decoder
	Verifier       Verifier
	Ledger         Ledger
	MaxMessageSize int64
	Registerer     prometheus.Registerer
	Logger         *slog.Logger
}

// Result is the response to a logged message
type Result struct {
	Number  uint64 `json:"number"`
	QueryID string `json:"queryId"`
}

// Handler is the POST /message endpoint
type Handler struct {
	decoder  *mime.Decoder
	verifier Verifier
	ledger   Ledger
	maxSize  int64
	logger   *slog.Logger

	requests *prometheus.CounterVec
	duration prometheus.Histogram
}

// NewHandler creates a Handler
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Verifier == nil {
		return nil, errors.New("proxy: verifier is required")
	}
	if cfg.Ledger == nil {
		return nil, errors.New("proxy: ledger is required")
	}
	h := &Handler{
		decoder:  cfg.Decoder,
		verifier: cfg.Verifier,
		ledger:   cfg.Ledger,
		maxSize:  cfg.MaxMessageSize,
		logger:   cfg.Logger,
	}
	if h.decoder == nil {
		h.decoder = mime.NewDecoder(mime.DecoderConfig{})
	}
	if h.maxSize <= 0 {
		h.maxSize = DefaultMaxMessageSize
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	h.logger = h.logger.With("component", "proxy")
	if cfg.Registerer != nil {
		f := promauto.With(cfg.Registerer)
		h.requests = f.NewCounterVec(prometheus.CounterOpts{
			Name: "secgw_proxy_messages_total",
			Help: "Proxy messages processed by outcome fault code.",
		}, []string{"code"})
		h.duration = f.NewHistogram(prometheus.HistogramOpts{
			Name:    "secgw_proxy_message_duration_seconds",
			Help:    "Time to decode, verify and log a proxy message.",
			Buckets: prometheus.DefBuckets,
		})
	}
	return h, nil
}

// Process decodes, verifies and logs one message. Errors are *message.Fault.
func (h *Handler) Process(ctx context.Context, body io.Reader, contentType string) (*Result, error) {
	msg := mime.NewProxyMessage()
	defer func() {
		if err := msg.Consume(); err != nil {
			h.logger.Warn("failed to release message caches", "error", err)
		}
	}()

	if err := h.decoder.Decode(body, contentType, msg); err != nil {
		var decErr *mime.DecodeError
		if errors.As(err, &decErr) {
			return nil, message.NewFault(message.FaultInvalidMessage, "%s", decErr.Error())
		}
		return nil, message.NewFault(message.FaultInternal, "failed to read message: %v", err)
	}
	if f := msg.Fault(); f != nil {
		return nil, message.NewFault(message.FaultInvalidMessage, "fault messages are not logged: %s", f.Error())
	}

	queryID, logged, err := loggedContent(msg)
	if err != nil {
		return nil, message.NewFault(message.FaultInvalidMessage, "%v", err)
	}

	manifest, err := msg.SignatureManifest()
	if err != nil {
		return nil, message.NewFault(message.FaultInvalidMessage, "%v", err)
	}
	signer, err := h.verifier.Verify(msg.Signature(), manifest, msg.OCSPResponses())
	if err != nil {
		return nil, verificationFault(err)
	}

	rec, err := h.ledger.Append(ctx, queryID, logged, msg.Signature())
	if err != nil {
		if errors.Is(err, ledger.ErrLoggingUnavailable) {
			return nil, message.LoggingUnavailable()
		}
		h.logger.Error("failed to log message", "query_id", queryID, "error", err)
		return nil, message.NewFault(message.FaultInternal, "failed to log message")
	}
	h.logger.Info("message logged",
		"query_id", queryID,
		"number", rec.Number,
		"signer", signer.Subject.String(),
		"attachments", len(msg.Attachments()),
		"variant", msg.Variant().String())
	return &Result{Number: rec.Number, QueryID: queryID}, nil
}

// loggedContent returns the query id and the bytes recorded in the ledger:
// the envelope, or the REST head for REST messages.
func loggedContent(msg *mime.ProxyMessage) (string, []byte, error) {
	if rest := msg.REST(); rest != nil {
		id, err := restQueryID(rest.Data)
		if err != nil {
			return "", nil, err
		}
		return id, rest.Data, nil
	}
	env := msg.Envelope()
	if env == nil {
		return "", nil, mime.ErrNoEnvelope
	}
	parsed, err := message.ParseEnvelope(env.Data)
	if err != nil {
		return "", nil, err
	}
	return parsed.QueryID(), env.Data, nil
}

// restQueryID reads the query id header from an HTTP style head
func restQueryID(head []byte) (string, error) {
	tp := textproto.NewReader(bufio.NewReader(io.MultiReader(bytes.NewReader(head), bytes.NewReader([]byte("\r\n\r\n")))))
	if _, err := tp.ReadLine(); err != nil {
		return "", fmt.Errorf("reading REST start line: %w", err)
	}
	header, err := tp.ReadMIMEHeader()
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading REST headers: %w", err)
	}
	id := header.Get(QueryIDHeader)
	if id == "" {
		return "", fmt.Errorf("REST head has no %s header", QueryIDHeader)
	}
	return id, nil
}

func verificationFault(err error) *message.Fault {
	var ivi *security.IncorrectValidationInfo
	var cvf *security.CertValidationFailure
	switch {
	case errors.As(err, &cvf):
		return message.NewFault(message.FaultCertificateInvalid, "%s", cvf.Error())
	case errors.As(err, &ivi):
		return message.NewFault(message.FaultIncorrectOCSP, "%s", ivi.Error())
	case errors.Is(err, security.ErrNoResponse):
		return message.NewFault(message.FaultIncorrectOCSP, "%v", err)
	case security.IsSignatureError(err):
		return message.NewFault(message.FaultInvalidSignature, "%v", err)
	default:
		return message.NewFault(message.FaultInternal, "verification failed: %v", err)
	}
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	body := http.MaxBytesReader(w, r.Body, h.maxSize)

	result, err := h.Process(r.Context(), body, r.Header.Get("Content-Type"))
	if h.duration != nil {
		h.duration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		var fault *message.Fault
		if !errors.As(err, &fault) {
			fault = message.NewFault(message.FaultInternal, "%v", err)
		}
		h.count(fault.Code)
		h.logger.Debug("message rejected", "code", fault.Code, "reason", fault.String,
			"remote_addr", r.RemoteAddr)
		WriteFault(w, fault)
		return
	}
	h.count("ok")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(result)
}

func (h *Handler) count(code string) {
	if h.requests != nil {
		h.requests.WithLabelValues(code).Inc()
	}
}

// WriteFault writes f as a SOAP fault with a matching status code
func WriteFault(w http.ResponseWriter, f *message.Fault) {
	w.Header().Set("Content-Type", mime.ContentTypeTextXML+"; charset=UTF-8")
	w.WriteHeader(FaultStatus(f))
	_, _ = w.Write(f.Bytes())
}

// FaultStatus maps a fault code to an HTTP status
func FaultStatus(f *message.Fault) int {
	switch f.Code {
	case message.FaultLoggingUnavailable:
		return http.StatusServiceUnavailable
	case message.FaultInternal, message.FaultServer:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}
