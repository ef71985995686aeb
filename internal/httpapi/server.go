package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/omnivia/importd/internal/admission"
	"github.com/omnivia/importd/internal/importer"
)

const (
	DefaultImportPath   = "/v1/imports/projects"
	DefaultMaxBodyBytes = 5 << 20
)

// Importer runs a validated envelope through staging and merge.
type Importer interface {
	Import(ctx context.Context, env importer.Envelope) (importer.Result, error)
}

type ServerConfig struct {
	Bearer         BearerSource
	MaxBodyBytes   int64
	ImportPath     string
	Logger         *zap.Logger
	Metrics        *Metrics
	MetricsHandler http.Handler
}

type Server struct {
	importer  Importer
	admission *admission.Controller
	cfg       ServerConfig
	log       *zap.Logger
	metrics   *Metrics
}

func NewServer(imp Importer, controller *admission.Controller, bearer string) *Server {
	return NewServerWithConfig(imp, controller, ServerConfig{Bearer: StaticBearer(bearer)})
}

func NewServerWithConfig(imp Importer, controller *admission.Controller, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if strings.TrimSpace(cfg.ImportPath) == "" {
		cfg.ImportPath = DefaultImportPath
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if controller == nil {
		controller = admission.NewController(admission.Config{}, admission.WithLogger(cfg.Logger))
	}
	return &Server{
		importer:  imp,
		admission: controller,
		cfg:       cfg,
		log:       cfg.Logger,
		metrics:   cfg.Metrics,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case r.URL.Path == "/metrics" && r.Method == http.MethodGet && s.cfg.MetricsHandler != nil:
		s.cfg.MetricsHandler.ServeHTTP(w, r)
	case r.URL.Path == s.cfg.ImportPath:
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeError(w, http.StatusMethodNotAllowed, "Method Not Allowed", nil)
			return
		}
		s.handleImport(w, r)
	default:
		writeError(w, http.StatusNotFound, "route not found", nil)
	}
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w}
	var body []byte
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("unhandled import failure", zap.Any("panic", p), zap.Stack("stack"))
			if !rec.wroteHeader {
				extra := map[string]any{"reason": panicReason(p)}
				if correlationID, ok := correlationIDFromBody(body); ok {
					extra["correlation_id"] = correlationID
				}
				writeError(rec, http.StatusInternalServerError, "Unhandled error", extra)
			}
		}
		s.metrics.observeRequest(rec.status, time.Since(start))
	}()

	if authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.Bearer); authErr != nil {
		writeError(rec, authErr.status, authErr.message, nil)
		return
	}

	ticket, err := s.admission.Acquire()
	if err != nil {
		s.writeRejected(rec, err)
		return
	}
	defer ticket.Release()

	if s.declaredTooLarge(r) {
		writeError(rec, http.StatusRequestEntityTooLarge, s.payloadTooLargeMessage(), nil)
		return
	}
	var ok bool
	body, ok = s.readRequestBody(rec, r)
	if !ok {
		return
	}

	doc, verr := decodeEnvelopeObject(body)
	if verr != nil {
		writeValidationError(rec, verr)
		return
	}
	if verr := importer.CheckIdentity(doc); verr != nil {
		writeValidationError(rec, verr)
		return
	}

	if err := ticket.AdmitTenant(admission.ResolveTenantKey(doc)); err != nil {
		s.writeRejected(rec, err)
		return
	}

	env, verr := importer.ParseEnvelope(doc)
	if verr != nil {
		writeValidationError(rec, verr)
		return
	}

	result, err := s.importer.Import(r.Context(), env)
	if err != nil {
		var failed *importer.FailedError
		if errors.As(err, &failed) {
			writeError(rec, http.StatusInternalServerError, failed.Message, map[string]any{
				"correlation_id": failed.CorrelationID,
				"reason":         failed.Reason(),
			})
			return
		}
		s.log.Error("import failed", zap.String("tenant", env.TenantID), zap.Error(err))
		extra := map[string]any{"reason": err.Error()}
		if env.CorrelationID != "" {
			extra["correlation_id"] = env.CorrelationID
		}
		writeError(rec, http.StatusInternalServerError, "Unhandled error", extra)
		return
	}
	s.metrics.observeMerged(result.RowCount, result.Duplicate)
	writeJSON(rec, http.StatusOK, result)
}

func (s *Server) declaredTooLarge(r *http.Request) bool {
	if r.ContentLength > s.cfg.MaxBodyBytes {
		return true
	}
	raw := strings.TrimSpace(r.Header.Get("Content-Length"))
	if raw == "" {
		return false
	}
	declared, err := strconv.ParseInt(raw, 10, 64)
	return err == nil && declared > s.cfg.MaxBodyBytes
}

func (s *Server) payloadTooLargeMessage() string {
	if s.cfg.MaxBodyBytes%(1<<20) == 0 {
		return fmt.Sprintf("Payload too large (gt %d MB)", s.cfg.MaxBodyBytes>>20)
	}
	return fmt.Sprintf("Payload too large (gt %d bytes)", s.cfg.MaxBodyBytes)
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, s.payloadTooLargeMessage(), nil)
			return nil, false
		}
		s.log.Warn("failed to read request body", zap.Error(err))
		writeError(w, http.StatusBadRequest, "Failed to read request body", nil)
		return nil, false
	}
	return body, true
}

func (s *Server) writeRejected(w http.ResponseWriter, err error) {
	var rejected *admission.RejectedError
	if !errors.As(err, &rejected) {
		s.log.Error("admission failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Unhandled error", map[string]any{"reason": err.Error()})
		return
	}
	s.metrics.observeRejection(rejected.Scope)
	s.log.Debug("request refused admission",
		zap.String("scope", string(rejected.Scope)),
		zap.String("tenant", rejected.Tenant),
		zap.Int64("retry_after_ms", rejected.RetryAfterMillis()),
	)
	w.Header().Set("Retry-After", strconv.FormatInt(rejected.RetryAfterSeconds(), 10))
	writeJSON(w, http.StatusTooManyRequests, map[string]any{
		"error":          "rate_limited",
		"tenant":         rejected.Tenant,
		"retry_after_ms": rejected.RetryAfterMillis(),
	})
}

// decodeEnvelopeObject parses body as exactly one JSON object. Numbers keep
// their literal text until normalization.
func decodeEnvelopeObject(body []byte) (map[string]any, *importer.ValidationError) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, &importer.ValidationError{Status: http.StatusBadRequest, Message: "Malformed JSON"}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, &importer.ValidationError{Status: http.StatusBadRequest, Message: "Malformed JSON"}
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, &importer.ValidationError{Status: http.StatusBadRequest, Message: "Body must be a JSON object"}
	}
	return obj, nil
}

func correlationIDFromBody(body []byte) (string, bool) {
	if len(body) == 0 {
		return "", false
	}
	var probe struct {
		CorrelationID *string `json:"correlation_id"`
	}
	if err := json.Unmarshal(body, &probe); err != nil || probe.CorrelationID == nil {
		return "", false
	}
	return *probe.CorrelationID, true
}

func panicReason(p any) string {
	if err, ok := p.(error); ok {
		return err.Error()
	}
	return fmt.Sprint(p)
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.status = status
	r.wroteHeader = true
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(p)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, extra map[string]any) {
	payload := map[string]any{"error": message}
	for k, v := range extra {
		payload[k] = v
	}
	writeJSON(w, status, payload)
}

func writeValidationError(w http.ResponseWriter, verr *importer.ValidationError) {
	var extra map[string]any
	if verr.Field != "" {
		extra = map[string]any{"field": verr.Field}
	}
	writeError(w, verr.Status, verr.Message, extra)
}
