// internal/server/mux.go
// Package server implements the HTTP handlers and routing for the MediaHub
// upload service. It provides the chunked upload protocol endpoints with JWT
// authentication, request validation, and event publishing.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	errordefs "github.com/FanzDash/fanzdash-mediahub-go/internal/errors"
	"github.com/FanzDash/fanzdash-mediahub-go/internal/event"
	"github.com/FanzDash/fanzdash-mediahub-go/internal/jwks"
	"github.com/FanzDash/fanzdash-mediahub-go/internal/media"
	"github.com/FanzDash/fanzdash-mediahub-go/internal/metrics"
	"github.com/FanzDash/fanzdash-mediahub-go/internal/model"
	"github.com/FanzDash/fanzdash-mediahub-go/internal/platform"
	"github.com/FanzDash/fanzdash-mediahub-go/internal/schema"
	"github.com/FanzDash/fanzdash-mediahub-go/internal/signature"
	"github.com/FanzDash/fanzdash-mediahub-go/internal/storage"
)

// ContextKey is used for context values to avoid collisions
// when storing values in request context
type ContextKey string

const (
	// Context keys for storing request-scoped values
	ContextKeyCreatorID     ContextKey = "creatorId"     // Stores the creator id from JWT
	ContextKeyCorrelationID ContextKey = "correlationId" // Unique ID for request tracking

	// ChunkIndexHeader carries the zero-based chunk position on chunk uploads.
	ChunkIndexHeader = "X-Chunk-Index"
)

// Options carries the protocol and auth parameters for the mux.
type Options struct {
	JWTIssuer   string       // Expected JWT issuer for validation
	JWTAudience string       // Expected JWT audience for validation
	JWKSClient  *jwks.Client // JWKS client for JWT validation (nil uses issuer discovery)

	DefaultPlatformID string // Platform stamped on sessions when the request names none

	// Upload protocol parameters advertised via GET /config
	ChunkSize         int64
	MaxParallelChunks int
	MaxFileSize       int64
	SupportedFormats  []string
	SessionTTL        time.Duration

	// CORS configuration
	CORSAllowedOrigins []string
}

// Mux handles HTTP requests for the upload service.
// It implements all protocol endpoints and manages dependencies such as
// storage, event publishing, and platform registry lookups.
type Mux struct {
	mux         *http.ServeMux   // HTTP request multiplexer
	s           storage.Store    // Storage for sessions and assets
	p           event.Publisher  // Event publisher for streaming updates
	registry    *platform.Client // Platform registry client (can be nil)
	jwksClient  *jwks.Client     // JWKS client for JWT validation
	validator   *schema.Validator
	mediaClient *media.S3Client  // S3 client for chunk staging (can be nil)
	metrics     *metrics.Metrics // Metrics for monitoring
	opts        Options
}

// NewMux creates a new HTTP mux with all upload endpoints.
// It initializes all dependencies and registers the HTTP handlers.
func NewMux(s storage.Store, p event.Publisher, registry *platform.Client, opts Options) *http.ServeMux {
	validator, err := schema.NewValidator()
	if err != nil {
		slog.Error("failed to initialize schema validator", "error", err)
		os.Exit(1)
	}

	// Initialize media client if S3 configuration is present
	var mediaClient *media.S3Client
	if os.Getenv("MH_S3_ENDPOINT") != "" && os.Getenv("MH_S3_BUCKET") != "" {
		mediaClient, err = media.NewS3Client(
			os.Getenv("MH_S3_ENDPOINT"),
			os.Getenv("MH_S3_REGION"),
			os.Getenv("MH_S3_BUCKET"),
			os.Getenv("MH_S3_ACCESS_KEY"),
			os.Getenv("MH_S3_SECRET_KEY"),
		)
		if err != nil {
			slog.Error("failed to initialize S3 client", "error", err)
			os.Exit(1)
		}
	}

	// Use provided JWKS client or discover keys from the issuer
	if opts.JWKSClient == nil {
		opts.JWKSClient = jwks.NewClient(fmt.Sprintf("%s/.well-known/jwks.json", opts.JWTIssuer))
	}

	m := &Mux{
		mux:         http.NewServeMux(),
		s:           s,
		p:           p,
		registry:    registry,
		jwksClient:  opts.JWKSClient,
		validator:   validator,
		mediaClient: mediaClient,
		metrics:     metrics.NewMetrics(),
		opts:        opts,
	}

	// Register health endpoints
	m.mux.HandleFunc("/healthz", m.handleHealthz)
	m.mux.HandleFunc("/readyz", m.handleReadyz)
	m.mux.Handle("/metrics", promhttp.Handler())

	// Register upload protocol endpoints with appropriate middleware
	m.mux.HandleFunc("/config", m.method("GET", m.withMiddleware(m.handleConfig)))
	m.mux.HandleFunc("/upload/init", m.method("POST", m.withMiddleware(m.handleInitUpload)))
	m.mux.HandleFunc("/upload/", m.withMiddleware(m.handleUploadAction))
	m.mux.HandleFunc("/asset/", m.method("GET", m.withMiddleware(m.handleGetAsset)))

	return m.mux
}

// method ensures the HTTP method matches the expected method
func (m *Mux) method(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			err := errordefs.New(errordefs.MH_BAD_REQUEST, "method not allowed", "")
			m.writeErrorDef(w, err)
			return
		}
		h(w, r)
	}
}

// statusRecorder captures the response status for request metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// corsOriginAllowed reports whether the given origin may be echoed back.
func (m *Mux) corsOriginAllowed(origin string) bool {
	for _, allowed := range m.opts.CORSAllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// withMiddleware applies common middleware to handlers
func (m *Mux) withMiddleware(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Handle CORS preflight requests
		if r.Method == "OPTIONS" {
			if origin := r.Header.Get("Origin"); origin != "" && m.corsOriginAllowed(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Correlation-Id, "+ChunkIndexHeader)
				w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours
			}
			w.WriteHeader(http.StatusOK)
			return
		}

		// Set CORS headers for regular requests
		if origin := r.Header.Get("Origin"); origin != "" && m.corsOriginAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}

		// Add correlation ID if not present
		correlationID := r.Header.Get("X-Correlation-Id")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		r = r.WithContext(context.WithValue(r.Context(), ContextKeyCorrelationID, correlationID))
		w.Header().Set("X-Correlation-Id", correlationID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		// Apply JWT authentication for mutating endpoints
		if r.Method == "POST" {
			creatorID, err := m.validateJWT(r)
			if err != nil {
				var errorDef *errordefs.Error
				if e, ok := err.(*errordefs.Error); ok {
					errorDef = e
					errorDef.CorrelationID = correlationID
				} else {
					errorDef = errordefs.New(errordefs.MH_AUTHZ, err.Error(), correlationID)
				}
				m.writeErrorDef(rec, errorDef)
				m.logRequest(r, errorDef.HTTPStatus, time.Since(start), correlationID, err)
				return
			}
			r = r.WithContext(context.WithValue(r.Context(), ContextKeyCreatorID, creatorID))
		}

		// Call the handler
		h(rec, r)

		m.metrics.HTTPRequestTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rec.status)).Inc()
		m.metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rec.status)).Observe(time.Since(start).Seconds())
	}
}

// validateJWT validates a JWT and extracts the creator id using JWKS
func (m *Mux) validateJWT(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", errordefs.New(errordefs.MH_AUTHN, "missing Authorization header", "")
	}

	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", errordefs.New(errordefs.MH_AUTHN, "invalid Authorization header format", "")
	}

	tokenString := strings.TrimPrefix(authHeader, "Bearer ")

	// Validate JWT using JWKS
	claims, err := m.jwksClient.ValidateJWT(r.Context(), tokenString, m.opts.JWTIssuer, m.opts.JWTAudience)
	if err != nil {
		// Map specific JWT validation errors to appropriate error codes
		errStr := err.Error()
		switch {
		case strings.Contains(errStr, "expired"):
			return "", errordefs.New(errordefs.MH_JWT_EXPIRED, "JWT token expired", "")
		case strings.Contains(errStr, "invalid issuer"):
			return "", errordefs.New(errordefs.MH_JWT_INVALID, "invalid JWT issuer", "")
		case strings.Contains(errStr, "invalid audience"):
			return "", errordefs.New(errordefs.MH_JWT_INVALID, "invalid JWT audience", "")
		case strings.Contains(errStr, "kid"):
			return "", errordefs.New(errordefs.MH_JWT_MALFORMED, "missing or invalid kid in JWT header", "")
		case strings.Contains(errStr, "key"):
			return "", errordefs.New(errordefs.MH_JWT_INVALID, "failed to get key for JWT validation", "")
		case strings.Contains(errStr, "signature"), strings.Contains(errStr, "verify"):
			return "", errordefs.New(errordefs.MH_JWT_INVALID, "invalid JWT signature", "")
		default:
			return "", errordefs.New(errordefs.MH_JWT_INVALID, fmt.Sprintf("failed to validate JWT: %v", err), "")
		}
	}

	creatorID, ok := claims["sub"].(string)
	if !ok || creatorID == "" {
		return "", errordefs.New(errordefs.MH_JWT_INVALID, "missing or invalid sub claim", "")
	}

	return creatorID, nil
}

// writeSuccess writes a successful response
func (m *Mux) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]interface{}{
		"data": data,
	}
	_ = json.NewEncoder(w).Encode(response)
}

// writeError writes an error response following the MediaHub error taxonomy
func (m *Mux) writeError(w http.ResponseWriter, statusCode int, code, message, correlationID string, details interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]interface{}{
		"error": map[string]interface{}{
			"code":          code,
			"message":       message,
			"correlationId": correlationID,
		},
	}

	if details != nil {
		response["error"].(map[string]interface{})["details"] = details
	}

	_ = json.NewEncoder(w).Encode(response)
}

// writeErrorDef writes an error response using the error definitions package
func (m *Mux) writeErrorDef(w http.ResponseWriter, err *errordefs.Error) {
	m.writeError(w, err.HTTPStatus, string(err.Code), err.Message, err.CorrelationID, err.Details)
}

// logRequest logs request details
func (m *Mux) logRequest(r *http.Request, status int, duration time.Duration, correlationID string, err error) {
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", duration),
		slog.String("user_agent", r.UserAgent()),
		slog.String("remote_addr", r.RemoteAddr),
	}

	if correlationID != "" {
		attrs = append(attrs, slog.String("correlation_id", correlationID))
	}

	if creatorID, ok := r.Context().Value(ContextKeyCreatorID).(string); ok && creatorID != "" {
		attrs = append(attrs, slog.String("creator_id", creatorID))
	}

	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		slog.LogAttrs(r.Context(), slog.LevelError, "request completed with error", attrs...)
	} else {
		slog.LogAttrs(r.Context(), slog.LevelInfo, "request completed", attrs...)
	}
}

// correlationID extracts the request's correlation id from context.
func correlationID(ctx context.Context) string {
	if id, ok := ctx.Value(ContextKeyCorrelationID).(string); ok {
		return id
	}
	return ""
}

// creatorID extracts the authenticated creator id from context.
func creatorID(ctx context.Context) string {
	if id, ok := ctx.Value(ContextKeyCreatorID).(string); ok {
		return id
	}
	return ""
}

// handleHealthz handles liveness health check requests
func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz handles readiness health check requests
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	// Probe the storage backend. ErrNotFound means it answered, which is all
	// readiness needs to know.
	_, err := m.s.GetSession(ctx, "health-check")
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleConfig handles GET /config.
// Clients fetch the protocol parameters here before starting a transfer.
func (m *Mux) handleConfig(w http.ResponseWriter, r *http.Request) {
	cfg := model.ServiceConfig{
		ChunkSize:         m.opts.ChunkSize,
		MaxParallelChunks: m.opts.MaxParallelChunks,
		MaxFileSize:       m.opts.MaxFileSize,
		SupportedFormats:  m.opts.SupportedFormats,
		Features: map[string]bool{
			"resumable":       true,
			"parallelUploads": true,
			"downloadUrls":    m.mediaClient != nil,
		},
	}
	m.writeSuccess(w, http.StatusOK, cfg)
}

// handleInitUpload handles POST /upload/init
func (m *Mux) handleInitUpload(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("mediahub-upload").Start(r.Context(), "handleInitUpload")
	defer span.End()
	defer r.Body.Close()

	var req model.InitUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		span.SetStatus(codes.Error, "invalid JSON")
		m.writeErrorDef(w, errordefs.New(errordefs.MH_VALIDATION, "invalid JSON", correlationID(ctx)))
		return
	}

	span.SetAttributes(
		attribute.String("filename", req.Filename),
		attribute.String("mimeType", req.MimeType),
		attribute.Int64("fileSize", req.FileSize),
	)

	// Structural validation against the embedded request schema
	if err := m.validator.ValidateInit(req); err != nil {
		m.writeErrorDef(w, errordefs.NewWithDetails(errordefs.MH_VALIDATION, "invalid init request", correlationID(ctx), err.Error()))
		return
	}

	if req.FileSize > m.opts.MaxFileSize {
		m.writeErrorDef(w, errordefs.New(errordefs.MH_MEDIA_SIZE,
			fmt.Sprintf("file size exceeds limit of %d bytes", m.opts.MaxFileSize), correlationID(ctx)))
		return
	}

	allowed := false
	for _, mimeType := range m.opts.SupportedFormats {
		if req.MimeType == mimeType {
			allowed = true
			break
		}
	}
	if !allowed {
		m.writeErrorDef(w, errordefs.New(errordefs.MH_MEDIA_TYPE,
			fmt.Sprintf("media type %s is not allowed", req.MimeType), correlationID(ctx)))
		return
	}

	// Resolve the platform. An explicit platform id must exist in the
	// registry when one is wired; otherwise the hosting platform is stamped.
	platformID := req.PlatformID
	if platformID == "" {
		platformID = m.opts.DefaultPlatformID
	} else if m.registry != nil {
		p, err := m.registry.Get(ctx, platformID)
		if err != nil {
			if errors.Is(err, platform.ErrNotFound) {
				m.writeErrorDef(w, errordefs.New(errordefs.MH_VALIDATION,
					fmt.Sprintf("unknown platform %s", platformID), correlationID(ctx)))
				return
			}
			m.writeErrorDef(w, errordefs.New(errordefs.MH_UNAVAILABLE, "platform registry unavailable", correlationID(ctx)))
			return
		}
		if !p.Active {
			m.writeErrorDef(w, errordefs.New(errordefs.MH_VALIDATION,
				fmt.Sprintf("platform %s is not accepting uploads", platformID), correlationID(ctx)))
			return
		}
	}

	now := time.Now().UTC()
	owner := creatorID(ctx)
	session := model.UploadSession{
		UploadID:          uuid.New().String(),
		PlatformID:        platformID,
		CreatorID:         owner,
		Filename:          req.Filename,
		FileSize:          req.FileSize,
		MimeType:          req.MimeType,
		ChunkSize:         m.opts.ChunkSize,
		TotalChunks:       model.ChunkCount(req.FileSize, m.opts.ChunkSize),
		Status:            model.StatusInProgress,
		ForensicSignature: signature.Generate(owner, platformID, now),
		CreatedAt:         now,
		ExpiresAt:         now.Add(m.opts.SessionTTL),
	}

	if err := m.s.CreateSession(ctx, session); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			m.writeErrorDef(w, errordefs.New(errordefs.MH_CONFLICT, "upload session already exists", correlationID(ctx)))
			return
		}
		m.writeErrorDef(w, errordefs.New(errordefs.MH_INTERNAL, "failed to create upload session", correlationID(ctx)))
		return
	}

	m.metrics.SessionsActive.Inc()

	if err := m.p.PublishUploadInitialized(ctx, session); err != nil {
		slog.Warn("failed to publish upload initialized event", "error", err)
	}

	m.writeSuccess(w, http.StatusOK, model.InitUploadData{
		UploadID:          session.UploadID,
		ChunkSize:         session.ChunkSize,
		TotalChunks:       session.TotalChunks,
		ForensicSignature: session.ForensicSignature,
		ExpiresAt:         session.ExpiresAt,
	})
}

// handleUploadAction dispatches /upload/{uploadId}/{action} requests.
func (m *Mux) handleUploadAction(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/upload/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		m.writeErrorDef(w, errordefs.New(errordefs.MH_BAD_REQUEST, "malformed upload path", correlationID(r.Context())))
		return
	}
	uploadID, action := parts[0], parts[1]

	switch {
	case action == "chunk" && r.Method == "POST":
		m.handleUploadChunk(w, r, uploadID)
	case action == "progress" && r.Method == "GET":
		m.handleProgress(w, r, uploadID)
	case action == "resume" && r.Method == "POST":
		m.handleResume(w, r, uploadID)
	case action == "complete" && r.Method == "POST":
		m.handleComplete(w, r, uploadID)
	default:
		m.writeErrorDef(w, errordefs.New(errordefs.MH_BAD_REQUEST, "unknown upload operation", correlationID(r.Context())))
	}
}

// requireOwnership loads a session and checks it belongs to the caller.
// Writes the error response itself and returns nil when the check fails.
func (m *Mux) requireOwnership(w http.ResponseWriter, ctx context.Context, uploadID string) *model.UploadSession {
	session, err := m.s.GetSession(ctx, uploadID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			m.writeErrorDef(w, errordefs.New(errordefs.MH_SESSION_NOT_FOUND, "upload session not found", correlationID(ctx)))
			return nil
		}
		m.writeErrorDef(w, errordefs.New(errordefs.MH_INTERNAL, "failed to load upload session", correlationID(ctx)))
		return nil
	}
	if session.CreatorID != creatorID(ctx) {
		m.writeErrorDef(w, errordefs.New(errordefs.MH_CREATOR_MISMATCH, "session belongs to a different creator", correlationID(ctx)))
		return nil
	}
	return session
}

// handleUploadChunk handles POST /upload/{uploadId}/chunk.
// The chunk payload is the raw request body; its position comes from the
// X-Chunk-Index header.
func (m *Mux) handleUploadChunk(w http.ResponseWriter, r *http.Request, uploadID string) {
	ctx, span := otel.Tracer("mediahub-upload").Start(r.Context(), "handleUploadChunk")
	defer span.End()
	defer r.Body.Close()

	start := time.Now()

	indexStr := r.Header.Get(ChunkIndexHeader)
	if indexStr == "" {
		m.writeErrorDef(w, errordefs.New(errordefs.MH_BAD_REQUEST, "missing "+ChunkIndexHeader+" header", correlationID(ctx)))
		return
	}
	chunkIndex, err := strconv.Atoi(indexStr)
	if err != nil {
		m.writeErrorDef(w, errordefs.New(errordefs.MH_BAD_REQUEST, "invalid "+ChunkIndexHeader+" header", correlationID(ctx)))
		return
	}

	span.SetAttributes(
		attribute.String("uploadId", uploadID),
		attribute.Int("chunkIndex", chunkIndex),
	)

	session := m.requireOwnership(w, ctx, uploadID)
	if session == nil {
		return
	}

	// A chunk may legitimately be smaller than the session chunk size only
	// when it is the final one; anything past ChunkSize is rejected early.
	body := http.MaxBytesReader(w, r.Body, session.ChunkSize)
	data, err := io.ReadAll(body)
	if err != nil {
		m.metrics.ChunkAcceptTotal.WithLabelValues("rejected").Inc()
		m.writeErrorDef(w, errordefs.New(errordefs.MH_MEDIA_SIZE, "chunk exceeds session chunk size", correlationID(ctx)))
		return
	}
	if len(data) == 0 {
		m.metrics.ChunkAcceptTotal.WithLabelValues("rejected").Inc()
		m.writeErrorDef(w, errordefs.New(errordefs.MH_VALIDATION, "empty chunk body", correlationID(ctx)))
		return
	}

	result, err := m.s.AcceptChunk(ctx, uploadID, chunkIndex, data)
	if err != nil {
		m.metrics.ChunkAcceptTotal.WithLabelValues("rejected").Inc()
		span.SetStatus(codes.Error, "chunk rejected")
		switch {
		case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrSessionExpired):
			m.writeErrorDef(w, errordefs.New(errordefs.MH_SESSION_NOT_FOUND, "upload session not found or expired", correlationID(ctx)))
		case errors.Is(err, storage.ErrChunkOutOfRange):
			m.writeErrorDef(w, errordefs.New(errordefs.MH_VALIDATION,
				fmt.Sprintf("chunk index %d out of range [0, %d)", chunkIndex, session.TotalChunks), correlationID(ctx)))
		case errors.Is(err, storage.ErrConflict):
			m.writeErrorDef(w, errordefs.New(errordefs.MH_CONFLICT, "session is not accepting chunks", correlationID(ctx)))
		default:
			m.writeErrorDef(w, errordefs.New(errordefs.MH_INTERNAL, "failed to record chunk", correlationID(ctx)))
		}
		return
	}

	// Stage the chunk payload when object storage is configured. Staging
	// failures do not fail the upload; completion still accounts the chunk.
	if m.mediaClient != nil {
		if _, err := m.mediaClient.StageChunk(ctx, uploadID, chunkIndex, data); err != nil {
			slog.Warn("failed to stage chunk", "uploadId", uploadID, "chunkIndex", chunkIndex, "error", err)
		}
	}

	m.metrics.ChunkAcceptTotal.WithLabelValues("accepted").Inc()
	m.metrics.ChunkAcceptDuration.WithLabelValues("accepted").Observe(time.Since(start).Seconds())
	m.metrics.UploadedBytesTotal.Add(float64(len(data)))

	m.writeSuccess(w, http.StatusOK, model.ChunkData{
		ChunkIndex: result.ChunkIndex,
		Etag:       result.Etag,
		Progress:   float64(result.CompletedChunks) / float64(result.TotalChunks) * 100,
	})
}

// handleProgress handles GET /upload/{uploadId}/progress
func (m *Mux) handleProgress(w http.ResponseWriter, r *http.Request, uploadID string) {
	ctx, span := otel.Tracer("mediahub-upload").Start(r.Context(), "handleProgress")
	defer span.End()

	span.SetAttributes(attribute.String("uploadId", uploadID))

	progress, err := m.s.SessionProgress(ctx, uploadID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			m.writeErrorDef(w, errordefs.New(errordefs.MH_SESSION_NOT_FOUND, "upload session not found", correlationID(ctx)))
			return
		}
		m.writeErrorDef(w, errordefs.New(errordefs.MH_INTERNAL, "failed to read progress", correlationID(ctx)))
		return
	}

	m.writeSuccess(w, http.StatusOK, progress)
}

// handleResume handles POST /upload/{uploadId}/resume
func (m *Mux) handleResume(w http.ResponseWriter, r *http.Request, uploadID string) {
	ctx, span := otel.Tracer("mediahub-upload").Start(r.Context(), "handleResume")
	defer span.End()

	span.SetAttributes(attribute.String("uploadId", uploadID))

	if session := m.requireOwnership(w, ctx, uploadID); session == nil {
		return
	}

	state, err := m.s.ResumeSession(ctx, uploadID)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrSessionExpired):
			m.writeErrorDef(w, errordefs.New(errordefs.MH_SESSION_NOT_FOUND, "upload session not found or expired", correlationID(ctx)))
		case errors.Is(err, storage.ErrNotResumable):
			// Non-resumable sessions answer like unknown ones; the caller's
			// only recourse is a fresh init either way.
			m.writeErrorDef(w, errordefs.New(errordefs.MH_SESSION_NOT_FOUND, "session is not resumable", correlationID(ctx)))
		default:
			m.writeErrorDef(w, errordefs.New(errordefs.MH_INTERNAL, "failed to resume session", correlationID(ctx)))
		}
		return
	}

	m.writeSuccess(w, http.StatusOK, model.ResumeData{
		NextChunk:       state.NextChunk,
		TotalChunks:     state.TotalChunks,
		CompletedChunks: state.CompletedChunks,
	})
}

// handleComplete handles POST /upload/{uploadId}/complete
func (m *Mux) handleComplete(w http.ResponseWriter, r *http.Request, uploadID string) {
	ctx, span := otel.Tracer("mediahub-upload").Start(r.Context(), "handleComplete")
	defer span.End()

	span.SetAttributes(attribute.String("uploadId", uploadID))

	session := m.requireOwnership(w, ctx, uploadID)
	if session == nil {
		return
	}

	asset, err := m.s.CompleteSession(ctx, uploadID)
	if err != nil {
		span.SetStatus(codes.Error, "completion failed")

		var missing *storage.MissingChunksError
		switch {
		case errors.As(err, &missing):
			m.writeErrorDef(w, errordefs.NewWithDetails(errordefs.MH_CHUNK_MISSING,
				fmt.Sprintf("%d chunks missing", len(missing.Missing)), correlationID(ctx),
				map[string]interface{}{"missing": missing.Missing}))
		case errors.Is(err, storage.ErrNotFound):
			m.writeErrorDef(w, errordefs.New(errordefs.MH_SESSION_NOT_FOUND, "upload session not found", correlationID(ctx)))
		case errors.Is(err, storage.ErrSessionExpired):
			m.writeErrorDef(w, errordefs.New(errordefs.MH_SESSION_NOT_FOUND, "upload session expired", correlationID(ctx)))
		case errors.Is(err, storage.ErrConflict):
			m.writeErrorDef(w, errordefs.New(errordefs.MH_CONFLICT, "session is already finalizing", correlationID(ctx)))
		default:
			// Finalization itself failed. The session is unrecoverable: fail
			// it, tell downstream consumers, and surface the error.
			if failErr := m.s.FailSession(ctx, uploadID, err.Error()); failErr != nil {
				slog.Error("failed to mark session failed", "uploadId", uploadID, "error", failErr)
			}
			m.metrics.SessionsActive.Dec()
			if pubErr := m.p.PublishUploadFailed(ctx, uploadID, err.Error()); pubErr != nil {
				slog.Warn("failed to publish upload failed event", "error", pubErr)
			}
			if m.mediaClient != nil {
				if cleanErr := m.mediaClient.CleanupStaging(ctx, uploadID); cleanErr != nil {
					slog.Warn("failed to clean staged chunks", "uploadId", uploadID, "error", cleanErr)
				}
			}
			m.writeErrorDef(w, errordefs.New(errordefs.MH_FINALIZE, "failed to finalize upload", correlationID(ctx)))
		}
		return
	}

	m.metrics.SessionsActive.Dec()

	// Write the completion manifest and mint a presigned download URL when
	// object storage is configured.
	var downloadURL string
	if m.mediaClient != nil {
		manifest := media.Manifest{
			AssetID:     asset.ID,
			UploadID:    uploadID,
			FileHash:    asset.FileHash,
			TotalChunks: session.TotalChunks,
		}
		for i := 0; i < session.TotalChunks; i++ {
			manifest.ChunkKeys = append(manifest.ChunkKeys, media.ChunkKey(uploadID, i))
		}
		if uri, err := m.mediaClient.PutManifest(ctx, manifest); err != nil {
			slog.Warn("failed to write asset manifest", "assetId", asset.ID, "error", err)
		} else {
			asset.StorageURI = uri
		}
		if url, err := m.mediaClient.GenerateDownloadURL(ctx, asset.ID, 15*time.Minute); err != nil {
			slog.Warn("failed to generate download URL", "assetId", asset.ID, "error", err)
		} else {
			downloadURL = url
		}
	}

	if err := m.p.PublishMediaFinalized(ctx, *asset); err != nil {
		slog.Warn("failed to publish media finalized event", "error", err)
	}

	m.writeSuccess(w, http.StatusOK, model.CompleteData{
		AssetID:           asset.ID,
		ForensicSignature: asset.ForensicSignature,
		ProcessingStatus:  asset.ProcessingStatus,
		CreatedAt:         asset.CreatedAt,
		DownloadURL:       downloadURL,
	})
}

// handleGetAsset handles GET /asset/{assetId}
func (m *Mux) handleGetAsset(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("mediahub-upload").Start(r.Context(), "handleGetAsset")
	defer span.End()

	assetID := strings.TrimPrefix(r.URL.Path, "/asset/")
	if assetID == "" || strings.Contains(assetID, "/") {
		m.writeErrorDef(w, errordefs.New(errordefs.MH_VALIDATION, "assetId is required", correlationID(ctx)))
		return
	}

	span.SetAttributes(attribute.String("assetId", assetID))

	asset, err := m.s.GetAsset(ctx, assetID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			m.writeErrorDef(w, errordefs.New(errordefs.MH_NOT_FOUND, "asset not found", correlationID(ctx)))
			return
		}
		m.writeErrorDef(w, errordefs.New(errordefs.MH_INTERNAL, "failed to get media asset", correlationID(ctx)))
		return
	}

	m.writeSuccess(w, http.StatusOK, asset)
}
