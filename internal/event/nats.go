// internal/event/nats.go
// Package event provides NATS JetStream implementation for event publishing.
// It streams upload lifecycle and media events so downstream processors and
// audit consumers can react to uploads as they happen.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/FanzDash/fanzdash-mediahub-go/internal/metrics"
	"github.com/FanzDash/fanzdash-mediahub-go/internal/model"
)

// Publisher interface defines the event publishing operations required by the
// MediaHub upload service.
type Publisher interface {
	// Upload lifecycle events
	PublishUploadInitialized(ctx context.Context, session model.UploadSession) error
	PublishUploadFailed(ctx context.Context, uploadID string, reason string) error

	// Media events
	PublishMediaFinalized(ctx context.Context, asset model.MediaAsset) error

	// Close closes the publisher connection
	Close() error
}

// noop is a no-op implementation of Publisher for when NATS is not configured.
// It implements all Publisher methods but does nothing, allowing the service
// to function without event streaming when NATS is not available.
type noop struct{}

// NewNoop returns a publisher that discards all events. Used in tests and in
// deployments without a NATS cluster.
func NewNoop() Publisher { return &noop{} }

func (n *noop) Close() error { return nil }

func (n *noop) PublishUploadInitialized(ctx context.Context, session model.UploadSession) error {
	return nil
}

func (n *noop) PublishUploadFailed(ctx context.Context, uploadID string, reason string) error {
	return nil
}

func (n *noop) PublishMediaFinalized(ctx context.Context, asset model.MediaAsset) error {
	return nil
}

// natsPub is the NATS JetStream implementation of Publisher.
// It connects to a NATS server and publishes events to JetStream streams.
type natsPub struct {
	nc      *nats.Conn            // NATS connection
	js      nats.JetStreamContext // JetStream context for stream operations
	metrics *metrics.Metrics      // Publish counters and latency

	// Deduplication fields
	uploadDedup map[string]time.Time // Upload IDs to last publish time
	mediaDedup  map[string]time.Time // Media asset IDs to last publish time
	mutex       sync.RWMutex         // Guards the dedup maps
}

// NewPublisherFromEnv creates a new publisher based on environment configuration.
// It reads the MH_NATS_URL environment variable to determine if NATS should be
// used. If NATS is not configured or connection fails, it returns a no-op
// publisher so the service keeps running without event streaming.
func NewPublisherFromEnv() Publisher {
	url := os.Getenv("MH_NATS_URL")
	if url == "" {
		return &noop{}
	}

	nc, err := nats.Connect(url)
	if err != nil {
		slog.Warn("NATS connect failed, using noop publisher", "error", err)
		return &noop{}
	}

	js, err := nc.JetStream()
	if err != nil {
		slog.Warn("NATS JetStream context creation failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}

	if err := initStreams(js); err != nil {
		slog.Warn("NATS stream initialization failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}

	return &natsPub{
		nc:          nc,
		js:          js,
		metrics:     metrics.NewMetrics(),
		uploadDedup: make(map[string]time.Time),
		mediaDedup:  make(map[string]time.Time),
	}
}

// initStreams initializes the required NATS streams.
// FANZ_UPLOADS carries session lifecycle events, FANZ_MEDIA carries finalized
// asset events for downstream media processing.
func initStreams(js nats.JetStreamContext) error {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:      "FANZ_UPLOADS",
		Subjects:  []string{"mediahub.uploads.*"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Discard:   nats.DiscardOld,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create FANZ_UPLOADS stream: %w", err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:      "FANZ_MEDIA",
		Subjects:  []string{"mediahub.media.*"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Discard:   nats.DiscardOld,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create FANZ_MEDIA stream: %w", err)
	}

	return nil
}

// EventEnvelope represents the standard event envelope structure.
// All events published to NATS are wrapped in this envelope for consistency.
type EventEnvelope struct {
	Type          string      `json:"type"`          // Event type identifier
	Version       string      `json:"version"`       // Event schema version
	OccurredAt    time.Time   `json:"occurredAt"`    // When the event occurred
	CorrelationID string      `json:"correlationId"` // Correlation ID for tracing
	Payload       interface{} `json:"payload"`       // Event-specific data
}

// uploadFailedPayload is the payload for upload failure events.
type uploadFailedPayload struct {
	UploadID string `json:"uploadId"`
	Reason   string `json:"reason"`
}

// Close closes the NATS connection.
func (p *natsPub) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}

// shouldDedup checks if an event should be deduplicated based on the 2-minute window.
func (p *natsPub) shouldDedup(key string, dedupMap map[string]time.Time) bool {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if lastTime, exists := dedupMap[key]; exists {
		return time.Since(lastTime) < 2*time.Minute
	}

	return false
}

// updateDedup updates the deduplication map with the current time for a given key.
// This should be called after successfully publishing an event.
func (p *natsPub) updateDedup(key string, dedupMap map[string]time.Time) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	// Clean up old entries to prevent memory leaks
	cutoff := time.Now().Add(-5 * time.Minute)
	for k, t := range dedupMap {
		if t.Before(cutoff) {
			delete(dedupMap, k)
		}
	}

	dedupMap[key] = time.Now()
}

// publish wraps a payload in the standard envelope and publishes it.
func (p *natsPub) publish(subject, eventType string, payload interface{}) error {
	envelope := EventEnvelope{
		Type:          eventType,
		Version:       "1.0.0",
		OccurredAt:    time.Now().UTC(),
		CorrelationID: uuid.New().String(),
		Payload:       payload,
	}

	b, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	start := time.Now()
	_, err = p.js.Publish(subject, b)
	status := "ok"
	if err != nil {
		status = "error"
	}
	p.metrics.EventPublishTotal.WithLabelValues(eventType, status).Inc()
	p.metrics.EventPublishDuration.WithLabelValues(eventType, status).Observe(time.Since(start).Seconds())
	return err
}

// PublishUploadInitialized publishes an event when a new upload session opens.
func (p *natsPub) PublishUploadInitialized(ctx context.Context, session model.UploadSession) error {
	if p.shouldDedup(session.UploadID, p.uploadDedup) {
		return nil
	}

	if err := p.publish("mediahub.uploads.initialized", "mediahub.uploads.initialized", session); err != nil {
		return err
	}

	p.updateDedup(session.UploadID, p.uploadDedup)
	return nil
}

// PublishUploadFailed publishes an event when a session is abandoned after an
// unrecoverable error, such as a finalization failure.
func (p *natsPub) PublishUploadFailed(ctx context.Context, uploadID string, reason string) error {
	// Failure events are not deduplicated: each failure is significant.
	return p.publish("mediahub.uploads.failed", "mediahub.uploads.failed", uploadFailedPayload{
		UploadID: uploadID,
		Reason:   reason,
	})
}

// PublishMediaFinalized publishes a media finalized event.
// Downstream processors pick the asset up from here for transcoding and
// watermark verification.
func (p *natsPub) PublishMediaFinalized(ctx context.Context, asset model.MediaAsset) error {
	if p.shouldDedup(asset.ID, p.mediaDedup) {
		return nil
	}

	if err := p.publish("mediahub.media.finalized", "mediahub.media.finalized", asset); err != nil {
		return err
	}

	p.updateDedup(asset.ID, p.mediaDedup)
	return nil
}
