// Package conformance provides a test harness for verifying upload-protocol
// compliance. It drives a full MediaHub service instance over HTTP using the
// same client library that production callers use.
package conformance

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/FanzDash/fanzdash-mediahub-go/internal/event"
	"github.com/FanzDash/fanzdash-mediahub-go/internal/jwks"
	"github.com/FanzDash/fanzdash-mediahub-go/internal/model"
	"github.com/FanzDash/fanzdash-mediahub-go/internal/server"
	"github.com/FanzDash/fanzdash-mediahub-go/internal/storage"
	"github.com/FanzDash/fanzdash-mediahub-go/internal/uploader"
)

// Harness provides a test harness for upload-protocol conformance testing.
type Harness struct {
	server *httptest.Server
	store  storage.Store
	pub    event.Publisher
	cfg    Config
}

// Config holds configuration for the conformance test harness.
type Config struct {
	// JWTIssuer is the expected JWT issuer
	JWTIssuer string

	// JWTAudience is the expected JWT audience
	JWTAudience string

	// ChunkSize is the protocol chunk size the service advertises
	ChunkSize int64

	// MaxFileSize is the declared-size ceiling for init requests
	MaxFileSize int64
}

// NewHarness creates a new conformance test harness over in-memory storage.
func NewHarness(cfg Config) (*Harness, error) {
	store := storage.NewMemory()
	pub := event.NewNoop()

	mux := server.NewMux(store, pub, nil, server.Options{
		JWTIssuer:         cfg.JWTIssuer,
		JWTAudience:       cfg.JWTAudience,
		JWKSClient:        jwks.NewTestClient(),
		DefaultPlatformID: "fanzdash",
		ChunkSize:         cfg.ChunkSize,
		MaxParallelChunks: 4,
		MaxFileSize:       cfg.MaxFileSize,
		SupportedFormats:  []string{"image/jpeg", "image/png", "video/mp4"},
		SessionTTL:        time.Hour,
	})

	return &Harness{
		server: httptest.NewServer(mux),
		store:  store,
		pub:    pub,
		cfg:    cfg,
	}, nil
}

// URL returns the base URL of the test server.
func (h *Harness) URL() string {
	return h.server.URL
}

// Close shuts down the test server and cleans up resources.
func (h *Harness) Close() {
	h.server.Close()
	h.pub.Close()
}

// Token mints a signed JWT for the given creator, accepted by the harness's
// test-mode JWKS client.
func (h *Harness) Token(t *testing.T, creatorID string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": creatorID,
		"iss": h.cfg.JWTIssuer,
		"aud": h.cfg.JWTAudience,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("conformance-key"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

// Client builds an upload API client authenticated as the given creator.
func (h *Harness) Client(t *testing.T, creatorID string) *uploader.Client {
	t.Helper()
	return uploader.NewClient(h.URL(), h.Token(t, creatorID))
}

// RunConformanceTests runs the full protocol conformance suite.
func (h *Harness) RunConformanceTests(t *testing.T) {
	t.Run("HealthEndpoints", h.testHealthEndpoints)
	t.Run("ConfigDiscovery", h.testConfigDiscovery)
	t.Run("UploadLifecycle", h.testUploadLifecycle)
	t.Run("ErrorTaxonomy", h.testErrorTaxonomy)
	t.Run("AuthEnforcement", h.testAuthEnforcement)
}

// testHealthEndpoints tests the health check endpoints.
func (h *Harness) testHealthEndpoints(t *testing.T) {
	for _, endpoint := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(h.URL() + endpoint)
		if err != nil {
			t.Fatalf("failed to GET %s: %v", endpoint, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected status 200 for %s, got %d", endpoint, resp.StatusCode)
		}
	}
}

// testConfigDiscovery verifies that /config advertises the protocol
// parameters the service was configured with.
func (h *Harness) testConfigDiscovery(t *testing.T) {
	cfg, err := h.Client(t, "creator-conf").FetchConfig(context.Background())
	if err != nil {
		t.Fatalf("config fetch failed: %v", err)
	}
	if cfg.ChunkSize != h.cfg.ChunkSize {
		t.Errorf("advertised chunk size %d, expected %d", cfg.ChunkSize, h.cfg.ChunkSize)
	}
	if cfg.MaxFileSize != h.cfg.MaxFileSize {
		t.Errorf("advertised max file size %d, expected %d", cfg.MaxFileSize, h.cfg.MaxFileSize)
	}
	if len(cfg.SupportedFormats) == 0 {
		t.Error("expected supported formats to be advertised")
	}
}

// testUploadLifecycle drives a complete transfer through the public API:
// init, out-of-order chunks, progress, completion, asset retrieval.
func (h *Harness) testUploadLifecycle(t *testing.T) {
	ctx := context.Background()
	client := h.Client(t, "creator-lifecycle")

	content := []byte("0123456789AB") // 12 bytes -> 3 chunks at size 5
	init, err := client.InitUpload(ctx, model.InitUploadRequest{
		Filename: "clip.mp4",
		FileSize: int64(len(content)),
		MimeType: "video/mp4",
	})
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if init.TotalChunks != 3 {
		t.Fatalf("expected 3 chunks, got %d", init.TotalChunks)
	}
	if !strings.HasPrefix(init.ForensicSignature, "FANZ-") || len(init.ForensicSignature) != len("FANZ-")+16 {
		t.Errorf("malformed forensic signature %q", init.ForensicSignature)
	}

	// Chunks arrive out of order; the protocol must not care.
	for _, idx := range []int{2, 0, 1} {
		end := (idx + 1) * 5
		if end > len(content) {
			end = len(content)
		}
		if _, err := client.UploadChunk(ctx, init.UploadID, idx, content[idx*5:end]); err != nil {
			t.Fatalf("chunk %d failed: %v", idx, err)
		}
	}

	progress, err := client.Progress(ctx, init.UploadID)
	if err != nil {
		t.Fatalf("progress failed: %v", err)
	}
	if progress.Progress != 100 {
		t.Errorf("expected 100%% progress, got %.2f", progress.Progress)
	}

	complete, err := client.Complete(ctx, init.UploadID)
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if complete.ForensicSignature != init.ForensicSignature {
		t.Error("completion lost the forensic signature")
	}

	// The session is gone, the asset is queryable.
	if _, err := client.Progress(ctx, init.UploadID); err == nil {
		t.Error("expected progress on completed session to fail")
	}
	resp, err := http.Get(h.URL() + "/asset/" + complete.AssetID)
	if err != nil {
		t.Fatalf("asset fetch failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 for asset fetch, got %d", resp.StatusCode)
	}
}

// testErrorTaxonomy verifies the error envelope shape and codes for the
// protocol's failure cases.
func (h *Harness) testErrorTaxonomy(t *testing.T) {
	ctx := context.Background()
	client := h.Client(t, "creator-errors")

	cases := []struct {
		name     string
		run      func() error
		wantCode string
	}{
		{
			"unknown session progress",
			func() error { _, err := client.Progress(ctx, "nope"); return err },
			"MH_SESSION_NOT_FOUND",
		},
		{
			"oversized init",
			func() error {
				_, err := client.InitUpload(ctx, model.InitUploadRequest{
					Filename: "big.mp4", FileSize: h.cfg.MaxFileSize + 1, MimeType: "video/mp4",
				})
				return err
			},
			"MH_MEDIA_SIZE",
		},
		{
			"unsupported type",
			func() error {
				_, err := client.InitUpload(ctx, model.InitUploadRequest{
					Filename: "a.bin", FileSize: 10, MimeType: "application/zip",
				})
				return err
			},
			"MH_MEDIA_TYPE",
		},
		{
			"premature completion",
			func() error {
				init, err := client.InitUpload(ctx, model.InitUploadRequest{
					Filename: "gap.mp4", FileSize: 12, MimeType: "video/mp4",
				})
				if err != nil {
					return err
				}
				if _, err := client.UploadChunk(ctx, init.UploadID, 0, []byte("aaaaa")); err != nil {
					return err
				}
				_, err = client.Complete(ctx, init.UploadID)
				return err
			},
			"MH_CHUNK_MISSING",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.run()
			if err == nil {
				t.Fatal("expected an error")
			}
			apiErr, ok := err.(*uploader.APIError)
			if !ok {
				t.Fatalf("expected APIError, got %T: %v", err, err)
			}
			if apiErr.Code != tc.wantCode {
				t.Errorf("expected %s, got %s", tc.wantCode, apiErr.Code)
			}
		})
	}
}

// testAuthEnforcement verifies that mutating endpoints demand a valid token
// and that sessions are creator-scoped.
func (h *Harness) testAuthEnforcement(t *testing.T) {
	ctx := context.Background()

	// No token at all.
	body, _ := json.Marshal(model.InitUploadRequest{Filename: "a.jpg", FileSize: 10, MimeType: "image/jpeg"})
	resp, err := http.Post(h.URL()+"/upload/init", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", resp.StatusCode)
	}

	// A different creator must not touch the session.
	owner := h.Client(t, "creator-owner")
	init, err := owner.InitUpload(ctx, model.InitUploadRequest{
		Filename: "a.jpg", FileSize: 10, MimeType: "image/jpeg",
	})
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}

	intruder := h.Client(t, "creator-intruder")
	_, err = intruder.UploadChunk(ctx, init.UploadID, 0, []byte("aaaaa"))
	apiErr, ok := err.(*uploader.APIError)
	if !ok {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Code != "MH_CREATOR_MISMATCH" {
		t.Errorf("expected MH_CREATOR_MISMATCH, got %s", apiErr.Code)
	}
}
