// integration/upload_resume_test.go
// Package integration provides integration tests for the upload service and
// client orchestrator interaction.
package integration

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
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

const (
	testIssuer   = "test-issuer"
	testAudience = "test-audience"
)

func startService(t *testing.T, store storage.Store, chunkSize int64) *httptest.Server {
	t.Helper()
	mux := server.NewMux(store, event.NewNoop(), nil, server.Options{
		JWTIssuer:         testIssuer,
		JWTAudience:       testAudience,
		JWKSClient:        jwks.NewTestClient(),
		DefaultPlatformID: "fanzdash",
		ChunkSize:         chunkSize,
		MaxParallelChunks: 4,
		MaxFileSize:       1 << 20,
		SupportedFormats:  []string{"video/mp4", "application/octet-stream"},
		SessionTTL:        time.Hour,
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func mintToken(t *testing.T, creatorID string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": creatorID,
		"iss": testIssuer,
		"aud": testAudience,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("integration-key"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func writeSource(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.mp4")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("failed to write source file: %v", err)
	}
	return path
}

// TestResumeAfterInterruption simulates a transfer that dies mid-flight and
// verifies that a fresh orchestrator can pick it up from the server-side
// cursor and finish it.
func TestResumeAfterInterruption(t *testing.T) {
	store := storage.NewMemory()
	srv := startService(t, store, 5)
	ctx := context.Background()

	content := []byte("0123456789ABCD") // 14 bytes -> 3 chunks at size 5
	path := writeSource(t, content)

	client := uploader.NewClient(srv.URL, mintToken(t, "creator-resume"))

	// First attempt: init and send only the first chunk, then "crash".
	init, err := client.InitUpload(ctx, model.InitUploadRequest{
		Filename: "source.mp4",
		FileSize: int64(len(content)),
		MimeType: "video/mp4",
	})
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if init.TotalChunks != 3 {
		t.Fatalf("expected 3 chunks, got %d", init.TotalChunks)
	}
	if _, err := client.UploadChunk(ctx, init.UploadID, 0, content[:5]); err != nil {
		t.Fatalf("chunk 0 failed: %v", err)
	}

	// The server cursor points at the first unsent chunk.
	resume, err := client.Resume(ctx, init.UploadID)
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if resume.NextChunk != 1 {
		t.Fatalf("expected next chunk 1, got %d", resume.NextChunk)
	}

	// Second attempt: a brand-new orchestrator finishes the transfer.
	u := uploader.NewUploader(client, uploader.Options{})
	complete, err := u.ResumeUpload(ctx, init.UploadID, path)
	if err != nil {
		t.Fatalf("resumed upload failed: %v", err)
	}
	if complete.AssetID == "" {
		t.Error("expected an asset ID after completion")
	}
	if complete.ForensicSignature != init.ForensicSignature {
		t.Error("resumed completion lost the forensic signature")
	}

	asset, err := store.GetAsset(ctx, complete.AssetID)
	if err != nil {
		t.Fatalf("asset lookup failed: %v", err)
	}
	if asset.FileSize != int64(len(content)) {
		t.Errorf("asset file size %d, expected %d", asset.FileSize, len(content))
	}
}

// TestEndToEndUploadProducesStableHash uploads the same content twice and
// verifies the chunk-derived file hash is deterministic across transfers.
func TestEndToEndUploadProducesStableHash(t *testing.T) {
	store := storage.NewMemory()
	srv := startService(t, store, 5)
	ctx := context.Background()

	content := bytes.Repeat([]byte("fanz"), 8) // 32 bytes -> 7 chunks at size 5
	path := writeSource(t, content)

	hashes := make([]string, 0, 2)
	for i := 0; i < 2; i++ {
		client := uploader.NewClient(srv.URL, mintToken(t, "creator-hash"))
		u := uploader.NewUploader(client, uploader.Options{})
		complete, err := u.Upload(ctx, path)
		if err != nil {
			t.Fatalf("upload %d failed: %v", i, err)
		}
		asset, err := store.GetAsset(ctx, complete.AssetID)
		if err != nil {
			t.Fatalf("asset lookup failed: %v", err)
		}
		hashes = append(hashes, asset.FileHash)
	}
	if hashes[0] != hashes[1] {
		t.Errorf("file hash differs across identical uploads: %s vs %s", hashes[0], hashes[1])
	}
}

// TestSweeperRemovesExpiredSessions runs the background sweeper against a
// store holding one live and one expired session.
func TestSweeperRemovesExpiredSessions(t *testing.T) {
	store := storage.NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	live := model.UploadSession{
		UploadID:          "live-session",
		PlatformID:        "fanzdash",
		CreatorID:         "creator-sweep",
		Filename:          "a.mp4",
		FileSize:          10,
		MimeType:          "video/mp4",
		ChunkSize:         5,
		TotalChunks:       2,
		Status:            model.StatusInProgress,
		ForensicSignature: "FANZ-0123456789ABCDEF",
		CreatedAt:         now,
		ExpiresAt:         now.Add(time.Hour),
	}
	expired := live
	expired.UploadID = "expired-session"
	expired.CreatedAt = now.Add(-2 * time.Hour)
	expired.ExpiresAt = now.Add(-time.Hour)

	if err := store.CreateSession(ctx, live); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := store.CreateSession(ctx, expired); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		storage.NewSweeper(store, time.Hour).Run(sweepCtx)
		close(done)
	}()

	// The sweeper performs one pass immediately on start.
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, err := store.GetSession(ctx, "expired-session")
		if errors.Is(err, storage.ErrNotFound) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expired session was not swept")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	if _, err := store.GetSession(ctx, "live-session"); err != nil {
		t.Errorf("live session should survive the sweep: %v", err)
	}
}
