package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/FanzDash/fanzdash-mediahub-go/internal/model"
)

func testSession(uploadID string, totalChunks int) model.UploadSession {
	now := time.Now().UTC()
	return model.UploadSession{
		UploadID:          uploadID,
		PlatformID:        "fanzdash",
		CreatorID:         "creator-1",
		Filename:          "video.mp4",
		FileSize:          int64(totalChunks) * 5,
		MimeType:          "video/mp4",
		ChunkSize:         5,
		TotalChunks:       totalChunks,
		Status:            model.StatusInProgress,
		ForensicSignature: "FANZ-0123456789ABCDEF",
		CreatedAt:         now,
		ExpiresAt:         now.Add(24 * time.Hour),
	}
}

func TestCreateSessionConflict(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	if err := store.CreateSession(ctx, testSession("up-1", 3)); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := store.CreateSession(ctx, testSession("up-1", 3)); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on duplicate session, got %v", err)
	}
}

func TestAcceptChunkAndProgress(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	if err := store.CreateSession(ctx, testSession("up-1", 3)); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	res, err := store.AcceptChunk(ctx, "up-1", 0, []byte("hello"))
	if err != nil {
		t.Fatalf("AcceptChunk failed: %v", err)
	}
	if !res.Success {
		t.Error("expected chunk accept to report success")
	}
	if res.Etag != ChunkEtag([]byte("hello")) {
		t.Errorf("unexpected etag %q", res.Etag)
	}
	if res.CompletedChunks != 1 || res.TotalChunks != 3 {
		t.Errorf("unexpected counts: completed=%d total=%d", res.CompletedChunks, res.TotalChunks)
	}

	progress, err := store.SessionProgress(ctx, "up-1")
	if err != nil {
		t.Fatalf("SessionProgress failed: %v", err)
	}
	want := 100.0 / 3.0
	if progress.Progress < want-0.01 || progress.Progress > want+0.01 {
		t.Errorf("expected progress near %.2f, got %.2f", want, progress.Progress)
	}
}

func TestAcceptChunkDuplicateIsIdempotent(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	if err := store.CreateSession(ctx, testSession("up-1", 3)); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	first, err := store.AcceptChunk(ctx, "up-1", 1, []byte("payload"))
	if err != nil {
		t.Fatalf("AcceptChunk failed: %v", err)
	}

	// Retry of the same index with different bytes keeps the stored etag
	// and does not change the count.
	second, err := store.AcceptChunk(ctx, "up-1", 1, []byte("different"))
	if err != nil {
		t.Fatalf("duplicate AcceptChunk failed: %v", err)
	}
	if second.Etag != first.Etag {
		t.Errorf("duplicate accept changed etag: %q != %q", second.Etag, first.Etag)
	}
	if second.CompletedChunks != 1 {
		t.Errorf("duplicate accept inflated count to %d", second.CompletedChunks)
	}
}

func TestAcceptChunkValidation(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	if err := store.CreateSession(ctx, testSession("up-1", 3)); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	if _, err := store.AcceptChunk(ctx, "missing", 0, []byte("x")); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown session, got %v", err)
	}
	if _, err := store.AcceptChunk(ctx, "up-1", -1, []byte("x")); !errors.Is(err, ErrChunkOutOfRange) {
		t.Errorf("expected ErrChunkOutOfRange for negative index, got %v", err)
	}
	if _, err := store.AcceptChunk(ctx, "up-1", 3, []byte("x")); !errors.Is(err, ErrChunkOutOfRange) {
		t.Errorf("expected ErrChunkOutOfRange for index past end, got %v", err)
	}
}

func TestAcceptChunkExpiredSession(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	session := testSession("up-1", 3)
	session.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	if _, err := store.AcceptChunk(ctx, "up-1", 0, []byte("x")); !errors.Is(err, ErrSessionExpired) {
		t.Errorf("expected ErrSessionExpired, got %v", err)
	}
	if _, err := store.ResumeSession(ctx, "up-1"); !errors.Is(err, ErrSessionExpired) {
		t.Errorf("expected ErrSessionExpired on resume, got %v", err)
	}
}

func TestCompleteSessionMissingChunks(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	if err := store.CreateSession(ctx, testSession("up-1", 3)); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if _, err := store.AcceptChunk(ctx, "up-1", 0, []byte("a")); err != nil {
		t.Fatalf("AcceptChunk failed: %v", err)
	}
	if _, err := store.AcceptChunk(ctx, "up-1", 2, []byte("c")); err != nil {
		t.Fatalf("AcceptChunk failed: %v", err)
	}

	_, err := store.CompleteSession(ctx, "up-1")
	var missing *MissingChunksError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingChunksError, got %v", err)
	}
	if len(missing.Missing) != 1 || missing.Missing[0] != 1 {
		t.Errorf("expected missing chunk [1], got %v", missing.Missing)
	}

	// Session survives a failed completion attempt and remains usable.
	if _, err := store.AcceptChunk(ctx, "up-1", 1, []byte("b")); err != nil {
		t.Fatalf("AcceptChunk after failed completion: %v", err)
	}
}

func TestCompleteSessionProducesAsset(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	session := testSession("up-1", 2)
	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if _, err := store.AcceptChunk(ctx, "up-1", 0, []byte("hello")); err != nil {
		t.Fatalf("AcceptChunk failed: %v", err)
	}
	if _, err := store.AcceptChunk(ctx, "up-1", 1, []byte("world")); err != nil {
		t.Fatalf("AcceptChunk failed: %v", err)
	}

	asset, err := store.CompleteSession(ctx, "up-1")
	if err != nil {
		t.Fatalf("CompleteSession failed: %v", err)
	}
	if asset.ID == "" {
		t.Error("expected a generated asset ID")
	}
	if asset.CreatorID != session.CreatorID || asset.PlatformID != session.PlatformID {
		t.Error("asset did not inherit session ownership")
	}
	if asset.ForensicSignature != session.ForensicSignature {
		t.Error("asset did not inherit the forensic signature")
	}
	if asset.FileSize != 10 {
		t.Errorf("expected file size 10, got %d", asset.FileSize)
	}
	if asset.ProcessingStatus != model.ProcessingPending {
		t.Errorf("expected processing status pending, got %q", asset.ProcessingStatus)
	}

	// The session is gone once the asset exists.
	if _, err := store.GetSession(ctx, "up-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected session to be deleted, got %v", err)
	}
	if _, err := store.CompleteSession(ctx, "up-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected second completion to fail, got %v", err)
	}

	stored, err := store.GetAsset(ctx, asset.ID)
	if err != nil {
		t.Fatalf("GetAsset failed: %v", err)
	}
	if stored.FileHash != asset.FileHash {
		t.Error("stored asset hash mismatch")
	}
}

func TestResumeSession(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	if err := store.CreateSession(ctx, testSession("up-1", 4)); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := store.AcceptChunk(ctx, "up-1", i, []byte{byte(i)}); err != nil {
			t.Fatalf("AcceptChunk failed: %v", err)
		}
	}

	state, err := store.ResumeSession(ctx, "up-1")
	if err != nil {
		t.Fatalf("ResumeSession failed: %v", err)
	}
	if state.NextChunk != 2 {
		t.Errorf("expected next chunk 2, got %d", state.NextChunk)
	}
	if state.CompletedChunks != 2 || state.TotalChunks != 4 {
		t.Errorf("unexpected resume counts: %+v", state)
	}

	if _, err := store.ResumeSession(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown session, got %v", err)
	}
}

func TestFailSessionRemoves(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	if err := store.CreateSession(ctx, testSession("up-1", 2)); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := store.FailSession(ctx, "up-1", "finalization error"); err != nil {
		t.Fatalf("FailSession failed: %v", err)
	}
	if _, err := store.GetSession(ctx, "up-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected failed session to be removed, got %v", err)
	}

	// Failing an already-removed session is a no-op.
	if err := store.FailSession(ctx, "up-1", "again"); err != nil {
		t.Errorf("FailSession on missing session: %v", err)
	}
}

func TestDeleteExpired(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	live := testSession("live", 2)
	stale := testSession("stale", 2)
	stale.ExpiresAt = time.Now().UTC().Add(-time.Hour)

	if err := store.CreateSession(ctx, live); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := store.CreateSession(ctx, stale); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	n, err := store.DeleteExpired(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("DeleteExpired failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 swept session, got %d", n)
	}
	if _, err := store.GetSession(ctx, "live"); err != nil {
		t.Errorf("live session should survive the sweep: %v", err)
	}
	if _, err := store.GetSession(ctx, "stale"); !errors.Is(err, ErrNotFound) {
		t.Errorf("stale session should be gone, got %v", err)
	}
}

func TestAcceptChunkConcurrent(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	const total = 64
	if err := store.CreateSession(ctx, testSession("up-1", total)); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			if _, err := store.AcceptChunk(ctx, "up-1", idx, []byte(fmt.Sprintf("chunk-%d", idx))); err != nil {
				t.Errorf("AcceptChunk(%d) failed: %v", idx, err)
			}
		}(i)
	}
	wg.Wait()

	progress, err := store.SessionProgress(ctx, "up-1")
	if err != nil {
		t.Fatalf("SessionProgress failed: %v", err)
	}
	if progress.CompletedChunks != total {
		t.Errorf("expected %d completed chunks, got %d", total, progress.CompletedChunks)
	}
	if progress.Progress != 100 {
		t.Errorf("expected 100%% progress, got %.2f", progress.Progress)
	}
}
