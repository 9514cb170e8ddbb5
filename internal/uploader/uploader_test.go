// internal/uploader/uploader_test.go
package uploader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/FanzDash/fanzdash-mediahub-go/internal/event"
	"github.com/FanzDash/fanzdash-mediahub-go/internal/jwks"
	"github.com/FanzDash/fanzdash-mediahub-go/internal/model"
	"github.com/FanzDash/fanzdash-mediahub-go/internal/server"
	"github.com/FanzDash/fanzdash-mediahub-go/internal/storage"
)

// startTestService runs a real upload service over an in-memory store.
func startTestService(t *testing.T, chunkSize int64) *httptest.Server {
	t.Helper()
	mux := server.NewMux(storage.NewMemory(), event.NewNoop(), nil, server.Options{
		JWTIssuer:         "test-issuer",
		JWTAudience:       "test-audience",
		JWKSClient:        jwks.NewTestClient(),
		DefaultPlatformID: "fanzdash",
		ChunkSize:         chunkSize,
		MaxParallelChunks: 4,
		MaxFileSize:       1024 * 1024,
		SupportedFormats:  []string{"video/mp4", "image/jpeg", "application/octet-stream"},
		SessionTTL:        time.Hour,
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testToken(t *testing.T, sub string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"iss": "test-issuer",
		"aud": "test-audience",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return signed
}

// writeTempFile creates a file with the given content for a transfer test.
func writeTempFile(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.mp4")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

func TestPartitionFile(t *testing.T) {
	cases := []struct {
		name      string
		fileSize  int64
		chunkSize int64
		want      int
		lastLen   int64
	}{
		{"exact multiple", 10, 5, 2, 5},
		{"with remainder", 12, 5, 3, 2},
		{"single short chunk", 3, 5, 1, 3},
		{"one byte", 1, 5, 1, 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ranges := partitionFile(tc.fileSize, tc.chunkSize)
			if len(ranges) != tc.want {
				t.Fatalf("expected %d ranges, got %d", tc.want, len(ranges))
			}
			last := ranges[len(ranges)-1]
			if last.length != tc.lastLen {
				t.Errorf("expected final length %d, got %d", tc.lastLen, last.length)
			}

			var covered int64
			for i, cr := range ranges {
				if cr.index != i {
					t.Errorf("range %d has index %d", i, cr.index)
				}
				if cr.offset != covered {
					t.Errorf("range %d offset %d, expected %d", i, cr.offset, covered)
				}
				covered += cr.length
			}
			if covered != tc.fileSize {
				t.Errorf("ranges cover %d bytes, expected %d", covered, tc.fileSize)
			}
		})
	}
}

func TestPartitionFileDegenerate(t *testing.T) {
	if got := partitionFile(0, 5); got != nil {
		t.Errorf("expected nil for empty file, got %v", got)
	}
	if got := partitionFile(10, 0); got != nil {
		t.Errorf("expected nil for zero chunk size, got %v", got)
	}
}

func TestUploadEndToEnd(t *testing.T) {
	srv := startTestService(t, 5)
	path := writeTempFile(t, []byte("hello world!")) // 12 bytes -> 3 chunks

	client := NewClient(srv.URL, testToken(t, "creator-1"))
	up := NewUploader(client, Options{SkipConfigFetch: true, ChunkSize: 5, MaxParallel: 2})

	complete, err := up.Upload(context.Background(), path)
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if complete.AssetID == "" {
		t.Error("expected an asset id")
	}
	if complete.ProcessingStatus != model.ProcessingPending {
		t.Errorf("expected pending processing, got %q", complete.ProcessingStatus)
	}

	p := up.Progress()
	if p.UploadedBytes != 12 {
		t.Errorf("expected 12 uploaded bytes, got %d", p.UploadedBytes)
	}
	if p.Percentage != 100 {
		t.Errorf("expected 100%%, got %.2f", p.Percentage)
	}
}

func TestUploadAdoptsServerConfig(t *testing.T) {
	srv := startTestService(t, 5)
	path := writeTempFile(t, []byte("hello world!"))

	client := NewClient(srv.URL, testToken(t, "creator-1"))
	// No explicit chunk size: the orchestrator should fetch the server's.
	up := NewUploader(client, Options{})

	if _, err := up.Upload(context.Background(), path); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if up.opts.ChunkSize != 5 {
		t.Errorf("expected adopted chunk size 5, got %d", up.opts.ChunkSize)
	}
	if up.opts.MaxParallel != 4 {
		t.Errorf("expected adopted parallelism 4, got %d", up.opts.MaxParallel)
	}
}

func TestBoundedConcurrency(t *testing.T) {
	var inFlight, maxSeen atomic.Int64
	var mu sync.Mutex
	seen := map[string]bool{}

	// Fake service that records concurrent chunk sends.
	mux := http.NewServeMux()
	mux.HandleFunc("/upload/", func(w http.ResponseWriter, r *http.Request) {
		current := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			max := maxSeen.Load()
			if current <= max || maxSeen.CompareAndSwap(max, current) {
				break
			}
		}
		mu.Lock()
		seen[r.Header.Get(ChunkIndexHeader)] = true
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		fmt.Fprint(w, `{"data":{"chunkIndex":0,"etag":"x","progress":0}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewClient(srv.URL, "")
	up := NewUploader(client, Options{SkipConfigFetch: true, ChunkSize: 4, MaxParallel: 2})

	path := writeTempFile(t, make([]byte, 32)) // 8 chunks of 4 bytes
	file, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()

	if err := up.sendChunks(context.Background(), "fake-upload", file, partitionFile(32, 4)); err != nil {
		t.Fatalf("sendChunks failed: %v", err)
	}

	if got := maxSeen.Load(); got > 2 {
		t.Errorf("observed %d concurrent sends, limit was 2", got)
	}
	if len(seen) != 8 {
		t.Errorf("expected 8 distinct chunk indices, saw %d", len(seen))
	}
}

func TestRetryExhaustion(t *testing.T) {
	var attempts atomic.Int64
	var completeCalled atomic.Bool

	mux := http.NewServeMux()
	mux.HandleFunc("/upload/init", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":{"uploadId":"u1","chunkSize":5,"totalChunks":1,"forensicSignature":"FANZ-0000000000000000","expiresAt":"2030-01-01T00:00:00Z"}}`)
	})
	mux.HandleFunc("/upload/u1/chunk", func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"code":"MH_INTERNAL","message":"boom","correlationId":"c"}}`)
	})
	mux.HandleFunc("/upload/u1/complete", func(w http.ResponseWriter, r *http.Request) {
		completeCalled.Store(true)
		fmt.Fprint(w, `{"data":{}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewClient(srv.URL, "")
	up := NewUploader(client, Options{
		SkipConfigFetch: true,
		ChunkSize:       5,
		MaxParallel:     1,
		MaxRetries:      2,
		RetryBaseDelay:  time.Millisecond,
	})

	path := writeTempFile(t, []byte("abcde"))
	_, err := up.Upload(context.Background(), path)
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("expected 3 attempts (1 + 2 retries), got %d", got)
	}
	if completeCalled.Load() {
		t.Error("complete must not be called after a failed transfer")
	}
}

func TestFailedChunkHaltsRemainingSends(t *testing.T) {
	var mu sync.Mutex
	sent := map[string]int{}

	// Every chunk send fails. With a single sender slot, exhausting the
	// first chunk's retries must stop the dispatcher before it ever
	// reaches the later ranges.
	mux := http.NewServeMux()
	mux.HandleFunc("/upload/", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		sent[r.Header.Get(ChunkIndexHeader)]++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"code":"MH_INTERNAL","message":"boom","correlationId":"c"}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewClient(srv.URL, "")
	up := NewUploader(client, Options{
		SkipConfigFetch: true,
		ChunkSize:       4,
		MaxParallel:     1,
		MaxRetries:      1,
		RetryBaseDelay:  time.Millisecond,
	})

	path := writeTempFile(t, make([]byte, 24)) // 6 chunks of 4 bytes
	file, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()

	err = up.sendChunks(context.Background(), "fake-upload", file, partitionFile(24, 4))
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if got := sent["0"]; got != 2 {
		t.Errorf("expected 2 attempts for chunk 0 (1 + 1 retry), got %d", got)
	}
	for idx, n := range sent {
		if idx != "0" {
			t.Errorf("chunk %s was sent %d times after the transfer had already failed", idx, n)
		}
	}
}

func TestNonRetryableErrorFailsFast(t *testing.T) {
	var attempts atomic.Int64

	mux := http.NewServeMux()
	mux.HandleFunc("/upload/init", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":{"uploadId":"u1","chunkSize":5,"totalChunks":1,"forensicSignature":"FANZ-0000000000000000","expiresAt":"2030-01-01T00:00:00Z"}}`)
	})
	mux.HandleFunc("/upload/u1/chunk", func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"code":"MH_VALIDATION","message":"bad chunk","correlationId":"c"}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewClient(srv.URL, "")
	up := NewUploader(client, Options{
		SkipConfigFetch: true,
		ChunkSize:       5,
		MaxParallel:     1,
		RetryBaseDelay:  time.Millisecond,
	})

	path := writeTempFile(t, []byte("abcde"))
	_, err := up.Upload(context.Background(), path)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Code != "MH_VALIDATION" {
		t.Errorf("expected MH_VALIDATION, got %s", apiErr.Code)
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("expected a single attempt for a non-retryable error, got %d", got)
	}
}

func TestCancellation(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once

	mux := http.NewServeMux()
	mux.HandleFunc("/upload/init", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":{"uploadId":"u1","chunkSize":5,"totalChunks":4,"forensicSignature":"FANZ-0000000000000000","expiresAt":"2030-01-01T00:00:00Z"}}`)
	})
	mux.HandleFunc("/upload/u1/chunk", func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(release) })
		time.Sleep(50 * time.Millisecond)
		fmt.Fprint(w, `{"data":{"chunkIndex":0,"etag":"x","progress":25}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewClient(srv.URL, "")
	up := NewUploader(client, Options{SkipConfigFetch: true, ChunkSize: 5, MaxParallel: 1})

	path := writeTempFile(t, make([]byte, 20))

	done := make(chan error, 1)
	go func() {
		_, err := up.Upload(context.Background(), path)
		done <- err
	}()

	<-release
	up.Cancel()

	select {
	case err := <-done:
		if !errors.Is(err, ErrCancelled) {
			t.Fatalf("expected ErrCancelled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("upload did not stop after cancellation")
	}
}

func TestPauseBlocksNewSends(t *testing.T) {
	var sends atomic.Int64

	mux := http.NewServeMux()
	mux.HandleFunc("/upload/", func(w http.ResponseWriter, r *http.Request) {
		sends.Add(1)
		fmt.Fprint(w, `{"data":{"chunkIndex":0,"etag":"x","progress":0}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewClient(srv.URL, "")
	up := NewUploader(client, Options{
		SkipConfigFetch:   true,
		ChunkSize:         4,
		MaxParallel:       1,
		PausePollInterval: 5 * time.Millisecond,
	})
	up.Pause()

	path := writeTempFile(t, make([]byte, 16))
	file, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()

	done := make(chan error, 1)
	go func() {
		done <- up.sendChunks(context.Background(), "u1", file, partitionFile(16, 4))
	}()

	// While paused, nothing reaches the server.
	time.Sleep(30 * time.Millisecond)
	if got := sends.Load(); got != 0 {
		t.Fatalf("expected no sends while paused, saw %d", got)
	}

	up.Resume()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("sendChunks failed after resume: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("transfer did not finish after resume")
	}
	if got := sends.Load(); got != 4 {
		t.Errorf("expected 4 sends after resume, got %d", got)
	}
}

func TestResumeUploadSkipsHeldChunks(t *testing.T) {
	srv := startTestService(t, 5)
	token := testToken(t, "creator-1")
	content := []byte("hello world!") // 3 chunks of 5, 5, 2

	client := NewClient(srv.URL, token)

	// Seed a session with the first chunk already held by the server.
	init, err := client.InitUpload(context.Background(), model.InitUploadRequest{
		Filename: "source.mp4",
		FileSize: int64(len(content)),
		MimeType: "video/mp4",
	})
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if _, err := client.UploadChunk(context.Background(), init.UploadID, 0, content[:5]); err != nil {
		t.Fatalf("seed chunk failed: %v", err)
	}

	path := writeTempFile(t, content)
	up := NewUploader(client, Options{SkipConfigFetch: true, ChunkSize: 5, MaxParallel: 2})

	complete, err := up.ResumeUpload(context.Background(), init.UploadID, path)
	if err != nil {
		t.Fatalf("ResumeUpload failed: %v", err)
	}
	if complete.AssetID == "" {
		t.Error("expected an asset id after resumed completion")
	}
}

func TestResumeUploadRejectsMismatchedChunkSize(t *testing.T) {
	srv := startTestService(t, 5)
	token := testToken(t, "creator-1")
	content := []byte("hello mismatch") // 14 bytes -> 3 chunks of 5

	client := NewClient(srv.URL, token)
	init, err := client.InitUpload(context.Background(), model.InitUploadRequest{
		Filename: "source.mp4",
		FileSize: int64(len(content)),
		MimeType: "video/mp4",
	})
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if _, err := client.UploadChunk(context.Background(), init.UploadID, 0, content[:5]); err != nil {
		t.Fatalf("seed chunk failed: %v", err)
	}

	path := writeTempFile(t, content)
	// Chunk size 7 splits 14 bytes into 2 chunks; the session expects 3.
	up := NewUploader(client, Options{SkipConfigFetch: true, ChunkSize: 7, MaxParallel: 1})

	if _, err := up.ResumeUpload(context.Background(), init.UploadID, path); err == nil {
		t.Fatal("expected ResumeUpload to reject a chunk size that does not match the session")
	}
}

func TestProgressSnapshotZeroSpeed(t *testing.T) {
	tracker := newProgressTracker(100)
	p := tracker.snapshot()
	if p.Speed != 0 {
		t.Errorf("expected zero speed with no uploads, got %f", p.Speed)
	}
	if p.RemainingSeconds != 0 {
		t.Errorf("expected no remaining estimate at zero speed, got %f", p.RemainingSeconds)
	}

	tracker.addUploaded(50)
	p = tracker.snapshot()
	if p.Percentage != 50 {
		t.Errorf("expected 50%%, got %.2f", p.Percentage)
	}
}
