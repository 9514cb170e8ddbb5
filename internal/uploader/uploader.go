// internal/uploader/uploader.go
package uploader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/FanzDash/fanzdash-mediahub-go/internal/model"
)

// Sentinel errors surfaced by the orchestrator.
var (
	ErrCancelled        = errors.New("upload cancelled")
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// Default orchestrator parameters, used when the service's /config endpoint
// is unavailable and no explicit options are set.
const (
	DefaultChunkSize         = 5 * 1024 * 1024
	DefaultMaxParallel       = 4
	DefaultMaxRetries        = 3
	DefaultRetryBaseDelay    = time.Second
	DefaultPausePollInterval = 500 * time.Millisecond
)

// Options configures an Uploader. Zero values fall back to the defaults
// above, after consulting the service's advertised configuration.
type Options struct {
	ChunkSize         int64         // Chunk size in bytes
	MaxParallel       int           // Concurrent chunk senders
	MaxRetries        int           // Retry attempts per chunk after the first send
	RetryBaseDelay    time.Duration // Backoff base; delay doubles per attempt
	PausePollInterval time.Duration // How often paused senders re-check
	SkipConfigFetch   bool          // Skip GET /config and use local defaults
}

// chunkRange locates one chunk within the source file.
type chunkRange struct {
	index  int
	offset int64
	length int64
}

// Uploader drives one file transfer: chunk splitting, bounded-parallel
// sending with retries, pause/resume, and completion. An Uploader is
// single-use; create a new one per transfer.
type Uploader struct {
	client *Client
	opts   Options

	paused  atomic.Bool
	cancel  context.CancelFunc
	tracker *progressTracker
	mu      sync.Mutex
}

// NewUploader creates an orchestrator bound to an API client.
func NewUploader(client *Client, opts Options) *Uploader {
	if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.RetryBaseDelay == 0 {
		opts.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if opts.PausePollInterval == 0 {
		opts.PausePollInterval = DefaultPausePollInterval
	}
	// A placeholder tracker keeps Progress and the chunk senders safe to
	// call before a transfer starts; run swaps in the real one.
	return &Uploader{client: client, opts: opts, tracker: newProgressTracker(0)}
}

// resolveTransferParams fills chunk size and parallelism from the service
// configuration unless explicitly set or config fetching is disabled.
func (u *Uploader) resolveTransferParams(ctx context.Context) {
	if !u.opts.SkipConfigFetch && (u.opts.ChunkSize == 0 || u.opts.MaxParallel == 0) {
		if cfg, err := u.client.FetchConfig(ctx); err != nil {
			slog.Warn("config fetch failed, using defaults", "error", err)
		} else {
			if u.opts.ChunkSize == 0 {
				u.opts.ChunkSize = cfg.ChunkSize
			}
			if u.opts.MaxParallel == 0 {
				u.opts.MaxParallel = cfg.MaxParallelChunks
			}
		}
	}
	if u.opts.ChunkSize == 0 {
		u.opts.ChunkSize = DefaultChunkSize
	}
	if u.opts.MaxParallel == 0 {
		u.opts.MaxParallel = DefaultMaxParallel
	}
}

// Upload transfers the file at path from scratch: init, chunks, complete.
// It blocks until the transfer finishes, fails, or is cancelled.
func (u *Uploader) Upload(ctx context.Context, path string) (*model.CompleteData, error) {
	u.resolveTransferParams(ctx)

	file, info, err := openSource(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	init, err := u.client.InitUpload(ctx, model.InitUploadRequest{
		Filename: filepath.Base(path),
		FileSize: info.Size(),
		MimeType: detectMimeType(path),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize upload: %w", err)
	}

	return u.run(ctx, init.UploadID, file, info.Size(), init.ChunkSize, 0)
}

// ResumeUpload continues an interrupted transfer of the file at path.
// The server reports which chunk to continue from; chunks it already holds
// are not re-sent. The configured chunk size must match the originating
// session's, otherwise the byte ranges would not line up with the chunks the
// server already holds.
func (u *Uploader) ResumeUpload(ctx context.Context, uploadID, path string) (*model.CompleteData, error) {
	u.resolveTransferParams(ctx)

	file, info, err := openSource(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	state, err := u.client.Resume(ctx, uploadID)
	if err != nil {
		return nil, fmt.Errorf("failed to resume upload: %w", err)
	}
	if got := model.ChunkCount(info.Size(), u.opts.ChunkSize); got != state.TotalChunks {
		return nil, fmt.Errorf("chunk size %d splits the file into %d chunks, session expects %d",
			u.opts.ChunkSize, got, state.TotalChunks)
	}

	return u.run(ctx, uploadID, file, info.Size(), u.opts.ChunkSize, state.NextChunk)
}

// run sends chunks from firstChunk onward and completes the session.
func (u *Uploader) run(ctx context.Context, uploadID string, file *os.File, fileSize, chunkSize int64, firstChunk int) (*model.CompleteData, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	u.mu.Lock()
	u.cancel = cancel
	u.tracker = newProgressTracker(fileSize)
	u.mu.Unlock()

	ranges := partitionFile(fileSize, chunkSize)
	if firstChunk > 0 {
		// Resumed transfers count the server-held prefix as already done.
		var already int64
		for _, cr := range ranges[:firstChunk] {
			already += cr.length
		}
		u.tracker.addUploaded(already)
		ranges = ranges[firstChunk:]
	}

	if err := u.sendChunks(ctx, uploadID, file, ranges); err != nil {
		// A failed transfer is left open on the server so it can be resumed;
		// completion is never attempted.
		return nil, err
	}

	complete, err := u.client.Complete(ctx, uploadID)
	if err != nil {
		return nil, fmt.Errorf("failed to complete upload: %w", err)
	}
	return complete, nil
}

// sendChunks pushes the given ranges with bounded parallelism. The first
// error aborts the remaining work: pending ranges are never dispatched and
// in-flight senders are cancelled.
func (u *Uploader) sendChunks(ctx context.Context, uploadID string, file *os.File, ranges []chunkRange) error {
	ctx, abort := context.WithCancel(ctx)
	defer abort()

	sem := make(chan struct{}, u.opts.MaxParallel)
	errCh := make(chan error, 1)
	var wg sync.WaitGroup

	for _, cr := range ranges {
		select {
		case <-ctx.Done():
			wg.Wait()
			return u.firstError(ctx, errCh)
		case sem <- struct{}{}:
		}
		// The select is unordered, so a freed slot can win over an already
		// cancelled context. Re-check before dispatching.
		if ctx.Err() != nil {
			<-sem
			wg.Wait()
			return u.firstError(ctx, errCh)
		}

		wg.Add(1)
		go func(cr chunkRange) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := u.uploadChunkWithRetry(ctx, uploadID, file, cr); err != nil {
				select {
				case errCh <- err:
				default:
				}
				abort()
			}
		}(cr)
	}

	wg.Wait()
	return u.firstError(ctx, errCh)
}

// firstError prefers the recorded chunk error over the bare cancellation
// sentinel, since a failed sender aborts the shared context itself.
func (u *Uploader) firstError(ctx context.Context, errCh <-chan error) error {
	select {
	case err := <-errCh:
		return err
	default:
	}
	return u.doneError(ctx)
}

// doneError translates context cancellation into the orchestrator's sentinel.
func (u *Uploader) doneError(ctx context.Context) error {
	if ctx.Err() != nil {
		return ErrCancelled
	}
	return nil
}

// uploadChunkWithRetry sends one chunk, honoring pause state and retrying
// transient failures with exponential backoff.
func (u *Uploader) uploadChunkWithRetry(ctx context.Context, uploadID string, file *os.File, cr chunkRange) error {
	payload := make([]byte, cr.length)
	if _, err := file.ReadAt(payload, cr.offset); err != nil {
		return fmt.Errorf("failed to read chunk %d: %w", cr.index, err)
	}

	var lastErr error
	for attempt := 0; attempt <= u.opts.MaxRetries; attempt++ {
		if err := u.waitWhilePaused(ctx); err != nil {
			return err
		}

		u.tracker.chunkStarted()
		_, err := u.client.UploadChunk(ctx, uploadID, cr.index, payload)
		u.tracker.chunkFinished()
		if err == nil {
			u.tracker.addUploaded(cr.length)
			return nil
		}
		lastErr = err

		// Client-side rejections will not succeed on retry.
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Retryable() {
			return err
		}
		if ctx.Err() != nil {
			return ErrCancelled
		}
		if attempt == u.opts.MaxRetries {
			break
		}

		delay := u.opts.RetryBaseDelay * (1 << attempt)
		slog.Warn("chunk upload failed, backing off",
			"chunkIndex", cr.index, "attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return ErrCancelled
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("chunk %d: %w: %w", cr.index, ErrRetriesExhausted, lastErr)
}

// waitWhilePaused blocks the calling sender until the transfer is unpaused
// or cancelled.
func (u *Uploader) waitWhilePaused(ctx context.Context) error {
	for u.paused.Load() {
		select {
		case <-ctx.Done():
			return ErrCancelled
		case <-time.After(u.opts.PausePollInterval):
		}
	}
	if ctx.Err() != nil {
		return ErrCancelled
	}
	return nil
}

// Pause suspends chunk sending. In-flight chunks finish; no new sends start
// until Resume.
func (u *Uploader) Pause() {
	u.paused.Store(true)
}

// Resume lifts a pause.
func (u *Uploader) Resume() {
	u.paused.Store(false)
}

// Cancel aborts the transfer. The server-side session is left intact for a
// later ResumeUpload.
func (u *Uploader) Cancel() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.cancel != nil {
		u.cancel()
	}
}

// Progress returns a snapshot of the running transfer. Before Upload or
// ResumeUpload starts it reports zeroes.
func (u *Uploader) Progress() Progress {
	u.mu.Lock()
	tracker := u.tracker
	u.mu.Unlock()
	if tracker == nil {
		return Progress{}
	}
	return tracker.snapshot()
}

// partitionFile splits a file of fileSize bytes into chunkSize ranges. The
// final range carries the remainder and may be shorter.
func partitionFile(fileSize, chunkSize int64) []chunkRange {
	if fileSize <= 0 || chunkSize <= 0 {
		return nil
	}

	total := model.ChunkCount(fileSize, chunkSize)
	ranges := make([]chunkRange, 0, total)
	for i := 0; i < total; i++ {
		offset := int64(i) * chunkSize
		length := chunkSize
		if offset+length > fileSize {
			length = fileSize - offset
		}
		ranges = append(ranges, chunkRange{index: i, offset: offset, length: length})
	}
	return ranges
}

// openSource opens and stats the transfer source file.
func openSource(path string) (*os.File, os.FileInfo, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open source file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, nil, fmt.Errorf("failed to stat source file: %w", err)
	}
	if info.Size() == 0 {
		file.Close()
		return nil, nil, errors.New("source file is empty")
	}
	return file, info, nil
}

// detectMimeType guesses the MIME type from the file extension.
func detectMimeType(path string) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return "application/octet-stream"
}
