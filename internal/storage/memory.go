// internal/storage/memory.go
// Package storage provides implementations of the Store interface for both
// in-memory and PostgreSQL storage backends. The Store is the authoritative
// state for all in-flight upload sessions and the single source of truth for
// progress queries.
package storage

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/FanzDash/fanzdash-mediahub-go/internal/model"
)

// Standard errors returned by the storage layer
var (
	ErrNotFound        = errors.New("not found")        // Unknown session or asset
	ErrConflict        = errors.New("conflict")         // Session already exists or is being finalized
	ErrSessionExpired  = errors.New("session expired")  // Session past its acceptance window
	ErrChunkOutOfRange = errors.New("chunk index out of range")
	ErrNotResumable    = errors.New("session not resumable") // Resume requested outside in_progress
)

// MissingChunksError is returned by CompleteSession when coverage is
// incomplete. It carries the missing indices so callers can report them.
type MissingChunksError struct {
	Missing []int
}

func (e *MissingChunksError) Error() string {
	return fmt.Sprintf("upload incomplete: %d chunks missing", len(e.Missing))
}

// Store defines the upload session and asset operations required by the
// MediaHub upload service. Implementations must serialize concurrent chunk
// accepts for the same session: the parallel senders of a single client all
// hit AcceptChunk at once and no update may be lost.
type Store interface {
	// Session lifecycle
	CreateSession(ctx context.Context, session model.UploadSession) error
	GetSession(ctx context.Context, uploadID string) (*model.UploadSession, error)

	// AcceptChunk records one chunk of a session and returns its etag.
	// Chunks may arrive in any order. Re-sending an already-recorded index
	// returns the stored etag without changing the completed count.
	AcceptChunk(ctx context.Context, uploadID string, chunkIndex int, data []byte) (model.ChunkUploadResult, error)

	// SessionProgress is purely observational.
	SessionProgress(ctx context.Context, uploadID string) (*model.UploadProgress, error)

	// ResumeSession returns the resume cursor for an in_progress session.
	ResumeSession(ctx context.Context, uploadID string) (*model.ResumeState, error)

	// CompleteSession finalizes a fully-covered session into a MediaAsset,
	// deleting the session atomically with asset creation.
	CompleteSession(ctx context.Context, uploadID string) (*model.MediaAsset, error)

	// FailSession removes a session after an unrecoverable error.
	FailSession(ctx context.Context, uploadID string, reason string) error

	// Asset operations
	GetAsset(ctx context.Context, assetID string) (*model.MediaAsset, error)

	// DeleteExpired sweeps sessions whose acceptance window has passed and
	// returns how many were removed.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// sessionState pairs a session with its chunk accounting. Completion is
// tracked as a set of received indices, not a bare counter, so duplicate or
// retried chunk sends can never inflate progress past 100%.
type sessionState struct {
	session model.UploadSession
	etags   map[int]string // chunk index -> etag
	sizes   map[int]int64  // chunk index -> byte length
}

// memory implements the Store interface using in-memory maps.
// It's intended for development and testing purposes.
type memory struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState
	assets   map[string]*model.MediaAsset
}

// NewMemory creates a new in-memory storage implementation.
func NewMemory() Store {
	return &memory{
		sessions: make(map[string]*sessionState),
		assets:   make(map[string]*model.MediaAsset),
	}
}

// ChunkEtag computes the content fingerprint returned for an accepted chunk.
// Shared by the memory and PostgreSQL implementations.
func ChunkEtag(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// fileHashFromEtags derives the asset's content hash from the per-chunk etags
// in index order.
func fileHashFromEtags(etags map[int]string) string {
	indices := make([]int, 0, len(etags))
	for i := range etags {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	h := sha256.New()
	for _, i := range indices {
		h.Write([]byte(etags[i]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (m *memory) CreateSession(ctx context.Context, session model.UploadSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[session.UploadID]; exists {
		return ErrConflict
	}

	m.sessions[session.UploadID] = &sessionState{
		session: session,
		etags:   make(map[int]string),
		sizes:   make(map[int]int64),
	}
	return nil
}

func (m *memory) GetSession(ctx context.Context, uploadID string) (*model.UploadSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, exists := m.sessions[uploadID]
	if !exists {
		return nil, ErrNotFound
	}
	sessionCopy := st.session
	sessionCopy.CompletedChunks = len(st.etags)
	return &sessionCopy, nil
}

func (m *memory) AcceptChunk(ctx context.Context, uploadID string, chunkIndex int, data []byte) (model.ChunkUploadResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, exists := m.sessions[uploadID]
	if !exists {
		return model.ChunkUploadResult{}, ErrNotFound
	}
	if st.session.Expired(time.Now().UTC()) {
		return model.ChunkUploadResult{}, ErrSessionExpired
	}
	if st.session.Status != model.StatusInProgress {
		return model.ChunkUploadResult{}, ErrConflict
	}
	if chunkIndex < 0 || chunkIndex >= st.session.TotalChunks {
		return model.ChunkUploadResult{}, ErrChunkOutOfRange
	}

	etag, seen := st.etags[chunkIndex]
	if !seen {
		etag = ChunkEtag(data)
		st.etags[chunkIndex] = etag
		st.sizes[chunkIndex] = int64(len(data))
		st.session.CompletedChunks = len(st.etags)
	}

	return model.ChunkUploadResult{
		ChunkIndex:      chunkIndex,
		Success:         true,
		Etag:            etag,
		CompletedChunks: len(st.etags),
		TotalChunks:     st.session.TotalChunks,
	}, nil
}

func (m *memory) SessionProgress(ctx context.Context, uploadID string) (*model.UploadProgress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, exists := m.sessions[uploadID]
	if !exists {
		return nil, ErrNotFound
	}

	completed := len(st.etags)
	return &model.UploadProgress{
		Progress:        float64(completed) / float64(st.session.TotalChunks) * 100,
		Status:          st.session.Status,
		CompletedChunks: completed,
		TotalChunks:     st.session.TotalChunks,
	}, nil
}

func (m *memory) ResumeSession(ctx context.Context, uploadID string) (*model.ResumeState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, exists := m.sessions[uploadID]
	if !exists {
		return nil, ErrNotFound
	}
	if st.session.Status != model.StatusInProgress {
		return nil, ErrNotResumable
	}
	if st.session.Expired(time.Now().UTC()) {
		return nil, ErrSessionExpired
	}

	completed := len(st.etags)
	sessionCopy := st.session
	sessionCopy.CompletedChunks = completed

	// The cursor assumes contiguous completion from index zero. With
	// parallel senders that is an approximation; a resuming client may
	// re-send chunks the server already holds, which AcceptChunk absorbs
	// idempotently.
	return &model.ResumeState{
		NextChunk:       completed,
		TotalChunks:     st.session.TotalChunks,
		CompletedChunks: completed,
		Session:         &sessionCopy,
	}, nil
}

func (m *memory) CompleteSession(ctx context.Context, uploadID string) (*model.MediaAsset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, exists := m.sessions[uploadID]
	if !exists {
		return nil, ErrNotFound
	}
	if st.session.Expired(time.Now().UTC()) {
		return nil, ErrSessionExpired
	}
	if st.session.Status != model.StatusInProgress {
		return nil, ErrConflict
	}

	// Coverage check: every chunk index must have been received.
	var missing []int
	for i := 0; i < st.session.TotalChunks; i++ {
		if _, ok := st.etags[i]; !ok {
			missing = append(missing, i)
		}
	}
	if len(missing) > 0 {
		return nil, &MissingChunksError{Missing: missing}
	}

	st.session.Status = model.StatusCompleting

	var receivedBytes int64
	for _, n := range st.sizes {
		receivedBytes += n
	}

	asset := model.MediaAsset{
		ID:                ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(rand.Reader, 0)).String(),
		CreatorID:         st.session.CreatorID,
		PlatformID:        st.session.PlatformID,
		OriginalFilename:  st.session.Filename,
		FileHash:          fileHashFromEtags(st.etags),
		FileSize:          receivedBytes,
		MimeType:          st.session.MimeType,
		ForensicSignature: st.session.ForensicSignature,
		ProcessingStatus:  model.ProcessingPending,
		CreatedAt:         time.Now().UTC(),
	}

	// Asset creation and session deletion happen under the same lock, so at
	// most one asset can ever be produced per session.
	assetCopy := asset
	m.assets[asset.ID] = &assetCopy
	delete(m.sessions, uploadID)

	return &asset, nil
}

func (m *memory) FailSession(ctx context.Context, uploadID string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, exists := m.sessions[uploadID]
	if !exists {
		return nil
	}
	st.session.Status = model.StatusFailed
	delete(m.sessions, uploadID)
	return nil
}

func (m *memory) GetAsset(ctx context.Context, assetID string) (*model.MediaAsset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	asset, exists := m.assets[assetID]
	if !exists {
		return nil, ErrNotFound
	}
	assetCopy := *asset
	return &assetCopy, nil
}

func (m *memory) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	swept := 0
	for id, st := range m.sessions {
		if st.session.Expired(now) {
			delete(m.sessions, id)
			swept++
		}
	}
	return swept, nil
}
