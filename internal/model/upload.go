// internal/model/upload.go
// Package model defines the data structures used throughout the MediaHub upload service.
// These structures represent the core domain objects for upload sessions, media assets,
// and the JSON shapes exchanged over the upload protocol.
package model

import (
	"math"
	"time"
)

// SessionStatus tracks an upload session through its lifecycle.
// Transitions: initializing -> in_progress -> completing -> completed.
// Any non-terminal state may transition to failed.
type SessionStatus string

const (
	StatusInitializing SessionStatus = "initializing"
	StatusInProgress   SessionStatus = "in_progress"
	StatusCompleting   SessionStatus = "completing"
	StatusCompleted    SessionStatus = "completed"
	StatusFailed       SessionStatus = "failed"
)

// ProcessingStatus tracks downstream processing of a finalized asset.
type ProcessingStatus string

const (
	ProcessingPending    ProcessingStatus = "pending"
	ProcessingInProgress ProcessingStatus = "processing"
	ProcessingCompleted  ProcessingStatus = "completed"
	ProcessingFailed     ProcessingStatus = "failed"
)

// UploadSession represents one in-flight file transfer.
// The session is exclusively owned by the server process; clients hold only
// the UploadID and never mutate the session directly.
// This corresponds to the upload_sessions table in storage.
type UploadSession struct {
	UploadID          string        `json:"uploadId" db:"upload_id"`                   // Opaque unique identifier, primary key for chunk operations
	PlatformID        string        `json:"platformId" db:"platform_id"`               // Owning platform, immutable after creation
	CreatorID         string        `json:"creatorId" db:"creator_id"`                 // Owning creator, immutable after creation
	Filename          string        `json:"filename" db:"filename"`                    // Client-declared original filename (untrusted)
	FileSize          int64         `json:"fileSize" db:"file_size"`                   // Declared total size in bytes, > 0
	MimeType          string        `json:"mimeType" db:"mime_type"`                   // Client-declared MIME type (untrusted)
	ChunkSize         int64         `json:"chunkSize" db:"chunk_size"`                 // Fixed for the session's lifetime
	TotalChunks       int           `json:"totalChunks" db:"total_chunks"`             // ceil(FileSize / ChunkSize), fixed at creation
	CompletedChunks   int           `json:"completedChunks" db:"completed_chunks"`     // Count of distinct received chunk indices
	Status            SessionStatus `json:"status" db:"status"`                        // Lifecycle state
	ForensicSignature string        `json:"forensicSignature" db:"forensic_signature"` // Assigned at creation, immutable
	CreatedAt         time.Time     `json:"createdAt" db:"created_at"`
	ExpiresAt         time.Time     `json:"expiresAt" db:"expires_at"` // CreatedAt + session TTL; no chunk acceptance past this
}

// Expired reports whether the session is past its acceptance window.
func (s *UploadSession) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// MediaAsset is the durable result of a completed upload.
// Created exactly once at completion; the originating session is deleted
// atomically with asset creation.
// This corresponds to the media_assets table in storage.
type MediaAsset struct {
	ID                string           `json:"id" db:"id"`                                // ULID, lexicographically ordered
	CreatorID         string           `json:"creatorId" db:"creator_id"`                 // Copied from the session
	PlatformID        string           `json:"platformId" db:"platform_id"`               // Copied from the session
	OriginalFilename  string           `json:"originalFilename" db:"original_filename"`   // As declared at init
	FileHash          string           `json:"fileHash" db:"file_hash"`                   // Content-derived hash over the received chunks
	FileSize          int64            `json:"fileSize" db:"file_size"`                   // Total received bytes
	MimeType          string           `json:"mimeType" db:"mime_type"`                   // As declared at init
	ForensicSignature string           `json:"forensicSignature" db:"forensic_signature"` // Carried through from the session
	ProcessingStatus  ProcessingStatus `json:"processingStatus" db:"processing_status"`   // pending until the processing pipeline picks it up
	StorageURI        string           `json:"storageUri,omitempty" db:"storage_uri"`     // Staging manifest location when object storage is configured
	CreatedAt         time.Time        `json:"createdAt" db:"created_at"`
}

// ChunkUploadResult is the ephemeral outcome of a single chunk-accept
// operation. It is never persisted.
type ChunkUploadResult struct {
	ChunkIndex      int    `json:"chunkIndex"`
	Success         bool   `json:"success"`
	Etag            string `json:"etag,omitempty"`  // Content fingerprint of the chunk
	Error           string `json:"error,omitempty"` // Populated when Success is false
	CompletedChunks int    `json:"completedChunks"`
	TotalChunks     int    `json:"totalChunks"`
}

// UploadProgress is an observational snapshot of a session; reading it has
// no side effects.
type UploadProgress struct {
	Progress        float64       `json:"progress"` // CompletedChunks / TotalChunks * 100
	Status          SessionStatus `json:"status"`
	CompletedChunks int           `json:"completedChunks"`
	TotalChunks     int           `json:"totalChunks"`
}

// ResumeState is the cursor returned to a client resuming an interrupted
// transfer. NextChunk equals the count of already-received chunks, which
// assumes contiguous completion from index zero.
type ResumeState struct {
	NextChunk       int            `json:"nextChunk"`
	TotalChunks     int            `json:"totalChunks"`
	CompletedChunks int            `json:"completedChunks"`
	Session         *UploadSession `json:"-"`
}

// ChunkCount computes ceil(fileSize / chunkSize).
// Both arguments must be positive.
func ChunkCount(fileSize, chunkSize int64) int {
	return int(math.Ceil(float64(fileSize) / float64(chunkSize)))
}

// ServiceConfig is the payload of GET /config. Clients fetch it once before
// starting a transfer and fall back to hardcoded defaults if unavailable.
type ServiceConfig struct {
	ChunkSize         int64           `json:"chunkSize"`
	MaxParallelChunks int             `json:"maxParallelChunks"`
	MaxFileSize       int64           `json:"maxFileSize"`
	SupportedFormats  []string        `json:"supportedFormats"`
	Features          map[string]bool `json:"features"`
}

// InitUploadRequest represents the request body for POST /upload/init.
// The creator identity is derived from the caller's JWT, not the body.
type InitUploadRequest struct {
	Filename   string `json:"filename"`
	FileSize   int64  `json:"fileSize"`
	MimeType   string `json:"mimeType"`
	PlatformID string `json:"platformId,omitempty"` // Optional override; defaults to the hosting platform
}

// InitUploadData contains the session handle returned by a successful init.
type InitUploadData struct {
	UploadID          string    `json:"uploadId"`
	ChunkSize         int64     `json:"chunkSize"`
	TotalChunks       int       `json:"totalChunks"`
	ForensicSignature string    `json:"forensicSignature"`
	ExpiresAt         time.Time `json:"expiresAt"`
}

// ChunkData is the response body for a successful chunk upload.
type ChunkData struct {
	ChunkIndex int     `json:"chunkIndex"`
	Etag       string  `json:"etag"`
	Progress   float64 `json:"progress"`
}

// ResumeData is the response body for POST /upload/{uploadId}/resume.
type ResumeData struct {
	NextChunk       int `json:"nextChunk"`
	TotalChunks     int `json:"totalChunks"`
	CompletedChunks int `json:"completedChunks"`
}

// CompleteData is the response body for POST /upload/{uploadId}/complete.
type CompleteData struct {
	AssetID           string           `json:"assetId"`
	ForensicSignature string           `json:"forensicSignature"`
	ProcessingStatus  ProcessingStatus `json:"processingStatus"`
	CreatedAt         time.Time        `json:"createdAt"`
	DownloadURL       string           `json:"downloadUrl,omitempty"` // Present when object storage is configured
}
