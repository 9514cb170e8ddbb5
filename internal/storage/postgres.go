// internal/storage/postgres.go
// Package storage provides the PostgreSQL implementation of the Store
// interface. This implementation is intended for production use with
// persistent session and asset storage.
package storage

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/FanzDash/fanzdash-mediahub-go/internal/model"
)

// postgres provides persistent storage for upload sessions, chunk accounting,
// and media assets.
type postgres struct {
	db *pgxpool.Pool // Connection pool to PostgreSQL database
}

// NewPostgres creates a new PostgreSQL storage implementation.
// It establishes a connection pool to the database and initializes the schema.
func NewPostgres(dsn string) (Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	// Connection pool settings
	config.MaxConns = 20
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = time.Minute * 30
	config.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &postgres{db: pool}, nil
}

// initSchema initializes the database schema.
// It creates all required tables and indexes if they don't already exist.
func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	schema := `
		-- Upload sessions table: one row per in-flight transfer
		CREATE TABLE IF NOT EXISTS upload_sessions (
		    upload_id TEXT PRIMARY KEY,              -- Opaque session identifier
		    platform_id TEXT NOT NULL,               -- Owning platform
		    creator_id TEXT NOT NULL,                -- Owning creator
		    filename TEXT NOT NULL,                  -- Client-declared filename
		    file_size BIGINT NOT NULL,               -- Declared size in bytes
		    mime_type TEXT NOT NULL,                 -- Client-declared MIME type
		    chunk_size BIGINT NOT NULL,              -- Fixed for the session lifetime
		    total_chunks INTEGER NOT NULL,           -- ceil(file_size / chunk_size)
		    status TEXT NOT NULL,                    -- Lifecycle state
		    forensic_signature TEXT NOT NULL,        -- Assigned at creation
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    expires_at TIMESTAMP WITH TIME ZONE NOT NULL  -- Acceptance window end
		);

		-- Index for the expiry sweep
		CREATE INDEX IF NOT EXISTS idx_upload_sessions_expires_at ON upload_sessions(expires_at);
		CREATE INDEX IF NOT EXISTS idx_upload_sessions_creator ON upload_sessions(creator_id);

		-- Received chunks: the set of indices seen per session. The primary
		-- key makes duplicate chunk sends a no-op instead of a double count.
		CREATE TABLE IF NOT EXISTS session_chunks (
		    upload_id TEXT NOT NULL REFERENCES upload_sessions(upload_id) ON DELETE CASCADE,
		    chunk_index INTEGER NOT NULL,            -- Zero-based chunk position
		    etag TEXT NOT NULL,                      -- Content fingerprint of the chunk
		    size BIGINT NOT NULL,                    -- Chunk length in bytes
		    received_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    PRIMARY KEY (upload_id, chunk_index)
		);

		-- Media assets table: durable results of completed uploads
		CREATE TABLE IF NOT EXISTS media_assets (
		    id TEXT PRIMARY KEY,                     -- ULID asset identifier
		    creator_id TEXT NOT NULL,
		    platform_id TEXT NOT NULL,
		    original_filename TEXT NOT NULL,
		    file_hash TEXT NOT NULL,                 -- Content-derived hash
		    file_size BIGINT NOT NULL,
		    mime_type TEXT NOT NULL,
		    forensic_signature TEXT NOT NULL,
		    processing_status TEXT NOT NULL,
		    storage_uri TEXT NOT NULL DEFAULT '',
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_media_assets_creator ON media_assets(creator_id);
		CREATE INDEX IF NOT EXISTS idx_media_assets_created_at ON media_assets(created_at DESC);
	`

	_, err := db.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool
func (p *postgres) Close() {
	p.db.Close()
}

func (p *postgres) CreateSession(ctx context.Context, session model.UploadSession) error {
	query := `INSERT INTO upload_sessions
	    (upload_id, platform_id, creator_id, filename, file_size, mime_type,
	     chunk_size, total_chunks, status, forensic_signature, created_at, expires_at)
	    VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	    ON CONFLICT (upload_id) DO NOTHING`

	tag, err := p.db.Exec(ctx, query,
		session.UploadID,
		session.PlatformID,
		session.CreatorID,
		session.Filename,
		session.FileSize,
		session.MimeType,
		session.ChunkSize,
		session.TotalChunks,
		string(session.Status),
		session.ForensicSignature,
		session.CreatedAt,
		session.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to create upload session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// scanSession reads one upload_sessions row plus its chunk count.
func (p *postgres) scanSession(ctx context.Context, q pgxQuerier, uploadID string) (*model.UploadSession, error) {
	query := `SELECT s.upload_id, s.platform_id, s.creator_id, s.filename, s.file_size,
	                 s.mime_type, s.chunk_size, s.total_chunks, s.status,
	                 s.forensic_signature, s.created_at, s.expires_at,
	                 (SELECT COUNT(*) FROM session_chunks c WHERE c.upload_id = s.upload_id)
	          FROM upload_sessions s WHERE s.upload_id = $1`

	var session model.UploadSession
	var status string
	var completed int64

	err := q.QueryRow(ctx, query, uploadID).Scan(
		&session.UploadID,
		&session.PlatformID,
		&session.CreatorID,
		&session.Filename,
		&session.FileSize,
		&session.MimeType,
		&session.ChunkSize,
		&session.TotalChunks,
		&status,
		&session.ForensicSignature,
		&session.CreatedAt,
		&session.ExpiresAt,
		&completed,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get upload session: %w", err)
	}

	session.Status = model.SessionStatus(status)
	session.CompletedChunks = int(completed)
	return &session, nil
}

// pgxQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgxQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (p *postgres) GetSession(ctx context.Context, uploadID string) (*model.UploadSession, error) {
	return p.scanSession(ctx, p.db, uploadID)
}

func (p *postgres) AcceptChunk(ctx context.Context, uploadID string, chunkIndex int, data []byte) (model.ChunkUploadResult, error) {
	session, err := p.GetSession(ctx, uploadID)
	if err != nil {
		return model.ChunkUploadResult{}, err
	}
	if session.Expired(time.Now().UTC()) {
		return model.ChunkUploadResult{}, ErrSessionExpired
	}
	if session.Status != model.StatusInProgress {
		return model.ChunkUploadResult{}, ErrConflict
	}
	if chunkIndex < 0 || chunkIndex >= session.TotalChunks {
		return model.ChunkUploadResult{}, ErrChunkOutOfRange
	}

	etag := ChunkEtag(data)

	// The composite primary key serializes concurrent accepts of the same
	// index: exactly one insert wins, duplicates fall through to the stored
	// etag without touching the count.
	insert := `INSERT INTO session_chunks (upload_id, chunk_index, etag, size, received_at)
	           VALUES ($1, $2, $3, $4, $5)
	           ON CONFLICT (upload_id, chunk_index) DO NOTHING`
	if _, err := p.db.Exec(ctx, insert, uploadID, chunkIndex, etag, int64(len(data)), time.Now().UTC()); err != nil {
		return model.ChunkUploadResult{}, fmt.Errorf("failed to record chunk: %w", err)
	}

	var storedEtag string
	var completed int64
	query := `SELECT etag, (SELECT COUNT(*) FROM session_chunks WHERE upload_id = $1)
	          FROM session_chunks WHERE upload_id = $1 AND chunk_index = $2`
	if err := p.db.QueryRow(ctx, query, uploadID, chunkIndex).Scan(&storedEtag, &completed); err != nil {
		return model.ChunkUploadResult{}, fmt.Errorf("failed to read back chunk: %w", err)
	}

	return model.ChunkUploadResult{
		ChunkIndex:      chunkIndex,
		Success:         true,
		Etag:            storedEtag,
		CompletedChunks: int(completed),
		TotalChunks:     session.TotalChunks,
	}, nil
}

func (p *postgres) SessionProgress(ctx context.Context, uploadID string) (*model.UploadProgress, error) {
	session, err := p.GetSession(ctx, uploadID)
	if err != nil {
		return nil, err
	}

	return &model.UploadProgress{
		Progress:        float64(session.CompletedChunks) / float64(session.TotalChunks) * 100,
		Status:          session.Status,
		CompletedChunks: session.CompletedChunks,
		TotalChunks:     session.TotalChunks,
	}, nil
}

func (p *postgres) ResumeSession(ctx context.Context, uploadID string) (*model.ResumeState, error) {
	session, err := p.GetSession(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if session.Status != model.StatusInProgress {
		return nil, ErrNotResumable
	}
	if session.Expired(time.Now().UTC()) {
		return nil, ErrSessionExpired
	}

	return &model.ResumeState{
		NextChunk:       session.CompletedChunks,
		TotalChunks:     session.TotalChunks,
		CompletedChunks: session.CompletedChunks,
		Session:         session,
	}, nil
}

func (p *postgres) CompleteSession(ctx context.Context, uploadID string) (*model.MediaAsset, error) {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin completion transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock the session row for the duration of finalization so concurrent
	// complete calls and late chunk accepts serialize behind it.
	lock := `SELECT status, expires_at, total_chunks, platform_id, creator_id,
	                filename, mime_type, forensic_signature
	         FROM upload_sessions WHERE upload_id = $1 FOR UPDATE`

	var status string
	var expiresAt time.Time
	var totalChunks int
	var platformID, creatorID, filename, mimeType, sig string
	err = tx.QueryRow(ctx, lock, uploadID).Scan(
		&status, &expiresAt, &totalChunks, &platformID, &creatorID, &filename, &mimeType, &sig)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to lock session for completion: %w", err)
	}

	if time.Now().UTC().After(expiresAt) {
		return nil, ErrSessionExpired
	}
	if model.SessionStatus(status) != model.StatusInProgress {
		return nil, ErrConflict
	}

	if _, err := tx.Exec(ctx,
		`UPDATE upload_sessions SET status = $1 WHERE upload_id = $2`,
		string(model.StatusCompleting), uploadID); err != nil {
		return nil, fmt.Errorf("failed to mark session completing: %w", err)
	}

	// Coverage check: collect indices that were never received.
	missingQuery := `SELECT gs.i FROM generate_series(0, $2::int - 1) AS gs(i)
	                 LEFT JOIN session_chunks c ON c.upload_id = $1 AND c.chunk_index = gs.i
	                 WHERE c.upload_id IS NULL ORDER BY gs.i`
	rows, err := tx.Query(ctx, missingQuery, uploadID, totalChunks)
	if err != nil {
		return nil, fmt.Errorf("failed to check chunk coverage: %w", err)
	}
	var missing []int
	for rows.Next() {
		var i int
		if err := rows.Scan(&i); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan missing chunk index: %w", err)
		}
		missing = append(missing, i)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating missing chunks: %w", err)
	}
	if len(missing) > 0 {
		return nil, &MissingChunksError{Missing: missing}
	}

	// Derive the content hash from the chunk etags in index order and sum
	// the received bytes.
	h := sha256.New()
	var receivedBytes int64
	chunkRows, err := tx.Query(ctx,
		`SELECT etag, size FROM session_chunks WHERE upload_id = $1 ORDER BY chunk_index`, uploadID)
	if err != nil {
		return nil, fmt.Errorf("failed to read chunk etags: %w", err)
	}
	for chunkRows.Next() {
		var etag string
		var size int64
		if err := chunkRows.Scan(&etag, &size); err != nil {
			chunkRows.Close()
			return nil, fmt.Errorf("failed to scan chunk etag: %w", err)
		}
		h.Write([]byte(etag))
		receivedBytes += size
	}
	chunkRows.Close()
	if err := chunkRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chunk etags: %w", err)
	}

	asset := model.MediaAsset{
		ID:                ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(rand.Reader, 0)).String(),
		CreatorID:         creatorID,
		PlatformID:        platformID,
		OriginalFilename:  filename,
		FileHash:          hex.EncodeToString(h.Sum(nil)),
		FileSize:          receivedBytes,
		MimeType:          mimeType,
		ForensicSignature: sig,
		ProcessingStatus:  model.ProcessingPending,
		CreatedAt:         time.Now().UTC(),
	}

	insert := `INSERT INTO media_assets
	    (id, creator_id, platform_id, original_filename, file_hash, file_size,
	     mime_type, forensic_signature, processing_status, storage_uri, created_at)
	    VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	if _, err := tx.Exec(ctx, insert,
		asset.ID, asset.CreatorID, asset.PlatformID, asset.OriginalFilename,
		asset.FileHash, asset.FileSize, asset.MimeType, asset.ForensicSignature,
		string(asset.ProcessingStatus), asset.StorageURI, asset.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to create media asset: %w", err)
	}

	// session_chunks rows go with the session via ON DELETE CASCADE
	if _, err := tx.Exec(ctx,
		`DELETE FROM upload_sessions WHERE upload_id = $1`, uploadID); err != nil {
		return nil, fmt.Errorf("failed to delete completed session: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit completion: %w", err)
	}

	return &asset, nil
}

func (p *postgres) FailSession(ctx context.Context, uploadID string, reason string) error {
	_, err := p.db.Exec(ctx, `DELETE FROM upload_sessions WHERE upload_id = $1`, uploadID)
	if err != nil {
		return fmt.Errorf("failed to remove failed session: %w", err)
	}
	return nil
}

func (p *postgres) GetAsset(ctx context.Context, assetID string) (*model.MediaAsset, error) {
	query := `SELECT id, creator_id, platform_id, original_filename, file_hash,
	                 file_size, mime_type, forensic_signature, processing_status,
	                 storage_uri, created_at
	          FROM media_assets WHERE id = $1`

	var asset model.MediaAsset
	var processing string

	err := p.db.QueryRow(ctx, query, assetID).Scan(
		&asset.ID,
		&asset.CreatorID,
		&asset.PlatformID,
		&asset.OriginalFilename,
		&asset.FileHash,
		&asset.FileSize,
		&asset.MimeType,
		&asset.ForensicSignature,
		&processing,
		&asset.StorageURI,
		&asset.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get media asset: %w", err)
	}

	asset.ProcessingStatus = model.ProcessingStatus(processing)
	return &asset, nil
}

func (p *postgres) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := p.db.Exec(ctx, `DELETE FROM upload_sessions WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
