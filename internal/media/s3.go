// internal/media/s3.go
// Package media provides S3-compatible storage implementation for media assets.
// Chunk payloads are staged under a per-session prefix and stitched together by
// a manifest at completion; finalized assets are served through presigned URLs.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Client wraps the AWS S3 client for media operations.
// It provides methods for staging chunks, writing completion manifests, and
// generating presigned download URLs.
type S3Client struct {
	client *s3.Client // AWS S3 client
	bucket string     // S3 bucket name for media storage
}

// Manifest describes a finalized upload: the ordered chunk keys that make up
// the asset. Downstream processors read this to assemble the full object.
type Manifest struct {
	AssetID     string   `json:"assetId"`
	UploadID    string   `json:"uploadId"`
	FileHash    string   `json:"fileHash"`
	TotalChunks int      `json:"totalChunks"`
	ChunkKeys   []string `json:"chunkKeys"`
}

// NewS3Client creates a new S3 client for media operations.
// It supports both AWS S3 and S3-compatible services like MinIO.
func NewS3Client(endpoint, region, bucket, accessKey, secretKey string) (*S3Client, error) {
	// Load AWS configuration with custom endpoint and credentials
	cfg, err := config.LoadDefaultConfig(context.TODO(),
		config.WithRegion(region),
		config.WithBaseEndpoint(endpoint),
		config.WithCredentialsProvider(aws.CredentialsProviderFunc(
			func(ctx context.Context) (aws.Credentials, error) {
				return aws.Credentials{
					AccessKeyID:     accessKey,
					SecretAccessKey: secretKey,
				}, nil
			})),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Path-style addressing is required for MinIO and other S3-compatible services
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	return &S3Client{
		client: client,
		bucket: bucket,
	}, nil
}

// ChunkKey returns the staging key for one chunk of a session. The zero-padded
// index keeps listing order equal to chunk order.
func ChunkKey(uploadID string, chunkIndex int) string {
	return fmt.Sprintf("staging/%s/%06d", uploadID, chunkIndex)
}

// manifestKey returns the key of the completion manifest for an asset.
func manifestKey(assetID string) string {
	return fmt.Sprintf("assets/%s/manifest.json", assetID)
}

// StageChunk writes one chunk payload to the session's staging prefix.
// Re-staging the same index overwrites with identical content, so retries are
// harmless.
func (s *S3Client) StageChunk(ctx context.Context, uploadID string, chunkIndex int, data []byte) (string, error) {
	key := ChunkKey(uploadID, chunkIndex)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", fmt.Errorf("failed to stage chunk %d: %w", chunkIndex, err)
	}
	return key, nil
}

// PutManifest writes the completion manifest for a finalized asset and returns
// the storage URI the asset record should carry.
func (s *S3Client) PutManifest(ctx context.Context, m Manifest) (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal manifest: %w", err)
	}

	key := manifestKey(m.AssetID)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(b),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to write manifest: %w", err)
	}

	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// GenerateDownloadURL generates a presigned GET URL for a finalized asset's
// manifest. Clients follow the manifest to fetch the chunk objects.
func (s *S3Client) GenerateDownloadURL(ctx context.Context, assetID string, expires time.Duration) (string, error) {
	presignClient := s3.NewPresignClient(s.client)

	presignResult, err := presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(manifestKey(assetID)),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = expires
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}

	return presignResult.URL, nil
}

// CleanupStaging removes all staged chunk objects for a session. Called when a
// session fails or expires without completing.
func (s *S3Client) CleanupStaging(ctx context.Context, uploadID string) error {
	prefix := fmt.Sprintf("staging/%s/", uploadID)

	for {
		listing, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket: aws.String(s.bucket),
			Prefix: aws.String(prefix),
		})
		if err != nil {
			return fmt.Errorf("failed to list staged chunks: %w", err)
		}
		if len(listing.Contents) == 0 {
			return nil
		}

		objects := make([]types.ObjectIdentifier, 0, len(listing.Contents))
		for _, obj := range listing.Contents {
			objects = append(objects, types.ObjectIdentifier{Key: obj.Key})
		}

		_, err = s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: objects},
		})
		if err != nil {
			return fmt.Errorf("failed to delete staged chunks: %w", err)
		}

		if listing.IsTruncated == nil || !*listing.IsTruncated {
			return nil
		}
	}
}
