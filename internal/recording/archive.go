package recording

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config holds S3-compatible storage configuration.
type S3Config struct {
	Endpoint        string // Custom S3 endpoint (empty for AWS)
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
}

// IsConfigured returns true if S3 settings are configured.
func (c *S3Config) IsConfigured() bool {
	return c.Bucket != "" && c.AccessKeyID != "" && c.SecretAccessKey != ""
}

// archiveTimeout bounds a single object upload.
const archiveTimeout = 2 * time.Minute

// Archive stores encoded chunks in an S3 bucket.
type Archive struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewArchive returns an Archive for cfg, or nil when S3 is not configured.
func NewArchive(cfg *S3Config) *Archive {
	if cfg == nil || !cfg.IsConfigured() {
		return nil
	}
	return &Archive{client: createS3Client(cfg), bucket: cfg.Bucket, prefix: cfg.Prefix}
}

// createS3Client creates an S3 client with the given configuration.
func createS3Client(cfg *S3Config) *s3.Client {
	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")

	options := []func(*s3.Options){
		func(o *s3.Options) {
			o.Credentials = creds
			o.Region = "auto"
		},
	}
	if cfg.Endpoint != "" {
		options = append(options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}
	return s3.New(s3.Options{}, options...)
}

// ChunkKey returns the object key of a chunk.
func (a *Archive) ChunkKey(recordingID string, number int, ext string) string {
	return path.Join(a.prefix, recordingID, fmt.Sprintf("chunk_%05d.%s", number, ext))
}

// PutChunk uploads one encoded chunk and returns its key.
func (a *Archive) PutChunk(ctx context.Context, recordingID string, number int, ext, contentType string, data []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, archiveTimeout)
	defer cancel()

	key := a.ChunkKey(recordingID, number, ext)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("archive %s: %w", key, err)
	}
	return key, nil
}

// TestS3Connection tests connectivity to an S3 bucket by uploading and deleting a test file.
func TestS3Connection(ctx context.Context, cfg *S3Config) error {
	if !cfg.IsConfigured() {
		return fmt.Errorf("S3 is not configured")
	}
	client := createS3Client(cfg)

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	testKey := path.Join(cfg.Prefix, fmt.Sprintf("test-connection-%d.txt", time.Now().UnixNano()))
	testContent := []byte("MinuteMemo recorder connection test")

	_, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(cfg.Bucket),
		Key:           aws.String(testKey),
		Body:          bytes.NewReader(testContent),
		ContentLength: aws.Int64(int64(len(testContent))),
	})
	if err != nil {
		return fmt.Errorf("upload test file: %w", err)
	}

	_, err = client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(cfg.Bucket),
		Key:    aws.String(testKey),
	})
	if err != nil {
		slog.Warn("failed to delete test file", "key", testKey, "error", err)
	}
	return nil
}
