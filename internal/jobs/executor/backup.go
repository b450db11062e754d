package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"agentfactory/internal/domain"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/charmbracelet/log"
	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
)

const (
	s3UploadAttempts = 3
	s3UploadTimeout  = 30 * time.Second
)

// EncodeSnapshot writes entries as gzip-compressed JSON lines.
func EncodeSnapshot(entries []domain.BlacklistEntry) ([]byte, error) {
	var buf bytes.Buffer
	gz, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, fmt.Errorf("executor: gzip writer: %w", err)
	}

	enc := json.NewEncoder(gz)
	for i := range entries {
		if err := enc.Encode(&entries[i]); err != nil {
			gz.Close()
			return nil, fmt.Errorf("executor: encode entry %d: %w", entries[i].ID, err)
		}
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("executor: close gzip: %w", err)
	}
	return buf.Bytes(), nil
}

// LocalBackupSink writes snapshots into a directory.
type LocalBackupSink struct {
	Dir string
}

func (s LocalBackupSink) Store(_ context.Context, name string, body []byte) (string, error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", err
	}

	target := filepath.Join(s.Dir, filepath.Base(name))
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, body, 0o640); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return target, nil
}

// S3BackupSink uploads snapshots to a bucket with a short retry loop.
type S3BackupSink struct {
	client *s3.Client
	bucket string
	prefix string
}

func NewS3BackupSink(ctx context.Context, bucket, region, prefix string) (*S3BackupSink, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("executor: load aws config: %w", err)
	}

	return &S3BackupSink{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		prefix: prefix,
	}, nil
}

func (s *S3BackupSink) Store(ctx context.Context, name string, body []byte) (string, error) {
	key := path.Join(s.prefix, name)

	var lastErr error
	backoff := 200 * time.Millisecond
	for attempt := 1; attempt <= s3UploadAttempts; attempt++ {
		if err := s.put(ctx, key, body); err == nil {
			return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
		} else {
			lastErr = err
			log.Warn("Backup upload failed", "bucket", s.bucket, "key", key, "attempt", attempt, "error", err)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return "", lastErr
}

func (s *S3BackupSink) put(ctx context.Context, key string, body []byte) error {
	putCtx, cancel := context.WithTimeout(ctx, s3UploadTimeout)
	defer cancel()

	_, err := s.client.PutObject(putCtx, &s3.PutObjectInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(body),
		ContentLength:   aws.Int64(int64(len(body))),
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String("gzip"),
	})
	return err
}
