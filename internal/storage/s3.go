// Package storage uploads processed audio and segment files to an
// S3-compatible object store (R2 in production).
package storage

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"lingopod/internal/episode"
)

// Config holds object-store connection settings.
type Config struct {
	Region      string
	Bucket      string
	AccessKey   string
	SecretKey   string
	EndpointURL string // For R2: https://account-id.r2.cloudflarestorage.com
}

// Client is a key-addressed uploader over one bucket.
type Client struct {
	s3       *s3.Client
	uploader *manager.Uploader
	bucket   string
}

func New(ctx context.Context, cfg Config) (*Client, error) {
	var awsCfg aws.Config
	var err error

	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKey, cfg.SecretKey, "",
			)),
			awsconfig.WithRegion(cfg.Region),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.Region),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			o.UsePathStyle = true // R2 requires path-style addressing
		}
	})

	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = multipartPartSize
		u.Concurrency = multipartParallel
	})

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		return nil, fmt.Errorf("failed to access bucket %s: %w", cfg.Bucket, err)
	}

	slog.Info("object store initialized", "bucket", cfg.Bucket, "endpoint", cfg.EndpointURL)
	return &Client{s3: client, uploader: uploader, bucket: cfg.Bucket}, nil
}

// UploadAudio stores a local audio file under the channel/date key layout and
// returns the object key. Files over 20 MiB go through multipart upload.
func (c *Client) UploadAudio(ctx context.Context, localPath, channel string, timestampSec int64, episodeID string) (string, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return "", fmt.Errorf("stat audio file: %w", err)
	}
	key := AudioKey(channel, timestampSec, episodeID, AudioExt(filepath.Base(localPath)))

	file, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open audio file: %w", err)
	}
	defer file.Close()

	contentType := contentTypeForExt(AudioExt(localPath))
	if info.Size() > multipartThreshold {
		_, err = c.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(c.bucket),
			Key:         aws.String(key),
			Body:        file,
			ContentType: aws.String(contentType),
		})
	} else {
		_, err = c.s3.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(c.bucket),
			Key:           aws.String(key),
			Body:          file,
			ContentLength: aws.Int64(info.Size()),
			ContentType:   aws.String(contentType),
		})
	}
	if err != nil {
		return "", fmt.Errorf("failed to upload audio %s: %w", key, err)
	}

	slog.Info("audio uploaded", "key", key, "bytes", info.Size(), "multipart", info.Size() > multipartThreshold)
	return key, nil
}

// UploadSegments stores the segment array as JSON under the segments key
// layout and returns the object key.
func (c *Client) UploadSegments(ctx context.Context, segs []episode.Segment, channel string, timestampSec int64, episodeID string) (string, error) {
	data, err := episode.EncodeSegments(segs)
	if err != nil {
		return "", err
	}
	key := SegmentsKey(channel, timestampSec, episodeID)

	_, err = c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload segments %s: %w", key, err)
	}

	slog.Info("segments uploaded", "key", key, "count", len(segs))
	return key, nil
}

// PresignDownload returns a time-limited direct URL for a key. Used by
// operational tooling; client-facing URLs go through the CDN signer.
func (c *Client) PresignDownload(ctx context.Context, key string, expires time.Duration) (string, error) {
	presign := s3.NewPresignClient(c.s3)
	req, err := presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = expires
	})
	if err != nil {
		return "", fmt.Errorf("failed to presign %s: %w", key, err)
	}
	return req.URL, nil
}

// Delete removes an object. Used when re-ingesting a corrupted episode.
func (c *Client) Delete(ctx context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("object key is empty")
	}
	if _, err := c.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}
