package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3 stores objects in an S3 bucket under <prefix><hash[0:2]>/<hash>.bin,
// mirroring the filesystem fan-out so the two backends stay swappable.
type S3 struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3Config holds settings for the S3 backend. Endpoint supports MinIO and
// LocalStack (path-style addressing is enabled when it is set).
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// NewS3 creates an S3-backed store using ambient AWS credentials.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("objectstore: s3 bucket required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("objectstore: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *S3) key(hash string) string {
	return s.prefix + hash[:2] + "/" + hash + ".bin"
}

func (s *S3) URI(hash string) string {
	return "s3://" + s.bucket + "/" + s.key(hash)
}

func (s *S3) Put(ctx context.Context, hash string, data []byte) error {
	if err := ValidateHash(hash); err != nil {
		return err
	}
	key := s.key(hash)
	// Idempotent: skip upload when the key exists.
	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err == nil {
		return nil
	}
	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	}); err != nil {
		return fmt.Errorf("objectstore: s3 put %s: %w", hash, err)
	}
	return nil
}

func (s *S3) Get(ctx context.Context, hash string) ([]byte, error) {
	if err := ValidateHash(hash); err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(hash)),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	defer func() { _ = out.Body.Close() }()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("objectstore: s3 read %s: %w", hash, err)
	}
	if err := verify(hash, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *S3) Has(ctx context.Context, hash string) (bool, error) {
	if err := ValidateHash(hash); err != nil {
		return false, err
	}
	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(hash)),
	}); err != nil {
		return false, nil
	}
	return true, nil
}
