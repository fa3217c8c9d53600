package trace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ObjectStore is the read side of an object store holding trace files.
type ObjectStore interface {
	Exists(ctx context.Context, bucket, key string) (bool, error)
	Open(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

// S3Config holds configuration for S3 inputs.
type S3Config struct {
	// Region is the AWS region of the bucket.
	Region string `json:"region" yaml:"region"`
	// Endpoint is an optional custom endpoint (MinIO, LocalStack).
	Endpoint string `json:"endpoint" yaml:"endpoint"`
	// UsePathStyle enables path-style addressing (required for MinIO).
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`
}

// S3Objects reads trace objects from S3. Each Open issues a fresh GetObject,
// so a trace can be read once per pass.
type S3Objects struct {
	client *s3.Client
}

// NewS3Objects loads the default AWS configuration (environment, shared
// config, instance role) and applies cfg on top.
func NewS3Objects(ctx context.Context, cfg S3Config) (*S3Objects, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	return &S3Objects{client: s3.NewFromConfig(awsCfg, s3Opts...)}, nil
}

func (s *S3Objects) Exists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return false, nil
	}
	return false, fmt.Errorf("s3: head s3://%s/%s: %w", bucket, key, err)
}

func (s *S3Objects) Open(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3: get s3://%s/%s: %w", bucket, key, err)
	}
	return resp.Body, nil
}

// ParseS3URL splits "s3://bucket/key" into its parts.
func ParseS3URL(name string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(name, "s3://")
	if !found {
		return "", "", false
	}
	bucket, key, found = strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

// HasS3Inputs reports whether any name is an s3:// URL.
func HasS3Inputs(names []string) bool {
	for _, n := range names {
		if strings.HasPrefix(n, "s3://") {
			return true
		}
	}
	return false
}
