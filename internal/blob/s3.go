package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config describes an S3 compatible bucket.
type S3Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	PathStyle bool
	// PublicURL overrides the URL prefix returned for uploaded objects.
	PublicURL string
}

// S3Store uploads images to S3 or an S3 compatible service.
type S3Store struct {
	cfg    S3Config
	client *s3.Client
	logger *slog.Logger
}

// NewS3Store builds a client with static credentials.
func NewS3Store(cfg S3Config, logger *slog.Logger) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("blob: s3 bucket must be provided")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, errors.New("blob: s3 credentials must be provided")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if logger == nil {
		logger = slog.Default()
	}

	// Dotted bucket names break virtual-host TLS certificates.
	if strings.Contains(cfg.Bucket, ".") {
		cfg.PathStyle = true
	}

	awsCfg := aws.Config{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	logger.Info("s3 blob store initialised",
		slog.String("bucket", cfg.Bucket),
		slog.String("region", cfg.Region),
		slog.String("endpoint", cfg.Endpoint))

	return &S3Store{cfg: cfg, client: client, logger: logger}, nil
}

// Put implements Store.
func (s *S3Store) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(s.cfg.Bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(body),
		ContentType:  aws.String(contentType),
		CacheControl: aws.String("public, max-age=3600"),
	})
	if err != nil {
		return "", fmt.Errorf("blob: s3 put %s: %w", key, err)
	}
	s.logger.Debug("s3 object uploaded", slog.String("key", key), slog.Int("size", len(body)))
	return s.URL(key), nil
}

// URL returns the public address of key.
func (s *S3Store) URL(key string) string {
	return s3URL(s.cfg, key)
}

func s3URL(cfg S3Config, key string) string {
	switch {
	case cfg.PublicURL != "":
		return joinURL(cfg.PublicURL, key)
	case cfg.Endpoint != "" && cfg.PathStyle:
		return joinURL(joinURL(cfg.Endpoint, cfg.Bucket), key)
	case cfg.Endpoint != "":
		scheme, host, ok := strings.Cut(cfg.Endpoint, "://")
		if !ok {
			return joinURL("https://"+cfg.Bucket+"."+strings.TrimSuffix(cfg.Endpoint, "/"), key)
		}
		return joinURL(scheme+"://"+cfg.Bucket+"."+strings.TrimSuffix(host, "/"), key)
	case cfg.PathStyle:
		return joinURL(fmt.Sprintf("https://s3.%s.amazonaws.com/%s", cfg.Region, cfg.Bucket), key)
	default:
		return joinURL(fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, cfg.Region), key)
	}
}
