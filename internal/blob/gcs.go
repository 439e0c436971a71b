package blob

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSConfig describes a Google Cloud Storage bucket.
type GCSConfig struct {
	Bucket          string
	CredentialsFile string
	PublicURL       string
}

// GCSStore uploads images to a GCS bucket.
type GCSStore struct {
	cfg    GCSConfig
	client *storage.Client
	bucket *storage.BucketHandle
	logger *slog.Logger
}

// NewGCSStore creates the storage client. Without a credentials file the
// application default credentials are used.
func NewGCSStore(ctx context.Context, cfg GCSConfig, logger *slog.Logger) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("blob: gcs bucket must be provided")
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := []option.ClientOption{storage.WithDisabledClientMetrics()}
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("blob: create gcs client: %w", err)
	}

	return &GCSStore{
		cfg:    cfg,
		client: client,
		bucket: client.Bucket(cfg.Bucket),
		logger: logger,
	}, nil
}

// Put implements Store.
func (s *GCSStore) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	w := s.bucket.Object(key).NewWriter(ctx)
	w.ContentType = contentType
	w.CacheControl = "public, max-age=3600"
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("blob: gcs write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("blob: gcs close %s: %w", key, err)
	}
	s.logger.Debug("gcs object uploaded", slog.String("key", key), slog.Int("size", len(body)))
	return s.URL(key), nil
}

// URL returns the public address of key.
func (s *GCSStore) URL(key string) string {
	return gcsURL(s.cfg, key)
}

// Close releases the client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

func gcsURL(cfg GCSConfig, key string) string {
	if cfg.PublicURL != "" {
		return joinURL(cfg.PublicURL, key)
	}
	return joinURL("https://storage.googleapis.com/"+cfg.Bucket, key)
}
