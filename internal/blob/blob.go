package blob

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Store is an object store that returns a retrievable URL for each upload.
// Put is all or nothing.
type Store interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// UploadFile reads a local file, detects its content type and stores it under
// prefix with a matching extension.
func UploadFile(ctx context.Context, store Store, prefix, localPath string) (string, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", fmt.Errorf("blob: read %s: %w", localPath, err)
	}

	mt := mimetype.Detect(data)
	key := strings.TrimSuffix(prefix, "/") + "/" + strings.TrimSuffix(path.Base(localPath), path.Ext(localPath)) + mt.Extension()
	key = strings.TrimPrefix(key, "/")

	url, err := store.Put(ctx, key, data, mt.String())
	if err != nil {
		return "", err
	}
	return url, nil
}

func joinURL(base, key string) string {
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(key, "/")
}
