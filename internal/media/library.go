package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-resty/resty/v2"
)

const maxDownloadBytes = 16 << 20

var (
	// ErrTooLarge is returned for remote images above the download limit.
	ErrTooLarge = errors.New("media: image too large")
	// ErrInvalidID is returned for signal ids that cannot name a file.
	ErrInvalidID = errors.New("media: invalid signal id")
)

// Library owns the on-disk copies of signal images: the author's local copy
// and the cached download of a remote image.
type Library struct {
	localDir  string
	remoteDir string
	http      *resty.Client
	logger    *slog.Logger
}

// Option configures the library.
type Option func(*Library)

// WithLogger injects a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Library) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithHTTPClient replaces the resty client, mainly for tests.
func WithHTTPClient(client *resty.Client) Option {
	return func(l *Library) {
		if client != nil {
			l.http = client
		}
	}
}

// NewLibrary prepares dir/local and dir/remote.
func NewLibrary(dir string, opts ...Option) (*Library, error) {
	if dir == "" {
		return nil, errors.New("media: directory must be provided")
	}
	l := &Library{
		localDir:  filepath.Join(dir, "local"),
		remoteDir: filepath.Join(dir, "remote"),
		http: resty.New().
			SetTimeout(30 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(time.Second),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	for _, d := range []string{l.localDir, l.remoteDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("media: ensure directory: %w", err)
		}
	}
	return l, nil
}

// StoreLocal copies src into the signal's persistent image path.
func (l *Library) StoreLocal(signalID, src string) (string, error) {
	if err := checkID(signalID); err != nil {
		return "", err
	}
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("media: open %s: %w", src, err)
	}
	defer in.Close()

	mt, err := mimetype.DetectReader(in)
	if err != nil {
		return "", fmt.Errorf("media: detect type: %w", err)
	}
	if _, err := in.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("media: rewind %s: %w", src, err)
	}

	dst := filepath.Join(l.localDir, signalID+mt.Extension())
	if err := writeAtomic(dst, in); err != nil {
		return "", err
	}
	return dst, nil
}

// Download fetches url into the remote image cache and returns the cached path.
func (l *Library) Download(ctx context.Context, signalID, url string) (string, error) {
	if err := checkID(signalID); err != nil {
		return "", err
	}
	resp, err := l.http.R().
		SetContext(ctx).
		SetResponseBodyLimit(maxDownloadBytes).
		Get(url)
	if errors.Is(err, resty.ErrResponseBodyTooLarge) {
		return "", fmt.Errorf("%w: %s above %d bytes", ErrTooLarge, signalID, maxDownloadBytes)
	}
	if err != nil {
		return "", fmt.Errorf("media: download %s: %w", signalID, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("media: download %s: status %d", signalID, resp.StatusCode())
	}
	body := resp.Body()

	mt := mimetype.Detect(body)
	if err := l.removeMatching(l.remoteDir, signalID); err != nil {
		return "", err
	}
	dst := filepath.Join(l.remoteDir, signalID+mt.Extension())
	if err := os.WriteFile(dst, body, 0o644); err != nil {
		return "", fmt.Errorf("media: write %s: %w", dst, err)
	}
	l.logger.Debug("remote image cached",
		slog.String("signal_id", signalID),
		slog.String("content_type", mt.String()),
		slog.Int("size", len(body)))
	return dst, nil
}

// CachedPath returns the downloaded remote image for a signal, if present.
func (l *Library) CachedPath(signalID string) (string, bool) {
	if checkID(signalID) != nil {
		return "", false
	}
	matches, _ := filepath.Glob(filepath.Join(l.remoteDir, globEscape(signalID)+"*"))
	for _, m := range matches {
		if sameSignal(m, signalID) {
			return m, true
		}
	}
	return "", false
}

// Remove deletes the local copy and the cached remote image of a signal.
// localPath may point outside the library (older rows); it is removed too.
func (l *Library) Remove(signalID, localPath string) error {
	if err := checkID(signalID); err != nil {
		return err
	}
	var errs []error
	if localPath != "" {
		if err := os.Remove(localPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := l.removeMatching(l.localDir, signalID); err != nil {
		errs = append(errs, err)
	}
	if err := l.removeMatching(l.remoteDir, signalID); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (l *Library) removeMatching(dir, signalID string) error {
	matches, err := filepath.Glob(filepath.Join(dir, globEscape(signalID)+"*"))
	if err != nil {
		return fmt.Errorf("media: glob: %w", err)
	}
	for _, m := range matches {
		if !sameSignal(m, signalID) {
			continue
		}
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("media: remove %s: %w", m, err)
		}
	}
	return nil
}

// checkID keeps signal ids from escaping the library directories.
func checkID(signalID string) error {
	switch {
	case signalID == "", signalID == ".",
		strings.Contains(signalID, ".."),
		strings.ContainsAny(signalID, `/\`+"\x00"):
		return fmt.Errorf("%w: %q", ErrInvalidID, signalID)
	}
	return nil
}

// sameSignal guards against one id being a prefix of another.
func sameSignal(path, signalID string) bool {
	base := filepath.Base(path)
	return base == signalID || base[:len(base)-len(filepath.Ext(base))] == signalID
}

func globEscape(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '*', '?', '[', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}

func writeAtomic(dst string, r io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return fmt.Errorf("media: create temp: %w", err)
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("media: copy: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("media: close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("media: rename: %w", err)
	}
	return nil
}
