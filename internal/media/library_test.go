package media_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gotnull/meshsync/internal/media"
	"github.com/gotnull/meshsync/internal/observability"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

func newLibrary(t *testing.T) *media.Library {
	t.Helper()
	lib, err := media.NewLibrary(t.TempDir(), media.WithLogger(observability.NoOpLogger()))
	if err != nil {
		t.Fatalf("NewLibrary: %v", err)
	}
	return lib
}

func TestStoreLocalCopiesWithDetectedExtension(t *testing.T) {
	lib := newLibrary(t)
	src := filepath.Join(t.TempDir(), "camera-upload")
	if err := os.WriteFile(src, pngHeader, 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}

	dst, err := lib.StoreLocal("sig-1", src)
	if err != nil {
		t.Fatalf("StoreLocal: %v", err)
	}
	if filepath.Base(dst) != "sig-1.png" {
		t.Fatalf("unexpected destination %q", dst)
	}

	// The copy must survive removal of the original.
	if err := os.Remove(src); err != nil {
		t.Fatalf("remove source: %v", err)
	}
	data, err := os.ReadFile(dst)
	if err != nil || len(data) != len(pngHeader) {
		t.Fatalf("expected copied image, got %d bytes (%v)", len(data), err)
	}
}

func TestDownloadCachesRemoteImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/img.png" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(pngHeader)
	}))
	defer srv.Close()

	lib := newLibrary(t)
	path, err := lib.Download(context.Background(), "sig-2", srv.URL+"/img.png")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if !strings.HasSuffix(path, "sig-2.png") {
		t.Fatalf("unexpected cached path %q", path)
	}
	if cached, ok := lib.CachedPath("sig-2"); !ok || cached != path {
		t.Fatalf("expected CachedPath to find %q, got %q (ok=%v)", path, cached, ok)
	}

	if _, err := lib.Download(context.Background(), "sig-3", srv.URL+"/missing"); err == nil {
		t.Fatalf("expected 404 to fail")
	}
	if _, ok := lib.CachedPath("sig-3"); ok {
		t.Fatalf("failed download must not leave a cached file")
	}
}

func TestRemoveDeletesBothCopies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(pngHeader)
	}))
	defer srv.Close()

	lib := newLibrary(t)
	src := filepath.Join(t.TempDir(), "img")
	if err := os.WriteFile(src, pngHeader, 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}
	local, err := lib.StoreLocal("sig-1", src)
	if err != nil {
		t.Fatalf("StoreLocal: %v", err)
	}
	if _, err := lib.Download(context.Background(), "sig-1", srv.URL); err != nil {
		t.Fatalf("Download: %v", err)
	}
	other, err := lib.StoreLocal("sig-10", src)
	if err != nil {
		t.Fatalf("StoreLocal: %v", err)
	}

	if err := lib.Remove("sig-1", local); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(local); !os.IsNotExist(err) {
		t.Fatalf("expected local copy removed, stat err=%v", err)
	}
	if _, ok := lib.CachedPath("sig-1"); ok {
		t.Fatalf("expected cached remote image removed")
	}
	if _, err := os.Stat(other); err != nil {
		t.Fatalf("removing sig-1 must not touch sig-10: %v", err)
	}

	if err := lib.Remove("never-existed", ""); err != nil {
		t.Fatalf("Remove of unknown signal should be a no-op: %v", err)
	}
}

func TestLibraryRejectsIDsThatEscapeItsDirectories(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(pngHeader)
	}))
	defer srv.Close()

	root := t.TempDir()
	lib, err := media.NewLibrary(filepath.Join(root, "media"), media.WithLogger(observability.NoOpLogger()))
	if err != nil {
		t.Fatalf("NewLibrary: %v", err)
	}
	src := filepath.Join(t.TempDir(), "img")
	if err := os.WriteFile(src, pngHeader, 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}

	for _, id := range []string{"../../escape", "..", "a/b", `a\b`, ""} {
		if _, err := lib.Download(context.Background(), id, srv.URL); !errors.Is(err, media.ErrInvalidID) {
			t.Fatalf("Download(%q): expected ErrInvalidID, got %v", id, err)
		}
		if _, err := lib.StoreLocal(id, src); !errors.Is(err, media.ErrInvalidID) {
			t.Fatalf("StoreLocal(%q): expected ErrInvalidID, got %v", id, err)
		}
		if err := lib.Remove(id, ""); !errors.Is(err, media.ErrInvalidID) {
			t.Fatalf("Remove(%q): expected ErrInvalidID, got %v", id, err)
		}
		if _, ok := lib.CachedPath(id); ok {
			t.Fatalf("CachedPath(%q) should find nothing", id)
		}
	}
	if matches, _ := filepath.Glob(filepath.Join(root, "escape*")); len(matches) != 0 {
		t.Fatalf("files written outside the library: %v", matches)
	}
}

func TestDownloadStopsAtSizeLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(pngHeader)
		_, _ = w.Write(bytes.Repeat([]byte{0}, 16<<20))
	}))
	defer srv.Close()

	lib := newLibrary(t)
	if _, err := lib.Download(context.Background(), "sig-big", srv.URL); !errors.Is(err, media.ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	if _, ok := lib.CachedPath("sig-big"); ok {
		t.Fatalf("oversized image must not be cached")
	}
}
