package signals

import (
	"errors"
	"time"

	"github.com/gotnull/meshsync/internal/remote"
)

var (
	ErrNotAuthenticated = errors.New("signals: not authenticated")
	ErrSignalExpired    = errors.New("signals: signal expired")
	ErrImageLocked      = errors.New("signals: image locked")
	ErrNotFound         = errors.New("signals: signal not found")
	ErrNoBlobStore      = errors.New("signals: no blob store configured")
	ErrInvalidSignalID  = errors.New("signals: invalid signal id")
)

// ImageState tracks how far a signal's image has progressed.
type ImageState string

const (
	ImageNone  ImageState = remote.ImageStateNone
	ImageLocal ImageState = remote.ImageStateLocal
	ImageCloud ImageState = remote.ImageStateCloud
)

// Location is an optional place attached to a signal.
type Location struct {
	Latitude  float64
	Longitude float64
	Name      string
}

// Signal is a short-lived post, created locally or received over the mesh.
type Signal struct {
	ID             string
	AuthorID       string
	Content        string
	MediaURLs      []string
	Location       *Location
	CreatedAt      time.Time
	ExpiresAt      *time.Time
	CommentCount   uint32
	MeshNodeID     *uint32
	ImageState     ImageState
	ImageLocalPath *string
	SyncedToCloud  bool
}

// Expired reports whether the signal's lifetime ended at or before now.
func (s Signal) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && !now.Before(*s.ExpiresAt)
}

// Doc renders the full remote document for the signal.
func (s Signal) Doc() remote.SignalDoc {
	doc := remote.SignalDoc{
		ID:           remote.Ptr(s.ID),
		AuthorID:     remote.Ptr(s.AuthorID),
		Content:      remote.Ptr(s.Content),
		MediaURLs:    s.MediaURLs,
		CreatedAt:    remote.Ptr(s.CreatedAt.UTC()),
		CommentCount: remote.Ptr(s.CommentCount),
		MeshNodeID:   s.MeshNodeID,
		ImageState:   remote.Ptr(string(s.ImageState)),
	}
	if s.ExpiresAt != nil {
		doc.ExpiresAt = remote.Ptr(s.ExpiresAt.UTC())
	}
	if s.Location != nil {
		doc.Location = &remote.Location{
			Latitude:  s.Location.Latitude,
			Longitude: s.Location.Longitude,
			Name:      s.Location.Name,
		}
	}
	return doc
}

// NewSignal is the input for a locally authored signal.
type NewSignal struct {
	Content    string
	TTL        time.Duration
	Location   *Location
	MeshNodeID *uint32
	// ImagePath is copied into the media library; the original may be removed afterwards.
	ImagePath string
}

// MeshSignal is a signal decoded from a mesh packet. SignalID is empty for
// legacy senders.
type MeshSignal struct {
	SignalID     string
	SenderNodeID uint32
	Content      string
	TTL          time.Duration
	Location     *Location
}

// Auth exposes the signed-in account, if any.
type Auth interface {
	CurrentUserID() (string, bool)
}

// StaticAuth is a fixed account id; empty means signed out.
type StaticAuth string

// CurrentUserID implements Auth.
func (a StaticAuth) CurrentUserID() (string, bool) {
	return string(a), a != ""
}

// UploadResult reports the outcome of a background image upload.
type UploadResult struct {
	SignalID string
	URL      string
	Err      error
}

// PendingImageUpdate is a metadata commit awaiting retry after the image
// itself was uploaded.
type PendingImageUpdate struct {
	SignalID     string
	URL          string
	AttemptCount int
	NextRetryAt  time.Time
}
