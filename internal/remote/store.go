package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Image states as stored in the imageState field.
const (
	ImageStateNone  = "none"
	ImageStateLocal = "local"
	ImageStateCloud = "cloud"
)

// Location is the optional place attached to a signal.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
}

// SignalDoc is the remote document schema. Nil fields are absent in the
// document; Merge leaves them untouched.
type SignalDoc struct {
	ID           *string    `json:"id,omitempty"`
	AuthorID     *string    `json:"authorId,omitempty"`
	Content      *string    `json:"content,omitempty"`
	MediaURLs    []string   `json:"mediaUrls,omitempty"`
	Location     *Location  `json:"location,omitempty"`
	CreatedAt    *time.Time `json:"createdAt,omitempty"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	CommentCount *uint32    `json:"commentCount,omitempty"`
	MeshNodeID   *uint32    `json:"meshNodeId,omitempty"`
	ImageState   *string    `json:"imageState,omitempty"`
}

// ImageURL returns the first media URL, if any.
func (d SignalDoc) ImageURL() (string, bool) {
	if len(d.MediaURLs) == 0 || d.MediaURLs[0] == "" {
		return "", false
	}
	return d.MediaURLs[0], true
}

// Snapshot is one observation of a document. Exists is false when the
// document does not exist (yet, or any more).
type Snapshot struct {
	ID     string
	Doc    SignalDoc
	Exists bool
}

// Subscription is an active change stream.
type Subscription interface {
	Close() error
}

// Store is the remote document mirror. Subscribe delivers the current state
// first and then one snapshot per change, in order, for a single document.
type Store interface {
	Get(ctx context.Context, id string) (SignalDoc, bool, error)
	Set(ctx context.Context, id string, doc SignalDoc) error
	Merge(ctx context.Context, id string, doc SignalDoc) error
	Delete(ctx context.Context, id string) error
	Subscribe(ctx context.Context, id string, fn func(Snapshot)) (Subscription, error)
}

// Ptr is a convenience for filling optional document fields.
func Ptr[T any](v T) *T {
	return &v
}

// encodeFields splits a document into per-field JSON values.
func encodeFields(doc SignalDoc) (map[string]string, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("remote: encode document: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("remote: split document: %w", err)
	}
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = string(v)
	}
	return out, nil
}

// decodeFields rebuilds a document from per-field JSON values. Unknown fields
// are ignored; a field of the wrong type is an error.
func decodeFields(fields map[string]string) (SignalDoc, error) {
	obj := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		if !json.Valid([]byte(v)) {
			return SignalDoc{}, fmt.Errorf("remote: field %q is not valid JSON", k)
		}
		obj[k] = json.RawMessage(v)
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return SignalDoc{}, fmt.Errorf("remote: join document: %w", err)
	}
	var doc SignalDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return SignalDoc{}, fmt.Errorf("remote: decode document: %w", err)
	}
	return doc, nil
}
