// Package docstore is the per-session command/status document shared with
// capture devices, plus the image blobs they upload.
package docstore

import (
	"context"
	"errors"
	"time"

	"github.com/hwbuddy/hwbuddy-live/pkg/core"
)

const (
	CommandTakePicture = "take_picture"
	CommandDone        = "done"

	StatusIdle      = "idle"
	StatusRequested = "requested"
	StatusDone      = "done"
)

// Field names as stored.
const (
	FieldCommand       = "command"
	FieldReason        = "reason"
	FieldStatus        = "status"
	FieldLastImageRef  = "last_image_ref"
	FieldLastImageType = "last_image_content_type"
	FieldLastImageAt   = "last_image_at"
	FieldRequestedAt   = "requested_at"
	FieldCreatedAt     = "created_at"
	FieldUpdatedAt     = "updated_at"
)

const (
	timeLayout           = time.RFC3339Nano
	defaultImageMIMEType = "image/jpeg"
)

var ErrImageNotFound = errors.New("docstore: image not found")

// Document is the decoded per-session record.
type Document struct {
	ID                   string    `json:"id"`
	Command              string    `json:"command,omitempty"`
	Reason               string    `json:"reason,omitempty"`
	Status               string    `json:"status,omitempty"`
	LastImageRef         string    `json:"last_image_ref,omitempty"`
	LastImageContentType string    `json:"last_image_content_type,omitempty"`
	LastImageAt          time.Time `json:"last_image_at,omitzero"`
	RequestedAt          time.Time `json:"requested_at,omitzero"`
	CreatedAt            time.Time `json:"created_at,omitzero"`
	UpdatedAt            time.Time `json:"updated_at,omitzero"`

	// Deleted is set on the final change delivered to subscribers when the
	// document is removed.
	Deleted bool `json:"deleted,omitempty"`
}

// Fields is a partial update. Values are stored as strings; use Time to
// encode timestamps.
type Fields map[string]string

// Time encodes t the way the store keeps timestamps.
func Time(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func decode(id string, raw map[string]string) Document {
	doc := Document{
		ID:                   id,
		Command:              raw[FieldCommand],
		Reason:               raw[FieldReason],
		Status:               raw[FieldStatus],
		LastImageRef:         raw[FieldLastImageRef],
		LastImageContentType: raw[FieldLastImageType],
	}
	doc.LastImageAt = parseTime(raw[FieldLastImageAt])
	doc.RequestedAt = parseTime(raw[FieldRequestedAt])
	doc.CreatedAt = parseTime(raw[FieldCreatedAt])
	doc.UpdatedAt = parseTime(raw[FieldUpdatedAt])
	return doc
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Subscription delivers document snapshots after each write. Changes is
// closed after Close or when the document is deleted.
type Subscription interface {
	Changes() <-chan Document
	Close() error
}

// Store is the external document store the capture transport and devices
// share.
type Store interface {
	// Ensure creates the document in the idle state when absent.
	Ensure(ctx context.Context, id string) (Document, error)
	// Get returns core.ErrSessionNotFound when the document is absent.
	Get(ctx context.Context, id string) (Document, error)
	// Update merges f into an existing document and notifies subscribers.
	Update(ctx context.Context, id string, f Fields) (Document, error)
	Delete(ctx context.Context, id string) error
	Subscribe(ctx context.Context, id string) (Subscription, error)
	// PutImage stores the blob, points the document at it with status done,
	// and returns the new image ref.
	PutImage(ctx context.Context, id string, img core.Image) (string, error)
	GetImage(ctx context.Context, ref string) (core.Image, error)
	// Subscribers reports currently open subscriptions.
	Subscribers() int
	Close() error
}

func imageFields(ref string, img core.Image) Fields {
	mime := img.MIMEType
	if mime == "" {
		mime = defaultImageMIMEType
	}
	return Fields{
		FieldCommand:       CommandDone,
		FieldStatus:        StatusDone,
		FieldLastImageRef:  ref,
		FieldLastImageType: mime,
		FieldLastImageAt:   Time(img.ReceivedAt),
	}
}
