// Package upload validates photos posted by capture devices and hands them to
// the capture rendezvous.
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"mime"
	"slices"
	"strings"
	"time"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // Register WebP decoder

	"github.com/hwbuddy/hwbuddy-live/pkg/core"
	"github.com/hwbuddy/hwbuddy-live/pkg/core/capture"
	"github.com/hwbuddy/hwbuddy-live/pkg/core/session"
)

const (
	DefaultMaxBytes  = 10 << 20
	DefaultMaxPixels = 25_000_000
	jpegQuality      = 85
)

// DefaultAllowedTypes are the MIME types accepted when none are configured.
var DefaultAllowedTypes = []string{"image/jpeg", "image/jpg", "image/png", "image/webp"}

// Upload outcome labels.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeNotFound = "not_found"
	OutcomeError    = "error"
)

type Config struct {
	MaxBytes     int64
	AllowedTypes []string
	// MaxDimension downscales images whose longer side exceeds it. Zero keeps
	// the uploaded bytes.
	MaxDimension int
	// MaxPixels caps width*height before any pixel data is decoded.
	MaxPixels int
}

// Deliverer receives validated images.
type Deliverer interface {
	DeliverCapture(ctx context.Context, sessionID string, img core.Image) (capture.Delivery, error)
}

// Notifier tells the student's live client that a picture arrived and hands
// pictures nobody asked for to the tutor. ShareImage must not block; it
// reports whether a live connection took the image.
type Notifier interface {
	NotifyImageReceived(sessionID string, info ImageInfo)
	ShareImage(sessionID string, img core.Image, userAsk string) bool
}

type Observer interface {
	ObserveUpload(outcome string)
}

// File is one uploaded part.
type File struct {
	Filename    string
	ContentType string
	Body        io.Reader
	// UserAsk is the optional question the student typed with the photo.
	UserAsk string
}

type ImageInfo struct {
	Format   string `json:"format"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	FileSize int    `json:"file_size"`
	Resized  bool   `json:"resized,omitempty"`
}

// Receipt is returned to the uploader as soon as the image is handed off.
type Receipt struct {
	Success   bool      `json:"success"`
	SessionID string    `json:"session_id"`
	Message   string    `json:"message"`
	ImageInfo ImageInfo `json:"image_info"`
	Delivered bool      `json:"delivered"`
	// SharedWithAgent is set when the image went to the live tutor outside a
	// capture. The tutor answers over the live connection.
	SharedWithAgent bool `json:"shared_with_agent,omitempty"`
}

// Status is the image view of a session.
type Status struct {
	SessionID      string     `json:"session_id"`
	HasImage       bool       `json:"has_image"`
	LastImageAt    *time.Time `json:"last_image_at,omitempty"`
	CapturePending bool       `json:"capture_pending"`
	IsActive       bool       `json:"is_active"`
}

type Ingress struct {
	cfg       Config
	registry  *session.Registry
	deliverer Deliverer
	notifier  Notifier
	observer  Observer
	logger    *slog.Logger
	now       func() time.Time
}

func NewIngress(cfg Config, registry *session.Registry, deliverer Deliverer, notifier Notifier, observer Observer, logger *slog.Logger) *Ingress {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if len(cfg.AllowedTypes) == 0 {
		cfg.AllowedTypes = DefaultAllowedTypes
	}
	if cfg.MaxPixels <= 0 {
		cfg.MaxPixels = DefaultMaxPixels
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingress{
		cfg:       cfg,
		registry:  registry,
		deliverer: deliverer,
		notifier:  notifier,
		observer:  observer,
		logger:    logger.With("component", "upload"),
		now:       time.Now,
	}
}

func (in *Ingress) MaxBytes() int64 { return in.cfg.MaxBytes }

// Accept validates f and delivers it. Nothing is delivered unless every
// check passes.
func (in *Ingress) Accept(ctx context.Context, sessionID string, f File) (Receipt, error) {
	rcpt, err := in.accept(ctx, sessionID, f)
	in.observe(err)
	return rcpt, err
}

func (in *Ingress) accept(ctx context.Context, sessionID string, f File) (Receipt, error) {
	log := in.logger.With("session_id", sessionID)
	if _, ok := in.registry.Get(sessionID); !ok {
		return Receipt{}, core.ErrSessionNotFound
	}

	mimeType := normalizeType(f.ContentType)
	if !slices.Contains(in.cfg.AllowedTypes, mimeType) {
		return Receipt{}, core.Wrap(core.ErrInvalidUpload, fmt.Sprintf(
			"unsupported file type: %s. Supported types: %s", f.ContentType, strings.Join(in.cfg.AllowedTypes, ", ")))
	}
	if f.Body == nil {
		return Receipt{}, core.Wrap(core.ErrInvalidUpload, "empty upload")
	}

	data, err := io.ReadAll(io.LimitReader(f.Body, in.cfg.MaxBytes+1))
	if err != nil {
		return Receipt{}, core.WrapCause(core.ErrInvalidUpload, "failed to read upload", err)
	}
	if int64(len(data)) > in.cfg.MaxBytes {
		return Receipt{}, core.Wrap(core.ErrInvalidUpload, fmt.Sprintf("file too large. Max size: %dMB", in.cfg.MaxBytes>>20))
	}
	if len(data) == 0 {
		return Receipt{}, core.Wrap(core.ErrInvalidUpload, "empty upload")
	}

	header, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Receipt{}, core.WrapCause(core.ErrInvalidUpload, fmt.Sprintf("invalid image file: %v", err), err)
	}
	if want := formatFor(mimeType); want != format {
		return Receipt{}, core.Wrap(core.ErrInvalidUpload, fmt.Sprintf("file content is %s but was declared as %s", format, mimeType))
	}
	if header.Width <= 0 || header.Height <= 0 {
		return Receipt{}, core.Wrap(core.ErrInvalidUpload, "invalid image file: empty dimensions")
	}
	if int64(header.Width)*int64(header.Height) > int64(in.cfg.MaxPixels) {
		return Receipt{}, core.Wrap(core.ErrInvalidUpload, fmt.Sprintf(
			"image too large: %dx%d exceeds %d pixels", header.Width, header.Height, in.cfg.MaxPixels))
	}

	// The header is bounded now; decode the pixels to reject truncated files.
	decoded, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Receipt{}, core.WrapCause(core.ErrInvalidUpload, fmt.Sprintf("invalid image file: %v", err), err)
	}

	bounds := decoded.Bounds()
	info := ImageInfo{
		Format:   strings.ToUpper(format),
		Width:    bounds.Dx(),
		Height:   bounds.Dy(),
		FileSize: len(data),
	}
	img := core.Image{Data: data, MIMEType: canonicalType(format), ReceivedAt: in.now()}

	if shrunk, w, h, ok := in.downscale(decoded); ok {
		payload, outType, err := encode(shrunk, format)
		if err != nil {
			return Receipt{}, fmt.Errorf("encode resized image: %w", err)
		}
		img.Data, img.MIMEType = payload, outType
		info.Width, info.Height, info.Resized = w, h, true
		log.Debug("image downscaled", "from", fmt.Sprintf("%dx%d", bounds.Dx(), bounds.Dy()), "to", fmt.Sprintf("%dx%d", w, h))
	}

	log.Info("image validated", "format", info.Format, "width", info.Width, "height", info.Height, "bytes", info.FileSize)

	delivery, err := in.deliverer.DeliverCapture(ctx, sessionID, img)
	if err != nil {
		return Receipt{}, fmt.Errorf("deliver image: %w", err)
	}
	rcpt := Receipt{
		Success:   true,
		SessionID: sessionID,
		Message:   "Image processed successfully",
		ImageInfo: info,
		Delivered: delivery.Resolved || delivery.Ref != "",
	}
	if in.notifier == nil {
		return rcpt, nil
	}
	in.notifier.NotifyImageReceived(sessionID, info)

	// A resolved capture already carries the image back to the tutor.
	ask := strings.TrimSpace(f.UserAsk)
	if !delivery.Resolved || ask != "" {
		shared := img
		if delivery.Resolved {
			shared.Data = nil
		}
		if in.notifier.ShareImage(sessionID, shared, ask) {
			rcpt.SharedWithAgent = true
			rcpt.Message = "Image sent to your tutor"
			log.Info("image shared with agent", "with_question", ask != "")
		}
	}
	return rcpt, nil
}

// Status reports what the session knows about images and captures.
func (in *Ingress) Status(sessionID string) (Status, error) {
	snap, ok := in.registry.Snapshot(sessionID)
	if !ok {
		return Status{}, core.ErrSessionNotFound
	}
	return Status{
		SessionID:      sessionID,
		HasImage:       snap.HasImage,
		LastImageAt:    snap.LastImageAt,
		CapturePending: snap.Attached["capture"],
		IsActive:       snap.Attached["connection"],
	}, nil
}

func (in *Ingress) observe(err error) {
	if in.observer == nil {
		return
	}
	switch {
	case err == nil:
		in.observer.ObserveUpload(OutcomeAccepted)
	case errors.Is(err, core.ErrSessionNotFound):
		in.observer.ObserveUpload(OutcomeNotFound)
	case errors.Is(err, core.ErrInvalidUpload):
		in.observer.ObserveUpload(OutcomeRejected)
	default:
		in.observer.ObserveUpload(OutcomeError)
	}
}

func (in *Ingress) downscale(src image.Image) (image.Image, int, int, bool) {
	limit := in.cfg.MaxDimension
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if limit <= 0 || (w <= limit && h <= limit) {
		return nil, 0, 0, false
	}
	if w >= h {
		h = max(1, h*limit/w)
		w = limit
	} else {
		w = max(1, w*limit/h)
		h = limit
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst, w, h, true
}

// encode writes img in format's family; WebP has no encoder and becomes PNG.
func encode(img image.Image, format string) ([]byte, string, error) {
	var buf bytes.Buffer
	if format == "jpeg" {
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "image/jpeg", nil
	}
	if err := png.Encode(&buf, img); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), "image/png", nil
}

func normalizeType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mt
}

func formatFor(mimeType string) string {
	switch mimeType {
	case "image/jpeg", "image/jpg":
		return "jpeg"
	case "image/png":
		return "png"
	case "image/webp":
		return "webp"
	}
	return ""
}

func canonicalType(format string) string {
	return "image/" + format
}
