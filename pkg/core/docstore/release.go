package docstore

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hwbuddy/hwbuddy-live/pkg/core"
	"github.com/hwbuddy/hwbuddy-live/pkg/core/session"
)

// OwnerName is the registry owner name for session documents.
const OwnerName = "document"

// AttachRelease makes registry removal delete the session's document and
// its images, so expired and ended sessions leave nothing in store.
func AttachRelease(registry *session.Registry, store Store, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "docstore")
	registry.Attach(OwnerName, session.Hooks{
		Release: func(ctx context.Context, id string) {
			if err := store.Delete(ctx, id); err != nil && !errors.Is(err, core.ErrSessionNotFound) {
				logger.Warn("delete session document failed", "session_id", id, "error", err)
			}
		},
	})
}
