package docstore

import (
	"context"
	"time"
)

// CommandTrigger tells capture devices to take a picture by writing the
// take_picture command into the session document.
type CommandTrigger struct {
	Store Store
	Now   func() time.Time
}

func (t CommandTrigger) TriggerCapture(ctx context.Context, sessionID, reason string) error {
	if _, err := t.Store.Ensure(ctx, sessionID); err != nil {
		return err
	}
	now := time.Now
	if t.Now != nil {
		now = t.Now
	}
	_, err := t.Store.Update(ctx, sessionID, Fields{
		FieldCommand:     CommandTakePicture,
		FieldReason:      reason,
		FieldStatus:      StatusRequested,
		FieldRequestedAt: Time(now()),
	})
	return err
}
