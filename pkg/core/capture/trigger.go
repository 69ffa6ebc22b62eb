package capture

import (
	"context"
	"errors"
)

// Trigger asks the capture device (or the student's UI) to take a picture.
// Triggers are fire-and-forget: a failure is logged and the request keeps
// waiting for a delivery.
type Trigger interface {
	TriggerCapture(ctx context.Context, sessionID, reason string) error
}

// TriggerFunc adapts a function to Trigger.
type TriggerFunc func(ctx context.Context, sessionID, reason string) error

func (f TriggerFunc) TriggerCapture(ctx context.Context, sessionID, reason string) error {
	return f(ctx, sessionID, reason)
}

// Triggers fans a capture request out to every trigger and joins failures.
type Triggers []Trigger

func (ts Triggers) TriggerCapture(ctx context.Context, sessionID, reason string) error {
	var errs []error
	for _, t := range ts {
		if t == nil {
			continue
		}
		if err := t.TriggerCapture(ctx, sessionID, reason); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
