package lifecycle

import (
	"sync/atomic"
	"time"
)

// Lifecycle is the process state shared across handlers: when it started and
// whether it is draining for shutdown.
type Lifecycle struct {
	startedAt time.Time
	draining  atomic.Bool
}

func New() *Lifecycle {
	return &Lifecycle{startedAt: time.Now()}
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.draining.Store(draining)
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

// Uptime is zero for a nil or zero-value Lifecycle.
func (l *Lifecycle) Uptime() time.Duration {
	if l == nil || l.startedAt.IsZero() {
		return 0
	}
	return time.Since(l.startedAt)
}
