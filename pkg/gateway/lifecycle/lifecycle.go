package lifecycle

import "sync/atomic"

// Lifecycle records whether the process is draining. Relay handlers refuse
// new connections and readiness fails once it is set. A nil Lifecycle never
// drains.
type Lifecycle struct {
	draining atomic.Bool
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
