package session

import "time"

// finalizeTimer is the single-slot silence debounce: arming replaces any
// pending firing, so only a gap of the full delay with no rearm fires the
// callback. All methods run under the controller mutex; the fired callback
// re-enters the controller and validates its generation before acting, which
// suppresses firings that lost a race with arm or cancel.
type finalizeTimer struct {
	timer *time.Timer
	gen   uint64
}

func (t *finalizeTimer) arm(delay time.Duration, fn func(gen uint64)) {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timer = time.AfterFunc(delay, func() {
		fn(gen)
	})
}

// cancel is idempotent.
func (t *finalizeTimer) cancel() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
}

// pending reports whether the firing identified by gen is still the armed
// one.
func (t *finalizeTimer) pending(gen uint64) bool {
	return t.timer != nil && gen == t.gen
}

// consume marks the armed firing as delivered.
func (t *finalizeTimer) consume() {
	t.timer = nil
}
