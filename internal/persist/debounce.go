package persist

import (
	"sync"
	"time"
)

// debouncer owns a single cancellable scheduled write. Each schedule
// call replaces the pending function and resets the timer, so rapid
// repeated mutations collapse into the most recent call. Owning the
// timer explicitly (instead of a closure-captured time.AfterFunc) lets
// tests flush deterministically and teardown cancel cleanly.
type debouncer struct {
	window time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	pending func()
	lastErr error
}

func newDebouncer(window time.Duration) *debouncer {
	return &debouncer{window: window}
}

// schedule replaces any pending write and restarts the window.
func (d *debouncer) schedule(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.pending = fn
	d.timer = time.AfterFunc(d.window, d.fire)
}

// fire runs the pending write, if one is still scheduled.
func (d *debouncer) fire() {
	d.mu.Lock()
	fn := d.pending
	d.pending = nil
	d.timer = nil
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// flush runs the pending write now instead of waiting for the timer.
func (d *debouncer) flush() {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	fn := d.pending
	d.pending = nil
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// stop cancels the pending write without running it.
func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.pending = nil
}

// recordError stashes a failure from an asynchronous fire so the next
// Flush call can report it.
func (d *debouncer) recordError(err error) {
	d.mu.Lock()
	d.lastErr = err
	d.mu.Unlock()
}

// takeError returns and clears the stashed error.
func (d *debouncer) takeError() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	err := d.lastErr
	d.lastErr = nil
	return err
}
