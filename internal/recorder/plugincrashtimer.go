package recorder

import (
	"context"
	"sync"
	"time"
)

// PluginKiller terminates the out-of-process plugin container and Java
// launcher the instrumented browser delegates playback to (§4.9.1). It is
// the only thing PluginCrashTimer does when it fires.
type PluginKiller interface {
	KillPlugins(ctx context.Context) error
}

// PluginCrashTimer is a one-shot deadline armed at the start of a cache-warm
// or record pass. If Stop isn't called before the deadline, it kills the
// plugin host and marks the pass crashed, bounding how long a plugin that
// hangs in native code can block the recorder.
type PluginCrashTimer struct {
	killer   PluginKiller
	timeout  time.Duration
	timer    *time.Timer
	stopped  chan struct{}
	once     sync.Once

	mu      sync.Mutex
	crashed bool
}

// NewPluginCrashTimer arms a timer with deadline
// base_plugin_crash_timeout + page_load_timeout + max_duration, matching
// §4.9.1's composed budget.
func NewPluginCrashTimer(ctx context.Context, killer PluginKiller, base, pageLoad, maxDuration time.Duration) *PluginCrashTimer {
	t := &PluginCrashTimer{
		killer:  killer,
		timeout: base + pageLoad + maxDuration,
		stopped: make(chan struct{}),
	}
	t.timer = time.AfterFunc(t.timeout, func() {
		t.mu.Lock()
		t.crashed = true
		t.mu.Unlock()
		if t.killer != nil {
			t.killer.KillPlugins(ctx)
		}
	})
	return t
}

// Stop disarms the timer. Safe to call more than once.
func (t *PluginCrashTimer) Stop() {
	t.once.Do(func() {
		t.timer.Stop()
		close(t.stopped)
	})
}

// Crashed reports whether the timer fired before Stop was called.
func (t *PluginCrashTimer) Crashed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.crashed
}
