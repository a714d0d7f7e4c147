// Package watchdog monitors agent heartbeats. Agents are registered with a
// timeout and a callback; when no heartbeat arrives within the timeout the
// callback fires once and the agent is dropped until re-registered.
package watchdog

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentmux/internal/common/config"
	"github.com/kandev/agentmux/internal/common/logger"
)

// Common errors
var (
	ErrWatchdogAlreadyRunning = errors.New("watchdog is already running")
	ErrWatchdogNotRunning     = errors.New("watchdog is not running")
)

// Callback is invoked when an agent's heartbeat goes stale. age is the time
// elapsed since the last heartbeat.
type Callback func(agent string, age time.Duration)

type entry struct {
	lastBeat time.Time
	timeout  time.Duration
	callback Callback
}

// Watchdog checks per-agent heartbeats on a shared ticker.
type Watchdog struct {
	logger         *logger.Logger
	defaultTimeout time.Duration
	tick           time.Duration

	mu      sync.Mutex
	entries map[string]*entry
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a watchdog. Zero config values fall back to a 90s timeout and
// a 5s tick.
func New(cfg config.WatchdogConfig, log *logger.Logger) *Watchdog {
	timeout := cfg.DefaultTimeout()
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	tick := cfg.Tick()
	if tick <= 0 {
		tick = 5 * time.Second
	}
	return &Watchdog{
		logger:         log.WithFields(zap.String("component", "watchdog")),
		defaultTimeout: timeout,
		tick:           tick,
		entries:        make(map[string]*entry),
	}
}

// Start begins the expiry check loop.
func (w *Watchdog) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return ErrWatchdogAlreadyRunning
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.mu.Unlock()

	w.logger.Info("Watchdog starting",
		zap.Duration("tick", w.tick),
		zap.Duration("default_timeout", w.defaultTimeout))

	w.wg.Add(1)
	go w.checkLoop(ctx)
	return nil
}

// Stop halts the expiry check loop. Registered agents are kept.
func (w *Watchdog) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return ErrWatchdogNotRunning
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()

	w.wg.Wait()
	w.logger.Info("Watchdog stopped")
	return nil
}

// Register starts monitoring an agent. A non-positive timeout selects the
// default. Registering an already-monitored agent resets its heartbeat and
// replaces its callback.
func (w *Watchdog) Register(agent string, timeout time.Duration, cb Callback) {
	if timeout <= 0 {
		timeout = w.defaultTimeout
	}
	w.mu.Lock()
	w.entries[agent] = &entry{
		lastBeat: time.Now(),
		timeout:  timeout,
		callback: cb,
	}
	w.mu.Unlock()
	w.logger.Debug("Agent registered with watchdog",
		zap.String("agent", agent),
		zap.Duration("timeout", timeout))
}

// Unregister stops monitoring an agent.
func (w *Watchdog) Unregister(agent string) {
	w.mu.Lock()
	delete(w.entries, agent)
	w.mu.Unlock()
}

// Heartbeat records activity for an agent. Unknown agents are ignored; an
// agent whose entry already expired stays dropped until re-registered.
func (w *Watchdog) Heartbeat(agent string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if e, ok := w.entries[agent]; ok {
		e.lastBeat = time.Now()
	}
}

// SetTimeout changes an agent's timeout. Unknown agents are ignored.
func (w *Watchdog) SetTimeout(agent string, timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if e, ok := w.entries[agent]; ok {
		e.timeout = timeout
	}
}

// ResetTimeout restores an agent's timeout to the default.
func (w *Watchdog) ResetTimeout(agent string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if e, ok := w.entries[agent]; ok {
		e.timeout = w.defaultTimeout
	}
}

// Monitored reports whether an agent is currently tracked.
func (w *Watchdog) Monitored(agent string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.entries[agent]
	return ok
}

func (w *Watchdog) checkLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.sweep(time.Now())
		}
	}
}

type expiry struct {
	agent    string
	age      time.Duration
	callback Callback
}

// sweep drops every entry whose heartbeat is older than its timeout and
// fires the callbacks. Callbacks run outside the lock so they may call back
// into the watchdog.
func (w *Watchdog) sweep(now time.Time) {
	w.mu.Lock()
	var expired []expiry
	for agent, e := range w.entries {
		age := now.Sub(e.lastBeat)
		if age > e.timeout {
			expired = append(expired, expiry{agent: agent, age: age, callback: e.callback})
			delete(w.entries, agent)
		}
	}
	w.mu.Unlock()

	for _, ex := range expired {
		w.logger.Warn("Agent heartbeat expired",
			zap.String("agent", ex.agent),
			zap.Duration("age", ex.age))
		if ex.callback != nil {
			ex.callback(ex.agent, ex.age)
		}
	}
}
