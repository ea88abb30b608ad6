// Package connwatch supervises engram's external dependencies: the
// model endpoint and, when configured, the MQTT broker. Both are
// commonly LAN services that restart, reboot, or come up minutes after
// engram does, so each gets a dedicated watcher that probes through a
// startup backoff schedule and then settles into slow background
// polling. The health endpoint reads the aggregate to report degraded
// status; extraction itself keeps queueing turns either way.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ProbeFunc checks one dependency. nil means reachable.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig shapes the startup schedule and the steady-state poll.
type BackoffConfig struct {
	// InitialDelay is the wait after the first failed startup probe.
	InitialDelay time.Duration
	// MaxDelay caps the growing startup delays.
	MaxDelay time.Duration
	// Multiplier grows the delay between startup probes.
	Multiplier float64
	// MaxRetries bounds the startup phase; after that the watcher
	// polls at PollInterval whether or not it ever connected.
	MaxRetries int
	// PollInterval is the steady-state probe cadence.
	PollInterval time.Duration
	// ProbeTimeout bounds a single probe call.
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig is the schedule used by serve: 2s, 4s, 8s, 16s,
// 32s, then 60s flat for up to 10 startup probes, and a 60s poll after.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (c *BackoffConfig) applyDefaults() {
	d := DefaultBackoffConfig()
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Multiplier <= 0 {
		c.Multiplier = d.Multiplier
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
}

// WatcherConfig describes one watched dependency.
type WatcherConfig struct {
	// Name identifies the dependency in logs and the health payload
	// ("llm", "mqtt").
	Name string
	// Probe must be safe to call concurrently.
	Probe ProbeFunc
	// Backoff zero fields fall back to DefaultBackoffConfig values.
	Backoff BackoffConfig
	// OnReady fires on each not-ready → ready transition, in its own
	// goroutine.
	OnReady func()
	// OnDown fires on each ready → not-ready transition, in its own
	// goroutine.
	OnDown func(err error)
	// Logger defaults to the manager's logger.
	Logger *slog.Logger
}

// ServiceStatus is one dependency's health as served by /api/health.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher runs the probe loop for a single dependency.
type Watcher struct {
	cfg    WatcherConfig
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	ready     bool
	lastErr   error
	lastCheck time.Time
}

// IsReady reports whether the last probe succeeded.
func (w *Watcher) IsReady() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ready
}

// LastError returns the most recent probe failure, nil when healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status snapshots the watcher for the health payload.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:      w.cfg.Name,
		Ready:     w.ready,
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Wait blocks until the probe loop exits.
func (w *Watcher) Wait() {
	<-w.done
}

// Stop cancels the probe loop and waits for it to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	if w.startup(ctx) {
		w.poll(ctx)
	}
}

// startup probes through the backoff schedule until the dependency
// answers or retries run out. Returns false only on ctx cancellation.
func (w *Watcher) startup(ctx context.Context) bool {
	cfg := w.cfg.Backoff
	delay := cfg.InitialDelay

	for attempt := 1; ; attempt++ {
		err := w.probeOnce(ctx)
		if err == nil {
			w.transition(true, nil)
			w.cfg.Logger.Info("dependency reachable",
				"service", w.cfg.Name, "attempts", attempt)
			if w.cfg.OnReady != nil {
				go w.cfg.OnReady()
			}
			return true
		}
		w.transition(false, err)

		if attempt >= cfg.MaxRetries {
			w.cfg.Logger.Info("dependency unreachable at startup, will keep polling",
				"service", w.cfg.Name, "attempts", attempt, "error", err)
			return true
		}

		w.cfg.Logger.Debug("startup probe failed",
			"service", w.cfg.Name, "attempt", attempt,
			"next_delay", delay.String(), "error", err)

		if !sleepCtx(ctx, delay) {
			return false
		}
		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
}

// poll re-probes at PollInterval forever, firing the transition
// callbacks when the dependency flips state.
func (w *Watcher) poll(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Backoff.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.probeOnce(ctx)
			was := w.transition(err == nil, err)

			switch {
			case was && err != nil:
				w.cfg.Logger.Info("dependency lost",
					"service", w.cfg.Name, "error", err)
				if w.cfg.OnDown != nil {
					go w.cfg.OnDown(err)
				}
			case !was && err == nil:
				w.cfg.Logger.Info("dependency recovered",
					"service", w.cfg.Name)
				if w.cfg.OnReady != nil {
					go w.cfg.OnReady()
				}
			case err != nil:
				w.cfg.Logger.Debug("dependency still down",
					"service", w.cfg.Name, "error", err)
			}
		}
	}
}

func (w *Watcher) probeOnce(ctx context.Context) error {
	pCtx, cancel := context.WithTimeout(ctx, w.cfg.Backoff.ProbeTimeout)
	defer cancel()
	return w.cfg.Probe(pCtx)
}

// transition records the probe outcome and returns the previous ready
// state so callers can detect edges.
func (w *Watcher) transition(ready bool, err error) (was bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	was = w.ready
	w.ready = ready
	w.lastErr = err
	w.lastCheck = time.Now()
	return was
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager owns the watchers started by serve and aggregates their
// status for the health endpoint.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch starts a watcher goroutine that runs until ctx is cancelled or
// Stop is called. Panics on a missing Name or Probe: both are wiring
// errors, not runtime conditions.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	cfg.Backoff.applyDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		cfg:    cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go w.run(watchCtx)

	m.mu.Lock()
	m.watchers[cfg.Name] = w
	m.mu.Unlock()
	return w
}

// Status snapshots every watched dependency, keyed by name.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		out[name] = w.Status()
	}
	return out
}

// Stop halts all watchers and waits for their goroutines.
func (m *Manager) Stop() {
	m.mu.RLock()
	ws := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		ws = append(ws, w)
	}
	m.mu.RUnlock()

	for _, w := range ws {
		w.Stop()
	}
}
