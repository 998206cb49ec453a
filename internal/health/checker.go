// Package health tracks reachability of the persistence store for the
// readiness endpoint. Probes run in the background so request handlers only
// read the last result.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/nulpointcorp/chat-gateway/internal/metrics"
)

const (
	defaultProbeInterval = 15 * time.Second
	defaultProbeTimeout  = 3 * time.Second
)

// Component states.
const (
	StatusOK            = "ok"
	StatusDown          = "down"
	StatusNotConfigured = "not_configured"
	StatusUnknown       = "unknown"
)

// Probe checks one dependency. A nil error means reachable.
type Probe func(ctx context.Context) error

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string
	err    string
}

func (s *componentStatus) set(v string, err error) {
	s.mu.Lock()
	s.status = v
	s.err = ""
	if err != nil {
		s.err = err.Error()
	}
	s.mu.Unlock()
}

func (s *componentStatus) get() (string, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return StatusUnknown, ""
	}
	return s.status, s.err
}

// Checker runs background probes and exposes the latest results.
type Checker struct {
	store    Probe
	router   string
	interval time.Duration
	timeout  time.Duration
	baseCtx  context.Context
	metrics  *metrics.Registry

	storeStatus componentStatus

	startTime time.Time
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Option configures a Checker.
type Option func(*Checker)

// WithInterval sets the time between background probes.
func WithInterval(d time.Duration) Option {
	return func(c *Checker) { c.interval = d }
}

// WithMetrics mirrors the store state into the store_up gauge.
func WithMetrics(m *metrics.Registry) Option {
	return func(c *Checker) { c.metrics = m }
}

// New creates a Checker and immediately starts background probes. A nil
// store probe means the gateway runs without persistence; readiness is then
// always true.
func New(ctx context.Context, store Probe, router string, opts ...Option) *Checker {
	if ctx == nil {
		panic("health: context must not be nil")
	}
	c := &Checker{
		store:     store,
		router:    router,
		interval:  defaultProbeInterval,
		timeout:   defaultProbeTimeout,
		baseCtx:   ctx,
		startTime: time.Now(),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}

	// First probe runs synchronously so readiness is not "unknown" at startup.
	c.probe()

	if c.store != nil {
		c.wg.Add(1)
		go c.run()
	}
	return c
}

// Snapshot is the readiness payload.
type Snapshot struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Router        string `json:"router"`
	Store         string `json:"store"`
	StoreError    string `json:"store_error,omitempty"`
}

// Snapshot builds a snapshot from the latest probe results.
func (c *Checker) Snapshot() Snapshot {
	store, storeErr := c.storeStatus.get()
	overall := StatusOK
	if store != StatusOK && store != StatusNotConfigured {
		overall = "unavailable"
	}
	return Snapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(c.startTime).Seconds()),
		Router:        c.router,
		Store:         store,
		StoreError:    storeErr,
	}
}

// ReadinessOK reports whether the configured store answered the last probe.
func (c *Checker) ReadinessOK() bool {
	s, _ := c.storeStatus.get()
	return s == StatusOK || s == StatusNotConfigured
}

// Close stops the background probe goroutine.
func (c *Checker) Close() {
	c.closeOnce.Do(func() { close(c.done) })
	c.wg.Wait()
}

func (c *Checker) run() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.probe()
		case <-c.done:
			return
		case <-c.baseCtx.Done():
			return
		}
	}
}

func (c *Checker) probe() {
	if c.store == nil {
		c.storeStatus.set(StatusNotConfigured, nil)
		return
	}

	ctx, cancel := context.WithTimeout(c.baseCtx, c.timeout)
	defer cancel()

	err := c.store(ctx)
	if err != nil {
		c.storeStatus.set(StatusDown, err)
	} else {
		c.storeStatus.set(StatusOK, nil)
	}
	if c.metrics != nil {
		c.metrics.SetStoreUp(err == nil)
	}
}
