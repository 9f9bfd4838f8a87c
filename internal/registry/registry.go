// Package registry tracks the lifecycle and health of Overseer's in-process
// services and announces transitions on the event bus.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/overseer/internal/bus"
	"github.com/normanking/overseer/internal/logging"
)

// Status is the lifecycle state of a registered service.
type Status string

const (
	StatusStopped   Status = "stopped"
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusStopping  Status = "stopping"
	StatusError     Status = "error"
	StatusUnhealthy Status = "unhealthy"
)

// HealthCheckTimeout bounds a single health probe. A probe that exceeds it
// marks the service unhealthy.
const HealthCheckTimeout = 5 * time.Second

// DefaultMonitorInterval is how often the health monitor sweeps running
// services.
const DefaultMonitorInterval = 30 * time.Second

// Service is anything the registry can manage. Start must not return until
// the service is usable; Stop must be idempotent.
type Service interface {
	Name() string
	Capabilities() []string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// HealthChecker is implemented by services that can report their own health.
// Services without it are assumed healthy while running.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Info is a snapshot of one registered service.
type Info struct {
	Name         string    `json:"name"`
	Capabilities []string  `json:"capabilities"`
	Status       Status    `json:"status"`
	Version      string    `json:"version,omitempty"`
	StartedAt    time.Time `json:"started_at,omitzero"`
	LastHealthy  time.Time `json:"last_healthy,omitzero"`
	LastError    string    `json:"last_error,omitempty"`
	Restarts     int       `json:"restarts"`
}

type entry struct {
	service Service
	info    Info
}

// Registry coordinates service lifecycles. Status transitions are serialized
// behind its lock; concurrent starts of the same service are refused.
type Registry struct {
	log zerolog.Logger
	bus *bus.Bus

	mu       sync.RWMutex
	services map[string]*entry

	monitorInterval time.Duration
	monitorCancel   context.CancelFunc
	monitorDone     chan struct{}
}

// Option configures a Registry.
type Option func(*Registry)

// WithMonitorInterval overrides the health sweep interval.
func WithMonitorInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.monitorInterval = d
		}
	}
}

// New creates a registry. The bus may be nil when no event fan-out is
// wanted (tests).
func New(b *bus.Bus, opts ...Option) *Registry {
	r := &Registry{
		log:             logging.Component("registry"),
		bus:             b,
		services:        make(map[string]*entry),
		monitorInterval: DefaultMonitorInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a service in the stopped state. Re-registering a name fails.
func (r *Registry) Register(svc Service, version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := svc.Name()
	if _, exists := r.services[name]; exists {
		return fmt.Errorf("service already registered: %s", name)
	}

	r.services[name] = &entry{
		service: svc,
		info: Info{
			Name:         name,
			Capabilities: svc.Capabilities(),
			Status:       StatusStopped,
			Version:      version,
		},
	}
	r.log.Debug().Str("service", name).Msg("service registered")
	return nil
}

// Start transitions a service stopped → starting → running. A service that
// is already starting or running is refused; a failed start lands in error.
func (r *Registry) Start(ctx context.Context, name string) error {
	r.mu.Lock()
	e, ok := r.services[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("service not registered: %s", name)
	}
	switch e.info.Status {
	case StatusStarting, StatusRunning:
		r.mu.Unlock()
		return fmt.Errorf("service %s is already %s", name, e.info.Status)
	case StatusStopping:
		r.mu.Unlock()
		return fmt.Errorf("service %s is stopping", name)
	}
	e.info.Status = StatusStarting
	r.mu.Unlock()

	r.emitTransition(name, StatusStarting, "")

	if err := e.service.Start(ctx); err != nil {
		r.setStatus(name, StatusError, err.Error())
		return fmt.Errorf("start %s: %w", name, err)
	}

	r.mu.Lock()
	e.info.Status = StatusRunning
	e.info.StartedAt = time.Now()
	e.info.LastHealthy = time.Now()
	e.info.LastError = ""
	r.mu.Unlock()

	r.emitTransition(name, StatusRunning, "")
	r.log.Info().Str("service", name).Msg("service started")
	return nil
}

// Stop transitions a service to stopped. Stopping a stopped service is a
// no-op.
func (r *Registry) Stop(ctx context.Context, name string) error {
	r.mu.Lock()
	e, ok := r.services[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("service not registered: %s", name)
	}
	if e.info.Status == StatusStopped {
		r.mu.Unlock()
		return nil
	}
	e.info.Status = StatusStopping
	r.mu.Unlock()

	r.emitTransition(name, StatusStopping, "")

	err := e.service.Stop(ctx)

	r.mu.Lock()
	if err != nil {
		e.info.Status = StatusError
		e.info.LastError = err.Error()
	} else {
		e.info.Status = StatusStopped
	}
	r.mu.Unlock()

	if err != nil {
		r.emitTransition(name, StatusError, err.Error())
		return fmt.Errorf("stop %s: %w", name, err)
	}
	r.emitTransition(name, StatusStopped, "")
	r.log.Info().Str("service", name).Msg("service stopped")
	return nil
}

// StartAll starts every registered service, continuing past failures and
// returning the first error encountered.
func (r *Registry) StartAll(ctx context.Context) error {
	var firstErr error
	for _, name := range r.names() {
		if err := r.Start(ctx, name); err != nil {
			r.log.Error().Err(err).Str("service", name).Msg("service failed to start")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// StopAll stops every service that is not already stopped.
func (r *Registry) StopAll(ctx context.Context) {
	for _, name := range r.names() {
		if err := r.Stop(ctx, name); err != nil {
			r.log.Error().Err(err).Str("service", name).Msg("service failed to stop")
		}
	}
}

func (r *Registry) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	return names
}

// Get returns a snapshot of one service.
func (r *Registry) Get(name string) (Info, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.services[name]
	if !ok {
		return Info{}, fmt.Errorf("service not registered: %s", name)
	}
	return e.info, nil
}

// List returns snapshots of every registered service.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.services))
	for _, e := range r.services {
		infos = append(infos, e.info)
	}
	return infos
}

func (r *Registry) setStatus(name string, status Status, lastError string) {
	r.mu.Lock()
	if e, ok := r.services[name]; ok {
		e.info.Status = status
		e.info.LastError = lastError
	}
	r.mu.Unlock()
	r.emitTransition(name, status, lastError)
}

func (r *Registry) emitTransition(name string, status Status, lastError string) {
	if r.bus == nil {
		return
	}
	data := map[string]any{"service": name, "status": string(status)}
	if lastError != "" {
		data["error"] = lastError
	}
	r.bus.Emit(bus.NewEvent("registry", bus.EventService, data))
}

// ═══════════════════════════════════════════════════════════════════════════════
// HEALTH MONITOR
// ═══════════════════════════════════════════════════════════════════════════════

// StartMonitor begins the periodic health sweep. Each running service's
// health check runs under HealthCheckTimeout; a timeout or error demotes the
// service to unhealthy, a later success restores it to running.
func (r *Registry) StartMonitor() {
	r.mu.Lock()
	if r.monitorCancel != nil {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.monitorCancel = cancel
	r.monitorDone = make(chan struct{})
	r.mu.Unlock()

	go func() {
		defer close(r.monitorDone)
		ticker := time.NewTicker(r.monitorInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.sweep(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// StopMonitor halts the health sweep.
func (r *Registry) StopMonitor() {
	r.mu.Lock()
	cancel, done := r.monitorCancel, r.monitorDone
	r.monitorCancel = nil
	r.monitorDone = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// sweep probes every running or unhealthy service once.
func (r *Registry) sweep(ctx context.Context) {
	r.mu.RLock()
	targets := make([]*entry, 0, len(r.services))
	for _, e := range r.services {
		if e.info.Status == StatusRunning || e.info.Status == StatusUnhealthy {
			targets = append(targets, e)
		}
	}
	r.mu.RUnlock()

	for _, e := range targets {
		r.probe(ctx, e)
	}
}

func (r *Registry) probe(ctx context.Context, e *entry) {
	checker, ok := e.service.(HealthChecker)
	if !ok {
		return
	}
	name := e.service.Name()

	probeCtx, cancel := context.WithTimeout(ctx, HealthCheckTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- checker.HealthCheck(probeCtx) }()

	var err error
	select {
	case err = <-errCh:
	case <-probeCtx.Done():
		err = fmt.Errorf("health check timed out after %s", HealthCheckTimeout)
	}

	r.mu.Lock()
	prev := e.info.Status
	if err != nil {
		e.info.Status = StatusUnhealthy
		e.info.LastError = err.Error()
	} else {
		e.info.Status = StatusRunning
		e.info.LastHealthy = time.Now()
		e.info.LastError = ""
	}
	now := e.info.Status
	r.mu.Unlock()

	if now != prev {
		r.emitTransition(name, now, e.info.LastError)
		if now == StatusUnhealthy {
			r.log.Warn().Err(err).Str("service", name).Msg("service unhealthy")
		} else {
			r.log.Info().Str("service", name).Msg("service recovered")
		}
	}
}
