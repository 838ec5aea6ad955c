// SPDX-License-Identifier: MIT

// Package daemon owns the server lifecycle: the API and metrics servers,
// the periodic refresh schedule and ordered shutdown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrNotStarted is returned by Shutdown before Start has run.
var ErrNotStarted = errors.New("daemon not started")

// ShutdownHook performs cleanup during graceful shutdown. Hooks run in
// reverse registration order.
type ShutdownHook func(ctx context.Context) error

// Deps carries everything the manager runs.
type Deps struct {
	// APIHandler serves the main listener. Required.
	APIHandler http.Handler
	// ListenAddr is the API listen address. Required.
	ListenAddr string
	// MetricsHandler serves the metrics listener. Optional; nil disables it.
	MetricsHandler http.Handler
	MetricsAddr    string
	// Refresh runs one refresh. Optional; nil disables scheduling.
	Refresh func(ctx context.Context) error
	// RefreshInterval schedules periodic refreshes. Zero disables them.
	RefreshInterval time.Duration
	// ShutdownTimeout bounds graceful shutdown. Defaults to 30s.
	ShutdownTimeout time.Duration
	Logger          zerolog.Logger
}

// Validate checks the required dependencies.
func (d Deps) Validate() error {
	if d.APIHandler == nil {
		return errors.New("API handler is required")
	}
	if d.ListenAddr == "" {
		return errors.New("listen address is required")
	}
	if d.MetricsHandler != nil && d.MetricsAddr == "" {
		return errors.New("metrics address is required when metrics are enabled")
	}
	return nil
}

// Manager runs the servers and blocks until shutdown.
type Manager struct {
	deps Deps

	apiServer     *http.Server
	metricsServer *http.Server

	mu       sync.Mutex
	started  bool
	stopping bool
	hooks    []namedHook

	logger zerolog.Logger
}

type namedHook struct {
	name string
	hook ShutdownHook
}

// NewManager validates the dependencies and creates a manager.
func NewManager(deps Deps) (*Manager, error) {
	if err := deps.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dependencies: %w", err)
	}
	if deps.ShutdownTimeout <= 0 {
		deps.ShutdownTimeout = 30 * time.Second
	}
	return &Manager{
		deps:   deps,
		logger: deps.Logger.With().Str("component", "daemon").Logger(),
	}, nil
}

// RegisterShutdownHook adds a cleanup step. Hooks run LIFO during
// shutdown, after the servers have stopped accepting requests.
func (m *Manager) RegisterShutdownHook(name string, hook ShutdownHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, namedHook{name: name, hook: hook})
}

// Start launches the servers and the refresh schedule, then blocks until
// the context is cancelled or a server fails.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("daemon already started")
	}
	m.started = true
	m.mu.Unlock()

	errChan := make(chan error, 2)

	if m.deps.MetricsHandler != nil {
		m.startMetricsServer(errChan)
	}
	m.startAPIServer(errChan)

	if m.deps.Refresh != nil && m.deps.RefreshInterval > 0 {
		go m.refreshLoop(ctx)
	}

	select {
	case err := <-errChan:
		m.logger.Error().Err(err).Str("event", "daemon.server_failed").Msg("server error, shutting down")
		if shutdownErr := m.Shutdown(ctx); shutdownErr != nil {
			return errors.Join(err, shutdownErr)
		}
		return err
	case <-ctx.Done():
		m.logger.Info().Str("event", "daemon.stopping").Msg("shutdown signal received")
		return m.Shutdown(ctx)
	}
}

func (m *Manager) startAPIServer(errChan chan<- error) {
	m.apiServer = &http.Server{
		Addr:              m.deps.ListenAddr,
		Handler:           m.deps.APIHandler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		// Artifact downloads can take a while on slow links.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  2 * time.Minute,
	}

	go func() {
		m.logger.Info().
			Str("event", "daemon.api_listening").
			Str("addr", m.deps.ListenAddr).
			Msg("API server listening")
		if err := m.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("API server: %w", err)
		}
	}()
}

func (m *Manager) startMetricsServer(errChan chan<- error) {
	m.metricsServer = &http.Server{
		Addr:              m.deps.MetricsAddr,
		Handler:           m.deps.MetricsHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		m.logger.Info().
			Str("event", "daemon.metrics_listening").
			Str("addr", m.deps.MetricsAddr).
			Msg("metrics server listening")
		if err := m.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()
}

// refreshLoop runs scheduled refreshes until the context ends.
func (m *Manager) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(m.deps.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.deps.Refresh(ctx); err != nil && !errors.Is(err, context.Canceled) {
				m.logger.Error().
					Err(err).
					Str("event", "daemon.scheduled_refresh_failed").
					Msg("scheduled refresh failed")
			}
		}
	}
}

// Shutdown stops the servers and runs the hooks. Safe to call once; later
// calls return nil.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return nil
	}
	if !m.started {
		m.mu.Unlock()
		return ErrNotStarted
	}
	m.stopping = true
	hooks := make([]namedHook, len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()

	// Detached but bounded: shutdown must finish even though the parent
	// context is already cancelled.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.deps.ShutdownTimeout)
	defer cancel()

	var errs []error

	if m.apiServer != nil {
		if err := m.apiServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("API server shutdown: %w", err))
		}
	}
	if m.metricsServer != nil {
		if err := m.metricsServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
		}
	}

	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		start := time.Now()
		if err := h.hook(shutdownCtx); err != nil {
			m.logger.Error().
				Err(err).
				Str("event", "daemon.hook_failed").
				Str("hook", h.name).
				Msg("shutdown hook failed")
			errs = append(errs, fmt.Errorf("hook %s: %w", h.name, err))
			continue
		}
		m.logger.Debug().
			Str("hook", h.name).
			Dur("duration", time.Since(start)).
			Msg("shutdown hook completed")
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	m.logger.Info().Str("event", "daemon.stopped").Msg("daemon stopped cleanly")
	return nil
}
