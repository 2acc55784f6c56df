// Package pluginmgr implements the issuer's plugin surface (C7): optional
// observers mounted under /plugin/<id>/... that can veto an authorization
// request, react to a successful issuance, or react to a failed one.
package pluginmgr

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/mux"
)

// AuthorizeContext is handed to every OnAuthorize hook.
type AuthorizeContext struct {
	ClientID    string
	RedirectURI string
	Audience    string
	Scope       string
}

// SuccessContext is handed to every OnSuccess hook after tokens are minted.
type SuccessContext struct {
	SubjectType string
	Subject     string
	ClientID    string
}

// ErrorContext is handed to every OnError hook after a flow fails.
type ErrorContext struct {
	ClientID string
	Code     string
	Message  string
}

// Plugin describes one plugin. Every hook is an optional func field; a
// Plugin only needs to set the hooks it cares about.
type Plugin struct {
	// ID names the plugin's mount point, /plugin/<ID>/...
	ID string

	// Routes registers the plugin's own HTTP endpoints (webhooks,
	// admin views) on a router already scoped to /plugin/<ID>.
	Routes func(router *mux.Router)

	// OnInit runs once, at registration time.
	OnInit func(ctx context.Context) error

	// OnAuthorize runs sequentially for every /authorize request, in
	// registration order; the first error aborts the flow with that error.
	OnAuthorize func(ctx context.Context, req AuthorizeContext) error

	// OnSuccess runs for every successful issuance, in parallel across
	// plugins, best-effort: a failing hook is logged and otherwise ignored.
	OnSuccess func(ctx context.Context, sc SuccessContext)

	// OnError runs sequentially across plugins, best-effort, after a flow
	// fails.
	OnError func(ctx context.Context, ec ErrorContext)
}

// Mount describes a plugin's HTTP routes once resolved by the issuer.
type Mount struct {
	PluginID string
	Path     string
	Handler  func(router *mux.Router)
}

// Manager holds the registered plugins and runs their hooks.
type Manager struct {
	logger  *slog.Logger
	mu      sync.RWMutex
	plugins []Plugin
}

// New returns an empty Manager.
func New(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger}
}

// Register adds a plugin, running its OnInit hook immediately. It returns an
// error, without mounting anything, if p.ID is already registered - plugin
// ids (and so their /plugin/<id>/... mount paths) must be unique.
func (m *Manager) Register(ctx context.Context, p Plugin) error {
	if m.hasID(p.ID) {
		return fmt.Errorf("pluginmgr: plugin id %q is already registered", p.ID)
	}

	if p.OnInit != nil {
		if err := p.OnInit(ctx); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.plugins {
		if existing.ID == p.ID {
			return fmt.Errorf("pluginmgr: plugin id %q is already registered", p.ID)
		}
	}
	m.plugins = append(m.plugins, p)
	return nil
}

func (m *Manager) hasID(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.plugins {
		if p.ID == id {
			return true
		}
	}
	return false
}

// Mounts returns the HTTP mount points every registered plugin exposes.
func (m *Manager) Mounts() []Mount {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mounts := make([]Mount, 0, len(m.plugins))
	for _, p := range m.plugins {
		if p.Routes == nil {
			continue
		}
		mounts = append(mounts, Mount{PluginID: p.ID, Path: "", Handler: p.Routes})
	}
	return mounts
}

// RunAuthorize runs every plugin's OnAuthorize hook in registration order,
// stopping at the first error.
func (m *Manager) RunAuthorize(ctx context.Context, req AuthorizeContext) error {
	m.mu.RLock()
	plugins := append([]Plugin(nil), m.plugins...)
	m.mu.RUnlock()

	for _, p := range plugins {
		if p.OnAuthorize == nil {
			continue
		}
		if err := p.OnAuthorize(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

// RunSuccess fires every plugin's OnSuccess hook concurrently and does not
// propagate individual failures; it waits for all to finish.
func (m *Manager) RunSuccess(ctx context.Context, sc SuccessContext) {
	m.mu.RLock()
	plugins := append([]Plugin(nil), m.plugins...)
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, p := range plugins {
		if p.OnSuccess == nil {
			continue
		}
		wg.Add(1)
		go func(p Plugin) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("plugin OnSuccess panicked", "plugin", p.ID, "panic", r)
				}
			}()
			p.OnSuccess(ctx, sc)
		}(p)
	}
	wg.Wait()
}

// RunError fires every plugin's OnError hook sequentially, best-effort.
func (m *Manager) RunError(ctx context.Context, ec ErrorContext) {
	m.mu.RLock()
	plugins := append([]Plugin(nil), m.plugins...)
	m.mu.RUnlock()

	for _, p := range plugins {
		if p.OnError == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("plugin OnError panicked", "plugin", p.ID, "panic", r)
				}
			}()
			p.OnError(ctx, ec)
		}()
	}
}
