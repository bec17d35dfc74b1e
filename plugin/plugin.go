// Package plugin is the session's event-subscriber registry. A plugin is
// an external collaborator that observes (and may veto) session events —
// this is how the core stays agnostic to concerns like remote cache
// transfer or build-automation driving: those live as plugins elsewhere,
// never in the core.
package plugin

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Event is one of the session's fixed lifecycle events.
type Event string

const (
	SessionOpen  Event = "session-open"
	SessionClose Event = "session-close"
	TaskCreated  Event = "task-created"
	TaskReady    Event = "task-ready"
	TaskRunStart Event = "task-run-start"
	TaskRunEnd   Event = "task-run-end"
	TaskDone     Event = "task-done"
	TaskError    Event = "task-error"
	PostEnter    Event = "post-enter"
	PreExit      Event = "pre-exit"
)

// Payload carries event-specific fields. Not every field is populated for
// every event — see the session package's dispatch call sites for which
// fields are set per event.
type Payload struct {
	TaskID      string
	Fingerprint string
	Rule        string
	Err         error
}

// Plugin is a named event subscriber. Handle is called synchronously, in
// registration order among plugins subscribed to the same event. An error
// returned for a task event fails only that task, with a plugin-error; the
// rest of the session keeps running. An error for session-open or
// post-enter makes Open fail, and an error for pre-exit or session-close
// is returned by Close.
//
// Plugins mutate tasks only through operations the session exposes on
// Payload (none yet beyond read access); they never reach into private
// graph state.
type Plugin interface {
	Name() string
	Events() []Event
	Handle(ctx context.Context, ev Event, p Payload) error
}

// Registry holds registered plugins, categorised by the events they
// subscribe to so dispatch need not scan every plugin for every event.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
	byEvent map[Event][]Plugin
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		plugins: make(map[string]Plugin),
		byEvent: make(map[Event][]Plugin),
	}
}

// Register adds p, indexed by each event it declares interest in.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := p.Name()
	if _, exists := r.plugins[name]; exists {
		return fmt.Errorf("plugin %q already registered", name)
	}
	r.plugins[name] = p
	for _, ev := range p.Events() {
		r.byEvent[ev] = append(r.byEvent[ev], p)
	}
	log.Info().Str("plugin", name).Msg("plugin registered")
	return nil
}

// Unregister removes the named plugin from the registry.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.plugins[name]; !exists {
		return fmt.Errorf("plugin %q not found", name)
	}
	delete(r.plugins, name)
	for ev, subs := range r.byEvent {
		r.byEvent[ev] = filterPlugin(subs, name)
	}
	log.Info().Str("plugin", name).Msg("plugin unregistered")
	return nil
}

// Dispatch invokes, in registration order, every plugin subscribed to ev.
// It stops and returns the first error encountered; the session wraps
// that as a plugin-error task error.
func (r *Registry) Dispatch(ctx context.Context, ev Event, p Payload) error {
	r.mu.RLock()
	subs := append([]Plugin{}, r.byEvent[ev]...)
	r.mu.RUnlock()

	for _, plug := range subs {
		if err := plug.Handle(ctx, ev, p); err != nil {
			return fmt.Errorf("plugin %q handling %s: %w", plug.Name(), ev, err)
		}
	}
	return nil
}

// List returns the names of all registered plugins.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	return names
}

func filterPlugin(slice []Plugin, name string) []Plugin {
	out := make([]Plugin, 0, len(slice))
	for _, p := range slice {
		if p.Name() != name {
			out = append(out, p)
		}
	}
	return out
}
