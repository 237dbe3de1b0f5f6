// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package hook

import (
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
)

var logger = loggo.GetLogger("gunicorn.charm.hook")

// HookFunc handles a single lifecycle event.
type HookFunc func(ctx *Context) error

// Registry maps hook names to the functions handling them. It is built
// once at startup, before any hook runs.
type Registry struct {
	hooks map[string]HookFunc
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{hooks: make(map[string]HookFunc)}
}

// Register adds fn as the handler for each of the named hooks. A name can
// only be registered once.
func (r *Registry) Register(fn HookFunc, names ...string) error {
	if fn == nil {
		return errors.NotValidf("nil hook function")
	}
	for _, name := range names {
		if name == "" {
			return errors.NotValidf("empty hook name")
		}
		if _, ok := r.hooks[name]; ok {
			return errors.AlreadyExistsf("hook %q", name)
		}
	}
	for _, name := range names {
		r.hooks[name] = fn
	}
	return nil
}

// Names returns the registered hook names, sorted.
func (r *Registry) Names() []string {
	names := set.NewStrings()
	for name := range r.hooks {
		names.Add(name)
	}
	return names.SortedValues()
}

// Execute runs the handler registered for the named hook. A hook with no
// handler is a NotFound error.
func (r *Registry) Execute(name string, ctx *Context) error {
	fn, ok := r.hooks[name]
	if !ok {
		return errors.NotFoundf("hook %q", name)
	}
	logger.Debugf("running hook %q for %s", name, ctx.UnitName)
	if err := fn(ctx); err != nil {
		return errors.Annotatef(err, "hook %q", name)
	}
	return nil
}
