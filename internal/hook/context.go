// Copyright 2012, 2013 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package hook provides what a charm needs to run inside a hook: the
// context the agent passes through the environment, a client for the
// agent's hook tools, and the table mapping hook names to handlers.
package hook

import (
	"strings"

	"github.com/juju/errors"
	"github.com/juju/names/v5"
	"github.com/juju/proxy"
)

// Context is the state the unit agent hands to a hook through its
// environment.
type Context struct {
	UnitName       string
	CharmDir       string
	HookName       string
	ModelName      string
	RelationName   string
	RelationID     string
	RemoteUnitName string

	// Proxy holds the model's proxy settings for charm traffic.
	Proxy proxy.Settings
}

// NewContext reads the hook context using getenv, typically os.Getenv.
func NewContext(getenv func(string) string) (*Context, error) {
	ctx := &Context{
		UnitName:       getenv("JUJU_UNIT_NAME"),
		CharmDir:       getenv("CHARM_DIR"),
		HookName:       getenv("JUJU_HOOK_NAME"),
		ModelName:      getenv("JUJU_MODEL_NAME"),
		RelationName:   getenv("JUJU_RELATION"),
		RelationID:     getenv("JUJU_RELATION_ID"),
		RemoteUnitName: getenv("JUJU_REMOTE_UNIT"),
		Proxy: proxy.Settings{
			Http:    getenv("JUJU_CHARM_HTTP_PROXY"),
			Https:   getenv("JUJU_CHARM_HTTPS_PROXY"),
			Ftp:     getenv("JUJU_CHARM_FTP_PROXY"),
			NoProxy: getenv("JUJU_CHARM_NO_PROXY"),
		},
	}
	if ctx.UnitName == "" {
		return nil, errors.NotFoundf("JUJU_UNIT_NAME")
	}
	if !names.IsValidUnit(ctx.UnitName) {
		return nil, errors.NotValidf("unit name %q", ctx.UnitName)
	}
	return ctx, nil
}

// ApplicationName returns the application the local unit belongs to.
func (ctx *Context) ApplicationName() string {
	// The unit name was validated when the context was built.
	app, _ := names.UnitApplication(ctx.UnitName)
	return app
}

// ServiceName returns the name of the OS service managed for the local
// unit's application.
func (ctx *Context) ServiceName() string {
	return Sanitize(ctx.ApplicationName())
}

var sanitizer = strings.NewReplacer(
	":", "_",
	"-", "_",
	"/", "_",
	`"`, "_",
	"'", "_",
)

// Sanitize makes s safe to use as an OS service name.
func Sanitize(s string) string {
	return sanitizer.Replace(s)
}
