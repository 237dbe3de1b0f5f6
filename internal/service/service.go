// Copyright 2015 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package service controls the OS service that runs gunicorn through the
// host's init system.
package service

import (
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/juju/gunicorn-charm/internal/runner"
	"github.com/juju/gunicorn-charm/internal/service/systemd"
	"github.com/juju/gunicorn-charm/internal/service/upstart"
)

var logger = loggo.GetLogger("gunicorn.charm.service")

// These are the names of the init systems recognised by the charm.
const (
	InitSystemUpstart = "upstart"
	InitSystemSystemd = "systemd"

	// InitSystemAuto asks for the init system to be discovered.
	InitSystemAuto = "auto"
)

// InitSystems lists the init systems a unit file can be written for.
var InitSystems = []string{InitSystemUpstart, InitSystemSystemd}

// Service is a long-running process managed by the host's init system,
// defined by a single unit file the charm renders.
type Service interface {
	// Name returns the service's name.
	Name() string

	// ConfPath returns the path of the service's unit file.
	ConfPath() string

	// Template returns the name of the template the unit file is
	// rendered from.
	Template() string

	// Validate checks rendered unit file content before it is written.
	Validate(conf []byte) error

	// Refresh makes the init system pick up a changed or removed unit
	// file.
	Refresh() error

	// Running returns whether the service is running.
	Running() (bool, error)

	// Start starts the service if it is not running.
	Start() error

	// Stop stops the service if it is running.
	Stop() error

	// Restart restarts the service.
	Restart() error

	// ReloadOrRestart starts the service when it is stopped, and
	// otherwise asks it to reload, restarting it if that fails.
	ReloadOrRestart() error

	// Remove deletes the unit file. A missing file is not an error.
	Remove() error
}

// NewService returns a Service for the named init system.
func NewService(initSystem, name string, r runner.Runner) (Service, error) {
	if name == "" {
		return nil, errors.NotValidf("empty service name")
	}
	switch initSystem {
	case InitSystemUpstart:
		return upstart.NewService(name, r), nil
	case InitSystemSystemd:
		return systemd.NewService(name, r), nil
	}
	return nil, errors.NotSupportedf("init system %q", initSystem)
}

// ResolveInitSystem returns the init system named by the charm's
// init_system option, discovering it when the option is "auto" or empty.
func ResolveInitSystem(option string, r runner.Runner) (string, error) {
	switch option {
	case "", InitSystemAuto:
		initName, err := DiscoverInitSystem(r)
		return initName, errors.Trace(err)
	case InitSystemUpstart, InitSystemSystemd:
		return option, nil
	}
	return "", errors.NotValidf("init_system %q", option)
}

type discoveryCheck struct {
	name      string
	isRunning func(runner.Runner) (bool, error)
}

var discoveryFuncs = []discoveryCheck{
	{InitSystemSystemd, func(runner.Runner) (bool, error) { return systemd.IsRunning(), nil }},
	{InitSystemUpstart, upstart.IsRunning},
}

// DiscoverInitSystem returns the init system running on the local host.
func DiscoverInitSystem(r runner.Runner) (string, error) {
	for _, check := range discoveryFuncs {
		local, err := check.isRunning(r)
		if err != nil {
			logger.Debugf("failed to find init system %q: %v", check.name, err)
		}
		// We expect that in error cases "local" will be false.
		if local {
			logger.Debugf("discovered init system %q from local host", check.name)
			return check.name, nil
		}
	}
	return "", errors.NotFoundf("init system (based on local host)")
}
