// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package sysvinit handles services started from SysV init scripts. The
// charm only ever needs to retire such a service.
package sysvinit

import (
	"os"
	"path"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/juju/gunicorn-charm/internal/runner"
)

var (
	// InitDir holds the init scripts.
	InitDir = "/etc/init.d"

	logger = loggo.GetLogger("gunicorn.charm.service.sysvinit")
)

// DisabledSuffix is appended to an init script's name to disable it.
const DisabledSuffix = ".disabled"

// Service is a SysV init script service.
type Service struct {
	name   string
	runner runner.Runner
}

// NewService returns the service started by the named init script.
func NewService(name string, r runner.Runner) *Service {
	return &Service{name: name, runner: r}
}

// Name returns the service's name.
func (s *Service) Name() string {
	return s.name
}

// ScriptPath returns the path of the service's init script.
func (s *Service) ScriptPath() string {
	return path.Join(InitDir, s.name)
}

// Installed returns whether the init script exists.
func (s *Service) Installed() (bool, error) {
	_, err := os.Stat(s.ScriptPath())
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Trace(err)
	}
	return true, nil
}

// Stop stops the service.
func (s *Service) Stop() error {
	_, err := s.runner.Run(runner.Command{Args: []string{"service", s.name, "stop"}})
	return errors.Trace(err)
}

// Disable renames the init script so it no longer runs at boot. A missing
// script is not an error.
func (s *Service) Disable() error {
	installed, err := s.Installed()
	if err != nil {
		return errors.Trace(err)
	}
	if !installed {
		return nil
	}
	disabled := s.ScriptPath() + DisabledSuffix
	logger.Infof("disabling %s as %s", s.ScriptPath(), disabled)
	return errors.Trace(os.Rename(s.ScriptPath(), disabled))
}
