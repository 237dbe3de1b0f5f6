// Copyright 2015 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package systemd controls services managed by systemd.
package systemd

import (
	"bytes"
	"os"
	"path"

	"github.com/coreos/go-systemd/v22/unit"
	"github.com/coreos/go-systemd/v22/util"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/juju/gunicorn-charm/internal/runner"
)

var (
	// UnitDir is where the charm writes its unit files.
	UnitDir = "/etc/systemd/system"

	logger = loggo.GetLogger("gunicorn.charm.service.systemd")
)

// IsRunning returns whether or not systemd is the local init system.
func IsRunning() bool {
	return util.IsRunningSystemd()
}

// Service provides visibility into and control over a systemd service.
type Service struct {
	name   string
	runner runner.Runner
}

// NewService returns the systemd service with the given name.
func NewService(name string, r runner.Runner) *Service {
	return &Service{name: name, runner: r}
}

// Name implements service.Service.
func (s *Service) Name() string {
	return s.name
}

// ConfPath implements service.Service.
func (s *Service) ConfPath() string {
	return path.Join(UnitDir, s.unitName())
}

// Template implements service.Service.
func (s *Service) Template() string {
	return "systemd.tmpl"
}

func (s *Service) unitName() string {
	return s.name + ".service"
}

// Validate implements service.Service. The content must parse as a unit
// file with an ExecStart in its [Service] section.
func (s *Service) Validate(conf []byte) error {
	opts, err := unit.DeserializeOptions(bytes.NewReader(conf))
	if err != nil {
		return errors.NewNotValid(err, "systemd unit "+s.unitName())
	}
	for _, opt := range opts {
		if opt.Section == "Service" && opt.Name == "ExecStart" && opt.Value != "" {
			return nil
		}
	}
	return errors.NotValidf("systemd unit %s without ExecStart", s.unitName())
}

// Refresh implements service.Service. Systemd is told to reload its units,
// and the service is enabled if its unit file exists.
func (s *Service) Refresh() error {
	if err := s.systemctl("daemon-reload"); err != nil {
		return errors.Trace(err)
	}
	if _, err := os.Stat(s.ConfPath()); os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return errors.Trace(err)
	}
	return s.systemctl("enable", s.unitName())
}

// Running implements service.Service.
func (s *Service) Running() (bool, error) {
	_, err := s.runner.Run(runner.Command{
		Args: []string{"systemctl", "is-active", "--quiet", s.unitName()},
	})
	if err == nil {
		return true, nil
	}
	if _, ok := runner.ExitCode(err); ok {
		return false, nil
	}
	return false, errors.Trace(err)
}

// Start implements service.Service.
func (s *Service) Start() error {
	return s.systemctl("start", s.unitName())
}

// Stop implements service.Service.
func (s *Service) Stop() error {
	running, err := s.Running()
	if err != nil {
		return errors.Trace(err)
	}
	if !running {
		return nil
	}
	return s.systemctl("stop", s.unitName())
}

// Restart implements service.Service.
func (s *Service) Restart() error {
	return s.systemctl("restart", s.unitName())
}

// ReloadOrRestart implements service.Service.
func (s *Service) ReloadOrRestart() error {
	return s.systemctl("reload-or-restart", s.unitName())
}

// Remove implements service.Service. The service is disabled before its
// unit file is deleted.
func (s *Service) Remove() error {
	if _, err := os.Stat(s.ConfPath()); os.IsNotExist(err) {
		return nil
	}
	if err := s.systemctl("disable", s.unitName()); err != nil {
		logger.Warningf("cannot disable %s: %v", s.unitName(), err)
	}
	err := os.Remove(s.ConfPath())
	if os.IsNotExist(err) {
		return nil
	}
	return errors.Trace(err)
}

func (s *Service) systemctl(args ...string) error {
	_, err := s.runner.Run(runner.Command{Args: append([]string{"systemctl"}, args...)})
	return errors.Annotatef(err, "systemd")
}
