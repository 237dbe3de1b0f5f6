// Copyright 2012, 2013 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package upstart controls services managed by upstart.
package upstart

import (
	"bufio"
	"bytes"
	"os"
	"path"
	"regexp"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/juju/gunicorn-charm/internal/runner"
)

var (
	InitDir = "/etc/init" // the default init directory name.

	logger      = loggo.GetLogger("gunicorn.charm.service.upstart")
	initctlPath = "/sbin/initctl"
	startedRE   = regexp.MustCompile(`^.* start/running(?:, process (\d+))?\n$`)
)

// IsRunning returns whether or not upstart is the local init system.
func IsRunning(r runner.Runner) (bool, error) {
	_, err := r.Run(runner.Command{Args: []string{initctlPath, "--system", "list"}})
	if err == nil {
		return true, nil
	}
	// initctl is missing, or installed while upstart is not running.
	if _, ok := runner.ExitCode(err); ok {
		return false, nil
	}
	return false, errors.Annotatef(err, "exec %q failed", initctlPath)
}

// Service provides visibility into and control over an upstart service.
type Service struct {
	name   string
	runner runner.Runner
}

// NewService returns the upstart job with the given name.
func NewService(name string, r runner.Runner) *Service {
	return &Service{name: name, runner: r}
}

// Name implements service.Service.
func (s *Service) Name() string {
	return s.name
}

// ConfPath implements service.Service.
func (s *Service) ConfPath() string {
	return path.Join(InitDir, s.name+".conf")
}

// Template implements service.Service.
func (s *Service) Template() string {
	return "upstart.tmpl"
}

// Validate implements service.Service. A job must say what it runs.
func (s *Service) Validate(conf []byte) error {
	scanner := bufio.NewScanner(bytes.NewReader(conf))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "exec" || fields[0] == "script" {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Trace(err)
	}
	return errors.NotValidf("upstart job %q without exec or script stanza", s.name)
}

// Refresh implements service.Service. Upstart watches its init directory,
// so this only asks it to reread the job definitions.
func (s *Service) Refresh() error {
	return s.run(initctlPath, "reload-configuration")
}

// Running implements service.Service.
func (s *Service) Running() (bool, error) {
	out, err := s.runner.Run(runner.Command{Args: []string{"status", "--system", s.name}})
	logger.Tracef("Running \"status --system %s\": %q", s.name, out)
	if err == nil {
		return startedRE.Match(out), nil
	}
	if code, ok := runner.ExitCode(err); ok && code == 1 {
		// Unknown job.
		return false, nil
	}
	return false, errors.Trace(err)
}

// Start implements service.Service.
func (s *Service) Start() error {
	running, err := s.Running()
	if err != nil {
		return errors.Trace(err)
	}
	if running {
		return nil
	}
	err = s.run("start", "--system", s.name)
	if err != nil {
		// Double check to see if we were started before our command ran.
		// If this fails then we simply trust it's okay.
		if running, _ := s.Running(); running {
			return nil
		}
	}
	return errors.Trace(err)
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
	return s.run("stop", "--system", s.name)
}

// Restart implements service.Service. A stopped job is started.
func (s *Service) Restart() error {
	running, err := s.Running()
	if err != nil {
		return errors.Trace(err)
	}
	if !running {
		return s.run("start", "--system", s.name)
	}
	return s.run("restart", "--system", s.name)
}

// ReloadOrRestart implements service.Service.
func (s *Service) ReloadOrRestart() error {
	running, err := s.Running()
	if err != nil {
		return errors.Trace(err)
	}
	if !running {
		return s.run("start", "--system", s.name)
	}
	if err := s.run("reload", "--system", s.name); err != nil {
		logger.Warningf("reloading %s failed, restarting: %v", s.name, err)
		return s.run("restart", "--system", s.name)
	}
	return nil
}

// Remove implements service.Service.
func (s *Service) Remove() error {
	err := os.Remove(s.ConfPath())
	if os.IsNotExist(err) {
		return nil
	}
	return errors.Trace(err)
}

func (s *Service) run(args ...string) error {
	_, err := s.runner.Run(runner.Command{Args: args})
	return errors.Trace(err)
}
