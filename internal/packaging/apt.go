// Copyright 2012, 2013 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package packaging installs the OS packages the charm depends on.
package packaging

import (
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/proxy"
	"github.com/juju/retry"

	"github.com/juju/gunicorn-charm/internal/runner"
)

var logger = loggo.GetLogger("gunicorn.charm.packaging")

const (
	// DefaultAttempts is how many times an apt-get command is tried
	// before the failure is returned.
	DefaultAttempts = 24

	// DefaultDelay is the pause between failed attempts.
	DefaultDelay = 10 * time.Second
)

// This is the default apt-get command used in cloud-init, the various settings
// mean that apt won't actually block waiting for a prompt from the user.
var aptGetCommand = []string{
	"apt-get", "--option=Dpkg::Options::=--force-confold",
	"--option=Dpkg::options::=--force-unsafe-io", "--assume-yes", "--quiet",
}

// aptGetEnvOptions stop apt-get from prompting the user.
var aptGetEnvOptions = []string{"DEBIAN_FRONTEND=noninteractive"}

// Config holds the dependencies of an Installer.
type Config struct {
	Runner runner.Runner
	Clock  clock.Clock

	// Proxy is exported to apt-get's environment.
	Proxy proxy.Settings

	// Attempts and Delay default to DefaultAttempts and DefaultDelay.
	Attempts int
	Delay    time.Duration
}

// Validate checks the config has everything an Installer needs.
func (c Config) Validate() error {
	if c.Runner == nil {
		return errors.NotValidf("nil Runner")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Attempts < 0 {
		return errors.NotValidf("negative Attempts")
	}
	if c.Delay < 0 {
		return errors.NotValidf("negative Delay")
	}
	return nil
}

// Installer runs apt-get, retrying transient failures such as a held dpkg
// lock or an unreachable archive.
type Installer struct {
	config Config
}

// NewInstaller returns an Installer using config.
func NewInstaller(config Config) (*Installer, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.Attempts == 0 {
		config.Attempts = DefaultAttempts
	}
	if config.Delay == 0 {
		config.Delay = DefaultDelay
	}
	return &Installer{config: config}, nil
}

// Update refreshes the package index.
func (i *Installer) Update() error {
	return errors.Trace(i.aptGet("update"))
}

// Install installs the named packages. Installing nothing is a no-op.
func (i *Installer) Install(packages ...string) error {
	if len(packages) == 0 {
		return nil
	}
	return errors.Trace(i.aptGet("install", packages...))
}

func (i *Installer) aptGet(command string, args ...string) error {
	cmdArgs := append([]string(nil), aptGetCommand...)
	cmdArgs = append(cmdArgs, command)
	cmdArgs = append(cmdArgs, args...)
	cmd := runner.Command{
		Args: cmdArgs,
		Env:  append(append([]string(nil), aptGetEnvOptions...), i.config.Proxy.AsEnvironmentValues()...),
	}
	logger.Infof("Running: %s", cmd)

	err := retry.Call(retry.CallArgs{
		Func: func() error {
			_, err := i.config.Runner.Run(cmd)
			return err
		},
		Attempts: i.config.Attempts,
		Delay:    i.config.Delay,
		Clock:    i.config.Clock,
		NotifyFunc: func(err error, attempt int) {
			logger.Warningf("apt-get %s failed (attempt %d of %d): %v", command, attempt, i.config.Attempts, err)
		},
	})
	if err != nil {
		if retry.IsAttemptsExceeded(err) {
			err = retry.LastError(err)
		}
		return errors.Annotatef(err, "apt-get %s", command)
	}
	return nil
}
