// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package runner runs the OS commands a hook drives: the package manager,
// the init system and the agent's hook tools.
package runner

import (
	"bytes"
	"fmt"
	"os"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/utils/v4/exec"
	"github.com/kballard/go-shellquote"
)

var logger = loggo.GetLogger("gunicorn.charm.runner")

// Command describes a single OS command.
type Command struct {
	// Args holds the command name followed by its arguments.
	Args []string

	// Env holds extra KEY=value pairs added to the hook's environment.
	Env []string
}

// String returns the command quoted for the shell that runs it.
func (c Command) String() string {
	return shellquote.Join(c.Args...)
}

// Runner runs OS commands to completion.
type Runner interface {
	// Run runs the command and returns its standard output. A command that
	// exits non-zero is reported as an *ExitError.
	Run(cmd Command) ([]byte, error)
}

// ExitError is returned when a command ran but exited with a non-zero
// status.
type ExitError struct {
	Command string
	Code    int
	Stderr  string
}

func (e *ExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("exec %s: exit status %d (%s)", e.Command, e.Code, e.Stderr)
	}
	return fmt.Sprintf("exec %s: exit status %d", e.Command, e.Code)
}

// ExitCode returns the exit status carried by err, if err (or an error it
// wraps) is an *ExitError.
func ExitCode(err error) (int, bool) {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code, true
	}
	return 0, false
}

// New returns a Runner that executes commands on the local host.
func New() Runner {
	return hostRunner{}
}

type hostRunner struct{}

// Run is part of the Runner interface.
func (hostRunner) Run(cmd Command) ([]byte, error) {
	if len(cmd.Args) == 0 {
		return nil, errors.NotValidf("empty command")
	}
	logger.Debugf("running %s", cmd)
	resp, err := exec.RunCommands(exec.RunParams{
		Commands:    cmd.String(),
		Environment: append(os.Environ(), cmd.Env...),
	})
	if err != nil {
		return nil, errors.Annotatef(err, "exec %s", cmd)
	}
	if resp.Code != 0 {
		return resp.Stdout, &ExitError{
			Command: cmd.String(),
			Code:    resp.Code,
			Stderr:  string(bytes.TrimSpace(resp.Stderr)),
		}
	}
	return resp.Stdout, nil
}
