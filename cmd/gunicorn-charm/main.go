// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"

	gunicorncharm "github.com/juju/gunicorn-charm"
	"github.com/juju/gunicorn-charm/internal/charm"
	"github.com/juju/gunicorn-charm/internal/gunicorn"
	"github.com/juju/gunicorn-charm/internal/hook"
	"github.com/juju/gunicorn-charm/internal/packaging"
	"github.com/juju/gunicorn-charm/internal/render"
	"github.com/juju/gunicorn-charm/internal/runner"
	"github.com/juju/gunicorn-charm/internal/service"
	"github.com/juju/gunicorn-charm/internal/service/sysvinit"
)

var logger = loggo.GetLogger("gunicorn.cmd")

const (
	commandName = "gunicorn-charm"

	// exitError is returned when a hook handler fails.
	exitError = 1
	// exitUsage is returned when the binary is run in an invalid way.
	exitUsage = 2
	// exitPanic is returned when we exit due to an unhandled panic.
	exitPanic = 3

	logWriterName = "juju-log"

	legacyServiceName = "gunicorn"
)

func main() {
	os.Exit(Main(os.Args))
}

// Main runs the hook named by args and returns the process exit code.
func Main(args []string) int {
	return run(args, environment{
		getenv: os.Getenv,
		stderr: os.Stderr,
		runner: runner.New(),
	})
}

// environment holds what run takes from the process.
type environment struct {
	getenv func(string) string
	stderr io.Writer
	runner runner.Runner
}

// options holds the parsed command line.
type options struct {
	debug         bool
	loggingConfig string
	charmDir      string
	hookName      string
}

func run(args []string, env environment) (code int) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(env.stderr, "panic: %v\n%s", r, debug.Stack())
			code = exitPanic
		}
	}()

	opts, err := parseArgs(args, env.stderr)
	if err == gnuflag.ErrHelp {
		return 0
	}
	if err != nil {
		fmt.Fprintf(env.stderr, "ERROR %v\n", err)
		return exitUsage
	}
	if err := configureLogging(opts, env.stderr); err != nil {
		fmt.Fprintf(env.stderr, "ERROR %v\n", err)
		return exitUsage
	}
	if err := runHook(opts, env); err != nil {
		logger.Errorf("%v", err)
		fmt.Fprintf(env.stderr, "ERROR %v\n", err)
		return exitError
	}
	return 0
}

// parseArgs reads the flags and the hook name. The hook name is the name
// the binary was invoked as, or the first argument when it was invoked as
// itself.
func parseArgs(args []string, stderr io.Writer) (*options, error) {
	if len(args) == 0 {
		return nil, errors.New("no arguments")
	}
	opts := &options{}
	name := filepath.Base(args[0])
	f := gnuflag.NewFlagSet(name, gnuflag.ContinueOnError)
	f.SetOutput(stderr)
	f.BoolVar(&opts.debug, "debug", false, "log at DEBUG level")
	f.StringVar(&opts.loggingConfig, "logging-config", "", "loggo configuration, overrides --debug")
	f.StringVar(&opts.charmDir, "charm-dir", "", "charm directory, defaults to $CHARM_DIR")
	if err := f.Parse(true, args[1:]); err != nil {
		return nil, err
	}
	rest := f.Args()
	if name != commandName {
		opts.hookName = name
	} else if len(rest) > 0 {
		opts.hookName, rest = rest[0], rest[1:]
	}
	if opts.hookName == "" {
		return nil, errors.New("no hook name specified")
	}
	if len(rest) > 0 {
		return nil, errors.Errorf("unrecognized args: %q", rest)
	}
	return opts, nil
}

func configureLogging(opts *options, stderr io.Writer) error {
	loggo.ReplaceDefaultWriter(loggo.NewSimpleWriter(stderr, loggo.DefaultFormatter))
	spec := "<root>=INFO"
	if opts.debug {
		spec = "<root>=DEBUG"
	}
	if opts.loggingConfig != "" {
		spec = opts.loggingConfig
	}
	loggo.DefaultContext().ResetLoggerLevels()
	return errors.Annotatef(loggo.ConfigureLoggers(spec), "logging config %q", spec)
}

func runHook(opts *options, env environment) error {
	ctx, err := hook.NewContext(env.getenv)
	if err != nil {
		return errors.Annotate(err, "reading hook context")
	}
	if opts.charmDir != "" {
		ctx.CharmDir = opts.charmDir
	}
	if ctx.HookName == "" {
		ctx.HookName = opts.hookName
	}

	tools := hook.NewTools(env.runner)
	if err := loggo.RegisterWriter(logWriterName, hook.NewLogWriter(tools, env.stderr)); err != nil {
		return errors.Trace(err)
	}
	defer func() { _, _ = loggo.RemoveWriter(logWriterName) }()

	registry, err := newRegistry(ctx, tools, env.runner)
	if err != nil {
		return errors.Trace(err)
	}
	return registry.Execute(opts.hookName, ctx)
}

// newRegistry wires the charm's hook handlers for the unit described by
// ctx.
func newRegistry(ctx *hook.Context, tools hook.Tools, r runner.Runner) (*hook.Registry, error) {
	metaData, err := readCharmFile(ctx.CharmDir, "metadata.yaml", gunicorncharm.MetadataYAML)
	if err != nil {
		return nil, errors.Trace(err)
	}
	meta, err := charm.ReadMeta(bytes.NewReader(metaData))
	if err != nil {
		return nil, errors.Annotate(err, "reading metadata.yaml")
	}
	configData, err := readCharmFile(ctx.CharmDir, "config.yaml", gunicorncharm.ConfigYAML)
	if err != nil {
		return nil, errors.Trace(err)
	}
	charmConfig, err := charm.ReadConfig(bytes.NewReader(configData))
	if err != nil {
		return nil, errors.Annotate(err, "reading config.yaml")
	}

	installer, err := packaging.NewInstaller(packaging.Config{
		Runner: r,
		Clock:  clock.WallClock,
		Proxy:  ctx.Proxy,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	c, err := gunicorn.NewCharm(gunicorn.Config{
		Meta:      meta,
		Options:   charmConfig,
		Tools:     tools,
		Installer: installer,
		Renderer:  render.NewRenderer(ctx.CharmDir, gunicorncharm.Templates()),
		Legacy: gunicorn.LegacyCleanup{
			Service: sysvinit.NewService(legacyServiceName, r),
		},
		ResolveInitSystem: func(option string) (string, error) {
			return service.ResolveInitSystem(option, r)
		},
		NewService: func(initSystem, name string) (service.Service, error) {
			return service.NewService(initSystem, name, r)
		},
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	registry := hook.NewRegistry()
	if err := c.Register(registry); err != nil {
		return nil, errors.Trace(err)
	}
	return registry, nil
}

// readCharmFile returns the named file from the charm directory, or the
// copy compiled into the binary when the directory does not have one.
func readCharmFile(charmDir, name string, builtin []byte) ([]byte, error) {
	if charmDir == "" {
		return builtin, nil
	}
	data, err := os.ReadFile(filepath.Join(charmDir, name))
	if os.IsNotExist(err) {
		return builtin, nil
	}
	return data, errors.Annotatef(err, "reading %s", name)
}
