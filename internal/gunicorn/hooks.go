// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package gunicorn implements the hooks of the gunicorn charm: it installs
// gunicorn, renders a unit file for the application related over the
// wsgi interface and keeps the service running with the merged settings.
package gunicorn

import (
	"os"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/juju/gunicorn-charm/internal/charm"
	"github.com/juju/gunicorn-charm/internal/hook"
	"github.com/juju/gunicorn-charm/internal/render"
	"github.com/juju/gunicorn-charm/internal/service"
)

var logger = loggo.GetLogger("gunicorn.charm")

// BasePackages are installed by the install and upgrade-charm hooks.
var BasePackages = []string{"gunicorn"}

// WSGIInterface is the relation interface an application offers its WSGI
// entry point over.
const WSGIInterface = "wsgi"

// Installer installs OS packages.
type Installer interface {
	Update() error
	Install(packages ...string) error
}

// Renderer renders a template to a file.
type Renderer interface {
	RenderFile(name string, vars map[string]interface{}, dest string, checks ...render.Check) error
}

// Config holds the dependencies of a Charm.
type Config struct {
	Meta    *charm.Meta
	Options *charm.Config

	Tools     hook.Tools
	Installer Installer
	Renderer  Renderer
	Legacy    LegacyCleanup

	// ResolveInitSystem maps the init_system option to an init system.
	ResolveInitSystem func(option string) (string, error)

	// NewService returns the named service for an init system.
	NewService func(initSystem, name string) (service.Service, error)

	// NumCPU defaults to runtime.NumCPU.
	NumCPU func() int

	// Logger defaults to the package logger.
	Logger Logger
}

// Validate checks the config has everything a Charm needs.
func (c Config) Validate() error {
	if c.Meta == nil {
		return errors.NotValidf("nil Meta")
	}
	if c.Tools == nil {
		return errors.NotValidf("nil Tools")
	}
	if c.Installer == nil {
		return errors.NotValidf("nil Installer")
	}
	if c.Renderer == nil {
		return errors.NotValidf("nil Renderer")
	}
	if c.Legacy.Service == nil {
		return errors.NotValidf("nil Legacy.Service")
	}
	if c.ResolveInitSystem == nil {
		return errors.NotValidf("nil ResolveInitSystem")
	}
	if c.NewService == nil {
		return errors.NotValidf("nil NewService")
	}
	return nil
}

// Charm handles the hooks of the gunicorn charm.
type Charm struct {
	config    Config
	merger    Merger
	logger    Logger
	relations []string
}

// NewCharm returns a Charm using config.
func NewCharm(config Config) (*Charm, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	relations := config.Meta.RequiredRelationsForInterface(WSGIInterface)
	if len(relations) == 0 {
		return nil, errors.NotFoundf("relation with interface %q in charm %q", WSGIInterface, config.Meta.Name)
	}
	log := config.Logger
	if log == nil {
		log = logger
	}
	return &Charm{
		config: config,
		logger: log,
		merger: Merger{
			Options: config.Options,
			NumCPU:  config.NumCPU,
			Logger:  log,
		},
		relations: relations,
	}, nil
}

// Register adds the charm's hooks to r.
func (c *Charm) Register(r *hook.Registry) error {
	configure := []string{"config-changed"}
	var broken []string
	for _, name := range c.relations {
		configure = append(configure, name+"-relation-joined", name+"-relation-changed")
		broken = append(broken, name+"-relation-broken")
	}
	for _, h := range []struct {
		fn    hook.HookFunc
		names []string
	}{
		{c.Install, []string{"install"}},
		{c.Upgrade, []string{"upgrade-charm"}},
		{c.Configure, configure},
		{c.RelationBroken, broken},
	} {
		if err := r.Register(h.fn, h.names...); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// Install installs gunicorn.
func (c *Charm) Install(*hook.Context) error {
	return errors.Trace(c.ensurePackages())
}

// Upgrade installs gunicorn and retires what older charm releases left
// behind.
func (c *Charm) Upgrade(*hook.Context) error {
	if err := c.ensurePackages(); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(c.config.Legacy.Run())
}

func (c *Charm) ensurePackages() error {
	if err := c.config.Installer.Update(); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(c.config.Installer.Install(BasePackages...))
}

func (c *Charm) settings() (charm.Settings, error) {
	raw, err := c.config.Tools.ConfigGet()
	if err != nil {
		return nil, errors.Annotate(err, "reading charm config")
	}
	return c.merger.Normalize(raw), nil
}

func (c *Charm) service(ctx *hook.Context, settings charm.Settings) (service.Service, string, error) {
	initSystem, err := c.config.ResolveInitSystem(stringValue(settings[keyInitSystem]))
	if err != nil {
		return nil, "", errors.Trace(err)
	}
	svc, err := c.config.NewService(initSystem, ctx.ServiceName())
	if err != nil {
		return nil, "", errors.Trace(err)
	}
	return svc, initSystem, nil
}

// Configure renders the unit file for the related application and makes
// the service run with it. Without a related application, or before it
// has published its working directory, there is nothing to do.
func (c *Charm) Configure(ctx *hook.Context) error {
	settings, err := c.settings()
	if err != nil {
		return errors.Trace(err)
	}
	relations, err := hook.RelationsOfType(c.config.Tools, c.relations[0])
	if err != nil {
		return errors.Trace(err)
	}
	if len(relations) == 0 {
		c.logger.Infof("No %s relation, nothing to do", c.relations[0])
		return nil
	}
	relation := relations[0].Settings
	workingDir := relation[keyWorkingDir]
	if workingDir == "" {
		c.logger.Debugf("%s has not set %s yet", relations[0].Unit, keyWorkingDir)
		return nil
	}

	name := ctx.ServiceName()
	merged := c.merger.Merge(settings, relation, charm.Settings{
		keyUnitName:    name,
		keyWorkingDir:  workingDir,
		keyProjectName: name,
	})
	port, err := portValue(merged[keyPort])
	if err != nil {
		return errors.Trace(err)
	}

	if pkg, ok := ExtraPackage(stringValue(merged[keyWorkerClass])); ok {
		if err := c.config.Installer.Install(pkg); err != nil {
			return errors.Trace(err)
		}
	}

	svc, initSystem, err := c.service(ctx, merged)
	if err != nil {
		return errors.Trace(err)
	}
	if err := c.config.Renderer.RenderFile(svc.Template(), merged, svc.ConfPath(), svc.Validate); err != nil {
		return errors.Trace(err)
	}
	c.logger.Infof("written gunicorn %s config to %s", initSystem, svc.ConfPath())

	// A unit file written for another init system would start a second
	// gunicorn on the same port.
	if err := c.removeOtherUnits(ctx, initSystem); err != nil {
		return errors.Trace(err)
	}
	if err := svc.Refresh(); err != nil {
		return errors.Trace(err)
	}
	// The application's code or config may have changed under the same
	// unit file, so the workers are always cycled.
	if err := svc.ReloadOrRestart(); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(c.syncPorts(&hook.Port{Number: port, Protocol: "tcp"}))
}

// RelationBroken stops the service, removes its unit file and closes its
// port. The relation's settings are gone by now, so unit files written for
// any init system and every port the unit opened are cleaned up.
func (c *Charm) RelationBroken(ctx *hook.Context) error {
	settings, err := c.settings()
	if err != nil {
		return errors.Trace(err)
	}
	svc, initSystem, err := c.service(ctx, settings)
	if err != nil {
		return errors.Trace(err)
	}
	if err := svc.Stop(); err != nil {
		return errors.Trace(err)
	}
	if err := svc.Remove(); err != nil {
		return errors.Trace(err)
	}
	if err := svc.Refresh(); err != nil {
		return errors.Trace(err)
	}
	c.logger.Infof("removed gunicorn %s config", initSystem)

	if err := c.removeOtherUnits(ctx, initSystem); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(c.syncPorts(nil))
}

// removeOtherUnits stops and removes the unit files written for init
// systems other than current. Failing to stop or refresh is only logged.
func (c *Charm) removeOtherUnits(ctx *hook.Context, current string) error {
	for _, initSystem := range service.InitSystems {
		if initSystem == current {
			continue
		}
		svc, err := c.config.NewService(initSystem, ctx.ServiceName())
		if err != nil {
			return errors.Trace(err)
		}
		if _, err := os.Stat(svc.ConfPath()); os.IsNotExist(err) {
			continue
		} else if err != nil {
			return errors.Trace(err)
		}
		if err := svc.Stop(); err != nil {
			c.logger.Warningf("cannot stop %s service %s: %v", initSystem, svc.Name(), err)
		}
		if err := svc.Remove(); err != nil {
			return errors.Trace(err)
		}
		if err := svc.Refresh(); err != nil {
			c.logger.Warningf("cannot refresh %s: %v", initSystem, err)
		}
		c.logger.Infof("removed gunicorn %s config", initSystem)
	}
	return nil
}

// syncPorts closes every port the unit opened other than keep, then opens
// keep. A nil keep closes them all.
func (c *Charm) syncPorts(keep *hook.Port) error {
	opened, err := c.config.Tools.OpenedPorts()
	if err != nil {
		return errors.Trace(err)
	}
	for _, port := range opened {
		if keep != nil && port == *keep {
			continue
		}
		if err := c.config.Tools.ClosePort(port.Number, port.Protocol); err != nil {
			return errors.Trace(err)
		}
	}
	if keep == nil {
		return nil
	}
	return errors.Trace(c.config.Tools.OpenPort(keep.Number, keep.Protocol))
}
