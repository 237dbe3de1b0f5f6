// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package gunicorn_test

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	gunicorncharm "github.com/juju/gunicorn-charm"
	"github.com/juju/gunicorn-charm/internal/charm"
	"github.com/juju/gunicorn-charm/internal/gunicorn"
	"github.com/juju/gunicorn-charm/internal/hook"
	hooktesting "github.com/juju/gunicorn-charm/internal/hook/testing"
	"github.com/juju/gunicorn-charm/internal/render"
	"github.com/juju/gunicorn-charm/internal/service"
)

const (
	serviceName = "some_juju_service"
	workingDir  = "/some_path"
	confPath    = "/etc/init/some_juju_service.conf"
)

type HooksSuite struct {
	testing.IsolationSuite

	stub      *testing.Stub
	options   *charm.Config
	meta      *charm.Meta
	tools     *hooktesting.Tools
	renderer  *stubRenderer
	service   *stubService
	systemd   *stubService
	logger    *recordingLogger
	legacyDir string
	ctx       *hook.Context
	relation  map[string]string
}

var _ = gc.Suite(&HooksSuite{})

func (s *HooksSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	var err error
	s.options, err = charm.ReadConfig(bytes.NewReader(gunicorncharm.ConfigYAML))
	c.Assert(err, jc.ErrorIsNil)
	s.meta, err = charm.ReadMeta(bytes.NewReader(gunicorncharm.MetadataYAML))
	c.Assert(err, jc.ErrorIsNil)

	s.stub = &testing.Stub{}
	s.tools = hooktesting.NewTools(s.options.DefaultSettings())
	s.tools.Stub = s.stub
	s.relation = map[string]string{"working_dir": workingDir}
	s.tools.AddRelationUnit("wsgi-file:1", "wsgi-file", "django/0", s.relation)

	s.renderer = &stubRenderer{Stub: s.stub}
	s.service = &stubService{Stub: s.stub, name: serviceName, confPath: confPath}
	s.systemd = &stubService{
		Stub:     s.stub,
		name:     serviceName,
		confPath: filepath.Join(c.MkDir(), serviceName+".service"),
	}
	s.logger = &recordingLogger{}
	s.legacyDir = c.MkDir()
	s.ctx = &hook.Context{UnitName: "some-juju-service/0"}
}

func (s *HooksSuite) newCharm(c *gc.C) *gunicorn.Charm {
	ch, err := gunicorn.NewCharm(gunicorn.Config{
		Meta:      s.meta,
		Options:   s.options,
		Tools:     s.tools,
		Installer: &stubInstaller{Stub: s.stub},
		Renderer:  s.renderer,
		Legacy: gunicorn.LegacyCleanup{
			ConfigGlob: filepath.Join(s.legacyDir, "*.conf"),
			Service:    &stubLegacyService{Stub: s.stub},
		},
		ResolveInitSystem: func(option string) (string, error) {
			s.stub.AddCall("ResolveInitSystem", option)
			return service.InitSystemUpstart, s.stub.NextErr()
		},
		NewService: func(initSystem, name string) (service.Service, error) {
			s.stub.AddCall("NewService", initSystem, name)
			if initSystem == service.InitSystemSystemd {
				return s.systemd, s.stub.NextErr()
			}
			return s.service, s.stub.NextErr()
		},
		NumCPU: func() int { return 1 },
		Logger: s.logger,
	})
	c.Assert(err, jc.ErrorIsNil)
	return ch
}

// defaultContext returns the settings rendered when the relation only
// supplies a working directory.
func (s *HooksSuite) defaultContext() map[string]interface{} {
	expected := map[string]interface{}(s.options.DefaultSettings())
	expected["unit_name"] = serviceName
	expected["working_dir"] = workingDir
	expected["project_name"] = serviceName
	expected["wsgi_workers"] = int64(2)
	expected["env_extra"] = []gunicorn.EnvVar{}
	expected["wsgi_extra"] = ""
	format := expected["wsgi_access_logformat"].(string)
	expected["wsgi_access_logformat"] = strings.ReplaceAll(format, `"`, `\"`)
	return expected
}

var configureCalls = []string{
	"ConfigGet", "RelationIDs", "RelationList", "RelationGet",
	"ResolveInitSystem", "NewService", "RenderFile", "NewService",
	"Refresh", "ReloadOrRestart", "OpenedPorts", "OpenPort",
}

func (s *HooksSuite) assertConfigApplied(c *gc.C, expected map[string]interface{}) {
	var rendered []interface{}
	for _, call := range s.stub.Calls() {
		if call.FuncName == "RenderFile" {
			rendered = call.Args
		}
	}
	c.Assert(rendered, gc.HasLen, 3)
	c.Check(rendered[0], gc.Equals, "upstart.tmpl")
	c.Check(rendered[1], jc.DeepEquals, expected)
	c.Check(rendered[2], gc.Equals, confPath)
}

func (s *HooksSuite) TestRegister(c *gc.C) {
	r := hook.NewRegistry()
	c.Assert(s.newCharm(c).Register(r), jc.ErrorIsNil)
	c.Check(r.Names(), jc.DeepEquals, []string{
		"config-changed",
		"install",
		"upgrade-charm",
		"wsgi-file-relation-broken",
		"wsgi-file-relation-changed",
		"wsgi-file-relation-joined",
	})
}

func (s *HooksSuite) TestNewCharmWithoutWSGIRelation(c *gc.C) {
	meta, err := charm.ReadMeta(strings.NewReader(`
name: other
summary: s
description: d
requires:
  db:
    interface: pgsql
`))
	c.Assert(err, jc.ErrorIsNil)
	_, err = gunicorn.NewCharm(gunicorn.Config{
		Meta:              meta,
		Tools:             s.tools,
		Installer:         &stubInstaller{Stub: s.stub},
		Renderer:          s.renderer,
		Legacy:            gunicorn.LegacyCleanup{Service: &stubLegacyService{Stub: s.stub}},
		ResolveInitSystem: func(string) (string, error) { return "", nil },
		NewService:        func(string, string) (service.Service, error) { return nil, nil },
	})
	c.Assert(err, gc.ErrorMatches, `relation with interface "wsgi" in charm "other" not found`)
}

func (s *HooksSuite) TestNewCharmValidates(c *gc.C) {
	_, err := gunicorn.NewCharm(gunicorn.Config{Meta: s.meta})
	c.Assert(err, gc.ErrorMatches, "nil Tools not valid")
	c.Check(errors.Is(err, errors.NotValid), jc.IsTrue)
}

func (s *HooksSuite) TestInstall(c *gc.C) {
	err := s.newCharm(c).Install(s.ctx)
	c.Assert(err, jc.ErrorIsNil)
	s.stub.CheckCalls(c, []testing.StubCall{
		{FuncName: "Update"},
		{FuncName: "Install", Args: []interface{}{[]string{"gunicorn"}}},
	})
}

func (s *HooksSuite) TestInstallUpdateFails(c *gc.C) {
	s.stub.SetErrors(errBoom)
	err := s.newCharm(c).Install(s.ctx)
	c.Assert(err, gc.ErrorMatches, "boom")
	s.stub.CheckCallNames(c, "Update")
}

func (s *HooksSuite) TestUpgrade(c *gc.C) {
	legacyConf := filepath.Join(s.legacyDir, "unit.conf")
	err := os.WriteFile(legacyConf, []byte("CONFIG = {}\n"), 0644)
	c.Assert(err, jc.ErrorIsNil)
	// Failing to stop the legacy service does not fail the hook.
	s.stub.SetErrors(nil, nil, errBoom)

	err = s.newCharm(c).Upgrade(s.ctx)
	c.Assert(err, jc.ErrorIsNil)
	s.stub.CheckCallNames(c, "Update", "Install", "LegacyStop", "LegacyDisable")
	_, err = os.Stat(legacyConf)
	c.Check(os.IsNotExist(err), jc.IsTrue)
}

func (s *HooksSuite) TestUpgradeWithoutLegacyConfig(c *gc.C) {
	err := s.newCharm(c).Upgrade(s.ctx)
	c.Assert(err, jc.ErrorIsNil)
	s.stub.CheckCallNames(c, "Update", "Install", "LegacyDisable")
}

func (s *HooksSuite) TestConfigureDefault(c *gc.C) {
	err := s.newCharm(c).Configure(s.ctx)
	c.Assert(err, jc.ErrorIsNil)

	s.stub.CheckCallNames(c, configureCalls...)
	s.stub.CheckCall(c, 4, "ResolveInitSystem", "auto")
	s.stub.CheckCall(c, 5, "NewService", "upstart", serviceName)
	s.assertConfigApplied(c, s.defaultContext())
	s.tools.CheckPorts(c, "8080/tcp")
	c.Check(s.logger.messages, jc.DeepEquals, []string{"INFO: written gunicorn upstart config to " + confPath})
}

func (s *HooksSuite) TestConfigureNoRelations(c *gc.C) {
	delete(s.tools.Relations, "wsgi-file:1")
	err := s.newCharm(c).Configure(s.ctx)
	c.Assert(err, jc.ErrorIsNil)

	s.stub.CheckCallNames(c, "ConfigGet", "RelationIDs")
	c.Check(s.logger.messages, jc.DeepEquals, []string{"INFO: No wsgi-file relation, nothing to do"})
}

func (s *HooksSuite) TestConfigureNoWorkingDir(c *gc.C) {
	delete(s.relation, "working_dir")
	err := s.newCharm(c).Configure(s.ctx)
	c.Assert(err, jc.ErrorIsNil)

	s.stub.CheckCallNames(c, "ConfigGet", "RelationIDs", "RelationList", "RelationGet")
	s.tools.CheckPorts(c)
}

func (s *HooksSuite) TestConfigureRelationData(c *gc.C) {
	s.relation["port"] = "9999"
	s.relation["wsgi_workers"] = "1"
	s.relation["unknown"] = "value"

	err := s.newCharm(c).Configure(s.ctx)
	c.Assert(err, jc.ErrorIsNil)

	// No worker class package is needed.
	s.stub.CheckCallNames(c, configureCalls...)
	expected := s.defaultContext()
	expected["wsgi_workers"] = int64(1)
	expected["port"] = int64(9999)
	s.assertConfigApplied(c, expected)
	s.tools.CheckPorts(c, "9999/tcp")
}

func (s *HooksSuite) TestConfigureRelationZeroWorkers(c *gc.C) {
	s.relation["wsgi_workers"] = "0"
	err := s.newCharm(c).Configure(s.ctx)
	c.Assert(err, jc.ErrorIsNil)
	s.assertConfigApplied(c, s.defaultContext())
}

func (s *HooksSuite) TestConfigureBadRelationValue(c *gc.C) {
	s.relation["wsgi_timeout"] = "forever"
	err := s.newCharm(c).Configure(s.ctx)
	c.Assert(err, jc.ErrorIsNil)

	expected := s.defaultContext()
	expected["wsgi_timeout"] = "forever"
	s.assertConfigApplied(c, expected)
	c.Check(s.logger.messages[0], gc.Matches, `WARNING: using wsgi_timeout as given: .*`)
}

func (s *HooksSuite) TestConfigureEnvExtra(c *gc.C) {
	s.relation["env_extra"] = `A=1 B="2" C="3 4" D= E`
	err := s.newCharm(c).Configure(s.ctx)
	c.Assert(err, jc.ErrorIsNil)

	expected := s.defaultContext()
	expected["env_extra"] = []gunicorn.EnvVar{
		{"A", "1"},
		{"B", "2"},
		{"C", "3 4"},
		{"D", ""},
	}
	s.assertConfigApplied(c, expected)
}

func (s *HooksSuite) TestConfigureEnvExtraOldStyle(c *gc.C) {
	s.relation["env_extra"] = "'A': '1', 'B': 2"
	err := s.newCharm(c).Configure(s.ctx)
	c.Assert(err, jc.ErrorIsNil)

	expected := s.defaultContext()
	expected["env_extra"] = []gunicorn.EnvVar{{"A", "1"}, {"B", "2"}}
	s.assertConfigApplied(c, expected)
}

func (s *HooksSuite) TestConfigureWSGIExtra(c *gc.C) {
	for i, t := range []struct {
		extra    string
		expected string
	}{
		{"'--some-option',", "--some-option"},
		{"'--some-option', '--other-option',", "--some-option --other-option"},
		{"BAD PYTHON", "BAD PYTHON"},
		{"--preload --reload", "--preload --reload"},
	} {
		c.Logf("test %d: %q", i, t.extra)
		s.stub.ResetCalls()
		s.relation["wsgi_extra"] = t.extra

		err := s.newCharm(c).Configure(s.ctx)
		c.Assert(err, jc.ErrorIsNil)

		expected := s.defaultContext()
		expected["wsgi_extra"] = t.expected
		s.assertConfigApplied(c, expected)
	}
}

func (s *HooksSuite) TestConfigureWorkerClass(c *gc.C) {
	for _, workerClass := range []string{"eventlet", "gevent", "tornado"} {
		c.Logf("worker class %q", workerClass)
		s.stub.ResetCalls()
		s.relation["wsgi_worker_class"] = workerClass

		err := s.newCharm(c).Configure(s.ctx)
		c.Assert(err, jc.ErrorIsNil)

		s.stub.CheckCall(c, 4, "Install", []string{"python-" + workerClass})
		expected := s.defaultContext()
		expected["wsgi_worker_class"] = workerClass
		s.assertConfigApplied(c, expected)
	}
}

func (s *HooksSuite) TestConfigureFromConfigGetOutput(c *gc.C) {
	// config-get output is decoded with json.Number for numbers.
	s.tools.Config["wsgi_workers"] = json.Number("0")
	s.tools.Config["port"] = json.Number("8000")
	s.tools.Config["init_system"] = "systemd"

	err := s.newCharm(c).Configure(s.ctx)
	c.Assert(err, jc.ErrorIsNil)

	s.stub.CheckCall(c, 4, "ResolveInitSystem", "systemd")
	expected := s.defaultContext()
	expected["port"] = int64(8000)
	expected["init_system"] = "systemd"
	s.assertConfigApplied(c, expected)
	s.tools.CheckPorts(c, "8000/tcp")
}

func (s *HooksSuite) TestConfigureRenderFails(c *gc.C) {
	s.stub.SetErrors(nil, nil, nil, nil, nil, nil, errBoom)
	err := s.newCharm(c).Configure(s.ctx)
	c.Assert(err, gc.ErrorMatches, "boom")
	s.stub.CheckCallNames(c, configureCalls[:7]...)
	s.tools.CheckPorts(c)
}

func (s *HooksSuite) TestConfigureRestartFails(c *gc.C) {
	s.stub.SetErrors(nil, nil, nil, nil, nil, nil, nil, nil, nil, errBoom)
	err := s.newCharm(c).Configure(s.ctx)
	c.Assert(err, gc.ErrorMatches, "boom")
	s.stub.CheckCallNames(c, configureCalls[:10]...)
	s.tools.CheckPorts(c)
}

func (s *HooksSuite) TestConfigureBadRelationPort(c *gc.C) {
	for _, t := range []struct {
		port string
		err  string
	}{
		{"http", "port http not valid"},
		{"70000", "port 70000 not valid"},
		{"0", "port 0 not valid"},
	} {
		c.Logf("port %q", t.port)
		s.stub.ResetCalls()
		s.relation["port"] = t.port

		err := s.newCharm(c).Configure(s.ctx)
		c.Assert(err, gc.ErrorMatches, t.err)
		c.Check(errors.Is(err, errors.NotValid), jc.IsTrue)

		// Nothing is rendered or restarted with a port gunicorn cannot bind.
		s.stub.CheckCallNames(c, "ConfigGet", "RelationIDs", "RelationList", "RelationGet")
		s.tools.CheckPorts(c)
	}
}

func (s *HooksSuite) TestConfigureMovesPort(c *gc.C) {
	s.tools.Ports = []string{"8080/tcp"}
	s.relation["port"] = "9999"

	err := s.newCharm(c).Configure(s.ctx)
	c.Assert(err, jc.ErrorIsNil)
	s.stub.CheckCallNames(c,
		"ConfigGet", "RelationIDs", "RelationList", "RelationGet",
		"ResolveInitSystem", "NewService", "RenderFile", "NewService",
		"Refresh", "ReloadOrRestart", "OpenedPorts", "ClosePort", "OpenPort")
	s.stub.CheckCall(c, 11, "ClosePort", 8080, "tcp")
	s.tools.CheckPorts(c, "9999/tcp")
}

func (s *HooksSuite) TestConfigureKeepsOpenPort(c *gc.C) {
	s.tools.Ports = []string{"8080/tcp"}

	err := s.newCharm(c).Configure(s.ctx)
	c.Assert(err, jc.ErrorIsNil)
	s.stub.CheckCallNames(c, configureCalls...)
	s.tools.CheckPorts(c, "8080/tcp")
}

func (s *HooksSuite) TestConfigureRemovesOtherInitSystemUnit(c *gc.C) {
	err := os.WriteFile(s.systemd.confPath, []byte("[Service]\n"), 0644)
	c.Assert(err, jc.ErrorIsNil)

	err = s.newCharm(c).Configure(s.ctx)
	c.Assert(err, jc.ErrorIsNil)
	s.stub.CheckCallNames(c,
		"ConfigGet", "RelationIDs", "RelationList", "RelationGet",
		"ResolveInitSystem", "NewService", "RenderFile",
		"NewService", "Stop", "Remove", "Refresh",
		"Refresh", "ReloadOrRestart", "OpenedPorts", "OpenPort")
	s.stub.CheckCall(c, 7, "NewService", "systemd", serviceName)
	c.Check(s.logger.messages, jc.DeepEquals, []string{
		"INFO: written gunicorn upstart config to " + confPath,
		"INFO: removed gunicorn systemd config",
	})
}

func (s *HooksSuite) TestConfigureRendersUnitFile(c *gc.C) {
	s.service.confPath = filepath.Join(c.MkDir(), "init", serviceName+".conf")
	s.renderer.next = render.NewRenderer("", gunicorncharm.Templates())
	s.relation["env_extra"] = `A=1 C="3 4"`

	err := s.newCharm(c).Configure(s.ctx)
	c.Assert(err, jc.ErrorIsNil)

	data, err := os.ReadFile(s.service.confPath)
	c.Assert(err, jc.ErrorIsNil)
	content := string(data)
	c.Check(content, jc.Contains, `description "Gunicorn daemon for the some_juju_service project"`)
	c.Check(content, jc.Contains, "chdir /some_path\n")
	c.Check(content, jc.Contains, "env A=\"1\"\nenv C=\"3 4\"\n")
	c.Check(content, jc.Contains, "    --workers=2 \\\n")
	c.Check(content, jc.Contains, "    --bind=0.0.0.0:8080 \\\n")
	c.Check(content, jc.Contains, "    wsgi\n")
}

func (s *HooksSuite) TestRelationBroken(c *gc.C) {
	s.tools.Ports = []string{"8080/tcp"}
	ch := s.newCharm(c)
	err := ch.RelationBroken(s.ctx)
	c.Assert(err, jc.ErrorIsNil)

	s.stub.CheckCallNames(c,
		"ConfigGet", "ResolveInitSystem", "NewService", "Stop", "Remove", "Refresh",
		"NewService", "OpenedPorts", "ClosePort")
	s.tools.CheckPorts(c)
	c.Check(s.logger.messages, jc.DeepEquals, []string{"INFO: removed gunicorn upstart config"})

	// Running it again does no harm.
	err = ch.RelationBroken(s.ctx)
	c.Assert(err, jc.ErrorIsNil)
}

func (s *HooksSuite) TestRelationBrokenClosesRelationPort(c *gc.C) {
	s.relation["port"] = "9999"
	ch := s.newCharm(c)

	err := ch.Configure(s.ctx)
	c.Assert(err, jc.ErrorIsNil)
	s.tools.CheckPorts(c, "9999/tcp")

	// The relation settings are no longer readable once it is broken.
	delete(s.tools.Relations, "wsgi-file:1")
	err = ch.RelationBroken(s.ctx)
	c.Assert(err, jc.ErrorIsNil)
	s.tools.CheckPorts(c)
}

func (s *HooksSuite) TestRelationBrokenRemovesOtherInitSystemUnit(c *gc.C) {
	err := os.WriteFile(s.systemd.confPath, []byte("[Service]\n"), 0644)
	c.Assert(err, jc.ErrorIsNil)
	// Failing to stop the other service does not fail the hook.
	s.stub.SetErrors(nil, nil, nil, nil, nil, nil, nil, errBoom)

	err = s.newCharm(c).RelationBroken(s.ctx)
	c.Assert(err, jc.ErrorIsNil)
	s.stub.CheckCallNames(c,
		"ConfigGet", "ResolveInitSystem", "NewService", "Stop", "Remove", "Refresh",
		"NewService", "Stop", "Remove", "Refresh", "OpenedPorts")
	c.Check(s.logger.messages, jc.DeepEquals, []string{
		"INFO: removed gunicorn upstart config",
		"WARNING: cannot stop systemd service some_juju_service: boom",
		"INFO: removed gunicorn systemd config",
	})
}

func (s *HooksSuite) TestRelationBrokenStopFails(c *gc.C) {
	s.stub.SetErrors(nil, nil, nil, errBoom)
	err := s.newCharm(c).RelationBroken(s.ctx)
	c.Assert(err, gc.ErrorMatches, "boom")
	s.stub.CheckCallNames(c, "ConfigGet", "ResolveInitSystem", "NewService", "Stop")
}

func (s *HooksSuite) TestExecuteThroughRegistry(c *gc.C) {
	r := hook.NewRegistry()
	c.Assert(s.newCharm(c).Register(r), jc.ErrorIsNil)

	err := r.Execute("wsgi-file-relation-changed", s.ctx)
	c.Assert(err, jc.ErrorIsNil)
	s.stub.CheckCallNames(c, configureCalls...)

	err = r.Execute("start", s.ctx)
	c.Check(errors.Is(err, errors.NotFound), jc.IsTrue)
}
