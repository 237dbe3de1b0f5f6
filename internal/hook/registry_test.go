// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package hook_test

import (
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/gunicorn-charm/internal/hook"
)

type RegistrySuite struct {
	stub *testing.Stub
	ctx  *hook.Context
}

var _ = gc.Suite(&RegistrySuite{})

func (s *RegistrySuite) SetUpTest(c *gc.C) {
	s.stub = &testing.Stub{}
	s.ctx = &hook.Context{UnitName: "gunicorn/0"}
}

func (s *RegistrySuite) handler(name string) hook.HookFunc {
	return func(ctx *hook.Context) error {
		s.stub.AddCall(name, ctx.UnitName)
		return s.stub.NextErr()
	}
}

func (s *RegistrySuite) TestExecute(c *gc.C) {
	r := hook.NewRegistry()
	c.Assert(r.Register(s.handler("install"), "install", "upgrade-charm"), jc.ErrorIsNil)
	c.Assert(r.Register(s.handler("configure"), "config-changed"), jc.ErrorIsNil)
	c.Check(r.Names(), jc.DeepEquals, []string{"config-changed", "install", "upgrade-charm"})

	c.Assert(r.Execute("upgrade-charm", s.ctx), jc.ErrorIsNil)
	c.Assert(r.Execute("config-changed", s.ctx), jc.ErrorIsNil)
	s.stub.CheckCalls(c, []testing.StubCall{
		{FuncName: "install", Args: []interface{}{"gunicorn/0"}},
		{FuncName: "configure", Args: []interface{}{"gunicorn/0"}},
	})
}

func (s *RegistrySuite) TestExecuteUnknown(c *gc.C) {
	r := hook.NewRegistry()
	err := r.Execute("start", s.ctx)
	c.Assert(err, gc.ErrorMatches, `hook "start" not found`)
	c.Check(errors.Is(err, errors.NotFound), jc.IsTrue)
}

func (s *RegistrySuite) TestExecuteError(c *gc.C) {
	r := hook.NewRegistry()
	c.Assert(r.Register(s.handler("install"), "install"), jc.ErrorIsNil)
	s.stub.SetErrors(errors.New("apt-get exploded"))

	err := r.Execute("install", s.ctx)
	c.Assert(err, gc.ErrorMatches, `hook "install": apt-get exploded`)
}

func (s *RegistrySuite) TestRegisterDuplicate(c *gc.C) {
	r := hook.NewRegistry()
	c.Assert(r.Register(s.handler("a"), "install"), jc.ErrorIsNil)
	err := r.Register(s.handler("b"), "config-changed", "install")
	c.Assert(err, gc.ErrorMatches, `hook "install" already exists`)
	c.Check(errors.Is(err, errors.AlreadyExists), jc.IsTrue)
	// Nothing from the failed call is registered.
	c.Check(r.Names(), jc.DeepEquals, []string{"install"})
}

func (s *RegistrySuite) TestRegisterInvalid(c *gc.C) {
	r := hook.NewRegistry()
	c.Check(r.Register(nil, "install"), gc.ErrorMatches, "nil hook function not valid")
	c.Check(r.Register(s.handler("a"), ""), gc.ErrorMatches, "empty hook name not valid")
}
