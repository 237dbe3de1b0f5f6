// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package render fills in the charm's file templates and writes the
// results in place.
package render

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/utils/v4"
)

var logger = loggo.GetLogger("gunicorn.charm.render")

// Check inspects rendered content before it is written.
type Check func(content []byte) error

// Renderer renders templates from the charm directory, falling back to a
// built-in set.
type Renderer struct {
	overrides fs.FS
	builtin   fs.FS
	perm      os.FileMode
}

// NewRenderer returns a Renderer that looks templates up in
// charmDir/templates first and then in builtin. An empty charmDir disables
// the lookup on disk.
func NewRenderer(charmDir string, builtin fs.FS) *Renderer {
	r := &Renderer{builtin: builtin, perm: 0644}
	if charmDir != "" {
		r.overrides = os.DirFS(filepath.Join(charmDir, "templates"))
	}
	return r
}

var funcs = template.FuncMap{
	"systemdEscape":     systemdEscape,
	"systemdSpecifiers": systemdSpecifiers,
	"systemdEnv":        systemdEnv,
}

var (
	systemdExecEscaper      = strings.NewReplacer("%", "%%", "$", "$$")
	systemdSpecifierEscaper = strings.NewReplacer("%", "%%")
)

// systemdEscape protects v from specifier and variable expansion in a
// systemd Exec line.
func systemdEscape(v interface{}) string {
	return systemdExecEscaper.Replace(fmt.Sprint(v))
}

// systemdSpecifiers protects v from specifier expansion in a systemd
// setting that does not expand variables.
func systemdSpecifiers(v interface{}) string {
	return systemdSpecifierEscaper.Replace(fmt.Sprint(v))
}

// systemdEnv returns a quoted Environment= assignment of value to name.
func systemdEnv(name, value interface{}) string {
	return strconv.Quote(systemdSpecifiers(fmt.Sprintf("%v=%v", name, value)))
}

func (r *Renderer) source(name string) ([]byte, error) {
	if r.overrides != nil {
		data, err := fs.ReadFile(r.overrides, name)
		if err == nil {
			logger.Debugf("using template %q from the charm directory", name)
			return data, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, errors.Annotatef(err, "reading template %q", name)
		}
	}
	if r.builtin == nil {
		return nil, errors.NotFoundf("template %q", name)
	}
	data, err := fs.ReadFile(r.builtin, name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errors.NotFoundf("template %q", name)
	}
	return data, errors.Annotatef(err, "reading template %q", name)
}

// Render executes the named template with vars. Every key the template
// refers to must be present in vars.
func (r *Renderer) Render(name string, vars map[string]interface{}) ([]byte, error) {
	source, err := r.source(name)
	if err != nil {
		return nil, errors.Trace(err)
	}
	t, err := template.New(name).Option("missingkey=error").Funcs(funcs).Parse(string(source))
	if err != nil {
		return nil, errors.Annotatef(err, "parsing template %q", name)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, vars); err != nil {
		return nil, errors.Annotatef(err, "rendering template %q", name)
	}
	return buf.Bytes(), nil
}

// RenderFile renders the named template and atomically replaces dest with
// the result once every check passes. On any failure dest is left as it
// was.
func (r *Renderer) RenderFile(name string, vars map[string]interface{}, dest string, checks ...Check) error {
	content, err := r.Render(name, vars)
	if err != nil {
		return errors.Trace(err)
	}
	for _, check := range checks {
		if err := check(content); err != nil {
			return errors.Annotatef(err, "checking %s", dest)
		}
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return errors.Trace(err)
	}
	if err := utils.AtomicWriteFile(dest, content, r.perm); err != nil {
		return errors.Annotatef(err, "writing %s", dest)
	}
	logger.Infof("rendered %s", dest)
	return nil
}
