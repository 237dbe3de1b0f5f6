// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package gunicorn

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"github.com/juju/errors"

	"github.com/juju/gunicorn-charm/internal/charm"
)

// Keys of the settings the merge treats specially.
const (
	keyUnitName     = "unit_name"
	keyProjectName  = "project_name"
	keyWorkingDir   = "working_dir"
	keyWorkers      = "wsgi_workers"
	keyWorkerClass  = "wsgi_worker_class"
	keyEnvExtra     = "env_extra"
	keyWSGIExtra    = "wsgi_extra"
	keyAccessFormat = "wsgi_access_logformat"
	keyPort         = "port"
	keyInitSystem   = "init_system"
)

// Logger is the logging the hooks do. A loggo.Logger satisfies it.
type Logger interface {
	Debugf(message string, args ...interface{})
	Infof(message string, args ...interface{})
	Warningf(message string, args ...interface{})
}

// Merger builds the settings a unit file is rendered from.
type Merger struct {
	// Options types the settings. Without it values are used as given.
	Options *charm.Config

	// NumCPU defaults to runtime.NumCPU.
	NumCPU func() int

	// Logger defaults to the package logger.
	Logger Logger
}

func (m Merger) numCPU() int {
	if m.NumCPU != nil {
		return m.NumCPU()
	}
	return runtime.NumCPU()
}

func (m Merger) logger() Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return logger
}

// coerce converts value to the type of the named option. Values that are
// not options, or do not convert, are returned unchanged.
func (m Merger) coerce(name string, value interface{}) interface{} {
	if m.Options == nil || value == nil {
		return value
	}
	v, err := m.Options.Coerce(name, value)
	if errors.Is(err, errors.NotFound) {
		return value
	} else if err != nil {
		m.logger().Warningf("using %s as given: %v", name, err)
		return value
	}
	return v
}

// Normalize returns settings with every option value converted to the
// option's type, as reported by config-get.
func (m Merger) Normalize(raw map[string]interface{}) charm.Settings {
	out := make(charm.Settings, len(raw))
	for name, value := range raw {
		out[name] = m.coerce(name, value)
	}
	return out
}

// Merge returns defaults overlaid with computed values and then with the
// relation's values. Only keys already present take a relation value;
// other relation keys are ignored. The worker count, env_extra, wsgi_extra
// and the access log format are then put in their rendered form.
func (m Merger) Merge(defaults charm.Settings, relation map[string]string, computed charm.Settings) charm.Settings {
	result := defaults.Copy()
	for key, value := range computed {
		result[key] = value
	}
	for key, value := range relation {
		if _, ok := result[key]; !ok {
			continue
		}
		result[key] = m.coerce(key, value)
	}

	if isZero(result[keyWorkers]) {
		result[keyWorkers] = int64(m.numCPU() + 1)
	}
	result[keyEnvExtra] = ParseEnvExtra(stringValue(result[keyEnvExtra]))
	result[keyWSGIExtra] = ParseWSGIExtra(stringValue(result[keyWSGIExtra]))
	if format, ok := result[keyAccessFormat].(string); ok {
		result[keyAccessFormat] = strings.ReplaceAll(format, `"`, `\"`)
	}
	return result
}

// isZero reports whether v is numerically zero.
func isZero(v interface{}) bool {
	switch v := v.(type) {
	case int:
		return v == 0
	case int64:
		return v == 0
	case float64:
		return v == 0
	case json.Number:
		return isZero(string(v))
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		return err == nil && i == 0
	}
	return false
}

func stringValue(v interface{}) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	}
	return fmt.Sprint(v)
}

// intValue returns v as an int.
func intValue(name string, v interface{}) (int, error) {
	switch v := v.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v == float64(int(v)) {
			return int(v), nil
		}
	case json.Number:
		return intValue(name, string(v))
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(v))
		if err == nil {
			return i, nil
		}
	}
	return 0, errors.NotValidf("%s %v", name, v)
}

// portValue returns v as a port number gunicorn can bind.
func portValue(v interface{}) (int, error) {
	port, err := intValue(keyPort, v)
	if err != nil {
		return 0, errors.Trace(err)
	}
	if port < 1 || port > 65535 {
		return 0, errors.NotValidf("port %d", port)
	}
	return port, nil
}

// workerPackages holds the OS package each gunicorn worker class needs.
var workerPackages = map[string]string{
	"eventlet": "python-eventlet",
	"gevent":   "python-gevent",
	"tornado":  "python-tornado",
}

// ExtraPackage returns the OS package the worker class needs, if any.
func ExtraPackage(workerClass string) (string, bool) {
	pkg, ok := workerPackages[workerClass]
	return pkg, ok
}
