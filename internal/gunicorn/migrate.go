// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package gunicorn

import (
	"os"
	"path/filepath"

	"github.com/juju/errors"
)

// LegacyConfigGlob matches the per-application config files written by
// releases of the charm that ran every application under one SysV
// gunicorn service.
const LegacyConfigGlob = "/etc/gunicorn.d/*.conf"

// LegacyService is the single gunicorn service old releases used.
type LegacyService interface {
	Stop() error
	Disable() error
}

// LegacyCleanup retires the layout of old charm releases.
type LegacyCleanup struct {
	// ConfigGlob defaults to LegacyConfigGlob.
	ConfigGlob string

	Service LegacyService
}

// Run stops the legacy service when any legacy config exists, deletes the
// config files and disables the legacy init script. Failing to stop the
// service or delete a file is logged and otherwise ignored.
func (l LegacyCleanup) Run() error {
	pattern := l.ConfigGlob
	if pattern == "" {
		pattern = LegacyConfigGlob
	}
	files, err := filepath.Glob(pattern)
	if err != nil {
		return errors.Annotatef(err, "finding legacy config")
	}
	if len(files) > 0 {
		logger.Infof("stopping system gunicorn service")
		if err := l.Service.Stop(); err != nil {
			logger.Debugf("cannot stop system gunicorn service: %v", err)
		}
	}
	for _, file := range files {
		logger.Infof("removing old gunicorn config: %s", file)
		if err := os.Remove(file); err != nil {
			logger.Warningf("cannot remove %s: %v", file, err)
		}
	}
	return errors.Annotate(l.Service.Disable(), "disabling system gunicorn service")
}
