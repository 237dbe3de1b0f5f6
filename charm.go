// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package gunicorncharm holds the charm directory content that is compiled
// into the hook binary, so a hook can run before the charm directory is
// fully populated and tests can run without one.
package gunicorncharm

import (
	"embed"
	"io/fs"
)

var (
	// ConfigYAML is the charm's option schema.
	//
	//go:embed config.yaml
	ConfigYAML []byte

	// MetadataYAML is the charm's metadata.
	//
	//go:embed metadata.yaml
	MetadataYAML []byte

	//go:embed templates/*.tmpl
	templates embed.FS
)

// Templates returns the unit file templates shipped with the charm, rooted
// at the templates directory.
func Templates() fs.FS {
	sub, err := fs.Sub(templates, "templates")
	if err != nil {
		// The embedded directory always exists.
		panic(err)
	}
	return sub
}
