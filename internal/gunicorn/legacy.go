// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package gunicorn

import (
	"regexp"
	"strings"

	"github.com/juju/errors"
	"github.com/kballard/go-shellquote"
)

// EnvVar is one extra environment variable for the gunicorn process.
type EnvVar struct {
	Name  string
	Value string
}

// envExtraFormats are tried in order; the first to succeed wins. Earlier
// releases of the charm took env_extra as the body of a Python dict,
// later ones as shell words.
var envExtraFormats = []struct {
	name  string
	parse func(string) ([]EnvVar, error)
}{
	{"dict literal", parseEnvDict},
	{"shell words", parseEnvWords},
}

// ParseEnvExtra decodes the env_extra option into an ordered list of
// variables. It never fails: input that no format accepts yields an empty
// list.
func ParseEnvExtra(text string) []EnvVar {
	for _, format := range envExtraFormats {
		vars, err := format.parse(text)
		if err != nil {
			logger.Tracef("env_extra is not a %s: %v", format.name, err)
			continue
		}
		logger.Debugf("env_extra parsed as %s", format.name)
		return validEnvVars(vars)
	}
	logger.Warningf("cannot parse env_extra %q, ignoring it", text)
	return []EnvVar{}
}

// envNameRE matches the variable names both init systems accept.
var envNameRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validEnvVars(vars []EnvVar) []EnvVar {
	valid := make([]EnvVar, 0, len(vars))
	for _, v := range vars {
		if !envNameRE.MatchString(v.Name) {
			logger.Warningf("ignoring env_extra variable %q: not a valid name", v.Name)
			continue
		}
		valid = append(valid, v)
	}
	return valid
}

func parseEnvDict(text string) ([]EnvVar, error) {
	v, err := parseLiteral("{" + text + "}")
	if err != nil {
		return nil, errors.Trace(err)
	}
	d, ok := v.(dictLiteral)
	if !ok {
		return nil, errors.NotValidf("%s as a dict", v.repr())
	}
	if len(d.keys) == 0 {
		return nil, errors.NotFoundf("dict entries")
	}
	vars := make([]EnvVar, len(d.keys))
	for i := range d.keys {
		vars[i] = EnvVar{Name: d.keys[i].str(), Value: d.values[i].str()}
	}
	return vars, nil
}

func parseEnvWords(text string) ([]EnvVar, error) {
	words, err := shellquote.Split(text)
	if err != nil {
		return nil, errors.Annotate(err, "splitting env_extra")
	}
	vars := []EnvVar{}
	for _, word := range words {
		name, value, ok := strings.Cut(word, "=")
		if !ok {
			continue
		}
		vars = append(vars, EnvVar{Name: name, Value: value})
	}
	return vars, nil
}

// wsgiExtraFormats are tried in order; the first to succeed wins.
var wsgiExtraFormats = []struct {
	name  string
	parse func(string) (string, error)
}{
	{"tuple literal", parseWSGITuple},
}

// ParseWSGIExtra decodes the wsgi_extra option into the flags appended to
// the gunicorn command line. Text that no legacy format accepts is used
// unchanged.
func ParseWSGIExtra(text string) string {
	for _, format := range wsgiExtraFormats {
		flags, err := format.parse(text)
		if err != nil {
			logger.Tracef("wsgi_extra is not a %s: %v", format.name, err)
			continue
		}
		logger.Debugf("wsgi_extra parsed as %s", format.name)
		return flags
	}
	return text
}

func parseWSGITuple(text string) (string, error) {
	v, err := parseLiteral("(" + text + ")")
	if err != nil {
		return "", errors.Trace(err)
	}
	var items []literal
	switch v := v.(type) {
	case strLiteral:
		return string(v), nil
	case tupleLiteral:
		items = v
	case listLiteral:
		items = v
	default:
		return "", errors.NotValidf("%s as flags", v.repr())
	}
	flags := make([]string, len(items))
	for i, item := range items {
		flags[i] = item.str()
	}
	return strings.Join(flags, " "), nil
}
