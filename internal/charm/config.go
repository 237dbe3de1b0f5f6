// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package charm

import (
	"io"

	"github.com/juju/errors"
	"github.com/juju/schema"
	"gopkg.in/yaml.v3"
)

// Settings is a group of charm config option names and values. A Settings
// S is considered valid by the Config C if every key in S is an option in
// C, and every value either has the correct type or is nil.
type Settings map[string]interface{}

// Copy returns a shallow copy of the settings.
func (s Settings) Copy() Settings {
	out := make(Settings, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Option represents a single charm config option.
type Option struct {
	Type        string
	Description string
	Default     interface{}
}

// Coerce returns value converted to the option's type. Strings are parsed
// according to the option type, so relation data can be applied directly.
func (option Option) Coerce(name string, value interface{}) (interface{}, error) {
	checker := optionTypeCheckers[option.Type]
	if checker == nil {
		return nil, errors.NotValidf("option %q type %q", name, option.Type)
	}
	v, err := checker.Coerce(value, []string{name})
	if err != nil {
		return nil, errors.Errorf("option %q expected %s, got %#v", name, option.Type, value)
	}
	return v, nil
}

var optionTypeCheckers = map[string]schema.Checker{
	"string":  schema.String(),
	"int":     schema.Int(),
	"float":   schema.Float(),
	"boolean": schema.Bool(),
}

var optionSchema = schema.FieldMap(
	schema.Fields{
		"type": schema.OneOf(
			schema.Const("string"),
			schema.Const("int"),
			schema.Const("float"),
			schema.Const("boolean"),
		),
		"default":     schema.Any(),
		"description": schema.String(),
	},
	schema.Defaults{
		"type":        "string",
		"default":     schema.Omit,
		"description": "",
	},
)

var configSchema = schema.FieldMap(
	schema.Fields{
		"options": schema.StringMap(optionSchema),
	},
	schema.Defaults{
		"options": schema.Omit,
	},
)

// Config represents the supported configuration options for a charm,
// as declared in its config.yaml file.
type Config struct {
	Options map[string]Option
}

// NewConfig returns a new Config without any options.
func NewConfig() *Config {
	return &Config{Options: map[string]Option{}}
}

// ReadConfig reads a Config in YAML format.
func ReadConfig(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errors.Annotate(err, "invalid config")
	}
	if raw == nil {
		return NewConfig(), nil
	}
	v, err := configSchema.Coerce(raw, nil)
	if err != nil {
		return nil, errors.Annotate(err, "invalid config")
	}
	m := v.(map[string]interface{})

	config := NewConfig()
	options, _ := m["options"].(map[string]interface{})
	for name, value := range options {
		om := value.(map[string]interface{})
		option := Option{
			Type:        om["type"].(string),
			Description: om["description"].(string),
			Default:     om["default"],
		}
		if option.Default != nil {
			dflt, err := option.Coerce(name, option.Default)
			if err != nil {
				return nil, errors.Annotatef(err, "invalid config default")
			}
			option.Default = dflt
		}
		config.Options[name] = option
	}
	return config, nil
}

// Coerce returns value converted to the type of the named option. An
// unknown option is a NotFound error.
func (c *Config) Coerce(name string, value interface{}) (interface{}, error) {
	option, ok := c.Options[name]
	if !ok {
		return nil, errors.NotFoundf("option %q", name)
	}
	return option.Coerce(name, value)
}

// DefaultSettings returns settings containing the default value of every
// option in the config. Options without a default are omitted.
func (c *Config) DefaultSettings() Settings {
	out := make(Settings)
	for name, option := range c.Options {
		if option.Default != nil {
			out[name] = option.Default
		}
	}
	return out
}

// ValidateSettings returns a copy of the supplied settings with each value
// converted to the type of its option. Nil values are kept; they mean the
// option has no value.
func (c *Config) ValidateSettings(settings map[string]interface{}) (Settings, error) {
	out := make(Settings, len(settings))
	for name, value := range settings {
		if value == nil {
			out[name] = nil
			continue
		}
		v, err := c.Coerce(name, value)
		if errors.Is(err, errors.NotFound) {
			return nil, errors.Errorf("unknown option %q", name)
		} else if err != nil {
			return nil, errors.Trace(err)
		}
		out[name] = v
	}
	return out, nil
}

// ParseSettingsStrings returns settings derived from the supplied map. Every
// value in the map must be parseable to the correct type for the option
// identified by its key.
func (c *Config) ParseSettingsStrings(values map[string]string) (Settings, error) {
	in := make(map[string]interface{}, len(values))
	for name, value := range values {
		in[name] = value
	}
	return c.ValidateSettings(in)
}
