// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package hook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/juju/errors"

	"github.com/juju/gunicorn-charm/internal/runner"
)

// Tools is the charm's view of the hook tools the unit agent provides.
type Tools interface {
	// ConfigGet returns every charm config option, including those
	// without a value.
	ConfigGet() (map[string]interface{}, error)

	// RelationIDs returns the ids of the relations with the given name.
	RelationIDs(name string) ([]string, error)

	// RelationList returns the remote units participating in a relation.
	RelationList(relationID string) ([]string, error)

	// RelationGet returns the settings a remote unit published on a
	// relation.
	RelationGet(relationID, unit string) (map[string]string, error)

	// OpenPort opens a port on the unit's machine.
	OpenPort(port int, protocol string) error

	// ClosePort closes a port on the unit's machine.
	ClosePort(port int, protocol string) error

	// OpenedPorts returns the single ports the unit has opened.
	OpenedPorts() ([]Port, error)

	// Log writes a message to the unit's log at the given level.
	Log(level, message string) error
}

// NewTools returns Tools that call the hook tool executables.
func NewTools(r runner.Runner) Tools {
	return &hookTools{runner: r}
}

type hookTools struct {
	runner runner.Runner
}

func (t *hookTools) run(args ...string) ([]byte, error) {
	out, err := t.runner.Run(runner.Command{Args: args})
	return out, errors.Trace(err)
}

func (t *hookTools) runJSON(result interface{}, args ...string) error {
	out, err := t.run(args...)
	if err != nil {
		return errors.Trace(err)
	}
	dec := json.NewDecoder(bytes.NewReader(out))
	dec.UseNumber()
	if err := dec.Decode(result); err != nil {
		return errors.Annotatef(err, "decoding %s output", args[0])
	}
	return nil
}

// ConfigGet is part of the Tools interface.
func (t *hookTools) ConfigGet() (map[string]interface{}, error) {
	var settings map[string]interface{}
	if err := t.runJSON(&settings, "config-get", "--all", "--format=json"); err != nil {
		return nil, errors.Trace(err)
	}
	return settings, nil
}

// RelationIDs is part of the Tools interface.
func (t *hookTools) RelationIDs(name string) ([]string, error) {
	var ids []string
	if err := t.runJSON(&ids, "relation-ids", "--format=json", name); err != nil {
		return nil, errors.Trace(err)
	}
	return ids, nil
}

// RelationList is part of the Tools interface.
func (t *hookTools) RelationList(relationID string) ([]string, error) {
	var units []string
	if err := t.runJSON(&units, "relation-list", "--format=json", "-r", relationID); err != nil {
		return nil, errors.Trace(err)
	}
	return units, nil
}

// RelationGet is part of the Tools interface.
func (t *hookTools) RelationGet(relationID, unit string) (map[string]string, error) {
	var settings map[string]string
	if err := t.runJSON(&settings, "relation-get", "--format=json", "-r", relationID, "-", unit); err != nil {
		return nil, errors.Trace(err)
	}
	return settings, nil
}

// OpenPort is part of the Tools interface.
func (t *hookTools) OpenPort(port int, protocol string) error {
	_, err := t.run("open-port", fmt.Sprintf("%d/%s", port, protocol))
	return errors.Trace(err)
}

// ClosePort is part of the Tools interface.
func (t *hookTools) ClosePort(port int, protocol string) error {
	_, err := t.run("close-port", fmt.Sprintf("%d/%s", port, protocol))
	return errors.Trace(err)
}

// OpenedPorts is part of the Tools interface. Port ranges and protocols
// without port numbers are not reported.
func (t *hookTools) OpenedPorts() ([]Port, error) {
	var opened []string
	if err := t.runJSON(&opened, "opened-ports", "--format=json"); err != nil {
		return nil, errors.Trace(err)
	}
	ports := []Port{}
	for _, s := range opened {
		port, err := ParsePort(s)
		if err != nil {
			logger.Debugf("skipping opened port %q: %v", s, err)
			continue
		}
		ports = append(ports, port)
	}
	return ports, nil
}

// Log is part of the Tools interface.
func (t *hookTools) Log(level, message string) error {
	_, err := t.run("juju-log", "-l", level, message)
	return errors.Trace(err)
}

// Port is a single port opened for a protocol.
type Port struct {
	Number   int
	Protocol string
}

func (p Port) String() string {
	return fmt.Sprintf("%d/%s", p.Number, p.Protocol)
}

// ParsePort parses a port in the "<number>/<protocol>" form the hook tools
// use.
func ParsePort(s string) (Port, error) {
	number, protocol, ok := strings.Cut(s, "/")
	if !ok || protocol == "" {
		return Port{}, errors.NotValidf("port %q", s)
	}
	n, err := strconv.Atoi(number)
	if err != nil || n < 1 || n > 65535 {
		return Port{}, errors.NotValidf("port %q", s)
	}
	return Port{Number: n, Protocol: protocol}, nil
}

// RelationData is the settings one remote unit published on one relation.
type RelationData struct {
	RelationID string
	Unit       string
	Settings   map[string]string
}

// RelationsOfType returns the settings of every remote unit on every
// relation with the given name, in relation id then unit order as the
// tools report them.
func RelationsOfType(tools Tools, name string) ([]RelationData, error) {
	ids, err := tools.RelationIDs(name)
	if err != nil {
		return nil, errors.Annotatef(err, "listing %q relations", name)
	}
	var result []RelationData
	for _, id := range ids {
		units, err := tools.RelationList(id)
		if err != nil {
			return nil, errors.Annotatef(err, "listing units of relation %s", id)
		}
		for _, unit := range units {
			settings, err := tools.RelationGet(id, unit)
			if err != nil {
				return nil, errors.Annotatef(err, "reading settings of %s on relation %s", unit, id)
			}
			if settings == nil {
				settings = make(map[string]string)
			}
			result = append(result, RelationData{
				RelationID: id,
				Unit:       unit,
				Settings:   settings,
			})
		}
	}
	return result, nil
}
