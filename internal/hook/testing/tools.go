// Copyright 2015 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package testing

import (
	"fmt"
	"sort"

	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/gunicorn-charm/internal/hook"
)

// Relation holds the remote units of one relation and their settings.
type Relation struct {
	Name  string
	Units map[string]map[string]string
}

// LogEntry is a message passed to juju-log.
type LogEntry struct {
	Level   string
	Message string
}

// Tools is a test double for hook.Tools.
type Tools struct {
	Stub *testing.Stub

	// Config is returned by ConfigGet.
	Config map[string]interface{}

	// Relations is keyed by relation id.
	Relations map[string]Relation

	// Ports holds the currently opened ports, as "port/protocol".
	Ports []string

	Logs []LogEntry
}

var _ hook.Tools = (*Tools)(nil)

// NewTools returns a Tools with the given config and no relations.
func NewTools(config map[string]interface{}) *Tools {
	return &Tools{
		Stub:      &testing.Stub{},
		Config:    config,
		Relations: make(map[string]Relation),
	}
}

// AddRelationUnit adds a remote unit with settings to the relation with the
// given id and name, creating the relation if needed.
func (t *Tools) AddRelationUnit(id, name, unit string, settings map[string]string) {
	rel, ok := t.Relations[id]
	if !ok {
		rel = Relation{Name: name, Units: make(map[string]map[string]string)}
	}
	rel.Units[unit] = settings
	t.Relations[id] = rel
}

// CheckPorts checks the currently opened ports.
func (t *Tools) CheckPorts(c *gc.C, expected ...string) {
	if len(expected) == 0 {
		c.Check(t.Ports, gc.HasLen, 0)
		return
	}
	c.Check(t.Ports, jc.DeepEquals, expected)
}

// ConfigGet implements hook.Tools.
func (t *Tools) ConfigGet() (map[string]interface{}, error) {
	t.Stub.AddCall("ConfigGet")
	if err := t.Stub.NextErr(); err != nil {
		return nil, errors.Trace(err)
	}
	out := make(map[string]interface{}, len(t.Config))
	for k, v := range t.Config {
		out[k] = v
	}
	return out, nil
}

// RelationIDs implements hook.Tools.
func (t *Tools) RelationIDs(name string) ([]string, error) {
	t.Stub.AddCall("RelationIDs", name)
	if err := t.Stub.NextErr(); err != nil {
		return nil, errors.Trace(err)
	}
	var ids []string
	for id, rel := range t.Relations {
		if rel.Name == name {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// RelationList implements hook.Tools.
func (t *Tools) RelationList(relationID string) ([]string, error) {
	t.Stub.AddCall("RelationList", relationID)
	if err := t.Stub.NextErr(); err != nil {
		return nil, errors.Trace(err)
	}
	rel, ok := t.Relations[relationID]
	if !ok {
		return nil, errors.NotFoundf("relation %q", relationID)
	}
	var units []string
	for unit := range rel.Units {
		units = append(units, unit)
	}
	sort.Strings(units)
	return units, nil
}

// RelationGet implements hook.Tools.
func (t *Tools) RelationGet(relationID, unit string) (map[string]string, error) {
	t.Stub.AddCall("RelationGet", relationID, unit)
	if err := t.Stub.NextErr(); err != nil {
		return nil, errors.Trace(err)
	}
	rel, ok := t.Relations[relationID]
	if !ok {
		return nil, errors.NotFoundf("relation %q", relationID)
	}
	settings, ok := rel.Units[unit]
	if !ok {
		return nil, errors.NotFoundf("unit %q in relation %q", unit, relationID)
	}
	out := make(map[string]string, len(settings))
	for k, v := range settings {
		out[k] = v
	}
	return out, nil
}

// OpenPort implements hook.Tools.
func (t *Tools) OpenPort(port int, protocol string) error {
	t.Stub.AddCall("OpenPort", port, protocol)
	if err := t.Stub.NextErr(); err != nil {
		return errors.Trace(err)
	}
	p := fmt.Sprintf("%d/%s", port, protocol)
	for _, existing := range t.Ports {
		if existing == p {
			return nil
		}
	}
	t.Ports = append(t.Ports, p)
	sort.Strings(t.Ports)
	return nil
}

// ClosePort implements hook.Tools.
func (t *Tools) ClosePort(port int, protocol string) error {
	t.Stub.AddCall("ClosePort", port, protocol)
	if err := t.Stub.NextErr(); err != nil {
		return errors.Trace(err)
	}
	p := fmt.Sprintf("%d/%s", port, protocol)
	for i, existing := range t.Ports {
		if existing == p {
			t.Ports = append(t.Ports[:i], t.Ports[i+1:]...)
			break
		}
	}
	return nil
}

// OpenedPorts implements hook.Tools.
func (t *Tools) OpenedPorts() ([]hook.Port, error) {
	t.Stub.AddCall("OpenedPorts")
	if err := t.Stub.NextErr(); err != nil {
		return nil, errors.Trace(err)
	}
	ports := []hook.Port{}
	for _, p := range t.Ports {
		port, err := hook.ParsePort(p)
		if err != nil {
			return nil, errors.Trace(err)
		}
		ports = append(ports, port)
	}
	return ports, nil
}

// Log implements hook.Tools.
func (t *Tools) Log(level, message string) error {
	t.Stub.AddCall("Log", level, message)
	if err := t.Stub.NextErr(); err != nil {
		return errors.Trace(err)
	}
	t.Logs = append(t.Logs, LogEntry{Level: level, Message: message})
	return nil
}
