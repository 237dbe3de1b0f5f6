// Copyright 2011, 2012, 2013 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package charm

import (
	"io"
	"sort"

	"github.com/juju/errors"
	"github.com/juju/schema"
	"gopkg.in/yaml.v3"
)

const (
	ScopeGlobal    = "global"
	ScopeContainer = "container"
)

// RelationRole defines the role of a relation.
type RelationRole string

const (
	RoleProvider RelationRole = "provider"
	RoleRequirer RelationRole = "requirer"
	RolePeer     RelationRole = "peer"
)

// Relation represents a single relation defined in the charm
// metadata.yaml file.
type Relation struct {
	Name      string
	Role      RelationRole
	Interface string
	Optional  bool
	Limit     int
	Scope     string
}

// Meta represents all the known content that may be defined
// within a charm's metadata.yaml file.
type Meta struct {
	Name        string
	Summary     string
	Description string
	Subordinate bool
	Provides    map[string]Relation
	Requires    map[string]Relation
	Peers       map[string]Relation
}

// ReadMeta reads the content of a metadata.yaml file and returns
// its representation.
func ReadMeta(r io.Reader) (*Meta, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Trace(err)
	}
	raw := make(map[string]interface{})
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errors.Annotate(err, "metadata")
	}
	v, err := metaSchema.Coerce(raw, nil)
	if err != nil {
		return nil, errors.Annotate(err, "metadata")
	}
	m := v.(map[string]interface{})
	meta := &Meta{
		Name:        m["name"].(string),
		Summary:     m["summary"].(string),
		Description: m["description"].(string),
		Provides:    parseRelations(m["provides"], RoleProvider),
		Requires:    parseRelations(m["requires"], RoleRequirer),
		Peers:       parseRelations(m["peers"], RolePeer),
		Subordinate: m["subordinate"].(bool),
	}
	if meta.Subordinate && !meta.hasContainerRelation() {
		return nil, errors.NotValidf("subordinate charm %q without a container scoped requires relation", meta.Name)
	}
	return meta, nil
}

func (m *Meta) hasContainerRelation() bool {
	for _, rel := range m.Requires {
		if rel.Scope == ScopeContainer {
			return true
		}
	}
	return false
}

// RequiredRelationsForInterface returns the names of the relations the
// charm requires over the named interface, sorted.
func (m *Meta) RequiredRelationsForInterface(iface string) []string {
	var names []string
	for name, rel := range m.Requires {
		if rel.Interface == iface {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func parseRelations(relations interface{}, role RelationRole) map[string]Relation {
	if relations == nil {
		return nil
	}
	result := make(map[string]Relation)
	for name, v := range relations.(map[string]interface{}) {
		fields := v.(map[string]interface{})
		relation := Relation{
			Name:      name,
			Role:      role,
			Interface: fields["interface"].(string),
			Optional:  fields["optional"].(bool),
			Scope:     fields["scope"].(string),
		}
		// The schema yields int64 for an explicit limit and the
		// default's own type otherwise.
		switch limit := fields["limit"].(type) {
		case int64:
			relation.Limit = int(limit)
		case int:
			relation.Limit = limit
		}
		result[name] = relation
	}
	return result
}

// relationChecker accepts either the interface name alone or the full
// relation map, and always yields the full map with defaults applied:
//
//	requires:
//	  website: http
//	  wsgi-file:
//	    interface: wsgi
//	    scope: container
type relationChecker struct {
	defaultLimit interface{}
}

func (c relationChecker) Coerce(v interface{}, path []string) (interface{}, error) {
	if iface, err := schema.String().Coerce(v, path); err == nil {
		return map[string]interface{}{
			"interface": iface,
			"limit":     c.defaultLimit,
			"optional":  false,
			"scope":     ScopeGlobal,
		}, nil
	}
	v, err := relationSchema.Coerce(v, path)
	if err != nil {
		return nil, err
	}
	fields := v.(map[string]interface{})
	if _, ok := fields["limit"]; !ok {
		fields["limit"] = c.defaultLimit
	}
	return fields, nil
}

var relationSchema = schema.FieldMap(
	schema.Fields{
		"interface": schema.String(),
		"limit":     schema.OneOf(schema.Const(nil), schema.Int()),
		"scope":     schema.OneOf(schema.Const(ScopeGlobal), schema.Const(ScopeContainer)),
		"optional":  schema.Bool(),
	},
	schema.Defaults{
		"scope":    ScopeGlobal,
		"optional": false,
		"limit":    schema.Omit,
	},
)

var metaSchema = schema.FieldMap(
	schema.Fields{
		"name":        schema.String(),
		"summary":     schema.String(),
		"description": schema.String(),
		"maintainer":  schema.String(),
		"subordinate": schema.Bool(),
		"provides":    schema.StringMap(relationChecker{nil}),
		"requires":    schema.StringMap(relationChecker{1}),
		"peers":       schema.StringMap(relationChecker{1}),
	},
	schema.Defaults{
		"maintainer":  schema.Omit,
		"subordinate": false,
		"provides":    schema.Omit,
		"requires":    schema.Omit,
		"peers":       schema.Omit,
	},
)
