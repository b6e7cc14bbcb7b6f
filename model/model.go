// Package model loads the entity schema the embedding application ships with its data.
package model

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	stackerrors "github.com/c0deZ3R0/go-persistent-stack/errors"
	"github.com/c0deZ3R0/go-persistent-stack/types"
)

const component = stackerrors.Component("model")

// Model is a versioned set of entities. Stores record the version they were
// created with; opening a store with a different version requires migration.
type Model struct {
	Name     string   `yaml:"name"`
	Version  int      `yaml:"version"`
	Entities []Entity `yaml:"entities"`

	byName map[string]*Entity
}

// Entity is one object type.
type Entity struct {
	Name       string     `yaml:"name"`
	Properties []Property `yaml:"properties"`

	props map[string]Property
}

// Property is one attribute of an entity.
type Property struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Optional bool   `yaml:"optional"`
}

var propertyTypes = map[string]bool{
	"string": true, "int": true, "float": true, "bool": true, "date": true, "binary": true, "uuid": true,
}

// Load reads and validates the model file at path. Any failure is a
// configuration error: the model ships with the application.
func Load(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, stackerrors.E(stackerrors.OpConfigure, component, stackerrors.KindInvalidConfig,
			fmt.Errorf("unable to load model %s: %w", path, err))
	}
	m, err := Parse(data)
	if err != nil {
		return nil, stackerrors.E(stackerrors.OpConfigure, component, stackerrors.KindInvalidConfig,
			fmt.Errorf("model %s: %w", path, err))
	}
	return m, nil
}

// Parse decodes a YAML model document.
func Parse(data []byte) (*Model, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var m Model
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	if err := m.index(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Model) index() error {
	if m.Name == "" {
		return fmt.Errorf("model name is required")
	}
	if m.Version < 1 {
		return fmt.Errorf("model version must be positive, got %d", m.Version)
	}
	if len(m.Entities) == 0 {
		return fmt.Errorf("model %q has no entities", m.Name)
	}

	m.byName = make(map[string]*Entity, len(m.Entities))
	for i := range m.Entities {
		e := &m.Entities[i]
		if e.Name == "" {
			return fmt.Errorf("entity %d has no name", i)
		}
		if _, dup := m.byName[e.Name]; dup {
			return fmt.Errorf("duplicate entity %q", e.Name)
		}
		e.props = make(map[string]Property, len(e.Properties))
		for _, p := range e.Properties {
			if !propertyTypes[p.Type] {
				return fmt.Errorf("entity %q property %q: unknown type %q", e.Name, p.Name, p.Type)
			}
			e.props[p.Name] = p
		}
		m.byName[e.Name] = e
	}
	return nil
}

// Entity looks up an entity by name.
func (m *Model) Entity(name string) (*Entity, bool) {
	e, ok := m.byName[name]
	return e, ok
}

// Validate checks that a change targets a known entity and only known properties.
// Inserts must carry every non-optional property.
func (m *Model) Validate(c types.Change) error {
	e, ok := m.Entity(c.Object.Entity)
	if !ok {
		return fmt.Errorf("unknown entity %q", c.Object.Entity)
	}
	if c.Object.ID == "" {
		return fmt.Errorf("%s: empty object id", e.Name)
	}
	for name := range c.Fields {
		if _, ok := e.props[name]; !ok {
			return fmt.Errorf("%s: unknown property %q", e.Name, name)
		}
	}
	if c.Kind == types.ChangeInsert {
		for _, p := range e.Properties {
			if _, ok := c.Fields[p.Name]; !ok && !p.Optional {
				return fmt.Errorf("%s: missing required property %q", e.Name, p.Name)
			}
		}
	}
	return nil
}
