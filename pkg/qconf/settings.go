package qconf

import (
	"errors"
	"maps"
	"slices"
)

// Settings holds the values a user set explicitly on top of schema defaults.
type Settings struct {
	schema   *Schema
	explicit Values
}

// NewSettings returns Settings with nothing set.
func NewSettings(schema *Schema) *Settings {
	return &Settings{schema: schema, explicit: Values{}}
}

// Schema returns the schema the settings validate against.
func (s *Settings) Schema() *Schema {
	return s.schema
}

// Set validates and records v for key. Rejected values leave the previous
// value in place.
func (s *Settings) Set(key string, v any) error {
	accepted, err := s.schema.Validate(key, v)
	if err != nil {
		return err
	}
	s.explicit[key] = accepted
	return nil
}

// Apply sets every entry of values. Nothing is applied if any entry is invalid.
func (s *Settings) Apply(values Values) error {
	normalized, err := s.schema.ValidateAll(values)
	if err != nil {
		return err
	}
	maps.Copy(s.explicit, normalized)
	return nil
}

// Get returns the explicit value for key, or its default.
func (s *Settings) Get(key string) (any, bool) {
	if v, ok := s.explicit[key]; ok {
		return v, true
	}
	o, ok := s.schema.Option(key)
	if !ok {
		return nil, false
	}
	return o.Default, true
}

// Reset forgets the explicit value for key.
func (s *Settings) Reset(key string) {
	delete(s.explicit, key)
}

// Explicit returns a copy of the explicitly set values. This is what gets
// serialized for the engine.
func (s *Settings) Explicit() Values {
	return s.explicit.Clone()
}

// Effective returns defaults overlaid with explicit values.
func (s *Settings) Effective() Values {
	out := s.schema.Defaults()
	maps.Copy(out, s.explicit)
	return out
}

func sortedKeys(v Values) []string {
	return slices.Sorted(maps.Keys(v))
}

func joinErrors(errs []error) error {
	if len(errs) == 1 {
		return errs[0]
	}
	return errors.Join(errs...)
}
