// Package qconf is the engine configuration model: typed options loaded from a
// schema, validation against their ranges, serialization into the config file
// the engine reads, and named presets.
//
// Options are data. A new engine release ships a new schema file and nothing
// in this package needs to change.
package qconf

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/quatton/qmesh/pkg/qsdk/qerr"
)

// Type is the value type of an option.
type Type string

const (
	TypeBool   Type = "boolean"
	TypeInt    Type = "integer"
	TypeFloat  Type = "number"
	TypeEnum   Type = "enum"
	TypeString Type = "string"
)

func (t Type) valid() bool {
	switch t {
	case TypeBool, TypeInt, TypeFloat, TypeEnum, TypeString:
		return true
	}
	return false
}

// Numeric reports whether values of t are range checked.
func (t Type) Numeric() bool {
	return t == TypeInt || t == TypeFloat
}

// Level groups options by how deep in the UI they are shown.
type Level string

const (
	LevelBasic    Level = "basic"
	LevelAdvanced Level = "advanced"
	LevelExpert   Level = "expert"
)

func parseLevel(s string) (Level, error) {
	switch Level(strings.ToLower(s)) {
	case "", LevelBasic:
		return LevelBasic, nil
	case LevelAdvanced:
		return LevelAdvanced, nil
	case LevelExpert:
		return LevelExpert, nil
	}
	return "", fmt.Errorf("unknown level %q", s)
}

// Option is one configurable engine parameter.
type Option struct {
	Key     string   `json:"key"`
	Type    Type     `json:"type"`
	Default any      `json:"default"`
	Min     *float64 `json:"min,omitempty"`
	Max     *float64 `json:"max,omitempty"`
	Allowed []string `json:"allowed,omitempty"`
	Label   string   `json:"label,omitempty"`
	Tooltip string   `json:"tooltip,omitempty"`
	Level   Level    `json:"level"`

	// Path is where the option lives in the nested JSON engine config.
	// Empty means the top-level key.
	Path []string `json:"path,omitempty"`
}

// EnginePath returns Path, or the key alone when Path is empty.
func (o *Option) EnginePath() []string {
	if len(o.Path) == 0 {
		return []string{o.Key}
	}
	return o.Path
}

// Values maps option keys to values. Values held by this package are
// normalized to bool, int64, float64 or string.
type Values map[string]any

// Clone returns a shallow copy.
func (v Values) Clone() Values {
	out := make(Values, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// DefaultSupported is the schema version range this build understands.
const DefaultSupported = ">= 1.0.0, < 2.0.0"

// Schema is the ordered set of options an engine release accepts.
type Schema struct {
	version *semver.Version
	options []*Option
	byKey   map[string]*Option
}

// NewSchema validates opts and builds a Schema. Option defaults are normalized
// and must satisfy their own constraints.
func NewSchema(version string, opts []*Option) (*Schema, error) {
	if strings.TrimSpace(version) == "" {
		return nil, schemaErrorf("missing schema version")
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return nil, schemaErrorf("invalid schema version %q: %v", version, err)
	}

	s := &Schema{version: v, byKey: make(map[string]*Option, len(opts))}
	for _, o := range opts {
		if err := s.add(o); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Schema) add(o *Option) error {
	if o.Key == "" {
		return schemaErrorf("option with empty key")
	}
	if _, dup := s.byKey[o.Key]; dup {
		return schemaErrorf("duplicate option %q", o.Key)
	}
	if !o.Type.valid() {
		return schemaErrorf("option %q: unsupported type %q", o.Key, o.Type)
	}
	if o.Type == TypeEnum && len(o.Allowed) == 0 {
		return schemaErrorf("option %q: enum without allowed values", o.Key)
	}
	if o.Min != nil && o.Max != nil && *o.Min > *o.Max {
		return schemaErrorf("option %q: min %v greater than max %v", o.Key, *o.Min, *o.Max)
	}
	if o.Level == "" {
		o.Level = LevelBasic
	}
	if o.Default == nil {
		o.Default = zeroValue(o)
	}
	def, err := validateOption(o, o.Default)
	if err != nil {
		return schemaErrorf("option %q: invalid default: %v", o.Key, err)
	}
	o.Default = def

	s.options = append(s.options, o)
	s.byKey[o.Key] = o
	return nil
}

func zeroValue(o *Option) any {
	switch o.Type {
	case TypeBool:
		return false
	case TypeInt, TypeFloat:
		if o.Min != nil {
			return *o.Min
		}
		return 0.0
	case TypeEnum:
		return o.Allowed[0]
	default:
		return ""
	}
}

// Version returns the schema version.
func (s *Schema) Version() *semver.Version {
	return s.version
}

// Options returns the options in schema order.
func (s *Schema) Options() []*Option {
	return s.options
}

// Option looks up an option by key.
func (s *Schema) Option(key string) (*Option, bool) {
	o, ok := s.byKey[key]
	return o, ok
}

// Defaults returns every option's default value.
func (s *Schema) Defaults() Values {
	out := make(Values, len(s.options))
	for _, o := range s.options {
		out[o.Key] = o.Default
	}
	return out
}

// CheckSupported returns a schema error when the version falls outside
// constraint. An empty constraint means DefaultSupported.
func (s *Schema) CheckSupported(constraint string) error {
	if constraint == "" {
		constraint = DefaultSupported
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return schemaErrorf("invalid version constraint %q: %v", constraint, err)
	}
	if !c.Check(s.version) {
		return qerr.New(qerr.CodeSchema, &UnsupportedVersionError{Version: s.version.String(), Supported: constraint})
	}
	return nil
}

// UnsupportedVersionError reports a schema whose version this build does not understand.
type UnsupportedVersionError struct {
	Version   string
	Supported string
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("unsupported schema version %s (supported: %s)", e.Version, e.Supported)
}

func schemaErrorf(format string, args ...any) error {
	return qerr.Errorf(qerr.CodeSchema, format, args...)
}
