package qconf

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/pelletier/go-toml/v2"
	"github.com/quatton/qmesh/pkg/qsdk/qerr"
	"gopkg.in/yaml.v3"
)

// Preset is a named set of option values plus the schema version they were
// captured against.
type Preset struct {
	Name          string         `json:"name" yaml:"name" toml:"name"`
	SchemaVersion string         `json:"schemaVersion" yaml:"schemaVersion" toml:"schemaVersion"`
	Values        map[string]any `json:"values" yaml:"values" toml:"values"`
}

// Entry is one key/value pair of a preset.
type Entry struct {
	Key   string
	Value any
}

// Entries returns the preset values in schema order. Keys unknown to the
// schema follow in lexical order.
func (p *Preset) Entries(schema *Schema) []Entry {
	out := make([]Entry, 0, len(p.Values))
	seen := make(map[string]bool, len(p.Values))
	for _, o := range schema.Options() {
		if v, ok := p.Values[o.Key]; ok {
			out = append(out, Entry{Key: o.Key, Value: v})
			seen[o.Key] = true
		}
	}
	for _, k := range sortedKeys(p.Values) {
		if !seen[k] {
			out = append(out, Entry{Key: k, Value: p.Values[k]})
		}
	}
	return out
}

// PresetFormat is the on-disk encoding of preset files.
type PresetFormat string

const (
	PresetJSON PresetFormat = "json"
	PresetYAML PresetFormat = "yaml"
	PresetTOML PresetFormat = "toml"
)

var presetExts = map[string]PresetFormat{
	".json": PresetJSON,
	".yaml": PresetYAML,
	".yml":  PresetYAML,
	".toml": PresetTOML,
}

// presetExtOrder is the lookup order when one name exists in several formats.
var presetExtOrder = []string{".json", ".yaml", ".yml", ".toml"}

// ParsePresetFormat accepts json, yaml/yml or toml.
func ParsePresetFormat(s string) (PresetFormat, error) {
	if s == "" {
		return PresetJSON, nil
	}
	if f, ok := presetExts["."+strings.ToLower(s)]; ok {
		return f, nil
	}
	return "", fmt.Errorf("unknown preset format %q", s)
}

// Report describes what reconciling a preset against the schema changed.
type Report struct {
	SchemaVersion string `json:"schemaVersion"`
	// VersionDrift is set when the preset was saved against another schema version.
	VersionDrift bool              `json:"versionDrift"`
	Dropped      []string          `json:"dropped,omitempty"`
	Defaulted    []string          `json:"defaulted,omitempty"`
	Invalid      map[string]string `json:"invalid,omitempty"`
}

// Reconcile maps raw preset values onto schema: unknown keys are dropped,
// invalid values and missing keys take the option default. The returned
// Values holds every schema key.
func Reconcile(schema *Schema, raw map[string]any) (Values, *Report) {
	rep := &Report{}
	out := make(Values, len(schema.Options()))
	for _, k := range slices.Sorted(maps.Keys(raw)) {
		if _, ok := schema.Option(k); !ok {
			rep.Dropped = append(rep.Dropped, k)
		}
	}
	for _, o := range schema.Options() {
		v, ok := raw[o.Key]
		if !ok {
			out[o.Key] = o.Default
			rep.Defaulted = append(rep.Defaulted, o.Key)
			continue
		}
		accepted, err := schema.Validate(o.Key, v)
		if err != nil {
			if rep.Invalid == nil {
				rep.Invalid = map[string]string{}
			}
			rep.Invalid[o.Key] = err.Error()
			out[o.Key] = o.Default
			continue
		}
		out[o.Key] = accepted
	}
	return out, rep
}

// PresetStore persists presets as files in a directory.
type PresetStore struct {
	dir    string
	schema *Schema
	format PresetFormat
	logger *slog.Logger
}

// PresetOption configures a PresetStore.
type PresetOption func(*PresetStore)

// WithPresetFormat sets the format used for new presets.
func WithPresetFormat(f PresetFormat) PresetOption {
	return func(s *PresetStore) {
		s.format = f
	}
}

// WithPresetLogger sets the logger used to report reconciliation.
func WithPresetLogger(l *slog.Logger) PresetOption {
	return func(s *PresetStore) {
		s.logger = l
	}
}

// NewPresetStore returns a store rooted at dir.
func NewPresetStore(dir string, schema *Schema, opts ...PresetOption) *PresetStore {
	s := &PresetStore{
		dir:    dir,
		schema: schema,
		format: PresetJSON,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dir returns the directory presets are stored in.
func (s *PresetStore) Dir() string {
	return s.dir
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func presetSlug(name string) (string, error) {
	slug := strings.Trim(unsafeName.ReplaceAllString(strings.TrimSpace(name), "_"), "._")
	if slug == "" {
		return "", fmt.Errorf("invalid preset name %q", name)
	}
	return slug, nil
}

// Save validates values and writes them as preset name, replacing any preset
// with the same name in another format.
func (s *PresetStore) Save(name string, values Values) (string, error) {
	slug, err := presetSlug(name)
	if err != nil {
		return "", err
	}
	normalized, err := s.schema.ValidateAll(values)
	if err != nil {
		return "", err
	}

	p := Preset{
		Name:          strings.TrimSpace(name),
		SchemaVersion: s.schema.Version().String(),
		Values:        normalized,
	}
	data, err := encodePreset(&p, s.format)
	if err != nil {
		return "", fmt.Errorf("encoding preset: %w", err)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("creating preset dir: %w", err)
	}
	path := filepath.Join(s.dir, slug+"."+string(s.format))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing preset: %w", err)
	}
	for _, ext := range presetExtOrder {
		if other := filepath.Join(s.dir, slug+ext); other != path {
			_ = os.Remove(other)
		}
	}
	return path, nil
}

// Load reads preset name and reconciles it against the current schema.
func (s *PresetStore) Load(name string) (Values, *Report, error) {
	p, err := s.read(name)
	if err != nil {
		return nil, nil, err
	}
	values, rep := Reconcile(s.schema, p.Values)
	rep.SchemaVersion = p.SchemaVersion
	rep.VersionDrift = p.SchemaVersion != s.schema.Version().String()

	if len(rep.Dropped) > 0 || len(rep.Invalid) > 0 || rep.VersionDrift {
		s.logger.Info("preset reconciled against schema",
			"preset", name,
			"saved_version", p.SchemaVersion,
			"schema_version", s.schema.Version().String(),
			"dropped", len(rep.Dropped),
			"invalid", len(rep.Invalid),
		)
	}
	return values, rep, nil
}

// LoadExplicit is Load without the keys the preset leaves unset or holds
// invalid values for. The result carries only what the preset itself sets,
// so schema defaults stay defaults downstream.
func (s *PresetStore) LoadExplicit(name string) (Values, *Report, error) {
	values, rep, err := s.Load(name)
	if err != nil {
		return nil, nil, err
	}
	for _, k := range rep.Defaulted {
		delete(values, k)
	}
	for k := range rep.Invalid {
		delete(values, k)
	}
	return values, rep, nil
}

// Get returns the preset as stored, without reconciliation.
func (s *PresetStore) Get(name string) (*Preset, error) {
	return s.read(name)
}

func (s *PresetStore) read(name string) (*Preset, error) {
	slug, err := presetSlug(name)
	if err != nil {
		return nil, err
	}
	for _, ext := range presetExtOrder {
		f := presetExts[ext]
		data, err := os.ReadFile(filepath.Join(s.dir, slug+ext))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading preset: %w", err)
		}
		p, err := decodePreset(data, f)
		if err != nil {
			return nil, fmt.Errorf("preset %q: %w", name, err)
		}
		if p.Name == "" {
			p.Name = slug
		}
		return p, nil
	}
	return nil, qerr.Errorf(qerr.CodeNotFound, "preset %q not found", name)
}

// List returns the names of all stored presets, sorted.
func (s *PresetStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading preset dir: %w", err)
	}
	names := []string{}
	for _, e := range entries {
		f, ok := presetExts[strings.ToLower(filepath.Ext(e.Name()))]
		if e.IsDir() || !ok {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue
		}
		p, err := decodePreset(data, f)
		if err != nil {
			s.logger.Warn("skipping unreadable preset", "file", e.Name(), "error", err)
			continue
		}
		name := p.Name
		if name == "" {
			name = strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		}
		names = append(names, name)
	}
	slices.Sort(names)
	return slices.Compact(names), nil
}

// Delete removes preset name in whatever format it was stored.
func (s *PresetStore) Delete(name string) error {
	slug, err := presetSlug(name)
	if err != nil {
		return err
	}
	removed := false
	for _, ext := range presetExtOrder {
		err := os.Remove(filepath.Join(s.dir, slug+ext))
		if err == nil {
			removed = true
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	if !removed {
		return qerr.Errorf(qerr.CodeNotFound, "preset %q not found", name)
	}
	return nil
}

// PresetEvent reports a change in the preset directory.
type PresetEvent struct {
	Name    string
	Removed bool
}

// Watch calls fn for every preset file created, written, renamed or removed
// until ctx is done.
func (s *PresetStore) Watch(ctx context.Context, fn func(PresetEvent)) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(s.dir); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(ev.Name))
			if _, ok := presetExts[ext]; !ok {
				continue
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			fn(PresetEvent{
				Name:    strings.TrimSuffix(filepath.Base(ev.Name), filepath.Ext(ev.Name)),
				Removed: ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename),
			})
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("preset watcher error", "error", err)
		}
	}
}

func encodePreset(p *Preset, f PresetFormat) ([]byte, error) {
	switch f {
	case PresetYAML:
		return yaml.Marshal(p)
	case PresetTOML:
		return toml.Marshal(p)
	default:
		return json.MarshalIndent(p, "", "  ")
	}
}

func decodePreset(data []byte, f PresetFormat) (*Preset, error) {
	var p Preset
	var err error
	switch f {
	case PresetYAML:
		err = yaml.Unmarshal(data, &p)
	case PresetTOML:
		err = toml.Unmarshal(data, &p)
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		err = dec.Decode(&p)
	}
	if err != nil {
		return nil, err
	}
	if p.Values == nil {
		p.Values = map[string]any{}
	}
	return &p, nil
}
