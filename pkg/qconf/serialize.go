package qconf

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-ini/ini"
)

// ConfigFormat is the engine config file format.
type ConfigFormat string

const (
	// FormatKV is flat key=value lines keyed by option key.
	FormatKV ConfigFormat = "kv"
	// FormatJSON nests values by option path and carries the export block.
	FormatJSON ConfigFormat = "json"
)

// Ext returns the file extension used for the format.
func (f ConfigFormat) Ext() string {
	if f == FormatJSON {
		return ".json"
	}
	return ".ini"
}

// ParseConfigFormat accepts "kv", "ini" or "json".
func ParseConfigFormat(s string) (ConfigFormat, error) {
	switch strings.ToLower(s) {
	case "", "kv", "ini":
		return FormatKV, nil
	case "json":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("unknown config format %q", s)
}

// SerializeOptions controls Serialize.
type SerializeOptions struct {
	Format ConfigFormat
	// FileName defaults to "engine_config" plus the format extension.
	FileName string
	// OutputName is the base name the engine gives its result file. It is
	// written into the JSON export block; empty omits the block.
	OutputName string
}

// Serialize writes values to a config file inside dir and returns its path.
// Only the supplied keys are written; the engine falls back to its own
// defaults for the rest. Every value is validated first, so nothing invalid
// reaches the engine. The file is well-formed even when values is empty.
func Serialize(schema *Schema, values Values, dir string, opts SerializeOptions) (string, error) {
	normalized, err := schema.ValidateAll(values)
	if err != nil {
		return "", err
	}
	if opts.Format == "" {
		opts.Format = FormatKV
	}
	name := opts.FileName
	if name == "" {
		name = "engine_config" + opts.Format.Ext()
	}

	var buf bytes.Buffer
	switch opts.Format {
	case FormatKV:
		err = writeKV(&buf, schema, normalized)
	case FormatJSON:
		err = writeJSON(&buf, schema, normalized, opts.OutputName)
	default:
		err = fmt.Errorf("unknown config format %q", opts.Format)
	}
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	path := filepath.Join(dir, name)
	tmp, err := os.CreateTemp(dir, "."+name+".*")
	if err != nil {
		return "", fmt.Errorf("creating config file: %w", err)
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("writing config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("writing config file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

func writeKV(buf *bytes.Buffer, schema *Schema, values Values) error {
	cfg := ini.Empty()
	sec := cfg.Section("")
	for _, o := range schema.Options() {
		v, ok := values[o.Key]
		if !ok {
			continue
		}
		if _, err := sec.NewKey(o.Key, FormatValue(v)); err != nil {
			return fmt.Errorf("option %q: %w", o.Key, err)
		}
	}
	return writePlainINI(cfg, buf)
}

// iniFormatMu guards go-ini's package-level format switches.
var iniFormatMu sync.Mutex

// writePlainINI writes cfg as plain key=value lines, which is all the engine
// reads. go-ini only exposes the layout as globals, so they are switched for
// the duration of the write and restored after.
func writePlainINI(cfg *ini.File, buf *bytes.Buffer) error {
	iniFormatMu.Lock()
	defer iniFormatMu.Unlock()
	pretty, equal := ini.PrettyFormat, ini.PrettyEqual
	ini.PrettyFormat, ini.PrettyEqual = false, false
	defer func() { ini.PrettyFormat, ini.PrettyEqual = pretty, equal }()

	_, err := cfg.WriteTo(buf)
	return err
}

// exportBlock tells the engine to write a single GLB result named name.
func exportBlock(name string) []any {
	return []any{map[string]any{
		"fileName":             name,
		"textureMapFilePrefix": "",
		"discard":              map[string]any{},
		"format": map[string]any{
			"glb": map[string]any{"pbrMaterial": map[string]any{}},
		},
	}}
}

func writeJSON(buf *bytes.Buffer, schema *Schema, values Values, outputName string) error {
	root := map[string]any{}
	for _, o := range schema.Options() {
		v, ok := values[o.Key]
		if !ok {
			continue
		}
		if err := setPath(root, o.EnginePath(), v); err != nil {
			return fmt.Errorf("option %q: %w", o.Key, err)
		}
	}
	if outputName != "" {
		root["export"] = exportBlock(outputName)
	}
	enc := json.NewEncoder(buf)
	enc.SetIndent("", "  ")
	return enc.Encode(root)
}

func setPath(root map[string]any, path []string, v any) error {
	node := root
	for i, seg := range path[:len(path)-1] {
		next, ok := node[seg]
		if !ok {
			child := map[string]any{}
			node[seg] = child
			node = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("path %s collides with a value", strings.Join(path[:i+1], "."))
		}
		node = child
	}
	leaf := path[len(path)-1]
	if _, exists := node[leaf]; exists {
		return fmt.Errorf("path %s already set", strings.Join(path, "."))
	}
	node[leaf] = v
	return nil
}

// ParseConfig reads a config file written by Serialize (or by hand) and
// returns the values for keys the schema knows. Unknown keys are ignored.
func ParseConfig(schema *Schema, path string) (Values, error) {
	format := FormatKV
	if strings.EqualFold(filepath.Ext(path), ".json") {
		format = FormatJSON
	}

	out := Values{}
	switch format {
	case FormatKV:
		cfg, err := ini.Load(path)
		if err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
		for _, key := range cfg.Section("").Keys() {
			if _, known := schema.Option(key.Name()); !known {
				continue
			}
			v, err := schema.Validate(key.Name(), key.String())
			if err != nil {
				return nil, err
			}
			out[key.Name()] = v
		}
	case FormatJSON:
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var root map[string]any
		if err := dec.Decode(&root); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
		for _, o := range schema.Options() {
			raw, ok := lookupPath(root, o.EnginePath())
			if !ok {
				continue
			}
			v, err := schema.Validate(o.Key, raw)
			if err != nil {
				return nil, err
			}
			out[o.Key] = v
		}
	}
	return out, nil
}

func lookupPath(root map[string]any, path []string) (any, bool) {
	var node any = root
	for _, seg := range path {
		m, ok := node.(map[string]any)
		if !ok {
			return nil, false
		}
		node, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return node, true
}
