package qconf

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// SchemaFormat identifies a schema source format.
type SchemaFormat string

const (
	SchemaJSON SchemaFormat = "json"
	SchemaHCL  SchemaFormat = "hcl"
)

// LoadSchemaFile loads a schema from path, picking the format by extension.
// The version must satisfy DefaultSupported.
func LoadSchemaFile(path string) (*Schema, error) {
	return LoadSchemaFileSupported(path, "")
}

// LoadSchemaFileSupported is LoadSchemaFile with a version constraint. An
// empty constraint means DefaultSupported.
func LoadSchemaFileSupported(path, constraint string) (*Schema, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, schemaErrorf("opening schema: %v", err)
	}
	defer f.Close()

	format := SchemaJSON
	if ext := strings.ToLower(filepath.Ext(path)); ext == ".hcl" {
		format = SchemaHCL
	}
	return LoadSchemaSupported(f, format, filepath.Base(path), constraint)
}

// LoadSchema parses a schema source and rejects versions outside
// DefaultSupported. name is only used in diagnostics.
func LoadSchema(r io.Reader, format SchemaFormat, name string) (*Schema, error) {
	return LoadSchemaSupported(r, format, name, "")
}

// LoadSchemaSupported is LoadSchema with a version constraint.
func LoadSchemaSupported(r io.Reader, format SchemaFormat, name, constraint string) (*Schema, error) {
	s, err := parseSchema(r, format, name)
	if err != nil {
		return nil, err
	}
	if err := s.CheckSupported(constraint); err != nil {
		return nil, err
	}
	return s, nil
}

func parseSchema(r io.Reader, format SchemaFormat, name string) (*Schema, error) {
	src, err := io.ReadAll(r)
	if err != nil {
		return nil, schemaErrorf("reading schema: %v", err)
	}
	switch format {
	case SchemaJSON, "":
		return parseJSONSchema(src)
	case SchemaHCL:
		return parseHCLSchema(src, name)
	}
	return nil, schemaErrorf("unknown schema format %q", format)
}

// object is a JSON object that remembers key order; option order in the UI
// and in presets follows the schema file.
type object struct {
	keys []string
	vals map[string]any
}

func (o *object) get(k string) (any, bool) {
	v, ok := o.vals[k]
	return v, ok
}

func (o *object) str(k string) string {
	s, _ := o.vals[k].(string)
	return s
}

func decodeOrdered(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			obj := &object{vals: map[string]any{}}
			for dec.More() {
				kt, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key := kt.(string)
				val, err := decodeOrdered(dec)
				if err != nil {
					return nil, err
				}
				if _, seen := obj.vals[key]; !seen {
					obj.keys = append(obj.keys, key)
				}
				obj.vals[key] = val
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return obj, nil
		case '[':
			var arr []any
			for dec.More() {
				val, err := decodeOrdered(dec)
				if err != nil {
					return nil, err
				}
				arr = append(arr, val)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return arr, nil
		}
		return nil, fmt.Errorf("unexpected delimiter %v", t)
	default:
		return tok, nil
	}
}

const defsPrefix = "#/$defs/"

// resolveRefs replaces {"$ref": "#/$defs/x", ...} nodes with the referenced
// definition, siblings of $ref overriding the definition's keys.
func resolveRefs(node any, defs *object, stack []string) (any, error) {
	switch n := node.(type) {
	case *object:
		if ref, ok := n.vals["$ref"].(string); ok {
			if !strings.HasPrefix(ref, defsPrefix) {
				return nil, fmt.Errorf("unsupported reference %q", ref)
			}
			name := strings.TrimPrefix(ref, defsPrefix)
			if slices.Contains(stack, name) {
				return nil, fmt.Errorf("circular reference %s -> %s", strings.Join(stack, " -> "), name)
			}
			if defs == nil {
				return nil, fmt.Errorf("reference %q without $defs", ref)
			}
			def, ok := defs.get(name)
			if !ok {
				return nil, fmt.Errorf("definition %q not found", name)
			}
			resolved, err := resolveRefs(def, defs, append(stack, name))
			if err != nil {
				return nil, err
			}
			base, ok := resolved.(*object)
			if !ok {
				return nil, fmt.Errorf("definition %q is not an object", name)
			}
			merged := &object{keys: slices.Clone(base.keys), vals: map[string]any{}}
			for k, v := range base.vals {
				merged.vals[k] = v
			}
			for _, k := range n.keys {
				if k == "$ref" {
					continue
				}
				v, err := resolveRefs(n.vals[k], defs, stack)
				if err != nil {
					return nil, err
				}
				if _, exists := merged.vals[k]; !exists {
					merged.keys = append(merged.keys, k)
				}
				merged.vals[k] = v
			}
			return merged, nil
		}

		out := &object{vals: make(map[string]any, len(n.vals))}
		for _, k := range n.keys {
			if k == "$defs" {
				continue
			}
			v, err := resolveRefs(n.vals[k], defs, stack)
			if err != nil {
				return nil, err
			}
			out.keys = append(out.keys, k)
			out.vals[k] = v
		}
		return out, nil
	case []any:
		out := make([]any, len(n))
		for i, v := range n {
			r, err := resolveRefs(v, defs, stack)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	}
	return node, nil
}

// findDefs returns the first $defs object found in a depth-first walk.
func findDefs(node any) *object {
	switch n := node.(type) {
	case *object:
		if d, ok := n.vals["$defs"].(*object); ok {
			return d
		}
		for _, k := range n.keys {
			if d := findDefs(n.vals[k]); d != nil {
				return d
			}
		}
	case []any:
		for _, v := range n {
			if d := findDefs(v); d != nil {
				return d
			}
		}
	}
	return nil
}

func parseJSONSchema(src []byte) (*Schema, error) {
	dec := json.NewDecoder(bytes.NewReader(src))
	dec.UseNumber()
	raw, err := decodeOrdered(dec)
	if err != nil {
		return nil, schemaErrorf("malformed schema: %v", err)
	}
	root, ok := raw.(*object)
	if !ok {
		return nil, schemaErrorf("malformed schema: top level is not an object")
	}

	version := root.str("schemaVersion")
	if version == "" {
		version = root.str("version")
	}

	resolved, err := resolveRefs(root, findDefs(root), nil)
	if err != nil {
		return nil, schemaErrorf("resolving schema: %v", err)
	}

	var opts []*Option
	props, _ := resolved.(*object).vals["properties"].(*object)
	if props == nil {
		return nil, schemaErrorf("malformed schema: no properties")
	}
	if err := collectOptions(props, nil, &opts); err != nil {
		return nil, err
	}
	return NewSchema(version, opts)
}

// collectOptions walks nested object properties; every scalar leaf becomes an option.
func collectOptions(props *object, path []string, out *[]*Option) error {
	for _, name := range props.keys {
		node, ok := props.vals[name].(*object)
		if !ok {
			return schemaErrorf("property %q is not an object", strings.Join(append(path, name), "."))
		}
		p := append(slices.Clone(path), name)

		if sub, ok := node.vals["properties"].(*object); ok {
			if err := collectOptions(sub, p, out); err != nil {
				return err
			}
			continue
		}

		opt, skip, err := leafOption(node, p)
		if err != nil {
			return err
		}
		if !skip {
			*out = append(*out, opt)
		}
	}
	return nil
}

func leafOption(node *object, path []string) (*Option, bool, error) {
	where := strings.Join(path, ".")
	key := node.str("settingid")
	if key == "" {
		key = where
	}

	opt := &Option{
		Key:     key,
		Label:   node.str("title"),
		Tooltip: node.str("description"),
		Path:    path,
	}
	if opt.Label == "" {
		opt.Label = path[len(path)-1]
	}
	lvl, err := parseLevel(firstNonEmpty(node.str("level"), node.str("x-level")))
	if err != nil {
		return nil, false, schemaErrorf("property %q: %v", where, err)
	}
	opt.Level = lvl

	if enum, ok := node.vals["enum"].([]any); ok {
		opt.Type = TypeEnum
		for _, e := range enum {
			opt.Allowed = append(opt.Allowed, fmt.Sprint(jsonScalar(e)))
		}
	} else if alts, ok := node.vals["oneOf"].([]any); ok {
		// oneOf of const values is an enum; oneOf of sub-objects picks a
		// configuration variant and is not a scalar option.
		for _, a := range alts {
			ao, ok := a.(*object)
			if !ok {
				return nil, true, nil
			}
			c, ok := ao.get("const")
			if !ok {
				return nil, true, nil
			}
			opt.Allowed = append(opt.Allowed, fmt.Sprint(jsonScalar(c)))
		}
		opt.Type = TypeEnum
	} else {
		switch node.str("type") {
		case "boolean":
			opt.Type = TypeBool
		case "integer":
			opt.Type = TypeInt
		case "number":
			opt.Type = TypeFloat
		case "string":
			opt.Type = TypeString
		case "array", "object", "null":
			return nil, true, nil
		default:
			return nil, false, schemaErrorf("property %q: unsupported type %q", where, node.str("type"))
		}
	}

	if v, ok := node.get("minimum"); ok {
		f, ok := number(v)
		if !ok {
			return nil, false, schemaErrorf("property %q: invalid minimum", where)
		}
		opt.Min = &f
	}
	if v, ok := node.get("maximum"); ok {
		f, ok := number(v)
		if !ok {
			return nil, false, schemaErrorf("property %q: invalid maximum", where)
		}
		opt.Max = &f
	}
	if v, ok := node.get("default"); ok {
		opt.Default = jsonScalar(v)
		if opt.Type == TypeEnum {
			opt.Default = fmt.Sprint(opt.Default)
		}
	}
	return opt, false, nil
}

// jsonScalar turns decoder tokens into plain Go values.
func jsonScalar(v any) any {
	if n, ok := v.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			return i
		}
		f, _ := n.Float64()
		return f
	}
	return v
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
