package qconf

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/gocty"
)

// hclCatalog is the HCL option catalog format:
//
//	schema_version = "1.2.0"
//
//	option "decimationRatio" {
//	  type    = "float"
//	  default = 0.5
//	  min     = 0
//	  max     = 1
//	  path    = ["modifiers", "decimator", "ratio"]
//	}
type hclCatalog struct {
	SchemaVersion string       `hcl:"schema_version"`
	Options       []*hclOption `hcl:"option,block"`
	Remain        hcl.Body     `hcl:",remain"`
}

type hclOption struct {
	Key     string         `hcl:"key,label"`
	Type    string         `hcl:"type"`
	Default hcl.Expression `hcl:"default,optional"`
	Min     hcl.Expression `hcl:"min,optional"`
	Max     hcl.Expression `hcl:"max,optional"`
	Allowed []string       `hcl:"allowed,optional"`
	Label   string         `hcl:"label,optional"`
	Tooltip string         `hcl:"tooltip,optional"`
	Level   string         `hcl:"level,optional"`
	Path    []string       `hcl:"path,optional"`
}

var hclTypes = map[string]Type{
	"bool":    TypeBool,
	"boolean": TypeBool,
	"int":     TypeInt,
	"integer": TypeInt,
	"float":   TypeFloat,
	"number":  TypeFloat,
	"enum":    TypeEnum,
	"string":  TypeString,
}

func parseHCLSchema(src []byte, name string) (*Schema, error) {
	if name == "" {
		name = "schema.hcl"
	}
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, name)
	if diags.HasErrors() {
		return nil, schemaErrorf("malformed schema: %s", diags.Error())
	}

	var cat hclCatalog
	if diags := gohcl.DecodeBody(file.Body, nil, &cat); diags.HasErrors() {
		return nil, schemaErrorf("malformed schema: %s", diags.Error())
	}

	opts := make([]*Option, 0, len(cat.Options))
	for _, ho := range cat.Options {
		o, err := ho.option()
		if err != nil {
			return nil, schemaErrorf("option %q: %v", ho.Key, err)
		}
		opts = append(opts, o)
	}
	return NewSchema(cat.SchemaVersion, opts)
}

func (ho *hclOption) option() (*Option, error) {
	t, ok := hclTypes[ho.Type]
	if !ok {
		return nil, fmt.Errorf("unsupported type %q", ho.Type)
	}
	lvl, err := parseLevel(ho.Level)
	if err != nil {
		return nil, err
	}
	o := &Option{
		Key:     ho.Key,
		Type:    t,
		Allowed: ho.Allowed,
		Label:   ho.Label,
		Tooltip: ho.Tooltip,
		Level:   lvl,
		Path:    ho.Path,
	}
	if o.Label == "" {
		o.Label = ho.Key
	}
	if o.Min, err = ctyFloat(ho.Min); err != nil {
		return nil, fmt.Errorf("min: %w", err)
	}
	if o.Max, err = ctyFloat(ho.Max); err != nil {
		return nil, fmt.Errorf("max: %w", err)
	}
	def, err := exprValue(ho.Default)
	if err != nil {
		return nil, fmt.Errorf("default: %w", err)
	}
	if o.Default, err = ctyScalar(def); err != nil {
		return nil, fmt.Errorf("default: %w", err)
	}
	return o, nil
}

// exprValue evaluates a constant attribute expression. Absent attributes
// evaluate to null.
func exprValue(expr hcl.Expression) (cty.Value, error) {
	if expr == nil {
		return cty.NullVal(cty.DynamicPseudoType), nil
	}
	v, diags := expr.Value(nil)
	if diags.HasErrors() {
		return cty.NilVal, diags
	}
	return v, nil
}

func ctyFloat(expr hcl.Expression) (*float64, error) {
	v, err := exprValue(expr)
	if err != nil {
		return nil, err
	}
	if v.IsNull() {
		return nil, nil
	}
	var f float64
	if err := gocty.FromCtyValue(v, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// ctyScalar converts a known primitive cty value to bool, float64 or string.
func ctyScalar(v cty.Value) (any, error) {
	if v.IsNull() || !v.IsKnown() {
		return nil, nil
	}
	switch v.Type() {
	case cty.Bool:
		return v.True(), nil
	case cty.String:
		return v.AsString(), nil
	case cty.Number:
		var f float64
		if err := gocty.FromCtyValue(v, &f); err != nil {
			return nil, err
		}
		return f, nil
	}
	return nil, fmt.Errorf("unsupported value type %s", v.Type().FriendlyName())
}
