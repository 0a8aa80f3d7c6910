package qconf

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/quatton/qmesh/pkg/qsdk/qerr"
)

// RangeError is returned when a numeric value falls outside [min, max].
type RangeError struct {
	Key   string
	Bound string // "min" or "max"
	Limit float64
	Value float64
}

func (e *RangeError) Error() string {
	if e.Bound == "min" {
		return fmt.Sprintf("option %q: %v is below min %v", e.Key, e.Value, e.Limit)
	}
	return fmt.Sprintf("option %q: %v exceeds max %v", e.Key, e.Value, e.Limit)
}

// EnumError is returned when a value is not in the option's allowed set.
type EnumError struct {
	Key     string
	Value   string
	Allowed []string
}

func (e *EnumError) Error() string {
	return fmt.Sprintf("option %q: %q is not one of [%s]", e.Key, e.Value, strings.Join(e.Allowed, ", "))
}

// TypeError is returned when a value cannot be read as the option's type.
type TypeError struct {
	Key   string
	Want  Type
	Value any
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("option %q: %v (%T) is not a valid %s", e.Key, e.Value, e.Value, e.Want)
}

// UnknownOptionError is returned for keys the schema does not declare.
type UnknownOptionError struct {
	Key string
}

func (e *UnknownOptionError) Error() string {
	return fmt.Sprintf("unknown option %q", e.Key)
}

// Validate checks proposed against the option's type and constraints and
// returns the normalized value.
func (s *Schema) Validate(key string, proposed any) (any, error) {
	o, ok := s.byKey[key]
	if !ok {
		return nil, qerr.New(qerr.CodeUnknownKey, &UnknownOptionError{Key: key})
	}
	return validateOption(o, proposed)
}

// Clamp is Validate with out-of-range numbers pulled onto the violated bound
// instead of rejected.
func (s *Schema) Clamp(key string, proposed any) (any, error) {
	o, ok := s.byKey[key]
	if !ok {
		return nil, qerr.New(qerr.CodeUnknownKey, &UnknownOptionError{Key: key})
	}
	v, err := coerce(o, proposed)
	if err != nil {
		return nil, err
	}
	if !o.Type.Numeric() {
		return validateOption(o, v)
	}
	f := toFloat(v)
	if o.Min != nil && f < *o.Min {
		f = *o.Min
		if o.Type == TypeInt {
			f = math.Ceil(f)
		}
	}
	if o.Max != nil && f > *o.Max {
		f = *o.Max
		if o.Type == TypeInt {
			f = math.Floor(f)
		}
	}
	if o.Type == TypeInt {
		return int64(f), nil
	}
	return f, nil
}

// ValidateAll validates every entry and returns the normalized copy. All
// failures are reported together.
func (s *Schema) ValidateAll(values Values) (Values, error) {
	out := make(Values, len(values))
	var errs []error
	for _, k := range sortedKeys(values) {
		v, err := s.Validate(k, values[k])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out[k] = v
	}
	if len(errs) > 0 {
		return nil, joinErrors(errs)
	}
	return out, nil
}

func validateOption(o *Option, proposed any) (any, error) {
	v, err := coerce(o, proposed)
	if err != nil {
		return nil, err
	}

	switch o.Type {
	case TypeInt, TypeFloat:
		f := toFloat(v)
		if o.Min != nil && f < *o.Min {
			return nil, qerr.New(qerr.CodeRange, &RangeError{Key: o.Key, Bound: "min", Limit: *o.Min, Value: f})
		}
		if o.Max != nil && f > *o.Max {
			return nil, qerr.New(qerr.CodeRange, &RangeError{Key: o.Key, Bound: "max", Limit: *o.Max, Value: f})
		}
	case TypeEnum:
		if !slices.Contains(o.Allowed, v.(string)) {
			return nil, qerr.New(qerr.CodeEnum, &EnumError{Key: o.Key, Value: v.(string), Allowed: o.Allowed})
		}
	}
	return v, nil
}

// coerce converts proposed to the option's normalized Go type.
func coerce(o *Option, proposed any) (any, error) {
	typeErr := func() error {
		return qerr.New(qerr.CodeType, &TypeError{Key: o.Key, Want: o.Type, Value: proposed})
	}

	switch o.Type {
	case TypeBool:
		switch v := proposed.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return nil, typeErr()
			}
			return b, nil
		}
		return nil, typeErr()

	case TypeInt:
		f, ok := number(proposed)
		if !ok || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
			return nil, typeErr()
		}
		return int64(f), nil

	case TypeFloat:
		f, ok := number(proposed)
		if !ok {
			return nil, typeErr()
		}
		return f, nil

	case TypeEnum, TypeString:
		switch v := proposed.(type) {
		case string:
			return v, nil
		case fmt.Stringer:
			return v.String(), nil
		}
		return nil, typeErr()
	}
	return nil, typeErr()
}

// number reads any Go numeric, json.Number or numeric string as float64.
func number(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case int:
		f = float64(n)
	case int8:
		f = float64(n)
	case int16:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint8:
		f = float64(n)
	case uint16:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case float32:
		// Through the shortest decimal so 0.3 stays 0.3.
		f, _ = strconv.ParseFloat(strconv.FormatFloat(float64(n), 'g', -1, 32), 64)
	case float64:
		f = n
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case int64:
		return float64(n)
	case float64:
		return n
	}
	return math.NaN()
}

// FormatValue renders a normalized value the way the engine config expects.
func FormatValue(v any) string {
	switch n := v.(type) {
	case bool:
		return strconv.FormatBool(n)
	case int64:
		return strconv.FormatInt(n, 10)
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64)
	case string:
		return n
	}
	return fmt.Sprint(v)
}
