package docsync

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"golang.org/x/exp/slices"
)

// PropertyType validates values assigned to a property.
// Validation may normalize representation (all numbers are stored as float64,
// typed slices become []any) but never turns an invalid value into a valid one.
type PropertyType struct {
	Name string

	validate func(value any) (any, error)

	// dataspec types store a `Spec`
	dataspec bool
	units    *Units
	element  *PropertyType
}

func (self *PropertyType) Validate(value any) (any, error) {
	return self.validate(value)
}

func (self *PropertyType) IsDataspec() bool {
	return self.dataspec
}

func (self *PropertyType) Units() *Units {
	return self.units
}

func (self *PropertyType) String() string {
	return self.Name
}

var AnyType = &PropertyType{
	Name: "Any",
	validate: func(value any) (any, error) {
		return normalizeValue(value), nil
	},
}

var BoolType = &PropertyType{
	Name: "Bool",
	validate: func(value any) (any, error) {
		if b, ok := value.(bool); ok {
			return b, nil
		}
		return nil, fmt.Errorf("expected a bool, got %T", value)
	},
}

// numbers are stored as float64, the JSON number representation
var FloatType = &PropertyType{
	Name: "Float",
	validate: func(value any) (any, error) {
		f, ok := toFloat64(value)
		if !ok {
			return nil, fmt.Errorf("expected a number, got %T", value)
		}
		// not representable in JSON
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("expected a finite number, got %v", f)
		}
		return f, nil
	},
}

var IntType = &PropertyType{
	Name: "Int",
	validate: func(value any) (any, error) {
		f, ok := toFloat64(value)
		if !ok {
			return nil, fmt.Errorf("expected an integer, got %T", value)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
			return nil, fmt.Errorf("expected an integer, got %v", f)
		}
		return f, nil
	},
}

var StringType = &PropertyType{
	Name: "String",
	validate: func(value any) (any, error) {
		if s, ok := value.(string); ok {
			return s, nil
		}
		return nil, fmt.Errorf("expected a string, got %T", value)
	},
}

// column name -> column array
var ColumnDataType = &PropertyType{
	Name: "ColumnData",
	validate: func(value any) (any, error) {
		data, ok := value.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expected column data, got %T", value)
		}
		out := make(map[string]any, len(data))
		for name, column := range data {
			c, err := normalizeColumn(column)
			if err != nil {
				return nil, fmt.Errorf("column %q: %w", name, err)
			}
			out[name] = c
		}
		return out, nil
	},
}

func EnumType(values ...string) *PropertyType {
	return &PropertyType{
		Name: fmt.Sprintf("Enum(%s)", strings.Join(values, ", ")),
		validate: func(value any) (any, error) {
			s, ok := value.(string)
			if !ok {
				return nil, fmt.Errorf("expected a string, got %T", value)
			}
			if !slices.Contains(values, s) {
				return nil, fmt.Errorf("expected one of %v", values)
			}
			return s, nil
		},
	}
}

func NullableType(t *PropertyType) *PropertyType {
	return &PropertyType{
		Name: fmt.Sprintf("Nullable(%s)", t.Name),
		validate: func(value any) (any, error) {
			if value == nil {
				return nil, nil
			}
			return t.validate(value)
		},
	}
}

func ListType(t *PropertyType) *PropertyType {
	return &PropertyType{
		Name: fmt.Sprintf("List(%s)", t.Name),
		validate: func(value any) (any, error) {
			items, ok := toAnySlice(value)
			if !ok {
				return nil, fmt.Errorf("expected a list, got %T", value)
			}
			out := make([]any, len(items))
			for i, item := range items {
				v, err := t.validate(item)
				if err != nil {
					return nil, fmt.Errorf("item %d: %w", i, err)
				}
				out[i] = v
			}
			return out, nil
		},
	}
}

func DictType(t *PropertyType) *PropertyType {
	return &PropertyType{
		Name: fmt.Sprintf("Dict(String, %s)", t.Name),
		validate: func(value any) (any, error) {
			items, ok := value.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("expected a dict, got %T", value)
			}
			out := make(map[string]any, len(items))
			for k, item := range items {
				v, err := t.validate(item)
				if err != nil {
					return nil, fmt.Errorf("key %q: %w", k, err)
				}
				out[k] = v
			}
			return out, nil
		},
	}
}

// a reference to another model. With no type names any model is accepted.
func InstanceType(typeNames ...string) *PropertyType {
	name := "Instance"
	if 0 < len(typeNames) {
		name = fmt.Sprintf("Instance(%s)", strings.Join(typeNames, ", "))
	}
	return &PropertyType{
		Name: name,
		validate: func(value any) (any, error) {
			m, ok := value.(*Model)
			if !ok || m == nil {
				return nil, fmt.Errorf("expected a model, got %T", value)
			}
			if len(typeNames) == 0 {
				return m, nil
			}
			if slices.Contains(typeNames, m.Type()) || (m.Subtype() != "" && slices.Contains(typeNames, m.Subtype())) {
				return m, nil
			}
			return nil, fmt.Errorf("expected one of %v, got %s", typeNames, m.Type())
		},
	}
}

var NumberSpecType = dataspecType("NumberSpec", FloatType, nil)
var StringSpecType = dataspecType("StringSpec", StringType, nil)
var AngleSpecType = dataspecType("AngleSpec", FloatType, AngleUnits)
var DistanceSpecType = dataspecType("DistanceSpec", FloatType, DistanceUnits)

// A dataspec property accepts a `Spec`, its JSON form, a string (a field name)
// or a plain element value (a value spec).
func dataspecType(name string, element *PropertyType, units *Units) *PropertyType {
	t := &PropertyType{
		Name:     name,
		dataspec: true,
		units:    units,
		element:  element,
	}
	t.validate = func(value any) (any, error) {
		var spec Spec
		switch v := value.(type) {
		case Spec:
			spec = v
		case *Spec:
			spec = *v
		case map[string]any:
			var err error
			spec, err = parseSpec(v)
			if err != nil {
				return nil, err
			}
		case string:
			spec = FieldSpec(v)
		default:
			spec = ValueSpec(v)
		}
		if err := spec.validate(); err != nil {
			return nil, err
		}
		if spec.Units != "" {
			if units == nil {
				return nil, fmt.Errorf("%s does not accept units", name)
			}
			if !units.Accepts(spec.Units) {
				return nil, fmt.Errorf("invalid %s units %q", units.Name, spec.Units)
			}
		}
		if spec.Kind == SpecValue && spec.Value != nil {
			v, err := element.validate(spec.Value)
			if err != nil {
				return nil, err
			}
			spec.Value = v
		}
		return spec, nil
	}
	return t
}

func toFloat64(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func toAnySlice(value any) ([]any, bool) {
	switch v := value.(type) {
	case []any:
		return v, true
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out, true
	case []float64:
		out := make([]any, len(v))
		for i, f := range v {
			out[i] = f
		}
		return out, true
	case []int:
		out := make([]any, len(v))
		for i, n := range v {
			out[i] = float64(n)
		}
		return out, true
	default:
		return nil, false
	}
}

// float64 columns stay typed so they can travel as binary buffers
func normalizeColumn(column any) (any, error) {
	switch v := column.(type) {
	case []float64:
		return v, nil
	case []any:
		// all number columns are packed
		if floats, ok := packFloats(v); ok {
			return floats, nil
		}
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = normalizeValue(item)
		}
		return out, nil
	default:
		items, ok := toAnySlice(column)
		if !ok {
			return nil, fmt.Errorf("expected an array, got %T", column)
		}
		if floats, ok := packFloats(items); ok {
			return floats, nil
		}
		return items, nil
	}
}

func packFloats(items []any) ([]float64, bool) {
	if len(items) == 0 {
		return nil, false
	}
	floats := make([]float64, len(items))
	for i, item := range items {
		f, ok := toFloat64(item)
		if !ok {
			return nil, false
		}
		floats[i] = f
	}
	return floats, true
}

func normalizeValue(value any) any {
	if f, ok := toFloat64(value); ok {
		return f
	}
	switch v := value.(type) {
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = normalizeValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = normalizeValue(item)
		}
		return out
	default:
		return value
	}
}
