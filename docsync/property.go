package docsync

import (
	"fmt"
)

// PropertyDef declares one attribute of a model kind.
type PropertyDef struct {
	Name string
	Type *PropertyType
	// returns a fresh default. nil means the default is nil.
	Default func() any
	// internal properties are never serialized or synchronized
	Internal bool
}

func (self *PropertyDef) defaultValue() any {
	if self.Default == nil {
		return nil
	}
	return self.Default()
}

// Property is one typed, validated, observable slot on a model.
type Property struct {
	owner *Model
	def   *PropertyDef
	value any
	// set explicitly rather than defaulted
	dirty bool
}

func (self *Property) Name() string {
	return self.def.Name
}

func (self *Property) Def() *PropertyDef {
	return self.def
}

func (self *Property) IsDirty() bool {
	return self.dirty
}

// Get returns the current value. A value spec is unwrapped, converted to
// canonical units and passed through its transform. Field and expression
// specs are returned as the `Spec`, see `Materialize`.
func (self *Property) Get() any {
	spec, ok := self.value.(Spec)
	if !ok || spec.Kind != SpecValue {
		return self.value
	}
	values, err := self.convert(spec, []any{spec.Value})
	if err != nil {
		// the stored value was validated, so only a failing transform gets here
		modelLog("%s(%s).%s transform failed = %s", self.owner.Type(), self.owner.Id(), self.def.Name, err)
		return spec.Value
	}
	return values[0]
}

// Spec returns the stored spec of a dataspec property.
func (self *Property) Spec() (Spec, bool) {
	spec, ok := self.value.(Spec)
	return spec, ok
}

func (self *Property) Set(value any, opts ...SetOption) error {
	return self.owner.Setv(map[string]any{self.def.Name: value}, opts...)
}

// Materialize resolves the dataspec against a tabular source:
// a value broadcasts to the row count, a field is a column lookup,
// and an expression computes one value per row.
func (self *Property) Materialize(source *Model) ([]any, error) {
	spec, ok := self.value.(Spec)
	if !ok {
		return nil, fmt.Errorf("%s.%s is not a dataspec", self.owner.Type(), self.def.Name)
	}
	data, err := ColumnDataOf(source)
	if err != nil {
		return nil, err
	}

	var values []any
	switch spec.Kind {
	case SpecValue:
		n := columnDataLength(data)
		converted, err := self.convert(spec, []any{spec.Value})
		if err != nil {
			return nil, err
		}
		values = make([]any, n)
		for i := range values {
			values[i] = converted[0]
		}
		return values, nil
	case SpecField:
		column, ok := data[spec.Field]
		if !ok {
			return nil, fmt.Errorf("column %q not found in %s(%s)", spec.Field, source.Type(), source.Id())
		}
		values, _ = toAnySlice(column)
		// do not alias the source column
		values = append([]any(nil), values...)
	case SpecExpr:
		values, err = spec.Expr.kind.Expression(spec.Expr, source)
		if err != nil {
			return nil, fmt.Errorf("%s expression: %w", spec.Expr.Type(), err)
		}
	default:
		return nil, fmt.Errorf("invalid spec kind %d", spec.Kind)
	}
	return self.convert(spec, values)
}

func (self *Property) convert(spec Spec, values []any) ([]any, error) {
	if units := self.def.Type.units; units != nil {
		converted := make([]any, len(values))
		for i, value := range values {
			if value == nil {
				continue
			}
			f, ok := toFloat64(value)
			if !ok {
				return nil, fmt.Errorf("expected a number for %s units, got %T", units.Name, value)
			}
			c, err := units.ToCanonical(f, spec.Units)
			if err != nil {
				return nil, err
			}
			converted[i] = c
		}
		values = converted
	}
	if spec.Transform != nil {
		return spec.Transform.kind.Transform(spec.Transform, values)
	}
	return values, nil
}
