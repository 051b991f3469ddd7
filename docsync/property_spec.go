package docsync

import (
	"errors"
	"fmt"
)

type SpecKind int

const (
	SpecValue SpecKind = iota + 1
	SpecField
	SpecExpr
)

func (self SpecKind) String() string {
	switch self {
	case SpecValue:
		return "value"
	case SpecField:
		return "field"
	case SpecExpr:
		return "expr"
	default:
		return "unknown"
	}
}

// Spec is the value of a dataspec property: exactly one of a literal value,
// a column name or an expression model, with optional units and transform.
type Spec struct {
	Kind  SpecKind
	Value any
	Field string
	Expr  *Model

	// empty means the property's default units
	Units     string
	Transform *Model
}

func ValueSpec(value any) Spec {
	return Spec{
		Kind:  SpecValue,
		Value: value,
	}
}

func FieldSpec(field string) Spec {
	return Spec{
		Kind:  SpecField,
		Field: field,
	}
}

func ExprSpec(expr *Model) Spec {
	return Spec{
		Kind: SpecExpr,
		Expr: expr,
	}
}

func (self Spec) WithUnits(units string) Spec {
	self.Units = units
	return self
}

func (self Spec) WithTransform(transform *Model) Spec {
	self.Transform = transform
	return self
}

func (self Spec) validate() error {
	switch self.Kind {
	case SpecValue:
		if self.Field != "" || self.Expr != nil {
			return errors.New("spec must have exactly one of value, field, expr")
		}
	case SpecField:
		if self.Field == "" {
			return errors.New("field spec must name a field")
		}
		if self.Value != nil || self.Expr != nil {
			return errors.New("spec must have exactly one of value, field, expr")
		}
	case SpecExpr:
		if self.Expr == nil {
			return errors.New("expr spec must reference an expression")
		}
		if self.Value != nil || self.Field != "" {
			return errors.New("spec must have exactly one of value, field, expr")
		}
		if self.Expr.kind.Expression == nil {
			return fmt.Errorf("%s is not an expression", self.Expr.Type())
		}
	default:
		return errors.New("spec must have exactly one of value, field, expr")
	}
	if self.Transform != nil && self.Transform.kind.Transform == nil {
		return fmt.Errorf("%s is not a transform", self.Transform.Type())
	}
	return nil
}

// parses the JSON form. Nested reference tokens must already be resolved to models.
func parseSpec(obj map[string]any) (Spec, error) {
	var spec Spec
	count := 0
	for key, value := range obj {
		switch key {
		case "value":
			count += 1
			spec.Kind = SpecValue
			spec.Value = value
		case "field":
			count += 1
			field, ok := value.(string)
			if !ok {
				return Spec{}, fmt.Errorf("spec field must be a string, got %T", value)
			}
			spec.Kind = SpecField
			spec.Field = field
		case "expr":
			count += 1
			expr, ok := value.(*Model)
			if !ok {
				return Spec{}, fmt.Errorf("spec expr must be a model, got %T", value)
			}
			spec.Kind = SpecExpr
			spec.Expr = expr
		case "units":
			units, ok := value.(string)
			if !ok {
				return Spec{}, fmt.Errorf("spec units must be a string, got %T", value)
			}
			spec.Units = units
		case "transform":
			transform, ok := value.(*Model)
			if !ok {
				return Spec{}, fmt.Errorf("spec transform must be a model, got %T", value)
			}
			spec.Transform = transform
		default:
			return Spec{}, fmt.Errorf("unknown spec key %q", key)
		}
	}
	if count != 1 {
		return Spec{}, fmt.Errorf("spec must have exactly one of value, field, expr (has %d)", count)
	}
	return spec, nil
}

func (self Spec) toJSON() map[string]any {
	obj := map[string]any{}
	switch self.Kind {
	case SpecValue:
		obj["value"] = valueToJSON(self.Value)
	case SpecField:
		obj["field"] = self.Field
	case SpecExpr:
		obj["expr"] = self.Expr.RefJSON()
	}
	if self.Units != "" {
		obj["units"] = self.Units
	}
	if self.Transform != nil {
		obj["transform"] = self.Transform.RefJSON()
	}
	return obj
}

func (self Spec) equal(b Spec) bool {
	return self.Kind == b.Kind &&
		valuesEqual(self.Value, b.Value) &&
		self.Field == b.Field &&
		self.Expr == b.Expr &&
		self.Units == b.Units &&
		self.Transform == b.Transform
}
