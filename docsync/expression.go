package docsync

import (
	"fmt"
)

// CumSum computes the cumulative sum of one column.
// With `include_zero` the sums start at 0 and exclude the current row.
var CumSumKind = &ModelKind{
	Name: "CumSum",
	Properties: []*PropertyDef{
		{
			Name: "name",
			Type: NullableType(StringType),
		},
		{
			Name: "field",
			Type: StringType,
			Default: func() any {
				return ""
			},
		},
		{
			Name: "include_zero",
			Type: BoolType,
			Default: func() any {
				return false
			},
		},
	},
	Expression: func(expr *Model, source *Model) ([]any, error) {
		field, _ := expr.RequireGetv("field").(string)
		includeZero, _ := expr.RequireGetv("include_zero").(bool)
		column, err := floatColumn(source, field)
		if err != nil {
			return nil, err
		}
		values := make([]any, len(column))
		sum := 0.0
		for i, f := range column {
			if includeZero {
				values[i] = sum
				sum += f
			} else {
				sum += f
				values[i] = sum
			}
		}
		return values, nil
	},
}

// Stack sums a list of columns row by row.
var StackKind = &ModelKind{
	Name: "Stack",
	Properties: []*PropertyDef{
		{
			Name: "name",
			Type: NullableType(StringType),
		},
		{
			Name: "fields",
			Type: ListType(StringType),
			Default: func() any {
				return []any{}
			},
		},
	},
	Expression: func(expr *Model, source *Model) ([]any, error) {
		fields, _ := expr.RequireGetv("fields").([]any)
		data, err := ColumnDataOf(source)
		if err != nil {
			return nil, err
		}
		n := columnDataLength(data)
		sums := make([]float64, n)
		for _, field := range fields {
			column, err := floatColumn(source, field.(string))
			if err != nil {
				return nil, err
			}
			if len(column) != n {
				return nil, fmt.Errorf("column %q has %d rows, expected %d", field, len(column), n)
			}
			for i, f := range column {
				sums[i] += f
			}
		}
		values := make([]any, n)
		for i, f := range sums {
			values[i] = f
		}
		return values, nil
	},
}

// Dodge offsets every value.
var DodgeKind = &ModelKind{
	Name: "Dodge",
	Properties: []*PropertyDef{
		{
			Name: "name",
			Type: NullableType(StringType),
		},
		{
			Name: "value",
			Type: FloatType,
			Default: func() any {
				return 0.0
			},
		},
	},
	Transform: func(transform *Model, values []any) ([]any, error) {
		offset, _ := transform.RequireGetv("value").(float64)
		return mapFloats(values, func(f float64) float64 {
			return f + offset
		})
	},
}

// Scale multiplies every value.
var ScaleKind = &ModelKind{
	Name: "Scale",
	Properties: []*PropertyDef{
		{
			Name: "name",
			Type: NullableType(StringType),
		},
		{
			Name: "factor",
			Type: FloatType,
			Default: func() any {
				return 1.0
			},
		},
	},
	Transform: func(transform *Model, values []any) ([]any, error) {
		factor, _ := transform.RequireGetv("factor").(float64)
		return mapFloats(values, func(f float64) float64 {
			return f * factor
		})
	},
}

func floatColumn(source *Model, field string) ([]float64, error) {
	data, err := ColumnDataOf(source)
	if err != nil {
		return nil, err
	}
	column, ok := data[field]
	if !ok {
		return nil, fmt.Errorf("column %q not found in %s", field, source)
	}
	if floats, ok := column.([]float64); ok {
		return floats, nil
	}
	items, _ := toAnySlice(column)
	floats := make([]float64, len(items))
	for i, item := range items {
		f, ok := toFloat64(item)
		if !ok {
			return nil, fmt.Errorf("column %q row %d is not a number", field, i)
		}
		floats[i] = f
	}
	return floats, nil
}

// nil passes through
func mapFloats(values []any, fn func(float64) float64) ([]any, error) {
	out := make([]any, len(values))
	for i, value := range values {
		if value == nil {
			continue
		}
		f, ok := toFloat64(value)
		if !ok {
			return nil, fmt.Errorf("expected a number, got %T", value)
		}
		out[i] = fn(f)
	}
	return out, nil
}
