package docsync

import (
	"errors"
	"math"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestPropertyTypeValidate(t *testing.T) {
	v, err := FloatType.Validate(5)
	assert.Equal(t, err, nil)
	assert.Equal(t, v, 5.0)

	_, err = FloatType.Validate("5")
	assert.NotEqual(t, err, nil)

	v, err = IntType.Validate(int64(3))
	assert.Equal(t, err, nil)
	assert.Equal(t, v, 3.0)
	_, err = IntType.Validate(1.5)
	assert.NotEqual(t, err, nil)

	_, err = BoolType.Validate(1)
	assert.NotEqual(t, err, nil)

	color := EnumType("red", "green")
	v, err = color.Validate("red")
	assert.Equal(t, err, nil)
	assert.Equal(t, v, "red")
	_, err = color.Validate("blue")
	assert.NotEqual(t, err, nil)

	nullable := NullableType(StringType)
	v, err = nullable.Validate(nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, v, nil)
	_, err = nullable.Validate(1)
	assert.NotEqual(t, err, nil)

	v, err = ListType(FloatType).Validate([]int{1, 2})
	assert.Equal(t, err, nil)
	assert.Equal(t, v, []any{1.0, 2.0})
	_, err = ListType(FloatType).Validate([]any{1, "2"})
	assert.NotEqual(t, err, nil)

	v, err = DictType(IntType).Validate(map[string]any{"a": 1})
	assert.Equal(t, err, nil)
	assert.Equal(t, v, map[string]any{"a": 1.0})

	v, err = AnyType.Validate(map[string]any{"a": []any{1, "b"}})
	assert.Equal(t, err, nil)
	assert.Equal(t, v, map[string]any{"a": []any{1.0, "b"}})
}

func TestPropertyTypeNonFinite(t *testing.T) {
	for _, f := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := FloatType.Validate(f)
		assert.NotEqual(t, err, nil)
		_, err = IntType.Validate(f)
		assert.NotEqual(t, err, nil)
		_, err = NumberSpecType.Validate(f)
		assert.NotEqual(t, err, nil)
	}

	// rejected on set, so the model always encodes
	model := newTestModel(t, map[string]any{"x": 1})
	err := model.Setv(map[string]any{"x": math.Inf(1)})
	var validationErr *ValidationError
	assert.Equal(t, errors.As(err, &validationErr), true)
	assert.Equal(t, validationErr.Attr, "x")
	assert.Equal(t, model.RequireGetv("x"), 1.0)
	doc := NewDocument(newTestRegistry())
	err = doc.AddRoot(model)
	assert.Equal(t, err, nil)
	_, err = doc.ToJSONString(true)
	assert.Equal(t, err, nil)
}

func TestInstanceType(t *testing.T) {
	source, err := NewColumnDataSource(map[string]any{})
	assert.Equal(t, err, nil)
	model := newTestModel(t, nil)

	sources := InstanceType("ColumnDataSource")
	v, err := sources.Validate(source)
	assert.Equal(t, err, nil)
	assert.Equal(t, v.(*Model).Id(), source.Id())

	_, err = sources.Validate(model)
	assert.NotEqual(t, err, nil)
	_, err = sources.Validate(nil)
	assert.NotEqual(t, err, nil)

	sub, err := NewModel(testSubModelKind, nil)
	assert.Equal(t, err, nil)
	_, err = InstanceType("TestSubModel").Validate(sub)
	assert.Equal(t, err, nil)
}

func TestColumnDataType(t *testing.T) {
	v, err := ColumnDataType.Validate(map[string]any{
		"x": []any{1, 2.5},
		"s": []string{"a", "b"},
		"e": []any{},
	})
	assert.Equal(t, err, nil)
	data := v.(map[string]any)
	// number columns are packed
	assert.Equal(t, data["x"], []float64{1, 2.5})
	assert.Equal(t, data["s"], []any{"a", "b"})
	assert.Equal(t, data["e"], []any{})

	_, err = ColumnDataType.Validate(map[string]any{"x": 1})
	assert.NotEqual(t, err, nil)
}

func TestDataspec(t *testing.T) {
	model := newTestModel(t, nil)

	// default
	assert.Equal(t, model.RequireGetv("size"), 1.0)

	err := model.Setv(map[string]any{"size": 3})
	assert.Equal(t, err, nil)
	assert.Equal(t, model.RequireGetv("size"), 3.0)

	// a string is a field
	err = model.Setv(map[string]any{"size": "width"})
	assert.Equal(t, err, nil)
	prop, err := model.Property("size")
	assert.Equal(t, err, nil)
	spec, ok := prop.Spec()
	assert.Equal(t, ok, true)
	assert.Equal(t, spec.Kind, SpecField)
	assert.Equal(t, spec.Field, "width")

	// the JSON form
	err = model.Setv(map[string]any{"size": map[string]any{"value": 2}})
	assert.Equal(t, err, nil)
	assert.Equal(t, model.RequireGetv("size"), 2.0)

	// more than one of value, field, expr
	err = model.Setv(map[string]any{"size": map[string]any{"value": 2, "field": "a"}})
	var validationErr *ValidationError
	assert.Equal(t, errors.As(err, &validationErr), true)
	assert.Equal(t, validationErr.Attr, "size")
	assert.Equal(t, model.RequireGetv("size"), 2.0)

	// size has no units
	err = model.Setv(map[string]any{"size": ValueSpec(2.0).WithUnits("deg")})
	assert.NotEqual(t, err, nil)
}

func TestDataspecUnits(t *testing.T) {
	model := newTestModel(t, map[string]any{
		"angle": ValueSpec(180).WithUnits("deg"),
	})
	angle := model.RequireGetv("angle").(float64)
	assert.Equal(t, math.Abs(angle-math.Pi) < 1e-9, true)

	err := model.Setv(map[string]any{
		"angle": map[string]any{"value": 0.5, "units": "turn"},
	})
	assert.Equal(t, err, nil)
	angle = model.RequireGetv("angle").(float64)
	assert.Equal(t, math.Abs(angle-math.Pi) < 1e-9, true)

	err = model.Setv(map[string]any{
		"angle": ValueSpec(1).WithUnits("parsec"),
	})
	assert.NotEqual(t, err, nil)

	assert.Equal(t, AngleUnits.Accepts("grad"), true)
	assert.Equal(t, DistanceUnits.Accepts("screen"), true)
	assert.Equal(t, DistanceUnits.Accepts("deg"), false)
}

func TestDataspecMaterialize(t *testing.T) {
	source, err := NewColumnDataSource(map[string]any{
		"a": []any{1, 2, 3},
		"b": []any{10, 20, 30},
	})
	assert.Equal(t, err, nil)

	model := newTestModel(t, nil)
	prop, err := model.Property("size")
	assert.Equal(t, err, nil)

	// a value broadcasts
	values, err := prop.Materialize(source)
	assert.Equal(t, err, nil)
	assert.Equal(t, values, []any{1.0, 1.0, 1.0})

	err = prop.Set("b")
	assert.Equal(t, err, nil)
	values, err = prop.Materialize(source)
	assert.Equal(t, err, nil)
	assert.Equal(t, values, []any{10.0, 20.0, 30.0})

	err = prop.Set("missing")
	assert.Equal(t, err, nil)
	_, err = prop.Materialize(source)
	assert.NotEqual(t, err, nil)

	cumsum := RequireNewModel(CumSumKind, map[string]any{"field": "a"})
	scale := RequireNewModel(ScaleKind, map[string]any{"factor": 2})
	err = prop.Set(ExprSpec(cumsum).WithTransform(scale))
	assert.Equal(t, err, nil)
	values, err = prop.Materialize(source)
	assert.Equal(t, err, nil)
	assert.Equal(t, values, []any{2.0, 6.0, 12.0})

	err = cumsum.Setv(map[string]any{"include_zero": true})
	assert.Equal(t, err, nil)
	values, err = prop.Materialize(source)
	assert.Equal(t, err, nil)
	assert.Equal(t, values, []any{0.0, 2.0, 6.0})

	stack := RequireNewModel(StackKind, map[string]any{"fields": []string{"a", "b"}})
	dodge := RequireNewModel(DodgeKind, map[string]any{"value": 0.5})
	err = prop.Set(ExprSpec(stack).WithTransform(dodge))
	assert.Equal(t, err, nil)
	values, err = prop.Materialize(source)
	assert.Equal(t, err, nil)
	assert.Equal(t, values, []any{11.5, 22.5, 33.5})

	// a transform is not an expression
	err = prop.Set(ExprSpec(scale))
	assert.NotEqual(t, err, nil)
}

func TestDataspecTransformValue(t *testing.T) {
	scale := RequireNewModel(ScaleKind, map[string]any{"factor": 10})
	model := newTestModel(t, map[string]any{
		"size": ValueSpec(2).WithTransform(scale),
	})
	assert.Equal(t, model.RequireGetv("size"), 20.0)

	// the dataspec references the transform
	refs := model.References()
	assert.Equal(t, len(refs), 2)
	assert.Equal(t, refs[1].Id(), scale.Id())
}
