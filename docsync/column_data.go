package docsync

import (
	"fmt"
	"sort"

	"golang.org/x/exp/maps"
)

// ColumnDataSource is the built-in tabular model. Its `data` maps column
// names to equal length columns. Float columns are kept as []float64.
var ColumnDataSourceKind = &ModelKind{
	Name: "ColumnDataSource",
	Properties: []*PropertyDef{
		{
			Name: "name",
			Type: NullableType(StringType),
		},
		{
			Name: "data",
			Type: ColumnDataType,
			Default: func() any {
				return map[string]any{}
			},
		},
	},
}

func NewColumnDataSource(data map[string]any) (*Model, error) {
	return NewModel(ColumnDataSourceKind, map[string]any{
		"data": data,
	})
}

// ColumnDataOf returns the column data of a tabular source.
func ColumnDataOf(source *Model) (map[string]any, error) {
	if source == nil {
		return nil, fmt.Errorf("no data source")
	}
	prop, err := source.Property("data")
	if err != nil {
		return nil, fmt.Errorf("%s is not a data source: %w", source, err)
	}
	data, ok := prop.value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s is not a data source", source)
	}
	return data, nil
}

// the row count. Columns are expected to agree, the first column by name wins.
func columnDataLength(data map[string]any) int {
	if len(data) == 0 {
		return 0
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return columnLength(data[keys[0]])
}

func columnLength(column any) int {
	switch v := column.(type) {
	case []float64:
		return len(v)
	case []any:
		return len(v)
	default:
		return 0
	}
}

func appendColumn(column any, tail any, rollover int) any {
	if a, ok := column.([]float64); ok {
		if b, ok := tail.([]float64); ok {
			next := make([]float64, 0, len(a)+len(b))
			next = append(next, a...)
			next = append(next, b...)
			if 0 < rollover && rollover < len(next) {
				next = next[len(next)-rollover:]
			}
			return next
		}
	}
	a, _ := toAnySlice(column)
	b, _ := toAnySlice(tail)
	next := make([]any, 0, len(a)+len(b))
	next = append(next, a...)
	next = append(next, b...)
	if 0 < rollover && rollover < len(next) {
		next = next[len(next)-rollover:]
	}
	return next
}

// Stream appends rows to every column of the source. When `rollover` is
// positive, only the last `rollover` rows are kept.
// The document sees a single `ColumnsStreamed` event.
func Stream(source *Model, data map[string]any, rollover int, opts ...SetOption) error {
	current, err := ColumnDataOf(source)
	if err != nil {
		return err
	}
	v, err := ColumnDataType.validate(data)
	if err != nil {
		return &ValidationError{ModelType: source.Type(), ModelId: source.Id(), Attr: "data", Value: data, Reason: err.Error()}
	}
	streamed := v.(map[string]any)
	if 0 < len(current) {
		if len(streamed) != len(current) {
			return fmt.Errorf("stream must provide every column of %s", source)
		}
		for name := range streamed {
			if _, ok := current[name]; !ok {
				return fmt.Errorf("stream column %q not in %s", name, source)
			}
		}
	}

	next := make(map[string]any, len(streamed))
	for name, tail := range streamed {
		next[name] = appendColumn(current[name], tail, rollover)
	}
	return applyColumnData(source, next, opts, func(change attributeChange, options setOptions) DocumentChangedEvent {
		return &ColumnsStreamedEvent{
			documentEvent: documentEvent{document: source.document, setterId: options.setterId},
			Source:        source,
			Data:          streamed,
			Rollover:      rollover,
		}
	})
}

type ColumnPatch struct {
	Index int
	Value any
}

// Patch replaces individual cells. The document sees a single `ColumnsPatched` event.
func Patch(source *Model, patches map[string][]ColumnPatch, opts ...SetOption) error {
	current, err := ColumnDataOf(source)
	if err != nil {
		return err
	}
	next := maps.Clone(current)
	for name, columnPatches := range patches {
		column, ok := current[name]
		if !ok {
			return fmt.Errorf("patch column %q not in %s", name, source)
		}
		n := columnLength(column)
		switch c := column.(type) {
		case []float64:
			out := append([]float64(nil), c...)
			var generic []any
			for _, patch := range columnPatches {
				if patch.Index < 0 || n <= patch.Index {
					return fmt.Errorf("patch index %d out of range for column %q", patch.Index, name)
				}
				if f, ok := toFloat64(patch.Value); ok && generic == nil {
					out[patch.Index] = f
					continue
				}
				// a non float value widens the column
				if generic == nil {
					generic, _ = toAnySlice(out)
				}
				generic[patch.Index] = normalizeValue(patch.Value)
			}
			if generic != nil {
				next[name] = generic
			} else {
				next[name] = out
			}
		default:
			items, _ := toAnySlice(c)
			out := append([]any(nil), items...)
			for _, patch := range columnPatches {
				if patch.Index < 0 || n <= patch.Index {
					return fmt.Errorf("patch index %d out of range for column %q", patch.Index, name)
				}
				out[patch.Index] = normalizeValue(patch.Value)
			}
			next[name] = out
		}
	}
	return applyColumnData(source, next, opts, func(change attributeChange, options setOptions) DocumentChangedEvent {
		return &ColumnsPatchedEvent{
			documentEvent: documentEvent{document: source.document, setterId: options.setterId},
			Source:        source,
			Patches:       patches,
		}
	})
}

// SetColumns replaces whole columns, leaving the others in place.
// Cells are not re-validated. The document sees a single `ColumnDataChanged` event.
func SetColumns(source *Model, columns map[string]any, opts ...SetOption) error {
	current, err := ColumnDataOf(source)
	if err != nil {
		return err
	}
	next := maps.Clone(current)
	replaced := make(map[string]any, len(columns))
	cols := make([]string, 0, len(columns))
	for name, column := range columns {
		if floats, ok := column.([]float64); ok {
			replaced[name] = floats
		} else {
			items, ok := toAnySlice(column)
			if !ok {
				return &ValidationError{ModelType: source.Type(), ModelId: source.Id(), Attr: "data", Value: column, Reason: fmt.Sprintf("column %q is not an array", name)}
			}
			if floats, ok := packFloats(items); ok {
				replaced[name] = floats
			} else {
				replaced[name] = items
			}
		}
		next[name] = replaced[name]
		cols = append(cols, name)
	}
	sort.Strings(cols)
	return applyColumnData(source, next, opts, func(change attributeChange, options setOptions) DocumentChangedEvent {
		return &ColumnDataChangedEvent{
			documentEvent: documentEvent{document: source.document, setterId: options.setterId},
			Source:        source,
			Cols:          cols,
			New:           replaced,
		}
	})
}

func applyColumnData(
	source *Model,
	next map[string]any,
	opts []SetOption,
	makeEvent func(change attributeChange, options setOptions) DocumentChangedEvent,
) error {
	if source.disposed {
		return ErrModelDisposed
	}
	prop, err := source.Property("data")
	if err != nil {
		return err
	}
	options := collectSetOptions(opts)
	source.apply(
		[]attributeUpdate{{prop: prop, value: next}},
		options,
		func(change attributeChange) DocumentChangedEvent {
			return makeEvent(change, options)
		},
	)
	return nil
}
