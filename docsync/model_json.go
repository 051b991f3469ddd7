package docsync

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	"golang.org/x/exp/slices"
)

// valueToJSON renders a stored value in its wire form.
// Models become reference tokens and are never inlined.
func valueToJSON(value any) any {
	switch v := value.(type) {
	case *Model:
		if v == nil {
			return nil
		}
		return v.RefJSON()
	case Spec:
		return v.toJSON()
	case []*Model:
		out := make([]any, len(v))
		for i, m := range v {
			out[i] = valueToJSON(m)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = valueToJSON(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = valueToJSON(item)
		}
		return out
	default:
		return v
	}
}

// visitModels calls `visit` for each model directly held by `value`.
// Arrays and plain objects are traversed transparently.
func visitModels(value any, visit func(m *Model)) {
	switch v := value.(type) {
	case *Model:
		if v != nil {
			visit(v)
		}
	case Spec:
		if v.Expr != nil {
			visit(v.Expr)
		}
		if v.Transform != nil {
			visit(v.Transform)
		}
		visitModels(v.Value, visit)
	case []*Model:
		for _, m := range v {
			visitModels(m, visit)
		}
	case []any:
		for _, item := range v {
			visitModels(item, visit)
		}
	case map[string]any:
		// sorted so reference order does not depend on map iteration
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			visitModels(v[k], visit)
		}
	}
}

func hasModelReferences(value any) bool {
	found := false
	visitModels(value, func(m *Model) {
		found = true
	})
	return found
}

// collectModels returns the transitive closure of models reachable from `value`.
func collectModels(value any) []*Model {
	visited := map[string]bool{}
	models := []*Model{}
	visitModels(value, func(m *Model) {
		for _, ref := range m.References() {
			if !visited[ref.id] {
				visited[ref.id] = true
				models = append(models, ref)
			}
		}
	})
	return models
}

// valuesEqual compares stored values. Models compare by identity.
func valuesEqual(a any, b any) bool {
	switch av := a.(type) {
	case nil:
		return b == nil
	case *Model:
		bv, ok := b.(*Model)
		return ok && av == bv
	case Spec:
		bv, ok := b.(Spec)
		return ok && av.equal(bv)
	case []float64:
		bv, ok := b.([]float64)
		return ok && slices.Equal(av, bv)
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !valuesEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, item := range av {
			bitem, ok := bv[k]
			if !ok || !valuesEqual(item, bitem) {
				return false
			}
		}
		return true
	default:
		return reflect.DeepEqual(a, b)
	}
}

// a reference token is `{id, type[, subtype]}` and nothing else
func isRefToken(value any) (string, bool) {
	obj, ok := value.(map[string]any)
	if !ok {
		return "", false
	}
	id, ok := obj["id"].(string)
	if !ok {
		return "", false
	}
	if _, ok := obj["type"].(string); !ok {
		return "", false
	}
	for k := range obj {
		switch k {
		case "id", "type", "subtype":
		default:
			return "", false
		}
	}
	return id, true
}

type modelLookup func(id string) (*Model, bool)

// resolveRefs replaces reference tokens with models, recursively through
// plain objects and arrays. A token that does not resolve is an error.
func resolveRefs(value any, lookup modelLookup) (any, error) {
	if id, ok := isRefToken(value); ok {
		m, ok := lookup(id)
		if !ok {
			return nil, fmt.Errorf("unresolved reference %s", id)
		}
		return m, nil
	}
	switch v := value.(type) {
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			r, err := resolveRefs(item, lookup)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			r, err := resolveRefs(item, lookup)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	default:
		return value, nil
	}
}

// jsonEqual compares two values by their encoded JSON.
// encoding/json sorts map keys so the comparison is canonical.
func jsonEqual(a any, b any) bool {
	aJson, aErr := json.Marshal(a)
	bJson, bErr := json.Marshal(b)
	if aErr != nil || bErr != nil {
		return false
	}
	return string(aJson) == string(bJson)
}
