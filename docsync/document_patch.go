package docsync

import (
	"fmt"

	"github.com/golang/glog"
)

// CreateJSONPatch renders events of this document as `{events, references}`.
// `references` holds every model reachable through the new values.
func (self *Document) CreateJSONPatch(events []DocumentChangedEvent) (map[string]any, error) {
	references := newReferenceSet()
	eventsJson := make([]any, 0, len(events))
	for _, event := range events {
		if event.Document() != self {
			return nil, fmt.Errorf("%s event is from another document", event.Kind())
		}
		eventsJson = append(eventsJson, event.patchJSON(references))
	}
	return map[string]any{
		"events":     eventsJson,
		"references": references.toJSON(false),
	}, nil
}

// ApplyJSONPatch replays a patch. Referenced ids already in the document are
// updated, the rest are constructed. Every resulting change carries `setterId`.
//
// An event naming a model that is neither in the document nor in the patch
// references returns a `*ProtocolError`.
func (self *Document) ApplyJSONPatch(patch map[string]any, setterId string) error {
	eventsJson, _ := patch["events"].([]any)
	referencesJson, _ := patch["references"].([]any)

	return self.Batch(func() error {
		known := func(id string) (*Model, bool) {
			return self.GetModelById(id)
		}
		models, err := loadReferences(self.registry, referencesJson, known, WithSetter(setterId))
		if err != nil {
			return &ProtocolError{Message: "patch references", Err: err}
		}
		lookup := func(id string) (*Model, bool) {
			if m, ok := models[id]; ok {
				return m, true
			}
			return known(id)
		}

		for _, eventJson := range eventsJson {
			event, ok := eventJson.(map[string]any)
			if !ok {
				return protocolErrorf("patch event must be an object, got %T", eventJson)
			}
			if err := self.applyEventJSON(event, lookup, setterId); err != nil {
				return err
			}
		}
		glog.V(2).Infof("[d]applied patch from %s (%d events, %d references)\n", setterId, len(eventsJson), len(referencesJson))
		return nil
	})
}

func (self *Document) applyEventJSON(event map[string]any, lookup modelLookup, setterId string) error {
	kind, _ := event["kind"].(string)
	setter := WithSetter(setterId)

	eventModel := func(key string) (*Model, error) {
		id, ok := isRefToken(event[key])
		if !ok {
			return nil, protocolErrorf("%s event has no %s", kind, key)
		}
		m, ok := lookup(id)
		if !ok {
			return nil, protocolErrorf("%s event references unknown model %s", kind, id)
		}
		return m, nil
	}

	switch kind {
	case "ModelChanged":
		m, err := eventModel("model")
		if err != nil {
			return err
		}
		attr, _ := event["attr"].(string)
		value, err := resolveRefs(event["new"], lookup)
		if err != nil {
			return &ProtocolError{Message: fmt.Sprintf("%s.%s", m, attr), Err: err}
		}
		prop, err := m.Property(attr)
		if err != nil {
			return err
		}
		if prop.def.Type == ColumnDataType {
			// bulk replacement skips per cell validation
			data, ok := value.(map[string]any)
			if !ok {
				return fmt.Errorf("%s.%s: expected column data, got %T", m, attr, value)
			}
			return replaceColumnData(m, prop, data, setter)
		}
		return m.Setv(map[string]any{attr: value}, setter)

	case "ColumnDataChanged":
		source, err := eventModel("column_source")
		if err != nil {
			return err
		}
		data, _ := event["new"].(map[string]any)
		cols, _ := event["cols"].([]any)
		columns := map[string]any{}
		if cols == nil {
			columns = data
		} else {
			for _, col := range cols {
				name, _ := col.(string)
				if column, ok := data[name]; ok {
					columns[name] = column
				}
			}
		}
		return SetColumns(source, columns, setter)

	case "ColumnsStreamed":
		source, err := eventModel("column_source")
		if err != nil {
			return err
		}
		data, _ := event["data"].(map[string]any)
		rollover := 0
		if f, ok := toFloat64(event["rollover"]); ok {
			rollover = int(f)
		}
		return Stream(source, data, rollover, setter)

	case "ColumnsPatched":
		source, err := eventModel("column_source")
		if err != nil {
			return err
		}
		patchesJson, _ := event["patches"].(map[string]any)
		patches := map[string][]ColumnPatch{}
		for name, pairsJson := range patchesJson {
			pairs, _ := pairsJson.([]any)
			for _, pairJson := range pairs {
				pair, ok := pairJson.([]any)
				if !ok || len(pair) != 2 {
					return protocolErrorf("ColumnsPatched %q: expected [index, value]", name)
				}
				index, ok := toFloat64(pair[0])
				if !ok {
					return protocolErrorf("ColumnsPatched %q: index must be a number", name)
				}
				patches[name] = append(patches[name], ColumnPatch{Index: int(index), Value: pair[1]})
			}
		}
		return Patch(source, patches, setter)

	case "RootAdded":
		m, err := eventModel("model")
		if err != nil {
			return err
		}
		return self.AddRoot(m, setter)

	case "RootRemoved":
		m, err := eventModel("model")
		if err != nil {
			return err
		}
		self.RemoveRoot(m, setter)
		return nil

	case "TitleChanged":
		title, ok := event["title"].(string)
		if !ok {
			return protocolErrorf("TitleChanged event has no title")
		}
		self.SetTitle(title, setter)
		return nil

	default:
		return protocolErrorf("unknown event kind %q", kind)
	}
}

// columns must be arrays, cells are taken as is
func replaceColumnData(source *Model, prop *Property, data map[string]any, opts ...SetOption) error {
	next := make(map[string]any, len(data))
	for name, column := range data {
		switch v := column.(type) {
		case []float64:
			next[name] = v
		case []any:
			if floats, ok := packFloats(v); ok {
				next[name] = floats
			} else {
				next[name] = v
			}
		default:
			return &ValidationError{ModelType: source.Type(), ModelId: source.Id(), Attr: prop.def.Name, Value: column, Reason: fmt.Sprintf("column %q is not an array", name)}
		}
	}
	if source.disposed {
		return ErrModelDisposed
	}
	source.apply([]attributeUpdate{{prop: prop, value: next}}, collectSetOptions(opts), nil)
	return nil
}

// ComputePatchSinceJSON diffs `toDoc` against the document JSON it was built
// from. The result is a patch for the peer that sent `fromJson`, covering
// exactly what model initializers changed during reconstruction.
func ComputePatchSinceJSON(fromJson map[string]any, toDoc *Document) (map[string]any, error) {
	fromRootIds, fromReferences, fromTitle, err := parseDocumentJSON(fromJson)
	if err != nil {
		return nil, err
	}
	fromRefs := map[string]*referenceJSON{}
	for _, value := range fromReferences {
		ref, err := parseReferenceJSON(value)
		if err != nil {
			return nil, err
		}
		fromRefs[ref.id] = ref
	}

	toJson := toDoc.ToJSON(false)
	toRootIds, toReferences, toTitle, err := parseDocumentJSON(toJson)
	if err != nil {
		return nil, err
	}

	events := []any{}
	references := newReferenceSet()

	fromRootSet := map[string]bool{}
	for _, id := range fromRootIds {
		fromRootSet[id] = true
	}
	toRootSet := map[string]bool{}
	for _, id := range toRootIds {
		toRootSet[id] = true
	}
	for _, id := range fromRootIds {
		if !toRootSet[id] {
			ref := fromRefs[id]
			token := map[string]any{"id": id}
			if ref != nil {
				token["type"] = ref.typeName
				if ref.subtype != "" {
					token["subtype"] = ref.subtype
				}
			}
			events = append(events, map[string]any{
				"kind":  "RootRemoved",
				"model": token,
			})
		}
	}
	for _, id := range toRootIds {
		if !fromRootSet[id] {
			root, _ := toDoc.GetModelById(id)
			events = append(events, map[string]any{
				"kind":  "RootAdded",
				"model": root.RefJSON(),
			})
			references.addClosure(root)
		}
	}
	if fromTitle != toTitle {
		events = append(events, map[string]any{
			"kind":  "TitleChanged",
			"title": toTitle,
		})
	}

	for _, value := range toReferences {
		toRef, err := parseReferenceJSON(value)
		if err != nil {
			return nil, err
		}
		fromRef, ok := fromRefs[toRef.id]
		if !ok {
			continue
		}
		m, _ := toDoc.GetModelById(toRef.id)
		for _, prop := range m.properties {
			attr := prop.def.Name
			newValue, ok := toRef.attributes[attr]
			if !ok {
				continue
			}
			if oldValue, ok := fromRef.attributes[attr]; ok && jsonEqual(oldValue, newValue) {
				continue
			}
			events = append(events, map[string]any{
				"kind":  "ModelChanged",
				"model": m.RefJSON(),
				"attr":  attr,
				"new":   newValue,
			})
			// models the peer has not seen yet
			for _, ref := range collectModels(prop.value) {
				if _, ok := fromRefs[ref.id]; !ok {
					references.add(ref)
				}
			}
		}
	}

	return map[string]any{
		"events":     events,
		"references": references.toJSON(false),
	}, nil
}
