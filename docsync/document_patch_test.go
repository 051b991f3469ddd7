package docsync

import (
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

// a peer pair: every event of `doc` is sent to `peer` as a patch
type patchPair struct {
	t       *testing.T
	doc     *Document
	peer    *Document
	patches []map[string]any
}

func newPatchPair(t *testing.T) *patchPair {
	registry := newTestRegistry()
	pair := &patchPair{
		t:    t,
		doc:  NewDocument(registry),
		peer: NewDocument(registry),
	}
	pair.doc.OnChange(func(event DocumentChangedEvent) {
		patch, err := pair.doc.CreateJSONPatch([]DocumentChangedEvent{event})
		assert.Equal(t, err, nil)
		pair.patches = append(pair.patches, jsonRoundTrip(t, patch))
	})
	return pair
}

func (self *patchPair) flush() {
	for _, patch := range self.patches {
		err := self.peer.ApplyJSONPatch(patch, "doc")
		assert.Equal(self.t, err, nil)
	}
	self.patches = nil
}

func (self *patchPair) assertConverged() {
	assert.Equal(self.t, jsonEqual(self.doc.ToJSON(true), self.peer.ToJSON(true)), true)
}

func TestPatchConvergence(t *testing.T) {
	pair := newPatchPair(t)

	a := newTestModel(t, map[string]any{"name": "a", "x": 1})
	b := newTestModel(t, map[string]any{"label": "b"})
	a.Setv(map[string]any{"child": b})
	err := pair.doc.AddRoot(a)
	assert.Equal(t, err, nil)
	pair.doc.SetTitle("title")
	pair.flush()
	pair.assertConverged()
	assert.Equal(t, pair.peer.Title(), "title")

	// a change that introduces new models
	c := newTestModel(t, map[string]any{"label": "c"})
	d := newTestModel(t, map[string]any{"label": "d"})
	c.Setv(map[string]any{"child": d})
	err = b.Setv(map[string]any{"children": []any{c}, "x": 2})
	assert.Equal(t, err, nil)
	pair.flush()
	pair.assertConverged()
	peerD, ok := pair.peer.GetModelById(d.Id())
	assert.Equal(t, ok, true)
	assert.Equal(t, peerD.RequireGetv("label"), "d")

	// a new model referencing an existing one
	e := newTestModel(t, map[string]any{"child": b})
	err = pair.doc.AddRoot(e)
	assert.Equal(t, err, nil)
	pair.flush()
	pair.assertConverged()
	peerE, _ := pair.peer.GetModelById(e.Id())
	peerB, _ := pair.peer.GetModelById(b.Id())
	assert.Equal(t, peerE.RequireGetv("child") == peerB, true)

	// specs with expression references
	cumsum := RequireNewModel(CumSumKind, map[string]any{"field": "x"})
	err = a.Setv(map[string]any{"size": ExprSpec(cumsum)})
	assert.Equal(t, err, nil)
	pair.flush()
	pair.assertConverged()
	_, ok = pair.peer.GetModelById(cumsum.Id())
	assert.Equal(t, ok, true)

	pair.doc.RemoveRoot(e)
	pair.flush()
	pair.assertConverged()
	assert.Equal(t, len(pair.peer.Roots()), 1)
}

func TestPatchSetter(t *testing.T) {
	pair := newPatchPair(t)
	a := newTestModel(t, nil)
	pair.doc.AddRoot(a)
	pair.flush()

	setters := []string{}
	pair.peer.OnChange(func(event DocumentChangedEvent) {
		setters = append(setters, event.SetterId())
	})
	a.Setv(map[string]any{"x": 3, "label": "l"})
	pair.flush()
	assert.Equal(t, setters, []string{"doc", "doc"})
}

func TestPatchColumnData(t *testing.T) {
	pair := newPatchPair(t)
	source, err := NewColumnDataSource(map[string]any{
		"x": []any{1, 2},
		"s": []any{"a", "b"},
	})
	assert.Equal(t, err, nil)
	pair.doc.AddRoot(source)
	pair.flush()

	kinds := []string{}
	pair.doc.OnChange(func(event DocumentChangedEvent) {
		kinds = append(kinds, event.Kind())
	})

	err = Stream(source, map[string]any{
		"x": []any{3, 4},
		"s": []any{"c", "d"},
	}, 3)
	assert.Equal(t, err, nil)
	data, _ := ColumnDataOf(source)
	assert.Equal(t, data["x"], []float64{2, 3, 4})
	assert.Equal(t, data["s"], []any{"b", "c", "d"})

	err = Patch(source, map[string][]ColumnPatch{
		"x": {{Index: 0, Value: 20}},
		"s": {{Index: 2, Value: "z"}},
	})
	assert.Equal(t, err, nil)
	data, _ = ColumnDataOf(source)
	assert.Equal(t, data["x"], []float64{20, 3, 4})
	assert.Equal(t, data["s"], []any{"b", "c", "z"})

	err = SetColumns(source, map[string]any{
		"x": []float64{7, 8, 9},
	})
	assert.Equal(t, err, nil)

	assert.Equal(t, kinds, []string{"ColumnsStreamed", "ColumnsPatched", "ColumnDataChanged"})
	pair.flush()
	pair.assertConverged()

	peerSource, _ := pair.peer.GetModelById(source.Id())
	peerData, _ := ColumnDataOf(peerSource)
	assert.Equal(t, peerData["x"], []float64{7, 8, 9})
	assert.Equal(t, peerData["s"], []any{"b", "c", "z"})

	// whole data replacement
	err = source.Setv(map[string]any{"data": map[string]any{"y": []any{1}}})
	assert.Equal(t, err, nil)
	pair.flush()
	pair.assertConverged()
	peerData, _ = ColumnDataOf(peerSource)
	assert.Equal(t, peerData["y"], []float64{1})

	// a stream must cover every column
	err = Stream(source, map[string]any{"z": []any{1}}, 0)
	assert.NotEqual(t, err, nil)
	err = Patch(source, map[string][]ColumnPatch{"y": {{Index: 5, Value: 1}}})
	assert.NotEqual(t, err, nil)
}

func TestPatchWidensColumn(t *testing.T) {
	source, err := NewColumnDataSource(map[string]any{"x": []any{1, 2}})
	assert.Equal(t, err, nil)
	err = Patch(source, map[string][]ColumnPatch{"x": {{Index: 1, Value: nil}}})
	assert.Equal(t, err, nil)
	data, _ := ColumnDataOf(source)
	assert.Equal(t, data["x"], []any{1.0, nil})
}

func TestApplyPatchUnknownModel(t *testing.T) {
	doc := NewDocument(newTestRegistry())
	patch := map[string]any{
		"events": []any{
			map[string]any{
				"kind":  "ModelChanged",
				"model": map[string]any{"id": "missing", "type": "TestModel"},
				"attr":  "x",
				"new":   1,
			},
		},
		"references": []any{},
	}
	err := doc.ApplyJSONPatch(patch, "peer")
	var protocolErr *ProtocolError
	assert.Equal(t, errors.As(err, &protocolErr), true)

	patch["events"] = []any{
		map[string]any{"kind": "Unknown"},
	}
	err = doc.ApplyJSONPatch(patch, "peer")
	assert.Equal(t, errors.As(err, &protocolErr), true)

	patch["events"] = []any{}
	patch["references"] = []any{
		map[string]any{"id": "1", "type": "Unknown", "attributes": map[string]any{}},
	}
	err = doc.ApplyJSONPatch(patch, "peer")
	assert.Equal(t, errors.As(err, &protocolErr), true)
}

func TestCreatePatchOtherDocument(t *testing.T) {
	doc1 := NewDocument(newTestRegistry())
	doc2 := NewDocument(newTestRegistry())
	events := []DocumentChangedEvent{}
	doc1.OnChange(func(event DocumentChangedEvent) {
		events = append(events, event)
	})
	doc1.SetTitle("a")
	_, err := doc2.CreateJSONPatch(events)
	assert.NotEqual(t, err, nil)
}

func TestComputePatchSinceJSON(t *testing.T) {
	registry := newTestRegistry()
	fromJson := map[string]any{
		"version": DocumentVersion,
		"title":   "t",
		"roots": map[string]any{
			"root_ids": []any{"1"},
			"references": []any{
				map[string]any{"id": "1", "type": "TestInitModel", "attributes": map[string]any{
					"label": "raw",
					"x":     1,
				}},
			},
		},
	}
	doc, err := FromJSON(registry, fromJson)
	assert.Equal(t, err, nil)
	m, _ := doc.GetModelById("1")
	assert.Equal(t, m.RequireGetv("label"), "initialized")

	patch, err := ComputePatchSinceJSON(fromJson, doc)
	assert.Equal(t, err, nil)
	events := patch["events"].([]any)
	assert.Equal(t, len(events), 1)
	event := events[0].(map[string]any)
	assert.Equal(t, event["kind"], "ModelChanged")
	assert.Equal(t, event["attr"], "label")
	assert.Equal(t, event["new"], "initialized")

	// no changes, no events
	patch, err = ComputePatchSinceJSON(jsonRoundTrip(t, doc.ToJSON(false)), doc)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(patch["events"].([]any)), 0)
}
