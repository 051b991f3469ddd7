package docsync

// DocumentChangedEvent is the closed set of document changes:
// `ModelChangedEvent`, `RootAddedEvent`, `RootRemovedEvent`, `TitleChangedEvent`,
// `ColumnDataChangedEvent`, `ColumnsStreamedEvent`, `ColumnsPatchedEvent`.
type DocumentChangedEvent interface {
	Document() *Document
	// the id of whoever caused the change, empty for local changes
	SetterId() string
	Kind() string
	// patchJSON renders the event for a patch and adds the models newly
	// reachable through the event to `references`
	patchJSON(references *referenceSet) map[string]any
}

type documentEvent struct {
	document *Document
	setterId string
}

func (self *documentEvent) Document() *Document {
	return self.document
}

func (self *documentEvent) SetterId() string {
	return self.setterId
}

type ModelChangedEvent struct {
	documentEvent
	Model *Model
	Attr  string
	Old   any
	New   any
}

func (self *ModelChangedEvent) Kind() string {
	return "ModelChanged"
}

func (self *ModelChangedEvent) patchJSON(references *referenceSet) map[string]any {
	references.addClosure(self.New)
	return map[string]any{
		"kind":  self.Kind(),
		"model": self.Model.RefJSON(),
		"attr":  self.Attr,
		"new":   valueToJSON(self.New),
	}
}

type RootAddedEvent struct {
	documentEvent
	Model *Model
}

func (self *RootAddedEvent) Kind() string {
	return "RootAdded"
}

func (self *RootAddedEvent) patchJSON(references *referenceSet) map[string]any {
	references.addClosure(self.Model)
	return map[string]any{
		"kind":  self.Kind(),
		"model": self.Model.RefJSON(),
	}
}

type RootRemovedEvent struct {
	documentEvent
	Model *Model
}

func (self *RootRemovedEvent) Kind() string {
	return "RootRemoved"
}

func (self *RootRemovedEvent) patchJSON(references *referenceSet) map[string]any {
	return map[string]any{
		"kind":  self.Kind(),
		"model": self.Model.RefJSON(),
	}
}

type TitleChangedEvent struct {
	documentEvent
	Title string
}

func (self *TitleChangedEvent) Kind() string {
	return "TitleChanged"
}

func (self *TitleChangedEvent) patchJSON(references *referenceSet) map[string]any {
	return map[string]any{
		"kind":  self.Kind(),
		"title": self.Title,
	}
}

// whole columns of a data source were replaced
type ColumnDataChangedEvent struct {
	documentEvent
	Source *Model
	Cols   []string
	New    map[string]any
}

func (self *ColumnDataChangedEvent) Kind() string {
	return "ColumnDataChanged"
}

func (self *ColumnDataChangedEvent) patchJSON(references *referenceSet) map[string]any {
	cols := make([]any, len(self.Cols))
	for i, col := range self.Cols {
		cols[i] = col
	}
	return map[string]any{
		"kind":          self.Kind(),
		"column_source": self.Source.RefJSON(),
		"new":           valueToJSON(self.New),
		"cols":          cols,
	}
}

type ColumnsStreamedEvent struct {
	documentEvent
	Source *Model
	Data   map[string]any
	// 0 means no rollover
	Rollover int
}

func (self *ColumnsStreamedEvent) Kind() string {
	return "ColumnsStreamed"
}

func (self *ColumnsStreamedEvent) patchJSON(references *referenceSet) map[string]any {
	var rollover any
	if 0 < self.Rollover {
		rollover = self.Rollover
	}
	return map[string]any{
		"kind":          self.Kind(),
		"column_source": self.Source.RefJSON(),
		"data":          valueToJSON(self.Data),
		"rollover":      rollover,
	}
}

type ColumnsPatchedEvent struct {
	documentEvent
	Source  *Model
	Patches map[string][]ColumnPatch
}

func (self *ColumnsPatchedEvent) Kind() string {
	return "ColumnsPatched"
}

func (self *ColumnsPatchedEvent) patchJSON(references *referenceSet) map[string]any {
	patches := map[string]any{}
	for name, columnPatches := range self.Patches {
		pairs := make([]any, len(columnPatches))
		for i, patch := range columnPatches {
			pairs[i] = []any{patch.Index, valueToJSON(patch.Value)}
		}
		patches[name] = pairs
	}
	return map[string]any{
		"kind":          self.Kind(),
		"column_source": self.Source.RefJSON(),
		"patches":       patches,
	}
}

// an insertion ordered set of models
type referenceSet struct {
	ids    map[string]bool
	models []*Model
}

func newReferenceSet() *referenceSet {
	return &referenceSet{
		ids: map[string]bool{},
	}
}

func (self *referenceSet) add(m *Model) {
	if self.ids[m.id] {
		return
	}
	self.ids[m.id] = true
	self.models = append(self.models, m)
}

func (self *referenceSet) addClosure(value any) {
	for _, m := range collectModels(value) {
		self.add(m)
	}
}

// the reference list of a patch or document, full attributes without defaults
func (self *referenceSet) toJSON(includeDefaults bool) []any {
	out := make([]any, len(self.models))
	for i, m := range self.models {
		out[i] = m.ToJSON(includeDefaults)
	}
	return out
}
