package docsync

import (
	"fmt"
	"sync"
)

// ModelKind is the static schema of a model type: its declared properties
// plus optional hooks. Kinds are registered by name in a `Registry` so that
// serialized graphs can be reconstructed.
type ModelKind struct {
	Name string
	// tag for polymorphic reconstruction, registered under this name when set
	Subtype    string
	Properties []*PropertyDef

	// runs once in phase 2 of construction, after nested references resolved
	Initialize func(model *Model) error
	// set for kinds usable as a spec `expr`
	Expression func(expr *Model, source *Model) ([]any, error)
	// set for kinds usable as a spec `transform`
	Transform func(transform *Model, values []any) ([]any, error)

	indexOnce     sync.Once
	propertyIndex map[string]int
}

func (self *ModelKind) registryKey() string {
	if self.Subtype != "" {
		return self.Subtype
	}
	return self.Name
}

func (self *ModelKind) index() map[string]int {
	self.indexOnce.Do(func() {
		self.propertyIndex = make(map[string]int, len(self.Properties))
		for i, def := range self.Properties {
			if _, ok := self.propertyIndex[def.Name]; ok {
				panic(fmt.Sprintf("%s declares property %q twice", self.Name, def.Name))
			}
			if def.Type == nil {
				panic(fmt.Sprintf("%s.%s has no type", self.Name, def.Name))
			}
			self.propertyIndex[def.Name] = i
		}
	})
	return self.propertyIndex
}

func (self *ModelKind) HasProperty(name string) bool {
	_, ok := self.index()[name]
	return ok
}

type SetOption func(*setOptions)

type setOptions struct {
	silent   bool
	setterId string
}

// change callbacks and document events are not raised
func Silent() SetOption {
	return func(options *setOptions) {
		options.silent = true
	}
}

// tags the resulting document events with the originating setter
func WithSetter(setterId string) SetOption {
	return func(options *setOptions) {
		options.setterId = setterId
	}
}

func collectSetOptions(opts []SetOption) setOptions {
	var options setOptions
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

type AttributeChangeFunction func(model *Model, attr string, old any, new any)

type ModelChangeFunction func(model *Model)

// Model is a reactive typed object. It is not safe for concurrent use;
// all mutation happens on one logical thread (see `ClientSession.Update`).
type Model struct {
	id         string
	kind       *ModelKind
	properties []*Property

	document *Document

	changeCallbacks    *CallbackList[ModelChangeFunction]
	attributeCallbacks map[string]*CallbackList[AttributeChangeFunction]

	// reentrant setv calls coalesce into one trailing change notification
	changeDepth int
	pending     bool

	finalized bool
	disposed  bool
}

// NewModel runs both construction phases.
func NewModel(kind *ModelKind, attrs map[string]any) (*Model, error) {
	model := newModel(kind, "")
	if err := model.Setv(attrs); err != nil {
		return nil, err
	}
	if err := model.finalize(); err != nil {
		return nil, err
	}
	return model, nil
}

func RequireNewModel(kind *ModelKind, attrs map[string]any) *Model {
	model, err := NewModel(kind, attrs)
	if err != nil {
		panic(err)
	}
	return model
}

// phase 1: declared slots with silent defaults, no initializer
func newModel(kind *ModelKind, id string) *Model {
	kind.index()
	if id == "" {
		id = newIdString()
	}
	model := &Model{
		id:                 id,
		kind:               kind,
		properties:         make([]*Property, len(kind.Properties)),
		changeCallbacks:    NewCallbackList[ModelChangeFunction](),
		attributeCallbacks: map[string]*CallbackList[AttributeChangeFunction]{},
	}
	for i, def := range kind.Properties {
		model.properties[i] = &Property{
			owner: model,
			def:   def,
			value: def.defaultValue(),
		}
	}
	return model
}

// phase 2
func (self *Model) finalize() error {
	if self.finalized {
		return nil
	}
	self.finalized = true
	if self.kind.Initialize != nil {
		if err := self.kind.Initialize(self); err != nil {
			return fmt.Errorf("initialize %s(%s): %w", self.Type(), self.id, err)
		}
	}
	return nil
}

func (self *Model) Id() string {
	return self.id
}

func (self *Model) Type() string {
	return self.kind.Name
}

func (self *Model) Subtype() string {
	return self.kind.Subtype
}

func (self *Model) Kind() *ModelKind {
	return self.kind
}

func (self *Model) Document() *Document {
	return self.document
}

func (self *Model) String() string {
	return fmt.Sprintf("%s(%s)", self.Type(), self.id)
}

// the `name` attribute, if the kind declares one
func (self *Model) Name() string {
	if i, ok := self.kind.index()["name"]; ok {
		if name, ok := self.properties[i].value.(string); ok {
			return name
		}
	}
	return ""
}

func (self *Model) Property(name string) (*Property, error) {
	i, ok := self.kind.index()[name]
	if !ok {
		return nil, &UndeclaredAttributeError{ModelType: self.Type(), Attr: name}
	}
	return self.properties[i], nil
}

func (self *Model) Properties() []*Property {
	return append([]*Property(nil), self.properties...)
}

func (self *Model) IsSerializable(name string) bool {
	prop, err := self.Property(name)
	return err == nil && !prop.def.Internal
}

// Getv returns the property value as `Property.Get` does.
func (self *Model) Getv(name string) (any, error) {
	prop, err := self.Property(name)
	if err != nil {
		return nil, err
	}
	return prop.Get(), nil
}

func (self *Model) RequireGetv(name string) any {
	value, err := self.Getv(name)
	if err != nil {
		panic(err)
	}
	return value
}

type attributeUpdate struct {
	prop  *Property
	value any
}

type attributeChange struct {
	prop *Property
	old  any
	new  any
}

// Setv validates every value first and then applies the batch.
// Nothing is applied if any name is undeclared or any value is invalid.
func (self *Model) Setv(attrs map[string]any, opts ...SetOption) error {
	if self.disposed {
		return ErrModelDisposed
	}
	if len(attrs) == 0 {
		return nil
	}
	for name := range attrs {
		if !self.kind.HasProperty(name) {
			return &UndeclaredAttributeError{ModelType: self.Type(), Attr: name}
		}
	}
	updates := make([]attributeUpdate, 0, len(attrs))
	// declared order keeps event order deterministic
	for _, prop := range self.properties {
		value, ok := attrs[prop.def.Name]
		if !ok {
			continue
		}
		v, err := prop.def.Type.validate(value)
		if err != nil {
			return &ValidationError{
				ModelType: self.Type(),
				ModelId:   self.id,
				Attr:      prop.def.Name,
				Value:     value,
				Reason:    err.Error(),
			}
		}
		if err := self.checkAttachable(v); err != nil {
			return err
		}
		updates = append(updates, attributeUpdate{prop: prop, value: v})
	}
	self.apply(updates, collectSetOptions(opts), nil)
	return nil
}

// a model may be attached to at most one document.
// A detached model is checked when it becomes a root.
func (self *Model) checkAttachable(value any) error {
	if self.document == nil {
		return nil
	}
	var err error
	visitModels(value, func(m *Model) {
		if err != nil {
			return
		}
		for _, ref := range m.References() {
			if ref.document != nil && ref.document != self.document {
				err = fmt.Errorf("%s is already attached to another document", ref)
				return
			}
		}
	})
	return err
}

// apply stores the new raw values and raises notifications.
// `makeEvent` overrides the default `ModelChangedEvent` for the document.
func (self *Model) apply(updates []attributeUpdate, options setOptions, makeEvent func(change attributeChange) DocumentChangedEvent) {
	self.changeDepth += 1

	changes := make([]attributeChange, 0, len(updates))
	for _, update := range updates {
		old := update.prop.value
		update.prop.value = update.value
		update.prop.dirty = true
		if !valuesEqual(old, update.value) {
			changes = append(changes, attributeChange{
				prop: update.prop,
				old:  old,
				new:  update.value,
			})
		}
	}

	for _, change := range changes {
		name := change.prop.def.Name
		if document := self.document; document != nil {
			// only reference changes re-index the document
			if name == "name" || hasModelReferences(change.old) || hasModelReferences(change.new) {
				document.invalidateAllModels()
			}
			if !options.silent {
				var event DocumentChangedEvent
				if makeEvent != nil {
					event = makeEvent(change)
				} else {
					event = &ModelChangedEvent{
						documentEvent: documentEvent{document: document, setterId: options.setterId},
						Model:         self,
						Attr:          name,
						Old:           change.old,
						New:           change.new,
					}
				}
				document.trigger(event)
			}
		}
		if !options.silent {
			if callbacks, ok := self.attributeCallbacks[name]; ok {
				for _, callback := range callbacks.Get() {
					HandleError(func() {
						callback(self, name, change.old, change.new)
					})
				}
			}
		}
	}

	if 0 < len(changes) && !options.silent {
		self.pending = true
	}
	self.changeDepth -= 1
	if self.changeDepth == 0 && self.pending {
		self.pending = false
		for _, callback := range self.changeCallbacks.Get() {
			HandleError(func() {
				callback(self)
			})
		}
	}
}

// OnChange is called once per outermost `Setv` that changed anything.
func (self *Model) OnChange(callback ModelChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(callback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *Model) OnAttributeChange(name string, callback AttributeChangeFunction) (func(), error) {
	if !self.kind.HasProperty(name) {
		return nil, &UndeclaredAttributeError{ModelType: self.Type(), Attr: name}
	}
	callbacks, ok := self.attributeCallbacks[name]
	if !ok {
		callbacks = NewCallbackList[AttributeChangeFunction]()
		self.attributeCallbacks[name] = callbacks
	}
	callbackId := callbacks.Add(callback)
	return func() {
		callbacks.Remove(callbackId)
	}, nil
}

// Dispose severs all signal connections. Further `Setv` calls fail.
func (self *Model) Dispose() {
	self.disposed = true
	self.changeCallbacks.Clear()
	for _, callbacks := range self.attributeCallbacks {
		callbacks.Clear()
	}
}

// References returns the transitive closure of models reachable from this
// model's serializable attributes, starting with the model itself.
func (self *Model) References() []*Model {
	visited := map[string]bool{}
	refs := []*Model{}
	var visit func(m *Model)
	visit = func(m *Model) {
		if visited[m.id] {
			return
		}
		// mark before recursing so cycles terminate
		visited[m.id] = true
		refs = append(refs, m)
		m.visitDirectReferences(visit)
	}
	visit(self)
	return refs
}

func (self *Model) visitDirectReferences(visit func(m *Model)) {
	for _, prop := range self.properties {
		if prop.def.Internal {
			continue
		}
		visitModels(prop.value, visit)
	}
}

func (self *Model) RefJSON() map[string]any {
	ref := map[string]any{
		"id":   self.id,
		"type": self.Type(),
	}
	if subtype := self.Subtype(); subtype != "" {
		ref["subtype"] = subtype
	}
	return ref
}

// AttributesJSON serializes attributes with nested models as reference tokens.
func (self *Model) AttributesJSON(includeDefaults bool) map[string]any {
	attrs := map[string]any{}
	for _, prop := range self.properties {
		if prop.def.Internal {
			continue
		}
		if !includeDefaults && !prop.dirty {
			continue
		}
		attrs[prop.def.Name] = valueToJSON(prop.value)
	}
	return attrs
}

func (self *Model) ToJSON(includeDefaults bool) map[string]any {
	obj := self.RefJSON()
	obj["attributes"] = self.AttributesJSON(includeDefaults)
	return obj
}
