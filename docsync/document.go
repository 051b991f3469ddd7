package docsync

import (
	"fmt"
	"sort"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"
)

const DefaultTitle = "docsync Application"

type DocumentChangeFunction func(event DocumentChangedEvent)

// Document owns a set of root models and indexes every model reachable from
// them. The index is exactly the union of `References()` over the roots.
// It is recomputed when a structural change happens outside of a freeze,
// or once when the outermost freeze is released.
//
// A document is not safe for concurrent use. See `ClientSession.Update`.
type Document struct {
	registry *Registry

	title string
	roots []*Model

	allModels       map[string]*Model
	allModelsByName map[string][]*Model

	freezeCount     int
	recomputeNeeded bool

	callbacks *CallbackList[DocumentChangeFunction]
}

func NewDocument(registry *Registry) *Document {
	return &Document{
		registry:        registry,
		title:           DefaultTitle,
		roots:           []*Model{},
		allModels:       map[string]*Model{},
		allModelsByName: map[string][]*Model{},
		callbacks:       NewCallbackList[DocumentChangeFunction](),
	}
}

func (self *Document) Registry() *Registry {
	return self.registry
}

func (self *Document) Title() string {
	return self.title
}

func (self *Document) SetTitle(title string, opts ...SetOption) {
	if self.title == title {
		return
	}
	self.title = title
	options := collectSetOptions(opts)
	if !options.silent {
		self.trigger(&TitleChangedEvent{
			documentEvent: documentEvent{document: self, setterId: options.setterId},
			Title:         title,
		})
	}
}

func (self *Document) Roots() []*Model {
	return slices.Clone(self.roots)
}

// AddRoot is a no-op if the model is already a root.
func (self *Document) AddRoot(model *Model, opts ...SetOption) error {
	if slices.Contains(self.roots, model) {
		return nil
	}
	for _, ref := range model.References() {
		if ref.document != nil && ref.document != self {
			return fmt.Errorf("%s is already attached to another document", ref)
		}
	}

	self.freeze()
	self.roots = append(self.roots, model)
	self.invalidateAllModels()
	self.unfreeze()

	glog.V(1).Infof("[d]root added %s\n", model)
	options := collectSetOptions(opts)
	if !options.silent {
		self.trigger(&RootAddedEvent{
			documentEvent: documentEvent{document: self, setterId: options.setterId},
			Model:         model,
		})
	}
	return nil
}

// RemoveRoot is a no-op if the model is not a root.
func (self *Document) RemoveRoot(model *Model, opts ...SetOption) {
	i := slices.Index(self.roots, model)
	if i < 0 {
		return
	}

	self.freeze()
	self.roots = slices.Delete(slices.Clone(self.roots), i, i+1)
	self.invalidateAllModels()
	self.unfreeze()

	glog.V(1).Infof("[d]root removed %s\n", model)
	options := collectSetOptions(opts)
	if !options.silent {
		self.trigger(&RootRemovedEvent{
			documentEvent: documentEvent{document: self, setterId: options.setterId},
			Model:         model,
		})
	}
}

// Clear removes every root, detaching every reachable model.
func (self *Document) Clear(opts ...SetOption) {
	self.Batch(func() error {
		for _, root := range self.Roots() {
			self.RemoveRoot(root, opts...)
		}
		return nil
	})
}

// AllModels returns the indexed models ordered by id.
func (self *Document) AllModels() []*Model {
	models := make([]*Model, 0, len(self.allModels))
	for _, m := range self.allModels {
		models = append(models, m)
	}
	sort.Slice(models, func(i int, j int) bool {
		return models[i].id < models[j].id
	})
	return models
}

func (self *Document) GetModelById(id string) (*Model, bool) {
	m, ok := self.allModels[id]
	return m, ok
}

func (self *Document) GetModelsByName(name string) []*Model {
	return slices.Clone(self.allModelsByName[name])
}

// GetModelByName returns the single model with the name.
func (self *Document) GetModelByName(name string) (*Model, error) {
	models := self.allModelsByName[name]
	switch len(models) {
	case 0:
		return nil, fmt.Errorf("no model named %q", name)
	case 1:
		return models[0], nil
	default:
		return nil, fmt.Errorf("%d models named %q", len(models), name)
	}
}

func (self *Document) OnChange(callback DocumentChangeFunction) func() {
	callbackId := self.callbacks.Add(callback)
	return func() {
		self.callbacks.Remove(callbackId)
	}
}

// Batch holds a freeze for the duration of `fn` so that a multi-step
// structural change recomputes the index once.
func (self *Document) Batch(fn func() error) error {
	self.freeze()
	defer self.unfreeze()
	return fn()
}

func (self *Document) freeze() {
	self.freezeCount += 1
}

func (self *Document) unfreeze() {
	self.freezeCount -= 1
	if self.freezeCount == 0 && self.recomputeNeeded {
		self.recomputeNeeded = false
		self.recompute()
	}
}

func (self *Document) invalidateAllModels() {
	if 0 < self.freezeCount {
		self.recomputeNeeded = true
		return
	}
	self.recompute()
}

func (self *Document) recompute() {
	nextModels := map[string]*Model{}
	for _, root := range self.roots {
		for _, m := range root.References() {
			nextModels[m.id] = m
		}
	}

	detached := 0
	for id, m := range self.allModels {
		if _, ok := nextModels[id]; !ok {
			if m.document == self {
				m.document = nil
			}
			detached += 1
		}
	}
	attached := 0
	for id, m := range nextModels {
		if _, ok := self.allModels[id]; !ok {
			if m.document != nil && m.document != self {
				glog.Errorf("[d]%s is attached to another document\n", m)
			}
			attached += 1
		}
		m.document = self
	}

	nextModelsByName := map[string][]*Model{}
	for _, m := range nextModels {
		if name := m.Name(); name != "" {
			nextModelsByName[name] = append(nextModelsByName[name], m)
		}
	}
	for _, models := range nextModelsByName {
		sort.Slice(models, func(i int, j int) bool {
			return models[i].id < models[j].id
		})
	}

	self.allModels = nextModels
	self.allModelsByName = nextModelsByName
	glog.V(2).Infof("[d]recompute %d models (+%d -%d)\n", len(nextModels), attached, detached)
}

func (self *Document) trigger(event DocumentChangedEvent) {
	for _, callback := range self.callbacks.Get() {
		HandleError(func() {
			callback(event)
		})
	}
}
