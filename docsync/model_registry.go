package docsync

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps type names to model kinds. It is used only at the
// deserialization boundary.
//
// Register every kind before the first lookup. Registering after the
// registry has been used panics, so a graph can never be decoded against a
// half-populated registry.
type Registry struct {
	mutex sync.Mutex
	kinds map[string]*ModelKind
	used  bool
}

// NewRegistry returns a registry with the built-in kinds.
func NewRegistry() *Registry {
	registry := NewEmptyRegistry()
	for _, kind := range BuiltinKinds() {
		registry.Register(kind)
	}
	return registry
}

func NewEmptyRegistry() *Registry {
	return &Registry{
		kinds: map[string]*ModelKind{},
	}
}

func BuiltinKinds() []*ModelKind {
	return []*ModelKind{
		ColumnDataSourceKind,
		CumSumKind,
		StackKind,
		DodgeKind,
		ScaleKind,
	}
}

func (self *Registry) Register(kinds ...*ModelKind) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.used {
		panic("register called after the registry was used")
	}
	for _, kind := range kinds {
		key := kind.registryKey()
		if _, ok := self.kinds[key]; ok {
			panic(fmt.Sprintf("model %q already registered", key))
		}
		// validate the declarations now rather than at first construction
		kind.index()
		self.kinds[key] = kind
	}
}

// Lookup resolves a type, preferring the subtype when one is given.
func (self *Registry) Lookup(typeName string, subtype string) (*ModelKind, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.used = true
	if subtype != "" {
		if kind, ok := self.kinds[subtype]; ok {
			return kind, nil
		}
		return nil, &NotRegisteredError{TypeName: subtype}
	}
	if kind, ok := self.kinds[typeName]; ok {
		return kind, nil
	}
	return nil, &NotRegisteredError{TypeName: typeName}
}

func (self *Registry) TypeNames() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	names := make([]string, 0, len(self.kinds))
	for name := range self.kinds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
