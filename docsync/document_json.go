package docsync

import (
	"encoding/json"
	"fmt"

	"go.uber.org/multierr"
)

const DocumentVersion = "1.0"

// ToJSON renders `{version, title, roots: {root_ids, references}}`.
// `references` is flat. Nested models appear only as reference tokens.
func (self *Document) ToJSON(includeDefaults bool) map[string]any {
	references := newReferenceSet()
	rootIds := make([]any, 0, len(self.roots))
	for _, root := range self.roots {
		rootIds = append(rootIds, root.id)
		references.addClosure(root)
	}
	return map[string]any{
		"version": DocumentVersion,
		"title":   self.title,
		"roots": map[string]any{
			"root_ids":   rootIds,
			"references": references.toJSON(includeDefaults),
		},
	}
}

func (self *Document) ToJSONString(includeDefaults bool) (string, error) {
	docJson, err := json.Marshal(self.ToJSON(includeDefaults))
	if err != nil {
		return "", err
	}
	return string(docJson), nil
}

// FromJSON reconstructs a document. Every referenced type must be registered.
func FromJSON(registry *Registry, obj map[string]any) (*Document, error) {
	doc := NewDocument(registry)
	rootIds, references, title, err := parseDocumentJSON(obj)
	if err != nil {
		return nil, err
	}
	models, err := loadReferences(registry, references, func(id string) (*Model, bool) {
		return nil, false
	})
	if err != nil {
		return nil, err
	}

	err = doc.Batch(func() error {
		for _, rootId := range rootIds {
			root, ok := models[rootId]
			if !ok {
				return fmt.Errorf("root %s not in references", rootId)
			}
			if err := doc.AddRoot(root, Silent()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	doc.SetTitle(title, Silent())
	return doc, nil
}

func FromJSONString(registry *Registry, s string) (*Document, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, err
	}
	return FromJSON(registry, obj)
}

// ReplaceWithJSON replaces the roots and title of this document with the
// contents of `obj`. Listeners see the removals and additions.
func (self *Document) ReplaceWithJSON(obj map[string]any, opts ...SetOption) error {
	replacement, err := FromJSON(self.registry, obj)
	if err != nil {
		return err
	}
	roots := replacement.Roots()
	replacement.Clear(Silent())

	err = self.Batch(func() error {
		self.Clear(opts...)
		for _, root := range roots {
			if err := self.AddRoot(root, opts...); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	self.SetTitle(replacement.Title(), opts...)
	return nil
}

func parseDocumentJSON(obj map[string]any) (rootIds []string, references []any, title string, returnErr error) {
	roots, ok := obj["roots"].(map[string]any)
	if !ok {
		returnErr = fmt.Errorf("document json has no roots")
		return
	}
	ids, _ := roots["root_ids"].([]any)
	for _, id := range ids {
		s, ok := id.(string)
		if !ok {
			returnErr = fmt.Errorf("root id must be a string, got %T", id)
			return
		}
		rootIds = append(rootIds, s)
	}
	references, _ = roots["references"].([]any)
	title, _ = obj["title"].(string)
	return
}

type referenceJSON struct {
	id         string
	typeName   string
	subtype    string
	attributes map[string]any
}

func parseReferenceJSON(value any) (*referenceJSON, error) {
	obj, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("reference must be an object, got %T", value)
	}
	ref := &referenceJSON{}
	if ref.id, ok = obj["id"].(string); !ok {
		return nil, fmt.Errorf("reference has no id")
	}
	if ref.typeName, ok = obj["type"].(string); !ok {
		return nil, fmt.Errorf("reference %s has no type", ref.id)
	}
	ref.subtype, _ = obj["subtype"].(string)
	ref.attributes, _ = obj["attributes"].(map[string]any)
	return ref, nil
}

// loadReferences materializes a flat reference list:
//  1. instantiate every model not already known, without resolving attributes
//  2. resolve reference tokens against known and new models and set attributes,
//     silently for new models and with `knownOpts` for known ones
//  3. finalize the new models depth-first so an initializer sees
//     fully populated nested references
//
// Returns every model named by the list.
func loadReferences(registry *Registry, references []any, known modelLookup, knownOpts ...SetOption) (map[string]*Model, error) {
	refs := make([]*referenceJSON, 0, len(references))
	models := map[string]*Model{}
	created := map[string]bool{}
	for _, value := range references {
		ref, err := parseReferenceJSON(value)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
		if m, ok := known(ref.id); ok {
			models[ref.id] = m
			continue
		}
		kind, err := registry.Lookup(ref.typeName, ref.subtype)
		if err != nil {
			return nil, err
		}
		models[ref.id] = newModel(kind, ref.id)
		created[ref.id] = true
	}

	lookup := func(id string) (*Model, bool) {
		if m, ok := models[id]; ok {
			return m, true
		}
		return known(id)
	}

	var resolveErr error
	resolved := make([]map[string]any, len(refs))
	for i, ref := range refs {
		attrs, err := resolveRefs(ref.attributes, lookup)
		if err != nil {
			resolveErr = multierr.Append(resolveErr, fmt.Errorf("%s(%s): %w", ref.typeName, ref.id, err))
			continue
		}
		resolved[i], _ = attrs.(map[string]any)
	}
	if resolveErr != nil {
		return nil, resolveErr
	}

	for i, ref := range refs {
		m := models[ref.id]
		var err error
		if created[ref.id] {
			err = m.Setv(resolved[i], Silent())
		} else {
			err = m.Setv(resolved[i], knownOpts...)
		}
		if err != nil {
			return nil, err
		}
	}

	finalized := map[string]bool{}
	var finalize func(m *Model) error
	finalize = func(m *Model) error {
		if finalized[m.id] || !created[m.id] {
			return nil
		}
		finalized[m.id] = true
		var err error
		m.visitDirectReferences(func(child *Model) {
			if err == nil {
				err = finalize(child)
			}
		})
		if err != nil {
			return err
		}
		return m.finalize()
	}
	for _, ref := range refs {
		if err := finalize(models[ref.id]); err != nil {
			return nil, err
		}
	}
	return models, nil
}
