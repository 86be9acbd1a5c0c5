package router

import (
	"fmt"
	"sort"
)

// upstreamContributor is the pseudo-subscription backing documents published
// by the Meteor server itself. Local contributor keys always contain a
// slash, so the name cannot collide.
const upstreamContributor = "upstream"

// Mergebox is the per-client reconciler. It holds the authoritative view of
// every document and field the client knows about, reference-counted per
// contributing subscription cursor, and synthesizes the minimal
// added/changed/removed stream out of contribution updates.
//
// All methods run on the session's event loop; the mergebox is never
// accessed concurrently.
type Mergebox struct {
	collections map[string]map[string]*mergeDocument
	serverView  map[string]map[string]map[string]any

	batch      []*batchEntry
	batchIndex map[string]int
}

type mergeDocument struct {
	id           any
	contributors map[string]bool
	fields       map[string]*mergeField
}

type mergeField struct {
	value        any
	contributors map[string]bool
}

type batchEntry struct {
	collection string
	id         any
	key        string
	present    bool
	before     map[string]any
}

func NewMergebox() *Mergebox {
	return &Mergebox{
		collections: map[string]map[string]*mergeDocument{},
		serverView:  map[string]map[string]map[string]any{},
		batchIndex:  map[string]int{},
	}
}

// ApplyUpsert records that a contributor now provides the document with
// exactly the given fields. Fields the contributor provided before but not
// now lose that contributor.
func (self *Mergebox) ApplyUpsert(contributor string, collection string, id any, fields map[string]any) error {
	key := Key(id)
	documents, ok := self.collections[collection]
	if !ok {
		documents = map[string]*mergeDocument{}
		self.collections[collection] = documents
	}

	self.touch(collection, id, key)

	document, ok := documents[key]
	if !ok {
		document = &mergeDocument{
			id:           id,
			contributors: map[string]bool{contributor: true},
			fields:       map[string]*mergeField{},
		}
		for name, value := range fields {
			document.fields[name] = &mergeField{
				value:        value,
				contributors: map[string]bool{contributor: true},
			}
		}
		documents[key] = document
		return nil
	}

	document.contributors[contributor] = true
	for name, value := range fields {
		field, ok := document.fields[name]
		if !ok {
			document.fields[name] = &mergeField{
				value:        value,
				contributors: map[string]bool{contributor: true},
			}
			continue
		}
		field.contributors[contributor] = true
		if !Equal(field.value, value) {
			// Last writer wins across contributors.
			field.value = value
		}
	}
	for name, field := range document.fields {
		if !field.contributors[contributor] {
			continue
		}
		if _, stillProvided := fields[name]; stillProvided {
			continue
		}
		delete(field.contributors, contributor)
		if len(field.contributors) == 0 {
			delete(document.fields, name)
		}
	}
	return nil
}

// ApplyRemove drops a contributor from a document. Removing a contributor
// that never added the document is an invariant violation and aborts the
// session.
func (self *Mergebox) ApplyRemove(contributor string, collection string, id any) error {
	key := Key(id)
	document, ok := self.collections[collection][key]
	if !ok {
		return fmt.Errorf("mergebox: remove of unknown document %s from %s", key, collection)
	}
	if !document.contributors[contributor] {
		return fmt.Errorf("mergebox: remove of %s from %s by non-contributor %s", key, collection, contributor)
	}

	self.touch(collection, id, key)

	delete(document.contributors, contributor)
	for name, field := range document.fields {
		if !field.contributors[contributor] {
			continue
		}
		delete(field.contributors, contributor)
		if len(field.contributors) == 0 {
			delete(document.fields, name)
		}
	}
	if len(document.contributors) == 0 {
		delete(self.collections[collection], key)
	}
	return nil
}

// ServerAdded ingests an upstream added frame as the upstream
// pseudo-contributor.
func (self *Mergebox) ServerAdded(collection string, id any, fields map[string]any) error {
	if fields == nil {
		fields = map[string]any{}
	}
	view, ok := self.serverView[collection]
	if !ok {
		view = map[string]map[string]any{}
		self.serverView[collection] = view
	}
	view[Key(id)] = CloneDocument(fields)
	return self.ApplyUpsert(upstreamContributor, collection, id, fields)
}

// ServerChanged ingests an upstream changed frame. The upstream contribution
// is tracked as a full document so the delta can be replayed as a
// whole-contribution upsert.
func (self *Mergebox) ServerChanged(collection string, id any, fields map[string]any, cleared []string) error {
	key := Key(id)
	view, ok := self.serverView[collection][key]
	if !ok {
		return fmt.Errorf("mergebox: server changed unknown document %s in %s", key, collection)
	}

	applied := CloneDocument(view)
	for _, name := range cleared {
		delete(applied, name)
	}
	for name, value := range fields {
		applied[name] = value
	}
	self.serverView[collection][key] = applied

	return self.ApplyUpsert(upstreamContributor, collection, id, applied)
}

// ServerRemoved ingests an upstream removed frame.
func (self *Mergebox) ServerRemoved(collection string, id any) error {
	key := Key(id)
	if _, ok := self.serverView[collection][key]; !ok {
		return fmt.Errorf("mergebox: server removed unknown document %s in %s", key, collection)
	}
	delete(self.serverView[collection], key)
	return self.ApplyRemove(upstreamContributor, collection, id)
}

// touch snapshots the client-visible state of a document the first time a
// batch mutates it.
func (self *Mergebox) touch(collection string, id any, key string) {
	batchKey := collection + "\x00" + key
	if _, seen := self.batchIndex[batchKey]; seen {
		return
	}

	entry := &batchEntry{collection: collection, id: id, key: key}
	if document, ok := self.collections[collection][key]; ok {
		entry.present = true
		entry.before = visibleFields(document)
	}
	self.batchIndex[batchKey] = len(self.batch)
	self.batch = append(self.batch, entry)
}

func visibleFields(document *mergeDocument) map[string]any {
	fields := make(map[string]any, len(document.fields))
	for name, field := range document.fields {
		fields[name] = field.value
	}
	return fields
}

// Flush synthesizes at most one outbound frame per document touched since
// the previous flush: added for newly visible documents, changed for
// mutated ones, removed for documents that lost their last contributor.
func (self *Mergebox) Flush() []*Message {
	var messages []*Message
	for _, entry := range self.batch {
		document, present := self.collections[entry.collection][entry.key]

		switch {
		case !entry.present && present:
			fields := visibleFields(document)
			if len(fields) == 0 {
				fields = nil
			}
			messages = append(messages, &Message{
				Msg:        MsgAdded,
				Collection: entry.collection,
				Id:         entry.id,
				Fields:     fields,
			})
		case entry.present && present:
			after := visibleFields(document)
			changed := map[string]any{}
			var cleared []string
			for name, value := range after {
				if before, ok := entry.before[name]; !ok || !Equal(before, value) {
					changed[name] = value
				}
			}
			for name := range entry.before {
				if _, ok := after[name]; !ok {
					cleared = append(cleared, name)
				}
			}
			sort.Strings(cleared)
			if len(changed) == 0 {
				changed = nil
			}
			if changed != nil || cleared != nil {
				messages = append(messages, &Message{
					Msg:        MsgChanged,
					Collection: entry.collection,
					Id:         entry.id,
					Fields:     changed,
					Cleared:    cleared,
				})
			}
		case entry.present && !present:
			messages = append(messages, &Message{
				Msg:        MsgRemoved,
				Collection: entry.collection,
				Id:         entry.id,
			})
		}
	}

	self.batch = nil
	self.batchIndex = map[string]int{}
	return messages
}
