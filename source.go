package router

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/golang/glog"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

type sourceEventKind int

const (
	sourceSnapshot sourceEventKind = iota
	sourceUpsert
	sourceRemove
	sourceFailure
)

// SourceEvent is one document-level event delivered from a reactive source
// to its session's event loop. Per-cursor order is preserved: each source is
// a single producer on the shared channel.
type SourceEvent struct {
	Subscription *Subscription
	Cursor       *CursorRun
	Kind         sourceEventKind

	// Snapshot payload: projected documents including _id, in cursor order.
	Documents []map[string]any

	// Upsert/remove payload.
	Id     any
	Fields map[string]any

	Err error
}

func sendSourceEvent(ctx context.Context, events chan<- *SourceEvent, event *SourceEvent) bool {
	select {
	case events <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

// fetchSnapshot runs the cursor query once. The _id field is always fetched
// even when the projection excludes it; identity is needed internally and
// DDP carries the id out of band anyway.
func fetchSnapshot(ctx context.Context, database *mongo.Database, description *CursorDescription, projectLocally bool) ([]map[string]any, error) {
	cursor, err := database.Collection(description.Collection).Find(
		ctx,
		description.MongoFilter(),
		description.FindOptions(projectLocally),
	)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", description.Collection, err)
	}

	var raw []bson.D
	if err := cursor.All(ctx, &raw); err != nil {
		return nil, fmt.Errorf("find %s: %w", description.Collection, err)
	}

	documents := make([]map[string]any, 0, len(raw))
	for _, document := range raw {
		documents = append(documents, DocumentFromBson(document))
	}
	return documents, nil
}

// runPollingSource implements the polling variant: the full cursor query on
// a fixed interval, each run delivered as a whole snapshot for the
// subscription layer to diff. A poke forces an immediate rerun.
func runPollingSource(
	ctx context.Context,
	database *mongo.Database,
	subscription *Subscription,
	run *CursorRun,
	events chan<- *SourceEvent,
	interval time.Duration,
) {
	poll := func() bool {
		documents, err := fetchSnapshot(ctx, database, run.Description, false)
		if err != nil {
			if ctx.Err() == nil {
				sendSourceEvent(ctx, events, &SourceEvent{
					Subscription: subscription,
					Cursor:       run,
					Kind:         sourceFailure,
					Err:          err,
				})
			}
			return false
		}
		return sendSourceEvent(ctx, events, &SourceEvent{
			Subscription: subscription,
			Cursor:       run,
			Kind:         sourceSnapshot,
			Documents:    documents,
		})
	}

	if !poll() {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !poll() {
				return
			}
		case <-run.poke:
			if !poll() {
				return
			}
		}
	}
}

// runStreamSource implements the change-stream variant. The stream is opened
// before the initial query so no mutation falls between snapshot and
// subscription; replayed events are absorbed by the mergebox.
func runStreamSource(
	ctx context.Context,
	database *mongo.Database,
	subscription *Subscription,
	run *CursorRun,
	events chan<- *SourceEvent,
) {
	fail := func(err error) {
		if ctx.Err() == nil {
			sendSourceEvent(ctx, events, &SourceEvent{
				Subscription: subscription,
				Cursor:       run,
				Kind:         sourceFailure,
				Err:          err,
			})
		}
	}

	stream, err := openChangeStream(ctx, database, run.Description)
	if err != nil {
		fail(fmt.Errorf("watch %s: %w", run.Description.Collection, err))
		return
	}
	defer stream.Close(context.Background())

	state := &streamState{
		subscription: subscription,
		run:          run,
		events:       events,
	}
	if !state.refetch(ctx, database) {
		return
	}

	for stream.Next(ctx) {
		var event changeEvent
		if err := stream.Decode(&event); err != nil {
			fail(fmt.Errorf("change stream %s: %w", run.Description.Collection, err))
			return
		}
		if !state.process(ctx, database, &event) {
			return
		}
	}
	if err := stream.Err(); err != nil && ctx.Err() == nil {
		fail(fmt.Errorf("change stream %s: %w", run.Description.Collection, err))
	}
}

// streamState is the source-private view of the matching document set,
// ordered by the cursor's sorter. It exists to detect documents falling out
// of the match and to maintain the limit window.
type streamState struct {
	subscription *Subscription
	run          *CursorRun
	events       chan<- *SourceEvent
	documents    []map[string]any
}

func (self *streamState) refetch(ctx context.Context, database *mongo.Database) bool {
	documents, err := fetchSnapshot(ctx, database, self.run.Description, true)
	if err != nil {
		if ctx.Err() == nil {
			sendSourceEvent(ctx, self.events, &SourceEvent{
				Subscription: self.subscription,
				Cursor:       self.run,
				Kind:         sourceFailure,
				Err:          err,
			})
		}
		return false
	}
	self.documents = documents

	projected := make([]map[string]any, 0, len(documents))
	for _, document := range documents {
		projected = append(projected, self.project(document))
	}
	return sendSourceEvent(ctx, self.events, &SourceEvent{
		Subscription: self.subscription,
		Cursor:       self.run,
		Kind:         sourceSnapshot,
		Documents:    projected,
	})
}

func (self *streamState) project(document map[string]any) map[string]any {
	projected := CloneDocument(self.run.Viewer.Projector.Apply(document))
	projected["_id"] = document["_id"]
	return projected
}

func (self *streamState) indexOf(id any) int {
	for i, document := range self.documents {
		if Equal(document["_id"], id) {
			return i
		}
	}
	return -1
}

func (self *streamState) process(ctx context.Context, database *mongo.Database, event *changeEvent) bool {
	switch event.OperationType {
	case "insert", "replace", "update":
		if event.FullDocument == nil {
			// The post-image can be absent when the document was deleted
			// between the update and the lookup; the delete event follows.
			return true
		}
		document := DocumentFromBson(event.FullDocument)
		id, ok := document["_id"]
		if !ok {
			self.failInvariant(ctx, fmt.Errorf("change event without _id in %s", self.run.Description.Collection))
			return false
		}
		if self.run.Viewer.Matcher.Matches(document) {
			return self.upsert(ctx, database, id, document)
		}
		return self.remove(ctx, database, id)
	case "delete":
		key := DocumentFromBson(event.DocumentKey)
		id, ok := key["_id"]
		if !ok {
			self.failInvariant(ctx, fmt.Errorf("delete event without _id in %s", self.run.Description.Collection))
			return false
		}
		return self.remove(ctx, database, id)
	case "drop", "dropDatabase":
		self.documents = nil
		return sendSourceEvent(ctx, self.events, &SourceEvent{
			Subscription: self.subscription,
			Cursor:       self.run,
			Kind:         sourceSnapshot,
		})
	default:
		self.failInvariant(ctx, fmt.Errorf("unexpected change event %s in %s", event.OperationType, self.run.Description.Collection))
		return false
	}
}

func (self *streamState) upsert(ctx context.Context, database *mongo.Database, id any, document map[string]any) bool {
	limit := int(self.run.Description.LimitAbs())
	index := self.indexOf(id)
	if index >= 0 {
		self.documents = append(self.documents[:index], self.documents[index+1:]...)
	}

	position := len(self.documents)
	if !self.run.Viewer.Sorter.Empty() {
		position = sort.Search(len(self.documents), func(i int) bool {
			return self.run.Viewer.Sorter.Compare(self.documents[i], document) > 0
		})
	}
	self.documents = append(self.documents, nil)
	copy(self.documents[position+1:], self.documents[position:])
	self.documents[position] = document

	if index >= 0 && limit > 0 && len(self.documents) == limit && position == limit-1 {
		// The document moved to the bottom of a full window; a document past
		// the limit may now sort before it, and only the database knows.
		glog.V(2).Infof("[source] refetch of %s at limit boundary\n", self.run.Description.Collection)
		return self.refetch(ctx, database)
	}

	if limit > 0 && len(self.documents) > limit {
		evicted := self.documents[limit]
		self.documents = self.documents[:limit]
		if Equal(evicted["_id"], id) {
			// The document sorted past the window.
			if index >= 0 {
				return self.emitRemove(ctx, id)
			}
			return true
		}
		if !self.emitRemove(ctx, evicted["_id"]) {
			return false
		}
	}

	fields := self.project(document)
	delete(fields, "_id")
	return sendSourceEvent(ctx, self.events, &SourceEvent{
		Subscription: self.subscription,
		Cursor:       self.run,
		Kind:         sourceUpsert,
		Id:           id,
		Fields:       fields,
	})
}

func (self *streamState) remove(ctx context.Context, database *mongo.Database, id any) bool {
	index := self.indexOf(id)
	if index < 0 {
		return true
	}

	limit := int(self.run.Description.LimitAbs())
	if limit > 0 && len(self.documents) == limit {
		// The window may refill from past the limit; only the database
		// knows with what.
		glog.V(2).Infof("[source] refetch of %s below limit\n", self.run.Description.Collection)
		return self.refetch(ctx, database)
	}

	self.documents = append(self.documents[:index], self.documents[index+1:]...)
	return self.emitRemove(ctx, id)
}

func (self *streamState) emitRemove(ctx context.Context, id any) bool {
	return sendSourceEvent(ctx, self.events, &SourceEvent{
		Subscription: self.subscription,
		Cursor:       self.run,
		Kind:         sourceRemove,
		Id:           id,
	})
}

func (self *streamState) failInvariant(ctx context.Context, err error) {
	if ctx.Err() == nil {
		sendSourceEvent(ctx, self.events, &SourceEvent{
			Subscription: self.subscription,
			Cursor:       self.run,
			Kind:         sourceFailure,
			Err:          err,
		})
	}
}
