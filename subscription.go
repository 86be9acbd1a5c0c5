package router

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"
)

// CursorRun is one cursor bound to a live subscription: its description, the
// compiled query model, and the set of document ids it currently
// contributes. The id set is mutated only on the session's event loop.
type CursorRun struct {
	Description *CursorDescription
	Viewer      *Viewer

	contributor string
	ids         map[string]any
	firstPass   bool
	polling     bool
	poke        chan struct{}
}

// Subscription is a locally-run subscription, keyed by the client-chosen sub
// id. It owns one reactive source per cursor.
type Subscription struct {
	Id     string
	Name   string
	Params []any

	Cursors   []*CursorRun
	readySent bool
	cancel    context.CancelFunc
}

// newSubscription compiles the query model of every cursor description. A
// cursor whose Viewer does not compile is still answerable by MongoDB's
// native find, so it keeps a nil Viewer and is pinned to polling instead of
// declining the offload.
func newSubscription(id string, name string, params []any, descriptions []*CursorDescription) *Subscription {
	subscription := &Subscription{
		Id:     id,
		Name:   name,
		Params: params,
	}
	for ordinal, description := range descriptions {
		viewer, err := NewViewer(description)
		if err != nil {
			glog.Infof("[sub] %s/%s falls back to polling: %s\n", name, description.Collection, err)
			viewer = nil
		}
		subscription.Cursors = append(subscription.Cursors, &CursorRun{
			Description: description,
			Viewer:      viewer,
			contributor: fmt.Sprintf("%s/%d", id, ordinal),
			ids:         map[string]any{},
		})
	}
	return subscription
}

// startSubscription starts one reactive source per cursor and, when polling
// cursors exist, the subscription-level rerun timer.
func (self *Session) startSubscription(subscription *Subscription) {
	ctx, cancel := context.WithCancel(self.ctx)
	subscription.cancel = cancel

	var pollingRuns []*CursorRun
	for _, run := range subscription.Cursors {
		// Streaming needs the compiled query model; a cursor without one
		// polls.
		if run.Viewer != nil && run.Viewer.StreamEligible(run.Description) {
			glog.V(2).Infof("[s]%s stream source for %s/%s\n", self.id, subscription.Name, run.Description.Collection)
			go runStreamSource(ctx, self.database, subscription, run, self.sourceEvents)
			continue
		}

		run.polling = true
		run.poke = make(chan struct{}, 1)
		pollingRuns = append(pollingRuns, run)
		interval := self.settings.PollingInterval
		if run.Description.PollingIntervalMs > 0 {
			interval = time.Duration(run.Description.PollingIntervalMs) * time.Millisecond
		}
		glog.V(2).Infof("[s]%s polling source for %s/%s every %s\n", self.id, subscription.Name, run.Description.Collection, interval)
		go runPollingSource(ctx, self.database, subscription, run, self.sourceEvents, interval)
	}

	if len(pollingRuns) > 0 && self.settings.RerunInterval > 0 {
		go rerunTimer(ctx, pollingRuns, self.settings.RerunInterval)
	}
}

// rerunTimer pokes every polling cursor of a subscription on the configured
// rerun cadence, on top of their own poll intervals.
func rerunTimer(ctx context.Context, runs []*CursorRun, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, run := range runs {
				select {
				case run.poke <- struct{}{}:
				default:
				}
			}
		}
	}
}

// stopSubscription cancels the sources and withdraws every contribution
// from the mergebox. The caller flushes.
func (self *Session) stopSubscription(subscription *Subscription) error {
	if subscription.cancel != nil {
		subscription.cancel()
	}
	for _, run := range subscription.Cursors {
		for _, id := range run.ids {
			if err := self.mergebox.ApplyRemove(run.contributor, run.Description.Collection, id); err != nil {
				return err
			}
		}
		run.ids = map[string]any{}
	}
	return nil
}

// handleSourceEvent applies one source event to the mergebox. Events of
// subscriptions that were already stopped drain as no-ops.
func (self *Session) handleSourceEvent(event *SourceEvent) error {
	if self.subscriptions[event.Subscription.Id] != event.Subscription {
		return nil
	}

	switch event.Kind {
	case sourceFailure:
		return fmt.Errorf("subscription %s (%s): %w", event.Subscription.Id, event.Subscription.Name, event.Err)

	case sourceSnapshot:
		if err := self.applySnapshot(event.Cursor, event.Documents); err != nil {
			return err
		}

	case sourceUpsert:
		if err := self.mergebox.ApplyUpsert(event.Cursor.contributor, event.Cursor.Description.Collection, event.Id, event.Fields); err != nil {
			return err
		}
		event.Cursor.ids[Key(event.Id)] = event.Id

	case sourceRemove:
		key := Key(event.Id)
		if _, ok := event.Cursor.ids[key]; ok {
			if err := self.mergebox.ApplyRemove(event.Cursor.contributor, event.Cursor.Description.Collection, event.Id); err != nil {
				return err
			}
			delete(event.Cursor.ids, key)
		}
	}

	if err := self.flushMergebox(); err != nil {
		return err
	}

	if event.Kind == sourceSnapshot && !event.Cursor.firstPass {
		event.Cursor.firstPass = true
		if err := self.maybeReady(event.Subscription); err != nil {
			return err
		}
	}
	return nil
}

// applySnapshot reconciles a whole cursor snapshot: every document in it is
// upserted, every previously contributed id missing from it is removed.
func (self *Session) applySnapshot(run *CursorRun, documents []map[string]any) error {
	collection := run.Description.Collection
	ids := make(map[string]any, len(documents))
	for _, document := range documents {
		id, ok := document["_id"]
		if !ok {
			return fmt.Errorf("_id not found in document of %s", collection)
		}
		fields := CloneDocument(document)
		delete(fields, "_id")
		if err := self.mergebox.ApplyUpsert(run.contributor, collection, id, fields); err != nil {
			return err
		}
		ids[Key(id)] = id
	}
	for key, id := range run.ids {
		if _, ok := ids[key]; !ok {
			if err := self.mergebox.ApplyRemove(run.contributor, collection, id); err != nil {
				return err
			}
		}
	}
	run.ids = ids
	return nil
}

// maybeReady emits the single ready frame once every cursor finished its
// first pass and the resulting deltas were flushed.
func (self *Session) maybeReady(subscription *Subscription) error {
	if subscription.readySent {
		return nil
	}
	for _, run := range subscription.Cursors {
		if !run.firstPass {
			return nil
		}
	}
	subscription.readySent = true
	return self.writeClient(&Message{Msg: MsgReady, Subs: []string{subscription.Id}})
}
