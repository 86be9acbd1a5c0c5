package router

import (
	"context"
	"testing"

	"github.com/go-playground/assert/v2"
)

func newTestSession() *Session {
	return NewSession(context.Background(), "test", nil, nil, nil, DefaultSessionSettings())
}

func drainClient(session *Session) []*Message {
	var messages []*Message
	for {
		select {
		case message := <-session.clientOut:
			messages = append(messages, message)
		default:
			return messages
		}
	}
}

func drainServer(session *Session) []*Message {
	var messages []*Message
	for {
		select {
		case message := <-session.serverOut:
			messages = append(messages, message)
		default:
			return messages
		}
	}
}

func registerSubscription(t *testing.T, session *Session, id string, name string, collection string) *Subscription {
	t.Helper()
	description, err := ParseCursorDescription([]byte(`{"collectionName":"` + collection + `","selector":{},"options":{}}`))
	assert.Equal(t, err, nil)
	subscription := newSubscription(id, name, nil, []*CursorDescription{description})
	session.subscriptions[id] = subscription
	return subscription
}

// A sub is intercepted into a __subscription__ method call with a
// router-private id.
func TestSessionSubBecomesMethodCall(t *testing.T) {
	session := newTestSession()

	err := session.handleClientMessage(&Message{Msg: MsgSub, Id: "s1", Name: "items"})
	assert.Equal(t, err, nil)

	messages := drainServer(session)
	assert.Equal(t, len(messages), 1)
	assert.Equal(t, messages[0].Msg, MsgMethod)
	assert.Equal(t, messages[0].Method, "__subscription__items")
	assert.Equal(t, messages[0].Id == "s1", false)
}

// Offload decline: an error result turns into the original sub, forwarded
// upstream, and nothing reaches the client.
func TestSessionOffloadDecline(t *testing.T) {
	session := newTestSession()

	err := session.handleClientMessage(&Message{Msg: MsgSub, Id: "s1", Name: "items"})
	assert.Equal(t, err, nil)
	method := drainServer(session)[0]

	err = session.handleServerMessage(&Message{
		Msg:   MsgResult,
		Id:    method.Id,
		Error: map[string]any{"error": float64(404)},
	})
	assert.Equal(t, err, nil)

	forwarded := drainServer(session)
	assert.Equal(t, len(forwarded), 1)
	assert.Equal(t, forwarded[0].Msg, MsgSub)
	assert.Equal(t, forwarded[0].Id, "s1")
	assert.Equal(t, forwarded[0].Name, "items")
	assert.Equal(t, len(drainClient(session)), 0)
	assert.Equal(t, len(session.subscriptions), 0)

	// Whatever upstream emits afterward is forwarded verbatim.
	err = session.handleServerMessage(&Message{Msg: MsgReady, Subs: []string{"s1"}})
	assert.Equal(t, err, nil)
	messages := drainClient(session)
	assert.Equal(t, len(messages), 1)
	assert.Equal(t, messages[0].Msg, MsgReady)
}

// Offload success first pass: every document of the snapshot, then ready.
func TestSessionFirstPassThenReady(t *testing.T) {
	session := newTestSession()
	subscription := registerSubscription(t, session, "s1", "items", "items")

	err := session.handleSourceEvent(&SourceEvent{
		Subscription: subscription,
		Cursor:       subscription.Cursors[0],
		Kind:         sourceSnapshot,
		Documents: []map[string]any{
			{"_id": "x", "n": int64(1)},
			{"_id": "y", "n": int64(2)},
		},
	})
	assert.Equal(t, err, nil)

	messages := drainClient(session)
	assert.Equal(t, len(messages), 3)
	assert.Equal(t, messages[0].Msg, MsgAdded)
	assert.Equal(t, messages[0].Id, "x")
	assert.Equal(t, messages[0].Fields, map[string]any{"n": int64(1)})
	assert.Equal(t, messages[1].Msg, MsgAdded)
	assert.Equal(t, messages[1].Id, "y")
	assert.Equal(t, messages[2].Msg, MsgReady)
	assert.Equal(t, messages[2].Subs, []string{"s1"})

	// ready is emitted exactly once.
	err = session.handleSourceEvent(&SourceEvent{
		Subscription: subscription,
		Cursor:       subscription.Cursors[0],
		Kind:         sourceSnapshot,
		Documents: []map[string]any{
			{"_id": "x", "n": int64(1)},
			{"_id": "y", "n": int64(2)},
		},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, len(drainClient(session)), 0)
}

// Polling diff: changed for mutated documents, added for new ones, removed
// for gone ones.
func TestSessionSnapshotDiff(t *testing.T) {
	session := newTestSession()
	subscription := registerSubscription(t, session, "s1", "items", "items")
	run := subscription.Cursors[0]

	err := session.handleSourceEvent(&SourceEvent{
		Subscription: subscription,
		Cursor:       run,
		Kind:         sourceSnapshot,
		Documents:    []map[string]any{{"_id": "a", "v": int64(1)}},
	})
	assert.Equal(t, err, nil)
	drainClient(session)

	err = session.handleSourceEvent(&SourceEvent{
		Subscription: subscription,
		Cursor:       run,
		Kind:         sourceSnapshot,
		Documents: []map[string]any{
			{"_id": "a", "v": int64(2)},
			{"_id": "b", "v": int64(9)},
		},
	})
	assert.Equal(t, err, nil)

	messages := drainClient(session)
	assert.Equal(t, len(messages), 2)
	assert.Equal(t, messages[0].Msg, MsgChanged)
	assert.Equal(t, messages[0].Id, "a")
	assert.Equal(t, messages[0].Fields, map[string]any{"v": int64(2)})
	assert.Equal(t, messages[1].Msg, MsgAdded)
	assert.Equal(t, messages[1].Id, "b")
	assert.Equal(t, messages[1].Fields, map[string]any{"v": int64(9)})

	err = session.handleSourceEvent(&SourceEvent{
		Subscription: subscription,
		Cursor:       run,
		Kind:         sourceSnapshot,
		Documents:    []map[string]any{{"_id": "b", "v": int64(9)}},
	})
	assert.Equal(t, err, nil)
	messages = drainClient(session)
	assert.Equal(t, len(messages), 1)
	assert.Equal(t, messages[0].Msg, MsgRemoved)
	assert.Equal(t, messages[0].Id, "a")
}

// Dual contributors across the local subscription and the upstream server:
// unsub must not remove what upstream still provides.
func TestSessionUnsubKeepsUpstreamContribution(t *testing.T) {
	session := newTestSession()
	subscription := registerSubscription(t, session, "s1", "items", "items")

	err := session.handleSourceEvent(&SourceEvent{
		Subscription: subscription,
		Cursor:       subscription.Cursors[0],
		Kind:         sourceSnapshot,
		Documents:    []map[string]any{{"_id": "x", "n": int64(1)}},
	})
	assert.Equal(t, err, nil)
	drainClient(session)

	err = session.handleServerMessage(&Message{
		Msg:        MsgAdded,
		Collection: "items",
		Id:         "x",
		Fields:     map[string]any{"n": int64(1), "extra": "z"},
	})
	assert.Equal(t, err, nil)
	messages := drainClient(session)
	assert.Equal(t, len(messages), 1)
	assert.Equal(t, messages[0].Msg, MsgChanged)
	assert.Equal(t, messages[0].Fields, map[string]any{"extra": "z"})

	err = session.handleClientMessage(&Message{Msg: MsgUnsub, Id: "s1"})
	assert.Equal(t, err, nil)
	messages = drainClient(session)
	assert.Equal(t, len(messages), 1)
	assert.Equal(t, messages[0].Msg, MsgNosub)
	assert.Equal(t, messages[0].Id, "s1")
	assert.Equal(t, len(session.subscriptions), 0)

	// x survived the unsub because upstream still contributes both fields;
	// upstream's own removal now removes it.
	err = session.handleServerMessage(&Message{Msg: MsgRemoved, Collection: "items", Id: "x"})
	assert.Equal(t, err, nil)
	messages = drainClient(session)
	assert.Equal(t, len(messages), 1)
	assert.Equal(t, messages[0].Msg, MsgRemoved)
}

// An unsub for a subscription the router never owned goes upstream.
func TestSessionUnsubForwardsUnknown(t *testing.T) {
	session := newTestSession()

	err := session.handleClientMessage(&Message{Msg: MsgUnsub, Id: "s9"})
	assert.Equal(t, err, nil)
	messages := drainServer(session)
	assert.Equal(t, len(messages), 1)
	assert.Equal(t, messages[0].Msg, MsgUnsub)
	assert.Equal(t, len(drainClient(session)), 0)
}

// updated frames for router-private method ids are swallowed; client ids
// pass through.
func TestSessionUpdatedFiltering(t *testing.T) {
	session := newTestSession()

	err := session.handleClientMessage(&Message{Msg: MsgSub, Id: "s1", Name: "items"})
	assert.Equal(t, err, nil)
	method := drainServer(session)[0]
	methodId, _ := method.Id.(string)

	err = session.handleServerMessage(&Message{Msg: MsgUpdated, Methods: []string{methodId, "m7"}})
	assert.Equal(t, err, nil)
	messages := drainClient(session)
	assert.Equal(t, len(messages), 1)
	assert.Equal(t, messages[0].Methods, []string{"m7"})

	err = session.handleServerMessage(&Message{Msg: MsgUpdated, Methods: []string{methodId}})
	assert.Equal(t, err, nil)
	assert.Equal(t, len(drainClient(session)), 0)
}

// A source failure is fatal for the session.
func TestSessionSourceFailureIsFatal(t *testing.T) {
	session := newTestSession()
	subscription := registerSubscription(t, session, "s1", "items", "items")

	err := session.handleSourceEvent(&SourceEvent{
		Subscription: subscription,
		Cursor:       subscription.Cursors[0],
		Kind:         sourceFailure,
		Err:          context.DeadlineExceeded,
	})
	if err == nil {
		t.Errorf("source failure must surface as a session error")
	}
}

// Events of an already stopped subscription drain as no-ops.
func TestSessionDrainsStaleSourceEvents(t *testing.T) {
	session := newTestSession()
	subscription := registerSubscription(t, session, "s1", "items", "items")
	delete(session.subscriptions, "s1")

	err := session.handleSourceEvent(&SourceEvent{
		Subscription: subscription,
		Cursor:       subscription.Cursors[0],
		Kind:         sourceSnapshot,
		Documents:    []map[string]any{{"_id": "x"}},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, len(drainClient(session)), 0)
}
