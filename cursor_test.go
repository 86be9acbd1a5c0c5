package router

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestCursorDescriptionsFromResultString(t *testing.T) {
	// The method result is an EJSON string whose decoded value is an array
	// of cursor descriptions.
	descriptions, err := ParseCursorDescriptions(`[{"collectionName":"items","selector":{},"options":{}}]`)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(descriptions), 1)
	assert.Equal(t, descriptions[0].Collection, "items")
	assert.Equal(t, descriptions[0].Selector, map[string]any{})
	assert.Equal(t, descriptions[0].Limit, int64(0))
}

func TestCursorDescriptionsFromBareArray(t *testing.T) {
	descriptions, err := ParseCursorDescriptions([]any{
		map[string]any{
			"collectionName": "items",
			"selector":       map[string]any{"a": float64(1)},
			"options":        map[string]any{"limit": float64(5)},
		},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, descriptions[0].Limit, int64(5))
}

func TestCursorDescriptionOptions(t *testing.T) {
	description, err := ParseCursorDescription([]byte(`{
		"collectionName": "items",
		"selector": {"kind": "book"},
		"options": {
			"sort": {"b": -1, "a": 1},
			"limit": -3,
			"projection": {"a": 1},
			"pollingIntervalMs": 500,
			"transform": null
		}
	}`))
	assert.Equal(t, err, nil)
	assert.Equal(t, description.Sort, []SortField{
		{Path: "b", Ascending: false},
		{Path: "a", Ascending: true},
	})
	assert.Equal(t, description.Limit, int64(-3))
	assert.Equal(t, description.LimitAbs(), int64(3))
	assert.Equal(t, description.PollingIntervalMs, int64(500))
}

func TestCursorDescriptionRejects(t *testing.T) {
	malformed := []string{
		`{"selector":{},"options":{}}`,
		`{"collectionName":"items","options":{}}`,
		`{"collectionName":"items","selector":{}}`,
		`{"collectionName":"items","selector":{},"options":{"transform":{}}}`,
		`{"collectionName":"items","selector":{},"options":{"tailable":true}}`,
		`{"collectionName":"items","selector":{},"options":{"sort":{"a":2}}}`,
		`{"collectionName":"items","selector":{},"options":{"fields":{"a":1},"projection":{"a":1}}}`,
	}
	for _, data := range malformed {
		if _, err := ParseCursorDescription([]byte(data)); err == nil {
			t.Errorf("%s parsed but shouldn't", data)
		}
	}

	if _, err := ParseCursorDescriptions(float64(3)); err == nil {
		t.Errorf("non-array result parsed but shouldn't")
	}
}

func TestCursorDescriptionSameAs(t *testing.T) {
	a, err := ParseCursorDescription([]byte(`{"collectionName":"items","selector":{"a":1},"options":{}}`))
	assert.Equal(t, err, nil)
	b, err := ParseCursorDescription([]byte(`{"collectionName":"items","selector":{"a":1},"options":{}}`))
	assert.Equal(t, err, nil)
	c, err := ParseCursorDescription([]byte(`{"collectionName":"items","selector":{"a":2},"options":{}}`))
	assert.Equal(t, err, nil)

	assert.Equal(t, a.SameAs(b), true)
	assert.Equal(t, a.SameAs(c), false)
}

func TestViewerStreamEligibility(t *testing.T) {
	compile := func(data string) (*CursorDescription, *Viewer) {
		description, err := ParseCursorDescription([]byte(data))
		assert.Equal(t, err, nil)
		viewer, err := NewViewer(description)
		assert.Equal(t, err, nil)
		return description, viewer
	}

	description, viewer := compile(`{"collectionName":"items","selector":{"a":1},"options":{}}`)
	assert.Equal(t, viewer.StreamEligible(description), true)

	description, viewer = compile(`{"collectionName":"items","selector":{},"options":{"projection":{"a":1}}}`)
	assert.Equal(t, viewer.StreamEligible(description), true)

	// Exclusion projections are not stream eligible.
	description, viewer = compile(`{"collectionName":"items","selector":{},"options":{"projection":{"a":0}}}`)
	assert.Equal(t, viewer.StreamEligible(description), false)

	// Skip falls back to polling.
	description, viewer = compile(`{"collectionName":"items","selector":{},"options":{"skip":5}}`)
	assert.Equal(t, viewer.StreamEligible(description), false)

	// A limit needs a sort to define its window.
	description, viewer = compile(`{"collectionName":"items","selector":{},"options":{"limit":5}}`)
	assert.Equal(t, viewer.StreamEligible(description), false)
	description, viewer = compile(`{"collectionName":"items","selector":{},"options":{"limit":5,"sort":{"a":1}}}`)
	assert.Equal(t, viewer.StreamEligible(description), true)

	description, viewer = compile(`{"collectionName":"items","selector":{},"options":{"disableOplog":true}}`)
	assert.Equal(t, viewer.StreamEligible(description), false)
}

// Cursors the local query model cannot express still run — permanently in
// polling mode, where MongoDB evaluates them natively — and never decline
// the subscription.
func TestViewerCompileFailureFallsBackToPolling(t *testing.T) {
	unsupported := []string{
		`{"collectionName":"items","selector":{"a":{"$where":"x"}},"options":{}}`,
		`{"collectionName":"items","selector":{},"options":{"projection":{"a.b":1}}}`,
		`{"collectionName":"items","selector":{},"options":{"sort":{"a.b":1,"a.c":1}}}`,
	}
	for _, data := range unsupported {
		description, err := ParseCursorDescription([]byte(data))
		assert.Equal(t, err, nil)
		if _, err := NewViewer(description); err == nil {
			t.Errorf("%s compiled but shouldn't", data)
		}

		subscription := newSubscription("s1", "items", nil, []*CursorDescription{description})
		assert.Equal(t, len(subscription.Cursors), 1)
		assert.Equal(t, subscription.Cursors[0].Viewer, (*Viewer)(nil))
	}
}

// One inexpressible cursor must not cost the rest of the subscription its
// offload: the others keep their compiled query model.
func TestSubscriptionMixesStreamAndPollingCursors(t *testing.T) {
	simple, err := ParseCursorDescription([]byte(`{"collectionName":"items","selector":{},"options":{}}`))
	assert.Equal(t, err, nil)
	nested, err := ParseCursorDescription([]byte(`{"collectionName":"items","selector":{},"options":{"projection":{"a.b":1}}}`))
	assert.Equal(t, err, nil)

	subscription := newSubscription("s1", "items", nil, []*CursorDescription{simple, nested})
	assert.Equal(t, len(subscription.Cursors), 2)
	assert.Equal(t, subscription.Cursors[0].Viewer == nil, false)
	assert.Equal(t, subscription.Cursors[0].Viewer.StreamEligible(simple), true)
	assert.Equal(t, subscription.Cursors[1].Viewer, (*Viewer)(nil))
}
