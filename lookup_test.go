package router

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func branchValues(branches []Branch) []any {
	var values []any
	for _, branch := range branches {
		if branch.Present {
			values = append(values, branch.Value)
		}
	}
	return values
}

func TestLookupTopLevel(t *testing.T) {
	lookup := NewLookup("a", false)

	assert.Equal(t, branchValues(lookup.Apply(jsonDoc(t, `{"a": 1}`))), []any{float64(1)})
	assert.Equal(t, branchValues(lookup.Apply(jsonDoc(t, `{"b": 1}`))), []any(nil))
}

func TestLookupNested(t *testing.T) {
	lookup := NewLookup("a.b", false)

	assert.Equal(t, branchValues(lookup.Apply(jsonDoc(t, `{"a": {"b": 7}}`))), []any{float64(7)})
	// Arrays along the way fan out into one branch per element.
	values := branchValues(lookup.Apply(jsonDoc(t, `{"a": [{"b": 1}, {"b": 2}]}`)))
	assert.Equal(t, values, []any{float64(1), float64(2)})
}

func TestLookupNumericSegment(t *testing.T) {
	lookup := NewLookup("a.1", false)
	assert.Equal(t, branchValues(lookup.Apply(jsonDoc(t, `{"a": [10, 20, 30]}`))), []any{float64(20)})

	lookup = NewLookup("a.5", false)
	assert.Equal(t, branchValues(lookup.Apply(jsonDoc(t, `{"a": [10]}`))), []any(nil))
}

func TestLookupScalarInTheMiddle(t *testing.T) {
	lookup := NewLookup("a.b", false)
	branches := lookup.Apply(jsonDoc(t, `{"a": 5}`))
	assert.Equal(t, len(branches), 1)
	assert.Equal(t, branches[0].Present, false)
}

func TestExpandBranches(t *testing.T) {
	branches := []Branch{{Value: []any{float64(1), float64(2)}, Present: true}}

	expanded := ExpandBranches(branches, false)
	assert.Equal(t, len(expanded), 3)

	skipped := ExpandBranches(branches, true)
	assert.Equal(t, len(skipped), 2)
	assert.Equal(t, skipped[0].Value, float64(1))
	assert.Equal(t, skipped[1].Value, float64(2))
}
