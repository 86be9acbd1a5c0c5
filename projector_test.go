package router

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func project(t *testing.T, projection string, input string) map[string]any {
	t.Helper()
	var spec map[string]any
	if projection != "" {
		spec = jsonDoc(t, projection)
	}
	projector, err := CompileProjector(spec)
	if err != nil {
		t.Fatalf("%s is not supported: %s", projection, err)
	}
	return projector.Apply(jsonDoc(t, input))
}

func TestProjectorGrid(t *testing.T) {
	tests := [][3]string{
		{``, `{"a": 7, "b": 8}`, `{"a": 7, "b": 8}`},
		{`{}`, `{"a": 7, "b": 8}`, `{"a": 7, "b": 8}`},

		{`{"a": 0}`, `{}`, `{}`},
		{`{"a": 0}`, `{"a": 7}`, `{}`},
		{`{"a": 0}`, `{"a": 7, "b": 8}`, `{"b": 8}`},
		{`{"a": 0}`, `{"a": 7, "b": 8, "_id": 9}`, `{"b": 8, "_id": 9}`},
		{`{"a": 0, "_id": 0}`, `{"a": 7, "b": 8, "_id": 9}`, `{"b": 8}`},
		{`{"a": 0, "_id": 1}`, `{"a": 7, "b": 8, "_id": 9}`, `{"b": 8, "_id": 9}`},

		{`{"a": 1}`, `{}`, `{}`},
		{`{"a": 1}`, `{"a": 7}`, `{"a": 7}`},
		{`{"a": 1}`, `{"a": 7, "b": 8}`, `{"a": 7}`},
		{`{"a": 1}`, `{"a": 7, "b": 8, "_id": 9}`, `{"a": 7, "_id": 9}`},
		{`{"a": 1, "_id": 0}`, `{"a": 7, "b": 8, "_id": 9}`, `{"a": 7}`},
		{`{"a": 1, "_id": 1}`, `{"a": 7, "b": 8, "_id": 9}`, `{"a": 7, "_id": 9}`},
	}

	for _, test := range tests {
		assert.Equal(t, project(t, test[0], test[1]), jsonDoc(t, test[2]))
	}
}

func TestProjectorUnsupported(t *testing.T) {
	projections := []string{
		`{"a": 1, "b": 0}`,
		`{"a.b": 1}`,
		`{"a": {"$slice": 3}}`,
		`{"a": {"$elemMatch": {"b": 1}}}`,
	}
	for _, projection := range projections {
		_, err := CompileProjector(jsonDoc(t, projection))
		if err == nil {
			t.Errorf("%s compiled but shouldn't", projection)
		}
	}
}

func TestProjectorInclusionOnly(t *testing.T) {
	inclusive, err := CompileProjector(jsonDoc(t, `{"a": 1}`))
	assert.Equal(t, err, nil)
	assert.Equal(t, inclusive.InclusionOnly(), true)

	exclusive, err := CompileProjector(jsonDoc(t, `{"a": 0}`))
	assert.Equal(t, err, nil)
	assert.Equal(t, exclusive.InclusionOnly(), false)

	empty, err := CompileProjector(nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, empty.InclusionOnly(), true)
}
