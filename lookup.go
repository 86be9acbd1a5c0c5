package router

import (
	"strconv"
	"strings"
)

// Branch is one value reached by a dotted-path lookup. A missing value is
// represented by Present == false. DontIterate marks array values that must
// not be expanded further (an array reached through an array index).
type Branch struct {
	Value       any
	Present     bool
	DontIterate bool
}

// ExpandBranches flattens array branches into their elements, following
// Mongo's implicit-array semantics. With skipArrays the arrays themselves
// are dropped and only their elements remain.
func ExpandBranches(branches []Branch, skipArrays bool) []Branch {
	var out []Branch
	for _, branch := range branches {
		array, isArray := branch.Value.([]any)
		isArray = isArray && branch.Present

		if !(skipArrays && isArray && !branch.DontIterate) {
			out = append(out, branch)
		}

		if isArray && !branch.DontIterate {
			for _, value := range array {
				out = append(out, Branch{Value: value, Present: true})
			}
		}
	}
	return out
}

// Lookup resolves a dotted path against a document, descending through
// nested documents and arrays. Numeric path segments double as array
// indices.
type Lookup struct {
	forSort  bool
	key      string
	keyIndex int
	hasIndex bool
	rest     *Lookup
}

// NewLookup compiles a dotted path. The forSort variant restricts the
// array-element fan-out the way sort-key lookups require.
func NewLookup(path string, forSort bool) *Lookup {
	key, restPath, nested := strings.Cut(path, ".")
	lookup := &Lookup{
		forSort: forSort,
		key:     key,
	}
	if index, err := strconv.Atoi(key); err == nil && index >= 0 {
		lookup.keyIndex = index
		lookup.hasIndex = true
	}
	if nested {
		lookup.rest = NewLookup(restPath, forSort)
	}
	return lookup
}

// Apply returns every branch the path reaches in the value.
func (self *Lookup) Apply(value any) []Branch {
	if array, ok := value.([]any); ok {
		if !self.hasIndex || self.keyIndex >= len(array) {
			return nil
		}
	}

	var head any
	headPresent := false
	switch v := value.(type) {
	case []any:
		if self.hasIndex && self.keyIndex < len(v) {
			head = v[self.keyIndex]
			headPresent = true
		}
	case map[string]any:
		head, headPresent = v[self.key]
	}

	if self.rest == nil {
		_, valueIsArray := value.([]any)
		_, headIsArray := head.([]any)
		return []Branch{{
			Value:       head,
			Present:     headPresent,
			DontIterate: valueIsArray && headPresent && headIsArray,
		}}
	}

	headIsContainer := false
	switch head.(type) {
	case []any, map[string]any:
		headIsContainer = headPresent
	}
	if !headIsContainer {
		if _, ok := value.([]any); ok {
			return nil
		}
		return []Branch{{}}
	}

	result := self.rest.Apply(head)
	if !self.rest.hasIndex || !self.forSort {
		if array, ok := head.([]any); ok {
			for _, element := range array {
				if _, ok := element.(map[string]any); ok {
					result = append(result, self.rest.Apply(element)...)
				}
			}
		}
	}
	return result
}

// Root returns the first segment of the path.
func (self *Lookup) Root() string {
	return self.key
}
