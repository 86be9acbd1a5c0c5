package router

import (
	"fmt"
	"strings"
)

// SortField is one key of a sort specification, in document order.
type SortField struct {
	Path      string
	Ascending bool
}

type sortKey struct {
	path      string
	ascending bool
	lookup    *Lookup
}

// Sorter compares documents by a list of dotted-path sort keys. Two keys
// descending into the same root field would sort along parallel arrays,
// which has no consistent answer, so such specifications fail compilation.
type Sorter struct {
	keys []sortKey
}

// CompileSorter compiles a sort specification.
func CompileSorter(fields []SortField) (*Sorter, error) {
	keys := make([]sortKey, 0, len(fields))
	for _, field := range fields {
		if field.Path == "" {
			return nil, fmt.Errorf("empty sort path")
		}
		keys = append(keys, sortKey{
			path:      field.Path,
			ascending: field.Ascending,
			lookup:    NewLookup(field.Path, true),
		})
	}

	for i := range keys {
		for j := i + 1; j < len(keys); j++ {
			if keys[i].path == keys[j].path {
				return nil, fmt.Errorf("duplicate sort path %s", keys[i].path)
			}
			if keys[i].lookup.Root() == keys[j].lookup.Root() && !prefixPath(keys[i].path, keys[j].path) {
				return nil, fmt.Errorf("parallel sort paths %s and %s", keys[i].path, keys[j].path)
			}
		}
	}

	return &Sorter{keys: keys}, nil
}

// Empty reports whether the sorter has no keys.
func (self *Sorter) Empty() bool {
	return len(self.keys) == 0
}

// Compare orders two documents.
func (self *Sorter) Compare(lhs map[string]any, rhs map[string]any) int {
	for _, key := range self.keys {
		left, leftOk := key.relevantValue(lhs)
		right, rightOk := key.relevantValue(rhs)

		var ordering int
		switch {
		case !leftOk && !rightOk:
			ordering = 0
		case !leftOk:
			ordering = -1
		case !rightOk:
			ordering = 1
		default:
			ordering = Compare(left, right)
		}

		if !key.ascending {
			ordering = -ordering
		}
		if ordering != 0 {
			return ordering
		}
	}
	return 0
}

// relevantValue picks the value a sort key contributes for a document: the
// minimal reachable value for ascending keys, the maximal for descending,
// per Mongo's array sort semantics.
func (self *sortKey) relevantValue(document map[string]any) (any, bool) {
	branches := ExpandBranches(self.lookup.Apply(document), true)

	var chosen any
	found := false
	for _, branch := range branches {
		if !branch.Present {
			continue
		}
		if !found {
			chosen = branch.Value
			found = true
			continue
		}
		ordering := Compare(branch.Value, chosen)
		if (self.ascending && ordering < 0) || (!self.ascending && ordering > 0) {
			chosen = branch.Value
		}
	}
	return chosen, found
}

// prefixPath reports whether one dotted path is a segment-wise prefix of the
// other.
func prefixPath(a string, b string) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	return a == b || (strings.HasPrefix(b, a) && b[len(a)] == '.')
}
