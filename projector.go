package router

import (
	"fmt"
	"sort"
)

type projectorKind int

const (
	projectorEmpty projectorKind = iota
	projectorExclude
	projectorInclude
)

// Projector applies an inclusion or exclusion projection to top-level
// fields. Dotted paths and projection operators are not supported and fail
// compilation.
type Projector struct {
	kind  projectorKind
	paths []string
}

// CompileProjector compiles a projection document. A nil projection passes
// documents through unchanged.
func CompileProjector(projection map[string]any) (*Projector, error) {
	if projection == nil {
		return &Projector{kind: projectorEmpty}, nil
	}

	var paths []string
	var includeAll *bool
	var includeId *bool

	for _, path := range sortedKeys(projection) {
		operator := projection[path]
		number, ok := numberToInt64(operator)
		if !ok {
			if flag, isBool := operator.(bool); isBool {
				number = 0
				if flag {
					number = 1
				}
			} else {
				return nil, fmt.Errorf("projection %v for %s is not supported", operator, path)
			}
		}
		include := number != 0

		// _id is special.
		if path == "_id" {
			includeId = &include
			continue
		}

		if containsDot(path) {
			return nil, fmt.Errorf("nested projections are not supported")
		}

		if includeAll != nil {
			if *includeAll != include {
				return nil, fmt.Errorf("projection cannot be both exclusive and inclusive")
			}
		} else {
			includeAll = &include
		}

		paths = append(paths, path)
	}

	switch {
	case includeAll != nil && *includeAll && includeId == nil:
		t := true
		includeId = &t
	case includeAll == nil:
		includeAll = includeId
	}

	if equalFlags(includeAll, includeId) {
		paths = append(paths, "_id")
	}

	sort.Strings(paths)

	projector := &Projector{paths: paths}
	switch {
	case includeAll == nil:
		projector.kind = projectorEmpty
	case *includeAll:
		projector.kind = projectorInclude
	default:
		projector.kind = projectorExclude
	}
	return projector, nil
}

// Apply projects a document, returning a new map.
func (self *Projector) Apply(document map[string]any) map[string]any {
	switch self.kind {
	case projectorEmpty:
		return document
	case projectorExclude:
		out := make(map[string]any, len(document))
		for key, value := range document {
			if !self.contains(key) {
				out[key] = value
			}
		}
		return out
	default:
		out := make(map[string]any, len(self.paths))
		for key, value := range document {
			if self.contains(key) {
				out[key] = value
			}
		}
		return out
	}
}

// InclusionOnly reports whether the projection is an inclusion projection
// or absent. Only such cursors are eligible for change-stream sources.
func (self *Projector) InclusionOnly() bool {
	return self.kind != projectorExclude
}

func (self *Projector) contains(path string) bool {
	index := sort.SearchStrings(self.paths, path)
	return index < len(self.paths) && self.paths[index] == path
}

func containsDot(path string) bool {
	for _, c := range path {
		if c == '.' {
			return true
		}
	}
	return false
}

func equalFlags(a *bool, b *bool) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
