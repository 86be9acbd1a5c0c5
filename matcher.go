package router

import (
	"fmt"
	"math"
	"regexp"
	"strings"
)

// Matcher is a compiled MongoDB selector. Compilation fails on operators
// outside the supported subset; a failed compilation pins the owning cursor
// to polling, where MongoDB evaluates the selector natively.
//
// Supported: $and $or $nor $not, $eq $ne $gt $gte $lt $lte $in $nin,
// $exists, $type, $all $size, $mod, $regex (RE2 dialect).
// Unsupported by design: $bitsAllClear $bitsAnyClear $bitsAllSet $bitsAnySet,
// $elemMatch, $where.
type Matcher struct {
	clauses []docPredicate
}

type docPredicate func(document map[string]any) bool

type branchPredicate func(branches []Branch) bool

type leafPredicate func(value any, present bool) bool

// CompileMatcher compiles a selector in EJSON form.
func CompileMatcher(selector map[string]any) (*Matcher, error) {
	clauses, err := compileSelector(selector)
	if err != nil {
		return nil, err
	}
	return &Matcher{clauses: clauses}, nil
}

// Matches tests a document against the selector.
func (self *Matcher) Matches(document map[string]any) bool {
	for _, clause := range self.clauses {
		if !clause(document) {
			return false
		}
	}
	return true
}

func compileSelector(selector map[string]any) ([]docPredicate, error) {
	var clauses []docPredicate
	for _, key := range sortedKeys(selector) {
		operand := selector[key]
		switch key {
		case "$and":
			sub, err := compileSelectorList(key, operand)
			if err != nil {
				return nil, err
			}
			clauses = append(clauses, func(document map[string]any) bool {
				for _, matcher := range sub {
					if !matcher.Matches(document) {
						return false
					}
				}
				return true
			})
		case "$or":
			sub, err := compileSelectorList(key, operand)
			if err != nil {
				return nil, err
			}
			clauses = append(clauses, func(document map[string]any) bool {
				for _, matcher := range sub {
					if matcher.Matches(document) {
						return true
					}
				}
				return false
			})
		case "$nor":
			sub, err := compileSelectorList(key, operand)
			if err != nil {
				return nil, err
			}
			clauses = append(clauses, func(document map[string]any) bool {
				for _, matcher := range sub {
					if matcher.Matches(document) {
						return false
					}
				}
				return true
			})
		case "$comment":
			// Ignored, like the server does.
		default:
			if strings.HasPrefix(key, "$") {
				return nil, fmt.Errorf("unsupported selector operator %s", key)
			}
			clause, err := compilePathClause(key, operand)
			if err != nil {
				return nil, err
			}
			clauses = append(clauses, clause)
		}
	}
	return clauses, nil
}

func compileSelectorList(operator string, operand any) ([]*Matcher, error) {
	selectors, ok := operand.([]any)
	if !ok || len(selectors) == 0 {
		return nil, fmt.Errorf("%s expects a non-empty array", operator)
	}
	matchers := make([]*Matcher, 0, len(selectors))
	for _, selector := range selectors {
		document, ok := selector.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s expects an array of selectors", operator)
		}
		matcher, err := CompileMatcher(document)
		if err != nil {
			return nil, err
		}
		matchers = append(matchers, matcher)
	}
	return matchers, nil
}

func compilePathClause(path string, operand any) (docPredicate, error) {
	lookup := NewLookup(path, false)
	test, err := compileValueSelector(operand)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return func(document map[string]any) bool {
		return test(lookup.Apply(document))
	}, nil
}

func compileValueSelector(operand any) (branchPredicate, error) {
	if document, ok := operand.(map[string]any); ok {
		if ejsonTag(document) == "$regexp" {
			return compileRegexTest(document["$regexp"], document["$flags"])
		}
		if isOperatorDocument(document) {
			return compileOperatorDocument(document)
		}
	}
	return anyBranchValue(equalityPredicate(operand)), nil
}

func isOperatorDocument(document map[string]any) bool {
	if len(document) == 0 || ejsonTag(document) != "" {
		return false
	}
	operators := 0
	for key := range document {
		if strings.HasPrefix(key, "$") {
			operators++
		}
	}
	if operators != 0 && operators != len(document) {
		// Mixed operator and literal keys are invalid selectors.
		return true
	}
	return operators > 0
}

func compileOperatorDocument(operators map[string]any) (branchPredicate, error) {
	var tests []branchPredicate

	if pattern, ok := operators["$regex"]; ok {
		test, err := compileRegexTest(pattern, operators["$options"])
		if err != nil {
			return nil, err
		}
		tests = append(tests, test)
	} else if _, ok := operators["$options"]; ok {
		return nil, fmt.Errorf("$options requires $regex")
	}

	for _, operator := range sortedKeys(operators) {
		operand := operators[operator]
		var test branchPredicate
		var err error
		switch operator {
		case "$regex", "$options":
			continue
		case "$eq":
			test = anyBranchValue(equalityPredicate(operand))
		case "$ne":
			test = negate(anyBranchValue(equalityPredicate(operand)))
		case "$gt", "$gte", "$lt", "$lte":
			test, err = compileOrderedTest(operator, operand)
		case "$in":
			test, err = compileInTest(operand)
		case "$nin":
			test, err = compileInTest(operand)
			if err == nil {
				test = negate(test)
			}
		case "$exists":
			want := truthy(operand)
			test = func(branches []Branch) bool {
				return anyBranchRaw(branches, func(value any, present bool) bool {
					return present
				}) == want
			}
		case "$type":
			test, err = compileTypeTest(operand)
		case "$all":
			test, err = compileAllTest(operand)
		case "$size":
			test, err = compileSizeTest(operand)
		case "$mod":
			test, err = compileModTest(operand)
		case "$not":
			test, err = compileNotTest(operand)
		default:
			err = fmt.Errorf("unsupported operator %s", operator)
		}
		if err != nil {
			return nil, err
		}
		tests = append(tests, test)
	}

	return func(branches []Branch) bool {
		for _, test := range tests {
			if !test(branches) {
				return false
			}
		}
		return true
	}, nil
}

// anyBranchValue applies the predicate to each branch and, following the
// implicit-array rule, to each element of array branches.
func anyBranchValue(pred leafPredicate) branchPredicate {
	return func(branches []Branch) bool {
		for _, branch := range branches {
			if pred(branch.Value, branch.Present) {
				return true
			}
			if array, ok := branch.Value.([]any); ok && branch.Present && !branch.DontIterate {
				for _, element := range array {
					if pred(element, true) {
						return true
					}
				}
			}
		}
		return false
	}
}

// anyBranchRaw applies the predicate to the branches themselves, without
// array expansion.
func anyBranchRaw(branches []Branch, pred leafPredicate) bool {
	for _, branch := range branches {
		if pred(branch.Value, branch.Present) {
			return true
		}
	}
	return false
}

func negate(test branchPredicate) branchPredicate {
	return func(branches []Branch) bool {
		return !test(branches)
	}
}

func equalityPredicate(operand any) leafPredicate {
	return func(value any, present bool) bool {
		if operand == nil {
			return !present || value == nil
		}
		if !present {
			return false
		}
		return Equal(value, operand)
	}
}

func compileOrderedTest(operator string, operand any) (branchPredicate, error) {
	order := TypeOrder(operand)
	if order == classObject {
		if document, ok := operand.(map[string]any); ok && isOperatorDocument(document) {
			return nil, fmt.Errorf("%s expects a plain value", operator)
		}
	}
	return anyBranchValue(func(value any, present bool) bool {
		if !present || TypeOrder(value) != order {
			return false
		}
		ordering := Compare(value, operand)
		switch operator {
		case "$gt":
			return ordering > 0
		case "$gte":
			return ordering >= 0
		case "$lt":
			return ordering < 0
		default:
			return ordering <= 0
		}
	}), nil
}

func compileInTest(operand any) (branchPredicate, error) {
	operands, ok := operand.([]any)
	if !ok {
		return nil, fmt.Errorf("$in expects an array")
	}
	predicates := make([]leafPredicate, len(operands))
	for i, item := range operands {
		if document, ok := item.(map[string]any); ok && isOperatorDocument(document) {
			return nil, fmt.Errorf("$in with operator expressions is not supported")
		}
		predicates[i] = equalityPredicate(item)
	}
	return anyBranchValue(func(value any, present bool) bool {
		for _, pred := range predicates {
			if pred(value, present) {
				return true
			}
		}
		return false
	}), nil
}

var typeNames = map[string]int{
	"double":   classNumber,
	"string":   classString,
	"object":   classObject,
	"array":    classArray,
	"binData":  classBinary,
	"objectId": classObjectId,
	"bool":     classBool,
	"date":     classDate,
	"null":     classNull,
	"regex":    classRegexp,
	"int":      classNumber,
	"long":     classNumber,
	"decimal":  classNumber,
	"number":   classNumber,
}

var typeNumbers = map[int64]int{
	1:  classNumber,
	2:  classString,
	3:  classObject,
	4:  classArray,
	5:  classBinary,
	7:  classObjectId,
	8:  classBool,
	9:  classDate,
	10: classNull,
	11: classRegexp,
	16: classNumber,
	18: classNumber,
	19: classNumber,
}

func compileTypeTest(operand any) (branchPredicate, error) {
	var class int
	wantArray := false
	switch v := operand.(type) {
	case string:
		if v == "array" {
			wantArray = true
			break
		}
		c, ok := typeNames[v]
		if !ok {
			return nil, fmt.Errorf("unsupported $type alias %q", v)
		}
		class = c
	default:
		number, ok := numberToInt64(operand)
		if !ok {
			return nil, fmt.Errorf("$type expects a type name or number")
		}
		if number == 4 {
			wantArray = true
			break
		}
		c, ok := typeNumbers[number]
		if !ok {
			return nil, fmt.Errorf("unsupported $type number %d", number)
		}
		class = c
	}

	if wantArray {
		return func(branches []Branch) bool {
			return anyBranchRaw(branches, func(value any, present bool) bool {
				_, ok := value.([]any)
				return present && ok
			})
		}, nil
	}
	return anyBranchValue(func(value any, present bool) bool {
		return present && TypeOrder(value) == class
	}), nil
}

func compileAllTest(operand any) (branchPredicate, error) {
	operands, ok := operand.([]any)
	if !ok {
		return nil, fmt.Errorf("$all expects an array")
	}
	tests := make([]branchPredicate, len(operands))
	for i, item := range operands {
		if document, ok := item.(map[string]any); ok && isOperatorDocument(document) {
			return nil, fmt.Errorf("$all with operator expressions is not supported")
		}
		tests[i] = anyBranchValue(equalityPredicate(item))
	}
	return func(branches []Branch) bool {
		if len(tests) == 0 {
			return false
		}
		for _, test := range tests {
			if !test(branches) {
				return false
			}
		}
		return true
	}, nil
}

func compileSizeTest(operand any) (branchPredicate, error) {
	size, ok := numberToInt64(operand)
	if !ok || size < 0 {
		return nil, fmt.Errorf("$size expects a non-negative number")
	}
	return func(branches []Branch) bool {
		return anyBranchRaw(branches, func(value any, present bool) bool {
			array, ok := value.([]any)
			return present && ok && int64(len(array)) == size
		})
	}, nil
}

func compileModTest(operand any) (branchPredicate, error) {
	pair, ok := operand.([]any)
	if !ok || len(pair) != 2 {
		return nil, fmt.Errorf("$mod expects [divisor, remainder]")
	}
	divisor, okD := numberToInt64(pair[0])
	remainder, okR := numberToInt64(pair[1])
	if !okD || !okR || divisor == 0 {
		return nil, fmt.Errorf("invalid $mod operands")
	}
	return anyBranchValue(func(value any, present bool) bool {
		if !present {
			return false
		}
		number, ok := numberToFloat(value)
		if !ok || math.IsNaN(number) || math.IsInf(number, 0) {
			return false
		}
		return int64(number)%divisor == remainder
	}), nil
}

func compileNotTest(operand any) (branchPredicate, error) {
	switch v := operand.(type) {
	case map[string]any:
		if ejsonTag(v) == "$regexp" {
			inner, err := compileRegexTest(v["$regexp"], v["$flags"])
			if err != nil {
				return nil, err
			}
			return negate(inner), nil
		}
		if !isOperatorDocument(v) {
			return nil, fmt.Errorf("$not expects an operator document or a regex")
		}
		inner, err := compileOperatorDocument(v)
		if err != nil {
			return nil, err
		}
		return negate(inner), nil
	case string:
		inner, err := compileRegexTest(v, nil)
		if err != nil {
			return nil, err
		}
		return negate(inner), nil
	default:
		return nil, fmt.Errorf("$not expects an operator document or a regex")
	}
}

// compileRegexTest builds a matcher for the RE2 dialect. Only the i, m and s
// options are representable; anything else fails compilation and leaves the
// cursor to polling.
func compileRegexTest(pattern any, options any) (branchPredicate, error) {
	source, ok := pattern.(string)
	if !ok {
		return nil, fmt.Errorf("$regex expects a string pattern")
	}
	flags := ""
	if options != nil {
		flags, ok = options.(string)
		if !ok {
			return nil, fmt.Errorf("$options expects a string")
		}
	}
	for _, flag := range flags {
		if !strings.ContainsRune("ims", flag) {
			return nil, fmt.Errorf("unsupported regex option %q", flag)
		}
	}
	if flags != "" {
		source = "(?" + flags + ")" + source
	}
	expression, err := regexp.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("unsupported regex: %w", err)
	}
	return anyBranchValue(func(value any, present bool) bool {
		text, ok := value.(string)
		return present && ok && expression.MatchString(text)
	}), nil
}

func truthy(value any) bool {
	switch v := value.(type) {
	case bool:
		return v
	case nil:
		return false
	}
	if number, ok := numberToFloat(value); ok {
		return number != 0
	}
	return true
}
