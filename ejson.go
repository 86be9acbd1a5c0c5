package router

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// EJSON values are kept in their wire form: the Go types produced by
// encoding/json (nil, bool, float64, string, []any, map[string]any), plus
// int64 for BSON integers. BSON-specific types stay in Meteor's tagged
// representation:
//
//	{"$date": millis}
//	{"$binary": base64}
//	{"$type": "oid", "$value": hex}
//	{"$type": "Decimal", "$value": string}
//	{"$regexp": pattern, "$flags": flags}
//	{"$InfNaN": -1 | 0 | 1}
//
// https://docs.meteor.com/api/ejson.html

// FromBson converts a decoded BSON value into its EJSON form.
func FromBson(value any) any {
	switch v := value.(type) {
	case nil, bson.Null:
		return nil
	case bool:
		return v
	case int32:
		return int64(v)
	case int64:
		return v
	case float64:
		if math.IsInf(v, 1) {
			return map[string]any{"$InfNaN": int64(1)}
		}
		if math.IsInf(v, -1) {
			return map[string]any{"$InfNaN": int64(-1)}
		}
		if math.IsNaN(v) {
			return map[string]any{"$InfNaN": int64(0)}
		}
		return v
	case string:
		return v
	case bson.DateTime:
		return map[string]any{"$date": int64(v)}
	case bson.Binary:
		return map[string]any{"$binary": base64.StdEncoding.EncodeToString(v.Data)}
	case bson.ObjectID:
		return map[string]any{"$type": "oid", "$value": v.Hex()}
	case bson.Decimal128:
		return map[string]any{"$type": "Decimal", "$value": v.String()}
	case bson.Regex:
		return map[string]any{"$regexp": v.Pattern, "$flags": v.Options}
	case bson.A:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = FromBson(item)
		}
		return out
	case bson.D:
		return DocumentFromBson(v)
	case bson.M:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = FromBson(item)
		}
		return out
	default:
		// Everything else becomes a null, like Meteor does for types it
		// cannot represent.
		glog.Infof("[ejson] unrecognized bson value %T\n", value)
		return nil
	}
}

// DocumentFromBson converts a decoded BSON document into an EJSON document.
func DocumentFromBson(document bson.D) map[string]any {
	out := make(map[string]any, len(document))
	for _, element := range document {
		out[element.Key] = FromBson(element.Value)
	}
	return out
}

// ToBson converts an EJSON value into a BSON value suitable for driver
// filters and update documents.
func ToBson(value any) any {
	switch v := value.(type) {
	case map[string]any:
		switch ejsonTag(v) {
		case "$date":
			if millis, ok := numberToInt64(v["$date"]); ok {
				return bson.DateTime(millis)
			}
		case "$binary":
			if encoded, ok := v["$binary"].(string); ok {
				if data, err := base64.StdEncoding.DecodeString(encoded); err == nil {
					return bson.Binary{Data: data}
				}
			}
		case "$type":
			kind, _ := v["$type"].(string)
			raw, _ := v["$value"].(string)
			switch kind {
			case "oid":
				if oid, err := bson.ObjectIDFromHex(raw); err == nil {
					return oid
				}
			case "Decimal":
				if decimal, err := bson.ParseDecimal128(raw); err == nil {
					return decimal
				}
			}
		case "$regexp":
			pattern, _ := v["$regexp"].(string)
			flags, _ := v["$flags"].(string)
			return bson.Regex{Pattern: pattern, Options: flags}
		case "$InfNaN":
			if sign, ok := numberToInt64(v["$InfNaN"]); ok {
				switch {
				case sign > 0:
					return math.Inf(1)
				case sign < 0:
					return math.Inf(-1)
				default:
					return math.NaN()
				}
			}
		}
		out := bson.M{}
		for key, item := range v {
			out[key] = ToBson(item)
		}
		return out
	case []any:
		out := make(bson.A, len(v))
		for i, item := range v {
			out[i] = ToBson(item)
		}
		return out
	default:
		return value
	}
}

// ejsonTag returns the tag of an EJSON extended-type literal, or "".
func ejsonTag(document map[string]any) string {
	keys := sortedKeys(document)
	switch {
	case len(keys) == 1 && (keys[0] == "$date" || keys[0] == "$binary" || keys[0] == "$InfNaN"):
		return keys[0]
	case len(keys) == 2 && keys[0] == "$type" && keys[1] == "$value":
		return "$type"
	case len(keys) == 2 && keys[0] == "$flags" && keys[1] == "$regexp":
		return "$regexp"
	}
	return ""
}

// Canonical BSON type classes, in comparison order.
const (
	classNull = iota + 1
	classNumber
	classString
	classObject
	classArray
	classBinary
	classObjectId
	classBool
	classDate
	classRegexp
)

// TypeOrder returns the canonical type class of an EJSON value.
func TypeOrder(value any) int {
	switch v := value.(type) {
	case nil:
		return classNull
	case bool:
		return classBool
	case float64, int64, int32, int, json.Number:
		return classNumber
	case string:
		return classString
	case []any:
		return classArray
	case map[string]any:
		switch ejsonTag(v) {
		case "$date":
			return classDate
		case "$binary":
			return classBinary
		case "$regexp":
			return classRegexp
		case "$InfNaN":
			return classNumber
		case "$type":
			if kind, _ := v["$type"].(string); kind == "oid" {
				return classObjectId
			}
			return classNumber
		}
		return classObject
	default:
		return classObject
	}
}

func numberToFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case map[string]any:
		switch ejsonTag(v) {
		case "$InfNaN":
			if sign, ok := numberToInt64(v["$InfNaN"]); ok {
				switch {
				case sign > 0:
					return math.Inf(1), true
				case sign < 0:
					return math.Inf(-1), true
				default:
					return math.NaN(), true
				}
			}
		case "$type":
			if kind, _ := v["$type"].(string); kind == "Decimal" {
				raw, _ := v["$value"].(string)
				f, err := strconv.ParseFloat(raw, 64)
				return f, err == nil
			}
		}
	}
	return 0, false
}

func numberToInt64(value any) (int64, bool) {
	switch v := value.(type) {
	case int64:
		return v, true
	case int32:
		return int64(v), true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	case json.Number:
		i, err := v.Int64()
		return i, err == nil
	}
	return 0, false
}

// Equal tests EJSON equality. Numbers compare numerically regardless of the
// underlying Go type, everything else compares structurally.
func Equal(a any, b any) bool {
	return Compare(a, b) == 0
}

// Compare orders two EJSON values by BSON canonical ordering: first by type
// class, then within the class.
func Compare(a any, b any) int {
	orderA, orderB := TypeOrder(a), TypeOrder(b)
	if orderA != orderB {
		return compareInt(orderA, orderB)
	}

	switch orderA {
	case classNull:
		return 0
	case classNumber:
		fa, _ := numberToFloat(a)
		fb, _ := numberToFloat(b)
		// NaN compares equal to itself and lowest otherwise.
		if math.IsNaN(fa) || math.IsNaN(fb) {
			if math.IsNaN(fa) && math.IsNaN(fb) {
				return 0
			}
			if math.IsNaN(fa) {
				return -1
			}
			return 1
		}
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	case classString:
		return strings.Compare(a.(string), b.(string))
	case classBool:
		return compareBool(a.(bool), b.(bool))
	case classArray:
		arrayA, arrayB := a.([]any), b.([]any)
		if ordering := compareInt(len(arrayA), len(arrayB)); ordering != 0 {
			return ordering
		}
		for i := range arrayA {
			if ordering := Compare(arrayA[i], arrayB[i]); ordering != 0 {
				return ordering
			}
		}
		return 0
	case classObject:
		return compareObjects(a.(map[string]any), b.(map[string]any))
	case classDate:
		ma, _ := numberToInt64(a.(map[string]any)["$date"])
		mb, _ := numberToInt64(b.(map[string]any)["$date"])
		return compareInt64(ma, mb)
	case classBinary:
		ba, _ := base64.StdEncoding.DecodeString(stringField(a, "$binary"))
		bb, _ := base64.StdEncoding.DecodeString(stringField(b, "$binary"))
		return compareBytes(ba, bb)
	case classObjectId:
		return strings.Compare(stringField(a, "$value"), stringField(b, "$value"))
	case classRegexp:
		if ordering := strings.Compare(stringField(a, "$regexp"), stringField(b, "$regexp")); ordering != 0 {
			return ordering
		}
		return strings.Compare(stringField(a, "$flags"), stringField(b, "$flags"))
	}
	return 0
}

func compareObjects(a map[string]any, b map[string]any) int {
	if ordering := compareInt(len(a), len(b)); ordering != 0 {
		return ordering
	}

	keysA := sortedKeys(a)
	keysB := sortedKeys(b)
	for i := range keysA {
		if ordering := strings.Compare(keysA[i], keysB[i]); ordering != 0 {
			return ordering
		}
		if ordering := Compare(a[keysA[i]], b[keysB[i]]); ordering != 0 {
			return ordering
		}
	}
	return 0
}

func sortedKeys(document map[string]any) []string {
	keys := maps.Keys(document)
	sort.Strings(keys)
	return keys
}

func stringField(value any, field string) string {
	s, _ := value.(map[string]any)[field].(string)
	return s
}

func compareInt(a int, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compareInt64(a int64, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compareBool(a bool, b bool) int {
	switch {
	case !a && b:
		return -1
	case a && !b:
		return 1
	}
	return 0
}

func compareBytes(a []byte, b []byte) int {
	if ordering := compareInt(len(a), len(b)); ordering != 0 {
		return ordering
	}
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Key returns a canonical string form of an EJSON value, stable across
// numerically equal representations. Used to key documents by `_id`.
func Key(value any) string {
	switch v := value.(type) {
	case int64:
		return strconv.FormatInt(v, 10)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case float64:
		if v == math.Trunc(v) && !math.IsInf(v, 0) {
			return strconv.FormatInt(int64(v), 10)
		}
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprintf("%v", value)
	}
	return string(encoded)
}

// CloneDocument makes a shallow copy of an EJSON document. Values are never
// mutated in place, so sharing them is safe.
func CloneDocument(document map[string]any) map[string]any {
	out := make(map[string]any, len(document))
	for key, value := range document {
		out[key] = value
	}
	return out
}
