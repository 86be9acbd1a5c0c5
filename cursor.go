package router

import (
	"bytes"
	"encoding/json"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// CursorDescription is the serialized form of one publication cursor, as
// returned by the __subscription__ sibling method: collection, selector and
// find options. Immutable once bound to a subscription.
type CursorDescription struct {
	Collection        string
	Selector          map[string]any
	Projection        map[string]any
	Sort              []SortField
	Limit             int64
	Skip              int64
	PollingIntervalMs int64
	DisableOplog      bool

	raw string
}

type rawCursorDescription struct {
	Collection string          `json:"collectionName"`
	Selector   map[string]any  `json:"selector"`
	Options    json.RawMessage `json:"options"`
}

type rawCursorOptions struct {
	DisableOplog      *bool           `json:"disableOplog"`
	Fields            map[string]any  `json:"fields"`
	Limit             *float64        `json:"limit"`
	PollingIntervalMs *float64        `json:"pollingIntervalMs"`
	Projection        map[string]any  `json:"projection"`
	Skip              *float64        `json:"skip"`
	Sort              json.RawMessage `json:"sort"`
	Transform         json.RawMessage `json:"transform"`
}

// ParseCursorDescriptions decodes the payload of a successful
// __subscription__ method result: an EJSON string whose decoded value is an
// array of cursor descriptions. A bare array is accepted too.
func ParseCursorDescriptions(result any) ([]*CursorDescription, error) {
	var data []byte
	switch v := result.(type) {
	case string:
		data = []byte(v)
	case []any:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		data = encoded
	default:
		return nil, fmt.Errorf("incorrect format: expected a string or an array, got %T", result)
	}

	var elements []json.RawMessage
	if err := json.Unmarshal(data, &elements); err != nil {
		return nil, fmt.Errorf("incorrect format: %w", err)
	}

	descriptions := make([]*CursorDescription, 0, len(elements))
	for _, element := range elements {
		description, err := ParseCursorDescription(element)
		if err != nil {
			return nil, err
		}
		descriptions = append(descriptions, description)
	}
	return descriptions, nil
}

// ParseCursorDescription decodes one cursor description. Unknown options
// decline the whole subscription, so the failure mode is an error rather
// than a best-effort parse.
func ParseCursorDescription(data []byte) (*CursorDescription, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	var raw rawCursorDescription
	if err := decoder.Decode(&raw); err != nil {
		return nil, fmt.Errorf("malformed cursor description: %w", err)
	}
	if raw.Collection == "" {
		return nil, fmt.Errorf("missing collectionName")
	}
	if raw.Selector == nil {
		return nil, fmt.Errorf("missing selector")
	}
	if raw.Options == nil {
		return nil, fmt.Errorf("missing options")
	}

	decoder = json.NewDecoder(bytes.NewReader(raw.Options))
	decoder.DisallowUnknownFields()
	var rawOptions rawCursorOptions
	if err := decoder.Decode(&rawOptions); err != nil {
		return nil, fmt.Errorf("unknown cursor option: %w", err)
	}

	description := &CursorDescription{
		Collection: raw.Collection,
		Selector:   raw.Selector,
		raw:        canonicalJson(data),
	}

	if rawOptions.Transform != nil && !bytes.Equal(bytes.TrimSpace(rawOptions.Transform), []byte("null")) {
		return nil, fmt.Errorf("transform is not supported")
	}
	if rawOptions.Fields != nil && rawOptions.Projection != nil {
		return nil, fmt.Errorf("fields and projection are mutually exclusive")
	}
	description.Projection = rawOptions.Projection
	if description.Projection == nil {
		description.Projection = rawOptions.Fields
	}
	if rawOptions.Limit != nil {
		description.Limit = int64(*rawOptions.Limit)
	}
	if rawOptions.Skip != nil {
		if *rawOptions.Skip < 0 {
			return nil, fmt.Errorf("invalid skip %v", *rawOptions.Skip)
		}
		description.Skip = int64(*rawOptions.Skip)
	}
	if rawOptions.PollingIntervalMs != nil {
		description.PollingIntervalMs = int64(*rawOptions.PollingIntervalMs)
	}
	if rawOptions.DisableOplog != nil {
		description.DisableOplog = *rawOptions.DisableOplog
	}
	if rawOptions.Sort != nil && !bytes.Equal(bytes.TrimSpace(rawOptions.Sort), []byte("null")) {
		sortFields, err := parseSortSpec(rawOptions.Sort)
		if err != nil {
			return nil, err
		}
		description.Sort = sortFields
	}

	return description, nil
}

// parseSortSpec decodes a sort document preserving key order, which
// encoding/json maps would lose.
func parseSortSpec(raw json.RawMessage) ([]SortField, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	token, err := decoder.Token()
	if err != nil {
		return nil, fmt.Errorf("malformed sort: %w", err)
	}
	if delim, ok := token.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("sort expects an object")
	}

	var fields []SortField
	for decoder.More() {
		keyToken, err := decoder.Token()
		if err != nil {
			return nil, fmt.Errorf("malformed sort: %w", err)
		}
		path := keyToken.(string)

		var direction float64
		if err := decoder.Decode(&direction); err != nil {
			return nil, fmt.Errorf("sort direction for %s must be 1 or -1", path)
		}
		switch direction {
		case 1:
			fields = append(fields, SortField{Path: path, Ascending: true})
		case -1:
			fields = append(fields, SortField{Path: path, Ascending: false})
		default:
			return nil, fmt.Errorf("sort direction for %s must be 1 or -1", path)
		}
	}
	if _, err := decoder.Token(); err != nil {
		return nil, fmt.Errorf("malformed sort: %w", err)
	}
	return fields, nil
}

func canonicalJson(data []byte) string {
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return string(data)
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return string(data)
	}
	return string(encoded)
}

// SameAs reports whether two descriptions denote the same cursor.
func (self *CursorDescription) SameAs(other *CursorDescription) bool {
	return self.raw == other.raw
}

// LimitAbs returns the effective limit; Meteor treats negative limits as
// their absolute value.
func (self *CursorDescription) LimitAbs() int64 {
	if self.Limit < 0 {
		return -self.Limit
	}
	return self.Limit
}

// MongoFilter converts the selector into a driver filter.
func (self *CursorDescription) MongoFilter() any {
	return ToBson(self.Selector)
}

// MongoSort converts the sort specification into a driver sort document.
func (self *CursorDescription) MongoSort() bson.D {
	sortDocument := make(bson.D, 0, len(self.Sort))
	for _, field := range self.Sort {
		direction := int32(1)
		if !field.Ascending {
			direction = -1
		}
		sortDocument = append(sortDocument, bson.E{Key: field.Path, Value: direction})
	}
	return sortDocument
}

// FindOptions builds the driver options for running this cursor, with the
// projection optionally left to the local projector.
func (self *CursorDescription) FindOptions(projectLocally bool) *options.FindOptionsBuilder {
	findOptions := options.Find()
	if self.Limit != 0 {
		findOptions.SetLimit(self.LimitAbs())
	}
	if self.Skip != 0 {
		findOptions.SetSkip(self.Skip)
	}
	if len(self.Sort) != 0 {
		findOptions.SetSort(self.MongoSort())
	}
	if self.Projection != nil && !projectLocally {
		// _id is kept regardless of the projection: the router needs the
		// identity, and DDP carries the id out of band anyway.
		projection := map[string]any{}
		for key, value := range self.Projection {
			if key == "_id" && !truthy(value) {
				continue
			}
			projection[key] = value
		}
		if len(projection) != 0 {
			findOptions.SetProjection(ToBson(projection))
		}
	}
	return findOptions
}

// Viewer bundles the compiled query model of one cursor: matcher, projector
// and sorter. Compilation failure means the query language subset cannot
// express the cursor locally; such a cursor still runs, permanently in
// polling mode, with MongoDB evaluating the query natively.
type Viewer struct {
	Matcher   *Matcher
	Projector *Projector
	Sorter    *Sorter
}

// NewViewer compiles the query model of a description.
func NewViewer(description *CursorDescription) (*Viewer, error) {
	matcher, err := CompileMatcher(description.Selector)
	if err != nil {
		return nil, fmt.Errorf("selector of %s: %w", description.Collection, err)
	}
	projector, err := CompileProjector(description.Projection)
	if err != nil {
		return nil, fmt.Errorf("projection of %s: %w", description.Collection, err)
	}
	sorter, err := CompileSorter(description.Sort)
	if err != nil {
		return nil, fmt.Errorf("sort of %s: %w", description.Collection, err)
	}
	return &Viewer{Matcher: matcher, Projector: projector, Sorter: sorter}, nil
}

// StreamEligible decides change stream vs. polling for a compiled cursor:
// streams need an inclusion projection or none, no skip, a sort for
// any limit, and oplog-style observation not explicitly disabled.
func (self *Viewer) StreamEligible(description *CursorDescription) bool {
	if !self.Projector.InclusionOnly() {
		return false
	}
	if description.Skip != 0 || description.DisableOplog {
		return false
	}
	if description.Limit != 0 && self.Sorter.Empty() {
		return false
	}
	return true
}
