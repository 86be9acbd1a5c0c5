package router

import (
	"context"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// changeEvent is the projected shape of one change stream event.
type changeEvent struct {
	OperationType string `bson:"operationType"`
	DocumentKey   bson.D `bson:"documentKey"`
	FullDocument  bson.D `bson:"fullDocument"`
}

// watchPipeline narrows the change stream server-side: only the operation
// types the source consumes, inserts filtered by the selector's top-level
// equality predicates, projected down to the fields the source reads.
//
// Requesting the post-image via updateLookup spares the refetch-by-_id that
// Meteor's oplog observer has to do for updates outside the current set.
// https://github.com/meteor/meteor/blob/7411b3c85a3c95a6b6f3c588babe6eae894d6fb6/packages/mongo/oplog_observe_driver.js#L652
func watchPipeline(description *CursorDescription) mongo.Pipeline {
	match := bson.M{
		"operationType": bson.M{
			"$in": bson.A{"insert", "replace", "update", "delete", "drop", "dropDatabase"},
		},
	}

	equalities := bson.A{}
	for key, value := range description.Selector {
		if strings.HasPrefix(key, "$") || strings.Contains(key, ".") {
			continue
		}
		switch v := value.(type) {
		case []any:
			continue
		case map[string]any:
			// Only tagged EJSON scalars are plain equalities; operator and
			// sub-document selectors are left to the local matcher.
			if ejsonTag(v) == "" {
				continue
			}
		}
		equalities = append(equalities, bson.M{"fullDocument." + key: ToBson(value)})
	}
	if len(equalities) > 0 {
		// Events without a post-image (deletes, drops) must pass through, and
		// so must updates and replaces: a post-image that fails the
		// equalities may take a document out of the matching set.
		match = bson.M{"$and": bson.A{
			match,
			bson.M{"$or": bson.A{
				bson.M{"fullDocument": bson.M{"$exists": false}},
				bson.M{"$and": equalities},
				bson.M{"operationType": bson.M{"$ne": "insert"}},
			}},
		}}
	}

	return mongo.Pipeline{
		bson.D{{Key: "$match", Value: match}},
		bson.D{{Key: "$project", Value: bson.M{
			"_id":           1,
			"documentKey":   1,
			"fullDocument":  1,
			"ns":            1,
			"operationType": 1,
		}}},
	}
}

// openChangeStream starts the narrowed change stream for a cursor.
func openChangeStream(ctx context.Context, database *mongo.Database, description *CursorDescription) (*mongo.ChangeStream, error) {
	return database.Collection(description.Collection).Watch(
		ctx,
		watchPipeline(description),
		options.ChangeStream().SetFullDocument(options.UpdateLookup),
	)
}
