package poller

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoSource reads new documents from a collection ordered by a monotonic
// sequence field, the pluggable alternative to MySQLSource spec.md §1 allows
// ("pluggable Mongo/HTTP" sources).
type MongoSource struct {
	collection *mongo.Collection
	seqField   string
	fields     MongoFieldMapping
}

// MongoFieldMapping names the document fields MongoSource reads.
type MongoFieldMapping struct {
	Seq       string
	OrgID     string
	OrgUnitID string
	EventType string
	CreatedAt string
}

// DefaultMongoFieldMapping matches the conventional document layout. Every
// other field of the document, and the CreatedAt field too, becomes the
// event payload verbatim; "_id" is dropped.
func DefaultMongoFieldMapping() MongoFieldMapping {
	return MongoFieldMapping{
		Seq:       "seq",
		OrgID:     "orgId",
		OrgUnitID: "orgUnitId",
		EventType: "eventType",
		CreatedAt: "createdAt",
	}
}

// NewMongoSource builds a Source over collection.
func NewMongoSource(collection *mongo.Collection, fields MongoFieldMapping) *MongoSource {
	return &MongoSource{collection: collection, seqField: fields.Seq, fields: fields}
}

func (m *MongoSource) Name() string { return "mongo" }

func (m *MongoSource) FetchRows(ctx context.Context, afterID int64, limit int) ([]Row, error) {
	filter := bson.M{m.seqField: bson.M{"$gt": afterID}}
	opts := options.Find().
		SetSort(bson.D{{Key: m.seqField, Value: 1}}).
		SetLimit(int64(limit))

	cursor, err := m.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("poller: fetch mongo rows: %w", err)
	}
	defer cursor.Close(ctx)

	var out []Row
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("poller: decode mongo doc: %w", err)
		}
		out = append(out, m.toRow(doc))
	}
	return out, cursor.Err()
}

func (m *MongoSource) toRow(doc bson.M) Row {
	seq, _ := toInt64(doc[m.fields.Seq])
	orgID, _ := doc[m.fields.OrgID].(string)
	orgUnitID, _ := doc[m.fields.OrgUnitID].(string)
	eventType, _ := doc[m.fields.EventType].(string)

	ts := time.Time{}
	if t, ok := doc[m.fields.CreatedAt].(primitiveDateTime); ok {
		ts = t.Time()
	}

	payload := map[string]any{}
	for k, v := range doc {
		switch k {
		case m.fields.Seq, m.fields.OrgID, m.fields.OrgUnitID, m.fields.EventType, "_id":
			continue
		default:
			payload[k] = v
		}
	}

	return Row{
		ID:        seq,
		OrgID:     orgID,
		OrgUnitID: orgUnitID,
		EventType: eventType,
		Payload:   payload,
		Timestamp: ts,
	}
}

// primitiveDateTime matches bson.primitive.DateTime's Time() method without
// importing the primitive package just for this narrow assertion.
type primitiveDateTime interface {
	Time() time.Time
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

var _ Source = (*MongoSource)(nil)
