package sink

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"cdc-fanout/internal/config"
	"cdc-fanout/internal/models"
)

// Document maintains one MongoDB document per root row, with child rows
// embedded as nested arrays.
type Document struct {
	coll   *mongo.Collection
	logger *logrus.Logger
}

// NewMongoClient connects to MongoDB and checks the connection.
func NewMongoClient(ctx context.Context, cfg config.MongoConfig) (*mongo.Client, error) {
	opts := options.Client().ApplyURI(cfg.URI).SetTimeout(cfg.Timeout)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	return client, nil
}

func NewDocument(coll *mongo.Collection, logger *logrus.Logger) *Document {
	return &Document{coll: coll, logger: logger}
}

func (d *Document) collection(t models.Transform) *mongo.Collection {
	if t.Collection != "" && t.Collection != d.coll.Name() {
		return d.coll.Database().Collection(t.Collection)
	}
	return d.coll
}

func (d *Document) Upsert(ctx context.Context, intent models.WriteIntent) error {
	id, err := keyValue(intent.Table, intent.Key)
	if err != nil {
		return &Error{Kind: Fatal, Err: err}
	}
	coll := d.collection(intent.Transform)

	if intent.Transform.Kind == models.DocumentRoot {
		set := bson.M{}
		for k, v := range intent.Fields {
			if k != "_id" {
				set[k] = v
			}
		}
		update := bson.M{"$setOnInsert": bson.M{"_id": id}}
		if len(set) > 0 {
			update["$set"] = set
		}
		_, err := coll.UpdateOne(ctx, bson.M{"_id": id}, update, options.Update().SetUpsert(true))
		return classifyMongo(err)
	}

	refs, err := nestedRefs(intent)
	if err != nil {
		return err
	}
	p := newNestedPlan(intent.Transform.Path, refs, id)

	// Update in place when the element already sits under its parent.
	if len(intent.Fields) > 0 {
		res, err := coll.UpdateOne(ctx, p.elementFilter(), bson.M{"$set": p.setFields(intent.Fields)},
			withArrayFilters(p.arrayFilters(true)))
		if err != nil {
			return classifyMongo(err)
		}
		if res.MatchedCount > 0 {
			return nil
		}
	} else {
		n, err := coll.CountDocuments(ctx, p.elementFilter(), options.Count().SetLimit(1))
		if err != nil {
			return classifyMongo(err)
		}
		if n > 0 {
			return nil
		}
	}

	n, err := coll.CountDocuments(ctx, p.parentFilter(), options.Count().SetLimit(1))
	if err != nil {
		return classifyMongo(err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s needs %v", ErrParentMissing, intent.Ref(), refs)
	}

	// The element is new here; carry over its children if it lived under
	// another parent.
	element := bson.M{}
	existing, found, err := d.findElement(ctx, coll, intent.Transform.Path, id)
	if err != nil {
		return err
	}
	if found {
		for k, v := range existing {
			element[k] = v
		}
		d.logger.Infof("Moving %s under %v", intent.Ref(), refs)
		if _, err := coll.UpdateMany(ctx, p.anywhereFilter(), bson.M{"$pull": p.pull()}); err != nil {
			return classifyMongo(err)
		}
	}
	for k, v := range intent.Fields {
		element[k] = v
	}
	element["_id"] = id

	res, err := coll.UpdateOne(ctx, p.parentFilter(), bson.M{"$push": bson.M{p.pushPath(): element}},
		withArrayFilters(p.arrayFilters(false)))
	if err != nil {
		return classifyMongo(err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: %s needs %v", ErrParentMissing, intent.Ref(), refs)
	}
	return nil
}

func (d *Document) Delete(ctx context.Context, intent models.WriteIntent) error {
	id, err := keyValue(intent.Table, intent.Key)
	if err != nil {
		return &Error{Kind: Fatal, Err: err}
	}
	coll := d.collection(intent.Transform)

	if intent.Transform.Kind == models.DocumentRoot {
		_, err := coll.DeleteOne(ctx, bson.M{"_id": id})
		return classifyMongo(err)
	}

	p := newNestedPlan(intent.Transform.Path, nil, id)
	_, err = coll.UpdateMany(ctx, p.anywhereFilter(), bson.M{"$pull": p.pull()})
	return classifyMongo(err)
}

func (d *Document) Project(ctx context.Context, t models.Transform, table models.Table, key string) (map[string]interface{}, bool, error) {
	id, err := keyValue(table, key)
	if err != nil {
		return nil, false, err
	}
	coll := d.collection(t)

	if t.Kind == models.DocumentRoot {
		var doc bson.M
		err := coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, classifyMongo(err)
		}
		return fromBSON(doc), true, nil
	}

	el, found, err := d.findElement(ctx, coll, t.Path, id)
	if err != nil || !found {
		return nil, false, err
	}
	return fromBSON(el), true, nil
}

// findElement locates a nested element by id in any root document.
func (d *Document) findElement(ctx context.Context, coll *mongo.Collection, path []string, id interface{}) (bson.M, bool, error) {
	p := newNestedPlan(path, nil, id)
	var doc bson.M
	err := coll.FindOne(ctx, p.anywhereFilter()).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classifyMongo(err)
	}
	el := p.extract(fromBSON(doc))
	if el == nil {
		return nil, false, nil
	}
	return bson.M(el), true, nil
}

// nestedPlan builds the filters and update paths addressing an element at
// path, for instance institutes.departments, under root refs[0] and
// enclosing elements refs[1:].
type nestedPlan struct {
	path []string
	refs []interface{}
	id   interface{}
}

func newNestedPlan(path []string, refs []interface{}, id interface{}) nestedPlan {
	return nestedPlan{path: path, refs: refs, id: id}
}

// elementFilter matches the root document holding the element under its
// intended parent.
func (p nestedPlan) elementFilter() bson.M {
	filter := bson.M{"_id": p.refs[0]}
	filter[p.path[0]] = p.elemMatch(0, true)
	return filter
}

// parentFilter matches the root document holding the element's parent.
func (p nestedPlan) parentFilter() bson.M {
	filter := bson.M{"_id": p.refs[0]}
	if len(p.path) > 1 {
		filter[p.path[0]] = p.elemMatch(0, false)
	}
	return filter
}

// elemMatch builds the $elemMatch chain for level i. Ancestor levels match
// refs[i+1]; the last level matches the element id when withElement is set.
func (p nestedPlan) elemMatch(i int, withElement bool) bson.M {
	last := len(p.path) - 1
	if i == last {
		return bson.M{"$elemMatch": bson.M{"_id": p.id}}
	}
	match := bson.M{"_id": p.refs[i+1]}
	if i+1 < last || withElement {
		if i+1 == last {
			match[p.path[i+1]+"._id"] = p.id
		} else {
			match[p.path[i+1]] = p.elemMatch(i+1, withElement)
		}
	}
	return bson.M{"$elemMatch": match}
}

// anywhereFilter matches every root document containing the element.
func (p nestedPlan) anywhereFilter() bson.M {
	return bson.M{strings.Join(p.path, ".") + "._id": p.id}
}

// setFields maps fields onto the element with filtered positional paths.
func (p nestedPlan) setFields(fields map[string]interface{}) bson.M {
	prefix := p.positional(len(p.path))
	set := bson.M{}
	for k, v := range fields {
		if k != "_id" {
			set[prefix+"."+k] = v
		}
	}
	return set
}

// positional returns path[0].$[p0].path[1].$[p1]... for the first n levels.
func (p nestedPlan) positional(n int) string {
	parts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		parts = append(parts, p.path[i]+".$[p"+strconv.Itoa(i)+"]")
	}
	return strings.Join(parts, ".")
}

// arrayFilters binds $[pN] identifiers to the ancestors and, when
// withElement is set, the element itself.
func (p nestedPlan) arrayFilters(withElement bool) []interface{} {
	var filters []interface{}
	for i := 0; i < len(p.path)-1; i++ {
		filters = append(filters, bson.M{"p" + strconv.Itoa(i) + "._id": p.refs[i+1]})
	}
	if withElement {
		filters = append(filters, bson.M{"p" + strconv.Itoa(len(p.path)-1) + "._id": p.id})
	}
	return filters
}

func withArrayFilters(filters []interface{}) *options.UpdateOptions {
	opts := options.Update()
	if len(filters) > 0 {
		opts.SetArrayFilters(options.ArrayFilters{Filters: filters})
	}
	return opts
}

// pushPath is the array the element is appended to.
func (p nestedPlan) pushPath() string {
	last := len(p.path) - 1
	if last == 0 {
		return p.path[0]
	}
	return p.positional(last) + "." + p.path[last]
}

// pull removes the element from every parent.
func (p nestedPlan) pull() bson.M {
	parts := make([]string, 0, len(p.path))
	for i := 0; i < len(p.path)-1; i++ {
		parts = append(parts, p.path[i]+".$[]")
	}
	parts = append(parts, p.path[len(p.path)-1])
	return bson.M{strings.Join(parts, "."): bson.M{"_id": p.id}}
}

// extract walks a decoded root document down to the element.
func (p nestedPlan) extract(doc map[string]interface{}) map[string]interface{} {
	return findNested(doc, p.path, models.KeyString(p.id))
}

// MongoLedger stores versions in a collection keyed by "table:key".
type MongoLedger struct {
	coll *mongo.Collection
}

func NewMongoLedger(coll *mongo.Collection) *MongoLedger {
	return &MongoLedger{coll: coll}
}

func (l *MongoLedger) Get(ctx context.Context, key models.Key) (Version, bool, error) {
	var v Version
	err := l.coll.FindOne(ctx, bson.M{"_id": key.String()}).Decode(&v)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Version{}, false, nil
	}
	if err != nil {
		return Version{}, false, classifyMongo(err)
	}
	return v, true, nil
}

func (l *MongoLedger) Put(ctx context.Context, key models.Key, v Version) error {
	_, err := l.coll.UpdateOne(ctx,
		bson.M{"_id": key.String()},
		bson.M{"$set": bson.M{"seq": int64(v.Sequence), "deleted": v.Deleted}},
		options.Update().SetUpsert(true))
	return classifyMongo(err)
}

// fromBSON converts decoded BSON into plain maps and slices.
func fromBSON(v interface{}) map[string]interface{} {
	m, _ := convertBSON(v).(map[string]interface{})
	return models.NormalizeRow(m)
}

func convertBSON(v interface{}) interface{} {
	switch val := v.(type) {
	case bson.M:
		out := make(map[string]interface{}, len(val))
		for k, e := range val {
			out[k] = convertBSON(e)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, e := range val {
			out[k] = convertBSON(e)
		}
		return out
	case bson.D:
		out := make(map[string]interface{}, len(val))
		for _, e := range val {
			out[e.Key] = convertBSON(e.Value)
		}
		return out
	case bson.A:
		out := make([]interface{}, len(val))
		for i, e := range val {
			out[i] = convertBSON(e)
		}
		return out
	case primitive.DateTime:
		return val.Time().UTC()
	default:
		return val
	}
}

func classifyMongo(err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) || mongo.IsDuplicateKeyError(err) {
		return &Error{Kind: Retryable, Err: err}
	}

	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		if cmdErr.HasErrorLabel("RetryableWriteError") || cmdErr.HasErrorLabel("TransientTransactionError") {
			return &Error{Kind: Retryable, Err: err}
		}
		switch cmdErr.Code {
		case 13, 18, 2, 9, 52, 121:
			// Unauthorized, AuthenticationFailed, BadValue, FailedToParse,
			// DollarPrefixedFieldName, DocumentValidationFailure.
			return &Error{Kind: Fatal, Err: err}
		}
		return &Error{Kind: Retryable, Err: err}
	}

	var writeErr mongo.WriteException
	if errors.As(err, &writeErr) {
		for _, we := range writeErr.WriteErrors {
			switch we.Code {
			case 2, 9, 52, 121, 28:
				return &Error{Kind: Fatal, Err: err}
			}
		}
	}
	return &Error{Kind: Retryable, Err: err}
}
