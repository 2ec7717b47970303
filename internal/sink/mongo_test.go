package sink

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"cdc-fanout/internal/config"
	"cdc-fanout/internal/models"
)

func TestNestedPlanFilters(t *testing.T) {
	p := newNestedPlan([]string{"institutes", "departments"}, []interface{}{int64(1), int64(10)}, int64(100))

	assert.Equal(t, bson.M{
		"_id": int64(1),
		"institutes": bson.M{"$elemMatch": bson.M{
			"_id":             int64(10),
			"departments._id": int64(100),
		}},
	}, p.elementFilter())
	assert.Equal(t, bson.M{
		"_id":        int64(1),
		"institutes": bson.M{"$elemMatch": bson.M{"_id": int64(10)}},
	}, p.parentFilter())
	assert.Equal(t, bson.M{"institutes.departments._id": int64(100)}, p.anywhereFilter())
}

func TestNestedPlanUpdates(t *testing.T) {
	p := newNestedPlan([]string{"institutes", "departments"}, []interface{}{int64(1), int64(10)}, int64(100))

	assert.Equal(t, bson.M{"institutes.$[p0].departments.$[p1].name": "Optics"},
		p.setFields(map[string]interface{}{"name": "Optics", "_id": int64(5)}))
	assert.Equal(t, []interface{}{bson.M{"p0._id": int64(10)}, bson.M{"p1._id": int64(100)}}, p.arrayFilters(true))
	assert.Equal(t, []interface{}{bson.M{"p0._id": int64(10)}}, p.arrayFilters(false))
	assert.Equal(t, "institutes.$[p0].departments", p.pushPath())
	assert.Equal(t, bson.M{"institutes.$[].departments": bson.M{"_id": int64(100)}}, p.pull())
}

func TestNestedPlanSingleLevel(t *testing.T) {
	p := newNestedPlan([]string{"institutes"}, []interface{}{int64(1)}, int64(10))

	assert.Equal(t, bson.M{"_id": int64(1), "institutes": bson.M{"$elemMatch": bson.M{"_id": int64(10)}}}, p.elementFilter())
	assert.Equal(t, bson.M{"_id": int64(1)}, p.parentFilter())
	assert.Equal(t, "institutes", p.pushPath())
	assert.Empty(t, p.arrayFilters(false))
	assert.Equal(t, bson.M{"institutes": bson.M{"_id": int64(10)}}, p.pull())
}

func TestFromBSON(t *testing.T) {
	doc := bson.M{
		"_id":  int32(1),
		"name": "MIREA",
		"institutes": bson.A{
			bson.D{{Key: "_id", Value: int32(10)}, {Key: "name", Value: "Physics"}},
		},
	}
	assert.Equal(t, map[string]interface{}{
		"_id":  int64(1),
		"name": "MIREA",
		"institutes": []interface{}{
			map[string]interface{}{"_id": int64(10), "name": "Physics"},
		},
	}, fromBSON(doc))
}

// TestDocumentLive runs against the MongoDB in CDC_TEST_MONGO_URI.
func TestDocumentLive(t *testing.T) {
	uri := os.Getenv("CDC_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("CDC_TEST_MONGO_URI not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := NewMongoClient(ctx, config.MongoConfig{URI: uri, Timeout: 10 * time.Second})
	require.NoError(t, err)
	defer client.Disconnect(ctx)

	db := client.Database("cdc_test_" + uuid.NewString()[:8])
	defer db.Drop(ctx)
	d := NewDocument(db.Collection("universities"), logrus.New())

	apply := func(table models.Table, key string, tr models.Transform, row, fields map[string]interface{}) error {
		return d.Upsert(ctx, upsert(table, key, tr, row, fields))
	}

	err = apply(models.Institute, "10", instituteDoc, map[string]interface{}{"id_university": int64(1)}, map[string]interface{}{"name": "Physics"})
	assert.ErrorIs(t, err, ErrParentMissing)

	require.NoError(t, apply(models.University, "1", universityDoc, nil, map[string]interface{}{"name": "MIREA"}))
	require.NoError(t, apply(models.University, "2", universityDoc, nil, map[string]interface{}{"name": "MSU"}))
	require.NoError(t, apply(models.Institute, "10", instituteDoc, map[string]interface{}{"id_university": int64(1)}, map[string]interface{}{"name": "Physics"}))
	require.NoError(t, apply(models.Department, "100", departmentDoc,
		map[string]interface{}{"id_university": int64(1), "id_institute": int64(10)}, map[string]interface{}{"name": "Optics"}))
	require.NoError(t, apply(models.Department, "100", departmentDoc,
		map[string]interface{}{"id_university": int64(1), "id_institute": int64(10)}, map[string]interface{}{"name": "Lasers"}))

	dep, found, err := d.Project(ctx, departmentDoc, models.Department, "100")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Lasers", dep["name"])

	require.NoError(t, apply(models.Institute, "10", instituteDoc, map[string]interface{}{"id_university": int64(2)}, map[string]interface{}{"name": "Physics"}))
	moved, _, err := d.Project(ctx, universityDoc, models.University, "2")
	require.NoError(t, err)
	require.Len(t, moved["institutes"], 1)
	dep, found, err = d.Project(ctx, departmentDoc, models.Department, "100")
	require.NoError(t, err)
	assert.True(t, found, "departments move with their institute")

	require.NoError(t, d.Delete(ctx, models.WriteIntent{Table: models.Department, Key: "100", Transform: departmentDoc}))
	_, found, err = d.Project(ctx, departmentDoc, models.Department, "100")
	require.NoError(t, err)
	assert.False(t, found)

	ledger := NewMongoLedger(db.Collection("cdc_versions"))
	key := models.Key{Table: models.University, ID: "1"}
	require.NoError(t, ledger.Put(ctx, key, Version{Sequence: 3, Deleted: true}))
	v, found, err := ledger.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, Version{Sequence: 3, Deleted: true}, v)
}
