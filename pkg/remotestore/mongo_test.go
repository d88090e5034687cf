package remotestore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

func TestToFilter(t *testing.T) {
	t.Parallel()

	got := toFilter([]Filter{Eq("userId", "u1"), Gte("total", 5), Lt("total", 10)})
	assert.Equal(t, bson.D{
		{Key: "userId", Value: "u1"},
		{Key: "total", Value: bson.D{{Key: "$gte", Value: 5}, {Key: "$lt", Value: 10}}},
	}, got)
}

func TestWatchPipeline(t *testing.T) {
	t.Parallel()

	t.Run("no filters watches the collection", func(t *testing.T) {
		t.Parallel()
		assert.Empty(t, watchPipeline(nil))
	})

	t.Run("matches the document fields and deletes", func(t *testing.T) {
		t.Parallel()

		p := watchPipeline([]Filter{Eq("userId", "u1"), Gt("updatedAt", 3)})
		require.Len(t, p, 1)

		want := mongo.Pipeline{
			{{Key: "$match", Value: bson.D{{Key: "$or", Value: bson.A{
				bson.D{
					{Key: "operationType", Value: bson.D{{Key: "$in", Value: bson.A{"insert", "update", "replace"}}}},
					{Key: "fullDocument.userId", Value: "u1"},
					{Key: "fullDocument.updatedAt", Value: bson.D{{Key: "$gt", Value: 3}}},
				},
				bson.D{{Key: "operationType", Value: "delete"}},
			}}}}},
		}
		assert.Equal(t, want, p)
	})

	t.Run("leaves the query filter unprefixed", func(t *testing.T) {
		t.Parallel()

		filters := []Filter{Eq("userId", "u1")}
		_ = watchPipeline(filters)
		assert.Equal(t, bson.D{{Key: "userId", Value: "u1"}}, toFilter(filters))
	})
}
