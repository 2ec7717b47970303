package sink

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdc-fanout/internal/config"
	"cdc-fanout/internal/models"
)

var scheduleEdge = models.Transform{
	Kind:     models.GraphEdge,
	EdgeType: "HAS_SCHEDULE",
	From:     models.EndpointSpec{Label: "Group", KeyProperty: "id", Column: "id_group"},
	To:       models.EndpointSpec{Label: "Lecture", KeyProperty: "id", Column: "id_lecture"},
}

func TestNodeStatements(t *testing.T) {
	c, err := nodeStatements(groupNode)
	require.NoError(t, err)

	assert.Equal(t, "MERGE (n:`Group` {`id`: $key}) SET n += $props", c.merge)
	assert.Equal(t, []string{"MATCH (t:`Department` {`id`: $target}) RETURN count(t) AS n"}, c.endpoint)
	assert.Equal(t, []string{"MATCH (n:`Group` {`id`: $key})-[old:`PART_OF`]->() DELETE old"}, c.unlink)
	require.Len(t, c.link, 1)
	assert.Contains(t, c.link[0], "MERGE (n)-[:`PART_OF`]->(t) RETURN count(t) AS linked")
	assert.Equal(t,
		"MATCH (n:`Group` {`id`: $key}) OPTIONAL MATCH (n)-[:`PART_OF`]->(t0:`Department`) "+
			"WITH n, head(collect(t0.`id`)) AS e0 RETURN properties(n) AS props, e0",
		c.project)
}

func TestStatementsRejectBadIdentifiers(t *testing.T) {
	_, err := nodeStatements(models.Transform{Kind: models.GraphNode, Label: "Group`) DETACH DELETE (x"})
	assert.Error(t, err)

	bad := scheduleEdge
	bad.EdgeType = "HAS SCHEDULE"
	_, err = edgeMergeStatement(bad)
	assert.Error(t, err)
}

func TestEdgeStatements(t *testing.T) {
	merge, err := edgeMergeStatement(scheduleEdge)
	require.NoError(t, err)
	assert.Contains(t, merge, "MATCH (a:`Group` {`id`: $from}), (b:`Lecture` {`id`: $to})")
	assert.Contains(t, merge, "MERGE (a)-[r:`HAS_SCHEDULE` {`id`: $key}]->(b) SET r += $props")

	project, err := edgeProjectStatement(scheduleEdge)
	require.NoError(t, err)
	assert.Equal(t, "MATCH (a)-[r:`HAS_SCHEDULE` {`id`: $key}]->(b) RETURN properties(r) AS props, a.`id` AS from, b.`id` AS to LIMIT 1", project)
}

func TestClassifyNeo4j(t *testing.T) {
	assert.True(t, IsFatal(classifyNeo4j(&neo4j.Neo4jError{Code: "Neo.ClientError.Security.Unauthorized"})))
	assert.True(t, IsFatal(classifyNeo4j(&neo4j.Neo4jError{Code: "Neo.ClientError.Statement.SyntaxError"})))
	assert.Equal(t, Retryable, Classify(classifyNeo4j(&neo4j.Neo4jError{Code: "Neo.TransientError.Transaction.DeadlockDetected"})))
	assert.Equal(t, Retryable, Classify(classifyNeo4j(errors.New("connection refused"))))
	assert.ErrorIs(t, classifyNeo4j(ErrEndpointMissing), ErrEndpointMissing)
	assert.NoError(t, classifyNeo4j(nil))
}

// TestGraphLive runs against the Neo4j in CDC_TEST_NEO4J_URI.
func TestGraphLive(t *testing.T) {
	uri := os.Getenv("CDC_TEST_NEO4J_URI")
	if uri == "" {
		t.Skip("CDC_TEST_NEO4J_URI not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	driver, err := NewNeo4jDriver(ctx, config.Neo4jConfig{
		URI:      uri,
		Username: os.Getenv("CDC_TEST_NEO4J_USER"),
		Password: os.Getenv("CDC_TEST_NEO4J_PASSWORD"),
	})
	require.NoError(t, err)
	defer driver.Close(ctx)
	g := NewGraph(driver, "", logrus.New())

	groupRow := map[string]interface{}{"id": int64(9004), "name": "G-4", "id_department": int64(9002)}
	err = g.Upsert(ctx, upsert(models.Groups, "9004", groupNode, groupRow, map[string]interface{}{"name": "G-4"}))
	assert.ErrorIs(t, err, ErrEndpointMissing)

	require.NoError(t, g.Upsert(ctx, upsert(models.Department, "9002", departmentNode, nil, map[string]interface{}{"name": "Optics"})))
	require.NoError(t, g.Upsert(ctx, upsert(models.Groups, "9004", groupNode, groupRow, map[string]interface{}{"name": "G-4"})))
	defer g.Delete(ctx, models.WriteIntent{Table: models.Groups, Key: "9004", Transform: groupNode})
	defer g.Delete(ctx, models.WriteIntent{Table: models.Department, Key: "9002", Transform: departmentNode})

	node, found, err := g.Project(ctx, groupNode, models.Groups, "9004")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(9002), node["PART_OF"])
	assert.Equal(t, "G-4", node["name"])

	require.NoError(t, g.Delete(ctx, models.WriteIntent{Table: models.Department, Key: "9002", Transform: departmentNode}))
	node, _, err = g.Project(ctx, groupNode, models.Groups, "9004")
	require.NoError(t, err)
	assert.NotContains(t, node, "PART_OF")
}
