package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/sirupsen/logrus"

	"cdc-fanout/internal/config"
	"cdc-fanout/internal/models"
)

// Graph keeps rows as Neo4j nodes and relationships.
type Graph struct {
	driver   neo4j.DriverWithContext
	database string
	logger   *logrus.Logger
}

// NewNeo4jDriver creates a driver and verifies it can reach the server.
func NewNeo4jDriver(ctx context.Context, cfg config.Neo4jConfig) (neo4j.DriverWithContext, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create Neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("failed to connect to Neo4j: %w", err)
	}
	return driver, nil
}

func NewGraph(driver neo4j.DriverWithContext, database string, logger *logrus.Logger) *Graph {
	return &Graph{driver: driver, database: database, logger: logger}
}

func (g *Graph) write(ctx context.Context, work func(tx neo4j.ManagedTransaction) error) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: g.database,
		AccessMode:   neo4j.AccessModeWrite,
	})
	defer session.Close(ctx)
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return nil, work(tx)
	})
	return err
}

func (g *Graph) query(ctx context.Context, cypher string, params map[string]any) ([]*neo4j.Record, error) {
	res, err := neo4j.ExecuteQuery(ctx, g.driver, cypher, params, neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithDatabase(g.database), neo4j.ExecuteQueryWithReadersRouting())
	if err != nil {
		return nil, classifyNeo4j(err)
	}
	return res.Records, nil
}

// singleInt runs a statement returning one integer column.
func singleInt(ctx context.Context, tx neo4j.ManagedTransaction, cypher string, params map[string]any, column string) (int64, error) {
	res, err := tx.Run(ctx, cypher, params)
	if err != nil {
		return 0, err
	}
	rec, err := res.Single(ctx)
	if err != nil {
		return 0, err
	}
	v, _ := rec.Get(column)
	n, _ := v.(int64)
	return n, nil
}

func (g *Graph) Upsert(ctx context.Context, intent models.WriteIntent) error {
	switch intent.Transform.Kind {
	case models.GraphNode:
		return g.upsertNode(ctx, intent)
	case models.GraphEdge:
		return g.upsertEdge(ctx, intent)
	default:
		return &Error{Kind: Fatal, Err: fmt.Errorf("graph sink cannot apply %s transforms", intent.Transform.Kind)}
	}
}

func (g *Graph) upsertNode(ctx context.Context, intent models.WriteIntent) error {
	t := intent.Transform
	key, err := keyValue(intent.Table, intent.Key)
	if err != nil {
		return &Error{Kind: Fatal, Err: err}
	}
	stmt, err := nodeStatements(t)
	if err != nil {
		return &Error{Kind: Fatal, Err: err}
	}

	props := models.CopyRow(intent.Fields)
	props[graphKeyProperty(t)] = key

	err = g.write(ctx, func(tx neo4j.ManagedTransaction) error {
		// Endpoints first, so a missing one leaves the graph untouched.
		for i, e := range t.Edges {
			target, ok := intent.Row[e.Column]
			if !ok || target == nil {
				continue
			}
			n, err := singleInt(ctx, tx, stmt.endpoint[i], map[string]any{"target": target}, "n")
			if err != nil {
				return err
			}
			if n == 0 {
				return fmt.Errorf("%w: %s %v", ErrEndpointMissing, e.TargetLabel, target)
			}
		}

		res, err := tx.Run(ctx, stmt.merge, map[string]any{"key": key, "props": props})
		if err != nil {
			return err
		}
		if _, err := res.Consume(ctx); err != nil {
			return err
		}

		for i, e := range t.Edges {
			target, ok := intent.Row[e.Column]
			if !ok || target == nil {
				res, err := tx.Run(ctx, stmt.unlink[i], map[string]any{"key": key})
				if err != nil {
					return err
				}
				if _, err := res.Consume(ctx); err != nil {
					return err
				}
				continue
			}
			n, err := singleInt(ctx, tx, stmt.link[i], map[string]any{"key": key, "target": target}, "linked")
			if err != nil {
				return err
			}
			if n == 0 {
				return fmt.Errorf("%w: %s %v", ErrEndpointMissing, e.TargetLabel, target)
			}
		}
		return nil
	})
	return classifyNeo4j(err)
}

func (g *Graph) upsertEdge(ctx context.Context, intent models.WriteIntent) error {
	t := intent.Transform
	from, okFrom := intent.Row[t.From.Column]
	to, okTo := intent.Row[t.To.Column]
	if !okFrom || !okTo || from == nil || to == nil {
		return fmt.Errorf("%w: %s lacks %s or %s", ErrUnplaceable, intent.Ref(), t.From.Column, t.To.Column)
	}
	key, err := keyValue(intent.Table, intent.Key)
	if err != nil {
		return &Error{Kind: Fatal, Err: err}
	}
	cypher, err := edgeMergeStatement(t)
	if err != nil {
		return &Error{Kind: Fatal, Err: err}
	}

	props := models.CopyRow(intent.Fields)
	props[graphKeyProperty(t)] = key

	err = g.write(ctx, func(tx neo4j.ManagedTransaction) error {
		n, err := singleInt(ctx, tx, cypher, map[string]any{
			"key": key, "from": from, "to": to, "props": props,
		}, "linked")
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: %s %v or %s %v", ErrEndpointMissing, t.From.Label, from, t.To.Label, to)
		}
		return nil
	})
	return classifyNeo4j(err)
}

func (g *Graph) Delete(ctx context.Context, intent models.WriteIntent) error {
	t := intent.Transform
	key, err := keyValue(intent.Table, intent.Key)
	if err != nil {
		return &Error{Kind: Fatal, Err: err}
	}

	var cypher string
	switch t.Kind {
	case models.GraphNode:
		label, err := quoteIdentifier(t.Label)
		if err != nil {
			return &Error{Kind: Fatal, Err: err}
		}
		prop, err := quoteIdentifier(graphKeyProperty(t))
		if err != nil {
			return &Error{Kind: Fatal, Err: err}
		}
		cypher = fmt.Sprintf("MATCH (n:%s {%s: $key}) DETACH DELETE n", label, prop)
	case models.GraphEdge:
		typ, err := quoteIdentifier(t.EdgeType)
		if err != nil {
			return &Error{Kind: Fatal, Err: err}
		}
		prop, err := quoteIdentifier(graphKeyProperty(t))
		if err != nil {
			return &Error{Kind: Fatal, Err: err}
		}
		cypher = fmt.Sprintf("MATCH ()-[r:%s {%s: $key}]->() DELETE r", typ, prop)
	default:
		return &Error{Kind: Fatal, Err: fmt.Errorf("graph sink cannot apply %s transforms", t.Kind)}
	}

	_, err = neo4j.ExecuteQuery(ctx, g.driver, cypher, map[string]any{"key": key}, neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithDatabase(g.database))
	return classifyNeo4j(err)
}

func (g *Graph) Project(ctx context.Context, t models.Transform, table models.Table, key string) (map[string]interface{}, bool, error) {
	id, err := keyValue(table, key)
	if err != nil {
		return nil, false, err
	}

	switch t.Kind {
	case models.GraphNode:
		stmt, err := nodeStatements(t)
		if err != nil {
			return nil, false, err
		}
		records, err := g.query(ctx, stmt.project, map[string]any{"key": id})
		if err != nil || len(records) == 0 {
			return nil, false, err
		}
		props, _ := records[0].Get("props")
		out, _ := props.(map[string]any)
		out = models.NormalizeRow(out)
		if out == nil {
			out = map[string]interface{}{}
		}
		for i, e := range t.Edges {
			if v, ok := records[0].Get(fmt.Sprintf("e%d", i)); ok && v != nil {
				out[e.Type] = models.Normalize(v)
			}
		}
		return out, true, nil

	case models.GraphEdge:
		cypher, err := edgeProjectStatement(t)
		if err != nil {
			return nil, false, err
		}
		records, err := g.query(ctx, cypher, map[string]any{"key": id})
		if err != nil || len(records) == 0 {
			return nil, false, err
		}
		props, _ := records[0].Get("props")
		out, _ := props.(map[string]any)
		out = models.NormalizeRow(out)
		if out == nil {
			out = map[string]interface{}{}
		}
		from, _ := records[0].Get("from")
		to, _ := records[0].Get("to")
		out[t.From.Column] = models.Normalize(from)
		out[t.To.Column] = models.Normalize(to)
		return out, true, nil

	default:
		return nil, false, fmt.Errorf("graph sink cannot project %s transforms", t.Kind)
	}
}

type nodeCypher struct {
	merge    string
	project  string
	endpoint []string
	link     []string
	unlink   []string
}

// nodeStatements renders the Cypher for a node transform. Identifiers come
// from configuration and are validated before use.
func nodeStatements(t models.Transform) (nodeCypher, error) {
	var c nodeCypher
	label, err := quoteIdentifier(t.Label)
	if err != nil {
		return c, err
	}
	prop, err := quoteIdentifier(graphKeyProperty(t))
	if err != nil {
		return c, err
	}
	match := fmt.Sprintf("(n:%s {%s: $key})", label, prop)
	c.merge = fmt.Sprintf("MERGE %s SET n += $props", match)

	var project strings.Builder
	fmt.Fprintf(&project, "MATCH %s", match)
	var returns []string
	for i, e := range t.Edges {
		typ, err := quoteIdentifier(e.Type)
		if err != nil {
			return c, err
		}
		targetLabel, err := quoteIdentifier(e.TargetLabel)
		if err != nil {
			return c, err
		}
		targetProp, err := quoteIdentifier(targetKeyProperty(e))
		if err != nil {
			return c, err
		}
		target := fmt.Sprintf("(t:%s {%s: $target})", targetLabel, targetProp)

		c.endpoint = append(c.endpoint, fmt.Sprintf("MATCH %s RETURN count(t) AS n", target))
		c.link = append(c.link, fmt.Sprintf(
			"MATCH %s OPTIONAL MATCH (n)-[old:%s]->(o) WHERE o.%s <> $target DELETE old "+
				"WITH DISTINCT n MATCH %s MERGE (n)-[:%s]->(t) RETURN count(t) AS linked",
			match, typ, targetProp, target, typ))
		c.unlink = append(c.unlink, fmt.Sprintf("MATCH %s-[old:%s]->() DELETE old", match, typ))

		alias := fmt.Sprintf("e%d", i)
		fmt.Fprintf(&project, " OPTIONAL MATCH (n)-[:%s]->(t%d:%s) WITH n%s, head(collect(t%d.%s)) AS %s",
			typ, i, targetLabel, carried(returns), i, targetProp, alias)
		returns = append(returns, alias)
	}
	fmt.Fprintf(&project, " RETURN properties(n) AS props%s", carried(returns))
	c.project = project.String()
	return c, nil
}

func carried(aliases []string) string {
	if len(aliases) == 0 {
		return ""
	}
	return ", " + strings.Join(aliases, ", ")
}

func targetKeyProperty(e models.EdgeSpec) string {
	if e.TargetKeyProperty == "" {
		return "id"
	}
	return e.TargetKeyProperty
}

func endpointKeyProperty(e models.EndpointSpec) string {
	if e.KeyProperty == "" {
		return "id"
	}
	return e.KeyProperty
}

// edgeMergeStatement renders the Cypher that places a relationship keyed
// by a source row between its two endpoints, replacing it when the row
// moved to other endpoints.
func edgeMergeStatement(t models.Transform) (string, error) {
	parts, err := quoteAll(t.EdgeType, graphKeyProperty(t), t.From.Label, endpointKeyProperty(t.From), t.To.Label, endpointKeyProperty(t.To))
	if err != nil {
		return "", err
	}
	typ, prop, fromLabel, fromProp, toLabel, toProp := parts[0], parts[1], parts[2], parts[3], parts[4], parts[5]
	return fmt.Sprintf(
		"MATCH (a:%s {%s: $from}), (b:%s {%s: $to}) "+
			"OPTIONAL MATCH ()-[old:%s {%s: $key}]->() WHERE NOT (startNode(old) = a AND endNode(old) = b) DELETE old "+
			"WITH DISTINCT a, b MERGE (a)-[r:%s {%s: $key}]->(b) SET r += $props RETURN count(r) AS linked",
		fromLabel, fromProp, toLabel, toProp, typ, prop, typ, prop), nil
}

func edgeProjectStatement(t models.Transform) (string, error) {
	parts, err := quoteAll(t.EdgeType, graphKeyProperty(t), endpointKeyProperty(t.From), endpointKeyProperty(t.To))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("MATCH (a)-[r:%s {%s: $key}]->(b) RETURN properties(r) AS props, a.%s AS from, b.%s AS to LIMIT 1",
		parts[0], parts[1], parts[2], parts[3]), nil
}

func quoteAll(names ...string) ([]string, error) {
	out := make([]string, len(names))
	for i, n := range names {
		q, err := quoteIdentifier(n)
		if err != nil {
			return nil, err
		}
		out[i] = q
	}
	return out, nil
}

// Neo4jLedger stores versions as CdcVersion nodes.
type Neo4jLedger struct {
	driver   neo4j.DriverWithContext
	database string
}

func NewNeo4jLedger(driver neo4j.DriverWithContext, database string) *Neo4jLedger {
	return &Neo4jLedger{driver: driver, database: database}
}

func (l *Neo4jLedger) Get(ctx context.Context, key models.Key) (Version, bool, error) {
	res, err := neo4j.ExecuteQuery(ctx, l.driver,
		"MATCH (v:CdcVersion {key: $key}) RETURN v.seq AS seq, v.deleted AS deleted",
		map[string]any{"key": key.String()}, neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithDatabase(l.database))
	if err != nil {
		return Version{}, false, classifyNeo4j(err)
	}
	if len(res.Records) == 0 {
		return Version{}, false, nil
	}
	seq, _, err := neo4j.GetRecordValue[int64](res.Records[0], "seq")
	if err != nil {
		return Version{}, false, &Error{Kind: Fatal, Err: fmt.Errorf("corrupt version of %s: %w", key, err)}
	}
	deleted, _, _ := neo4j.GetRecordValue[bool](res.Records[0], "deleted")
	return Version{Sequence: uint64(seq), Deleted: deleted}, true, nil
}

func (l *Neo4jLedger) Put(ctx context.Context, key models.Key, v Version) error {
	_, err := neo4j.ExecuteQuery(ctx, l.driver,
		"MERGE (v:CdcVersion {key: $key}) SET v.seq = $seq, v.deleted = $deleted",
		map[string]any{"key": key.String(), "seq": int64(v.Sequence), "deleted": v.Deleted},
		neo4j.EagerResultTransformer, neo4j.ExecuteQueryWithDatabase(l.database))
	return classifyNeo4j(err)
}

func classifyNeo4j(err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) || errors.Is(err, ErrEndpointMissing) || errors.Is(err, ErrUnplaceable) {
		return err
	}
	if neo4j.IsRetryable(err) || neo4j.IsConnectivityError(err) {
		return &Error{Kind: Retryable, Err: err}
	}
	var nerr *neo4j.Neo4jError
	if errors.As(err, &nerr) {
		switch {
		case nerr.Classification() == "TransientError":
			return &Error{Kind: Retryable, Err: err}
		case strings.HasPrefix(nerr.Code, "Neo.ClientError.Security."),
			strings.HasPrefix(nerr.Code, "Neo.ClientError.Schema."),
			strings.HasPrefix(nerr.Code, "Neo.ClientError.Statement."):
			return &Error{Kind: Fatal, Err: err}
		}
	}
	return &Error{Kind: Retryable, Err: err}
}
