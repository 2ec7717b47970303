package router

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"cdc-fanout/internal/config"
	"cdc-fanout/internal/models"
)

// Sink names used by the built-in subscriptions.
const (
	SinkMongo         = "mongo"
	SinkNeo4j         = "neo4j"
	SinkRedis         = "redis"
	SinkElasticsearch = "elasticsearch"
)

// Lookup copies columns of a parent row into the routed row.
type Lookup struct {
	Column string
	Table  models.Table
	Select map[string]string
}

// Dependent is a child table regenerated when the routed row changes.
type Dependent struct {
	Table  models.Table
	Column string
}

// Route is one (table, sink) pair of a subscription.
type Route struct {
	Table     models.Table
	Sink      string
	Transform models.Transform
	Lookups   []Lookup
	Refresh   []Dependent

	transformer *Transformer
}

// Writes reports whether the route produces intents for its own rows.
// Routes without a transform only refresh dependents.
func (r *Route) Writes() bool {
	return r.Transform.Kind != ""
}

// Subscriptions is the compiled table -> routes mapping.
type Subscriptions struct {
	byTable map[models.Table][]*Route
}

// NewSubscriptions compiles the built-in routes, replaced table by table by
// overrides, keeping only routes whose sink is enabled.
func NewSubscriptions(overrides []config.SubscriptionConfig, enabled []string, logger *logrus.Logger) (*Subscriptions, error) {
	enabledSet := make(map[string]bool, len(enabled))
	for _, name := range enabled {
		enabledSet[name] = true
	}

	merged := make(map[models.Table]config.SubscriptionConfig)
	for _, sub := range DefaultSubscriptions() {
		merged[models.Table(sub.Table)] = sub
	}
	for _, sub := range overrides {
		table, err := models.ParseTable(sub.Table)
		if err != nil {
			return nil, err
		}
		merged[table] = sub
	}

	s := &Subscriptions{byTable: make(map[models.Table][]*Route)}
	for _, table := range models.Tables {
		sub, ok := merged[table]
		if !ok {
			continue
		}
		for i, rc := range sub.Routes {
			if !enabledSet[rc.Sink] {
				continue
			}
			route, err := compileRoute(table, rc, logger)
			if err != nil {
				return nil, fmt.Errorf("subscription %s route %d (%s): %w", table, i, rc.Sink, err)
			}
			s.byTable[table] = append(s.byTable[table], route)
		}
	}

	for table, routes := range s.byTable {
		for _, route := range routes {
			for _, dep := range route.Refresh {
				if child := s.Route(dep.Table, route.Sink); child == nil || !child.Writes() {
					return nil, fmt.Errorf("subscription %s: %s refreshes %s, which has no writing route", table, route.Sink, dep.Table)
				}
			}
		}
	}
	return s, nil
}

func compileRoute(table models.Table, rc config.RouteConfig, logger *logrus.Logger) (*Route, error) {
	switch rc.Transform.Kind {
	case "", models.DocumentRoot, models.DocumentNested, models.GraphNode, models.GraphEdge, models.KVFlatten, models.SearchRow:
	default:
		return nil, fmt.Errorf("unknown transform kind %q", rc.Transform.Kind)
	}
	if rc.Transform.Kind == models.DocumentNested && len(rc.Transform.ParentRefs) != len(rc.Transform.Path) {
		return nil, fmt.Errorf("document.nested needs one parent ref per path element")
	}

	schema, err := models.SchemaFor(table)
	if err != nil {
		return nil, err
	}

	route := &Route{Table: table, Sink: rc.Sink, Transform: rc.Transform}

	for _, lc := range rc.Lookups {
		parent, err := models.ParseTable(lc.Table)
		if err != nil {
			return nil, err
		}
		if _, ok := schema.Parents[lc.Column]; !ok {
			return nil, fmt.Errorf("lookup column %s is not a parent reference of %s", lc.Column, table)
		}
		route.Lookups = append(route.Lookups, Lookup{Column: lc.Column, Table: parent, Select: lc.Select})
	}

	for _, dc := range rc.Refresh {
		child, err := models.ParseTable(dc.Table)
		if err != nil {
			return nil, err
		}
		childSchema, err := models.SchemaFor(child)
		if err != nil {
			return nil, err
		}
		if childSchema.Parents[dc.Column] != table {
			return nil, fmt.Errorf("%s.%s does not reference %s", child, dc.Column, table)
		}
		route.Refresh = append(route.Refresh, Dependent{Table: child, Column: dc.Column})
	}

	route.transformer, err = NewTransformer(rc.Rules, rc.Script, logger)
	if err != nil {
		return nil, err
	}
	return route, nil
}

// Routes returns the routes of a table in declaration order.
func (s *Subscriptions) Routes(table models.Table) []*Route {
	return s.byTable[table]
}

// Route returns the route of table to sink, or nil.
func (s *Subscriptions) Route(table models.Table, sink string) *Route {
	for _, r := range s.byTable[table] {
		if r.Sink == sink {
			return r
		}
	}
	return nil
}

// Transforms returns the shape of every table the sink stores.
func (s *Subscriptions) Transforms(sink string) map[models.Table]models.Transform {
	out := make(map[models.Table]models.Transform)
	for table, routes := range s.byTable {
		for _, r := range routes {
			if r.Sink == sink && r.Writes() {
				out[table] = r.Transform
			}
		}
	}
	return out
}

// Sinks returns every sink with at least one route.
func (s *Subscriptions) Sinks() []string {
	seen := make(map[string]bool)
	var names []string
	for _, table := range models.Tables {
		for _, r := range s.byTable[table] {
			if !seen[r.Sink] {
				seen[r.Sink] = true
				names = append(names, r.Sink)
			}
		}
	}
	return names
}

func searchRoute() config.RouteConfig {
	return config.RouteConfig{Sink: SinkElasticsearch, Transform: models.Transform{Kind: models.SearchRow}}
}

// DefaultSubscriptions mirrors the university hierarchy into the four
// stores.
func DefaultSubscriptions() []config.SubscriptionConfig {
	return []config.SubscriptionConfig{
		{Table: string(models.University), Routes: []config.RouteConfig{
			{
				Sink:      SinkMongo,
				Transform: models.Transform{Kind: models.DocumentRoot},
				Rules:     &config.RuleConfig{Include: []string{"name"}},
			},
			searchRoute(),
		}},
		{Table: string(models.Institute), Routes: []config.RouteConfig{
			{
				Sink: SinkMongo,
				Transform: models.Transform{
					Kind:       models.DocumentNested,
					Path:       []string{"institutes"},
					ParentRefs: []string{"id_university"},
				},
				Rules:   &config.RuleConfig{Include: []string{"name"}},
				Refresh: []config.RefreshConfig{{Table: string(models.Department), Column: "id_institute"}},
			},
			searchRoute(),
		}},
		{Table: string(models.Department), Routes: []config.RouteConfig{
			{
				Sink: SinkMongo,
				Transform: models.Transform{
					Kind:       models.DocumentNested,
					Path:       []string{"institutes", "departments"},
					ParentRefs: []string{"id_university", "id_institute"},
				},
				Lookups: []config.LookupConfig{{
					Column: "id_institute",
					Table:  string(models.Institute),
					Select: map[string]string{"id_university": "id_university", "name": "institute_name"},
				}},
				Rules: &config.RuleConfig{Include: []string{"name", "institute_name"}},
			},
			{
				Sink:      SinkNeo4j,
				Transform: models.Transform{Kind: models.GraphNode, Label: "Department", KeyProperty: "id"},
				Rules:     &config.RuleConfig{Include: []string{"id", "name"}},
			},
			searchRoute(),
		}},
		{Table: string(models.Groups), Routes: []config.RouteConfig{
			{
				Sink: SinkNeo4j,
				Transform: models.Transform{
					Kind:        models.GraphNode,
					Label:       "Group",
					KeyProperty: "id",
					Edges: []models.EdgeSpec{{
						Type: "PART_OF", Column: "id_department", TargetLabel: "Department", TargetKeyProperty: "id",
					}},
				},
				Rules: &config.RuleConfig{Rename: map[string]string{"id_department": "department_id"}},
			},
			{
				Sink:    SinkRedis,
				Refresh: []config.RefreshConfig{{Table: string(models.Student), Column: "id_group"}},
			},
			searchRoute(),
		}},
		{Table: string(models.Student), Routes: []config.RouteConfig{
			{
				Sink: SinkNeo4j,
				Transform: models.Transform{
					Kind:        models.GraphNode,
					Label:       "Student",
					KeyProperty: "student_number",
					Edges: []models.EdgeSpec{{
						Type: "BELONGS_TO", Column: "id_group", TargetLabel: "Group", TargetKeyProperty: "id",
					}},
				},
				Rules: &config.RuleConfig{Exclude: []string{"id_group"}},
			},
			{
				Sink: SinkRedis,
				Transform: models.Transform{
					Kind:       models.KVFlatten,
					KeyPrefix:  "student:",
					OrphanWhen: []string{"group_name"},
				},
				Lookups: []config.LookupConfig{{
					Column: "id_group",
					Table:  string(models.Groups),
					Select: map[string]string{"name": "group_name"},
				}},
				Rules: &config.RuleConfig{
					Include: []string{"fullname", "email", "id_group", "group_name", "redis_key"},
					Rename:  map[string]string{"id_group": "group_id"},
				},
			},
			searchRoute(),
		}},
		{Table: string(models.Course), Routes: []config.RouteConfig{
			{
				// Lecture nodes carry the course's department edge.
				Sink:    SinkNeo4j,
				Refresh: []config.RefreshConfig{{Table: string(models.Lecture), Column: "id_course"}},
			},
			searchRoute(),
		}},
		{Table: string(models.Lecture), Routes: []config.RouteConfig{
			{
				Sink: SinkNeo4j,
				Transform: models.Transform{
					Kind:        models.GraphNode,
					Label:       "Lecture",
					KeyProperty: "id",
					Edges: []models.EdgeSpec{{
						Type: "ORIGINATES_FROM", Column: "id_department", TargetLabel: "Department", TargetKeyProperty: "id",
					}},
				},
				Lookups: []config.LookupConfig{{
					Column: "id_course",
					Table:  string(models.Course),
					Select: map[string]string{"id_department": "id_department"},
				}},
				Rules: &config.RuleConfig{Include: []string{"id", "name", "id_course"}},
			},
			searchRoute(),
		}},
		{Table: string(models.Schedule), Routes: []config.RouteConfig{
			{
				Sink: SinkNeo4j,
				Transform: models.Transform{
					Kind:     models.GraphEdge,
					EdgeType: "HAS_SCHEDULE",
					From:     models.EndpointSpec{Label: "Group", KeyProperty: "id", Column: "id_group"},
					To:       models.EndpointSpec{Label: "Lecture", KeyProperty: "id", Column: "id_lecture"},
				},
				Rules: &config.RuleConfig{Include: []string{"id", "location", "timestamp"}},
			},
			searchRoute(),
		}},
	}
}
