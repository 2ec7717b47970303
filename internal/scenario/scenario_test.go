package scenario

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdc-fanout/internal/config"
	"cdc-fanout/internal/models"
	"cdc-fanout/internal/router"
	"cdc-fanout/internal/sink"
	"cdc-fanout/internal/verify"
)

// recordingDB keeps the name of every university the scenario writes, as
// long as the statements follow the university scenario's column order.
type recordingDB struct {
	mu          sync.Mutex
	stmts       []string
	names       map[string]interface{}
	failOn      string
	keepDeleted bool
}

func newRecordingDB() *recordingDB {
	return &recordingDB{names: make(map[string]interface{})}
}

func (r *recordingDB) ExecContext(_ context.Context, query string, args ...interface{}) (sql.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stmts = append(r.stmts, query)
	if r.failOn != "" && strings.HasPrefix(query, r.failOn) {
		return nil, errors.New("permission denied")
	}
	switch {
	case strings.HasPrefix(query, "INSERT"):
		r.names[models.KeyString(args[0])] = args[1]
	case strings.HasPrefix(query, "UPDATE"):
		r.names[models.KeyString(args[1])] = args[0]
	case strings.HasPrefix(query, "DELETE") && !r.keepDeleted:
		delete(r.names, models.KeyString(args[0]))
	}
	return nil, nil
}

// mirror projects the recorded rows as a sink would, at a fixed version.
type mirror struct {
	name    string
	db      *recordingDB
	version uint64
}

func (m *mirror) Name() string { return m.name }

func (m *mirror) Lookup(_ context.Context, _ models.Table, key string) (sink.Projection, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	name, ok := m.db.names[key]
	if !ok {
		return sink.Projection{}, nil
	}
	return sink.Projection{
		Found:   true,
		Fields:  map[string]interface{}{"name": name},
		Version: sink.Version{Sequence: m.version},
	}, nil
}

func newVerifier(projectors ...verify.Projector) *verify.Verifier {
	return verify.New(projectors, config.VerifierConfig{
		Timeout:         50 * time.Millisecond,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	}, logrus.New())
}

func TestScenariosAreWellFormed(t *testing.T) {
	b := Builder{Schema: "public", Base: 900000}
	names := make(map[string]bool)
	for _, sc := range b.All() {
		assert.False(t, names[sc.Name], "duplicate scenario %s", sc.Name)
		names[sc.Name] = true
		require.NotEmpty(t, sc.Steps, sc.Name)
		assert.NotEmpty(t, sc.Cleanup, sc.Name)

		for _, step := range sc.Steps {
			assert.NotEmpty(t, step.Expect, "%s: %s", sc.Name, step.Name)
			for _, exp := range step.Expect {
				assert.Contains(t, []string{router.SinkMongo, router.SinkNeo4j, router.SinkRedis, router.SinkElasticsearch}, exp.Sink)
				_, err := models.SchemaFor(exp.Table)
				assert.NoError(t, err)
				assert.NotEmpty(t, exp.Key)
			}
			if step.SQL != "" {
				assert.Contains(t, step.SQL, `"public".`)
				assert.Equal(t, strings.Count(step.SQL, "$"), len(step.Args), step.SQL)
			}
		}
		for _, step := range sc.Cleanup {
			assert.True(t, strings.HasPrefix(step.SQL, "DELETE FROM"), step.SQL)
		}
	}
}

func TestUniversityScenarioStatements(t *testing.T) {
	sc := Builder{Schema: "uni", Base: 7}.University()
	require.Len(t, sc.Steps, 3)
	assert.Equal(t, `INSERT INTO "uni"."university" ("id", "name") VALUES ($1, $2)`, sc.Steps[0].SQL)
	assert.Equal(t, []interface{}{int64(7), "Test U"}, sc.Steps[0].Args)
	assert.Equal(t, `UPDATE "uni"."university" SET "name" = $1 WHERE "id" = $2`, sc.Steps[1].SQL)
	assert.Equal(t, `DELETE FROM "uni"."university" WHERE "id" = $1`, sc.Steps[2].SQL)
	assert.True(t, sc.Steps[2].Expect[0].Absent)
	assert.Equal(t, "7", sc.Steps[2].Expect[0].Key)
}

func TestRunnerStopsAtFirstUnconvergedStep(t *testing.T) {
	db := newRecordingDB()
	// The university never disappears, so the delete step times out.
	db.keepDeleted = true
	runner := NewRunner(db, newVerifier(&mirror{name: router.SinkMongo, db: db}, &mirror{name: router.SinkElasticsearch, db: db}), logrus.New())

	sc := Builder{Schema: "public", Base: 1}.University()
	results, err := runner.Run(context.Background(), sc)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.True(t, results[0].Passed())
	assert.True(t, results[1].Passed())
	assert.False(t, results[2].Passed())
	assert.Equal(t, verify.Timeout, results[2].Reports[0].Outcome)
	assert.Equal(t, Inconclusive, results[2].Verdict())

	var tally Tally
	tally.Add(results...)
	assert.Equal(t, Tally{Passed: 2, Inconclusive: 1}, tally)

	// Steps then cleanup.
	assert.Len(t, db.stmts, 4)
}

func TestRunnerReportsMismatchAsFailure(t *testing.T) {
	db := newRecordingDB()
	runner := NewRunner(db, newVerifier(&mirror{name: router.SinkMongo, db: db, version: 5}), logrus.New())

	sc := Builder{Schema: "public", Base: 1}.University()
	// The sink answers at version 5, past the version the step expects, so
	// the wrong name is final.
	sc.Steps[1].Expect = []verify.Expectation{{
		Sink: router.SinkMongo, Table: models.University, Key: "1",
		Fields: map[string]interface{}{"name": "Something else"}, Sequence: 2,
	}}
	results, err := runner.Run(context.Background(), sc)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, Pass, results[0].Verdict())
	assert.Equal(t, verify.Mismatch, results[1].Reports[0].Outcome)
	assert.Equal(t, Fail, results[1].Verdict())

	var tally Tally
	tally.Add(results...)
	assert.Equal(t, Tally{Passed: 1, Failed: 1}, tally)
}

func TestVerdictPrefersFailureOverTimeout(t *testing.T) {
	res := Result{Reports: []verify.Report{
		{Outcome: verify.Timeout},
		{Outcome: verify.Mismatch},
		{Outcome: verify.Match},
	}}
	assert.Equal(t, Fail, res.Verdict())

	res.Reports = res.Reports[:1]
	assert.Equal(t, Inconclusive, res.Verdict())
	assert.Equal(t, Pass, Result{}.Verdict())
}

func TestRunnerSkipsDisabledSinks(t *testing.T) {
	db := newRecordingDB()
	runner := NewRunner(db, newVerifier(&mirror{name: router.SinkMongo, db: db}), logrus.New())

	sc := Builder{Schema: "public", Base: 1}.University()
	sc.Steps = sc.Steps[2:]
	results, err := runner.Run(context.Background(), sc)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Len(t, results[0].Reports, 1)
	assert.Equal(t, router.SinkMongo, results[0].Reports[0].Expectation.Sink)
	assert.True(t, results[0].Passed())
}

func TestRunnerReportsSQLErrors(t *testing.T) {
	db := newRecordingDB()
	db.failOn = "UPDATE"
	runner := NewRunner(db, newVerifier(&mirror{name: router.SinkMongo, db: db}, &mirror{name: router.SinkElasticsearch, db: db}), logrus.New())

	results, err := runner.Run(context.Background(), Builder{Schema: "public", Base: 1}.University())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
	assert.Len(t, results, 1)
	// Cleanup still ran.
	assert.True(t, strings.HasPrefix(db.stmts[len(db.stmts)-1], "DELETE FROM"))
}
