// Package scenario runs CRUD scripts against the source database and checks
// that every sink converges on the expected projections.
package scenario

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"cdc-fanout/internal/models"
	"cdc-fanout/internal/router"
	"cdc-fanout/internal/verify"
)

// Step is one source mutation and the sink state it must lead to.
type Step struct {
	Name   string
	SQL    string
	Args   []interface{}
	Expect []verify.Expectation
}

// Scenario is a sequence of steps run in order, with cleanup statements
// that remove whatever the steps left behind.
type Scenario struct {
	Name  string
	Steps []Step
	// Cleanup runs after the steps whatever their outcome.
	Cleanup []Step
}

// Result is the outcome of one step.
type Result struct {
	Scenario string
	Step     string
	Reports  []verify.Report
}

// Verdict summarizes a step.
type Verdict string

const (
	Pass Verdict = "PASS"
	Fail Verdict = "FAIL"
	// Inconclusive steps timed out without a mismatch. The sinks may still
	// converge.
	Inconclusive Verdict = "INCONCLUSIVE"
)

// Verdict is Fail when any report is a mismatch, Inconclusive when any
// timed out, and Pass otherwise.
func (r Result) Verdict() Verdict {
	verdict := Pass
	for _, rep := range r.Reports {
		switch rep.Outcome {
		case verify.Match:
		case verify.Timeout:
			verdict = Inconclusive
		default:
			return Fail
		}
	}
	return verdict
}

func (r Result) Passed() bool {
	return r.Verdict() == Pass
}

// Tally counts step verdicts.
type Tally struct {
	Passed       int
	Failed       int
	Inconclusive int
}

// Add counts the verdict of every result.
func (t *Tally) Add(results ...Result) {
	for _, res := range results {
		switch res.Verdict() {
		case Pass:
			t.Passed++
		case Inconclusive:
			t.Inconclusive++
		default:
			t.Failed++
		}
	}
}

// Execer is the part of *sql.DB the runner needs.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Runner executes scenarios against the source database and verifies each
// step against the sinks.
type Runner struct {
	db       Execer
	verifier *verify.Verifier
	logger   *logrus.Logger
}

// NewRunner returns a runner writing through db.
func NewRunner(db Execer, verifier *verify.Verifier, logger *logrus.Logger) *Runner {
	return &Runner{db: db, verifier: verifier, logger: logger}
}

// Run executes the steps in order and stops at the first step that did not
// pass, whether it failed or was inconclusive. Expectations on sinks the verifier does
// not know are skipped. Errors are reserved for failing SQL.
func (r *Runner) Run(ctx context.Context, sc Scenario) (results []Result, err error) {
	log := r.logger.WithField("scenario", sc.Name)
	defer func() {
		for _, step := range sc.Cleanup {
			if _, cerr := r.db.ExecContext(ctx, step.SQL, step.Args...); cerr != nil {
				log.Warnf("Cleanup %q failed: %v", step.Name, cerr)
			}
		}
	}()

	enabled := make(map[string]bool)
	for _, name := range r.verifier.Sinks() {
		enabled[name] = true
	}

	for _, step := range sc.Steps {
		if step.SQL != "" {
			if _, err := r.db.ExecContext(ctx, step.SQL, step.Args...); err != nil {
				return results, fmt.Errorf("scenario %s, step %q: %w", sc.Name, step.Name, err)
			}
		}

		var exps []verify.Expectation
		for _, exp := range step.Expect {
			if enabled[exp.Sink] {
				exps = append(exps, exp)
			}
		}
		reports, err := r.verifier.VerifyAll(ctx, exps)
		if err != nil {
			return results, fmt.Errorf("scenario %s, step %q: %w", sc.Name, step.Name, err)
		}
		res := Result{Scenario: sc.Name, Step: step.Name, Reports: reports}
		results = append(results, res)

		if verdict := res.Verdict(); verdict != Pass {
			for _, rep := range reports {
				if rep.Outcome != verify.Match {
					log.Warnf("Step %q %s: %s", step.Name, verdict, rep)
				}
			}
			return results, nil
		}
		log.Infof("Step %q converged", step.Name)
	}
	return results, nil
}

// Builder writes scenarios for one schema. Every scenario uses its own
// range of ids starting at Base so that runs do not collide.
type Builder struct {
	Schema string
	Base   int64
}

func (b Builder) table(t models.Table) string {
	return pq.QuoteIdentifier(b.Schema) + "." + pq.QuoteIdentifier(string(t))
}

func (b Builder) insert(t models.Table, row map[string]interface{}, order ...string) Step {
	cols := make([]string, len(order))
	holders := make([]string, len(order))
	args := make([]interface{}, len(order))
	for i, c := range order {
		cols[i] = pq.QuoteIdentifier(c)
		holders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = row[c]
	}
	return Step{
		Name: "insert " + string(t),
		SQL:  fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", b.table(t), strings.Join(cols, ", "), strings.Join(holders, ", ")),
		Args: args,
	}
}

func (b Builder) update(t models.Table, keyColumn string, key interface{}, column string, value interface{}) Step {
	return Step{
		Name: fmt.Sprintf("update %s.%s", t, column),
		SQL: fmt.Sprintf("UPDATE %s SET %s = $1 WHERE %s = $2",
			b.table(t), pq.QuoteIdentifier(column), pq.QuoteIdentifier(keyColumn)),
		Args: []interface{}{value, key},
	}
}

func (b Builder) delete(t models.Table, keyColumn string, key interface{}) Step {
	return Step{
		Name: "delete " + string(t),
		SQL:  fmt.Sprintf("DELETE FROM %s WHERE %s = $1", b.table(t), pq.QuoteIdentifier(keyColumn)),
		Args: []interface{}{key},
	}
}

func expect(sink string, t models.Table, key interface{}, fields map[string]interface{}) verify.Expectation {
	return verify.Expectation{Sink: sink, Table: t, Key: models.KeyString(key), Fields: fields}
}

func absent(sink string, t models.Table, key interface{}) verify.Expectation {
	return verify.Expectation{Sink: sink, Table: t, Key: models.KeyString(key), Absent: true}
}

func with(s Step, exps ...verify.Expectation) Step {
	s.Expect = exps
	return s
}

type hierarchy struct {
	university, institute, department int64
	setup, cleanup                    []Step
}

// hierarchy creates a university, one institute and one department.
func (b Builder) hierarchy(offset int64, tag string) hierarchy {
	h := hierarchy{university: b.Base + offset, institute: b.Base + offset + 1, department: b.Base + offset + 2}
	h.setup = []Step{
		with(b.insert(models.University, map[string]interface{}{"id": h.university, "name": "U " + tag}, "id", "name"),
			expect(router.SinkMongo, models.University, h.university, nil)),
		with(b.insert(models.Institute, map[string]interface{}{
			"id": h.institute, "name": "I " + tag, "id_university": h.university,
		}, "id", "name", "id_university"),
			expect(router.SinkMongo, models.Institute, h.institute, nil)),
		with(b.insert(models.Department, map[string]interface{}{
			"id": h.department, "name": "D " + tag, "id_institute": h.institute,
		}, "id", "name", "id_institute"),
			expect(router.SinkNeo4j, models.Department, h.department, nil)),
	}
	h.cleanup = []Step{
		b.delete(models.Department, "id", h.department),
		b.delete(models.Institute, "id", h.institute),
		b.delete(models.University, "id", h.university),
	}
	return h
}

// University creates, renames and deletes a university.
func (b Builder) University() Scenario {
	id := b.Base
	return Scenario{
		Name: "university",
		Steps: []Step{
			with(b.insert(models.University, map[string]interface{}{"id": id, "name": "Test U"}, "id", "name"),
				expect(router.SinkMongo, models.University, id, map[string]interface{}{"name": "Test U"}),
				expect(router.SinkElasticsearch, models.University, id, map[string]interface{}{"name": "Test U"})),
			with(b.update(models.University, "id", id, "name", "Test U renamed"),
				expect(router.SinkMongo, models.University, id, map[string]interface{}{"name": "Test U renamed"}),
				expect(router.SinkElasticsearch, models.University, id, map[string]interface{}{"name": "Test U renamed"})),
			with(b.delete(models.University, "id", id),
				absent(router.SinkMongo, models.University, id),
				absent(router.SinkElasticsearch, models.University, id)),
		},
		Cleanup: []Step{b.delete(models.University, "id", id)},
	}
}

// Department checks the nested document copy and the graph node of a
// department, and that an institute rename reaches the nested copy.
func (b Builder) Department() Scenario {
	h := b.hierarchy(10, "department")
	steps := append([]Step{}, h.setup...)
	steps = append(steps,
		with(Step{Name: "verify department"},
			expect(router.SinkMongo, models.Department, h.department, map[string]interface{}{
				"name": "D department", "institute_name": "I department",
			}),
			expect(router.SinkNeo4j, models.Department, h.department, map[string]interface{}{"name": "D department"}),
			expect(router.SinkElasticsearch, models.Department, h.department, map[string]interface{}{"id_institute": h.institute})),
		with(b.update(models.Institute, "id", h.institute, "name", "I department renamed"),
			expect(router.SinkMongo, models.Department, h.department, map[string]interface{}{"institute_name": "I department renamed"})),
		with(b.delete(models.Department, "id", h.department),
			absent(router.SinkMongo, models.Department, h.department),
			absent(router.SinkNeo4j, models.Department, h.department)),
	)
	return Scenario{Name: "department", Steps: steps, Cleanup: h.cleanup}
}

// StudentGroup creates a student in group G1, renames the group and checks
// the KV view follows without the student row changing.
func (b Builder) StudentGroup() Scenario {
	h := b.hierarchy(20, "student")
	group := b.Base + 25
	sn := "S-" + strings.ToUpper(uuid.NewString()[:8])
	email := strings.ToLower(sn) + "@example.com"

	steps := append([]Step{}, h.setup...)
	steps = append(steps,
		with(b.insert(models.Groups, map[string]interface{}{"id": group, "name": "G1", "id_department": h.department},
			"id", "name", "id_department"),
			expect(router.SinkNeo4j, models.Groups, group, map[string]interface{}{"name": "G1", "PART_OF": h.department})),
		with(b.insert(models.Student, map[string]interface{}{
			"student_number": sn, "fullname": "Test Student", "email": email, "id_group": group,
		}, "student_number", "fullname", "email", "id_group"),
			expect(router.SinkRedis, models.Student, sn, map[string]interface{}{
				"fullname": "Test Student", "email": email, "group_id": group, "group_name": "G1",
			}),
			expect(router.SinkNeo4j, models.Student, sn, map[string]interface{}{"BELONGS_TO": group})),
		with(b.update(models.Groups, "id", group, "name", "G2"),
			expect(router.SinkRedis, models.Student, sn, map[string]interface{}{"group_name": "G2"})),
		with(b.delete(models.Student, "student_number", sn),
			absent(router.SinkRedis, models.Student, sn),
			absent(router.SinkNeo4j, models.Student, sn)),
	)
	cleanup := append([]Step{
		b.delete(models.Student, "student_number", sn),
		b.delete(models.Groups, "id", group),
	}, h.cleanup...)
	return Scenario{Name: "student-group", Steps: steps, Cleanup: cleanup}
}

// Schedule links a lecture and a group, moves the schedule and deletes it
// again; both nodes must survive the edge.
func (b Builder) Schedule() Scenario {
	h := b.hierarchy(30, "schedule")
	group, course, lecture, schedule := b.Base+35, b.Base+36, b.Base+37, b.Base+38

	steps := append([]Step{}, h.setup...)
	steps = append(steps,
		with(b.insert(models.Groups, map[string]interface{}{"id": group, "name": "G-sched", "id_department": h.department},
			"id", "name", "id_department"),
			expect(router.SinkNeo4j, models.Groups, group, nil)),
		with(b.insert(models.Course, map[string]interface{}{"id": course, "name": "Databases", "id_department": h.department},
			"id", "name", "id_department"),
			expect(router.SinkElasticsearch, models.Course, course, map[string]interface{}{"name": "Databases"})),
		with(b.insert(models.Lecture, map[string]interface{}{"id": lecture, "name": "Replication", "id_course": course},
			"id", "name", "id_course"),
			expect(router.SinkNeo4j, models.Lecture, lecture, map[string]interface{}{
				"name": "Replication", "ORIGINATES_FROM": h.department,
			})),
		with(b.insert(models.Schedule, map[string]interface{}{
			"id": schedule, "id_lecture": lecture, "id_group": group, "location": "A-101",
		}, "id", "id_lecture", "id_group", "location"),
			expect(router.SinkNeo4j, models.Schedule, schedule, map[string]interface{}{
				"location": "A-101", "id_group": group, "id_lecture": lecture,
			})),
		with(b.update(models.Schedule, "id", schedule, "location", "B-202"),
			expect(router.SinkNeo4j, models.Schedule, schedule, map[string]interface{}{"location": "B-202"})),
		with(b.delete(models.Schedule, "id", schedule),
			absent(router.SinkNeo4j, models.Schedule, schedule),
			expect(router.SinkNeo4j, models.Lecture, lecture, nil),
			expect(router.SinkNeo4j, models.Groups, group, nil)),
	)
	cleanup := append([]Step{
		b.delete(models.Schedule, "id", schedule),
		b.delete(models.Lecture, "id", lecture),
		b.delete(models.Course, "id", course),
		b.delete(models.Groups, "id", group),
	}, h.cleanup...)
	return Scenario{Name: "schedule", Steps: steps, Cleanup: cleanup}
}

// All returns every scenario.
func (b Builder) All() []Scenario {
	return []Scenario{b.University(), b.Department(), b.StudentGroup(), b.Schedule()}
}
