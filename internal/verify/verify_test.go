package verify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdc-fanout/internal/config"
	"cdc-fanout/internal/models"
	"cdc-fanout/internal/sink"
)

// fakeProjector returns the projection set last, after failing the first
// failures lookups.
type fakeProjector struct {
	mu       sync.Mutex
	proj     sink.Projection
	failures int
	lookups  int
}

func (f *fakeProjector) Name() string { return "redis" }

func (f *fakeProjector) Lookup(context.Context, models.Table, string) (sink.Projection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if f.lookups <= f.failures {
		return sink.Projection{}, errors.New("connection refused")
	}
	return f.proj, nil
}

func (f *fakeProjector) set(p sink.Projection) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.proj = p
}

func testVerifier(p Projector) *Verifier {
	return New([]Projector{p}, config.VerifierConfig{
		Timeout:         200 * time.Millisecond,
		InitialInterval: time.Millisecond,
		MaxInterval:     10 * time.Millisecond,
	}, logrus.New())
}

func studentExpectation() Expectation {
	return Expectation{
		Sink:   "redis",
		Table:  models.Student,
		Key:    "S-1",
		Fields: map[string]interface{}{"fullname": "Ann", "group_id": 4},
	}
}

func TestVerifyMatchesSubsetAfterConvergence(t *testing.T) {
	p := &fakeProjector{failures: 2}
	v := testVerifier(p)

	go func() {
		time.Sleep(20 * time.Millisecond)
		p.set(sink.Projection{
			Found:   true,
			Fields:  map[string]interface{}{"fullname": "Ann", "group_id": int64(4), "email": "ann@example.com"},
			Version: sink.Version{Sequence: 3},
		})
	}()

	report, err := v.Verify(context.Background(), studentExpectation())
	require.NoError(t, err)
	assert.Equal(t, Match, report.Outcome, report.String())
	assert.Greater(t, report.Attempts, 2)
	assert.Equal(t, uint64(3), report.Version.Sequence)
}

func TestVerifyReportsMismatchOnceVersionReached(t *testing.T) {
	p := &fakeProjector{proj: sink.Projection{
		Found:   true,
		Fields:  map[string]interface{}{"fullname": "Bob", "group_id": int64(4)},
		Version: sink.Version{Sequence: 5},
	}}
	v := testVerifier(p)

	exp := studentExpectation()
	exp.Sequence = 5
	report, err := v.Verify(context.Background(), exp)
	require.NoError(t, err)
	assert.Equal(t, Mismatch, report.Outcome)
	assert.Equal(t, 1, report.Attempts)
	assert.Contains(t, report.Diff, "Bob")
}

func TestVerifyTimesOutWhileBehind(t *testing.T) {
	p := &fakeProjector{proj: sink.Projection{
		Found:   true,
		Fields:  map[string]interface{}{"fullname": "Bob"},
		Version: sink.Version{Sequence: 4},
	}}
	v := testVerifier(p)

	exp := studentExpectation()
	exp.Sequence = 5
	exp.Timeout = 50 * time.Millisecond
	report, err := v.Verify(context.Background(), exp)
	require.NoError(t, err)
	assert.Equal(t, Timeout, report.Outcome)
	assert.NotEmpty(t, report.Diff)
	assert.GreaterOrEqual(t, report.Elapsed, 50*time.Millisecond)
}

func TestVerifyAbsence(t *testing.T) {
	p := &fakeProjector{proj: sink.Projection{Version: sink.Version{Sequence: 7, Deleted: true}}}
	v := testVerifier(p)

	report, err := v.Verify(context.Background(), Expectation{Sink: "redis", Table: models.Student, Key: "S-1", Absent: true})
	require.NoError(t, err)
	assert.Equal(t, Match, report.Outcome)

	p.set(sink.Projection{Found: true, Fields: map[string]interface{}{"fullname": "Ann"}, Version: sink.Version{Sequence: 7}})
	report, err = v.Verify(context.Background(), Expectation{Sink: "redis", Table: models.Student, Key: "S-1", Absent: true, Sequence: 7})
	require.NoError(t, err)
	assert.Equal(t, Mismatch, report.Outcome)
}

func TestVerifyAllAndUnknownSink(t *testing.T) {
	p := &fakeProjector{proj: sink.Projection{Found: true, Fields: map[string]interface{}{"fullname": "Ann", "group_id": int64(4)}}}
	v := testVerifier(p)

	unknown := studentExpectation()
	unknown.Sink = "cassandra"
	reports, err := v.VerifyAll(context.Background(), []Expectation{studentExpectation(), unknown})
	assert.ErrorIs(t, err, ErrUnknownSink)
	require.Len(t, reports, 2)
	assert.Equal(t, Match, reports[0].Outcome)
	assert.Equal(t, []string{"redis"}, v.Sinks())
}
