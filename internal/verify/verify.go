// Package verify polls the sinks until a source change is visible in them.
package verify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-cmp/cmp"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"cdc-fanout/internal/config"
	"cdc-fanout/internal/models"
	"cdc-fanout/internal/sink"
)

var ErrUnknownSink = errors.New("unknown sink")

// Outcome is the verdict on one expectation.
type Outcome string

const (
	Match    Outcome = "match"
	Mismatch Outcome = "mismatch"
	// Timeout is inconclusive: the sink may still converge.
	Timeout Outcome = "timeout"
)

// Projector reads back what a sink holds for a source key.
type Projector interface {
	Name() string
	Lookup(ctx context.Context, table models.Table, key string) (sink.Projection, error)
}

// Expectation describes the state one sink should reach.
type Expectation struct {
	Sink  string
	Table models.Table
	Key   string
	// Fields must all be present with equal values; other stored fields
	// are ignored.
	Fields map[string]interface{}
	// Absent expects the key to be gone from the sink.
	Absent bool
	// Sequence, when set, is the version at which the sink's answer is
	// final. A differing projection at or past it is a mismatch.
	Sequence uint64
	Timeout  time.Duration
}

func (e Expectation) String() string {
	return fmt.Sprintf("%s %s:%s", e.Sink, e.Table, e.Key)
}

// Report is the verdict on one expectation with what the sink last held.
type Report struct {
	Expectation Expectation
	Outcome     Outcome
	Diff        string
	Actual      map[string]interface{}
	Version     sink.Version
	Attempts    int
	Elapsed     time.Duration
	LastError   string
}

func (r Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s after %d attempts (%v)", r.Expectation, r.Outcome, r.Attempts, r.Elapsed.Round(time.Millisecond))
	if r.Diff != "" {
		fmt.Fprintf(&b, "\n%s", r.Diff)
	}
	if r.LastError != "" {
		fmt.Fprintf(&b, "\nlast error: %s", r.LastError)
	}
	return b.String()
}

// Verifier checks expectations against the sinks it can project.
type Verifier struct {
	sinks  map[string]Projector
	cfg    config.VerifierConfig
	logger *logrus.Logger
}

// New indexes the projectors by sink name. cfg supplies the default
// timeout and polling intervals.
func New(projectors []Projector, cfg config.VerifierConfig, logger *logrus.Logger) *Verifier {
	sinks := make(map[string]Projector, len(projectors))
	for _, p := range projectors {
		sinks[p.Name()] = p
	}
	return &Verifier{sinks: sinks, cfg: cfg, logger: logger}
}

// Sinks lists the sinks the verifier can read.
func (v *Verifier) Sinks() []string {
	names := make([]string, 0, len(v.sinks))
	for name := range v.sinks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Verify polls the sink with exponential backoff until the expectation
// holds, a conclusive mismatch is seen, or the timeout passes.
func (v *Verifier) Verify(ctx context.Context, exp Expectation) (Report, error) {
	p, ok := v.sinks[exp.Sink]
	if !ok {
		return Report{}, fmt.Errorf("%w: %s", ErrUnknownSink, exp.Sink)
	}

	timeout := exp.Timeout
	if timeout <= 0 {
		timeout = v.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = v.cfg.InitialInterval
	b.MaxInterval = v.cfg.MaxInterval
	b.MaxElapsedTime = 0
	b.Reset()

	want := models.NormalizeRow(exp.Fields)
	report := Report{Expectation: exp}
	start := time.Now()
	log := v.logger.WithField("expectation", exp.String())

	for {
		report.Attempts++
		proj, err := p.Lookup(ctx, exp.Table, exp.Key)
		report.Elapsed = time.Since(start)

		if err != nil {
			report.LastError = err.Error()
			log.Debugf("Lookup failed: %v", err)
		} else {
			report.LastError = ""
			report.Actual = proj.Fields
			report.Version = proj.Version
			report.Diff = compare(exp, want, proj)
			if report.Diff == "" {
				report.Outcome = Match
				return report, nil
			}
			if exp.Sequence > 0 && proj.Version.Sequence >= exp.Sequence {
				report.Outcome = Mismatch
				log.Warnf("Mismatch at version %d:\n%s", proj.Version.Sequence, report.Diff)
				return report, nil
			}
		}

		wait := b.NextBackOff()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			report.Elapsed = time.Since(start)
			report.Outcome = Timeout
			return report, nil
		case <-timer.C:
		}
	}
}

// VerifyAll runs every expectation concurrently and returns the reports
// in input order.
func (v *Verifier) VerifyAll(ctx context.Context, exps []Expectation) ([]Report, error) {
	reports := make([]Report, len(exps))
	errs := make([]error, len(exps))
	var wg sync.WaitGroup
	for i, exp := range exps {
		wg.Add(1)
		go func(i int, exp Expectation) {
			defer wg.Done()
			reports[i], errs[i] = v.Verify(ctx, exp)
		}(i, exp)
	}
	wg.Wait()

	var result *multierror.Error
	for _, err := range errs {
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	return reports, result.ErrorOrNil()
}

// compare returns an empty string when the projection satisfies the
// expectation, a readable diff otherwise.
func compare(exp Expectation, want map[string]interface{}, proj sink.Projection) string {
	if exp.Absent {
		if !proj.Found {
			return ""
		}
		return fmt.Sprintf("expected no entry, found %v", proj.Fields)
	}
	if !proj.Found {
		return "entry not found"
	}
	if len(want) == 0 {
		return ""
	}

	got := make(map[string]interface{}, len(want))
	for k := range want {
		if val, ok := proj.Fields[k]; ok {
			got[k] = models.Normalize(val)
		}
	}
	return cmp.Diff(want, got)
}
