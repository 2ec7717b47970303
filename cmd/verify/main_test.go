package main

import (
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"

	"cdc-fanout/internal/scenario"
)

func TestExitStatus(t *testing.T) {
	logger, _ := test.NewNullLogger()

	cases := map[string]struct {
		tally scenario.Tally
		want  int
	}{
		"all passed":          {scenario.Tally{Passed: 4}, 0},
		"failure":             {scenario.Tally{Passed: 3, Failed: 1}, 1},
		"timeout only":        {scenario.Tally{Passed: 3, Inconclusive: 1}, 3},
		"failure and timeout": {scenario.Tally{Failed: 1, Inconclusive: 2}, 1},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, c.want, exitStatus(c.tally, logger))
		})
	}
}
