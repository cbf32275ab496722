package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryanwith/melchi/pkg/engine"
)

func TestReportOutcome(t *testing.T) {
	clean := &engine.Report{Results: []engine.TableResult{
		{Outcome: engine.OutcomeSuccess},
		{Outcome: engine.OutcomeSkipped},
	}}
	require.NoError(t, reportOutcome(clean))

	partial := &engine.Report{Results: []engine.TableResult{
		{Outcome: engine.OutcomeSuccess},
		{Outcome: engine.OutcomeFailed},
	}}
	err := reportOutcome(partial)
	require.Error(t, err)
	// The sentinel lets main exit with the partial-failure code after the
	// deferred logger sync and engine close have run.
	assert.True(t, errors.Is(err, errTablesFailed))
}
