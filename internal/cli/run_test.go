package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/entityevents/internal/engine"
)

func runOnceJSON(t *testing.T, opts *RootOptions) OnceResult {
	t.Helper()
	out, err := execute(t, NewRunCommand(asJSON(opts)), "--once")
	require.NoError(t, err)
	return decodeResponse[OnceResult](t, out).Data
}

func traceStatus(t *testing.T, opts *RootOptions, eventID string) string {
	t.Helper()
	out, err := execute(t, NewTraceCommand(asJSON(opts)), eventID)
	require.NoError(t, err)
	trace := decodeResponse[TraceResult](t, out).Data
	for _, node := range trace.Events {
		if node.ID == eventID {
			return node.Status
		}
	}
	t.Fatalf("event %s missing from its chain", eventID)
	return ""
}

func TestRunOnce_Empty(t *testing.T) {
	opts := newTestOptions(t)

	out, err := execute(t, NewRunCommand(opts), "--once")
	require.NoError(t, err)
	assert.Contains(t, out, "dispatched 0 queued events")
	assert.Contains(t, out, "DIRTY_STATE")
	assert.Contains(t, out, "FORCE_DELETE")
}

func TestRunOnce_DispatchesQueuedEvent(t *testing.T) {
	opts := newTestOptions(t)
	seedIdentity(t, opts, "i-1", "alice")
	_, err := execute(t, NewPublishCommand(opts),
		"CREATE", "identity-contract", "--id", "evt-9", "--current", engineerContract, "--async")
	require.NoError(t, err)
	require.Equal(t, "CREATED", traceStatus(t, opts, "evt-9"))

	result := runOnceJSON(t, opts)
	assert.Equal(t, 1, result.Dispatched)
	require.Len(t, result.Resumed, 2)
	assert.Equal(t, "DIRTY_STATE", result.Resumed[0].ResultCode)
	assert.Equal(t, "FORCE_DELETE", result.Resumed[1].ResultCode)

	assert.Equal(t, "EXECUTED", traceStatus(t, opts, "evt-9"))

	// Nothing is left to do.
	assert.Zero(t, runOnceJSON(t, opts).Dispatched)
}

func TestRunOnce_ResumesBeforeReleasingSuperOwner(t *testing.T) {
	opts := newTestOptions(t)
	dirtyIdentity(t, opts)
	_, err := execute(t, NewPublishCommand(opts),
		"DELETE", "identity-contract", "--id", "evt-3", "--original", managerContract,
		"--async", "--super-owner", "i-1")
	require.NoError(t, err)

	result := runOnceJSON(t, opts)
	assert.Equal(t, 1, result.Dispatched, "delete runs once DIRTY_STATE is resumed")

	var dirty engine.PassReport
	for _, report := range result.Resumed {
		if report.ResultCode == "DIRTY_STATE" {
			dirty = report
		}
	}
	assert.Equal(t, 1, dirty.Resumed)
	assert.Zero(t, dirty.Failed)

	assert.Equal(t, "EXECUTED", traceStatus(t, opts, "evt-3"))
	assert.Empty(t, listPending(t, opts, "--state", "BLOCKED"))
}

func TestRunCommand_RejectsArguments(t *testing.T) {
	opts := newTestOptions(t)

	_, err := execute(t, NewRunCommand(opts), "extra")
	require.Error(t, err)
}
