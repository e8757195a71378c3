package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/entityevents/internal/engine"
	"github.com/roach88/entityevents/internal/event"
	"github.com/roach88/entityevents/internal/value"
)

func TestPublishCommand_SyncCreate(t *testing.T) {
	opts := newTestOptions(t)
	seedIdentity(t, opts, "i-1", "alice")

	out, err := publishContract(t, asJSON(opts), "evt-1", "CREATE", engineerContract, "")
	require.NoError(t, err)

	resp := decodeResponse[PublishResult](t, out)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "evt-1", resp.Data.EventID)
	assert.Equal(t, "sync", resp.Data.Mode)
	assert.Equal(t, "COMPLETED", resp.Data.State)
	assert.Empty(t, resp.Data.Kind)

	states := make(map[string]engine.State)
	for _, s := range resp.Data.Steps {
		states[s.Handler] = s.State
	}
	assert.Equal(t, engine.StateCompleted, states["contract-validate"])
	assert.Equal(t, engine.StateCompleted, states["contract-save"])
	assert.Equal(t, engine.StateSkipped, states["contract-guarantee-create"], "no guarantors")
	assert.Equal(t, engine.StateCompleted, states["contract-notify"])
}

func TestPublishCommand_TextOutput(t *testing.T) {
	opts := newTestOptions(t)
	opts.Set = []string{"module.notifications=false"}
	seedIdentity(t, opts, "i-1", "alice")

	out, err := publishContract(t, opts, "evt-1", "CREATE", engineerContract, "")
	require.NoError(t, err)
	assert.Contains(t, out, "CREATE identity-contract evt-1: COMPLETED")
	assert.Contains(t, out, "contract-notify")
	assert.Contains(t, out, "SKIPPED (module notifications is disabled)")
}

func TestPublishCommand_ValidationFailure(t *testing.T) {
	opts := asJSON(newTestOptions(t))

	out, err := publishContract(t, opts, "evt-1", "CREATE", engineerContract, "")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Equal(t, ErrCodeDispatch, GetErrCode(err))

	resp := decodeResponse[PublishResult](t, out)
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, "FAILED", resp.Data.State)
	assert.Equal(t, "validation", resp.Data.Kind)
	assert.Contains(t, resp.Data.Error, "identity i-1 does not exist")
}

func TestPublishCommand_ForceDeleteDefers(t *testing.T) {
	opts := newTestOptions(t)
	seedIdentity(t, opts, "i-1", "alice")
	_, err := publishContract(t, opts, "evt-1", "CREATE", engineerContract, "")
	require.NoError(t, err)

	out, err := execute(t, NewPublishCommand(asJSON(opts)),
		"DELETE", "identity-contract",
		"--id", "evt-2",
		"--original", engineerContract,
		"--prop", "force=true",
	)
	require.NoError(t, err)

	resp := decodeResponse[PublishResult](t, out)
	assert.Equal(t, "DEFERRED", resp.Data.State)
	require.Len(t, resp.Data.Deferred, 1)

	out, err = execute(t, newPendingListCommand(opts), "--code", "FORCE_DELETE")
	require.NoError(t, err)
	list := decodeResponse[[]PendingRecord](t, out)
	require.Len(t, list.Data, 1)
	assert.Equal(t, resp.Data.Deferred[0], list.Data[0].ID)
	assert.Equal(t, "c-1", list.Data[0].OwnerID)
}

func TestPublishCommand_Async(t *testing.T) {
	opts := newTestOptions(t)
	seedIdentity(t, opts, "i-1", "alice")

	out, err := execute(t, NewPublishCommand(opts),
		"CREATE", "identity-contract",
		"--id", "evt-9",
		"--current", engineerContract,
		"--async",
		"--priority", "high",
		"--super-owner", "i-1",
	)
	require.NoError(t, err)
	assert.Equal(t, "queued CREATE identity-contract (evt-9)\n", out)

	out, err = execute(t, NewTraceCommand(asJSON(opts)), "evt-9")
	require.NoError(t, err)
	trace := decodeResponse[TraceResult](t, out)
	require.Len(t, trace.Data.Events, 1)
	queued := trace.Data.Events[0]
	assert.Equal(t, "ASYNC", queued.Mode)
	assert.Equal(t, "CREATED", queued.Status)
	assert.Equal(t, "HIGH", queued.Priority)
	assert.Equal(t, "i-1", queued.SuperOwnerID)
	assert.False(t, trace.Data.Stats.IsComplete)
}

func TestPublishCommand_InvalidArguments(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{
			name:    "lower-case event type",
			args:    []string{"create", "identity-contract", "--current", engineerContract},
			wantErr: `invalid event type "create"`,
		},
		{
			name:    "no payload",
			args:    []string{"CREATE", "identity-contract"},
			wantErr: "one of --current or --original is required",
		},
		{
			name:    "unknown entity type",
			args:    []string{"CREATE", "invoice", "--current", `{"id":"x"}`},
			wantErr: "no codec registered",
		},
		{
			name:    "unhandled custom event type",
			args:    []string{"ARCHIVE", "identity-contract", "--current", engineerContract},
			wantErr: "not a lifecycle type",
		},
		{
			name:    "malformed json",
			args:    []string{"CREATE", "identity-contract", "--current", `{"id":`},
			wantErr: "--current",
		},
		{
			name:    "bad priority",
			args:    []string{"CREATE", "identity-contract", "--current", engineerContract, "--priority", "urgent"},
			wantErr: "urgent",
		},
		{
			name:    "bad prop",
			args:    []string{"CREATE", "identity-contract", "--current", engineerContract, "--prop", "force"},
			wantErr: "expected key=value",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := newTestOptions(t)
			_, err := execute(t, NewPublishCommand(opts), tt.args...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			assert.Equal(t, ErrCodeInvalidArg, GetErrCode(err))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseProps(t *testing.T) {
	props, err := parseProps([]string{
		"force=true",
		"reason=cleanup",
		"batch=3",
		" note = hello world",
		"tags=[\"a\",\"b\"]",
	})
	require.NoError(t, err)

	assert.True(t, props.Bool(event.Force))
	assert.Equal(t, "cleanup", props.String("reason"))
	assert.Equal(t, value.Int(3), props.Get("batch"))
	assert.Equal(t, value.String(" hello world"), props.Get("note"))
	assert.Equal(t, value.Array{value.String("a"), value.String("b")}, props.Get("tags"))
}

func TestPublishCommand_HandledCustomEventType(t *testing.T) {
	opts := newTestOptions(t)
	seedIdentity(t, opts, "i-1", "alice")

	out, err := execute(t, NewPublishCommand(opts),
		"RECALCULATE", "identity", "--current", `{"id":"i-1","username":"alice"}`)
	require.NoError(t, err, out)
	assert.Contains(t, out, "RECALCULATE identity")
}

func TestPublishCommand_MetricsExportedOnExit(t *testing.T) {
	opts := newTestOptions(t)
	seedIdentity(t, opts, "i-1", "alice")

	var exported bytes.Buffer
	opts.LogOutput = &exported
	opts.Metrics = true
	_, err := execute(t, NewPublishCommand(opts), "CREATE", "identity-contract", "--current", engineerContract)
	require.NoError(t, err)

	assert.Contains(t, exported.String(), "entityevents.handler.invocations")
	assert.Contains(t, exported.String(), "entityevents.chain.duration")
}
