package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusCommand(t *testing.T) {
	opts := newTestOptions(t)
	dirtyIdentity(t, opts)
	_, err := execute(t, NewPublishCommand(opts),
		"DELETE", "identity-contract", "--original", managerContract, "--async", "--super-owner", "i-1")
	require.NoError(t, err)

	jsonOpts := *opts
	jsonOpts.Format = "json"
	jsonOpts.Set = []string{"module.notifications=false"}
	out, err := execute(t, NewStatusCommand(&jsonOpts))
	require.NoError(t, err)

	resp := decodeResponse[StatusResult](t, out)
	status := resp.Data
	assert.Equal(t, opts.DB, status.DB)
	assert.Equal(t, 2, status.Events["EXECUTED"])
	assert.Equal(t, 1, status.Events["CREATED"])
	assert.Equal(t, map[string]int{"DIRTY_STATE": 1}, status.Pending)
	assert.Zero(t, status.Stuck)
	assert.Equal(t, []string{"notifications"}, status.DisabledModules)
}

func TestStatusCommand_EmptyText(t *testing.T) {
	opts := newTestOptions(t)

	out, err := execute(t, NewStatusCommand(opts))
	require.NoError(t, err)
	assert.Contains(t, out, "Database: "+opts.DB)
	assert.Contains(t, out, "EXECUTED")
	assert.Contains(t, out, "DIRTY_STATE")
	assert.Contains(t, out, "FORCE_DELETE")
	assert.NotContains(t, out, "Disabled modules")
}
