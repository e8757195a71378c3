package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const harnessScenarios = "../harness/testdata/scenarios"

func TestTestCommand_MissingArgs(t *testing.T) {
	_, err := execute(t, NewTestCommand(newTestOptions(t)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}

func TestTestCommand_NonExistentDir(t *testing.T) {
	_, err := execute(t, NewTestCommand(newTestOptions(t)), "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Equal(t, ErrCodeNotFound, GetErrCode(err))
	assert.Contains(t, err.Error(), "scenarios directory not found")
}

func TestTestCommand_EmptyDir(t *testing.T) {
	out, err := execute(t, NewTestCommand(newTestOptions(t)), t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found")
}

func TestTestCommand_EmptyDirJSON(t *testing.T) {
	out, err := execute(t, NewTestCommand(asJSON(newTestOptions(t))), t.TempDir())
	require.NoError(t, err)

	resp := decodeResponse[TestResult](t, out)
	assert.Equal(t, "ok", resp.Status)
	assert.Zero(t, resp.Data.Total)
	assert.Empty(t, resp.Data.Scenarios)
}

func TestTestCommand_InvalidScenario(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("name: [unterminated"), 0o644))

	_, err := execute(t, NewTestCommand(newTestOptions(t)), dir)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "broken.yaml")
}

func TestTestCommand_UpdateThenMatch(t *testing.T) {
	goldenDir := filepath.Join(t.TempDir(), "golden")

	out, err := execute(t, NewTestCommand(newTestOptions(t)), harnessScenarios, "--golden-dir", goldenDir, "--update")
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ contract_lifecycle (golden updated)")
	assert.Contains(t, out, "✓ delete_waits_for_dirty_state (golden updated)")
	assert.FileExists(t, filepath.Join(goldenDir, "contract_lifecycle.golden"))

	out, err = execute(t, NewTestCommand(asJSON(newTestOptions(t))), harnessScenarios, "--golden-dir", goldenDir)
	require.NoError(t, err, out)

	resp := decodeResponse[TestResult](t, out)
	assert.Equal(t, 2, resp.Data.Total)
	assert.Equal(t, 2, resp.Data.Passed)
	for _, sr := range resp.Data.Scenarios {
		assert.True(t, sr.Pass, sr.Name)
		assert.Equal(t, "match", sr.Golden, sr.Name)
	}
}

func TestTestCommand_NoGoldenFile(t *testing.T) {
	out, err := execute(t, NewTestCommand(newTestOptions(t)), harnessScenarios,
		"--golden-dir", t.TempDir(), "--filter", "contract_*")
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ contract_lifecycle\n")
	assert.NotContains(t, out, "delete_waits_for_dirty_state")
	assert.Contains(t, out, "Test Summary: 1 passed, 0 failed, 1 total")
}

func TestTestCommand_GoldenMismatch(t *testing.T) {
	goldenDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(goldenDir, "contract_lifecycle.golden"), []byte("{}"), 0o644))

	out, err := execute(t, NewTestCommand(asJSON(newTestOptions(t))), harnessScenarios,
		"--golden-dir", goldenDir, "--filter", "contract_lifecycle")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	resp := decodeResponse[TestResult](t, out)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeScenario, resp.Error.Code)
	require.Len(t, resp.Data.Scenarios, 1)
	assert.False(t, resp.Data.Scenarios[0].Pass)
	assert.Contains(t, resp.Data.Scenarios[0].Errors[0], "does not match golden file")
}

func TestTestCommand_InvalidFilter(t *testing.T) {
	_, err := execute(t, NewTestCommand(newTestOptions(t)), harnessScenarios, "--filter", "[")
	require.Error(t, err)
	assert.Equal(t, ErrCodeInvalidArg, GetErrCode(err))
}
