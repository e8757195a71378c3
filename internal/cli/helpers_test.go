package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

// newTestOptions returns root options pointing at a fresh database file.
func newTestOptions(t *testing.T) *RootOptions {
	t.Helper()
	return &RootOptions{
		Format:    "text",
		DB:        filepath.Join(t.TempDir(), "test.db"),
		LogOutput: io.Discard,
	}
}

// execute runs cmd with args and returns everything it wrote.
func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	err := cmd.Execute()
	return buf.String(), err
}

// response mirrors CLIResponse with a typed payload.
type response[T any] struct {
	Status string    `json:"status"`
	Data   T         `json:"data"`
	Error  *CLIError `json:"error"`
}

func decodeResponse[T any](t *testing.T, out string) response[T] {
	t.Helper()
	var resp response[T]
	require.NoError(t, json.Unmarshal([]byte(out), &resp), "output: %s", out)
	return resp
}

// asJSON switches opts to JSON output for the rest of the test.
func asJSON(opts *RootOptions) *RootOptions {
	opts.Format = "json"
	return opts
}

// seedIdentity stores an identity the contract handlers can refer to.
func seedIdentity(t *testing.T, opts *RootOptions, id, username string) {
	t.Helper()
	_, err := execute(t, NewSeedCommand(opts), "identity", `{"id":"`+id+`","username":"`+username+`"}`)
	require.NoError(t, err)
}

// publishContract publishes a contract event synchronously with a fixed id.
func publishContract(t *testing.T, opts *RootOptions, eventID, eventType, current, original string) (string, error) {
	t.Helper()
	args := []string{eventType, "identity-contract", "--id", eventID}
	if current != "" {
		args = append(args, "--current", current)
	}
	if original != "" {
		args = append(args, "--original", original)
	}
	return execute(t, NewPublishCommand(opts), args...)
}

const (
	engineerContract = `{"id":"c-1","identity_id":"i-1","work_position":"engineer"}`
	managerContract  = `{"id":"c-1","identity_id":"i-1","work_position":"manager"}`
)
