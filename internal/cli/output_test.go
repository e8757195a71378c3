package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputFormatter_EmitJSON(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "json", Writer: buf}

	called := false
	err := f.Emit("ok", map[string]int{"handlers": 12}, func(io.Writer) { called = true })
	require.NoError(t, err)
	assert.False(t, called, "text renderer must not run in JSON mode")

	var resp struct {
		Status string         `json:"status"`
		Data   map[string]int `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 12, resp.Data["handlers"])
}

func TestOutputFormatter_EmitText(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "text", Writer: buf}

	err := f.Emit("error", []string{"ignored"}, func(w io.Writer) {
		fmt.Fprintln(w, "2 handlers checked")
	})
	require.NoError(t, err)
	assert.Equal(t, "2 handlers checked\n", buf.String())
}

func TestOutputFormatter_Success(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		buf := &bytes.Buffer{}
		f := &OutputFormatter{Format: "json", Writer: buf}
		require.NoError(t, f.Success("queued"))

		var resp CLIResponse
		require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
		assert.Equal(t, "ok", resp.Status)
		assert.Equal(t, "queued", resp.Data)
		assert.Nil(t, resp.Error)
	})

	t.Run("text", func(t *testing.T) {
		buf := &bytes.Buffer{}
		f := &OutputFormatter{Format: "text", Writer: buf}
		require.NoError(t, f.Success("queued"))
		assert.Equal(t, "queued\n", buf.String())
	})
}

func TestOutputFormatter_Error(t *testing.T) {
	t.Run("json with details", func(t *testing.T) {
		buf := &bytes.Buffer{}
		f := &OutputFormatter{Format: "json", Writer: buf}
		require.NoError(t, f.Error(ErrCodeNotFound, "event evt-9 not found", map[string]string{"event_id": "evt-9"}))

		var resp CLIResponse
		require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
		assert.Equal(t, "error", resp.Status)
		require.NotNil(t, resp.Error)
		assert.Equal(t, "E004", resp.Error.Code)
		assert.Equal(t, "event evt-9 not found", resp.Error.Message)
		assert.NotNil(t, resp.Error.Details)
	})

	t.Run("text hides details unless verbose", func(t *testing.T) {
		buf := &bytes.Buffer{}
		f := &OutputFormatter{Format: "text", Writer: buf}
		require.NoError(t, f.Error(ErrCodeDatabase, "failed to open database", "disk full"))
		assert.Equal(t, "Error [E003]: failed to open database\n", buf.String())
	})

	t.Run("text verbose", func(t *testing.T) {
		buf := &bytes.Buffer{}
		f := &OutputFormatter{Format: "text", Writer: buf, Verbose: true}
		require.NoError(t, f.Error(ErrCodeDatabase, "failed to open database", "disk full"))
		assert.Contains(t, buf.String(), "Details: disk full")
	})
}

func TestOutputFormatter_VerboseLog(t *testing.T) {
	tests := []struct {
		name    string
		verbose bool
		errW    bool
		wantOut string
		wantErr string
	}{
		{name: "disabled", verbose: false},
		{name: "falls back to writer", verbose: true, wantOut: "resuming DIRTY_STATE\n"},
		{name: "uses err writer", verbose: true, errW: true, wantErr: "resuming DIRTY_STATE\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
			f := &OutputFormatter{Format: "json", Writer: out, Verbose: tt.verbose}
			if tt.errW {
				f.ErrWriter = errOut
			}

			f.VerboseLog("resuming %s", "DIRTY_STATE")
			assert.Equal(t, tt.wantOut, out.String())
			assert.Equal(t, tt.wantErr, errOut.String())
		})
	}
}

func TestExitError(t *testing.T) {
	cause := errors.New("no such table")
	err := WrapExitError(ExitCommandError, "failed to read chain", cause).WithErrCode(ErrCodeDatabase)

	assert.Equal(t, "failed to read chain: no such table", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Equal(t, ErrCodeDatabase, GetErrCode(err))

	plain := NewExitError(ExitFailure, "check failed")
	assert.Equal(t, "check failed", plain.Error())
	assert.Equal(t, ErrCodeGeneric, GetErrCode(plain))
	assert.False(t, plain.Reported)
	assert.True(t, plain.reported().Reported)
}

func TestGetExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"plain error", errors.New("boom"), ExitFailure},
		{"exit error", NewExitError(ExitCommandError, "bad flag"), ExitCommandError},
		{"wrapped exit error", fmt.Errorf("run: %w", NewExitError(ExitCommandError, "bad flag")), ExitCommandError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetExitCode(tt.err))
		})
	}
}
