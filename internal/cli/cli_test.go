package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/michaelayoade/dotmac-ftth-ops-sub001/pkg/models"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const echoWorkflow = `
id: port_check
steps:
  - name: discover
    type: service_call
    service: echo
    method: echo
    params:
      port: ${port}
  - name: done
    type: transform
    mapping:
      port: ${steps.discover.port}
`

const failingWorkflow = `
id: always_fails
steps:
  - name: boom
    type: service_call
    service: echo
    method: fail
    params:
      message: olt unreachable
`

func newRootCmd(t *testing.T) (*cobra.Command, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	for _, key := range []string{"DATABASE_URL", "DB_USERNAME", "DB_HOST", "DB_NAME", "LOG_LEVEL", "LOG_FORMAT"} {
		t.Setenv(key, "")
	}
	t.Setenv("LOG_LEVEL", "ERROR")
	root := &cobra.Command{Use: "flowengine", SilenceUsage: true, SilenceErrors: true}
	SetupCLI(root)
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	return root, &stdout, &stderr
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestValidateCommand(t *testing.T) {
	good := writeFile(t, "good.yaml", echoWorkflow)
	bad := writeFile(t, "bad.yaml", "id: x\nsteps:\n  - name: a\n    type: teleport\n")

	t.Run("Valid", func(t *testing.T) {
		root, stdout, _ := newRootCmd(t)
		root.SetArgs([]string{"validate", good})
		require.NoError(t, root.Execute())
		assert.Contains(t, stdout.String(), "ok (port_check v1)")
	})

	t.Run("Invalid", func(t *testing.T) {
		root, _, stderr := newRootCmd(t)
		root.SetArgs([]string{"validate", good, bad})
		err := root.Execute()
		assert.EqualError(t, err, "1 of 2 definition(s) invalid")
		assert.Contains(t, stderr.String(), "unknown type 'teleport'")
	})
}

func TestRunCommand(t *testing.T) {
	t.Run("Completes", func(t *testing.T) {
		root, stdout, _ := newRootCmd(t)
		path := writeFile(t, "echo.yaml", echoWorkflow)
		root.SetArgs([]string{"run", path, "--input-json", `{"port":"1/2/3"}`, "--tenant", "tenant-b"})
		require.NoError(t, root.Execute())

		var exec models.Execution
		require.NoError(t, json.Unmarshal(stdout.Bytes(), &exec))
		assert.Equal(t, models.CompletedExecutionStatus, exec.Status)
		assert.Equal(t, "tenant-b", exec.TenantID)
		assert.Equal(t, "cli", exec.TriggerType)
		require.Len(t, exec.Steps, 2)
		assert.Equal(t, map[string]any{"port": "1/2/3"}, exec.Steps[1].OutputData)
	})

	t.Run("InputFile", func(t *testing.T) {
		root, stdout, _ := newRootCmd(t)
		path := writeFile(t, "echo.yaml", echoWorkflow)
		input := writeFile(t, "input.yaml", "port: 9/9/9\n")
		root.SetArgs([]string{"run", path, "--input", input})
		require.NoError(t, root.Execute())
		assert.Contains(t, stdout.String(), "9/9/9")
	})

	t.Run("FailedExecutionIsAnError", func(t *testing.T) {
		root, stdout, _ := newRootCmd(t)
		path := writeFile(t, "fail.yaml", failingWorkflow)
		root.SetArgs([]string{"run", path})
		err := root.Execute()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "olt unreachable")

		var exec models.Execution
		require.NoError(t, json.Unmarshal(stdout.Bytes(), &exec))
		assert.Equal(t, models.FailedExecutionStatus, exec.Status)
		assert.EqualError(t, err, "execution "+exec.ID+" failed: "+exec.Error)
		require.Len(t, exec.Steps, 1)
		assert.Equal(t, models.FailedStepStatus, exec.Steps[0].Status)
	})

	t.Run("ConflictingInputs", func(t *testing.T) {
		root, _, _ := newRootCmd(t)
		path := writeFile(t, "echo.yaml", echoWorkflow)
		root.SetArgs([]string{"run", path, "--input", "a.json", "--input-json", "{}"})
		assert.ErrorContains(t, root.Execute(), "not both")
	})
}

func TestLedgerCommandsRequireDatabase(t *testing.T) {
	for _, args := range [][]string{{"list"}, {"get", "abc"}, {"cancel", "abc"}} {
		t.Run(args[0], func(t *testing.T) {
			root, _, _ := newRootCmd(t)
			root.SetArgs(args)
			assert.ErrorContains(t, root.Execute(), "DATABASE_URL")
		})
	}
}
