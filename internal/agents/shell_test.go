package agents

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/orchestra/pkg/agent"
)

func runShell(t *testing.T, sh *Shell, params map[string]any) (map[string]any, error) {
	t.Helper()
	out, err := sh.Run(context.Background(), "", params)
	if err != nil {
		return nil, err
	}
	m, ok := out.(map[string]any)
	require.True(t, ok)
	return m, nil
}

func TestShell_Echo(t *testing.T) {
	out, err := runShell(t, NewShell(ShellConfig{}), map[string]any{
		"command": "echo",
		"args":    []any{"hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out["stdout_raw"])
	assert.Equal(t, 0, out["exit_code"])
}

func TestShell_ParsesJSONStdout(t *testing.T) {
	out, err := runShell(t, NewShell(ShellConfig{}), map[string]any{
		"command": `echo '{"count": 3}'`,
		"shell":   true,
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"count": float64(3)}, out["stdout"])
}

func TestShell_StdinAndEnv(t *testing.T) {
	out, err := runShell(t, NewShell(ShellConfig{}), map[string]any{
		"command": `read line; echo "$line-$SUFFIX"`,
		"shell":   true,
		"stdin":   "in\n",
		"env":     map[string]any{"SUFFIX": "ok"},
	})
	require.NoError(t, err)
	assert.Equal(t, "in-ok\n", out["stdout_raw"])
}

func TestShell_NonZeroExit(t *testing.T) {
	sh := NewShell(ShellConfig{})
	_, err := runShell(t, sh, map[string]any{
		"command": "echo broken >&2; exit 3",
		"shell":   true,
	})
	var ee *ExitError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 3, ee.ExitCode)
	assert.ErrorContains(t, err, "exit status 3: broken")
	assert.Equal(t, agent.Retryable, sh.ClassifyError(err))

	out, err := runShell(t, sh, map[string]any{
		"command":       "exit 3",
		"shell":         true,
		"allow_failure": true,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, out["exit_code"])
}

func TestShell_NotFoundIsFatal(t *testing.T) {
	sh := NewShell(ShellConfig{})

	_, err := runShell(t, sh, map[string]any{"command": "definitely-not-a-command-xyz"})
	require.Error(t, err)
	assert.True(t, agent.IsFatal(err))

	_, err = runShell(t, sh, map[string]any{"command": "definitely-not-a-command-xyz", "shell": true})
	assert.Equal(t, agent.Fatal, sh.ClassifyError(err))

	_, err = runShell(t, sh, map[string]any{})
	assert.Equal(t, agent.Fatal, sh.ClassifyError(err))
}

func TestShell_Timeout(t *testing.T) {
	sh := NewShell(ShellConfig{})
	start := time.Now()
	_, err := runShell(t, sh, map[string]any{
		"command": "sleep",
		"args":    []any{"5"},
		"timeout": "50ms",
	})
	var ee *ExitError
	require.ErrorAs(t, err, &ee)
	assert.True(t, ee.Killed)
	assert.Equal(t, agent.Retryable, sh.ClassifyError(err))
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestShell_OutputLimit(t *testing.T) {
	out, err := runShell(t, NewShell(ShellConfig{MaxOutputSize: 4}), map[string]any{
		"command": "echo",
		"args":    []any{"abcdefgh"},
	})
	require.NoError(t, err)
	assert.Equal(t, "abcd", out["stdout_raw"])
}

func TestShellAgent_ThroughAdapter(t *testing.T) {
	a, err := NewShellAgent(ShellConfig{}, agent.WithOutputMapping(".stdout"))
	require.NoError(t, err)

	res, err := a.Execute(context.Background(), agent.StepInput{
		StepID: "s1",
		Params: map[string]any{"command": `printf '[1,2]'`, "shell": true},
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.JSONEq(t, `[1,2]`, string(res.Payload))

	_, err = a.Execute(context.Background(), agent.StepInput{
		Params: map[string]any{"command": "exit 127", "shell": true},
	})
	require.Error(t, err)
	assert.Equal(t, agent.Fatal, agent.Classify(a, err))
}

func TestLimitedWriter(t *testing.T) {
	var buf sink
	lw := &limitedWriter{w: &buf, limit: 5}
	n, err := lw.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = lw.Write([]byte("defg"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	n, _ = lw.Write([]byte("x"))
	assert.Equal(t, 1, n)
	assert.Equal(t, "abcde", string(buf))
}

type sink []byte

func (b *sink) Write(p []byte) (int, error) {
	*b = append(*b, p...)
	return len(p), nil
}
