package agents

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rendis/orchestra/pkg/agent"
	"github.com/rendis/orchestra/pkg/schema"
)

const (
	defaultShellTimeout  = 30 * time.Second
	defaultMaxOutputSize = 10 * 1024 * 1024
)

// ShellConfig configures the shell executor.
type ShellConfig struct {
	DefaultTimeout schema.Duration `json:"default_timeout" env:"DEFAULT_TIMEOUT"`
	MaxOutputSize  int64           `json:"max_output_size" env:"MAX_OUTPUT_SIZE"`
	// WorkDir is used when a step does not set cwd.
	WorkDir string `json:"work_dir" env:"WORK_DIR"`
}

// Shell runs one command per call. Params:
//
//	command  string            required
//	args     []string
//	env      map[string]string  added to the inherited environment
//	cwd      string
//	stdin    string
//	timeout  duration string
//	shell    bool               run through /bin/sh -c
//	allow_failure bool          a non-zero exit is reported, not returned as error
type Shell struct {
	cfg ShellConfig
}

// ExitError reports a command that ran and exited non-zero.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
	Killed   bool
}

func (e *ExitError) Error() string {
	if e.Killed {
		return fmt.Sprintf("%s: killed after timeout", e.Command)
	}
	msg := fmt.Sprintf("%s: exit status %d", e.Command, e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + lastLine(s)
	}
	return msg
}

// NewShell creates a Shell.
func NewShell(cfg ShellConfig) *Shell {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = schema.Duration(defaultShellTimeout)
	}
	if cfg.MaxOutputSize <= 0 {
		cfg.MaxOutputSize = defaultMaxOutputSize
	}
	return &Shell{cfg: cfg}
}

// NewShellAgent wraps a Shell for registration with the dispatcher.
func NewShellAgent(cfg ShellConfig, opts ...agent.AdapterOption) (*agent.LegacyAdapter, error) {
	sh := NewShell(cfg)
	return agent.NewLegacyAdapter(sh, append([]agent.AdapterOption{agent.WithClassifier(sh)}, opts...)...)
}

// Run implements agent.LegacyExecutor. The action is ignored.
func (s *Shell) Run(ctx context.Context, _ string, params map[string]any) (any, error) {
	command := stringParam(params, "command", "")
	if command == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "shell: missing required param 'command'")
	}
	args := stringSliceParam(params, "args")

	execCtx, cancel := context.WithTimeout(ctx, durationParam(params, "timeout", s.cfg.DefaultTimeout.Std()))
	defer cancel()

	var cmd *exec.Cmd
	if boolParam(params, "shell", false) {
		line := command
		if len(args) > 0 {
			line += " " + strings.Join(args, " ")
		}
		cmd = exec.CommandContext(execCtx, "/bin/sh", "-c", line)
	} else {
		cmd = exec.CommandContext(execCtx, command, args...)
	}
	cmd.WaitDelay = time.Second

	cmd.Dir = stringParam(params, "cwd", s.cfg.WorkDir)
	if env := stringMapParam(params, "env"); len(env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	if stdin := stringParam(params, "stdin", ""); stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdout, limit: s.cfg.MaxOutputSize}
	cmd.Stderr = &limitedWriter{w: &stderr, limit: s.cfg.MaxOutputSize}

	start := time.Now()
	runErr := cmd.Run()
	took := time.Since(start)

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, agent.FatalError(schema.NewErrorf(schema.ErrCodeExecution, "shell: %v", runErr).WithCause(runErr))
		}
		exitCode = exitErr.ExitCode()
		killed := errors.Is(execCtx.Err(), context.DeadlineExceeded)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if killed || !boolParam(params, "allow_failure", false) {
			return nil, &ExitError{Command: command, ExitCode: exitCode, Stderr: stderr.String(), Killed: killed}
		}
	}

	return map[string]any{
		"stdout":      decodeBody(stdout.Bytes()),
		"stdout_raw":  stdout.String(),
		"stderr":      stderr.String(),
		"exit_code":   exitCode,
		"duration_ms": took.Milliseconds(),
	}, nil
}

// ClassifyError implements agent.ErrorClassifier. Commands that cannot be
// executed (126) or found (127) fail for good; other exits may be transient.
func (s *Shell) ClassifyError(err error) agent.ErrorKind {
	var ee *ExitError
	if errors.As(err, &ee) && !ee.Killed && (ee.ExitCode == 126 || ee.ExitCode == 127) {
		return agent.Fatal
	}
	if schema.CodeOf(err) == schema.ErrCodeValidation {
		return agent.Fatal
	}
	return agent.Retryable
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// limitedWriter discards bytes beyond limit but reports them written so the
// child never blocks on a full pipe.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	return total, err
}
