package cmdrunner

import (
	"bytes"
	"context"
	"errors"
	"os/exec"

	"github.com/clusterforge/converge/shared"
)

// Local runs commands through the local shell. Used when converge runs
// on the node it is converging.
type Local struct{}

func NewLocal() *Local {
	return &Local{}
}

func (l *Local) Host() string {
	return "localhost"
}

func (l *Local) Run(ctx context.Context, cmd string) (Result, error) {
	if cmd == "" {
		return Result{}, ErrEmptyCommand
	}

	shared.LogLevel("debug", "running locally: %s", Redact(cmd))

	c := exec.CommandContext(ctx, "bash", "-c", cmd)

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()
	res := Result{
		Cmd:    cmd,
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()

			return res, &ExitError{Cmd: cmd, Code: res.ExitCode, Stderr: res.Stderr}
		}

		return res, err
	}

	return res, nil
}

func (l *Local) Close() error {
	return nil
}
