// Package cmdrunner executes shell commands against a convergence
// target. The executor and step catalog only see the Runner interface;
// local shell and SSH implementations are interchangeable, and tests
// substitute a scripted fake.
package cmdrunner

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Shell exit codes with conventional meaning.
const (
	ExitPermissionDenied = 126
	ExitCommandNotFound  = 127
)

var ErrEmptyCommand = errors.New("cmd should not be empty")

// Runner executes shell commands on one target.
type Runner interface {
	// Run executes cmd through a shell on the target. The returned
	// Result always carries whatever output was captured. A non-zero
	// exit surfaces as *ExitError; transport failures as *DialError or
	// the underlying error.
	Run(ctx context.Context, cmd string) (Result, error)

	// Host identifies the target for logs and results.
	Host() string

	Close() error
}

// Result is the captured outcome of one command.
type Result struct {
	Cmd      string
	Stdout   string
	Stderr   string
	ExitCode int
}

// Output returns trimmed stdout.
func (r Result) Output() string {
	return strings.TrimSpace(r.Stdout)
}

// Combined returns trimmed stdout and stderr concatenated, for
// diagnostics where tools split their output across both streams.
func (r Result) Combined() string {
	return strings.TrimSpace(strings.TrimSpace(r.Stdout) + "\n" + strings.TrimSpace(r.Stderr))
}

// ExitError reports a command that ran to completion with a non-zero
// status.
type ExitError struct {
	Cmd    string
	Code   int
	Stderr string
}

// Error renders the command and its stderr with registered secrets
// redacted, so exit errors are safe to log and persist verbatim.
func (e *ExitError) Error() string {
	msg := Redact(strings.TrimSpace(e.Stderr))
	if msg == "" {
		return fmt.Sprintf("command %q exited with status %d", Redact(e.Cmd), e.Code)
	}

	return fmt.Sprintf("command %q exited with status %d: %s", Redact(e.Cmd), e.Code, msg)
}

// NotFound reports whether the failure was a missing executable.
func (e *ExitError) NotFound() bool {
	return e.Code == ExitCommandNotFound
}

// DialError reports that the target could not be reached at all.
type DialError struct {
	Host string
	Err  error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("target %s unreachable: %v", e.Host, e.Err)
}

func (e *DialError) Unwrap() error {
	return e.Err
}

// RunAll executes cmds in order, stopping at the first failure. It
// returns the failing command's Result so callers keep the diagnostic
// output.
func RunAll(ctx context.Context, r Runner, cmds []string) (Result, error) {
	var res Result
	var err error

	for _, cmd := range cmds {
		res, err = r.Run(ctx, cmd)
		if err != nil {
			return res, err
		}
	}

	return res, nil
}
