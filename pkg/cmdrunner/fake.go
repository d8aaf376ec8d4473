package cmdrunner

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// Fake is a scripted Runner for tests. The handler decides the outcome
// of each command; a nil handler answers everything with success and
// empty output. Every command is recorded for assertions on what ran
// and in which order.
type Fake struct {
	HostName string
	Handler  func(cmd string) (string, error)

	mu    sync.Mutex
	calls []string
}

func (f *Fake) Host() string {
	if f.HostName == "" {
		return "fake"
	}

	return f.HostName
}

func (f *Fake) Run(ctx context.Context, cmd string) (Result, error) {
	if cmd == "" {
		return Result{}, ErrEmptyCommand
	}
	if err := ctx.Err(); err != nil {
		return Result{Cmd: cmd}, err
	}

	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	f.mu.Unlock()

	if f.Handler == nil {
		return Result{Cmd: cmd}, nil
	}

	out, err := f.Handler(cmd)
	res := Result{Cmd: cmd, Stdout: out}

	if err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.Code
			res.Stderr = exitErr.Stderr
		}

		return res, err
	}

	return res, nil
}

func (f *Fake) Close() error {
	return nil
}

// Calls returns every command run so far, in order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.calls...)
}

// CallsMatching returns the recorded commands containing substr.
func (f *Fake) CallsMatching(substr string) []string {
	var out []string
	for _, c := range f.Calls() {
		if strings.Contains(c, substr) {
			out = append(out, c)
		}
	}

	return out
}

// Exit builds the error a real runner returns for a non-zero status.
func Exit(cmd string, code int, stderr string) error {
	return &ExitError{Cmd: cmd, Code: code, Stderr: stderr}
}
