package convergence

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/clusterforge/converge/pkg/cmdrunner"
	"github.com/clusterforge/converge/pkg/token"
	"github.com/clusterforge/converge/pkg/waiter"
)

// Kind classifies why a step failed, separating what the operator can
// fix (credentials, reachability, missing prerequisites) from faults
// in the tools this one drives, and those from faults in this tool
// itself.
type Kind string

const (
	KindPrerequisiteMissing Kind = "PrerequisiteMissing"
	KindPermissionDenied    Kind = "PermissionDenied"
	KindNetworkUnreachable  Kind = "NetworkUnreachable"
	KindTokenExpired        Kind = "TokenExpired"
	KindTokenReused         Kind = "TokenReused"
	KindTimeout             Kind = "Timeout"
	KindExternalToolFailure Kind = "ExternalToolFailure"
	KindInternal            Kind = "Internal"
)

// ExitCode maps the kind onto the process exit code contract.
func (k Kind) ExitCode() int {
	switch k {
	case KindExternalToolFailure:
		return 3
	case KindPrerequisiteMissing:
		return 4
	case KindPermissionDenied:
		return 5
	case KindNetworkUnreachable:
		return 6
	case KindTokenExpired, KindTokenReused:
		return 7
	case KindTimeout:
		return 8
	}

	return 1
}

type taggedError struct {
	kind Kind
	err  error
}

func (e *taggedError) Error() string {
	return e.err.Error()
}

func (e *taggedError) Unwrap() error {
	return e.err
}

// Tagged pins err's classification to k, overriding shape-based
// classification.
func Tagged(k Kind, err error) error {
	if err == nil {
		return nil
	}

	return &taggedError{kind: k, err: err}
}

// Tag is Tagged over a formatted message.
func Tag(k Kind, format string, args ...interface{}) error {
	return &taggedError{kind: k, err: fmt.Errorf(format, args...)}
}

// Classify maps a step failure onto its kind. Explicit tags win, then
// the token sentinels, then timeouts, then what the transport and exit
// status reveal. Anything unrecognized is a fault in this tool.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	var tagged *taggedError
	if errors.As(err, &tagged) {
		return tagged.kind
	}

	switch {
	case errors.Is(err, token.ErrExpired):
		return KindTokenExpired
	case errors.Is(err, token.ErrReused):
		return KindTokenReused
	case errors.Is(err, token.ErrNoToken):
		return KindPrerequisiteMissing
	}

	var timeoutErr *waiter.TimeoutError
	if errors.As(err, &timeoutErr) {
		return KindTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var dialErr *cmdrunner.DialError
	if errors.As(err, &dialErr) {
		return KindNetworkUnreachable
	}

	var exitErr *cmdrunner.ExitError
	if errors.As(err, &exitErr) {
		switch {
		case exitErr.Code == cmdrunner.ExitCommandNotFound:
			return KindPrerequisiteMissing
		case exitErr.Code == cmdrunner.ExitPermissionDenied:
			return KindPermissionDenied
		case permissionDeniedOutput(exitErr.Stderr):
			return KindPermissionDenied
		}

		return KindExternalToolFailure
	}

	return KindInternal
}

func permissionDeniedOutput(stderr string) bool {
	msg := strings.ToLower(stderr)

	for _, marker := range []string{
		"permission denied",
		"operation not permitted",
		"a password is required",
		"authentication failure",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}

	return false
}
