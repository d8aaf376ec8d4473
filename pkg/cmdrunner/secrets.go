package cmdrunner

import (
	"strings"
	"sync"
)

const redacted = "[REDACTED]"

var secretStore = struct {
	sync.RWMutex
	values []string
}{}

// RegisterSecret records secret material so it never reaches logs or
// reports in cleartext. Runners redact registered values from the
// commands they log; report writers scrub them from captured output.
func RegisterSecret(s string) {
	if s == "" {
		return
	}

	secretStore.Lock()
	defer secretStore.Unlock()

	for _, have := range secretStore.values {
		if have == s {
			return
		}
	}
	secretStore.values = append(secretStore.values, s)
}

// Secrets returns the registered values, for scrubbing captured
// output before it is persisted.
func Secrets() []string {
	secretStore.RLock()
	defer secretStore.RUnlock()

	return append([]string(nil), secretStore.values...)
}

// Redact replaces every registered secret in s.
func Redact(s string) string {
	secretStore.RLock()
	defer secretStore.RUnlock()

	for _, v := range secretStore.values {
		s = strings.ReplaceAll(s, v, redacted)
	}

	return s
}
