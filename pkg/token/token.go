// Package token manages the cluster join credential: generation in
// the bootstrap-token format kubeadm accepts, expiry tracking, and the
// exactly-once handoff from the control plane run to worker runs.
package token

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"time"
)

const (
	// Bootstrap tokens are "<id>.<secret>", lowercase alphanumeric.
	IDLen     = 6
	SecretLen = 16

	DefaultTTL = 24 * time.Hour

	// Redacted replaces secret material anywhere a token could leak
	// into logs or reports.
	Redacted = "[REDACTED]"

	charset = "abcdefghijklmnopqrstuvwxyz0123456789"
)

var (
	ErrMalformed = errors.New("malformed join token")

	tokenRe = regexp.MustCompile(`^([a-z0-9]{6})\.([a-z0-9]{16})$`)
)

// Secret is the private half of a join token. Its String, JSON and
// YAML forms are always redacted; only Reveal returns the material.
type Secret string

func (s Secret) String() string {
	return Redacted
}

func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"` + Redacted + `"`), nil
}

func (s Secret) MarshalYAML() (interface{}, error) {
	return Redacted, nil
}

func (s Secret) Reveal() string {
	return string(s)
}

// JoinToken is the credential a worker presents to join the cluster.
type JoinToken struct {
	ID            string    `json:"id"`
	Secret        Secret    `json:"secret"`
	DiscoveryHash string    `json:"discovery_hash"`
	Expiry        time.Time `json:"expiry"`
}

// Generate mints a fresh token valid for ttl from now. A non-positive
// ttl takes the default.
func Generate(ttl time.Duration) (*JoinToken, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	id, err := randString(IDLen)
	if err != nil {
		return nil, fmt.Errorf("generating token id: %w", err)
	}
	secret, err := randString(SecretLen)
	if err != nil {
		return nil, fmt.Errorf("generating token secret: %w", err)
	}

	return &JoinToken{
		ID:     id,
		Secret: Secret(secret),
		Expiry: time.Now().Add(ttl),
	}, nil
}

// Parse validates raw against the bootstrap-token format and splits it.
func Parse(raw string) (id string, secret Secret, err error) {
	m := tokenRe.FindStringSubmatch(raw)
	if m == nil {
		return "", "", fmt.Errorf("%w: want %d lowercase alphanumerics, a dot, then %d more",
			ErrMalformed, IDLen, SecretLen)
	}

	return m[1], Secret(m[2]), nil
}

// FromString builds a token from an operator-supplied string. The
// string form carries no expiry, so the caller states how long it is
// trusted for.
func FromString(raw string, ttl time.Duration) (*JoinToken, error) {
	id, secret, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &JoinToken{
		ID:     id,
		Secret: secret,
		Expiry: time.Now().Add(ttl),
	}, nil
}

// Raw returns the full credential for embedding in a join command.
// Never log the result.
func (t *JoinToken) Raw() string {
	return t.ID + "." + string(t.Secret)
}

// String identifies the token without exposing the secret.
func (t *JoinToken) String() string {
	return t.ID + "." + Redacted
}

// Expired reports whether the token is no longer valid at now.
func (t *JoinToken) Expired(now time.Time) bool {
	return !t.Expiry.IsZero() && now.After(t.Expiry)
}

func randString(n int) (string, error) {
	out := make([]byte, n)
	max := big.NewInt(int64(len(charset)))

	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = charset[idx.Int64()]
	}

	return string(out), nil
}
