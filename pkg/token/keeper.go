package token

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrNoToken = errors.New("no join token published; converge the master first or set CONVERGE_JOIN_TOKEN")
	ErrExpired = errors.New("join token expired")
	ErrReused  = errors.New("join token already consumed by this host")
)

// Keeper hands the join credential from the master convergence to
// worker convergences. Each host consumes the active token exactly
// once; a second claim by the same host is refused until the token is
// rotated. The token only ever lives in memory.
type Keeper struct {
	mu       sync.Mutex
	tok      *JoinToken
	endpoint string
	claims   map[string]time.Time
	now      func() time.Time
}

func NewKeeper() *Keeper {
	return &Keeper{
		claims: make(map[string]time.Time),
		now:    time.Now,
	}
}

// WithClock substitutes the time source. Test hook.
func (k *Keeper) WithClock(now func() time.Time) *Keeper {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.now = now

	return k
}

// Publish installs the active token and the API endpoint workers join
// through. Claims from a previous token are discarded.
func (k *Keeper) Publish(t *JoinToken, apiEndpoint string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.tok = t
	k.endpoint = apiEndpoint
	k.claims = make(map[string]time.Time)
}

// Rotate is Publish under its operational name: the remedy for an
// expired or already-consumed token.
func (k *Keeper) Rotate(t *JoinToken, apiEndpoint string) {
	k.Publish(t, apiEndpoint)
}

// Active returns the current token without consuming it.
func (k *Keeper) Active() (*JoinToken, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.tok == nil {
		return nil, false
	}
	cp := *k.tok

	return &cp, true
}

// Validate checks whether host could claim the token right now,
// without recording anything. Safe for read-only prevalidation.
func (k *Keeper) Validate(host string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	return k.validateLocked(host)
}

// Claim hands the token and endpoint to host, recording the
// consumption. Exactly one claim per host per token generation.
func (k *Keeper) Claim(host string) (*JoinToken, string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.validateLocked(host); err != nil {
		return nil, "", err
	}

	k.claims[host] = k.now()
	cp := *k.tok

	return &cp, k.endpoint, nil
}

func (k *Keeper) validateLocked(host string) error {
	if k.tok == nil {
		return ErrNoToken
	}
	if k.tok.Expired(k.now()) {
		return fmt.Errorf("token %s expired at %s, rotate it and retry: %w",
			k.tok.String(), k.tok.Expiry.Format(time.RFC3339), ErrExpired)
	}
	if when, ok := k.claims[host]; ok {
		return fmt.Errorf("host %s consumed token %s at %s, rotate before rejoining: %w",
			host, k.tok.String(), when.Format(time.RFC3339), ErrReused)
	}

	return nil
}
