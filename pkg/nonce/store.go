// Package nonce provides replay prevention for signed requests: at-most-once
// admission of (keyid, nonce) pairs within a sliding TTL window, plus the
// created/expires freshness check that runs ahead of admission.
package nonce

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL is the default replay window.
const DefaultTTL = 10 * time.Minute

// DefaultMaxSkew is the default tolerance between the signer's created
// timestamp and the verifier's clock.
const DefaultMaxSkew = 5 * time.Minute

// Store admits (keyid, nonce) pairs at most once per TTL window. Admission is
// atomic: among concurrent attempts for the same pair, exactly one observes
// fresh=true.
type Store interface {
	// Admit records the pair if it has not been seen within the TTL.
	// It returns true when the pair is fresh, false on replay.
	Admit(ctx context.Context, keyid, nonce string, ttl time.Duration) (bool, error)

	// Clear drops all recorded nonces. Operational use only: it disables
	// replay protection for entries already admitted.
	Clear(ctx context.Context) error

	// Close releases store resources.
	Close() error
}

// Freshness errors, mapped by the engine onto verdict reasons.
var (
	ErrMissingCreated = errors.New("signature has no created parameter")
	ErrClockSkew      = errors.New("signature created timestamp outside skew window")
	ErrExpired        = errors.New("signature has expired")
)

// CheckFreshness validates the created/expires window of a signature against
// now. It runs before nonce admission so that a clock-skewed replay does not
// pollute the store.
func CheckFreshness(created int64, hasCreated bool, expires int64, hasExpires bool, now time.Time, maxSkew time.Duration) error {
	if !hasCreated {
		return ErrMissingCreated
	}
	// Compare in whole seconds: converting the delta to a Duration would
	// overflow int64 for absurd created values and wrap negative.
	skew := now.Unix() - created
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(maxSkew/time.Second) {
		return ErrClockSkew
	}
	if hasExpires && now.Unix() > expires {
		return ErrExpired
	}
	return nil
}
