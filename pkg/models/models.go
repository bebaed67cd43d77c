package models

import (
	"encoding/hex"
	"strings"
	"time"
)

// Policy identifiers are fixed-width hex with a 0x prefix, minted once
// at creation and never reused.
const (
	IDPrefix = "0x"
	IDBytes  = 16
	IDHexLen = IDBytes * 2
)

// Policy status values. Revoked is the only stored status; the rest
// are derived from the record at evaluation time.
const (
	StatusActive            = "ACTIVE"
	StatusExpired           = "EXPIRED"
	StatusAttemptsExhausted = "ATTEMPTS_EXHAUSTED"
	StatusRevoked           = "REVOKED"
)

// Denial reasons returned by verification. Denials are expected
// outcomes, always logged as events, never treated as faults.
const (
	ReasonNotFound          = "NOT_FOUND"
	ReasonUnauthorized      = "UNAUTHORIZED"
	ReasonExpired           = "EXPIRED"
	ReasonAttemptsExhausted = "ATTEMPTS_EXHAUSTED"
	ReasonRevoked           = "REVOKED"
)

// OutcomeGranted is the verification outcome recorded when access is
// allowed; denial outcomes reuse the Reason* constants.
const OutcomeGranted = "GRANTED"

// AccessPolicy is the on-ledger authorization record. Sender,
// recipient, expiry and the attempt ceiling are fixed at creation;
// only attempts and the revoked flag ever change, and only through
// the engine's CAS path. Version backs optimistic concurrency in the
// store and is not part of the policy's identity.
type AccessPolicy struct {
	ID          string    `json:"id"`
	Sender      string    `json:"sender"`
	Recipient   string    `json:"recipient"`
	Expiry      time.Time `json:"expiry"`
	MaxAttempts int       `json:"max_attempts"`
	Attempts    int       `json:"attempts"`
	Revoked     bool      `json:"revoked"`
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// StatusAt derives the policy status as of now. Revocation takes
// precedence over expiry, which takes precedence over exhaustion.
func (p AccessPolicy) StatusAt(now time.Time) string {
	switch {
	case p.Revoked:
		return StatusRevoked
	case !now.Before(p.Expiry):
		return StatusExpired
	case p.Attempts >= p.MaxAttempts:
		return StatusAttemptsExhausted
	default:
		return StatusActive
	}
}

// Terminal reports whether no future verification against this policy
// can succeed as of now.
func (p AccessPolicy) Terminal(now time.Time) bool {
	return p.StatusAt(now) != StatusActive
}

// Decision is the result of a verification. Granted decisions carry
// the post-increment attempt count; denials carry the reason.
type Decision struct {
	PolicyID  string `json:"policy_id"`
	Granted   bool   `json:"granted"`
	Reason    string `json:"reason,omitempty"`
	Attempts  int    `json:"attempts"`
	Remaining int    `json:"remaining"`
}

// ValidID reports whether s is a well-formed policy identifier:
// 0x-prefixed, fixed-width, lower-case hex.
func ValidID(s string) bool {
	if !strings.HasPrefix(s, IDPrefix) {
		return false
	}
	body := s[len(IDPrefix):]
	if len(body) != IDHexLen || body != strings.ToLower(body) {
		return false
	}
	_, err := hex.DecodeString(body)
	return err == nil
}
