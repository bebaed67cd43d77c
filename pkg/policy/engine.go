// Package policy implements the access policy engine: creation,
// verification with attempt accounting, and revocation. Verification
// and attempt consumption are fused into one atomic store update so
// concurrent requesters can never over-spend the attempt budget.
package policy

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/babs0022/shield-privacy-guide/pkg/events"
	"github.com/babs0022/shield-privacy-guide/pkg/models"
	"github.com/babs0022/shield-privacy-guide/pkg/store"
)

// Validation errors are caller-fixable and returned synchronously.
var (
	ErrInvalidRecipient     = errors.New("recipient must not be empty")
	ErrInvalidExpiry        = errors.New("expiry must be strictly in the future")
	ErrInvalidAttemptBudget = errors.New("max attempts must be positive")
	ErrUnauthorized         = errors.New("caller is not the policy sender")
)

const defaultCASRetries = 8

type Engine struct {
	Store  store.PolicyStore
	Events events.Sink
	// Now is swappable for tests; nil means time.Now.
	Now        func() time.Time
	CASRetries int
}

func NewEngine(st store.PolicyStore, sink events.Sink) *Engine {
	return &Engine{Store: st, Events: sink}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *Engine) retries() int {
	if e.CASRetries > 0 {
		return e.CASRetries
	}
	return defaultCASRetries
}

func (e *Engine) emit(ctx context.Context, evt events.Event) {
	if e.Events == nil {
		return
	}
	if err := e.Events.Append(ctx, evt); err != nil {
		log.Printf("policy: emit %s %s: %v", evt.Type, evt.PolicyID, err)
	}
}

func newPolicyID() string {
	u := uuid.New()
	return models.IDPrefix + hex.EncodeToString(u[:])
}

// Create validates the request, mints a fresh id, and inserts the
// policy with attempts=0. The PolicyCreated event is emitted after the
// insert commits.
func (e *Engine) Create(ctx context.Context, sender, recipient string, expiry time.Time, maxAttempts int) (models.AccessPolicy, error) {
	if recipient == "" {
		return models.AccessPolicy{}, ErrInvalidRecipient
	}
	if !expiry.After(e.now()) {
		return models.AccessPolicy{}, ErrInvalidExpiry
	}
	if maxAttempts <= 0 {
		return models.AccessPolicy{}, ErrInvalidAttemptBudget
	}
	rec := models.AccessPolicy{
		Sender:      sender,
		Recipient:   recipient,
		Expiry:      expiry.UTC(),
		MaxAttempts: maxAttempts,
		CreatedAt:   e.now(),
	}
	// Id collisions are not expected from 128 bits of entropy, but an
	// insert race is cheap to re-mint.
	for i := 0; i < e.retries(); i++ {
		rec.ID = newPolicyID()
		err := e.Store.Create(ctx, rec)
		if errors.Is(err, store.ErrAlreadyExists) {
			continue
		}
		if err != nil {
			return models.AccessPolicy{}, err
		}
		created, err := e.Store.Read(ctx, rec.ID)
		if err != nil {
			return models.AccessPolicy{}, err
		}
		e.emit(ctx, events.PolicyCreated(created))
		return created, nil
	}
	return models.AccessPolicy{}, fmt.Errorf("%w: id mint retries exhausted", store.ErrUnavailable)
}

// VerifyAndConsume evaluates access for requester against the policy.
// Denials are returned as decisions with a nil error; only
// infrastructure faults surface as errors. A granted decision has
// already consumed one attempt; the consumption is never refunded,
// whatever the caller does afterwards.
func (e *Engine) VerifyAndConsume(ctx context.Context, id, requester string) (models.Decision, error) {
	for i := 0; i < e.retries(); i++ {
		rec, err := e.Store.Read(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return e.deny(ctx, id, requester, models.ReasonNotFound), nil
		}
		if err != nil {
			return models.Decision{}, err
		}

		// Precedence: revoked, then identity, then expiry, then budget.
		now := e.now()
		switch {
		case rec.Revoked:
			return e.denyPolicy(ctx, rec, requester, models.ReasonRevoked), nil
		case requester != rec.Recipient:
			return e.denyPolicy(ctx, rec, requester, models.ReasonUnauthorized), nil
		case !now.Before(rec.Expiry):
			return e.denyPolicy(ctx, rec, requester, models.ReasonExpired), nil
		case rec.Attempts >= rec.MaxAttempts:
			return e.denyPolicy(ctx, rec, requester, models.ReasonAttemptsExhausted), nil
		}

		next := rec
		next.Attempts = rec.Attempts + 1
		err = e.Store.CASUpdate(ctx, id, rec.Version, next)
		if errors.Is(err, store.ErrVersionConflict) {
			// A concurrent verify or revoke won; re-read and re-evaluate.
			continue
		}
		if errors.Is(err, store.ErrNotFound) {
			return e.deny(ctx, id, requester, models.ReasonNotFound), nil
		}
		if err != nil {
			return models.Decision{}, err
		}
		e.emit(ctx, events.VerificationAttempt(id, requester, models.OutcomeGranted))
		return models.Decision{
			PolicyID:  id,
			Granted:   true,
			Attempts:  next.Attempts,
			Remaining: next.MaxAttempts - next.Attempts,
		}, nil
	}
	return models.Decision{}, fmt.Errorf("%w: verify cas retries exhausted for %s", store.ErrUnavailable, id)
}

func (e *Engine) deny(ctx context.Context, id, requester, reason string) models.Decision {
	e.emit(ctx, events.VerificationAttempt(id, requester, reason))
	return models.Decision{PolicyID: id, Granted: false, Reason: reason}
}

func (e *Engine) denyPolicy(ctx context.Context, rec models.AccessPolicy, requester, reason string) models.Decision {
	d := e.deny(ctx, rec.ID, requester, reason)
	d.Attempts = rec.Attempts
	d.Remaining = rec.MaxAttempts - rec.Attempts
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	return d
}

// Revoke marks the policy revoked. Only the original sender may
// revoke. Revoking an already-revoked policy succeeds with no further
// side effects.
func (e *Engine) Revoke(ctx context.Context, id, caller string) error {
	for i := 0; i < e.retries(); i++ {
		rec, err := e.Store.Read(ctx, id)
		if err != nil {
			return err
		}
		if caller != rec.Sender {
			return ErrUnauthorized
		}
		if rec.Revoked {
			return nil
		}
		next := rec
		next.Revoked = true
		err = e.Store.CASUpdate(ctx, id, rec.Version, next)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return err
		}
		e.emit(ctx, events.PolicyInvalidated(id))
		return nil
	}
	return fmt.Errorf("%w: revoke cas retries exhausted for %s", store.ErrUnavailable, id)
}

// Get returns the stored record; callers derive status with StatusAt.
func (e *Engine) Get(ctx context.Context, id string) (models.AccessPolicy, error) {
	return e.Store.Read(ctx, id)
}
