// Package events is the append-only ledger event log. Every policy
// state transition and every verification outcome lands here; denials
// are logged, not silent.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/babs0022/shield-privacy-guide/pkg/models"
)

const (
	TypePolicyCreated       = "PolicyCreated"
	TypeVerificationAttempt = "VerificationAttempt"
	TypePolicyInvalidated   = "PolicyInvalidated"
)

type Event struct {
	Type     string          `json:"type"`
	PolicyID string          `json:"policy_id"`
	At       time.Time       `json:"at"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Sink accepts events for durable append. Implementations must not
// drop events silently; best-effort fan-out lives in Fanout, behind a
// durable primary.
type Sink interface {
	Append(ctx context.Context, evt Event) error
}

type createdData struct {
	Sender      string    `json:"sender"`
	Recipient   string    `json:"recipient"`
	Expiry      time.Time `json:"expiry"`
	MaxAttempts int       `json:"max_attempts"`
}

type attemptData struct {
	Requester string `json:"requester"`
	Outcome   string `json:"outcome"`
}

func PolicyCreated(rec models.AccessPolicy) Event {
	data, _ := json.Marshal(createdData{
		Sender:      rec.Sender,
		Recipient:   rec.Recipient,
		Expiry:      rec.Expiry,
		MaxAttempts: rec.MaxAttempts,
	})
	return Event{Type: TypePolicyCreated, PolicyID: rec.ID, At: time.Now().UTC(), Data: data}
}

func VerificationAttempt(policyID, requester, outcome string) Event {
	data, _ := json.Marshal(attemptData{Requester: requester, Outcome: outcome})
	return Event{Type: TypeVerificationAttempt, PolicyID: policyID, At: time.Now().UTC(), Data: data}
}

func PolicyInvalidated(policyID string) Event {
	return Event{Type: TypePolicyInvalidated, PolicyID: policyID, At: time.Now().UTC()}
}
