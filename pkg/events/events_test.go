package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/babs0022/shield-privacy-guide/pkg/models"
)

func TestPolicyCreatedPayload(t *testing.T) {
	rec := models.AccessPolicy{
		ID:          "0x0123456789abcdef0123456789abcdef",
		Sender:      "alice",
		Recipient:   "bob",
		Expiry:      time.Now().UTC().Add(time.Hour),
		MaxAttempts: 3,
	}
	evt := PolicyCreated(rec)
	if evt.Type != TypePolicyCreated || evt.PolicyID != rec.ID {
		t.Fatalf("unexpected event: %+v", evt)
	}
	var data struct {
		Sender      string `json:"sender"`
		Recipient   string `json:"recipient"`
		MaxAttempts int    `json:"max_attempts"`
	}
	if err := json.Unmarshal(evt.Data, &data); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if data.Sender != "alice" || data.Recipient != "bob" || data.MaxAttempts != 3 {
		t.Fatalf("unexpected payload: %+v", data)
	}
}

func TestMemoryLogListByPolicy(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLog()
	id := "0x0123456789abcdef0123456789abcdef"
	if err := l.Append(ctx, VerificationAttempt(id, "bob", models.OutcomeGranted)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := l.Append(ctx, VerificationAttempt("0xffffffffffffffffffffffffffffffff", "eve", models.ReasonUnauthorized)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := l.Append(ctx, PolicyInvalidated(id)); err != nil {
		t.Fatalf("append: %v", err)
	}
	items, err := l.ListByPolicy(ctx, id, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 events, got %d", len(items))
	}
	if items[0].Type != TypeVerificationAttempt || items[1].Type != TypePolicyInvalidated {
		t.Fatalf("unexpected order: %+v", items)
	}
}

func TestHubPublishSubscribe(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe(4)
	defer h.Unsubscribe(sub)

	evt := PolicyInvalidated("0x0123456789abcdef0123456789abcdef")
	h.Publish(evt)

	select {
	case got := <-sub:
		if got.Type != TypePolicyInvalidated {
			t.Fatalf("unexpected event: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}
}

func TestHubDropsWhenSubscriberFull(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe(1)
	defer h.Unsubscribe(sub)

	h.Publish(PolicyInvalidated("0x01"))
	h.Publish(PolicyInvalidated("0x02"))

	if got := <-sub; got.PolicyID != "0x01" {
		t.Fatalf("expected first event, got %+v", got)
	}
	select {
	case got := <-sub:
		t.Fatalf("second event should have been dropped, got %+v", got)
	default:
	}
}

type failingWriter struct{ err error }

func (w failingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	return w.err
}
func (w failingWriter) Close() error { return nil }

func TestFanoutSurvivesKafkaFailure(t *testing.T) {
	ctx := context.Background()
	durable := NewMemoryLog()
	f := &Fanout{
		Durable:   durable,
		Publisher: &KafkaPublisher{writer: failingWriter{err: errors.New("broker down")}},
		Hub:       NewHub(),
	}
	if err := f.Append(ctx, PolicyInvalidated("0x0123456789abcdef0123456789abcdef")); err != nil {
		t.Fatalf("append must not fail on mirror error: %v", err)
	}
	if len(durable.All()) != 1 {
		t.Fatal("durable append missing")
	}
}

func TestFanoutPropagatesDurableFailure(t *testing.T) {
	f := &Fanout{Durable: failingSink{}}
	err := f.Append(context.Background(), PolicyInvalidated("0x01"))
	if err == nil {
		t.Fatal("expected durable failure to propagate")
	}
}

type failingSink struct{}

func (failingSink) Append(ctx context.Context, evt Event) error {
	return errors.New("log unavailable")
}

func TestNewKafkaPublisherValidation(t *testing.T) {
	if _, err := NewKafkaPublisher(KafkaConfig{Topic: "events"}); err == nil {
		t.Fatal("expected brokers required error")
	}
	if _, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}}); err == nil {
		t.Fatal("expected topic required error")
	}
	p, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{" localhost:9092 "}, Topic: "events"})
	if err != nil {
		t.Fatalf("valid config: %v", err)
	}
	defer p.Close()
}
