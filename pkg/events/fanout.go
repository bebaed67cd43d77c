package events

import (
	"context"
	"log"
)

// Fanout appends to the durable log and then mirrors the event to
// kafka and the in-process hub. The durable append is the contract;
// mirror failures are logged and swallowed so a broker outage cannot
// block policy operations.
type Fanout struct {
	Durable   Sink
	Publisher *KafkaPublisher
	Hub       *Hub
}

func (f *Fanout) Append(ctx context.Context, evt Event) error {
	if err := f.Durable.Append(ctx, evt); err != nil {
		return err
	}
	if f.Publisher != nil {
		if err := f.Publisher.Publish(ctx, evt); err != nil {
			log.Printf("events: kafka publish %s %s: %v", evt.Type, evt.PolicyID, err)
		}
	}
	if f.Hub != nil {
		f.Hub.Publish(evt)
	}
	return nil
}
