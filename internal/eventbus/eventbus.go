// Cartographus - Media Server Analytics and Geographic Visualization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cartographus

// Package eventbus publishes "event appended" notifications (spec_full.md §4
// supplement) so a host can drive reactive work — e.g. triggering a sync attempt,
// updating a read model — without polling the Event Store. In-process delivery uses
// watermill's gochannel pub/sub; an optional NATS JetStream publisher/subscriber pair
// is wired the same way as the teacher's internal/eventprocessor package for
// multi-process deployments.
package eventbus

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"

	"github.com/idpass/datacollect-engine/internal/engineerrors"
	"github.com/idpass/datacollect-engine/internal/storage"
)

const TopicEventsAppended = "registry.events.appended"

// AppendedNotification is the payload published after every successful eventstore
// append — just enough for a subscriber to decide whether to react, not the full
// event body (subscribers fetch details through the Event Store if needed).
type AppendedNotification struct {
	TenantID  string    `json:"tenantId"`
	EventGUID string    `json:"eventGuid"`
	Type      string    `json:"type"`
	SyncLevel int       `json:"syncLevel"`
	Timestamp time.Time `json:"timestamp"`
}

// Bus wraps a watermill message.Publisher/Subscriber pair.
type Bus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	logger     watermill.LoggerAdapter
}

// NewInProcess builds a Bus backed by watermill's in-memory gochannel pub/sub —
// suitable for a single-process embedding of the engine.
func NewInProcess() (*Bus, error) {
	logger := watermill.NewStdLogger(false, false)
	gc := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 256,
		Persistent:          false,
	}, logger)
	return &Bus{publisher: gc, subscriber: gc, logger: logger}, nil
}

// Publish notifies subscribers that an event was durably appended.
func (b *Bus) Publish(n AppendedNotification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return engineerrors.Wrap(engineerrors.KindStorage, "marshal event notification", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := b.publisher.Publish(TopicEventsAppended, msg); err != nil {
		return engineerrors.Wrap(engineerrors.KindStorage, "publish event notification", err)
	}
	return nil
}

// Subscribe returns a channel of decoded notifications. No unsubscribe function is
// returned; cancelling ctx ends the subscription.
func (b *Bus) Subscribe(ctx context.Context) (<-chan AppendedNotification, error) {
	messages, err := b.subscriber.Subscribe(ctx, TopicEventsAppended)
	if err != nil {
		return nil, engineerrors.Wrap(engineerrors.KindStorage, "subscribe to event notifications", err)
	}
	out := make(chan AppendedNotification)
	go func() {
		defer close(out)
		for msg := range messages {
			var n AppendedNotification
			if err := json.Unmarshal(msg.Payload, &n); err != nil {
				msg.Nack()
				continue
			}
			select {
			case out <- n:
				msg.Ack()
			case <-ctx.Done():
				msg.Nack()
				return
			}
		}
	}()
	return out, nil
}

func (b *Bus) Close() error {
	if err := b.publisher.Close(); err != nil {
		return err
	}
	if b.subscriber != b.publisher {
		return b.subscriber.Close()
	}
	return nil
}

// FromStoredEvent builds the notification published after an Event Store append.
func FromStoredEvent(tenantID string, e storage.StoredEvent) AppendedNotification {
	return AppendedNotification{
		TenantID:  tenantID,
		EventGUID: e.GUID,
		Type:      e.Type,
		SyncLevel: int(e.SyncLevel),
		Timestamp: e.Timestamp,
	}
}
