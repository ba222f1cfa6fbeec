// Cartographus - Media Server Analytics and Geographic Visualization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cartographus

package eventbus

import (
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	natsgo "github.com/nats-io/nats.go"

	"github.com/idpass/datacollect-engine/internal/engineerrors"
)

// NATSConfig configures the distributed bus backend, used when the engine runs as
// more than one process and notifications must cross process boundaries. Modeled on
// the teacher's eventprocessor.PublisherConfig (internal/eventprocessor/publisher.go).
type NATSConfig struct {
	URL             string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectBuffer int
}

func DefaultNATSConfig(url string) NATSConfig {
	return NATSConfig{
		URL:             url,
		MaxReconnects:   -1,
		ReconnectWait:   2 * time.Second,
		ReconnectBuffer: 8 * 1024 * 1024,
	}
}

// NewNATS builds a Bus backed by a NATS JetStream publisher/subscriber pair for
// multi-process deployments.
func NewNATS(cfg NATSConfig) (*Bus, error) {
	logger := watermill.NewStdLogger(false, false)

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.ReconnectBufSize(cfg.ReconnectBuffer),
	}

	pubConfig := wmnats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOpts,
		Marshaler:   &wmnats.NATSMarshaler{},
		JetStream: wmnats.JetStreamConfig{
			Disabled:      false,
			AutoProvision: true,
			TrackMsgId:    true,
		},
	}
	publisher, err := wmnats.NewPublisher(pubConfig, logger)
	if err != nil {
		return nil, engineerrors.Wrap(engineerrors.KindNetwork, "create nats publisher", err)
	}

	subConfig := wmnats.SubscriberConfig{
		URL:            cfg.URL,
		NatsOptions:    natsOpts,
		Unmarshaler:    &wmnats.NATSMarshaler{},
		QueueGroupPrefix: "datacollect-engine",
		JetStream: wmnats.JetStreamConfig{
			Disabled:      false,
			AutoProvision: true,
			DurablePrefix: "datacollect-engine",
		},
	}
	subscriber, err := wmnats.NewSubscriber(subConfig, logger)
	if err != nil {
		_ = publisher.Close()
		return nil, engineerrors.Wrap(engineerrors.KindNetwork, "create nats subscriber", err)
	}

	return &Bus{publisher: publisher, subscriber: subscriber, logger: logger}, nil
}
