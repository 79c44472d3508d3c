// Custodia - Backup & Disaster Recovery Engine
// Copyright 2026 Custodia contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-engine/custodia

package audit

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	natsgo "github.com/nats-io/nats.go"
)

// Sink receives error/warn-level audit events. Sinks are fire-and-forget:
// a failing sink is logged locally and never blocks the primary write.
type Sink interface {
	Name() string
	Send(ctx context.Context, event *Event) error
	Close() error
}

// WebhookSink POSTs events as JSON to an alerting endpoint.
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink creates an alerting webhook sink.
func NewWebhookSink(url string, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSink{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Name implements Sink.
func (s *WebhookSink) Name() string { return "alert-webhook" }

// Send implements Sink.
func (s *WebhookSink) Send(ctx context.Context, event *Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal alert payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("alert webhook unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Close implements Sink.
func (s *WebhookSink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// NATSSink publishes events to a SIEM subject over NATS JetStream via
// Watermill.
type NATSSink struct {
	publisher message.Publisher
	topic     string
}

// NewNATSSink connects a Watermill NATS publisher for SIEM forwarding.
func NewNATSSink(url, topic string, logger watermill.LoggerAdapter) (*NATSSink, error) {
	if logger == nil {
		logger = watermill.NewStdLogger(false, false)
	}

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(2 * time.Second),
	}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         url,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:      false,
			AutoProvision: true,
			TrackMsgId:    true,
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
			},
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create SIEM publisher: %w", err)
	}

	return &NATSSink{publisher: pub, topic: topic}, nil
}

// Name implements Sink.
func (s *NATSSink) Name() string { return "siem-nats" }

// Send implements Sink.
func (s *NATSSink) Send(_ context.Context, event *Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal SIEM payload: %w", err)
	}

	msg := message.NewMessage(event.ID, payload)
	msg.Metadata.Set("event_type", string(event.Type))
	msg.Metadata.Set("severity", string(event.Severity))

	return s.publisher.Publish(s.topic, msg)
}

// Close implements Sink.
func (s *NATSSink) Close() error {
	return s.publisher.Close()
}
