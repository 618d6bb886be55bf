// Package transport connects the device to the message hub.
package transport

import (
	"context"
	"errors"
)

var ErrNotConnected = errors.New("transport not connected")

// Transport is the device-to-cloud messaging collaborator.
type Transport interface {
	// Connect opens the connection to the hub.
	Connect(ctx context.Context) error
	// Send publishes one telemetry message and returns once the hub accepted
	// it or the send failed.
	Send(ctx context.Context, out Outbound) error
	// Subscribe registers h for cloud-to-device messages.
	Subscribe(ctx context.Context, h Handler) error
	// Errors reports connection failures that happen after Connect.
	Errors() <-chan error
	Close() error
}

// Outbound is a telemetry payload with its correlation id.
type Outbound struct {
	MessageID string
	Payload   []byte
}

// Handler receives cloud-to-device messages. It must settle each message with
// Complete or Reject.
type Handler func(ctx context.Context, msg *Inbound)

// Inbound is a cloud-to-device message awaiting settlement.
type Inbound struct {
	MessageID string
	Topic     string
	Payload   []byte

	complete func() error
	reject   func() error
}

func NewInbound(messageID, topic string, payload []byte, complete, reject func() error) *Inbound {
	return &Inbound{
		MessageID: messageID,
		Topic:     topic,
		Payload:   payload,
		complete:  complete,
		reject:    reject,
	}
}

// Complete tells the hub the message was handled.
func (m *Inbound) Complete() error {
	if m.complete == nil {
		return nil
	}
	return m.complete()
}

// Reject tells the hub the message could not be handled.
func (m *Inbound) Reject() error {
	if m.reject == nil {
		return nil
	}
	return m.reject()
}
