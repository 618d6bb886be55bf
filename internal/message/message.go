// Package message defines the JSON payloads exchanged between the device and
// the hub and validates the ones the device receives.
package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/relvacode/iso8601"

	"github.com/bilal/hubtiming-agent/internal/stats"
)

const (
	TypeTime   = "time"
	TypeStatus = "status"

	// TimeLayout is the layout of outbound timestamps.
	TimeLayout = "2006-01-02T15:04:05.000Z07:00"
)

var (
	ErrMalformedPayload = errors.New("payload is not a json object")
	ErrNoRequest        = errors.New("json does not contain request")
	ErrUnrecognizedType = errors.New("request not recognized")
	ErrInvalidFormat    = errors.New("invalid message format")
)

// Telemetry is sent by the device on every tick.
type Telemetry struct {
	Type     string `json:"type"`
	Time     string `json:"time"`
	DeviceID string `json:"deviceId"`
}

func NewTelemetry(deviceID string, at time.Time) Telemetry {
	return Telemetry{
		Type:     TypeTime,
		Time:     at.UTC().Format(TimeLayout),
		DeviceID: deviceID,
	}
}

// SentAt parses the telemetry timestamp.
func (t Telemetry) SentAt() (time.Time, error) {
	return iso8601.ParseString(t.Time)
}

// Envelope is an inbound payload merged with the transport message id.
type Envelope struct {
	MessageID string
	Type      string
	Body      []byte
}

// Decode reads the request type from an inbound payload. A payload without a
// type yields ErrNoRequest.
func Decode(messageID string, body []byte) (*Envelope, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if head.Type == "" {
		return nil, ErrNoRequest
	}
	return &Envelope{MessageID: messageID, Type: head.Type, Body: body}, nil
}

// Status is the hub's acknowledgment of one telemetry message.
type Status struct {
	MessageID string
	Time      time.Time
	ID        string
	D2C       stats.Snapshot
	ACK       stats.Snapshot
}

type wireStatus struct {
	Type string          `json:"type"`
	Time json.RawMessage `json:"time"`
	ID   string          `json:"id"`
	D2C  *stats.Snapshot `json:"D2C"`
	ACK  *stats.Snapshot `json:"ACK"`
}

// ParseStatus validates a status payload. Every failure wraps
// ErrInvalidFormat.
func ParseStatus(env *Envelope) (*Status, error) {
	var w wireStatus
	if err := json.Unmarshal(env.Body, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}

	switch {
	case w.Type != TypeStatus:
		return nil, fmt.Errorf("%w: type %q", ErrInvalidFormat, w.Type)
	case isAbsent(w.Time):
		return nil, fmt.Errorf("%w: missing time", ErrInvalidFormat)
	case w.ID == "":
		return nil, fmt.Errorf("%w: missing id", ErrInvalidFormat)
	case w.D2C == nil:
		return nil, fmt.Errorf("%w: missing D2C", ErrInvalidFormat)
	case w.ACK == nil:
		return nil, fmt.Errorf("%w: missing ACK", ErrInvalidFormat)
	}

	at, err := parseTime(w.Time)
	if err != nil {
		return nil, fmt.Errorf("%w: time: %v", ErrInvalidFormat, err)
	}

	return &Status{
		MessageID: env.MessageID,
		Time:      at,
		ID:        w.ID,
		D2C:       *w.D2C,
		ACK:       *w.ACK,
	}, nil
}

func isAbsent(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null")) || bytes.Equal(raw, []byte(`""`))
}

// parseTime accepts an ISO8601 string or a number of epoch milliseconds.
func parseTime(raw json.RawMessage) (time.Time, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return iso8601.ParseString(s)
	}

	var ms float64
	if err := json.Unmarshal(raw, &ms); err != nil {
		return time.Time{}, fmt.Errorf("unsupported timestamp %s", raw)
	}
	return time.UnixMilli(0).Add(time.Duration(ms * float64(time.Millisecond))), nil
}

// StatusPayload is the wire form of a status, built by the hub simulator.
type StatusPayload struct {
	Type string         `json:"type"`
	Time string         `json:"time"`
	ID   string         `json:"id"`
	D2C  stats.Snapshot `json:"D2C"`
	ACK  stats.Snapshot `json:"ACK"`
}

func NewStatusPayload(id string, at time.Time, d2c, ack stats.Metric) StatusPayload {
	return StatusPayload{
		Type: TypeStatus,
		Time: at.UTC().Format(TimeLayout),
		ID:   id,
		D2C:  stats.Snapshot{Last: d2c.Last, Total: d2c.Total, Count: d2c.Count},
		ACK:  stats.Snapshot{Last: ack.Last, Total: ack.Total, Count: ack.Count},
	}
}
