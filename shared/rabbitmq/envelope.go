package rabbitmq

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope is the wire unit exchanged with the broker
type Envelope struct {
	MessageID  string          `json:"messageId"`
	RetryCount int             `json:"retryCount"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	Payload    json.RawMessage `json:"payload"`
}

// newEnvelope serializes payload and stamps first-publish metadata
func newEnvelope(payload any) (Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal payload: %w", err)
	}
	if !isObject(body) {
		return Envelope{}, fmt.Errorf("payload must encode to a JSON object, got %s", truncate(body))
	}

	return Envelope{
		MessageID:  uuid.New().String(),
		RetryCount: 0,
		EnqueuedAt: time.Now().UTC(),
		Payload:    body,
	}, nil
}

// nextAttempt returns the envelope republished after a handler failure
func (e Envelope) nextAttempt() Envelope {
	return Envelope{
		MessageID:  e.MessageID,
		RetryCount: e.RetryCount + 1,
		EnqueuedAt: time.Now().UTC(),
		Payload:    e.Payload,
	}
}

// Decode unmarshals the payload into v
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode payload of message %s: %w", e.MessageID, err)
	}
	return nil
}

func (e Envelope) marshal() ([]byte, error) {
	return json.Marshal(e)
}

// parseEnvelope decodes a delivery body; any error means the message is malformed
func parseEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, err
	}
	if env.MessageID == "" {
		return Envelope{}, errors.New("missing messageId")
	}
	if env.RetryCount < 0 {
		return Envelope{}, fmt.Errorf("negative retryCount %d", env.RetryCount)
	}
	if !isObject(env.Payload) {
		return Envelope{}, errors.New("payload is not a JSON object")
	}
	return env, nil
}

func isObject(b []byte) bool {
	b = bytes.TrimSpace(b)
	return len(b) > 1 && b[0] == '{'
}

func truncate(b []byte) string {
	const max = 64
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
