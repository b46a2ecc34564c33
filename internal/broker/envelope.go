package broker

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// Envelope is the wire frame every message travels in. Payload stays raw
// so the router can defer decoding until the command is known.
type Envelope struct {
	Command       string          `json:"command"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id"`
	RetryCount    int             `json:"retry_count"`
}

// MalformedError marks bodies that cannot become a usable envelope. The
// consumer dead-letters these without a retry.
type MalformedError struct {
	Reason string
}

func (e *MalformedError) Error() string {
	return "malformed envelope: " + e.Reason
}

// NewEnvelope frames an outbound command.
func NewEnvelope(command string, payload any, correlationID string) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", command, err)
	}
	return &Envelope{
		Command:       command,
		Payload:       raw,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		RetryCount:    0,
	}, nil
}

// ParseEnvelope decodes an inbound body. A body that is not JSON or lacks
// command/payload is malformed. A missing correlation id is tolerated: one
// is minted so downstream log lines stay traceable.
func ParseEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &MalformedError{Reason: err.Error()}
	}
	if env.Command == "" {
		return nil, &MalformedError{Reason: "missing command"}
	}
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return nil, &MalformedError{Reason: "missing payload"}
	}
	if env.CorrelationID == "" {
		env.CorrelationID = uuid.NewString()
		log.Printf("Broker: inbound %s had no correlation_id, assigned %s",
			env.Command, env.CorrelationID)
	}
	return &env, nil
}

func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}
