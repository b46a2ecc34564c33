package broker

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"os"
	"testing"
)

func TestParseEnvelope(t *testing.T) {
	log.SetOutput(io.Discard)
	defer log.SetOutput(os.Stderr)

	t.Run("complete envelope", func(t *testing.T) {
		body := `{"command":"new_case_found","payload":{"case_id":"C1"},"timestamp":"2025-01-02T03:04:05Z","correlation_id":"corr-1","retry_count":2}`
		env, err := ParseEnvelope([]byte(body))
		if err != nil {
			t.Fatal(err)
		}
		if env.Command != "new_case_found" || env.CorrelationID != "corr-1" || env.RetryCount != 2 {
			t.Fatalf("bad envelope: %+v", env)
		}
		var p map[string]string
		json.Unmarshal(env.Payload, &p)
		if p["case_id"] != "C1" {
			t.Fatalf("payload lost: %+v", p)
		}
	})

	t.Run("missing correlation id is synthesized", func(t *testing.T) {
		body := `{"command":"new_case_found","payload":{"case_id":"C1"}}`
		env, err := ParseEnvelope([]byte(body))
		if err != nil {
			t.Fatal(err)
		}
		if env.CorrelationID == "" {
			t.Fatal("correlation id not synthesized")
		}
	})

	malformed := map[string]string{
		"not json":        `{{{`,
		"missing command": `{"payload":{"case_id":"C1"}}`,
		"missing payload": `{"command":"new_case_found"}`,
		"null payload":    `{"command":"new_case_found","payload":null}`,
	}
	for name, body := range malformed {
		t.Run(name, func(t *testing.T) {
			_, err := ParseEnvelope([]byte(body))
			var malformedErr *MalformedError
			if !errors.As(err, &malformedErr) {
				t.Fatalf("want MalformedError, got %v", err)
			}
		})
	}
}

func TestNewEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope("execute_command", map[string]any{"case_id": "C1", "gpu_id": 0}, "corr-1")
	if err != nil {
		t.Fatal(err)
	}
	if env.RetryCount != 0 {
		t.Fatalf("fresh envelope must start at retry 0, got %d", env.RetryCount)
	}
	if env.Timestamp.IsZero() {
		t.Fatal("timestamp not stamped")
	}

	body, err := env.Encode()
	if err != nil {
		t.Fatal(err)
	}
	back, err := ParseEnvelope(body)
	if err != nil {
		t.Fatal(err)
	}
	if back.Command != env.Command || back.CorrelationID != env.CorrelationID {
		t.Fatalf("round trip lost fields: %+v", back)
	}
}
