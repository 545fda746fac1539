package callmeta

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"go.opentelemetry.io/otel/trace"
)

// GenerateTraceID returns a random, valid trace id.
func GenerateTraceID() trace.TraceID {
	var id trace.TraceID
	for !id.IsValid() {
		_, _ = rand.Read(id[:])
	}
	return id
}

// GenerateSpanID returns a random, valid span id.
func GenerateSpanID() trace.SpanID {
	var id trace.SpanID
	for !id.IsValid() {
		_, _ = rand.Read(id[:])
	}
	return id
}

// parseTraceID parses a 32 character hex trace id.
func parseTraceID(s string) (trace.TraceID, error) {
	var id trace.TraceID
	if len(s) != 2*len(id) {
		return id, fmt.Errorf("trace id must be %d hex characters", 2*len(id))
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return id, fmt.Errorf("trace id: %w", err)
	}
	if !id.IsValid() {
		return id, fmt.Errorf("trace id must not be all zeros")
	}
	return id, nil
}
