package bus

import (
	"encoding/json"
	"fmt"

	"github.com/fnolabs/tickflow/internal/persistence"
)

// EnvelopeVersion is prepended to every payload so the wire format can
// evolve without flag days. Workers reject versions they do not know.
const EnvelopeVersion byte = 0x01

// EnvelopeError reports a payload the worker cannot decode. The worker
// counts these per message and dead-letters after repeated failures.
type EnvelopeError struct {
	Version byte
	Reason  string
}

func (e *EnvelopeError) Error() string {
	return fmt.Sprintf("bad envelope (version 0x%02x): %s", e.Version, e.Reason)
}

// Encode serializes a tick with the version header byte. Field order is
// fixed by the struct definition, so payloads are canonical.
func Encode(t persistence.TickRow) ([]byte, error) {
	body, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode tick: %w", err)
	}
	payload := make([]byte, 0, len(body)+1)
	payload = append(payload, EnvelopeVersion)
	payload = append(payload, body...)
	return payload, nil
}

// Decode parses a versioned payload back into a tick.
func Decode(payload []byte) (persistence.TickRow, error) {
	var t persistence.TickRow

	if len(payload) < 2 {
		return t, &EnvelopeError{Reason: "payload too short"}
	}
	if payload[0] != EnvelopeVersion {
		return t, &EnvelopeError{Version: payload[0], Reason: "unknown version"}
	}
	if err := json.Unmarshal(payload[1:], &t); err != nil {
		return t, &EnvelopeError{Version: payload[0], Reason: err.Error()}
	}
	return t, nil
}
