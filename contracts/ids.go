package contracts

import (
	"fmt"

	"github.com/google/uuid"
)

// ProtocolVersion is the version stamped on outbound envelopes.
const ProtocolVersion = "2.0.0"

// NewMessageID generates a globally unique message id.
func NewMessageID() string {
	return fmt.Sprintf("msg-%s", uuid.New().String())
}

// NewCorrelationID generates a correlation id linking a request to its
// response.
func NewCorrelationID() string {
	return fmt.Sprintf("corr-%s", uuid.New().String())
}

// NewSessionID generates a session id for a negotiated secure channel.
func NewSessionID() string {
	return fmt.Sprintf("sess-%s", uuid.New().String())
}

// NewTraceID generates a trace id for message lifecycle tracking.
func NewTraceID() string {
	return fmt.Sprintf("trace-%s", uuid.New().String())
}
