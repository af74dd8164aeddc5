package contracts

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageKind discriminates the five envelope specializations.
type MessageKind string

const (
	KindRequest      MessageKind = "request"
	KindResponse     MessageKind = "response"
	KindNotification MessageKind = "notification"
	KindEvent        MessageKind = "event"
	KindError        MessageKind = "error"
)

// IsValid reports whether k is one of the five known kinds.
func (k MessageKind) IsValid() bool {
	switch k {
	case KindRequest, KindResponse, KindNotification, KindEvent, KindError:
		return true
	}
	return false
}

// Priority orders messages for routing decisions.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// PriorityWeight maps priorities to numeric weights for comparison.
var PriorityWeight = map[Priority]int{
	PriorityLow:      1,
	PriorityMedium:   2,
	PriorityHigh:     3,
	PriorityCritical: 4,
}

// IsValid reports whether p is a known priority level.
func (p Priority) IsValid() bool {
	_, ok := PriorityWeight[p]
	return ok
}

// Envelope wraps every message on the wire with routing and control
// metadata. Payload carries the kind-specific body, decoded on demand
// through DecodeBody.
type Envelope struct {
	ID            string                 `json:"id"`
	Version       string                 `json:"version"`
	Timestamp     time.Time              `json:"timestamp"`
	From          string                 `json:"from"`
	To            string                 `json:"to"`
	Kind          MessageKind            `json:"type"`
	CorrelationID string                 `json:"correlationId,omitempty"`
	Priority      Priority               `json:"priority"`
	TTLSeconds    int                    `json:"ttl,omitempty"`
	Headers       map[string]interface{} `json:"headers,omitempty"`
	Payload       json.RawMessage        `json:"payload"`
}

// IsExpired reports whether the envelope's TTL has elapsed relative to
// its own timestamp. Envelopes without a TTL never expire.
func (e *Envelope) IsExpired(now time.Time) bool {
	if e.TTLSeconds <= 0 {
		return false
	}
	return now.Sub(e.Timestamp) > time.Duration(e.TTLSeconds)*time.Second
}

// Body is the tagged union over the five payload specializations.
type Body interface {
	Kind() MessageKind
}

// ResponseStatus is the outcome reported by a response payload.
type ResponseStatus string

const (
	StatusSuccess ResponseStatus = "success"
	StatusError   ResponseStatus = "error"
	StatusPartial ResponseStatus = "partial"
)

// Request asks the target agent to invoke a method.
type Request struct {
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	TimeoutMs int             `json:"timeout,omitempty"`
}

func (Request) Kind() MessageKind { return KindRequest }

// Response answers a request, matched by correlation id.
type Response struct {
	Status ResponseStatus  `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorDetail    `json:"error,omitempty"`
}

func (Response) Kind() MessageKind { return KindResponse }

// Notification is a one-way named signal with attached data.
type Notification struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (Notification) Kind() MessageKind { return KindNotification }

// Event reports something that happened at a source agent.
type Event struct {
	EventType string                 `json:"eventType"`
	Source    string                 `json:"source"`
	Data      json.RawMessage        `json:"data"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

func (Event) Kind() MessageKind { return KindEvent }

// ErrorBody carries a protocol error as a message payload.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

func (ErrorBody) Kind() MessageKind { return KindError }

// DecodeBody decodes the payload into the typed body matching the
// envelope's kind. The schema package layers required-field checks on
// top of this.
func (e *Envelope) DecodeBody() (Body, error) {
	switch e.Kind {
	case KindRequest:
		var b Request
		if err := json.Unmarshal(e.Payload, &b); err != nil {
			return nil, fmt.Errorf("decode request payload: %w", err)
		}
		return &b, nil
	case KindResponse:
		var b Response
		if err := json.Unmarshal(e.Payload, &b); err != nil {
			return nil, fmt.Errorf("decode response payload: %w", err)
		}
		return &b, nil
	case KindNotification:
		var b Notification
		if err := json.Unmarshal(e.Payload, &b); err != nil {
			return nil, fmt.Errorf("decode notification payload: %w", err)
		}
		return &b, nil
	case KindEvent:
		var b Event
		if err := json.Unmarshal(e.Payload, &b); err != nil {
			return nil, fmt.Errorf("decode event payload: %w", err)
		}
		return &b, nil
	case KindError:
		var b ErrorBody
		if err := json.Unmarshal(e.Payload, &b); err != nil {
			return nil, fmt.Errorf("decode error payload: %w", err)
		}
		return &b, nil
	default:
		return nil, fmt.Errorf("unknown message kind %q", e.Kind)
	}
}

// SetBody marshals a typed body into the payload and stamps the
// matching kind on the envelope.
func (e *Envelope) SetBody(body Body) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", body.Kind(), err)
	}
	e.Kind = body.Kind()
	e.Payload = data
	return nil
}

// NewEnvelope creates an envelope with a fresh message id, the current
// UTC timestamp, and the given body.
func NewEnvelope(from, to string, body Body) (*Envelope, error) {
	e := &Envelope{
		ID:        NewMessageID(),
		Version:   ProtocolVersion,
		Timestamp: time.Now().UTC(),
		From:      from,
		To:        to,
		Priority:  PriorityMedium,
	}
	if err := e.SetBody(body); err != nil {
		return nil, err
	}
	return e, nil
}
