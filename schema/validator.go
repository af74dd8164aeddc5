package schema

import (
	"encoding/json"
	"fmt"

	"github.com/agentwire/agentwire-go/contracts"
)

// ValidationError describes a single structural problem found in a
// message.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (ve ValidationError) Error() string {
	return fmt.Sprintf("validation error in field '%s': %s", ve.Field, ve.Message)
}

// Validator checks raw wire bytes and typed payloads against the
// envelope schema. It is stateless and safe for concurrent use.
type Validator struct{}

// NewValidator creates a message validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate parses raw bytes into an Envelope and checks the generic
// required fields. It fails with an INVALID_MESSAGE protocol error
// listing every violation.
func (v *Validator) Validate(raw []byte) (*contracts.Envelope, error) {
	var env contracts.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, contracts.Errorf(contracts.ErrCodeInvalidMessage, "malformed envelope: %v", err)
	}
	if err := v.ValidateEnvelope(&env); err != nil {
		return nil, err
	}
	return &env, nil
}

// ValidateEnvelope checks the generic required fields of an already
// parsed envelope.
func (v *Validator) ValidateEnvelope(env *contracts.Envelope) error {
	var violations []ValidationError
	if env.ID == "" {
		violations = append(violations, ValidationError{Field: "id", Message: "required"})
	}
	if env.Version == "" {
		violations = append(violations, ValidationError{Field: "version", Message: "required"})
	}
	if env.Timestamp.IsZero() {
		violations = append(violations, ValidationError{Field: "timestamp", Message: "required"})
	}
	if env.From == "" {
		violations = append(violations, ValidationError{Field: "from", Message: "required"})
	}
	if env.To == "" {
		violations = append(violations, ValidationError{Field: "to", Message: "required"})
	}
	if !env.Kind.IsValid() {
		violations = append(violations, ValidationError{Field: "type", Message: fmt.Sprintf("unrecognized kind %q", env.Kind)})
	}
	if env.Priority != "" && !env.Priority.IsValid() {
		violations = append(violations, ValidationError{Field: "priority", Message: fmt.Sprintf("unrecognized priority %q", env.Priority)})
	}
	if len(violations) > 0 {
		return invalidMessage(violations)
	}
	return nil
}

// ValidateTyped decodes the payload as the given kind and checks its
// required fields. The envelope's kind must match.
func (v *Validator) ValidateTyped(env *contracts.Envelope, kind contracts.MessageKind) (contracts.Body, error) {
	if env.Kind != kind {
		return nil, contracts.Errorf(contracts.ErrCodeInvalidMessage,
			"envelope kind %q does not match expected %q", env.Kind, kind)
	}
	body, err := env.DecodeBody()
	if err != nil {
		return nil, contracts.Errorf(contracts.ErrCodeInvalidMessage, "%v", err)
	}

	var violations []ValidationError
	switch b := body.(type) {
	case *contracts.Request:
		if b.Method == "" {
			violations = append(violations, ValidationError{Field: "method", Message: "required"})
		}
	case *contracts.Response:
		switch b.Status {
		case contracts.StatusSuccess, contracts.StatusError, contracts.StatusPartial:
		default:
			violations = append(violations, ValidationError{Field: "status", Message: fmt.Sprintf("unrecognized status %q", b.Status)})
		}
		if b.Status == contracts.StatusError && b.Error == nil {
			violations = append(violations, ValidationError{Field: "error", Message: "required when status is error"})
		}
	case *contracts.Notification:
		if b.Event == "" {
			violations = append(violations, ValidationError{Field: "event", Message: "required"})
		}
	case *contracts.Event:
		if b.EventType == "" {
			violations = append(violations, ValidationError{Field: "eventType", Message: "required"})
		}
		if b.Source == "" {
			violations = append(violations, ValidationError{Field: "source", Message: "required"})
		}
	case *contracts.ErrorBody:
		if b.Error.Code == "" {
			violations = append(violations, ValidationError{Field: "error.code", Message: "required"})
		}
		if b.Error.Message == "" {
			violations = append(violations, ValidationError{Field: "error.message", Message: "required"})
		}
	}
	if len(violations) > 0 {
		return nil, invalidMessage(violations)
	}
	return body, nil
}

func invalidMessage(violations []ValidationError) *contracts.ProtocolError {
	fields := make([]interface{}, 0, len(violations))
	for _, v := range violations {
		fields = append(fields, map[string]interface{}{"field": v.Field, "message": v.Message})
	}
	return contracts.Errorf(contracts.ErrCodeInvalidMessage,
		"message failed validation: %s", violations[0].Error()).
		WithDetails(map[string]interface{}{"violations": fields})
}
