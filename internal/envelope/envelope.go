// Package envelope builds the JSON bodies the gateway answers with. Every
// failure is mapped through Normalize so all operations share one shape.
package envelope

import (
	"errors"
	"net/http"
	"strings"

	apperrors "github.com/alexjbarnes/b3-gateway/internal/errors"
	"github.com/alexjbarnes/b3-gateway/internal/token"
	"github.com/alexjbarnes/b3-gateway/internal/upstream"
)

// fallbackDetail is used when a failure has neither a body nor a message.
const fallbackDetail = "internal error"

// Envelope is the failure and passthrough response body. Detail is always
// present, null when the upstream answered with an empty body.
type Envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Status  *int   `json:"status,omitempty"`
	Detail  any    `json:"detail"`
}

// WithMessage returns a copy of e carrying msg.
func (e Envelope) WithMessage(msg string) Envelope {
	e.Message = msg
	return e
}

// DataEnvelope carries a successful upstream payload.
type DataEnvelope struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
}

// Data wraps a successful upstream payload.
func Data(payload any) DataEnvelope {
	return DataEnvelope{Success: true, Data: payload}
}

// HealthcheckEnvelope carries a successful connectivity check.
type HealthcheckEnvelope struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	Healthcheck any    `json:"healthcheck"`
}

// Healthcheck wraps a successful connectivity check.
func Healthcheck(msg string, payload any) HealthcheckEnvelope {
	return HealthcheckEnvelope{Success: true, Message: msg, Healthcheck: payload}
}

// Passthrough mirrors an upstream answer: success follows the 2xx range
// and the upstream body is carried as detail.
func Passthrough(resp *upstream.Response) Envelope {
	status := resp.Status

	return Envelope{
		Success: resp.OK(),
		Status:  &status,
		Detail:  resp.Payload(),
	}
}

// Normalize maps any failure to an HTTP status and a failure envelope.
// Validation failures answer 400, everything else 500. Status carries the
// upstream status when the failure has one; Detail is the upstream body
// when present, else the failure message. Detail is never empty.
func Normalize(err error) (int, Envelope) {
	code := http.StatusInternalServerError
	if errors.Is(err, apperrors.ErrValidation) {
		code = http.StatusBadRequest
	}

	env := Envelope{Success: false, Detail: Detail(err)}

	if status, ok := apperrors.StatusOf(err); ok {
		env.Status = &status
	}

	return code, env
}

// Detail returns the upstream payload carried by err, or its message.
func Detail(err error) any {
	if payload := upstream.Payload(apperrors.BodyOf(err)); payload != nil {
		return payload
	}

	if err != nil {
		if msg := strings.TrimSpace(err.Error()); msg != "" {
			return msg
		}
	}

	return fallbackDetail
}

// Diagnostic is the body of the token diagnostics operation.
type Diagnostic struct {
	OK     bool `json:"ok"`
	Detail any  `json:"detail,omitempty"`
	*token.Claims
}

// Claims wraps decoded token claims.
func Claims(c *token.Claims) Diagnostic {
	if c == nil {
		c = &token.Claims{}
	}

	return Diagnostic{OK: true, Claims: c}
}

// NormalizeDiagnostic maps a token diagnostics failure the same way
// Normalize does, in the diagnostics shape.
func NormalizeDiagnostic(err error) (int, Diagnostic) {
	code, env := Normalize(err)
	return code, Diagnostic{OK: false, Detail: env.Detail}
}
