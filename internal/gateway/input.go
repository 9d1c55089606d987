package gateway

import (
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	apperrors "github.com/alexjbarnes/b3-gateway/internal/errors"
)

const dateLayout = "2006-01-02"

// GuiaQuery holds the caller's data query parameters. Empty optional
// fields are not sent upstream.
type GuiaQuery struct {
	Product            string
	ReferenceStartDate string
	ReferenceEndDate   string
	Page               string
}

// Normalize trims surrounding whitespace from every field.
func (q GuiaQuery) Normalize() GuiaQuery {
	return GuiaQuery{
		Product:            strings.TrimSpace(q.Product),
		ReferenceStartDate: strings.TrimSpace(q.ReferenceStartDate),
		ReferenceEndDate:   strings.TrimSpace(q.ReferenceEndDate),
		Page:               strings.TrimSpace(q.Page),
	}
}

// Validate reports the first invalid field.
func (q GuiaQuery) Validate() error {
	if q.Product == "" {
		return &apperrors.ValidationError{Field: "product"}
	}

	if q.ReferenceStartDate == "" {
		return &apperrors.ValidationError{Field: "referenceStartDate"}
	}

	if err := validateDate("referenceStartDate", q.ReferenceStartDate); err != nil {
		return err
	}

	if q.ReferenceEndDate != "" {
		if err := validateDate("referenceEndDate", q.ReferenceEndDate); err != nil {
			return err
		}
	}

	if q.Page != "" {
		n, err := strconv.Atoi(q.Page)
		if err != nil || n < 1 {
			return &apperrors.ValidationError{Field: "page", Reason: "must be a positive integer"}
		}
	}

	return nil
}

func validateDate(field, value string) error {
	if _, err := time.Parse(dateLayout, value); err != nil {
		return &apperrors.ValidationError{Field: field, Reason: "must be a date in YYYY-MM-DD format"}
	}

	return nil
}

// Enrollment is the self-service enrollment submission.
type Enrollment struct {
	Nome      string `json:"nome"`
	Documento string `json:"documento"`
	Email     string `json:"email"`
}

// Normalize trims every field and puts the name in NFC form so composed
// and decomposed accents reach the upstream identically.
func (e Enrollment) Normalize() Enrollment {
	return Enrollment{
		Nome:      norm.NFC.String(strings.TrimSpace(e.Nome)),
		Documento: strings.TrimSpace(e.Documento),
		Email:     strings.TrimSpace(e.Email),
	}
}

// Validate reports the first missing or invalid field.
func (e Enrollment) Validate() error {
	if e.Nome == "" {
		return &apperrors.ValidationError{Field: "nome"}
	}

	if e.Documento == "" {
		return &apperrors.ValidationError{Field: "documento"}
	}

	if e.Email == "" {
		return &apperrors.ValidationError{Field: "email"}
	}

	if !strings.Contains(e.Email, "@") {
		return &apperrors.ValidationError{Field: "email", Reason: "must be an email address"}
	}

	return nil
}
