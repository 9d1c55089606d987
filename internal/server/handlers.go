package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"

	"github.com/alexjbarnes/b3-gateway/internal/envelope"
	apperrors "github.com/alexjbarnes/b3-gateway/internal/errors"
	"github.com/alexjbarnes/b3-gateway/internal/gateway"
)

const (
	msgTestOK     = "Token OK + mTLS OK (healthcheck passou)"
	msgTestFailed = "Falhou token e/ou mTLS"

	maxBodyBytes = 1 << 20
)

type handlers struct {
	gw     Gateway
	logger *slog.Logger
}

type readiness struct {
	OK      bool     `json:"ok"`
	Missing []string `json:"missing,omitempty"`
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, readiness{OK: true})
}

func (h *handlers) ready(w http.ResponseWriter, _ *http.Request) {
	missing := h.gw.Missing()
	if len(missing) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, readiness{OK: false, Missing: missing})
		return
	}

	writeJSON(w, http.StatusOK, readiness{OK: true})
}

func (h *handlers) test(w http.ResponseWriter, r *http.Request) {
	resp, err := h.gw.Test(r.Context())
	if err != nil {
		h.logFailure(r, "test", err)
		code, env := envelope.Normalize(err)
		writeJSON(w, code, env.WithMessage(msgTestFailed))

		return
	}

	writeJSON(w, http.StatusOK, envelope.Healthcheck(msgTestOK, resp.Payload()))
}

func (h *handlers) tokenInfo(w http.ResponseWriter, r *http.Request) {
	claims, err := h.gw.TokenInfo(r.Context())
	if err != nil {
		h.logFailure(r, "token-info", err)
		code, diag := envelope.NormalizeDiagnostic(err)
		writeJSON(w, code, diag)

		return
	}

	writeJSON(w, http.StatusOK, envelope.Claims(claims))
}

func (h *handlers) guia(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	resp, err := h.gw.Guia(r.Context(), gateway.GuiaQuery{
		Product:            q.Get("product"),
		ReferenceStartDate: q.Get("referenceStartDate"),
		ReferenceEndDate:   q.Get("referenceEndDate"),
		Page:               q.Get("page"),
	})
	if err != nil {
		h.logFailure(r, "guia", err)
		code, env := envelope.Normalize(err)
		writeJSON(w, code, env)

		return
	}

	writeJSON(w, http.StatusOK, envelope.Data(resp.Payload()))
}

func (h *handlers) autosservico(w http.ResponseWriter, r *http.Request) {
	enrollment, err := decodeEnrollment(w, r)
	if err == nil {
		resp, fwdErr := h.gw.Autosservico(r.Context(), enrollment)
		if fwdErr == nil {
			writeJSON(w, resp.Status, envelope.Passthrough(resp))
			return
		}

		err = fwdErr
	}

	h.logFailure(r, "autosservico", err)
	code, env := envelope.Normalize(err)
	writeJSON(w, code, env)
}

// decodeEnrollment reads the enrollment from a form-encoded or JSON body.
// A body without a content type is treated as JSON.
func decodeEnrollment(w http.ResponseWriter, r *http.Request) (gateway.Enrollment, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	switch mediaType {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		if err := r.ParseMultipartForm(maxBodyBytes); err != nil && !errors.Is(err, http.ErrNotMultipart) {
			return gateway.Enrollment{}, &apperrors.ValidationError{Field: "body", Reason: "is not a valid form"}
		}

		return gateway.Enrollment{
			Nome:      r.PostFormValue("nome"),
			Documento: r.PostFormValue("documento"),
			Email:     r.PostFormValue("email"),
		}, nil
	}

	var e gateway.Enrollment
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil && !errors.Is(err, io.EOF) {
		return gateway.Enrollment{}, &apperrors.ValidationError{Field: "body", Reason: "is not a valid JSON object"}
	}

	return e, nil
}

func (h *handlers) logFailure(r *http.Request, op string, err error) {
	level := slog.LevelWarn
	if errors.Is(err, apperrors.ErrValidation) {
		level = slog.LevelInfo
	}

	attrs := []slog.Attr{
		slog.String("op", op),
		slog.String("request_id", RequestIDFrom(r.Context())),
		slog.String("error", err.Error()),
	}

	if status, ok := apperrors.StatusOf(err); ok {
		attrs = append(attrs, slog.Int("upstream_status", status))
	}

	h.logger.LogAttrs(r.Context(), level, "operation failed", attrs...)
}
