package token

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/alexjbarnes/b3-gateway/internal/errors"
)

// Claims are the diagnostic claims of an access token. Absent claims are
// nil so they serialize as null.
type Claims struct {
	// Aud is a string or a list of strings, as issued.
	Aud   any      `json:"aud"`
	Iss   *string  `json:"iss"`
	Roles []string `json:"roles"`
	Scp   *string  `json:"scp"`
	AppID *string  `json:"appid"`
	TID   *string  `json:"tid"`
	Exp   *int64   `json:"exp"`
}

// DecodeClaims reads the claims segment of token without verifying the
// signature or looking at the header. The gateway only needs the claims
// for diagnostics and cache expiry; the upstream API verifies the token
// itself. Padded and unpadded base64url payloads are both accepted.
func DecodeClaims(token string) (*Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, &apperrors.MalformedTokenError{Cause: fmt.Errorf("token has %d segments, want 3", len(parts))}
	}

	if parts[1] == "" {
		return nil, &apperrors.MalformedTokenError{Cause: errors.New("empty claims segment")}
	}

	payload, err := jwt.NewParser(jwt.WithPaddingAllowed()).DecodeSegment(parts[1])
	if err != nil {
		return nil, &apperrors.MalformedTokenError{Cause: fmt.Errorf("decoding claims segment: %w", err)}
	}

	mc := jwt.MapClaims{}
	if err := json.Unmarshal(payload, &mc); err != nil {
		return nil, &apperrors.MalformedTokenError{Cause: fmt.Errorf("parsing claims: %w", err)}
	}

	c := &Claims{
		Aud:   audience(mc["aud"]),
		Iss:   stringClaim(mc, "iss"),
		Roles: stringsClaim(mc, "roles"),
		Scp:   stringClaim(mc, "scp"),
		AppID: stringClaim(mc, "appid"),
		TID:   stringClaim(mc, "tid"),
	}

	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		v := exp.Unix()
		c.Exp = &v
	}

	return c, nil
}

func audience(v any) any {
	switch aud := v.(type) {
	case string:
		return aud
	case []any:
		out := make([]string, 0, len(aud))
		for _, a := range aud {
			if s, ok := a.(string); ok {
				out = append(out, s)
			}
		}

		return out
	}

	return nil
}

func stringClaim(mc jwt.MapClaims, name string) *string {
	s, ok := mc[name].(string)
	if !ok {
		return nil
	}

	return &s
}

func stringsClaim(mc jwt.MapClaims, name string) []string {
	raw, ok := mc[name].([]any)
	if !ok {
		return nil
	}

	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if s, ok := r.(string); ok {
			out = append(out, s)
		}
	}

	return out
}
