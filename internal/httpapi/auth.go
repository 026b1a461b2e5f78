package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenAudience = "sheetgate"

const (
	scopeEntitiesRead  = "entities:read"
	scopeEntitiesWrite = "entities:write"
	scopeCacheAdmin    = "cache:admin"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

func unauthorized(message string) *authError {
	return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: message}
}

func forbidden(message string) *authError {
	return &authError{status: http.StatusForbidden, code: "forbidden", message: message}
}

// scopeList accepts scopes as a JSON array or a space separated string.
type scopeList []string

func (s *scopeList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*s = list
		return nil
	}
	var joined string
	if err := json.Unmarshal(data, &joined); err != nil {
		return err
	}
	*s = strings.Fields(joined)
	return nil
}

type bearerClaims struct {
	jwt.RegisteredClaims
	Sources []string  `json:"sources"`
	Scopes  scopeList `json:"scopes"`
}

type tokenClaims struct {
	Subject string
	Sources map[string]struct{}
	Scopes  map[string]struct{}
	Exp     time.Time
}

func (c tokenClaims) allowsSource(sourceID string) bool {
	if sourceID == "" {
		return true
	}
	if _, ok := c.Sources["*"]; ok {
		return true
	}
	_, ok := c.Sources[sourceID]
	return ok
}

func authorizeBearer(authHeader, jwtSecret, sourceID, requiredScope string, now time.Time) (tokenClaims, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return tokenClaims{}, unauthorized("missing or invalid bearer token")
	}
	return authorizeToken(strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer ")), jwtSecret, sourceID, requiredScope, now)
}

func authorizeToken(raw, jwtSecret, sourceID, requiredScope string, now time.Time) (tokenClaims, *authError) {
	claims, err := parseToken(raw, jwtSecret, now)
	if err != nil {
		return tokenClaims{}, err
	}
	if !claims.allowsSource(sourceID) {
		return tokenClaims{}, forbidden("source not granted: " + sourceID)
	}
	if requiredScope != "" {
		if _, ok := claims.Scopes[requiredScope]; !ok {
			return tokenClaims{}, forbidden("missing required scope: " + requiredScope)
		}
	}
	return claims, nil
}

// parseToken verifies an HS256 token. Time and audience checks run against
// now so callers control the clock.
func parseToken(raw, jwtSecret string, now time.Time) (tokenClaims, *authError) {
	if raw == "" {
		return tokenClaims{}, unauthorized("missing or invalid bearer token")
	}
	var parsed bearerClaims
	_, err := jwt.ParseWithClaims(raw, &parsed, func(*jwt.Token) (any, error) {
		return []byte(jwtSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return tokenClaims{}, mapJWTError(err)
	}

	if parsed.ExpiresAt == nil {
		return tokenClaims{}, unauthorized("invalid exp claim")
	}
	if !parsed.ExpiresAt.Time.After(now) {
		return tokenClaims{}, unauthorized("token expired")
	}
	if parsed.NotBefore != nil && now.Before(parsed.NotBefore.Time) {
		return tokenClaims{}, unauthorized("token not active yet")
	}
	if !audienceContains(parsed.Audience, tokenAudience) {
		return tokenClaims{}, unauthorized("invalid aud claim")
	}
	subject := strings.TrimSpace(parsed.Subject)
	if subject == "" {
		return tokenClaims{}, unauthorized("missing sub claim")
	}

	out := tokenClaims{
		Subject: subject,
		Sources: map[string]struct{}{},
		Scopes:  map[string]struct{}{},
		Exp:     parsed.ExpiresAt.Time,
	}
	for _, scope := range parsed.Scopes {
		if scope = strings.TrimSpace(scope); scope != "" {
			out.Scopes[scope] = struct{}{}
		}
	}
	for _, source := range parsed.Sources {
		if source = strings.TrimSpace(source); source != "" {
			out.Sources[source] = struct{}{}
		}
	}
	if len(out.Scopes) == 0 {
		return tokenClaims{}, forbidden("no scopes granted")
	}
	return out, nil
}

func mapJWTError(err error) *authError {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return unauthorized("invalid jwt format")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return unauthorized("jwt signature mismatch")
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return unauthorized("unsupported jwt algorithm")
	default:
		return unauthorized("invalid token")
	}
}

func audienceContains(aud jwt.ClaimStrings, want string) bool {
	for _, item := range aud {
		if item == want {
			return true
		}
	}
	return false
}
