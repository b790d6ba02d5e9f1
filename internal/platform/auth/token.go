package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Issuer signs HS256 session tokens. The login flows that call it live
// outside this service; the CLI uses it to mint tokens for operators and
// tests use it to drive the middleware.
type Issuer struct {
	Key      []byte
	Issuer   string
	Audience string
	TTL      time.Duration
	Now      func() time.Time
}

// Issue signs a session for a and returns the token with its claims.
func (i Issuer) Issue(a Actor) (string, *Claims, error) {
	if len(i.Key) == 0 {
		return "", nil, fmt.Errorf("signing key is not configured")
	}
	if _, err := ParseRole(string(a.Role)); err != nil {
		return "", nil, err
	}
	now := time.Now
	if i.Now != nil {
		now = i.Now
	}
	ttl := i.TTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	issued := now()

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   a.ID,
			Issuer:    i.Issuer,
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(issued.Add(ttl)),
		},
		Name:      a.Name,
		Role:      string(a.Role),
		Branch:    string(a.Branch),
		PatientID: a.PatientID,
		TenantID:  a.TenantID,
	}
	if i.Audience != "" {
		claims.Audience = jwt.ClaimStrings{i.Audience}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.Key)
	if err != nil {
		return "", nil, fmt.Errorf("sign session: %w", err)
	}
	return signed, claims, nil
}
