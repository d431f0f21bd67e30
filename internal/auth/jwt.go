package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid or expired token")
)

// Claims bearer-token claims issued by the registry
type Claims struct {
	UserID      int64  `json:"user_id,omitempty"`
	TenantID    string `json:"tenant_id,omitempty"`
	IsSuperuser bool   `json:"is_superuser,omitempty"`
	Global      bool   `json:"global,omitempty"`
	jwt.RegisteredClaims
}

// IsGlobal superusers and global listeners receive every tenant broadcast
func (c *Claims) IsGlobal() bool {
	return c.IsSuperuser || c.Global
}

// Authenticator validates HMAC-signed bearer tokens
type Authenticator struct {
	secret []byte
	method jwt.SigningMethod
}

// NewAuthenticator creates an authenticator for secret and alg (HS256, HS384, HS512)
func NewAuthenticator(secret, alg string) (*Authenticator, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	if alg == "" {
		alg = jwt.SigningMethodHS256.Alg()
	}
	method := jwt.GetSigningMethod(alg)
	if _, ok := method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unsupported jwt algorithm %q", alg)
	}
	return &Authenticator{secret: []byte(secret), method: method}, nil
}

// Parse validates token and returns its claims. A numeric "sub" fills a missing user_id.
func (a *Authenticator) Parse(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingToken
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{a.method.Alg()}))
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.UserID == 0 && claims.Subject != "" {
		if id, err := strconv.ParseInt(claims.Subject, 10, 64); err == nil {
			claims.UserID = id
		}
	}
	if claims.TenantID == "" && !claims.IsGlobal() {
		return nil, fmt.Errorf("%w: no tenant", ErrInvalidToken)
	}
	return claims, nil
}

// Issue signs claims; used by tooling and tests
func (a *Authenticator) Issue(claims Claims, ttl time.Duration) (string, error) {
	now := time.Now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(a.method, claims).SignedString(a.secret)
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" header value
func BearerToken(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
