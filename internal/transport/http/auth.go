package http

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"quizchain-service/internal/domain"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const identityKey = "address"

var ErrInvalidToken = errors.New("invalid or expired token")

// Authenticator issues and verifies HS256 identity tokens whose subject is a
// lower-cased wallet address.
type Authenticator struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewAuthenticator(secret string, ttl time.Duration) *Authenticator {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Authenticator{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (a *Authenticator) IssueToken(address string) (string, error) {
	addr, err := domain.NormalizeAddress(address)
	if err != nil {
		return "", err
	}
	now := a.now()
	claims := jwt.MapClaims{
		"sub": addr,
		"iat": now.Unix(),
		"exp": now.Add(a.ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// Verify returns the address a token was issued for.
func (a *Authenticator) Verify(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(a.now))
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}
	sub, err := token.Claims.GetSubject()
	if err != nil {
		return "", ErrInvalidToken
	}
	addr, err := domain.NormalizeAddress(sub)
	if err != nil {
		return "", ErrInvalidToken
	}
	return addr, nil
}

// RequireIdentity rejects requests without a valid bearer token.
func RequireIdentity(auth *Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearer(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization header required", "kind": "unauthorized"})
			return
		}
		addr, err := auth.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error(), "kind": "unauthorized"})
			return
		}
		c.Set(identityKey, addr)
		c.Next()
	}
}

// RequireOperator admits only the listed addresses. It runs after RequireIdentity.
func RequireOperator(operators []string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(operators))
	for _, op := range operators {
		if addr, err := domain.NormalizeAddress(op); err == nil {
			allowed[addr] = struct{}{}
		}
	}
	return func(c *gin.Context) {
		if _, ok := allowed[identity(c)]; !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "operator identity required", "kind": domain.KindForbidden})
			return
		}
		c.Next()
	}
}

// OptionalIdentity records the caller when a valid token is present and lets
// anonymous requests through.
func OptionalIdentity(auth *Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token, ok := bearer(c); ok {
			if addr, err := auth.Verify(token); err == nil {
				c.Set(identityKey, addr)
			}
		}
		c.Next()
	}
}

func bearer(c *gin.Context) (string, bool) {
	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func identity(c *gin.Context) string {
	return c.GetString(identityKey)
}
