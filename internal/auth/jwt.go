// Package auth issues and validates the bearer tokens that scope every
// reconciler request to one tenant.
//
// Tokens are HS256 JWTs carrying the tenant id ("tid") and the issuing
// device ("did") next to the registered claims. With an empty secret the
// server runs in development mode and trusts the X-Tenant-ID header.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

// Gin context keys set by Middleware.
const (
	CtxTenantID = "tenantID"
	CtxDeviceID = "deviceID"
)

// HeaderTenantID is trusted only in development mode.
const HeaderTenantID = "X-Tenant-ID"

var (
	ErrMissingToken = errors.New("bearer token required")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims are the custom JWT claims of a device token.
type Claims struct {
	TenantID string `json:"tid"`
	DeviceID string `json:"did"`
	jwt.RegisteredClaims
}

// Authenticator signs and verifies device tokens.
type Authenticator struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// New returns an authenticator. An empty secret enables development mode.
func New(secret, issuer string) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// Enabled reports whether tokens are required.
func (a *Authenticator) Enabled() bool { return len(a.secret) > 0 }

// Issue signs a token for deviceID acting on behalf of tenantID.
func (a *Authenticator) Issue(tenantID, deviceID string, ttl time.Duration) (string, error) {
	if !a.Enabled() {
		return "", errors.New("auth: no signing secret configured")
	}
	if tenantID == "" {
		return "", errors.New("auth: tenant id is required")
	}
	now := a.now()
	claims := &Claims{
		TenantID: tenantID,
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   deviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Validate parses and verifies a token.
func (a *Authenticator) Validate(token string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.TenantID == "" {
		return nil, fmt.Errorf("%w: missing tid", ErrInvalidToken)
	}
	return claims, nil
}

// TokenSource returns a function that mints a fresh token per request for
// deviceID. It matches remote.TokenSource.
func (a *Authenticator) TokenSource(deviceID string, ttl time.Duration) func(context.Context, string) (string, error) {
	return func(_ context.Context, tenantID string) (string, error) {
		if !a.Enabled() {
			return "", nil
		}
		return a.Issue(tenantID, deviceID, ttl)
	}
}

// Middleware authenticates the request and stores the tenant (and device)
// in the gin context. A request whose X-Tenant-ID header disagrees with the
// token's tenant is rejected.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := strings.TrimSpace(c.GetHeader(HeaderTenantID))

		if !a.Enabled() {
			if header == "" {
				abort(c, http.StatusUnauthorized, "tenant id required")
				return
			}
			c.Set(CtxTenantID, header)
			c.Next()
			return
		}

		token, err := bearer(c.GetHeader("Authorization"))
		if err != nil {
			abort(c, http.StatusUnauthorized, err.Error())
			return
		}
		claims, err := a.Validate(token)
		if err != nil {
			prefix := token
			if len(prefix) > 20 {
				prefix = prefix[:20]
			}
			log.Warn().Err(err).Str("token_prefix", prefix).Msg("jwt validation failed")
			abort(c, http.StatusUnauthorized, "invalid token")
			return
		}
		if header != "" && header != claims.TenantID {
			abort(c, http.StatusForbidden, "tenant mismatch")
			return
		}
		c.Set(CtxTenantID, claims.TenantID)
		c.Set(CtxDeviceID, claims.DeviceID)
		c.Next()
	}
}

// TenantFrom returns the tenant set by Middleware.
func TenantFrom(c *gin.Context) string {
	if v, ok := c.Get(CtxTenantID); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func bearer(h string) (string, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(h), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", ErrMissingToken
	}
	return strings.TrimSpace(token), nil
}

func abort(c *gin.Context, status int, msg string) {
	code := "unauthorized"
	if status == http.StatusForbidden {
		code = "forbidden"
	}
	c.AbortWithStatusJSON(status, gin.H{
		"success":    false,
		"request_id": c.Writer.Header().Get("X-Request-ID"),
		"code":       code,
		"error":      msg,
	})
}
