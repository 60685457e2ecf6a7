// Package auth verifies the HS256 bearer tokens internal callers present to
// the standalone ingest server.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fitglue/ride-ingest/pkg/ingest"
)

// RoleService may act on behalf of any user.
const RoleService = "service"

type Config struct {
	Secret string
	Issuer string
}

type Claims struct {
	Subject   string
	Role      string
	ExpiresAt time.Time
}

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid bearer token")
)

// Parse validates an HS256 token and returns its claims. Tokens without a
// subject are rejected.
func Parse(token string, cfg Config) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingToken
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		return []byte(cfg.Secret), nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	subject, _ := claims.GetSubject()
	if subject == "" {
		return nil, ErrInvalidToken
	}
	role, _ := claims["role"].(string)

	out := &Claims{Subject: subject, Role: role}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	return out, nil
}

// ImportAuthorizer lets a caller import its own history, or anyone's when it
// holds the service role. An empty userId defaults to the token subject.
func ImportAuthorizer(cfg Config) ingest.Authorizer {
	return func(r *http.Request, req *ingest.ImportRequest) error {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			return ingest.NewValidationError(http.StatusUnauthorized, ErrMissingToken.Error())
		}
		claims, err := Parse(token, cfg)
		if err != nil {
			return ingest.NewValidationError(http.StatusUnauthorized, err.Error())
		}

		if req.UserID == "" {
			req.UserID = claims.Subject
		}
		if claims.Role != RoleService && req.UserID != claims.Subject {
			return ingest.NewValidationError(http.StatusForbidden, "cannot import for another user")
		}
		return nil
	}
}
