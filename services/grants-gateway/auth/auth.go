package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Context keys for storing authenticated user information.
type contextKey string

const contextKeyClaims contextKey = "jwt_claims"

// ErrUnauthenticated indicates the request context holds no verified identity.
var ErrUnauthenticated = errors.New("auth: unauthenticated")

// Claims represents identity data extracted from the inbound bearer token.
// Program-level authorization is resolved from the participant roster, not
// from the token, so claims carry identity only.
type Claims struct {
	Subject uuid.UUID
	Name    string
	Email   string
}

// Options controls bearer token verification.
type Options struct {
	Secret    string
	Issuer    string
	Audience  string
	ClockSkew time.Duration
}

// Verifier validates HS256 bearer tokens for the gateway.
type Verifier struct {
	secret   []byte
	issuer   string
	audience string
	parser   *jwt.Parser
}

// NewVerifier constructs a Verifier from the supplied options.
func NewVerifier(opts Options) (*Verifier, error) {
	if strings.TrimSpace(opts.Secret) == "" {
		return nil, errors.New("auth: signing secret required")
	}
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(opts.Issuer))
	}
	if opts.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(opts.Audience))
	}
	if opts.ClockSkew > 0 {
		parserOpts = append(parserOpts, jwt.WithLeeway(opts.ClockSkew))
	}
	return &Verifier{
		secret:   []byte(opts.Secret),
		issuer:   opts.Issuer,
		audience: opts.Audience,
		parser:   jwt.NewParser(parserOpts...),
	}, nil
}

// Verify parses and validates the raw token, returning the claims it carries.
func (v *Verifier) Verify(raw string) (*Claims, error) {
	var mapClaims jwt.MapClaims
	token, err := v.parser.ParseWithClaims(raw, &mapClaims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenUnverifiable
	}
	subject, err := mapClaims.GetSubject()
	if err != nil || strings.TrimSpace(subject) == "" {
		return nil, errors.New("auth: token missing subject")
	}
	userID, err := uuid.Parse(subject)
	if err != nil {
		return nil, errors.New("auth: subject is not a user id")
	}
	claims := &Claims{Subject: userID}
	if name, ok := mapClaims["name"].(string); ok {
		claims.Name = name
	}
	if email, ok := mapClaims["email"].(string); ok {
		claims.Email = email
	}
	return claims, nil
}

// Middleware enforces bearer authentication and stashes the verified claims
// on the request context.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			writeAuthError(w, "missing bearer token")
			return
		}
		claims, err := v.Verify(strings.TrimSpace(raw))
		if err != nil {
			writeAuthError(w, "invalid bearer token")
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyClaims, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// FromContext extracts the verified claims stored by the middleware.
func FromContext(ctx context.Context) (*Claims, error) {
	if ctx == nil {
		return nil, ErrUnauthenticated
	}
	if claims, ok := ctx.Value(contextKeyClaims).(*Claims); ok && claims != nil {
		return claims, nil
	}
	return nil, ErrUnauthenticated
}

func writeAuthError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + message + `"}`))
}

// IssueToken mints a signed token for the supplied identity. It exists for
// local development and tests; production deployments verify tokens minted by
// the identity provider.
func IssueToken(opts Options, subject uuid.UUID, name, email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": subject.String(),
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if opts.Issuer != "" {
		claims["iss"] = opts.Issuer
	}
	if opts.Audience != "" {
		claims["aud"] = opts.Audience
	}
	if name != "" {
		claims["name"] = name
	}
	if email != "" {
		claims["email"] = email
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(opts.Secret))
}
