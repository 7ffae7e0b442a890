package interceptor

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"dispatchkit/internal/dispatch"
	"dispatchkit/internal/domain"
	"dispatchkit/internal/platform/telemetry"
)

const maxClockSkew = 30 * time.Second

// Auth validates JWT Bearer tokens during pre-handle. A failed validation is
// an abort by policy: the interceptor writes the 401 response and stops the
// chain without an error. Paths in publicPaths are exempt.
type Auth struct {
	dispatch.NopInterceptor
	jwks    JWKSProvider
	public  map[string]struct{}
	metrics *telemetry.DispatchMetrics // optional, may be nil
}

// NewAuth creates the auth interceptor. It uses the provided JWKSProvider to
// look up public keys by kid. The metrics parameter is optional; pass nil to
// skip metric recording.
func NewAuth(jwks JWKSProvider, publicPaths []string, m *telemetry.DispatchMetrics) *Auth {
	public := make(map[string]struct{}, len(publicPaths))
	for _, p := range publicPaths {
		public[p] = struct{}{}
	}
	return &Auth{jwks: jwks, public: public, metrics: m}
}

func (a *Auth) PreHandle(w http.ResponseWriter, r *http.Request, _ dispatch.Handler) (bool, error) {
	if _, ok := a.public[r.URL.Path]; ok {
		return true, nil
	}

	tokenStr, ok := extractBearerToken(r)
	if !ok {
		return a.deny(w, r, "missing or malformed authorization header")
	}

	// SECURITY: Only allow RS256 — prevents algorithm confusion attacks
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		kidRaw, ok := t.Header["kid"]
		if !ok {
			return nil, domain.ErrInvalidToken
		}
		kid, ok := kidRaw.(string)
		if !ok {
			return nil, domain.ErrInvalidToken
		}
		return a.jwks.GetKey(r.Context(), kid)
	},
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithLeeway(maxClockSkew),
	)

	if err != nil {
		slog.Debug("auth validation failed", "error", err)
		return a.deny(w, r, "invalid or expired token")
	}
	if !token.Valid {
		return a.deny(w, r, "invalid token")
	}

	principal, err := extractPrincipal(token.Claims)
	if err != nil {
		slog.Debug("extracting principal", "error", err)
		return a.deny(w, r, "invalid token claims")
	}

	if a.metrics != nil {
		a.metrics.RecordAuthValidation(r.Context(), "success")
	}
	dispatch.SetPrincipal(r, principal)
	return true, nil
}

func (a *Auth) deny(w http.ResponseWriter, r *http.Request, msg string) (bool, error) {
	if a.metrics != nil {
		a.metrics.RecordAuthValidation(r.Context(), "failure")
	}
	writeAuthError(w, http.StatusUnauthorized, "unauthorized", msg)
	return false, nil
}

func extractBearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", false
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}

func extractPrincipal(claims jwt.Claims) (domain.Principal, error) {
	mc, ok := claims.(jwt.MapClaims)
	if !ok {
		return domain.Principal{}, domain.ErrInvalidToken
	}

	sub, _ := mc["sub"].(string)
	if sub == "" {
		return domain.Principal{}, domain.ErrInvalidToken
	}

	ptype := domain.PrincipalUser
	if typeStr, ok := mc["type"].(string); ok && typeStr == "service" {
		ptype = domain.PrincipalService
	}

	var scopes []domain.Scope
	if scopeStr, ok := mc["scopes"].(string); ok && scopeStr != "" {
		fields := strings.Fields(scopeStr)
		scopes = make([]domain.Scope, len(fields))
		for i, s := range fields {
			scopes[i] = domain.Scope(s)
		}
	}

	return domain.Principal{
		ID:     sub,
		Type:   ptype,
		Scopes: scopes,
	}, nil
}

func writeAuthError(w http.ResponseWriter, status int, errCode, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(domain.ErrorResponse{
		Error:   errCode,
		Message: msg,
	}); err != nil {
		slog.Error("encoding error response", "error", err)
	}
}
