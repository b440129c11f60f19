package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/carenet/escrow/internal/models"
	"github.com/carenet/escrow/internal/respond"
)

type contextKey string

const (
	ctxPrincipalKey contextKey = "principal"
	ctxRequestIDKey contextKey = "request_id"
)

// TokenValidator resolves a bearer token to a principal.
type TokenValidator interface {
	Validate(token string) (*models.Principal, error)
}

// Authenticate requires a valid bearer token and stores the resulting
// principal in the request context.
func Authenticate(tokens TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				respond.Fail(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or malformed Authorization header", false)
				return
			}
			p, err := tokens.Validate(raw)
			if err != nil {
				respond.Error(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// RequirePermission rejects principals lacking perm with 403.
func RequirePermission(perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := PrincipalFromCtx(r.Context())
			if p == nil {
				respond.Fail(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or missing credentials", false)
				return
			}
			if !p.Can(perm) {
				respond.Error(w, models.ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// PrincipalFromCtx returns the authenticated principal or nil.
func PrincipalFromCtx(ctx context.Context) *models.Principal {
	p, _ := ctx.Value(ctxPrincipalKey).(*models.Principal)
	return p
}

// WithPrincipal returns a context carrying the given principal.
func WithPrincipal(ctx context.Context, p *models.Principal) context.Context {
	return context.WithValue(ctx, ctxPrincipalKey, p)
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
