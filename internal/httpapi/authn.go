package httpapi

import (
	"net/http"
	"strings"

	"tessera.org/internal/identity"
)

// publicPaths are reachable without a session token.
var publicPaths = map[string]struct{}{
	"/healthz":          {},
	"/readyz":           {},
	"/metrics":          {},
	"/v1/info":          {},
	"/v1/auth/sign-up":  {},
	"/v1/auth/sign-in":  {},
	"/v1/auth/sign-out": {},
}

// twoFactorPendingPaths are the only protected endpoints a half-open
// session may call before the second factor clears.
var twoFactorPendingPaths = map[string]struct{}{
	"/v1/auth/two-factor/verify": {},
	"/v1/auth/session":           {},
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// withAuth resolves the bearer session token into a principal. Invitation
// reads stay public so a recipient can inspect an invite before signing in.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if _, ok := publicPaths[path]; ok {
			next.ServeHTTP(w, r)
			return
		}
		if r.Method == http.MethodGet && strings.HasPrefix(path, "/v1/invitations/") && strings.Count(path, "/") == 3 {
			next.ServeHTTP(w, r)
			return
		}

		token := bearerToken(r)
		if token == "" {
			writeError(w, r, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		principal, err := a.svc.ResolveSession(r.Context(), token)
		if err != nil {
			handleIdentityError(w, r, err)
			return
		}
		if principal.Session.TwoFactorPending {
			if _, ok := twoFactorPendingPaths[path]; !ok {
				writeError(w, r, http.StatusForbidden, "two_factor_required", "second factor verification required")
				return
			}
		}

		ctx := identity.ContextWithPrincipal(r.Context(), principal)
		ctx = identity.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requirePrincipal(w http.ResponseWriter, r *http.Request) (identity.Principal, bool) {
	p, ok := identity.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthorized", "authentication required")
		return identity.Principal{}, false
	}
	return p, true
}
