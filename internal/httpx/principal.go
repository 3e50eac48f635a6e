package httpx

import (
	"context"
	"net/http"
)

type principalKey struct{}

// RequirePrincipal trusts the identity service upstream: the gateway
// authenticates and forwards the principal in X-Principal. Mutating requests
// without one are refused; no verification happens here.
func RequirePrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := r.Header.Get("X-Principal")
		if p == "" {
			writeError(w, http.StatusUnauthorized, "missing principal")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

// Principal returns the authenticated principal set by RequirePrincipal.
func Principal(ctx context.Context) string {
	p, _ := ctx.Value(principalKey{}).(string)
	return p
}
