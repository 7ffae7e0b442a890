package interceptor

import (
	"net/http"

	"dispatchkit/internal/dispatch"
	"dispatchkit/internal/domain"
)

// RequireScope enforces scope-based authorization per route. Read covers safe
// methods, Write covers mutating ones. Requests without a principal (route
// registered without Auth, or Auth skipped the path) are rejected outright.
type RequireScope struct {
	dispatch.NopInterceptor
	Read  domain.Scope
	Write domain.Scope
}

func (s RequireScope) PreHandle(w http.ResponseWriter, r *http.Request, _ dispatch.Handler) (bool, error) {
	principal, ok := dispatch.PrincipalFrom(r)
	if !ok {
		writeAuthError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return false, nil
	}

	required := s.Read
	if isWriteMethod(r.Method) {
		required = s.Write
	}
	if !principal.HasScope(required) {
		writeAuthError(w, http.StatusForbidden, "forbidden", "insufficient permissions")
		return false, nil
	}
	return true, nil
}

func isWriteMethod(method string) bool {
	return method == http.MethodPost || method == http.MethodPut ||
		method == http.MethodPatch || method == http.MethodDelete
}
