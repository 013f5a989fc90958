package httpapi

import (
	"net/http"
	"strings"

	"github.com/isaquesgti/sinistro-simplify/internal/auth"
	"github.com/isaquesgti/sinistro-simplify/internal/guard"
)

type guardResponse struct {
	Path     string `json:"path"`
	Decision string `json:"decision"`
	Target   string `json:"target,omitempty"`
	Status   string `json:"status"`
}

// handleGuard evaluates a path against the route table, or against an
// explicit role and fallback when both are given.
func (a *API) handleGuard(w http.ResponseWriter, r *http.Request) {
	v := visitorFromContext(r.Context())
	q := r.URL.Query()

	path := strings.TrimSpace(q.Get("path"))
	if path == "" || !strings.HasPrefix(path, "/") {
		writeError(w, r, http.StatusBadRequest, "path must be an absolute route")
		return
	}

	st := v.Session.State()
	if queryBool(r, "wait") {
		if settled, err := a.settle(r.Context(), v); err == nil {
			st = settled
		}
	}

	var d guard.Decision
	if rawRole := q.Get("role"); rawRole != "" {
		role, err := auth.ParseRole(rawRole)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "unknown role")
			return
		}
		d = guard.Decide(st, guard.Requirement{
			Role:     role,
			Fallback: strings.TrimSpace(q.Get("fallback")),
			Current:  path,
			Login:    a.loginPath,
		})
	} else {
		d = a.routes.Resolve(st, path, a.loginPath)
	}

	writeJSON(w, http.StatusOK, guardResponse{
		Path:     path,
		Decision: d.Kind.String(),
		Target:   d.Target,
		Status:   st.Status.String(),
	})
}
