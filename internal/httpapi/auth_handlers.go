package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/isaquesgti/sinistro-simplify/internal/audit"
	"github.com/isaquesgti/sinistro-simplify/internal/auth"
	"github.com/isaquesgti/sinistro-simplify/internal/idp"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type manualLoginRequest struct {
	Role string `json:"role"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	v := visitorFromContext(r.Context())

	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := v.Session.Login(r.Context(), auth.Credentials{Email: req.Email, Password: req.Password}); err != nil {
		handleAuthError(w, r, err)
		return
	}

	st, err := a.settle(r.Context(), v)
	if err != nil {
		writeError(w, r, http.StatusServiceUnavailable, "session is still resolving")
		return
	}
	a.setSessionCookie(w, v.Client.Token())
	_ = audit.LogEvent(auth.ContextWithState(r.Context(), st), "auth.login", map[string]any{
		"email":  strings.ToLower(strings.TrimSpace(req.Email)),
		"status": st.Status.String(),
	})
	writeJSON(w, http.StatusOK, sessionView(st))
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	v := visitorFromContext(r.Context())
	before := v.Session.State()

	if err := v.Session.Logout(r.Context()); err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.setSessionCookie(w, "")
	_ = audit.LogEvent(auth.ContextWithState(r.Context(), before), "auth.logout", nil)
	writeJSON(w, http.StatusOK, sessionView(v.Session.State()))
}

// handleManualLogin is the developer role shortcut; it only works when the
// server runs with manual roles enabled.
func (a *API) handleManualLogin(w http.ResponseWriter, r *http.Request) {
	v := visitorFromContext(r.Context())

	var req manualLoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := auth.ParseRole(req.Role)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "role must be client, insurer or admin")
		return
	}
	if err := v.Session.LoginAs(r.Context(), role); err != nil {
		handleAuthError(w, r, err)
		return
	}
	st := v.Session.State()
	_ = audit.LogEvent(r.Context(), "auth.manual_role", map[string]any{"role": string(role)})
	writeJSON(w, http.StatusOK, sessionView(st))
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	v := visitorFromContext(r.Context())
	if v.Client.Token() == "" {
		writeError(w, r, http.StatusUnauthorized, "no session to refresh")
		return
	}
	if err := v.Client.RefreshSession(r.Context()); err != nil {
		if errors.Is(err, idp.ErrInvalidToken) {
			writeError(w, r, http.StatusUnauthorized, "session expired")
			return
		}
		handleAuthError(w, r, err)
		return
	}
	a.setSessionCookie(w, v.Client.Token())
	writeJSON(w, http.StatusOK, sessionView(v.Session.State()))
}

// handleSession reports the current auth state. With wait=true it blocks until
// role resolution settles.
func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	v := visitorFromContext(r.Context())
	st := v.Session.State()
	if queryBool(r, "wait") {
		settled, err := a.settle(r.Context(), v)
		if err == nil {
			st = settled
		}
	}
	writeJSON(w, http.StatusOK, sessionView(st))
}

func (a *API) handleRevoke(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "userID"))
	if userID == "" {
		writeError(w, r, http.StatusBadRequest, "user id is required")
		return
	}
	n := a.authority.Revoke(r.Context(), userID)
	_ = audit.LogEvent(r.Context(), "auth.revoke", map[string]any{
		"target_user": userID,
		"clients":     n,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"clients": n,
	})
}

func handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, idp.ErrThrottled):
		w.Header().Set("Retry-After", "6")
		writeError(w, r, http.StatusTooManyRequests, "too many login attempts")
	case errors.Is(err, auth.ErrManualRolesDisabled):
		writeError(w, r, http.StatusForbidden, "manual roles are disabled")
	case errors.Is(err, auth.ErrSessionPresent):
		writeError(w, r, http.StatusConflict, "a signed-in session is present")
	case errors.Is(err, auth.ErrUnknownRole):
		writeError(w, r, http.StatusBadRequest, "unknown role")
	case errors.Is(err, auth.ErrSignIn), errors.Is(err, auth.ErrSignOut):
		writeError(w, r, http.StatusBadGateway, err.Error())
	case errors.Is(err, auth.ErrClosed):
		writeError(w, r, http.StatusServiceUnavailable, "session closed")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
