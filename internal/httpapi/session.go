package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/isaquesgti/sinistro-simplify/internal/auth"
	"github.com/isaquesgti/sinistro-simplify/internal/portal"
)

const (
	visitorCookie = "sinistro_vid"
	sessionCookie = "sinistro_session"

	visitorCookieTTL = 30 * 24 * time.Hour
)

type visitorCtxKey struct{}

func visitorFromContext(ctx context.Context) *portal.Visitor {
	v, _ := ctx.Value(visitorCtxKey{}).(*portal.Visitor)
	return v
}

// withVisitor binds the browser to its session store, creating the visitor
// cookie on first contact and restoring a persisted session token.
func (a *API) withVisitor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := ""
		if c, err := r.Cookie(visitorCookie); err == nil {
			id = c.Value
		}
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
			http.SetCookie(w, a.cookie(visitorCookie, id, visitorCookieTTL))
		}
		token := ""
		if c, err := r.Cookie(sessionCookie); err == nil {
			token = c.Value
		}

		v, err := a.registry.Get(r.Context(), id, token)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "session unavailable")
			return
		}
		// The provider may have refreshed or dropped the token since the
		// browser last saw it.
		if current := v.Client.Token(); current != token {
			a.setSessionCookie(w, current)
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), visitorCtxKey{}, v)))
	})
}

// requireSession waits for role resolution and rejects anything but an
// authenticated state. The acting user is attached for audit and role checks.
func (a *API) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v := visitorFromContext(r.Context())
		if v == nil {
			writeError(w, r, http.StatusUnauthorized, "authentication required")
			return
		}
		st, err := a.settle(r.Context(), v)
		if err != nil {
			writeError(w, r, http.StatusServiceUnavailable, "session is still resolving")
			return
		}
		if !st.IsAuthenticated() {
			msg := "authentication required"
			switch {
			case auth.IsLookupFailure(st.Err):
				msg = "role could not be resolved"
			case st.Status == auth.StatusDegraded:
				msg = "session is degraded"
			}
			writeError(w, r, http.StatusUnauthorized, msg)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.ContextWithState(r.Context(), st)))
	})
}

func (a *API) settle(ctx context.Context, v *portal.Visitor) (auth.State, error) {
	ctx, cancel := context.WithTimeout(ctx, a.settleTimeout)
	defer cancel()
	return v.Session.WaitSettled(ctx)
}

func (a *API) cookie(name, value string, ttl time.Duration) *http.Cookie {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   a.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
	if ttl > 0 {
		c.Expires = time.Now().Add(ttl)
		c.MaxAge = int(ttl / time.Second)
	}
	return c
}

func (a *API) setSessionCookie(w http.ResponseWriter, token string) {
	if token == "" {
		c := a.cookie(sessionCookie, "", 0)
		c.MaxAge = -1
		http.SetCookie(w, c)
		return
	}
	http.SetCookie(w, a.cookie(sessionCookie, token, 0))
}

// sessionResponse mirrors what the portal's auth hook exposes.
type sessionResponse struct {
	Status          string `json:"status"`
	Role            string `json:"role,omitempty"`
	IsAuthenticated bool   `json:"is_authenticated"`
	Loading         bool   `json:"loading"`
	UserID          string `json:"user_id,omitempty"`
	Email           string `json:"email,omitempty"`
	Manual          bool   `json:"manual,omitempty"`
	Error           string `json:"error,omitempty"`
}

func sessionView(st auth.State) sessionResponse {
	res := sessionResponse{
		Status:          st.Status.String(),
		IsAuthenticated: st.IsAuthenticated(),
		Loading:         !st.Settled(),
	}
	if st.IsAuthenticated() {
		res.Role = string(st.Role)
	}
	if st.Session != nil {
		res.UserID = st.Session.UserID
		res.Email = st.Session.Email
		res.Manual = st.Session.Manual
	}
	if st.Err != nil {
		res.Error = st.Err.Error()
	}
	return res
}
