// Package guard turns a session state and a route requirement into a
// navigation decision. It performs no navigation itself.
package guard

import "github.com/isaquesgti/sinistro-simplify/internal/auth"

// DefaultLoginPath is used when a Requirement leaves Login empty.
const DefaultLoginPath = "/login"

// Kind enumerates guard outcomes.
type Kind int

const (
	Wait Kind = iota
	Render
	Redirect
	Denied
)

func (k Kind) String() string {
	switch k {
	case Wait:
		return "wait"
	case Render:
		return "render"
	case Redirect:
		return "redirect"
	case Denied:
		return "denied"
	default:
		return "unknown"
	}
}

// Requirement describes one gated route as seen from the current location.
type Requirement struct {
	Role     auth.Role
	Fallback string
	Current  string
	Login    string
}

// Decision is the guard's verdict. Target is set only for Redirect.
type Decision struct {
	Kind   Kind
	Target string
}

// Decide is pure: the same state and requirement always give the same decision.
func Decide(st auth.State, req Requirement) Decision {
	login := req.Login
	if login == "" {
		login = DefaultLoginPath
	}
	switch st.Status {
	case auth.StatusUninitialized, auth.StatusResolving:
		return Decision{Kind: Wait}
	case auth.StatusAuthenticated:
		if st.Role == req.Role {
			return Decision{Kind: Render}
		}
		// Redirecting from the fallback (or login) page would bounce forever
		// when that page is gated by another role.
		if req.Current == req.Fallback || req.Current == login || req.Fallback == "" {
			return Decision{Kind: Denied}
		}
		return Decision{Kind: Redirect, Target: req.Fallback}
	default:
		// Unauthenticated and Degraded.
		if req.Current == login {
			return Decision{Kind: Denied}
		}
		return Decision{Kind: Redirect, Target: login}
	}
}
