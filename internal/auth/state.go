package auth

// Status tags the active AuthState variant.
type Status int

const (
	StatusUninitialized Status = iota
	StatusResolving
	StatusAuthenticated
	StatusUnauthenticated
	StatusDegraded
)

func (s Status) String() string {
	switch s {
	case StatusUninitialized:
		return "uninitialized"
	case StatusResolving:
		return "resolving"
	case StatusAuthenticated:
		return "authenticated"
	case StatusUnauthenticated:
		return "unauthenticated"
	case StatusDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// State is a snapshot of the session store. Only the fields meaningful for
// Status are set: Session for Resolving/Authenticated/Degraded, Role for
// Authenticated, Err for Degraded.
type State struct {
	Status  Status
	Session *Session
	Role    Role
	Err     error
}

func uninitialized() State { return State{Status: StatusUninitialized} }

func resolving(s *Session) State {
	return State{Status: StatusResolving, Session: s.clone()}
}

func authenticated(s *Session, role Role) State {
	return State{Status: StatusAuthenticated, Session: s.clone(), Role: role}
}

func unauthenticated() State { return State{Status: StatusUnauthenticated} }

func degraded(s *Session, err error) State {
	return State{Status: StatusDegraded, Session: s.clone(), Err: err}
}

// Settled reports whether the state is terminal for gating decisions.
func (s State) Settled() bool {
	return s.Status != StatusUninitialized && s.Status != StatusResolving
}

// IsAuthenticated is true only when a role has been resolved.
func (s State) IsAuthenticated() bool {
	return s.Status == StatusAuthenticated
}

// UserID returns the bound user id, if any.
func (s State) UserID() string {
	if s.Session == nil {
		return ""
	}
	return s.Session.UserID
}

// HasRealSession reports whether a provider-issued session backs the state.
func (s State) HasRealSession() bool {
	return s.Session != nil && !s.Session.Manual
}
