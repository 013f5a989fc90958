package guard

import (
	"sort"
	"strings"

	"github.com/isaquesgti/sinistro-simplify/internal/auth"
)

// Route gates a path (or, with a trailing slash, a path prefix) behind a role.
type Route struct {
	Path     string
	Role     auth.Role
	Fallback string
}

func (r Route) matches(p string) bool {
	if strings.HasSuffix(r.Path, "/") {
		return strings.HasPrefix(p, r.Path)
	}
	return p == r.Path || p == r.Path+"/"
}

// Routes is a table of gated routes. Longer paths win on overlap.
type Routes []Route

// DefaultRoutes mirrors the portal's gated pages.
func DefaultRoutes() Routes {
	return Routes{
		{Path: "/dashboard", Role: auth.RoleClient, Fallback: "/insurer"},
		{Path: "/insurer", Role: auth.RoleInsurer, Fallback: "/dashboard"},
		{Path: "/insurer/claim/", Role: auth.RoleInsurer, Fallback: "/dashboard"},
		{Path: "/admin", Role: auth.RoleAdmin, Fallback: "/dashboard"},
	}
}

// Lookup returns the route gating p, if any.
func (rs Routes) Lookup(p string) (Route, bool) {
	p = normalize(p)
	candidates := make(Routes, 0, 1)
	for _, r := range rs {
		if r.matches(p) {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return Route{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return len(candidates[i].Path) > len(candidates[j].Path)
	})
	return candidates[0], true
}

// Requirement builds the guard input for visiting p.
func (r Route) Requirement(current, login string) Requirement {
	return Requirement{Role: r.Role, Fallback: r.Fallback, Current: canonical(current), Login: login}
}

// canonical drops a trailing slash so "/dashboard/" compares equal to "/dashboard".
func canonical(p string) string {
	p = normalize(p)
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	if p == "" {
		return "/"
	}
	return p
}

func normalize(p string) string {
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

// Resolve follows the guard's redirects through the table starting at p and
// returns the decision for p itself, except that a redirect whose chain comes
// back to an already visited path becomes Denied. Routes whose fallbacks
// point at each other (an admin between /dashboard and /insurer) therefore
// settle instead of bouncing.
func (rs Routes) Resolve(st auth.State, p, login string) Decision {
	route, ok := rs.Lookup(p)
	if !ok {
		return Decision{Kind: Render}
	}
	first := Decide(st, route.Requirement(p, login))
	if first.Kind != Redirect {
		return first
	}
	visited := map[string]bool{canonical(p): true}
	next := first
	for next.Kind == Redirect {
		target := canonical(next.Target)
		if visited[target] {
			return Decision{Kind: Denied}
		}
		visited[target] = true
		r, ok := rs.Lookup(target)
		if !ok {
			break
		}
		next = Decide(st, r.Requirement(target, login))
	}
	return first
}
