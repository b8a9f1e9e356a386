package security

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/example/memberauth/internal/member"
)

type accessKind int

const (
	accessAuthenticated accessKind = iota
	accessPermitAll
	accessAnyRole
)

// Access is what a rule demands of the caller.
type Access struct {
	kind  accessKind
	roles member.RoleSet
}

// PermitAll admits every caller, anonymous included.
func PermitAll() Access { return Access{kind: accessPermitAll} }

// Authenticated admits any caller with a principal.
func Authenticated() Access { return Access{kind: accessAuthenticated} }

// AnyRole admits principals holding at least one of roles.
func AnyRole(roles ...member.Role) Access {
	return Access{kind: accessAnyRole, roles: member.NewRoleSet(roles...)}
}

// RequireRole admits principals holding role.
func RequireRole(role member.Role) Access { return AnyRole(role) }

// Decision is the verdict of a Policy for one request.
type Decision int

const (
	Permit Decision = iota
	Unauthenticated
	Forbidden
)

func (d Decision) String() string {
	switch d {
	case Permit:
		return "permit"
	case Unauthenticated:
		return "unauthenticated"
	case Forbidden:
		return "forbidden"
	default:
		return "decision(" + strconv.Itoa(int(d)) + ")"
	}
}

// Rule matches requests by method and path. With Prefix set, Path also
// matches every path below it. An empty Methods matches any method.
type Rule struct {
	Methods []string
	Path    string
	Prefix  bool
	Access  Access
}

// DefaultRules is the access table of the service.
func DefaultRules() []Rule {
	get := []string{http.MethodGet}
	return []Rule{
		{Methods: []string{http.MethodOptions}, Path: "/", Prefix: true, Access: PermitAll()},
		{Path: "/auth", Access: PermitAll()},
		{Methods: []string{http.MethodPost}, Path: "/members", Access: PermitAll()},
		{Methods: get, Path: "/health", Access: PermitAll()},
		{Methods: get, Path: "/ready", Access: PermitAll()},
		{Methods: get, Path: "/metrics", Access: PermitAll()},
		{Methods: get, Path: "/public", Prefix: true, Access: PermitAll()},
		{Methods: get, Path: "/members/me", Access: AnyRole(member.RoleUser, member.RoleAdmin)},
		{Path: "/admin", Prefix: true, Access: RequireRole(member.RoleAdmin)},
	}
}

// Policy decides per request whether the caller may proceed. Rules are
// tried in order and the first match wins; unmatched requests require
// authentication.
type Policy struct {
	router    *mux.Router
	rules     []Rule
	responder *Responder
}

// NewPolicy compiles rules into route matchers. A rule whose path mux cannot
// parse is an error.
func NewPolicy(rules []Rule, responder *Responder) (*Policy, error) {
	p := &Policy{router: mux.NewRouter(), rules: rules, responder: responder}
	for i, rule := range rules {
		route := p.router.NewRoute().Name(strconv.Itoa(i))
		base := strings.TrimSuffix(rule.Path, "/")
		switch {
		case rule.Prefix && base == "":
			route = route.PathPrefix("/")
		case rule.Prefix:
			route = route.Path(base + "{rest:(?:/.*)?}")
		default:
			route = route.Path(rule.Path)
		}
		if len(rule.Methods) > 0 {
			route = route.Methods(rule.Methods...)
		}
		if err := route.GetError(); err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, rule.Path, err)
		}
	}
	return p, nil
}

func (p *Policy) match(r *http.Request) Access {
	var m mux.RouteMatch
	if !p.router.Match(r, &m) || m.Route == nil {
		return Authenticated()
	}
	i, err := strconv.Atoi(m.Route.GetName())
	if err != nil || i < 0 || i >= len(p.rules) {
		return Authenticated()
	}
	return p.rules[i].Access
}

// Decide judges r for principal, nil for anonymous requests.
func (p *Policy) Decide(r *http.Request, principal *member.Principal) Decision {
	access := p.match(r)
	if access.kind == accessPermitAll {
		return Permit
	}
	if principal == nil {
		return Unauthenticated
	}
	if access.kind == accessAnyRole && !principal.Roles.Expand().Intersects(access.roles) {
		return Forbidden
	}
	return Permit
}

// Middleware answers 401 or 403 through the Responder when Decide denies the
// request.
func (p *Policy) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var principal *member.Principal
		if pr, ok := PrincipalFrom(r.Context()); ok {
			principal = &pr
		}
		switch p.Decide(r, principal) {
		case Unauthenticated:
			p.responder.Unauthorized(w, r)
		case Forbidden:
			p.responder.Forbidden(w, r)
		default:
			next.ServeHTTP(w, r)
		}
	})
}
