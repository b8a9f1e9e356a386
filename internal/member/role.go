package member

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Role is one of the closed set of roles a member can hold.
type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

var roleBits = map[Role]RoleSet{
	RoleUser:  1 << 0,
	RoleAdmin: 1 << 1,
}

// ParseRole accepts only the exact role names; anything else is an error so
// that a misspelled role can never match a policy by accident.
func ParseRole(s string) (Role, error) {
	r := Role(strings.TrimSpace(s))
	if _, ok := roleBits[r]; !ok {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// RoleSet is an immutable set of roles.
type RoleSet uint8

func NewRoleSet(roles ...Role) RoleSet {
	var s RoleSet
	for _, r := range roles {
		s |= roleBits[r]
	}
	return s
}

// ParseRoleSet parses a comma separated list of role names.
func ParseRoleSet(s string) (RoleSet, error) {
	var set RoleSet
	if strings.TrimSpace(s) == "" {
		return set, nil
	}
	for _, part := range strings.Split(s, ",") {
		r, err := ParseRole(part)
		if err != nil {
			return 0, err
		}
		set |= roleBits[r]
	}
	return set, nil
}

// RoleSetFromStrings is the claims-side counterpart of Strings.
func RoleSetFromStrings(names []string) (RoleSet, error) {
	var set RoleSet
	for _, n := range names {
		r, err := ParseRole(n)
		if err != nil {
			return 0, err
		}
		set |= roleBits[r]
	}
	return set, nil
}

func (s RoleSet) Has(r Role) bool {
	bit, ok := roleBits[r]
	return ok && s&bit != 0
}

// Intersects reports whether s and other share at least one role.
func (s RoleSet) Intersects(other RoleSet) bool { return s&other != 0 }

func (s RoleSet) IsEmpty() bool { return s == 0 }

// Expand applies the role hierarchy: ADMIN implies USER.
func (s RoleSet) Expand() RoleSet {
	if s.Has(RoleAdmin) {
		s |= roleBits[RoleUser]
	}
	return s
}

// Roles returns the members of the set sorted by name.
func (s RoleSet) Roles() []Role {
	out := make([]Role, 0, len(roleBits))
	for r, bit := range roleBits {
		if s&bit != 0 {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s RoleSet) Strings() []string {
	roles := s.Roles()
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = string(r)
	}
	return out
}

func (s RoleSet) String() string { return strings.Join(s.Strings(), ",") }

func (s RoleSet) MarshalJSON() ([]byte, error) { return json.Marshal(s.Strings()) }
