// sets.go -- Role and auth-provider tags, stored as small sorted sets.
package store

import (
	"fmt"
	"slices"
)

// Role is an authorization tag held by an account.
type Role string

const (
	RoleUser    Role = "USER"
	RoleAdmin   Role = "ADMIN"
	RoleManager Role = "MANAGER"
)

// AuthProvider is a way an account is allowed to authenticate.
type AuthProvider string

const (
	ProviderLocal  AuthProvider = "LOCAL"
	ProviderGoogle AuthProvider = "GOOGLE"
)

// ParseRole maps the wire name of a role to a Role.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleUser, RoleAdmin, RoleManager:
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// ParseProvider maps the wire name of a provider to an AuthProvider.
func ParseProvider(s string) (AuthProvider, error) {
	switch p := AuthProvider(s); p {
	case ProviderLocal, ProviderGoogle:
		return p, nil
	}
	return "", fmt.Errorf("unknown auth provider %q", s)
}

// Set is a deduplicated, sorted collection of string tags.
// Methods never mutate the receiver.
type Set[T ~string] []T

type (
	Roles     = Set[Role]
	Providers = Set[AuthProvider]
)

// NewSet builds a set from vals, dropping duplicates.
func NewSet[T ~string](vals ...T) Set[T] {
	s := make(Set[T], 0, len(vals))
	for _, v := range vals {
		s = s.With(v)
	}
	return s
}

// ParseSet builds a set from wire names, rejecting any unknown name.
func ParseSet[T ~string](raw []string, parse func(string) (T, error)) (Set[T], error) {
	s := make(Set[T], 0, len(raw))
	for _, r := range raw {
		v, err := parse(r)
		if err != nil {
			return nil, err
		}
		s = s.With(v)
	}
	return s, nil
}

func (s Set[T]) Has(v T) bool {
	_, found := slices.BinarySearch(s, v)
	return found
}

// With returns a copy of s containing v.
func (s Set[T]) With(v T) Set[T] {
	i, found := slices.BinarySearch(s, v)
	if found {
		return slices.Clone(s)
	}
	return slices.Insert(slices.Clone(s), i, v)
}

// Without returns a copy of s with v removed.
func (s Set[T]) Without(v T) Set[T] {
	i, found := slices.BinarySearch(s, v)
	if !found {
		return slices.Clone(s)
	}
	return slices.Delete(slices.Clone(s), i, i+1)
}

// Strings returns the wire names in sorted order.
func (s Set[T]) Strings() []string {
	out := make([]string, len(s))
	for i, v := range s {
		out[i] = string(v)
	}
	return out
}
