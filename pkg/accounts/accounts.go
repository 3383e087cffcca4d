// Package accounts resolves the claims the provider asserts about a subject.
//
// The provider never stores users. Every login id is accepted and turned into
// an [Account] by a [Finder]; the [ClaimsMapping] then decides which of the
// account's claims are released for the scopes a client was granted.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
)

const (
	ClaimSubject       = "sub"
	ClaimUserEmailID   = "user_emailid"
	ClaimEmailVerified = "email_verified"

	ScopeOpenID  = "openid"
	ScopeProfile = "profile"
	ScopeEmail   = "email"

	// EmailDomain is appended to the account id to build the fake email.
	EmailDomain = "example.com"
)

var ErrAccountNotFound = errors.New("account not found")

// Account is a subject known to the provider.
type Account struct {
	ID string

	claims func(ctx context.Context) (map[string]any, error)
}

// Claims returns all the claims for the account, regardless of scope.
func (a Account) Claims(ctx context.Context) (map[string]any, error) {
	if a.claims == nil {
		return map[string]any{ClaimSubject: a.ID}, nil
	}
	claims, err := a.claims(ctx)
	if err != nil {
		return nil, fmt.Errorf("account %q claims: %w", a.ID, err)
	}
	return claims, nil
}

// Finder looks up an account by id.
type Finder interface {
	FindAccount(ctx context.Context, id string) (Account, error)
}

var _ Finder = (*FakeFinder)(nil)

// FakeFinder accepts any id. It pretends to be IDCS, which uses the
// user_emailid key for the user email, and it always claims the email is
// verified.
type FakeFinder struct {
	// Domain overrides [EmailDomain] when set.
	Domain string
}

func (f FakeFinder) FindAccount(_ context.Context, id string) (Account, error) {
	if id == "" {
		return Account{}, fmt.Errorf("empty id: %w", ErrAccountNotFound)
	}
	domain := f.Domain
	if domain == "" {
		domain = EmailDomain
	}
	return Account{
		ID: id,
		claims: func(context.Context) (map[string]any, error) {
			return map[string]any{
				ClaimSubject:       id,
				ClaimUserEmailID:   id + "@" + domain,
				ClaimEmailVerified: true,
			}, nil
		},
	}, nil
}

var _ Finder = (StaticFinder)(nil)

// StaticFinder serves a fixed set of accounts, keyed by id. The sub claim is
// always the id, whatever the map says.
type StaticFinder map[string]map[string]any

func (s StaticFinder) FindAccount(_ context.Context, id string) (Account, error) {
	claims, ok := s[id]
	if !ok {
		return Account{}, fmt.Errorf("%q: %w", id, ErrAccountNotFound)
	}
	return Account{
		ID: id,
		claims: func(context.Context) (map[string]any, error) {
			out := make(map[string]any, len(claims)+1)
			for k, v := range claims {
				out[k] = v
			}
			out[ClaimSubject] = id
			return out, nil
		},
	}, nil
}

// ClaimsMapping maps a scope to the claims it releases.
type ClaimsMapping map[string][]string

// DefaultClaimsMapping is the mapping of the fixture.
func DefaultClaimsMapping() ClaimsMapping {
	return ClaimsMapping{
		ScopeOpenID: {ClaimSubject},
		ScopeEmail:  {ClaimUserEmailID, ClaimEmailVerified},
	}
}

// ClaimNames returns the sorted, de-duplicated claim names released by the
// given scopes. Unknown scopes release nothing.
func (m ClaimsMapping) ClaimNames(scopes []string) []string {
	var names []string
	for _, scope := range scopes {
		for _, name := range m[scope] {
			if !slices.Contains(names, name) {
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	return names
}

// Filter returns the subset of claims released by scopes. Claims the account
// does not have are skipped.
func (m ClaimsMapping) Filter(
	claims map[string]any,
	scopes []string,
) map[string]any {
	out := make(map[string]any)
	for _, name := range m.ClaimNames(scopes) {
		v, ok := claims[name]
		if !ok {
			continue
		}
		out[name] = v
	}
	return out
}
