package accounts

import (
	"context"
	"testing"

	tu "github.com/verifa/testidp/pkg/testutil"
)

func TestFakeFinder(t *testing.T) {
	ctx := context.Background()
	type test struct {
		name   string
		finder FakeFinder
		id     string
		expect map[string]any
	}
	tests := []test{
		{
			name: "default domain",
			id:   "alice",
			expect: map[string]any{
				"sub":            "alice",
				"user_emailid":   "alice@example.com",
				"email_verified": true,
			},
		},
		{
			name:   "custom domain",
			finder: FakeFinder{Domain: "civiform.dev"},
			id:     "bob",
			expect: map[string]any{
				"sub":            "bob",
				"user_emailid":   "bob@civiform.dev",
				"email_verified": true,
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			account, err := tc.finder.FindAccount(ctx, tc.id)
			tu.AssertNoError(t, err)
			tu.AssertEqual(t, tc.id, account.ID)
			claims, err := account.Claims(ctx)
			tu.AssertNoError(t, err)
			tu.AssertEqual(t, tc.expect, claims)
		})
	}
}

func TestFakeFinderEmptyID(t *testing.T) {
	_, err := FakeFinder{}.FindAccount(context.Background(), "")
	tu.AssertErrorIs(t, err, ErrAccountNotFound)
}

func TestStaticFinder(t *testing.T) {
	ctx := context.Background()
	finder := StaticFinder{
		"carol": {"sub": "ignored", "groups": []string{"admin"}},
	}
	account, err := finder.FindAccount(ctx, "carol")
	tu.AssertNoError(t, err)
	claims, err := account.Claims(ctx)
	tu.AssertNoError(t, err)
	tu.AssertEqual(t, map[string]any{
		"sub":    "carol",
		"groups": []string{"admin"},
	}, claims)

	_, err = finder.FindAccount(ctx, "dave")
	tu.AssertErrorIs(t, err, ErrAccountNotFound)
}

func TestAccountWithoutClaims(t *testing.T) {
	claims, err := Account{ID: "erin"}.Claims(context.Background())
	tu.AssertNoError(t, err)
	tu.AssertEqual(t, map[string]any{"sub": "erin"}, claims)
}

func TestClaimsMapping(t *testing.T) {
	mapping := DefaultClaimsMapping()
	claims := map[string]any{
		"sub":            "alice",
		"user_emailid":   "alice@example.com",
		"email_verified": true,
	}
	type test struct {
		scopes     []string
		expNames   []string
		expRelease map[string]any
	}
	tests := []test{
		{
			scopes:     []string{"openid"},
			expNames:   []string{"sub"},
			expRelease: map[string]any{"sub": "alice"},
		},
		{
			scopes:     []string{"openid", "email"},
			expNames:   []string{"email_verified", "sub", "user_emailid"},
			expRelease: claims,
		},
		{
			scopes:     []string{"profile"},
			expNames:   nil,
			expRelease: map[string]any{},
		},
		{
			scopes:     []string{"email", "email"},
			expNames:   []string{"email_verified", "user_emailid"},
			expRelease: map[string]any{"user_emailid": "alice@example.com", "email_verified": true},
		},
	}
	for _, tc := range tests {
		tu.AssertEqual(t, tc.expNames, mapping.ClaimNames(tc.scopes))
		tu.AssertEqual(t, tc.expRelease, mapping.Filter(claims, tc.scopes))
	}
}
