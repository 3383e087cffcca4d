package rp_test

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/verifa/testidp/pkg/accounts"
	"github.com/verifa/testidp/pkg/idp"
	"github.com/verifa/testidp/pkg/idptest"
	"github.com/verifa/testidp/pkg/rp"
	tu "github.com/verifa/testidp/pkg/testutil"
	"golang.org/x/oauth2"
)

func TestAuthURL(t *testing.T) {
	p := idptest.Start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	driver, err := rp.New(ctx, rp.Config{
		Issuer:      p.Issuer,
		ClientID:    idp.DefaultClientID,
		RedirectURL: idp.DefaultRedirectURIs[1],
	})
	tu.AssertNoError(t, err)

	u, err := url.Parse(driver.AuthURL("state-1", "nonce-1", oauth2.SetAuthURLParam("prompt", "login")))
	tu.AssertNoError(t, err)
	q := u.Query()
	tu.AssertEqual(t, p.Issuer+"/authorize", u.Scheme+"://"+u.Host+u.Path)
	tu.AssertEqual(t, "id_token", q.Get("response_type"))
	tu.AssertEqual(t, "form_post", q.Get("response_mode"))
	tu.AssertEqual(t, "state-1", q.Get("state"))
	tu.AssertEqual(t, "nonce-1", q.Get("nonce"))
	tu.AssertEqual(t, "login", q.Get("prompt"))
	tu.AssertEqual(t, "openid profile email", q.Get("scope"))
	tu.AssertEqual(t, idp.DefaultRedirectURIs[1], q.Get("redirect_uri"))
}

func TestLogin(t *testing.T) {
	p := idptest.Start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	driver, err := rp.New(ctx, rp.Config{
		Issuer:      p.Issuer,
		ClientID:    idp.DefaultClientID,
		RedirectURL: idp.DefaultRedirectURIs[3],
		Scopes:      []string{"openid", "email"},
	})
	tu.AssertNoError(t, err)

	// Each login gets a fresh interaction, the cookie jar is shared.
	for _, login := range []string{"first", "second"} {
		result, err := driver.Login(ctx, login)
		tu.AssertNoError(t, err)
		tu.AssertEqual(t, login, result.IDToken.Subject)
		tu.AssertEqual(t, login+"@example.com", result.Claims[accounts.ClaimUserEmailID])
		tu.AssertTrue(t, result.RawIDToken != "", "raw id_token")
	}

	_, err = driver.Login(ctx, "   ")
	loginErr := tu.AssertErrorAs[*rp.LoginError](t, err)
	tu.AssertContains(t, loginErr.Body, "Login must not be empty.")
}

func TestNewUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := rp.New(ctx, rp.Config{
		Issuer:   "http://127.0.0.1:1",
		ClientID: idp.DefaultClientID,
	})
	tu.AssertTrue(t, err != nil, "discovery of an unreachable issuer")
}
