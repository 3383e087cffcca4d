package idp_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/verifa/testidp/pkg/accounts"
	"github.com/verifa/testidp/pkg/events"
	"github.com/verifa/testidp/pkg/idp"
	"github.com/verifa/testidp/pkg/idptest"
	"github.com/verifa/testidp/pkg/rp"
	tu "github.com/verifa/testidp/pkg/testutil"
	"golang.org/x/oauth2"
)

const redirectURL = "http://localhost:9000/callback/OidcClient"

func newDriver(t *testing.T, p *idptest.Provider, scopes ...string) *rp.Driver {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	driver, err := rp.New(ctx, rp.Config{
		Issuer:       p.Issuer,
		ClientID:     idp.DefaultClientID,
		ClientSecret: idp.DefaultClientSecret,
		RedirectURL:  redirectURL,
		Scopes:       scopes,
	})
	tu.AssertNoError(t, err)
	return driver
}

func TestDiscovery(t *testing.T) {
	p := idptest.Start(t)
	driver := newDriver(t, p)

	var doc struct {
		Issuer                string   `json:"issuer"`
		AuthorizationEndpoint string   `json:"authorization_endpoint"`
		JWKSURI               string   `json:"jwks_uri"`
		ResponseTypes         []string `json:"response_types_supported"`
	}
	tu.AssertNoError(t, driver.Discovery(&doc))
	tu.AssertEqual(t, p.Issuer, doc.Issuer)
	tu.AssertTrue(t, doc.AuthorizationEndpoint != "", "authorization endpoint")
	tu.AssertTrue(t, doc.JWKSURI != "", "jwks uri")
	tu.AssertTrue(t, slices.Contains(doc.ResponseTypes, "id_token"), "id_token response type")
	tu.AssertContains(t, p.Issuer, p.Addr())
}

func TestImplicitFormPost(t *testing.T) {
	p := idptest.Start(t)
	driver := newDriver(t, p)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result, err := driver.Login(ctx, "alice")
	tu.AssertNoError(t, err)

	tu.AssertEqual(t, "alice", result.IDToken.Subject)
	tu.AssertEqual(t, []string{idp.DefaultClientID}, result.IDToken.Audience)
	tu.AssertEqual(t, "alice", result.Claims[accounts.ClaimSubject])
	tu.AssertEqual(t, "alice@example.com", result.Claims[accounts.ClaimUserEmailID])
	tu.AssertEqual(t, true, result.Claims[accounts.ClaimEmailVerified])

	login, err := p.Events.Wait(ctx, events.TypeLogin)
	tu.AssertNoError(t, err)
	tu.AssertEqual(t, "alice", login.Subject)
	tu.AssertEqual(t, idp.DefaultClientID, login.ClientID)
	token, err := p.Events.Wait(ctx, events.TypeToken)
	tu.AssertNoError(t, err)
	tu.AssertEqual(t, "alice", token.Subject)
	tu.AssertEqual(t, 1, len(p.Events.ByType(events.TypeAuthRequest)))
}

func TestImplicitFormPostScopes(t *testing.T) {
	p := idptest.Start(t)
	// Without the email scope only the subject is released.
	driver := newDriver(t, p, "openid")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result, err := driver.Login(ctx, "bob")
	tu.AssertNoError(t, err)
	tu.AssertEqual(t, "bob", result.Claims[accounts.ClaimSubject])
	_, ok := result.Claims[accounts.ClaimUserEmailID]
	tu.AssertTrue(t, !ok, "user_emailid must not be released without email")
}

func TestStaticAccounts(t *testing.T) {
	p := idptest.Start(t, idptest.WithAccountFinder(accounts.StaticFinder{
		"carol": {
			accounts.ClaimUserEmailID:   "carol@corp.test",
			accounts.ClaimEmailVerified: false,
		},
	}))
	driver := newDriver(t, p)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result, err := driver.Login(ctx, "carol")
	tu.AssertNoError(t, err)
	tu.AssertEqual(t, "carol@corp.test", result.Claims[accounts.ClaimUserEmailID])
	tu.AssertEqual(t, false, result.Claims[accounts.ClaimEmailVerified])

	_, err = driver.Login(ctx, "dave")
	loginErr := tu.AssertErrorAs[*rp.LoginError](t, err)
	tu.AssertEqual(t, http.StatusBadRequest, loginErr.Status)
	tu.AssertContains(t, loginErr.Body, "account not found")
}

func TestPromptNone(t *testing.T) {
	p := idptest.Start(t)
	driver := newDriver(t, p)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := driver.Login(ctx, "alice", oauth2.SetAuthURLParam("prompt", "none"))
	errResp := tu.AssertErrorAs[*rp.ErrorResponse](t, err)
	tu.AssertEqual(t, "login_required", errResp.Code)
	tu.AssertEqual(t, 0, p.Storage().AuthRequests())
}

func TestUnknownRedirectURI(t *testing.T) {
	p := idptest.Start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	driver, err := rp.New(ctx, rp.Config{
		Issuer:      p.Issuer,
		ClientID:    idp.DefaultClientID,
		RedirectURL: "http://localhost:8080/elsewhere",
	})
	tu.AssertNoError(t, err)
	_, err = driver.Login(ctx, "alice")
	tu.AssertTrue(t, err != nil, "login with unregistered redirect uri")
	tu.AssertTrue(t, errors.Is(err, rp.ErrNoForm), err.Error())
	tu.AssertEqual(t, 0, len(p.Events.ByType(events.TypeLogin)))
}

func TestStartInvalidConfig(t *testing.T) {
	config := idp.DefaultConfig()
	config.Issuer = "ftp://localhost"
	_, err := idp.Start(context.Background(), config)
	tu.AssertErrorIs(t, err, idp.ErrInvalidIssuer)

	config = idp.DefaultConfig()
	config.Port = 0
	_, err = idp.Start(context.Background(), config)
	tu.AssertErrorIs(t, err, idp.ErrInvalidPort)

	config = idp.DefaultConfig()
	config.Issuer = "http://localhost:3380/oidc"
	_, err = idp.Start(context.Background(), config)
	tu.AssertErrorIs(t, err, idp.ErrInvalidIssuer)
}

func discoveryIssuer(t *testing.T, handler http.Handler, issuer string) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, issuer+idp.DiscoveryPath, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	tu.AssertEqual(t, http.StatusOK, rec.Code)
	var doc struct {
		Issuer string `json:"issuer"`
	}
	tu.AssertNoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	return doc.Issuer
}

func TestNewHandler(t *testing.T) {
	config := idp.DefaultConfig()
	config.Port = 0
	config.KeyBits = 1024
	config.LogLevel = slog.LevelWarn
	handler, store, err := idp.NewHandler(config)
	tu.AssertNoError(t, err)
	tu.AssertEqual(t, 0, store.AuthRequests())

	// Without a port the issuer is the one of the default port.
	issuer := idp.IssuerForPort(idp.DefaultPort)
	tu.AssertEqual(t, issuer, discoveryIssuer(t, handler, issuer))

	config = idp.DefaultConfig()
	config.Issuer = "http://localhost:3380/oidc"
	_, _, err = idp.NewHandler(config)
	tu.AssertErrorIs(t, err, idp.ErrInvalidIssuer)
}

func TestServerHandler(t *testing.T) {
	p := idptest.Start(t)
	tu.AssertEqual(t, p.Issuer, discoveryIssuer(t, p.Handler(), p.Issuer))
}

func TestStartLogsListenerPort(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	tu.AssertNoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port

	var buf bytes.Buffer
	config := idp.DefaultConfig()
	// Port and listener disagree, the listener wins.
	config.Listener = l
	config.Issuer = fmt.Sprintf("http://127.0.0.1:%d", port)
	config.KeyBits = 1024
	config.Logger = slog.New(slog.NewTextHandler(&buf, nil))
	srv, err := idp.Start(context.Background(), config)
	tu.AssertNoError(t, err)
	t.Cleanup(func() {
		tu.AssertNoError(t, srv.Close())
	})
	tu.AssertEqual(t, l.Addr().String(), srv.Addr())
	tu.AssertContains(t, buf.String(), fmt.Sprintf(
		"testidp listening on port %d, check %s",
		port,
		config.Issuer+idp.DiscoveryPath,
	))
}

func TestCookieKeysSurviveRestart(t *testing.T) {
	hashKey := bytes.Repeat([]byte("h"), 32)
	blockKey := bytes.Repeat([]byte("b"), 32)
	newHandler := func() http.Handler {
		config := idp.DefaultConfig()
		config.KeyBits = 1024
		config.LogLevel = slog.LevelWarn
		config.CookieHashKey = hashKey
		config.CookieBlockKey = blockKey
		handler, _, err := idp.NewHandler(config)
		tu.AssertNoError(t, err)
		return handler
	}
	first := newHandler()
	second := newHandler()
	// A cookie written by one instance is read by the next. The auth request
	// itself is gone, so the login is rejected for that and not the cookie.
	req := httptest.NewRequest(http.MethodGet, "http://localhost:3380/authorize?"+
		"client_id=foo&response_type=id_token&scope=openid&nonce=n&state=s&"+
		"redirect_uri=http%3A%2F%2Flocalhost%3A9000%2Fcallback%2FOidcClient", nil)
	rec := httptest.NewRecorder()
	first.ServeHTTP(rec, req)
	tu.AssertEqual(t, http.StatusFound, rec.Code)
	loginURL, err := rec.Result().Location()
	tu.AssertNoError(t, err)

	rec = httptest.NewRecorder()
	first.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, loginURL.String(), nil))
	tu.AssertEqual(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()
	tu.AssertEqual(t, 1, len(cookies))

	id := loginURL.Query().Get("authRequestID")
	form := "authRequestID=" + id + "&login=alice"
	post := httptest.NewRequest(http.MethodPost, "http://localhost:3380"+loginURL.Path, strings.NewReader(form))
	post.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	post.AddCookie(cookies[0])
	rec = httptest.NewRecorder()
	second.ServeHTTP(rec, post)
	tu.AssertEqual(t, http.StatusBadRequest, rec.Code)
	tu.AssertContains(t, rec.Body.String(), "auth request not found")
}
