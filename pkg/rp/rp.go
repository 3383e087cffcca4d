// Package rp is a relying party that drives a sign-in against the provider the
// way the browser of the application under test would. It starts an implicit
// id_token flow with response_mode=form_post, submits the login page and
// verifies the id_token that is posted back.
package rp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/verifa/testidp/pkg/apierror"
	"github.com/yhat/scrape"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/oauth2"
)

const (
	ResponseTypeIDToken  = "id_token"
	ResponseModeFormPost = "form_post"
)

var (
	ErrStateMismatch = errors.New("state mismatch")
	ErrNonceMismatch = errors.New("nonce mismatch")
	ErrNoForm        = errors.New("no form in response")
)

// ErrorResponse is an OAuth error returned to the redirect URI.
type ErrorResponse struct {
	Code        string
	Description string
}

func (e *ErrorResponse) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

// LoginError is returned when the login page rejects the submitted login.
type LoginError struct {
	Status int
	Body   string
}

func (e *LoginError) Error() string {
	return fmt.Sprintf("login rejected with status %d", e.Status)
}

type Config struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// Scopes default to openid, profile and email.
	Scopes []string

	// HTTPClient defaults to a pooled client from go-cleanhttp. A cookie jar
	// is added when the client has none.
	HTTPClient *http.Client
}

type Driver struct {
	config   Config
	client   *http.Client
	provider *oidc.Provider
	oauth2   oauth2.Config
	verifier *oidc.IDTokenVerifier
}

// New discovers the provider at config.Issuer.
func New(ctx context.Context, config Config) (*Driver, error) {
	if len(config.Scopes) == 0 {
		config.Scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}
	client, err := newHTTPClient(config)
	if err != nil {
		return nil, err
	}
	ctx = oidc.ClientContext(ctx, client)
	provider, err := oidc.NewProvider(ctx, config.Issuer)
	if err != nil {
		return nil, fmt.Errorf("new oidc provider: %w", err)
	}
	return &Driver{
		config:   config,
		client:   client,
		provider: provider,
		oauth2: oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			RedirectURL:  config.RedirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       config.Scopes,
		},
		verifier: provider.Verifier(&oidc.Config{
			ClientID: config.ClientID,
		}),
	}, nil
}

// newHTTPClient returns a client that keeps cookies and stops before
// following a redirect to the application.
func newHTTPClient(config Config) (*http.Client, error) {
	client := config.HTTPClient
	if client == nil {
		client = cleanhttp.DefaultPooledClient()
	} else {
		c := *client
		client = &c
	}
	if client.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("cookie jar: %w", err)
		}
		client.Jar = jar
	}
	redirect := config.RedirectURL
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if redirect != "" && strings.HasPrefix(req.URL.String(), redirect) {
			return http.ErrUseLastResponse
		}
		if len(via) >= 10 {
			return errors.New("stopped after 10 redirects")
		}
		return nil
	}
	return client, nil
}

// Discovery decodes the discovery document of the provider into v.
func (d *Driver) Discovery(v any) error {
	return d.provider.Claims(v)
}

// AuthURL is the authorization request for an implicit id_token flow.
func (d *Driver) AuthURL(state string, nonce string, opts ...oauth2.AuthCodeOption) string {
	opts = append(
		[]oauth2.AuthCodeOption{
			oidc.Nonce(nonce),
			oauth2.SetAuthURLParam("response_type", ResponseTypeIDToken),
			oauth2.SetAuthURLParam("response_mode", ResponseModeFormPost),
		},
		opts...,
	)
	return d.oauth2.AuthCodeURL(state, opts...)
}

type Result struct {
	RawIDToken string
	IDToken    *oidc.IDToken
	Claims     map[string]any
}

// Login signs in as login and returns the verified id_token.
func (d *Driver) Login(
	ctx context.Context,
	login string,
	opts ...oauth2.AuthCodeOption,
) (*Result, error) {
	state := uuid.NewString()
	nonce := uuid.NewString()

	resp, err := d.get(ctx, d.AuthURL(state, nonce, opts...))
	if err != nil {
		return nil, fmt.Errorf("authorize: %w", err)
	}
	page, err := readPage(resp)
	if err != nil {
		return nil, err
	}
	// The provider can answer without a login, e.g. with prompt=none.
	if d.isCallback(resp, page) {
		return d.callback(ctx, resp, page, state, nonce)
	}
	form, ok := loginForm(page)
	if !ok {
		if err := apierror.ErrorFromHTTP(resp); err != nil {
			return nil, fmt.Errorf("authorize: %w: %w", ErrNoForm, err)
		}
		return nil, fmt.Errorf("authorize: %w", ErrNoForm)
	}
	action, err := resp.Request.URL.Parse(scrape.Attr(form, "action"))
	if err != nil {
		return nil, fmt.Errorf("login form action: %w", err)
	}
	values := formValues(form)
	values.Set("login", login)
	values.Set("password", "password")

	resp, err = d.postForm(ctx, action.String(), values)
	if err != nil {
		return nil, fmt.Errorf("submit login: %w", err)
	}
	page, err = readPage(resp)
	if err != nil {
		return nil, err
	}
	if !d.isCallback(resp, page) {
		return nil, &LoginError{Status: resp.StatusCode, Body: page.body}
	}
	return d.callback(ctx, resp, page, state, nonce)
}

// isCallback reports whether resp is meant for the redirect URI, as a
// redirect or as a form_post page.
func (d *Driver) isCallback(resp *http.Response, page *page) bool {
	if isRedirect(resp.StatusCode) {
		return true
	}
	form, ok := scrape.Find(page.root, scrape.ByTag(atom.Form))
	if !ok {
		return false
	}
	return scrape.Attr(form, "action") == d.config.RedirectURL
}

func loginForm(page *page) (*html.Node, bool) {
	form, ok := scrape.Find(page.root, scrape.ByTag(atom.Form))
	if !ok {
		return nil, false
	}
	_, ok = scrape.Find(form, func(n *html.Node) bool {
		return n.DataAtom == atom.Input && scrape.Attr(n, "name") == "login"
	})
	return form, ok
}

// callback handles what the provider sends to the redirect URI, either as a
// form_post page or as a redirect.
func (d *Driver) callback(
	ctx context.Context,
	resp *http.Response,
	page *page,
	state string,
	nonce string,
) (*Result, error) {
	var values url.Values
	switch {
	case isRedirect(resp.StatusCode):
		loc, err := resp.Location()
		if err != nil {
			return nil, fmt.Errorf("redirect location: %w", err)
		}
		values = loc.Query()
		if loc.Fragment != "" {
			frag, err := url.ParseQuery(loc.Fragment)
			if err != nil {
				return nil, fmt.Errorf("parsing fragment: %w", err)
			}
			values = frag
		}
	case resp.StatusCode == http.StatusOK:
		form, ok := scrape.Find(page.root, scrape.ByTag(atom.Form))
		if !ok {
			return nil, fmt.Errorf("callback: %w", ErrNoForm)
		}
		if action := scrape.Attr(form, "action"); action != d.config.RedirectURL {
			return nil, fmt.Errorf("form posts to %q instead of %q", action, d.config.RedirectURL)
		}
		values = formValues(form)
	default:
		if err := apierror.ErrorFromHTTP(resp); err != nil {
			return nil, fmt.Errorf("callback: %w", err)
		}
		return nil, fmt.Errorf("callback: unexpected status %d", resp.StatusCode)
	}
	return d.verify(ctx, values, state, nonce)
}

func (d *Driver) verify(
	ctx context.Context,
	values url.Values,
	state string,
	nonce string,
) (*Result, error) {
	if code := values.Get("error"); code != "" {
		return nil, &ErrorResponse{
			Code:        code,
			Description: values.Get("error_description"),
		}
	}
	if values.Get("state") != state {
		return nil, ErrStateMismatch
	}
	raw := values.Get(ResponseTypeIDToken)
	if raw == "" {
		return nil, errors.New("no id_token in response")
	}
	idToken, err := d.verifier.Verify(oidc.ClientContext(ctx, d.client), raw)
	if err != nil {
		return nil, fmt.Errorf("verify id_token: %w", err)
	}
	if idToken.Nonce != nonce {
		return nil, ErrNonceMismatch
	}
	claims := map[string]any{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("id_token claims: %w", err)
	}
	return &Result{
		RawIDToken: raw,
		IDToken:    idToken,
		Claims:     claims,
	}, nil
}

func (d *Driver) get(ctx context.Context, u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	return d.client.Do(req)
}

func (d *Driver) postForm(
	ctx context.Context,
	u string,
	values url.Values,
) (*http.Response, error) {
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		u,
		strings.NewReader(values.Encode()),
	)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return d.client.Do(req)
}

type page struct {
	root *html.Node
	body string
}

// readPage parses the body of resp. The body is replaced so that it can be
// read again.
func readPage(resp *http.Response) (*page, error) {
	b, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(b))
	root, err := html.Parse(strings.NewReader(string(b)))
	if err != nil {
		return nil, fmt.Errorf("parsing html: %w", err)
	}
	return &page{root: root, body: string(b)}, nil
}

func formValues(form *html.Node) url.Values {
	values := url.Values{}
	inputs := scrape.FindAll(form, scrape.ByTag(atom.Input))
	for _, input := range inputs {
		name := scrape.Attr(input, "name")
		if name == "" {
			continue
		}
		values.Add(name, scrape.Attr(input, "value"))
	}
	return values
}

func isRedirect(status int) bool {
	return status >= 300 && status < 400
}
