package storage

import (
	"slices"
	"time"

	"github.com/zitadel/oidc/v3/pkg/oidc"
	"github.com/zitadel/oidc/v3/pkg/op"
)

// ClientConfig is the static registration of a relying party.
type ClientConfig struct {
	ID     string
	Secret string

	RedirectURIs           []string
	PostLogoutRedirectURIs []string

	ApplicationType op.ApplicationType
	AuthMethod      oidc.AuthMethod
	ResponseTypes   []oidc.ResponseType
	GrantTypes      []oidc.GrantType
	AccessTokenType op.AccessTokenType

	// Scopes the client may request in addition to the standard OIDC
	// scopes.
	Scopes []string

	IDTokenLifetime time.Duration
	ClockSkew       time.Duration
	// DevMode relaxes the redirect URI checks of the provider (e.g. http
	// redirect URIs for web clients).
	DevMode bool
	// IDTokenUserinfoClaimsAssertion puts the userinfo claims into the
	// id_token even when an access token is issued.
	IDTokenUserinfoClaimsAssertion bool
}

var _ op.Client = (*Client)(nil)

// Client is the provider's view of a [ClientConfig].
type Client struct {
	config   ClientConfig
	loginURL func(authRequestID string) string
}

func (c *Client) GetID() string {
	return c.config.ID
}

func (c *Client) RedirectURIs() []string {
	return c.config.RedirectURIs
}

func (c *Client) PostLogoutRedirectURIs() []string {
	return c.config.PostLogoutRedirectURIs
}

func (c *Client) ApplicationType() op.ApplicationType {
	return c.config.ApplicationType
}

func (c *Client) AuthMethod() oidc.AuthMethod {
	return c.config.AuthMethod
}

func (c *Client) ResponseTypes() []oidc.ResponseType {
	return c.config.ResponseTypes
}

func (c *Client) GrantTypes() []oidc.GrantType {
	return c.config.GrantTypes
}

// LoginURL is where the provider sends the browser when an auth request
// needs a logged in subject.
func (c *Client) LoginURL(id string) string {
	return c.loginURL(id)
}

func (c *Client) AccessTokenType() op.AccessTokenType {
	return c.config.AccessTokenType
}

func (c *Client) IDTokenLifetime() time.Duration {
	return c.config.IDTokenLifetime
}

func (c *Client) DevMode() bool {
	return c.config.DevMode
}

func (c *Client) RestrictAdditionalIdTokenScopes() func(scopes []string) []string {
	return func(scopes []string) []string {
		return scopes
	}
}

func (c *Client) RestrictAdditionalAccessTokenScopes() func(scopes []string) []string {
	return func(scopes []string) []string {
		return scopes
	}
}

func (c *Client) IsScopeAllowed(scope string) bool {
	return slices.Contains(c.config.Scopes, scope)
}

func (c *Client) IDTokenUserinfoClaimsAssertion() bool {
	return c.config.IDTokenUserinfoClaimsAssertion
}

func (c *Client) ClockSkew() time.Duration {
	return c.config.ClockSkew
}
