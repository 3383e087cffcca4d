package idp

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"time"

	"github.com/verifa/testidp/pkg/accounts"
	"github.com/verifa/testidp/pkg/events"
	"github.com/verifa/testidp/pkg/storage"
	"github.com/zitadel/oidc/v3/pkg/oidc"
	"github.com/zitadel/oidc/v3/pkg/op"
)

const (
	DefaultPort         = 3380
	DefaultClientID     = "foo"
	DefaultClientSecret = "bar"
)

// DefaultRedirectURIs are the callbacks of the client application under
// test, for both its dev (9000) and browser test (19001) ports.
var DefaultRedirectURIs = []string{
	"http://localhost:9000/callback/OidcClient",
	"http://localhost:9000/callback/AdClient",
	"http://localhost:19001/callback/OidcClient",
	"http://localhost:19001/callback/AdClient",
}

type Config struct {
	// Issuer defaults to http://localhost:<Port>.
	Issuer string
	Port   int
	// Listener is used instead of listening on Port when set. A Port of 0
	// then takes the port of the listener.
	Listener net.Listener

	Clients       []storage.ClientConfig
	AccountFinder accounts.Finder
	ClaimsMapping accounts.ClaimsMapping
	Publisher     events.Publisher

	// Logger defaults to the request logger of the server.
	Logger   *slog.Logger
	LogLevel slog.Level
	// LogJSON switches the request logs to JSON.
	LogJSON bool

	// KeyBits is the size of the generated RSA signing key.
	KeyBits             int
	AccessTokenLifetime time.Duration

	// CookieHashKey and CookieBlockKey sign and encrypt the interaction
	// cookie of the login page. Random keys are generated when they are
	// empty, so a login page opened before a restart cannot be submitted
	// after it.
	CookieHashKey  []byte
	CookieBlockKey []byte
}

// DefaultClient is the single client registered with the fixture. It is a
// "native" application because its redirect URIs are plain http on
// localhost.
func DefaultClient() storage.ClientConfig {
	return storage.ClientConfig{
		ID:              DefaultClientID,
		Secret:          DefaultClientSecret,
		RedirectURIs:    append([]string(nil), DefaultRedirectURIs...),
		ApplicationType: op.ApplicationTypeNative,
		AuthMethod:      oidc.AuthMethodBasic,
		ResponseTypes:   []oidc.ResponseType{oidc.ResponseTypeIDTokenOnly},
		GrantTypes:      []oidc.GrantType{oidc.GrantTypeImplicit},
		AccessTokenType: op.AccessTokenTypeBearer,
		Scopes: []string{
			accounts.ScopeOpenID,
			accounts.ScopeProfile,
			accounts.ScopeEmail,
		},
		IDTokenLifetime: time.Hour,
		DevMode:         true,
	}
}

// DefaultConfig is the configuration of the fixture.
func DefaultConfig() Config {
	return Config{
		Port:          DefaultPort,
		Clients:       []storage.ClientConfig{DefaultClient()},
		AccountFinder: accounts.FakeFinder{},
		ClaimsMapping: accounts.DefaultClaimsMapping(),
		Publisher:     events.Nop{},
		LogLevel:      slog.LevelInfo,
	}
}

// IssuerForPort returns the default issuer for a port.
func IssuerForPort(port int) string {
	return fmt.Sprintf("http://localhost:%d", port)
}

var (
	ErrInvalidPort       = errors.New("invalid port")
	ErrInvalidIssuer     = errors.New("invalid issuer")
	ErrNoClients         = errors.New("no clients")
	ErrInvalidCookieKeys = errors.New("invalid cookie keys")
)

// Validate checks the config, after defaults have been applied.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 || (c.Port == 0 && c.Listener == nil) {
		return fmt.Errorf("%d: %w", c.Port, ErrInvalidPort)
	}
	if err := validateIssuer(c.Issuer); err != nil {
		return err
	}
	if len(c.Clients) == 0 {
		return ErrNoClients
	}
	for _, client := range c.Clients {
		if client.ID == "" {
			return errors.New("client with empty id")
		}
		if len(client.RedirectURIs) == 0 {
			return fmt.Errorf("client %q has no redirect URIs", client.ID)
		}
		if len(client.ResponseTypes) == 0 {
			return fmt.Errorf("client %q has no response types", client.ID)
		}
	}
	if (len(c.CookieHashKey) == 0) != (len(c.CookieBlockKey) == 0) {
		return fmt.Errorf("cookie keys: %w", ErrInvalidCookieKeys)
	}
	switch len(c.CookieBlockKey) {
	case 0, 16, 24, 32:
	default:
		return fmt.Errorf(
			"cookie block key must be 16, 24 or 32 bytes: %w",
			ErrInvalidCookieKeys,
		)
	}
	return nil
}

func validateIssuer(issuer string) error {
	u, err := url.Parse(issuer)
	if err != nil {
		return fmt.Errorf("%q: %w: %s", issuer, ErrInvalidIssuer, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%q: scheme must be http or https: %w", issuer, ErrInvalidIssuer)
	}
	if u.Host == "" {
		return fmt.Errorf("%q: missing host: %w", issuer, ErrInvalidIssuer)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("%q: query and fragment are not allowed: %w", issuer, ErrInvalidIssuer)
	}
	// The provider is served from the root of the server.
	if u.Path != "" && u.Path != "/" {
		return fmt.Errorf("%q: path is not allowed: %w", issuer, ErrInvalidIssuer)
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.Port == 0 && c.Listener != nil {
		if addr, ok := c.Listener.Addr().(*net.TCPAddr); ok {
			c.Port = addr.Port
		}
	}
	if c.Issuer == "" {
		c.Issuer = IssuerForPort(c.Port)
	}
	if c.AccountFinder == nil {
		c.AccountFinder = accounts.FakeFinder{}
	}
	if c.ClaimsMapping == nil {
		c.ClaimsMapping = accounts.DefaultClaimsMapping()
	}
	if c.Publisher == nil {
		c.Publisher = events.Nop{}
	}
}
