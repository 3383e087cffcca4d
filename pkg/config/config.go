// Package config reads the optional YAML file that overrides the defaults of
// the provider.
//
// A file is checked twice before it is used. First against the CUE schema
// embedded in this package, which rejects unknown fields and bad enum values
// with the position of the offending value, then against the struct tags of
// [File].
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/go-playground/validator/v10"
	"github.com/verifa/testidp/pkg/accounts"
	"github.com/verifa/testidp/pkg/idp"
	"github.com/verifa/testidp/pkg/storage"
	"github.com/zitadel/oidc/v3/pkg/oidc"
	"github.com/zitadel/oidc/v3/pkg/op"
	"sigs.k8s.io/yaml"
)

//go:embed schema.cue
var schemaCUE []byte

var ErrInvalidConfig = errors.New("invalid config")

type File struct {
	Issuer              string `json:"issuer,omitempty" validate:"omitempty,url"`
	Port                int    `json:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	LogLevel            string `json:"logLevel,omitempty"`
	LogJSON             bool   `json:"logJSON,omitempty"`
	AccessTokenLifetime string `json:"accessTokenLifetime,omitempty"`

	Clients []Client `json:"clients,omitempty" validate:"dive"`
	// Claims replaces the scope to claims mapping.
	Claims map[string][]string `json:"claims,omitempty"`
	// Accounts switches the provider from accepting any login to the listed
	// accounts only.
	Accounts map[string]map[string]any `json:"accounts,omitempty"`

	Events Events `json:"events,omitempty"`
	// CookieKeys keep the login page cookie valid across restarts.
	CookieKeys *CookieKeys `json:"cookieKeys,omitempty"`
}

type CookieKeys struct {
	HashKey  string `json:"hashKey" validate:"required,min=32"`
	BlockKey string `json:"blockKey" validate:"required,len=32"`
}

type Events struct {
	NATSURL       string `json:"natsURL,omitempty" validate:"excluded_with=NATSEmbedded"`
	NATSEmbedded  bool   `json:"natsEmbedded,omitempty"`
	SubjectPrefix string `json:"subjectPrefix,omitempty"`
}

type Client struct {
	ID                             string   `json:"id" validate:"required"`
	Secret                         string   `json:"secret,omitempty"`
	RedirectURIs                   []string `json:"redirectURIs" validate:"required,min=1,dive,url"`
	PostLogoutRedirectURIs         []string `json:"postLogoutRedirectURIs,omitempty" validate:"dive,url"`
	ApplicationType                string   `json:"applicationType,omitempty"`
	AuthMethod                     string   `json:"authMethod,omitempty"`
	ResponseTypes                  []string `json:"responseTypes,omitempty"`
	GrantTypes                     []string `json:"grantTypes,omitempty"`
	AccessTokenType                string   `json:"accessTokenType,omitempty"`
	Scopes                         []string `json:"scopes,omitempty"`
	IDTokenLifetime                string   `json:"idTokenLifetime,omitempty"`
	ClockSkew                      string   `json:"clockSkew,omitempty"`
	IDTokenUserinfoClaimsAssertion bool     `json:"idTokenUserinfoClaimsAssertion,omitempty"`
}

// Load reads and validates the file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse validates YAML (or JSON) data and decodes it into a File.
func Parse(data []byte) (*File, error) {
	jData, err := yaml.YAMLToJSONStrict(data)
	if err != nil {
		return nil, fmt.Errorf("convert yaml to json: %w", err)
	}
	if err := validateCUE(jData); err != nil {
		return nil, err
	}
	var file File
	dec := json.NewDecoder(bytes.NewReader(jData))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(file); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return &file, nil
}

func validateCUE(jData []byte) error {
	cCtx := cuecontext.New()
	schema := cCtx.CompileBytes(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compiling schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))
	data := cCtx.CompileBytes(jData, cue.Filename("config"))
	if err := data.Err(); err != nil {
		return fmt.Errorf("compiling config to cue value: %w", err)
	}
	result := def.Unify(data)
	if err := result.Validate(
		cue.Final(),
		cue.Concrete(true),
	); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Apply overrides config with the values set in the file.
func (f *File) Apply(config *idp.Config) error {
	if f.Issuer != "" {
		config.Issuer = f.Issuer
	}
	if f.Port != 0 {
		config.Port = f.Port
	}
	if f.LogLevel != "" {
		if err := config.LogLevel.UnmarshalText([]byte(f.LogLevel)); err != nil {
			return fmt.Errorf("log level: %w", err)
		}
	}
	if f.LogJSON {
		config.LogJSON = true
	}
	if f.AccessTokenLifetime != "" {
		d, err := time.ParseDuration(f.AccessTokenLifetime)
		if err != nil {
			return fmt.Errorf("access token lifetime: %w", err)
		}
		config.AccessTokenLifetime = d
	}
	if len(f.Clients) > 0 {
		clients := make([]storage.ClientConfig, 0, len(f.Clients))
		for _, c := range f.Clients {
			client, err := c.ClientConfig()
			if err != nil {
				return fmt.Errorf("client %q: %w", c.ID, err)
			}
			clients = append(clients, client)
		}
		config.Clients = clients
	}
	if len(f.Claims) > 0 {
		config.ClaimsMapping = accounts.ClaimsMapping(f.Claims)
	}
	if len(f.Accounts) > 0 {
		config.AccountFinder = accounts.StaticFinder(f.Accounts)
	}
	if f.CookieKeys != nil {
		config.CookieHashKey = []byte(f.CookieKeys.HashKey)
		config.CookieBlockKey = []byte(f.CookieKeys.BlockKey)
	}
	return nil
}

// ClientConfig converts c, starting from the default client of the fixture so
// that a file only has to name what differs.
func (c Client) ClientConfig() (storage.ClientConfig, error) {
	client := idp.DefaultClient()
	client.ID = c.ID
	client.Secret = c.Secret
	client.RedirectURIs = c.RedirectURIs
	client.PostLogoutRedirectURIs = c.PostLogoutRedirectURIs
	if c.ApplicationType != "" {
		appType, err := applicationType(c.ApplicationType)
		if err != nil {
			return storage.ClientConfig{}, err
		}
		client.ApplicationType = appType
	}
	if c.AuthMethod != "" {
		client.AuthMethod = oidc.AuthMethod(c.AuthMethod)
	}
	if len(c.ResponseTypes) > 0 {
		client.ResponseTypes = make([]oidc.ResponseType, 0, len(c.ResponseTypes))
		for _, rt := range c.ResponseTypes {
			client.ResponseTypes = append(client.ResponseTypes, oidc.ResponseType(rt))
		}
	}
	if len(c.GrantTypes) > 0 {
		client.GrantTypes = make([]oidc.GrantType, 0, len(c.GrantTypes))
		for _, gt := range c.GrantTypes {
			client.GrantTypes = append(client.GrantTypes, oidc.GrantType(gt))
		}
	}
	switch c.AccessTokenType {
	case "":
	case "bearer":
		client.AccessTokenType = op.AccessTokenTypeBearer
	case "jwt":
		client.AccessTokenType = op.AccessTokenTypeJWT
	default:
		return storage.ClientConfig{}, fmt.Errorf("unknown access token type %q", c.AccessTokenType)
	}
	if len(c.Scopes) > 0 {
		client.Scopes = c.Scopes
	}
	if c.IDTokenLifetime != "" {
		d, err := time.ParseDuration(c.IDTokenLifetime)
		if err != nil {
			return storage.ClientConfig{}, fmt.Errorf("id token lifetime: %w", err)
		}
		client.IDTokenLifetime = d
	}
	if c.ClockSkew != "" {
		d, err := time.ParseDuration(c.ClockSkew)
		if err != nil {
			return storage.ClientConfig{}, fmt.Errorf("clock skew: %w", err)
		}
		client.ClockSkew = d
	}
	client.IDTokenUserinfoClaimsAssertion = c.IDTokenUserinfoClaimsAssertion
	return client, nil
}

func applicationType(s string) (op.ApplicationType, error) {
	switch s {
	case "web":
		return op.ApplicationTypeWeb, nil
	case "native":
		return op.ApplicationTypeNative, nil
	case "user_agent":
		return op.ApplicationTypeUserAgent, nil
	}
	return 0, fmt.Errorf("unknown application type %q", s)
}

// LogLevel parses a level name, as used by the --log-level flag.
func LogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log level: %w", err)
	}
	return level, nil
}
