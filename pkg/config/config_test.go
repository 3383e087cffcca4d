package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/verifa/testidp/pkg/accounts"
	"github.com/verifa/testidp/pkg/idp"
	"github.com/verifa/testidp/pkg/storage"
	tu "github.com/verifa/testidp/pkg/testutil"
	"github.com/zitadel/oidc/v3/pkg/oidc"
	"github.com/zitadel/oidc/v3/pkg/op"
)

const fullConfig = `
issuer: http://idp.local:4000
port: 4000
logLevel: debug
accessTokenLifetime: 10m
clients:
  - id: web-app
    secret: s3cret
    redirectURIs:
      - http://localhost:8080/callback
    applicationType: web
    authMethod: client_secret_post
    responseTypes: [code]
    grantTypes: [authorization_code, refresh_token]
    idTokenLifetime: 30m
claims:
  openid: [sub]
  email: [user_emailid]
accounts:
  alice:
    user_emailid: alice@corp.test
events:
  natsEmbedded: true
  subjectPrefix: ci.idp
cookieKeys:
  hashKey: 0123456789abcdef0123456789abcdef-hash
  blockKey: 0123456789abcdef0123456789abcdef
`

func TestParse(t *testing.T) {
	file, err := Parse([]byte(fullConfig))
	tu.AssertNoError(t, err)

	config := idp.DefaultConfig()
	tu.AssertNoError(t, file.Apply(&config))

	tu.AssertEqual(t, "http://idp.local:4000", config.Issuer)
	tu.AssertEqual(t, 4000, config.Port)
	tu.AssertEqual(t, slog.LevelDebug, config.LogLevel)
	tu.AssertEqual(t, 10*time.Minute, config.AccessTokenLifetime)
	tu.AssertEqual(t, accounts.ClaimsMapping{
		"openid": {"sub"},
		"email":  {"user_emailid"},
	}, config.ClaimsMapping)
	tu.AssertEqual(t, accounts.StaticFinder{
		"alice": {"user_emailid": "alice@corp.test"},
	}, config.AccountFinder)
	tu.AssertEqual(t, Events{
		NATSEmbedded:  true,
		SubjectPrefix: "ci.idp",
	}, file.Events)
	tu.AssertEqual(t, []byte("0123456789abcdef0123456789abcdef-hash"), config.CookieHashKey)
	tu.AssertEqual(t, []byte("0123456789abcdef0123456789abcdef"), config.CookieBlockKey)

	expClient := idp.DefaultClient()
	expClient.ID = "web-app"
	expClient.Secret = "s3cret"
	expClient.RedirectURIs = []string{"http://localhost:8080/callback"}
	expClient.ApplicationType = op.ApplicationTypeWeb
	expClient.AuthMethod = oidc.AuthMethodPost
	expClient.ResponseTypes = []oidc.ResponseType{oidc.ResponseTypeCode}
	expClient.GrantTypes = []oidc.GrantType{
		oidc.GrantTypeCode,
		oidc.GrantTypeRefreshToken,
	}
	expClient.IDTokenLifetime = 30 * time.Minute
	tu.AssertEqual(t, []storage.ClientConfig{expClient}, config.Clients)
}

func TestParseEmpty(t *testing.T) {
	file, err := Parse([]byte("{}"))
	tu.AssertNoError(t, err)
	config := idp.DefaultConfig()
	tu.AssertNoError(t, file.Apply(&config))
	tu.AssertEqual(t, idp.DefaultConfig().Clients, config.Clients)
	tu.AssertEqual(t, idp.DefaultPort, config.Port)
}

func TestParseInvalid(t *testing.T) {
	type test struct {
		name string
		yaml string
	}
	tests := []test{
		{
			name: "unknown field",
			yaml: "issuer: http://localhost:3380\nfoo: bar\n",
		},
		{
			name: "port out of range",
			yaml: "port: 70000\n",
		},
		{
			name: "issuer scheme",
			yaml: "issuer: ftp://localhost\n",
		},
		{
			name: "client without redirect uris",
			yaml: "clients:\n  - id: foo\n    redirectURIs: []\n",
		},
		{
			name: "client without id",
			yaml: "clients:\n  - redirectURIs: [http://localhost/cb]\n",
		},
		{
			name: "unknown application type",
			yaml: "clients:\n  - id: foo\n    redirectURIs: [http://localhost/cb]\n    applicationType: desktop\n",
		},
		{
			name: "bad duration",
			yaml: "accessTokenLifetime: forever\n",
		},
		{
			name: "both nats url and embedded",
			yaml: "events:\n  natsURL: nats://localhost:4222\n  natsEmbedded: true\n",
		},
		{
			name: "short cookie block key",
			yaml: "cookieKeys:\n  hashKey: 0123456789abcdef0123456789abcdef\n  blockKey: short\n",
		},
		{
			name: "cookie keys without hash key",
			yaml: "cookieKeys:\n  blockKey: 0123456789abcdef0123456789abcdef\n",
		},
		{
			name: "redirect uri is not a url",
			yaml: "clients:\n  - id: foo\n    redirectURIs: [callback]\n",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			tu.AssertErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "testidp.yaml")
	err := os.WriteFile(path, []byte("port: 3390\n"), 0o600)
	tu.AssertNoError(t, err)

	file, err := Load(path)
	tu.AssertNoError(t, err)
	tu.AssertEqual(t, 3390, file.Port)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	tu.AssertErrorIs(t, err, os.ErrNotExist)
}

func TestLogLevel(t *testing.T) {
	level, err := LogLevel("warn")
	tu.AssertNoError(t, err)
	tu.AssertEqual(t, slog.LevelWarn, level)

	_, err = LogLevel("loud")
	tu.AssertTrue(t, err != nil, "unknown level")
}
