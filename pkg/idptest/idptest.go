// Package idptest starts the provider for a test, on a free port, with an
// event recorder attached.
package idptest

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"testing"

	"github.com/verifa/testidp/pkg/accounts"
	"github.com/verifa/testidp/pkg/events"
	"github.com/verifa/testidp/pkg/idp"
	"github.com/verifa/testidp/pkg/storage"
)

// testKeyBits keeps key generation fast in tests.
const testKeyBits = 1024

type Option func(*idp.Config)

func WithClients(clients ...storage.ClientConfig) Option {
	return func(c *idp.Config) {
		c.Clients = clients
	}
}

func WithAccountFinder(finder accounts.Finder) Option {
	return func(c *idp.Config) {
		c.AccountFinder = finder
	}
}

func WithClaimsMapping(mapping accounts.ClaimsMapping) Option {
	return func(c *idp.Config) {
		c.ClaimsMapping = mapping
	}
}

// WithPublisher adds a publisher next to the recorder.
func WithPublisher(publisher events.Publisher) Option {
	return func(c *idp.Config) {
		c.Publisher = events.Multi{c.Publisher, publisher}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *idp.Config) {
		c.Logger = logger
	}
}

type Provider struct {
	*idp.Server
	Events *events.Recorder
}

// Start runs a provider until the test is cleaned up.
func Start(t testing.TB, opts ...Option) *Provider {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal("listen: ", err)
	}
	port := l.Addr().(*net.TCPAddr).Port

	recorder := events.NewRecorder()
	config := idp.DefaultConfig()
	config.Port = port
	config.Listener = l
	config.Issuer = fmt.Sprintf("http://127.0.0.1:%d", port)
	config.Publisher = recorder
	config.KeyBits = testKeyBits
	config.LogLevel = slog.LevelWarn
	for _, opt := range opts {
		opt(&config)
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv, err := idp.Start(ctx, config)
	if err != nil {
		cancel()
		_ = l.Close()
		t.Fatal("start provider: ", err)
	}
	t.Cleanup(func() {
		cancel()
		if err := srv.Close(); err != nil {
			t.Error("close provider: ", err)
		}
	})
	return &Provider{
		Server: srv,
		Events: recorder,
	}
}
