package idp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httplog/v2"
	"github.com/hashicorp/go-multierror"
	"github.com/verifa/testidp/pkg/login"
	"github.com/verifa/testidp/pkg/storage"
	"github.com/zitadel/oidc/v3/pkg/op"
	"golang.org/x/text/language"
)

const (
	// DiscoveryPath is served by the provider library.
	DiscoveryPath = "/.well-known/openid-configuration"
	// LoggedOutPath is where end_session sends the browser when the client
	// gives no post_logout_redirect_uri.
	LoggedOutPath = "/logged-out"

	shutdownTimeout = 3 * time.Second
)

func Start(ctx context.Context, config Config) (*Server, error) {
	s := Server{}
	if err := s.Start(ctx, config); err != nil {
		return nil, fmt.Errorf("start server: %w", err)
	}
	return &s, nil
}

type Server struct {
	Issuer string

	http     *http.Server
	listener net.Listener
	handler  http.Handler
	storage  *storage.Storage
	config   Config
}

func (s *Server) Start(ctx context.Context, config Config) error {
	config.setDefaults()
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	s.Issuer = config.Issuer
	s.config = config

	handler, store, logger, err := build(config)
	if err != nil {
		return err
	}
	s.handler = handler
	s.storage = store

	l := config.Listener
	if l == nil {
		l, err = net.Listen("tcp", fmt.Sprintf(":%d", config.Port))
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}
	s.listener = l
	port := config.Port
	if addr, ok := l.Addr().(*net.TCPAddr); ok {
		port = addr.Port
	}
	s.http = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return context.WithoutCancel(ctx)
		},
	}
	logger.Info(fmt.Sprintf(
		"testidp listening on port %d, check %s",
		port,
		strings.TrimSuffix(config.Issuer, "/")+DiscoveryPath,
	))
	go func() {
		if err := s.http.Serve(l); err != nil {
			if !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server", "error", err.Error())
			}
		}
	}()
	return nil
}

// Addr is the address the server listens on.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Handler is the root handler, useful to run the provider without a
// listener in httptest.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Storage gives tests access to the provider state.
func (s *Server) Storage() *storage.Storage {
	return s.storage
}

func (s *Server) Close() error {
	var result *multierror.Error
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("shutdown: %w", err))
	}
	if err := s.config.Publisher.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close publisher: %w", err))
	}
	return result.ErrorOrNil()
}

// NewHandler builds the provider for config without listening, for use with
// httptest. The issuer of config must match the address it is served on.
func NewHandler(config Config) (http.Handler, *storage.Storage, error) {
	// The port is only used for listening, and for the default issuer.
	if config.Port == 0 && config.Listener == nil {
		config.Port = DefaultPort
	}
	config.setDefaults()
	if err := config.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	handler, store, _, err := build(config)
	if err != nil {
		return nil, nil, err
	}
	return handler, store, nil
}

// build wires the storage, the provider and the login page into one
// router.
func build(config Config) (http.Handler, *storage.Storage, *slog.Logger, error) {
	httpLogger := httplog.NewLogger("testidp", httplog.Options{
		JSON:     config.LogJSON,
		LogLevel: config.LogLevel,
		Concise:  true,
	})
	logger := config.Logger
	if logger == nil {
		logger = httpLogger.Logger
	}

	// The provider needs a Storage handling the various checks and state
	// manipulations. Everything lives in memory.
	store, err := storage.New(
		config.Clients,
		storage.WithAccountFinder(config.AccountFinder),
		storage.WithClaimsMapping(config.ClaimsMapping),
		storage.WithPublisher(config.Publisher),
		storage.WithLogger(logger),
		storage.WithKeyBits(config.KeyBits),
		storage.WithAccessTokenLifetime(config.AccessTokenLifetime),
	)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("storage: %w", err)
	}
	handler, err := newHandler(config, store, httpLogger, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	return handler, store, logger, nil
}

func newHandler(
	config Config,
	store *storage.Storage,
	httpLogger *httplog.Logger,
	logger *slog.Logger,
) (http.Handler, error) {
	provider, err := newProvider(config.Issuer, store, logger)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(httplog.RequestLogger(httpLogger))
	r.Use(middleware.Recoverer)

	// The login page needs the issuer in the request context to build the
	// callback URL of the provider.
	interceptor := op.NewIssuerInterceptor(provider.IssuerFromRequest)
	loginOpts := []login.Option{
		login.WithLogger(logger),
		login.WithPath(storage.LoginPath),
	}
	if len(config.CookieHashKey) > 0 {
		loginOpts = append(
			loginOpts,
			login.WithCookieKeys(config.CookieHashKey, config.CookieBlockKey),
		)
	}
	loginHandler := login.New(store, op.AuthCallbackURL(provider), loginOpts...)
	r.Mount(storage.LoginPath, interceptor.Handler(loginHandler))
	r.Get(LoggedOutPath, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("signed out"))
	})
	// The provider is registered on the root so that the discovery endpoint
	// is served on the correct path.
	r.Mount("/", provider.HttpHandler())
	return r, nil
}

func newProvider(
	issuer string,
	store *storage.Storage,
	logger *slog.Logger,
) (*op.Provider, error) {
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return nil, fmt.Errorf("generating crypto key: %w", err)
	}
	config := &op.Config{
		CryptoKey:                key,
		DefaultLogoutRedirectURI: LoggedOutPath,
		CodeMethodS256:           true,
		AuthMethodPost:           true,
		GrantTypeRefreshToken:    true,
		SupportedUILocales:       []language.Tag{language.English},
	}
	provider, err := op.NewOpenIDProvider(
		issuer,
		config,
		store,
		// The fixture serves plain http on localhost.
		op.WithAllowInsecure(),
		op.WithLogger(logger.WithGroup("op")),
	)
	if err != nil {
		return nil, fmt.Errorf("new openid provider: %w", err)
	}
	return provider, nil
}
