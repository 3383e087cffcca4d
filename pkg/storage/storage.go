// Package storage is the in-memory state of the provider. It implements the
// op.Storage interface of the zitadel/oidc library, which does all of the
// protocol work and calls back into this package to look up clients, keep auth
// requests and tokens, sign tokens and resolve the claims of a subject.
//
// Nothing is persisted. A restart gives a new signing key and forgets every
// request and token.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
	"github.com/verifa/testidp/pkg/accounts"
	"github.com/verifa/testidp/pkg/events"
	"github.com/zitadel/oidc/v3/pkg/oidc"
	"github.com/zitadel/oidc/v3/pkg/op"
)

const (
	defaultAccessTokenLifetime  = 5 * time.Minute
	defaultRefreshTokenLifetime = 5 * time.Hour
)

var (
	ErrAuthRequestNotFound = errors.New("auth request not found")
	ErrClientNotFound      = errors.New("client not found")
	ErrTokenNotFound       = errors.New("token not found")
	ErrTokenExpired        = errors.New("token expired")
	ErrInvalidSecret       = errors.New("invalid secret")
	ErrEmptySubject        = errors.New("empty subject")
)

var _ op.Storage = (*Storage)(nil)

type Option func(*options)

type options struct {
	finder      accounts.Finder
	mapping     accounts.ClaimsMapping
	publisher   events.Publisher
	logger      *slog.Logger
	keyBits     int
	tokenExpiry time.Duration
	loginURL    func(authRequestID string) string
}

// WithAccountFinder sets the resolver of subjects. Defaults to
// [accounts.FakeFinder].
func WithAccountFinder(finder accounts.Finder) Option {
	return func(o *options) {
		o.finder = finder
	}
}

// WithClaimsMapping sets which claims each scope releases. Defaults to
// [accounts.DefaultClaimsMapping].
func WithClaimsMapping(mapping accounts.ClaimsMapping) Option {
	return func(o *options) {
		o.mapping = mapping
	}
}

func WithPublisher(publisher events.Publisher) Option {
	return func(o *options) {
		o.publisher = publisher
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithKeyBits sets the size of the generated RSA signing key.
func WithKeyBits(bits int) Option {
	return func(o *options) {
		o.keyBits = bits
	}
}

// WithAccessTokenLifetime sets the lifetime of issued access tokens. Zero
// keeps the default.
func WithAccessTokenLifetime(d time.Duration) Option {
	return func(o *options) {
		if d != 0 {
			o.tokenExpiry = d
		}
	}
}

// WithLoginURL sets the URL clients send the browser to for the login
// interaction.
func WithLoginURL(fn func(authRequestID string) string) Option {
	return func(o *options) {
		o.loginURL = fn
	}
}

// LoginPath is the default path of the login interaction.
const LoginPath = "/login"

func defaultLoginURL(id string) string {
	return LoginPath + "?authRequestID=" + id
}

type Storage struct {
	lock sync.Mutex

	authRequests  map[string]*AuthRequest
	codes         map[string]string
	tokens        map[string]*AccessToken
	refreshTokens map[string]*RefreshToken
	clients       map[string]*Client

	signingKey *signingKey

	finder      accounts.Finder
	mapping     accounts.ClaimsMapping
	publisher   events.Publisher
	logger      *slog.Logger
	tokenExpiry time.Duration
}

// New returns a storage serving the given clients.
func New(clients []ClientConfig, opts ...Option) (*Storage, error) {
	opt := options{
		finder:      accounts.FakeFinder{},
		mapping:     accounts.DefaultClaimsMapping(),
		publisher:   events.Nop{},
		logger:      slog.Default(),
		tokenExpiry: defaultAccessTokenLifetime,
		loginURL:    defaultLoginURL,
	}
	for _, o := range opts {
		o(&opt)
	}
	key, err := newSigningKey(opt.keyBits)
	if err != nil {
		return nil, fmt.Errorf("signing key: %w", err)
	}
	s := &Storage{
		authRequests:  make(map[string]*AuthRequest),
		codes:         make(map[string]string),
		tokens:        make(map[string]*AccessToken),
		refreshTokens: make(map[string]*RefreshToken),
		clients:       make(map[string]*Client, len(clients)),
		signingKey:    key,
		finder:        opt.finder,
		mapping:       opt.mapping,
		publisher:     opt.publisher,
		logger:        opt.logger,
		tokenExpiry:   opt.tokenExpiry,
	}
	for _, config := range clients {
		if config.ID == "" {
			return nil, errors.New("client with empty id")
		}
		if _, ok := s.clients[config.ID]; ok {
			return nil, fmt.Errorf("duplicate client %q", config.ID)
		}
		s.clients[config.ID] = &Client{
			config:   config,
			loginURL: opt.loginURL,
		}
	}
	return s, nil
}

// CompleteAuthRequest marks the auth request as done by subject. It is called
// by the login interaction.
func (s *Storage) CompleteAuthRequest(
	ctx context.Context,
	id string,
	subject string,
) error {
	if subject == "" {
		return ErrEmptySubject
	}
	// Resolve the account outside of the lock, the finder may be slow.
	if _, err := s.finder.FindAccount(ctx, subject); err != nil {
		return fmt.Errorf("find account: %w", err)
	}
	s.lock.Lock()
	request, ok := s.authRequests[id]
	if !ok {
		s.lock.Unlock()
		return fmt.Errorf("%q: %w", id, ErrAuthRequestNotFound)
	}
	request.UserID = subject
	request.done = true
	request.authTime = time.Now()
	clientID := request.ApplicationID
	scopes := request.Scopes
	s.lock.Unlock()

	s.publish(ctx, events.Event{
		Type:          events.TypeLogin,
		Subject:       subject,
		ClientID:      clientID,
		AuthRequestID: id,
		Scopes:        scopes,
	})
	return nil
}

// AuthRequests returns the number of pending auth requests.
func (s *Storage) AuthRequests() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.authRequests)
}

func (s *Storage) CreateAuthRequest(
	ctx context.Context,
	authReq *oidc.AuthRequest,
	userID string,
) (op.AuthRequest, error) {
	// There is no session to fall back to, so prompt=none can never succeed.
	if len(authReq.Prompt) == 1 && authReq.Prompt[0] == oidc.PromptNone {
		return nil, oidc.ErrLoginRequired()
	}
	request := authRequestToInternal(authReq, userID)
	request.ID = uuid.NewString()
	// The application under test reads the id_token from a POST to its
	// callback, so that is the default unless the client asks otherwise.
	if request.ResponseMode == "" && request.ResponseType != oidc.ResponseTypeCode {
		request.ResponseMode = oidc.ResponseModeFormPost
	}

	s.lock.Lock()
	s.authRequests[request.ID] = request
	s.lock.Unlock()

	s.publish(ctx, events.Event{
		Type:          events.TypeAuthRequest,
		ClientID:      request.ApplicationID,
		AuthRequestID: request.ID,
		Scopes:        request.Scopes,
	})
	return request, nil
}

func (s *Storage) AuthRequestByID(
	_ context.Context,
	id string,
) (op.AuthRequest, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	request, ok := s.authRequests[id]
	if !ok {
		return nil, fmt.Errorf("%q: %w", id, ErrAuthRequestNotFound)
	}
	return request, nil
}

func (s *Storage) AuthRequestByCode(
	ctx context.Context,
	code string,
) (op.AuthRequest, error) {
	s.lock.Lock()
	requestID, ok := s.codes[code]
	s.lock.Unlock()
	if !ok {
		return nil, fmt.Errorf("code: %w", ErrAuthRequestNotFound)
	}
	return s.AuthRequestByID(ctx, requestID)
}

func (s *Storage) SaveAuthCode(_ context.Context, id string, code string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.authRequests[id]; !ok {
		return fmt.Errorf("%q: %w", id, ErrAuthRequestNotFound)
	}
	s.codes[code] = id
	return nil
}

func (s *Storage) DeleteAuthRequest(_ context.Context, id string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.authRequests, id)
	for code, requestID := range s.codes {
		if id == requestID {
			delete(s.codes, code)
		}
	}
	return nil
}

func (s *Storage) CreateAccessToken(
	ctx context.Context,
	request op.TokenRequest,
) (string, time.Time, error) {
	clientID := tokenRequestClientID(request)
	token := s.newAccessToken(clientID, "", request.GetSubject(), request.GetAudience(), request.GetScopes())

	s.lock.Lock()
	s.tokens[token.ID] = token
	s.lock.Unlock()

	s.publishToken(ctx, token)
	return token.ID, token.Expiration, nil
}

func (s *Storage) CreateAccessAndRefreshTokens(
	ctx context.Context,
	request op.TokenRequest,
	currentRefreshToken string,
) (accessTokenID string, newRefreshToken string, expiration time.Time, err error) {
	clientID := tokenRequestClientID(request)
	authTime, amr := time.Now(), []string(nil)
	if authReq, ok := request.(*AuthRequest); ok {
		authTime, amr = authReq.GetAuthTime(), authReq.GetAMR()
	}

	s.lock.Lock()
	if currentRefreshToken != "" {
		current, ok := s.refreshTokens[currentRefreshToken]
		if !ok {
			s.lock.Unlock()
			return "", "", time.Time{}, fmt.Errorf("refresh token: %w", ErrTokenNotFound)
		}
		if current.Expiration.Before(time.Now()) {
			s.lock.Unlock()
			return "", "", time.Time{}, fmt.Errorf("refresh token: %w", ErrTokenExpired)
		}
		// Rotate: the old refresh token and its access token are revoked.
		delete(s.refreshTokens, currentRefreshToken)
		delete(s.tokens, current.AccessToken)
		authTime, amr = current.AuthTime, current.AMR
	}
	refreshID := uuid.NewString()
	token := s.newAccessToken(clientID, refreshID, request.GetSubject(), request.GetAudience(), request.GetScopes())
	s.tokens[token.ID] = token
	s.refreshTokens[refreshID] = &RefreshToken{
		ID:            refreshID,
		Token:         refreshID,
		AuthTime:      authTime,
		AMR:           amr,
		Audience:      request.GetAudience(),
		UserID:        request.GetSubject(),
		ApplicationID: clientID,
		Expiration:    time.Now().Add(defaultRefreshTokenLifetime),
		Scopes:        request.GetScopes(),
		AccessToken:   token.ID,
	}
	s.lock.Unlock()

	s.publishToken(ctx, token)
	return token.ID, refreshID, token.Expiration, nil
}

func (s *Storage) TokenRequestByRefreshToken(
	_ context.Context,
	refreshToken string,
) (op.RefreshTokenRequest, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	token, ok := s.refreshTokens[refreshToken]
	if !ok {
		return nil, fmt.Errorf("refresh token: %w", ErrTokenNotFound)
	}
	return &RefreshTokenRequest{token}, nil
}

func (s *Storage) TerminateSession(
	_ context.Context,
	userID string,
	clientID string,
) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, token := range s.tokens {
		if token.ApplicationID == clientID && token.Subject == userID {
			delete(s.tokens, token.ID)
			delete(s.refreshTokens, token.RefreshTokenID)
		}
	}
	for _, token := range s.refreshTokens {
		if token.ApplicationID == clientID && token.UserID == userID {
			delete(s.refreshTokens, token.ID)
		}
	}
	return nil
}

func (s *Storage) GetRefreshTokenInfo(
	_ context.Context,
	clientID string,
	token string,
) (userID string, tokenID string, err error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	refreshToken, ok := s.refreshTokens[token]
	if !ok || refreshToken.ApplicationID != clientID {
		return "", "", op.ErrInvalidRefreshToken
	}
	return refreshToken.UserID, refreshToken.ID, nil
}

func (s *Storage) RevokeToken(
	_ context.Context,
	tokenIDOrToken string,
	userID string,
	clientID string,
) *oidc.Error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if accessToken, ok := s.tokens[tokenIDOrToken]; ok {
		if accessToken.ApplicationID != clientID {
			return oidc.ErrInvalidClient().
				WithDescription("token was not issued for this client")
		}
		delete(s.tokens, accessToken.ID)
		return nil
	}
	refreshToken, ok := s.refreshTokens[tokenIDOrToken]
	if !ok {
		// Unknown tokens are not an error for revocation.
		return nil
	}
	if refreshToken.ApplicationID != clientID {
		return oidc.ErrInvalidClient().
			WithDescription("token was not issued for this client")
	}
	delete(s.refreshTokens, refreshToken.ID)
	delete(s.tokens, refreshToken.AccessToken)
	return nil
}

func (s *Storage) SigningKey(context.Context) (op.SigningKey, error) {
	return s.signingKey, nil
}

func (s *Storage) SignatureAlgorithms(
	context.Context,
) ([]jose.SignatureAlgorithm, error) {
	return []jose.SignatureAlgorithm{s.signingKey.algorithm}, nil
}

func (s *Storage) KeySet(context.Context) ([]op.Key, error) {
	return []op.Key{&publicKey{s.signingKey}}, nil
}

func (s *Storage) GetClientByClientID(
	_ context.Context,
	clientID string,
) (op.Client, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	client, ok := s.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("%q: %w", clientID, ErrClientNotFound)
	}
	return client, nil
}

func (s *Storage) AuthorizeClientIDSecret(
	_ context.Context,
	clientID string,
	clientSecret string,
) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	client, ok := s.clients[clientID]
	if !ok {
		return fmt.Errorf("%q: %w", clientID, ErrClientNotFound)
	}
	if client.config.Secret != clientSecret {
		return ErrInvalidSecret
	}
	return nil
}

// SetUserinfoFromScopes is called by the provider when it builds an id_token.
// In the implicit flow with response_type=id_token it is the only place the
// claims of the subject are released.
func (s *Storage) SetUserinfoFromScopes(
	ctx context.Context,
	userinfo *oidc.UserInfo,
	userID string,
	clientID string,
	scopes []string,
) error {
	if err := s.setUserinfo(ctx, userinfo, userID, scopes); err != nil {
		return err
	}
	s.publish(ctx, events.Event{
		Type:     events.TypeToken,
		Subject:  userID,
		ClientID: clientID,
		Scopes:   scopes,
	})
	return nil
}

func (s *Storage) SetUserinfoFromToken(
	ctx context.Context,
	userinfo *oidc.UserInfo,
	tokenID string,
	subject string,
	origin string,
) error {
	token, err := s.accessToken(tokenID)
	if err != nil {
		return err
	}
	return s.setUserinfo(ctx, userinfo, token.Subject, token.Scopes)
}

func (s *Storage) SetIntrospectionFromToken(
	_ context.Context,
	introspection *oidc.IntrospectionResponse,
	tokenID string,
	subject string,
	clientID string,
) error {
	token, err := s.accessToken(tokenID)
	if err != nil {
		return err
	}
	if !slices.Contains(token.Audience, clientID) {
		return errors.New("token is not valid for this client")
	}
	introspection.Active = true
	introspection.Subject = token.Subject
	introspection.ClientID = token.ApplicationID
	introspection.Scope = token.Scopes
	introspection.Audience = token.Audience
	return nil
}

// GetPrivateClaimsFromScopes returns the released claims, other than sub, for
// JWT access tokens.
func (s *Storage) GetPrivateClaimsFromScopes(
	ctx context.Context,
	userID string,
	clientID string,
	scopes []string,
) (map[string]any, error) {
	released, err := s.releasedClaims(ctx, userID, scopes)
	if err != nil {
		return nil, err
	}
	delete(released, accounts.ClaimSubject)
	return released, nil
}

func (s *Storage) GetKeyByIDAndClientID(
	_ context.Context,
	keyID string,
	clientID string,
) (*jose.JSONWebKey, error) {
	return nil, fmt.Errorf("key %q for client %q: jwt profile grants are not supported", keyID, clientID)
}

func (s *Storage) ValidateJWTProfileScopes(
	_ context.Context,
	userID string,
	scopes []string,
) ([]string, error) {
	allowed := make([]string, 0, len(scopes))
	for _, scope := range scopes {
		if scope == oidc.ScopeOpenID {
			allowed = append(allowed, scope)
		}
	}
	return allowed, nil
}

func (s *Storage) Health(context.Context) error {
	return nil
}

func (s *Storage) setUserinfo(
	ctx context.Context,
	userinfo *oidc.UserInfo,
	userID string,
	scopes []string,
) error {
	released, err := s.releasedClaims(ctx, userID, scopes)
	if err != nil {
		return err
	}
	// The provider copies the subject from the userinfo into the id_token,
	// so it has to be set whatever the scopes are.
	userinfo.Subject = userID
	for name, value := range released {
		if name == accounts.ClaimSubject {
			continue
		}
		if userinfo.Claims == nil {
			userinfo.Claims = make(map[string]any)
		}
		userinfo.Claims[name] = value
	}
	return nil
}

func (s *Storage) releasedClaims(
	ctx context.Context,
	userID string,
	scopes []string,
) (map[string]any, error) {
	account, err := s.finder.FindAccount(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("find account: %w", err)
	}
	claims, err := account.Claims(ctx)
	if err != nil {
		return nil, err
	}
	return s.mapping.Filter(claims, scopes), nil
}

func (s *Storage) accessToken(id string) (*AccessToken, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	token, ok := s.tokens[id]
	if !ok {
		return nil, fmt.Errorf("access token: %w", ErrTokenNotFound)
	}
	if token.Expiration.Before(time.Now()) {
		return nil, fmt.Errorf("access token: %w", ErrTokenExpired)
	}
	return token, nil
}

func (s *Storage) newAccessToken(
	clientID string,
	refreshTokenID string,
	subject string,
	audience []string,
	scopes []string,
) *AccessToken {
	return &AccessToken{
		ID:             uuid.NewString(),
		ApplicationID:  clientID,
		RefreshTokenID: refreshTokenID,
		Subject:        subject,
		Audience:       audience,
		Expiration:     time.Now().Add(s.tokenExpiry),
		Scopes:         scopes,
	}
}

func (s *Storage) publishToken(ctx context.Context, token *AccessToken) {
	s.publish(ctx, events.Event{
		Type:     events.TypeToken,
		Subject:  token.Subject,
		ClientID: token.ApplicationID,
		Scopes:   token.Scopes,
	})
}

func (s *Storage) publish(ctx context.Context, event events.Event) {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn(
			"publishing event",
			"type", event.Type,
			"error", err,
		)
	}
}

func tokenRequestClientID(request op.TokenRequest) string {
	switch req := request.(type) {
	case *AuthRequest:
		return req.ApplicationID
	case op.RefreshTokenRequest:
		return req.GetClientID()
	}
	return ""
}
