// Package login is the interaction the provider sends the browser to when an
// auth request needs a subject. Any non-empty login is accepted and becomes
// the subject; the password is ignored.
package login

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/securecookie"
	"github.com/verifa/testidp/pkg/apierror"
	"github.com/zitadel/oidc/v3/pkg/op"
)

const (
	// CookieInteraction binds the browser to the auth request it was shown.
	CookieInteraction = "_interaction"

	interactionMaxAge = 10 * time.Minute

	queryAuthRequestID = "authRequestID"
	formLogin          = "login"
)

//go:embed templates/login.html
var templatesFS embed.FS

var loginTmpl = template.Must(
	template.ParseFS(templatesFS, "templates/login.html"),
)

// Storage is what the interaction needs from the provider state.
type Storage interface {
	AuthRequestByID(ctx context.Context, id string) (op.AuthRequest, error)
	CompleteAuthRequest(ctx context.Context, id string, subject string) error
}

// CallbackURL returns the URL the browser continues to once the auth request
// is done.
type CallbackURL func(ctx context.Context, authRequestID string) string

type Handler struct {
	storage  Storage
	callback CallbackURL
	cookies  *securecookie.SecureCookie
	logger   *slog.Logger
	// path is where the handler is mounted, used for the form action and
	// the cookie path.
	path string

	router chi.Router
}

type Option func(*Handler)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithCookieKeys sets the keys of the interaction cookie. By default random
// keys are generated, which invalidates interactions across restarts.
func WithCookieKeys(hashKey, blockKey []byte) Option {
	return func(h *Handler) {
		h.cookies = securecookie.New(hashKey, blockKey)
	}
}

// WithPath sets the path the handler is mounted on. Defaults to "/login".
func WithPath(path string) Option {
	return func(h *Handler) {
		h.path = path
	}
}

func New(storage Storage, callback CallbackURL, opts ...Option) *Handler {
	h := &Handler{
		storage:  storage,
		callback: callback,
		logger:   slog.Default(),
		path:     "/login",
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.cookies == nil {
		h.cookies = securecookie.New(
			securecookie.GenerateRandomKey(64),
			securecookie.GenerateRandomKey(32),
		)
	}
	h.cookies.MaxAge(int(interactionMaxAge.Seconds()))

	r := chi.NewRouter()
	r.Get("/", h.loginPage)
	r.Post("/", h.checkLogin)
	h.router = r
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

type page struct {
	ID       string
	ClientID string
	Scopes   string
	Login    string
	Error    string
	Action   string
}

func (h *Handler) loginPage(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get(queryAuthRequestID)
	if id == "" {
		apierror.Write(w, apierror.BadRequest("missing %s", queryAuthRequestID))
		return
	}
	authReq, err := h.storage.AuthRequestByID(r.Context(), id)
	if err != nil {
		apierror.Write(w, apierror.ErrorWrap(err, http.StatusBadRequest, "auth request"))
		return
	}
	if err := h.setInteractionCookie(w, id); err != nil {
		apierror.Write(w, fmt.Errorf("interaction cookie: %w", err))
		return
	}
	h.render(w, http.StatusOK, page{
		ID:       id,
		ClientID: authReq.GetClientID(),
		Scopes:   strings.Join(authReq.GetScopes(), " "),
		Login:    authReq.GetSubject(),
	})
}

func (h *Handler) checkLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		apierror.Write(w, apierror.BadRequest("parsing form: %s", err))
		return
	}
	id := r.FormValue(queryAuthRequestID)
	if id == "" {
		apierror.Write(w, apierror.BadRequest("missing %s", queryAuthRequestID))
		return
	}
	if err := h.verifyInteraction(r, id); err != nil {
		apierror.Write(w, err)
		return
	}
	authReq, err := h.storage.AuthRequestByID(r.Context(), id)
	if err != nil {
		apierror.Write(w, apierror.ErrorWrap(err, http.StatusBadRequest, "auth request"))
		return
	}
	login := strings.TrimSpace(r.FormValue(formLogin))
	if login == "" {
		h.render(w, http.StatusBadRequest, page{
			ID:       id,
			ClientID: authReq.GetClientID(),
			Scopes:   strings.Join(authReq.GetScopes(), " "),
			Error:    "Login must not be empty.",
		})
		return
	}
	if err := h.storage.CompleteAuthRequest(r.Context(), id, login); err != nil {
		h.render(w, http.StatusBadRequest, page{
			ID:       id,
			ClientID: authReq.GetClientID(),
			Scopes:   strings.Join(authReq.GetScopes(), " "),
			Login:    login,
			Error:    err.Error(),
		})
		return
	}
	h.logger.Info(
		"login",
		"subject", login,
		"client_id", authReq.GetClientID(),
		"auth_request_id", id,
	)
	h.clearInteractionCookie(w)
	http.Redirect(w, r, h.callback(r.Context(), id), http.StatusFound)
}

func (h *Handler) render(w http.ResponseWriter, status int, p page) {
	p.Action = h.path
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := loginTmpl.Execute(w, p); err != nil {
		h.logger.Error("rendering login page", "error", err)
	}
}

func (h *Handler) setInteractionCookie(w http.ResponseWriter, id string) error {
	value, err := h.cookies.Encode(CookieInteraction, id)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieInteraction,
		Value:    value,
		Path:     h.path,
		MaxAge:   int(interactionMaxAge.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

func (h *Handler) clearInteractionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieInteraction,
		Value:    "",
		Path:     h.path,
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

var (
	ErrInteractionMissing = &apierror.Error{
		Status:  http.StatusBadRequest,
		Message: "interaction cookie missing",
	}
	ErrInteractionMismatch = &apierror.Error{
		Status:  http.StatusBadRequest,
		Message: "interaction does not match auth request",
	}
)

func (h *Handler) verifyInteraction(r *http.Request, id string) error {
	cookie, err := r.Cookie(CookieInteraction)
	if err != nil {
		if errors.Is(err, http.ErrNoCookie) {
			return ErrInteractionMissing
		}
		return apierror.BadRequest("reading interaction cookie: %s", err)
	}
	var cookieID string
	if err := h.cookies.Decode(CookieInteraction, cookie.Value, &cookieID); err != nil {
		return ErrInteractionMismatch
	}
	if cookieID != id {
		return ErrInteractionMismatch
	}
	return nil
}
