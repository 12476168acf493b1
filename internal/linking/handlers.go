package linking

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	apperrors "github.com/alexjbarnes/immer-auth/internal/errors"
	"github.com/alexjbarnes/immer-auth/internal/federation"
	"github.com/alexjbarnes/immer-auth/internal/models"
	"github.com/alexjbarnes/immer-auth/internal/session"
)

const (
	maxRequestBody = 16 << 10

	loginPath        = "/auth/login"
	mergePath        = "/auth/oidc-merge"
	interstitialPath = "/auth/oidc-interstitial"
)

// Handlers serves the account linking pages.
type Handlers struct {
	svc      *Service
	sessions *session.Manager
	name     string
	logger   *slog.Logger
}

// NewHandlers wires the linking endpoints. name is shown on every page.
func NewHandlers(svc *Service, sessions *session.Manager, name string, logger *slog.Logger) *Handlers {
	return &Handlers{svc: svc, sessions: sessions, name: name, logger: logger}
}

// HandleIdentity continues a federated login once the peer's identity is
// verified. It satisfies federation.IdentityHandler.
func (h *Handlers) HandleIdentity(w http.ResponseWriter, r *http.Request, sess *session.Session, id *federation.Identity) {
	res, err := h.svc.Resolve(r.Context(), id)
	if err != nil {
		h.fail(w, r, "resolve", err)
		return
	}

	switch res.Outcome {
	case LoggedIn:
		h.login(w, r, sess, res.User)
	case NeedsAccount:
		h.stash(w, r, sess, res.Merge, interstitialPath)
	case Pending:
		h.stash(w, r, sess, res.Merge, mergePath)
	}
}

func (h *Handlers) stash(w http.ResponseWriter, r *http.Request, sess *session.Session, m *session.Merge, next string) {
	sess.Data.Merge = m

	if err := h.sessions.Save(r.Context(), w, sess); err != nil {
		h.fail(w, r, "saving session", err)
		return
	}

	http.Redirect(w, r, next, http.StatusFound)
}

// login starts a local session for user and sends the browser on.
func (h *Handlers) login(w http.ResponseWriter, r *http.Request, sess *session.Session, user *models.User) {
	next := sess.Data.TakeNext()

	if err := h.sessions.Login(r.Context(), w, sess, user.ID); err != nil {
		h.fail(w, r, "login", err)
		return
	}

	h.logger.Info("linking: login", slog.String("user_id", user.ID))

	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, mergeStatus{Status: "complete", Redirect: next})
		return
	}

	http.Redirect(w, r, next, http.StatusFound)
}

// fail reports err without internals. State errors send the browser back
// to the login page.
func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	kind := apperrors.KindOf(err)
	if kind == apperrors.KindInternal {
		h.logger.Error("linking: "+op, slog.String("error", err.Error()))
	} else {
		h.logger.Warn("linking: "+op, slog.String("error", err.Error()))
	}

	if wantsJSON(r) {
		writeJSON(w, kind.Status(), map[string]string{"error": apperrors.PublicMessage(err)})
		return
	}

	if kind == apperrors.KindState {
		http.Redirect(w, r, loginPath, http.StatusFound)
		return
	}

	h.render(w, kind.Status(), "message", pageData{Message: apperrors.PublicMessage(err)})
}

type mergeStatus struct {
	Status   string `json:"status"`
	Redirect string `json:"redirect,omitempty"`
}

// HandleMergeStatus returns the GET /auth/oidc-merge handler. The page
// reloads itself until the approval link has been used.
func (h *Handlers) HandleMergeStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		sess, err := h.sessions.Get(r)
		if err != nil {
			h.fail(w, r, "loading session", err)
			return
		}

		pending := sess.Data.Merge

		res, err := h.svc.Finalize(r.Context(), pending)
		if errors.Is(err, apperrors.ErrMergePending) {
			if wantsJSON(r) {
				writeJSON(w, http.StatusAccepted, mergeStatus{Status: "pending"})
				return
			}

			h.render(w, http.StatusOK, "pending", pageData{
				Refresh:  mergePollSeconds,
				Username: pending.Username,
				Provider: providerLabel(pending),
			})

			return
		}

		if err != nil {
			h.fail(w, r, "finalize", err)
			return
		}

		if res.Outcome == NeedsAccount {
			http.Redirect(w, r, interstitialPath, http.StatusFound)
			return
		}

		h.login(w, r, sess, res.User)
	}
}

// HandleApprove returns the GET /auth/oidc-merge/approve handler, the
// target of the emailed link. The browser that started the login is
// logged in directly when it is the one following the link.
func (h *Handlers) HandleApprove() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		q := r.URL.Query()
		provider := q.Get("provider")

		user, err := h.svc.Approve(r.Context(), q.Get("username"), provider, q.Get("token"))
		if err != nil {
			h.render(w, apperrors.KindOf(err).Status(), "message", pageData{
				Message: "This link is invalid, expired or has already been used.",
			})

			return
		}

		sess, err := h.sessions.Get(r)
		if err != nil {
			h.fail(w, r, "loading session", err)
			return
		}

		if m := sess.Data.Merge; m != nil && m.Username == user.Username && m.ProviderDomain == provider {
			m.Authorized = true
			h.login(w, r, sess, user)

			return
		}

		h.render(w, http.StatusOK, "approved", pageData{Username: user.Username, Provider: provider})
	}
}

// HandleInterstitial returns the GET|POST /auth/oidc-interstitial
// handler where a federated user without a local account picks a
// username.
func (h *Handlers) HandleInterstitial() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		sess, err := h.sessions.Get(r)
		if err != nil {
			h.fail(w, r, "loading session", err)
			return
		}

		pending := sess.Data.Merge
		if pending == nil || !pending.Authorized || pending.Username != "" {
			http.Redirect(w, r, loginPath, http.StatusFound)
			return
		}

		data := pageData{Provider: providerLabel(pending), CSRFToken: sess.CSRFToken()}

		if r.Method == http.MethodGet {
			if err := h.sessions.Save(r.Context(), w, sess); err != nil {
				h.fail(w, r, "saving session", err)
				return
			}

			h.render(w, http.StatusOK, "interstitial", data)

			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		if !sess.ValidCSRF(r.FormValue("csrf_token")) {
			http.Error(w, "invalid form submission", http.StatusForbidden)
			return
		}

		data.Username = strings.TrimSpace(r.FormValue("username"))

		user, err := h.svc.CreateAccount(r.Context(), pending, data.Username)
		if err != nil {
			kind := apperrors.KindOf(err)
			if kind == apperrors.KindInternal {
				h.logger.Error("linking: creating account", slog.String("error", err.Error()))
			}

			data.Error = apperrors.PublicMessage(err)
			h.render(w, kind.Status(), "interstitial", data)

			return
		}

		h.login(w, r, sess, user)
	}
}

func providerLabel(m *session.Merge) string {
	if m.ProviderName != "" {
		return m.ProviderName
	}

	return m.ProviderDomain
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
