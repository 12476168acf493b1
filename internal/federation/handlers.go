package federation

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	apperrors "github.com/alexjbarnes/immer-auth/internal/errors"
	"github.com/alexjbarnes/immer-auth/internal/handle"
	"github.com/alexjbarnes/immer-auth/internal/session"
)

const maxRequestBody = 16 << 10

// IdentityHandler continues a login once a peer has vouched for the user.
type IdentityHandler func(w http.ResponseWriter, r *http.Request, sess *session.Session, id *Identity)

// Handlers serves the browser-facing federation endpoints.
type Handlers struct {
	client     *Client
	sessions   *session.Manager
	onIdentity IdentityHandler
	logger     *slog.Logger
}

// NewHandlers wires the federation endpoints. onIdentity receives every
// verified identity from /auth/return.
func NewHandlers(client *Client, sessions *session.Manager, onIdentity IdentityHandler, logger *slog.Logger) *Handlers {
	return &Handlers{client: client, sessions: sessions, onIdentity: onIdentity, logger: logger}
}

type homeResponse struct {
	Local    bool   `json:"local,omitempty"`
	Redirect string `json:"redirect,omitempty"`
}

// HandleHome returns the GET|POST /auth/home handler. It takes either
// username and immer, or a single handle. Hubs get JSON; a browser
// submitting the login page's provider buttons is redirected instead.
func (h *Handlers) HandleHome() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
		if err := r.ParseForm(); err != nil {
			writeError(w, apperrors.ErrInvalidRequest)
			return
		}

		page := wantsPage(r)

		username, domain := r.FormValue("username"), r.FormValue("immer")
		if hv := r.FormValue("handle"); hv != "" {
			parsed, err := handle.Parse(hv)
			if err != nil {
				writeError(w, err)
				return
			}

			username, domain = parsed.Username, parsed.Domain
		}

		res, err := h.client.Start(r.Context(), username, domain)
		if err != nil {
			if page {
				http.Error(w, apperrors.PublicMessage(err), apperrors.KindOf(err).Status())
				return
			}

			writeError(w, err)

			return
		}

		if res.Local {
			if page {
				http.Redirect(w, r, "/auth/login?me="+url.QueryEscape(handle.Handle{Username: username, Domain: domain}.String()), http.StatusFound)
				return
			}

			writeJSON(w, http.StatusOK, homeResponse{Local: true})

			return
		}

		sess, err := h.sessions.Get(r)
		if err != nil {
			h.logger.Error("home: loading session", slog.String("error", err.Error()))
			writeError(w, err)

			return
		}

		sess.Data.Federation = res.Pending

		if err := h.sessions.Save(r.Context(), w, sess); err != nil {
			h.logger.Error("home: saving session", slog.String("error", err.Error()))
			writeError(w, err)

			return
		}

		if page {
			http.Redirect(w, r, res.RedirectURL, http.StatusFound)
			return
		}

		writeJSON(w, http.StatusOK, homeResponse{Redirect: res.RedirectURL})
	}
}

// wantsPage reports whether the request is a browser navigation rather
// than a hub's fetch.
func wantsPage(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

// HandleReturn returns the GET /auth/return handler where peers send the
// browser back with an authorization code.
func (h *Handlers) HandleReturn() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		sess, err := h.sessions.Get(r)
		if err != nil {
			h.logger.Error("return: loading session", slog.String("error", err.Error()))
			http.Error(w, "internal server error", http.StatusInternalServerError)

			return
		}

		pending := sess.Data.TakeFederation()
		if err := h.sessions.Save(r.Context(), w, sess); err != nil {
			h.logger.Error("return: saving session", slog.String("error", err.Error()))
			http.Error(w, "internal server error", http.StatusInternalServerError)

			return
		}

		q := r.URL.Query()

		if e := q.Get("error"); e != "" {
			h.logger.Info("return: peer reported error",
				slog.String("error", e),
				slog.String("description", q.Get("error_description")),
			)
			http.Redirect(w, r, "/auth/login", http.StatusFound)

			return
		}

		id, err := h.client.Return(r.Context(), pending, q.Get("code"), q.Get("state"))
		if err != nil {
			h.logger.Warn("return: login failed", slog.String("error", err.Error()))

			if apperrors.KindOf(err) == apperrors.KindState {
				http.Redirect(w, r, "/auth/login", http.StatusFound)
				return
			}

			http.Error(w, apperrors.PublicMessage(err), apperrors.KindOf(err).Status())

			return
		}

		h.logger.Info("return: identity verified", slog.String("provider", id.ProviderDomain))
		h.onIdentity(w, r, sess, id)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError reports err in its public form only.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, apperrors.KindOf(err).Status(), map[string]string{
		"error": apperrors.PublicMessage(err),
	})
}
