// Package server assembles the HTTP routes for immer-auth.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/immer-auth/internal/auth"
	"github.com/alexjbarnes/immer-auth/internal/federation"
	"github.com/alexjbarnes/immer-auth/internal/linking"
	"github.com/alexjbarnes/immer-auth/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// DefaultRequestTimeout bounds a single request, including any outbound
// federation calls it makes.
const DefaultRequestTimeout = 30 * time.Second

// MuxConfig holds dependencies for building the router.
type MuxConfig struct {
	Auth       *auth.Server
	Federation *federation.Handlers
	Linking    *linking.Handlers
	Metrics    *metrics.Metrics
	Logger     *slog.Logger

	// TrustProxy takes the client address from proxy headers.
	TrustProxy     bool
	RequestTimeout time.Duration
}

// NewMux builds the router. Everything under /auth shares the
// credentialed CORS policy; discovery documents are public.
func NewMux(cfg MuxConfig) http.Handler {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)

	if cfg.TrustProxy {
		r.Use(middleware.RealIP)
	}

	r.Use(
		middleware.Recoverer,
		requestLogger(cfg.Logger),
		middleware.Timeout(timeout),
	)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.With(auth.PublicCORS).
		HandleFunc("/.well-known/oauth-authorization-server", cfg.Auth.HandleServerMetadata())

	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	r.Route("/auth", func(r chi.Router) {
		r.Use(cfg.Auth.CORS())

		r.HandleFunc("/authorize", cfg.Auth.HandleAuthorize())
		r.HandleFunc("/decision", cfg.Auth.HandleDecision())
		r.HandleFunc("/token", cfg.Auth.HandleToken())
		r.HandleFunc("/client", cfg.Auth.HandleClientRegistration())

		r.HandleFunc("/login", cfg.Auth.HandleLogin())
		r.HandleFunc("/logout", cfg.Auth.HandleLogout())
		r.HandleFunc("/register", cfg.Auth.HandleRegister())
		r.HandleFunc("/password", cfg.Auth.HandlePassword())
		r.HandleFunc("/providers/unlink", cfg.Auth.HandleUnlinkProvider())

		r.With(cfg.Auth.RequireToken()).HandleFunc("/me", cfg.Auth.HandleMe())

		r.HandleFunc("/home", cfg.Federation.HandleHome())
		r.HandleFunc("/return", cfg.Federation.HandleReturn())

		r.HandleFunc("/oidc-merge", cfg.Linking.HandleMergeStatus())
		r.HandleFunc("/oidc-merge/approve", cfg.Linking.HandleApprove())
		r.HandleFunc("/oidc-interstitial", cfg.Linking.HandleInterstitial())
	})

	return r
}

// requestLogger logs one line per request. Query strings are left out
// because they can carry approval tokens.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			logger.Debug("request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
