package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/immer-auth/internal/auth"
	"github.com/alexjbarnes/immer-auth/internal/config"
	"github.com/alexjbarnes/immer-auth/internal/federation"
	"github.com/alexjbarnes/immer-auth/internal/handle"
	"github.com/alexjbarnes/immer-auth/internal/linking"
	"github.com/alexjbarnes/immer-auth/internal/logging"
	"github.com/alexjbarnes/immer-auth/internal/mail"
	"github.com/alexjbarnes/immer-auth/internal/metrics"
	"github.com/alexjbarnes/immer-auth/internal/models"
	"github.com/alexjbarnes/immer-auth/internal/server"
	"github.com/alexjbarnes/immer-auth/internal/session"
	"github.com/alexjbarnes/immer-auth/internal/state"
	"github.com/alexjbarnes/immer-auth/internal/tokens"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

const (
	shutdownTimeout = 10 * time.Second
	sessionPrefix   = "immer:session:"
)

func main() {
	// Account maintenance subcommands run before the server starts.
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "set-password":
			exitOnError(setPassword(os.Args[2:]))
			return
		case "promote":
			exitOnError(promote(os.Args[2:]))
			return
		case "provider-button":
			exitOnError(providerButton(os.Args[2:]))
			return
		}
	}

	exitOnError(run())
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// openStore loads config and opens the credential store for the
// maintenance subcommands.
func openStore() (*state.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	return state.LoadAt(cfg.DBPath, state.Options{})
}

func setPassword(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: immer-auth set-password <username>")
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	user, err := store.UserByUsername(args[0])
	if err != nil {
		return err
	}

	if user == nil {
		return fmt.Errorf("no user named %q", args[0])
	}

	fmt.Fprint(os.Stderr, "Enter new password: ")
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return errors.New("no input")
	}

	if err := store.SetPassword(user.ID, scanner.Text()); err != nil {
		return err
	}

	n, err := tokens.NewService(store, 0, slog.New(slog.DiscardHandler)).RevokeUser(context.Background(), user.ID)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "password updated, %d tokens revoked\n", n)

	return nil
}

func promote(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: immer-auth promote <username>")
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	user, err := store.UserByUsername(args[0])
	if err != nil {
		return err
	}

	if user == nil {
		return fmt.Errorf("no user named %q", args[0])
	}

	return store.SetRole(user.ID, models.RoleAdmin)
}

// providerButton configures how a registered peer appears on the login
// page: provider-button <domain> <label> <icon-url|-> <show|hide>.
func providerButton(args []string) error {
	if len(args) != 4 || (args[3] != "show" && args[3] != "hide") {
		return errors.New("usage: immer-auth provider-button <domain> <label> <icon-url|-> <show|hide>")
	}

	icon := args[2]
	if icon == "-" {
		icon = ""
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	return store.UpdateRemoteClientButton(handle.NormalizeDomain(args[0]), icon, args[1], args[3] == "show")
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("immer-auth starting",
		slog.String("version", Version),
		slog.String("domain", cfg.Domain),
		slog.String("session_store", cfg.SessionStore),
		slog.String("mail_transport", cfg.MailTransport),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := state.LoadAt(cfg.DBPath, state.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("opening state: %w", err)
	}
	defer store.Close()

	sessionStore, closeSessions, err := openSessionStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeSessions()

	mailer, err := mail.New(ctx, cfg.MailConfig(), logger)
	if err != nil {
		return fmt.Errorf("configuring mail: %w", err)
	}

	m := metrics.New()
	tok := tokens.NewService(store, cfg.TokenTTL, logger)
	sessions := session.NewManager(sessionStore, 0, cfg.IsProduction(), logger)

	// The first-party hub client is trusted and may redirect to any hub.
	err = store.UpsertClient(models.OAuthClient{
		ClientID:     cfg.OAuthIdentifier(),
		Name:         cfg.Name,
		RedirectURIs: cfg.HubOrigins(),
		IsTrusted:    true,
	})
	if err != nil {
		return fmt.Errorf("registering hub client: %w", err)
	}

	authSrv := auth.NewServer(auth.Config{
		Domain:          cfg.Domain,
		Name:            cfg.Name,
		IssuerURL:       cfg.IssuerURL(),
		OAuthIdentifier: cfg.OAuthIdentifier(),
		HubOrigins:      cfg.HubOrigins(),
		AdminEmail:      cfg.AdminEmail,
	}, store, tok, sessions, m, logger)

	fedClient := federation.NewClient(federation.Config{
		Domain:          cfg.Domain,
		Name:            cfg.Name,
		IssuerURL:       cfg.IssuerURL(),
		OAuthIdentifier: cfg.OAuthIdentifier(),
		Timeout:         cfg.FederationTimeout,
		HubURL:          cfg.HubOrigins()[0],
	}, store, nil, m, logger)

	linkSvc := linking.NewService(linking.Config{
		IssuerURL:   cfg.IssuerURL(),
		Name:        cfg.Name,
		Secret:      []byte(cfg.EasySecret),
		ApprovalTTL: cfg.MergeTokenTTL,
	}, store, mailer, m, logger)
	linkHandlers := linking.NewHandlers(linkSvc, sessions, cfg.Name, logger)

	handler := server.NewMux(server.MuxConfig{
		Auth:       authSrv,
		Federation: federation.NewHandlers(fedClient, sessions, linkHandlers.HandleIdentity, logger),
		Linking:    linkHandlers,
		Metrics:    m,
		Logger:     logger,
		TrustProxy: cfg.TrustProxy,
		// Leave room for a federation call that uses its whole budget.
		RequestTimeout: cfg.FederationTimeout + server.DefaultRequestTimeout,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.FederationTimeout + 60*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.ClientsFile != "" {
		apply := func(clients []models.OAuthClient) error {
			for _, c := range clients {
				if err := store.UpsertClient(c); err != nil {
					return fmt.Errorf("registering %s: %w", c.ClientID, err)
				}
			}

			return nil
		}

		clients, err := config.LoadClientsFile(cfg.ClientsFile)
		if err != nil {
			return err
		}

		if err := apply(clients); err != nil {
			return err
		}

		logger.Info("clients file loaded", slog.Int("clients", len(clients)))

		g.Go(func() error {
			err := config.WatchClientsFile(gctx, cfg.ClientsFile, logger, apply)
			if errors.Is(err, context.Canceled) {
				return nil
			}

			return err
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		logger.Info("starting server",
			slog.String("listen", cfg.ListenAddr),
			slog.String("issuer", cfg.IssuerURL()),
			slog.Any("hubs", cfg.HubOrigins()),
		)

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		stop()

		return nil
	})

	return g.Wait()
}

// openSessionStore returns the configured session backend and a func
// that releases it.
func openSessionStore(ctx context.Context, cfg *config.Config) (session.Store, func(), error) {
	if cfg.SessionStore == "redis" {
		rs, err := session.NewRedisStore(ctx, cfg.RedisURL, sessionPrefix)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to redis: %w", err)
		}

		return rs, func() { _ = rs.Close() }, nil
	}

	ms := session.NewMemoryStore()

	return ms, ms.Stop, nil
}
