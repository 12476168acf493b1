package e2e_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/alexjbarnes/immer-auth/internal/auth"
	"github.com/alexjbarnes/immer-auth/internal/federation"
	"github.com/alexjbarnes/immer-auth/internal/linking"
	"github.com/alexjbarnes/immer-auth/internal/mail"
	"github.com/alexjbarnes/immer-auth/internal/metrics"
	"github.com/alexjbarnes/immer-auth/internal/models"
	"github.com/alexjbarnes/immer-auth/internal/server"
	"github.com/alexjbarnes/immer-auth/internal/session"
	"github.com/alexjbarnes/immer-auth/internal/state"
	"github.com/alexjbarnes/immer-auth/internal/tokens"
	"github.com/stretchr/testify/require"
)

const (
	testPassword = "correct-horse-battery"
	testSecret   = "e2e-secret-e2e-secret-e2e-secret"
)

var (
	csrfRe = regexp.MustCompile(`name="csrf_token" value="([a-f0-9]+)"`)
	txRe   = regexp.MustCompile(`name="transaction_id" value="([^"]+)"`)
)

// immer is one complete immer-auth stack served over TLS. Its domain is
// the listener's host:port.
type immer struct {
	Domain  string
	URL     string
	Hub     string
	Store   *state.Store
	Browser *http.Client

	ts *httptest.Server
}

// newImmerPair starts two immers that can federate with each other. The
// first is the user's home, the second the immer they are visiting.
func newImmerPair(t *testing.T) (*immer, *immer) {
	t.Helper()

	// Both servers share httptest's certificate, so one transport
	// trusts either of them. It is filled in once they are started.
	peerHTTP := &http.Client{Timeout: 5 * time.Second}

	home := newImmer(t, "Home Immer", "https://hub.home.example", peerHTTP)
	visit := newImmer(t, "Visit Immer", "https://hub.visit.example", peerHTTP)

	peerHTTP.Transport = home.ts.Client().Transport

	return home, visit
}

func newImmer(t *testing.T, name, hubOrigin string, peerHTTP *http.Client) *immer {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	store, err := state.LoadAt(filepath.Join(t.TempDir(), "immer.db"), state.Options{Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mem := session.NewMemoryStore()
	t.Cleanup(mem.Stop)
	sessions := session.NewManager(mem, 0, true, logger)

	// Build the stack against the listener address before starting, so
	// the issuer matches what peers will see.
	ts := httptest.NewUnstartedServer(nil)
	domain := ts.Listener.Addr().String()
	issuer := "https://" + domain
	oauthID := issuer + "/o/immer"

	m := metrics.New()
	tok := tokens.NewService(store, 0, logger)

	require.NoError(t, store.UpsertClient(models.OAuthClient{
		ClientID:     oauthID,
		Name:         name,
		RedirectURIs: []string{hubOrigin},
		IsTrusted:    true,
	}))

	authSrv := auth.NewServer(auth.Config{
		Domain:          domain,
		Name:            name,
		IssuerURL:       issuer,
		OAuthIdentifier: oauthID,
		HubOrigins:      []string{hubOrigin},
	}, store, tok, sessions, m, logger)

	fed := federation.NewClient(federation.Config{
		Domain:          domain,
		Name:            name,
		IssuerURL:       issuer,
		OAuthIdentifier: oauthID,
		Timeout:         2 * time.Second,
		HubURL:          hubOrigin,
	}, store, peerHTTP, m, logger)

	linkSvc := linking.NewService(linking.Config{
		IssuerURL: issuer,
		Name:      name,
		Secret:    []byte(testSecret),
	}, store, mail.NewLogMailer(logger), m, logger)
	linkHandlers := linking.NewHandlers(linkSvc, sessions, name, logger)

	ts.Config.Handler = server.NewMux(server.MuxConfig{
		Auth:       authSrv,
		Federation: federation.NewHandlers(fed, sessions, linkHandlers.HandleIdentity, logger),
		Linking:    linkHandlers,
		Metrics:    m,
		Logger:     logger,
	})
	ts.StartTLS()
	t.Cleanup(ts.Close)

	// Each immer gets its own cookie jar: cookies ignore ports, and both
	// immers listen on 127.0.0.1.
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	return &immer{
		Domain: domain,
		URL:    issuer,
		Hub:    hubOrigin,
		Store:  store,
		Browser: &http.Client{
			Jar:       jar,
			Transport: ts.Client().Transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		ts: ts,
	}
}

func (im *immer) createUser(t *testing.T, username string) *models.User {
	t.Helper()
	u, err := im.Store.CreateUser(state.NewUser{
		Username: username,
		Email:    username + "@example.com",
		Password: testPassword,
	})
	require.NoError(t, err)

	return u
}

// get fetches path (or an absolute URL on this immer) without following
// redirects.
func (im *immer) get(t *testing.T, target string, header ...string) (*http.Response, string) {
	t.Helper()

	if len(target) > 0 && target[0] == '/' {
		target = im.URL + target
	}

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, target, nil)
	require.NoError(t, err)

	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}

	return im.do(t, req)
}

func (im *immer) postForm(t *testing.T, path string, form url.Values) (*http.Response, string) {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, im.URL+path, bytes.NewBufferString(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return im.do(t, req)
}

func (im *immer) do(t *testing.T, req *http.Request) (*http.Response, string) {
	t.Helper()

	resp, err := im.Browser.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp, string(body)
}

// login signs username in on this immer's browser session.
func (im *immer) login(t *testing.T, username string) {
	t.Helper()

	_, body := im.get(t, "/auth/login")
	resp, _ := im.postForm(t, "/auth/login", url.Values{
		"username":   {username},
		"password":   {testPassword},
		"csrf_token": {extract(t, csrfRe, body)},
	})
	require.Equal(t, http.StatusFound, resp.StatusCode)
}

// homeRedirect asks im where a login for handle continues.
func (im *immer) homeRedirect(t *testing.T, h string) string {
	t.Helper()

	resp, body := im.get(t, "/auth/home?handle="+url.QueryEscape(h))
	require.Equal(t, http.StatusOK, resp.StatusCode, body)

	var out struct {
		Local    bool   `json:"local"`
		Redirect string `json:"redirect"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &out))
	require.False(t, out.Local)
	require.NotEmpty(t, out.Redirect)

	return out.Redirect
}

func extract(t *testing.T, re *regexp.Regexp, body string) string {
	t.Helper()

	m := re.FindStringSubmatch(body)
	require.Len(t, m, 2, "pattern %s not found", re)

	return m[1]
}

// fragmentOf parses the fragment of a redirect Location.
func fragmentOf(t *testing.T, resp *http.Response) url.Values {
	t.Helper()

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)

	frag, err := url.ParseQuery(loc.Fragment)
	require.NoError(t, err)

	return frag
}
