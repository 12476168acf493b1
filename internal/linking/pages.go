package linking

import (
	"html/template"
	"log/slog"
	"net/http"
)

// mergePollSeconds is how often the waiting page reloads itself.
const mergePollSeconds = 5

var pages = template.Must(template.New("").Parse(`
{{define "head"}}<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
{{if .Refresh}}<meta http-equiv="refresh" content="{{.Refresh}}">{{end}}
<title>{{.Name}}</title>
<style>
  body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif; background: #f5f5f5; color: #1a1a1a; }
  .card { background: #fff; border: 1px solid #e0e0e0; border-radius: 8px; padding: 2rem; max-width: 420px; margin: 10vh auto; }
  h1 { font-size: 1.25rem; margin-bottom: 0.5rem; }
  p { font-size: 0.9rem; color: #444; margin-bottom: 1rem; }
  .error { background: #fef2f2; color: #991b1b; border: 1px solid #fecaca; border-radius: 6px; padding: 0.6rem; margin-bottom: 1rem; }
  input[type="text"] { width: 100%; padding: 0.55rem; border: 1px solid #d0d0d0; border-radius: 6px; margin-bottom: 1rem; }
  button { width: 100%; padding: 0.6rem; background: #1a1a1a; color: #fff; border: none; border-radius: 6px; }
</style>
</head>
<body>
<div class="card">{{end}}

{{define "foot"}}</div>
</body>
</html>{{end}}

{{define "pending"}}{{template "head" .}}
  <h1>Check your email</h1>
  <p>An account named <strong>{{.Username}}</strong> already uses this email address.
  We sent a link to that address. Open it to allow signing in with {{.Provider}}.</p>
  <p>This page continues automatically once the link is used.</p>
{{template "foot" .}}{{end}}

{{define "approved"}}{{template "head" .}}
  <h1>Sign-in approved</h1>
  <p>{{.Provider}} is now linked to <strong>{{.Username}}</strong>. Return to the window where you started signing in.</p>
{{template "foot" .}}{{end}}

{{define "interstitial"}}{{template "head" .}}
  <h1>Welcome to {{.Name}}</h1>
  <p>You signed in with {{.Provider}}. Choose a username for your account here.</p>
  {{if .Error}}<div class="error">{{.Error}}</div>{{end}}
  <form method="POST" action="/auth/oidc-interstitial">
    <input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
    <input type="text" name="username" value="{{.Username}}" autocomplete="username" required autofocus>
    <button type="submit">Create account</button>
  </form>
{{template "foot" .}}{{end}}

{{define "message"}}{{template "head" .}}
  <h1>{{.Name}}</h1>
  <div class="error">{{.Message}}</div>
  <p><a href="/auth/login">Sign in</a></p>
{{template "foot" .}}{{end}}
`))

type pageData struct {
	Name      string
	Refresh   int
	Username  string
	Provider  string
	CSRFToken string
	Error     string
	Message   string
}

func (h *Handlers) render(w http.ResponseWriter, status int, name string, data pageData) {
	data.Name = h.name

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Options", "DENY")
	w.WriteHeader(status)

	if err := pages.ExecuteTemplate(w, name, data); err != nil {
		h.logger.Error("rendering page", slog.String("page", name), slog.String("error", err.Error()))
	}
}
