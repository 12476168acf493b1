package auth

import (
	"html/template"
	"log/slog"
	"net/http"
)

// pageStyle is shared by every page.
const pageStyle = `<style>
  *, *::before, *::after { box-sizing: border-box; margin: 0; padding: 0; }
  body {
    font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, Helvetica, Arial, sans-serif;
    background: #f5f5f5;
    color: #1a1a1a;
    display: flex;
    align-items: center;
    justify-content: center;
    min-height: 100vh;
  }
  .card {
    background: #fff;
    border: 1px solid #e0e0e0;
    border-radius: 8px;
    padding: 2.5rem 2rem;
    width: 100%;
    max-width: 420px;
    box-shadow: 0 1px 3px rgba(0,0,0,0.06);
  }
  .card h1 { font-size: 1.25rem; font-weight: 600; margin-bottom: 0.25rem; }
  .card p.sub { font-size: 0.85rem; color: #666; margin-bottom: 1.5rem; }
  .consent {
    background: #f8f9fa;
    border: 1px solid #e0e0e0;
    border-radius: 6px;
    padding: 0.6rem 0.75rem;
    font-size: 0.85rem;
    margin-bottom: 1rem;
  }
  .consent .redirect { color: #666; word-break: break-all; }
  .error {
    background: #fef2f2;
    color: #991b1b;
    border: 1px solid #fecaca;
    border-radius: 6px;
    padding: 0.6rem 0.75rem;
    font-size: 0.85rem;
    margin-bottom: 1rem;
  }
  label { display: block; font-size: 0.85rem; font-weight: 500; margin-bottom: 0.35rem; color: #333; }
  .role { display: flex; gap: 0.5rem; align-items: flex-start; margin-bottom: 0.75rem; }
  .role small { display: block; color: #666; }
  input[type="text"], input[type="password"], input[type="email"] {
    width: 100%;
    padding: 0.55rem 0.7rem;
    border: 1px solid #d0d0d0;
    border-radius: 6px;
    font-size: 0.9rem;
    margin-bottom: 1rem;
  }
  button {
    width: 100%;
    padding: 0.6rem;
    background: #1a1a1a;
    color: #fff;
    border: none;
    border-radius: 6px;
    font-size: 0.9rem;
    font-weight: 500;
    cursor: pointer;
    margin-bottom: 0.5rem;
  }
  button.secondary { background: #fff; color: #1a1a1a; border: 1px solid #d0d0d0; }
</style>`

var pages = template.Must(template.New("").Parse(`
{{define "head"}}<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Name}}</title>
` + pageStyle + `
</head>
<body>
<div class="card">{{end}}

{{define "foot"}}</div>
</body>
</html>{{end}}

{{define "login"}}{{template "head" .}}
  <h1>{{.Name}}</h1>
  <p class="sub">Sign in with your account on this immer.</p>
  {{if .Error}}<div class="error">{{.Error}}</div>{{end}}
  <form method="POST" action="/auth/login">
    <input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
    <label for="username">Username</label>
    <input type="text" id="username" name="username" value="{{.Username}}" autocomplete="username" required autofocus>
    <label for="password">Password</label>
    <input type="password" id="password" name="password" autocomplete="current-password" required>
    <button type="submit">Sign in</button>
    {{if .Providers}}
    <p class="sub">Or sign in through your home immer:</p>
    {{range .Providers}}
    <button class="secondary provider" type="submit" formaction="/auth/home" formnovalidate name="immer" value="{{.Domain}}">{{if .Icon}}<img src="{{.Icon}}" alt="" width="16" height="16"> {{end}}{{.Label}}</button>
    {{end}}
    {{end}}
  </form>
{{template "foot" .}}{{end}}

{{define "register"}}{{template "head" .}}
  <h1>{{.Name}}</h1>
  <p class="sub">Create an account on this immer.</p>
  {{if .Error}}<div class="error">{{.Error}}</div>{{end}}
  <form method="POST" action="/auth/register">
    <input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
    <label for="username">Username</label>
    <input type="text" id="username" name="username" value="{{.Username}}" autocomplete="username" required autofocus>
    <label for="email">Email</label>
    <input type="email" id="email" name="email" value="{{.Email}}" autocomplete="email" required>
    <label for="password">Password</label>
    <input type="password" id="password" name="password" autocomplete="new-password" required>
    <button type="submit">Create account</button>
  </form>
{{template "foot" .}}{{end}}

{{define "consent"}}{{template "head" .}}
  <h1>{{.Name}}</h1>
  <p class="sub">Signed in as <strong>{{.Username}}</strong>.</p>
  <div class="consent">
    <p><strong>{{if .ClientName}}{{.ClientName}}{{else}}{{.ClientID}}{{end}}</strong> is requesting access to your account.</p>
    <p class="redirect">You will be returned to: <code>{{.RedirectOrigin}}</code></p>
  </div>
  <form method="POST" action="/auth/decision">
    <input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
    <input type="hidden" name="transaction_id" value="{{.TransactionID}}">
    {{range .Roles}}
    <div class="role">
      <input type="radio" id="role-{{.Name}}" name="scope" value="{{.Scope}}"{{if .Selected}} checked{{end}}>
      <label for="role-{{.Name}}">{{.Label}}{{range .Descriptions}}<small>{{.}}</small>{{end}}</label>
    </div>
    {{end}}
    <button type="submit">Allow</button>
    <button type="submit" name="cancel" value="deny" class="secondary">Deny</button>
  </form>
{{template "foot" .}}{{end}}

{{define "message"}}{{template "head" .}}
  <h1>{{.Name}}</h1>
  <div class="error">{{.Message}}</div>
  <p class="sub"><a href="/">Start again</a></p>
{{template "foot" .}}{{end}}
`))

type loginData struct {
	Name      string
	CSRFToken string
	Username  string
	Error     string
	Providers []providerButton
}

// providerButton is a peer offered as a one-click login on the login page.
type providerButton struct {
	Domain string
	Label  string
	Icon   string
}

type registerData struct {
	Name      string
	CSRFToken string
	Username  string
	Email     string
	Error     string
}

type roleOption struct {
	Name         string
	Label        string
	Scope        string
	Descriptions []string
	Selected     bool
}

type consentData struct {
	Name           string
	Username       string
	ClientID       string
	ClientName     string
	RedirectOrigin string
	TransactionID  string
	CSRFToken      string
	Roles          []roleOption
}

type messageData struct {
	Name    string
	Message string
}

func (s *Server) render(w http.ResponseWriter, status int, name string, data any) {
	setPageHeaders(w)
	w.WriteHeader(status)

	if err := pages.ExecuteTemplate(w, name, data); err != nil {
		s.logger.Error("rendering page", slog.String("page", name), slog.String("error", err.Error()))
	}
}

// renderMessage shows a user-facing error page.
func (s *Server) renderMessage(w http.ResponseWriter, status int, message string) {
	s.render(w, status, "message", messageData{Name: s.cfg.Name, Message: message})
}
