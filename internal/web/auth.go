package web

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/ftcvideo/matchbox/internal/auth"
)

type authFailureMode int

const (
	// authRedirect sends the browser to the login page.
	authRedirect authFailureMode = iota
	// authJSON answers 401 with a JSON error body.
	authJSON
)

const loginHTML = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>MatchBox Login</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; max-width: 400px; margin: 80px auto; padding: 0 20px; background: #1e1e1e; color: #ddd; }
        h1 { color: #fff; text-align: center; }
        form { background: #272727; padding: 24px; border-radius: 12px; border: 1px solid #444; }
        label { display: block; margin-bottom: 6px; font-weight: 600; }
        input[type=password] { width: 100%%; padding: 10px; border: 1px solid #444; border-radius: 6px; background: #363636; color: #ddd; box-sizing: border-box; font-size: 16px; }
        input[type=password]:focus { outline: none; border-color: #4a9eff; }
        button { width: 100%%; padding: 10px; margin-top: 16px; border: none; border-radius: 6px; background: #4a9eff; color: #fff; font-weight: 600; font-size: 16px; cursor: pointer; }
        button:hover { background: #6bb3ff; }
        .error { color: #f44336; margin-bottom: 12px; text-align: center; }
    </style>
</head>
<body>
    <h1>MatchBox</h1>
    <form method="POST" action="/admin/_auth">
        %s
        <label for="password">Password</label>
        <input type="password" name="password" id="password" autofocus>
        <button type="submit">Log In</button>
    </form>
</body>
</html>`

// sessionSecret derives the cookie signing key from the current config.
func (s *Server) sessionSecret() []byte {
	return auth.SessionSecret(s.ctrl.Config().TunnelPassword)
}

// isAuthenticated reports whether the request carries a valid session or
// originates on the loopback interface. Loopback is trusted because the
// tunnel client proxies only relay-authenticated requests.
func (s *Server) isAuthenticated(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
			return true
		}
	}
	cookie, err := r.Cookie(auth.SessionCookieName)
	if err != nil {
		return false
	}
	return auth.VerifySessionCookie(s.sessionSecret(), cookie.Value, time.Now())
}

// requireAuth gates a route group, failing in the given mode.
func (s *Server) requireAuth(mode authFailureMode) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.isAuthenticated(r) {
				if mode == authJSON {
					s.sendJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
				} else {
					http.Redirect(w, r, "/admin/_login", http.StatusFound)
				}
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeLoginPage(w http.ResponseWriter, errorMessage string) {
	var errorHTML string
	if errorMessage != "" {
		errorHTML = fmt.Sprintf(`<p class="error">%s</p>`, errorMessage)
	}
	w.Header().Set("Content-Type", "text/html")
	fmt.Fprintf(w, loginHTML, errorHTML)
}

func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	s.writeLoginPage(w, "")
}

// handleAuth validates the submitted password and establishes a session.
func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeLoginPage(w, "Invalid password")
		return
	}
	password := r.PostFormValue("password")
	cfg := s.ctrl.Config()
	if !auth.CheckPassword(password, cfg.TunnelPassword, cfg.TunnelAllowAdmin) {
		s.writeLoginPage(w, "Invalid password")
		return
	}

	cookie := auth.MakeSessionCookie(s.sessionSecret(), "_local", time.Now())
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookieName,
		Value:    cookie,
		Path:     "/",
		MaxAge:   int(auth.SessionTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, "/admin/", http.StatusFound)
}
