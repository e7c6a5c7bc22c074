package server

import (
	"net/http"

	"github.com/gorilla/sessions"
	"golang.org/x/crypto/bcrypt"
)

const (
	flashSuccess = "success"
	flashError   = "error"
)

type flashMessage struct {
	Kind    string
	Message string
}

func (s *Server) session(r *http.Request) *sessions.Session {
	// A cookie that fails to decode (rotated key, tampering) yields a fresh session.
	session, err := s.sessions.Get(r, sessionName)
	if err != nil {
		s.logger.Debug("Discarding unreadable session cookie", "error", err)
	}
	return session
}

func (s *Server) saveSession(w http.ResponseWriter, r *http.Request, session *sessions.Session) {
	if err := session.Save(r, w); err != nil {
		s.logger.Error("Failed to save session", "error", err)
	}
}

func (s *Server) flash(w http.ResponseWriter, r *http.Request, kind, message string) {
	session := s.session(r)
	session.AddFlash(message, kind)
	s.saveSession(w, r, session)
}

// takeFlashes pops pending flashes. The caller must save the session before writing the body.
func takeFlashes(session *sessions.Session) []flashMessage {
	var out []flashMessage
	for _, kind := range []string{flashSuccess, flashError} {
		for _, f := range session.Flashes(kind) {
			if msg, ok := f.(string); ok {
				out = append(out, flashMessage{Kind: kind, Message: msg})
			}
		}
	}
	return out
}

func (s *Server) authenticated(r *http.Request) bool {
	ok, _ := s.session(r).Values["authenticated"].(bool)
	return ok
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticated(r) {
			http.Redirect(w, r, "/login", http.StatusSeeOther)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		session := s.session(r)
		flashes := takeFlashes(session)
		s.saveSession(w, r, session)
		s.render(w, "login.tmpl", map[string]any{"Flashes": flashes})

	case http.MethodPost:
		ip := clientIP(r)
		if !s.loginRL.allow(ip) {
			s.logger.Warn("Login rate limit exceeded", "ip", ip)
			http.Error(w, "Too many requests. Please try again later.", http.StatusTooManyRequests)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, "Invalid form data", http.StatusBadRequest)
			return
		}

		if bcrypt.CompareHashAndPassword(s.passwordHash, []byte(r.PostFormValue("password"))) != nil {
			s.logger.Info("Login failed", "ip", ip)
			s.flash(w, r, flashError, "Incorrect password")
			http.Redirect(w, r, "/login", http.StatusSeeOther)
			return
		}

		session := s.session(r)
		session.Values["authenticated"] = true
		s.saveSession(w, r, session)
		s.logger.Info("Login succeeded", "ip", ip)
		http.Redirect(w, r, "/", http.StatusSeeOther)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	session := s.session(r)
	delete(session.Values, "authenticated")
	session.AddFlash("You have been logged out", flashSuccess)
	s.saveSession(w, r, session)
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}
