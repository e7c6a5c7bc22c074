package server

import (
	"fmt"
	"net/http"
	"strings"

	"pkpchecker/pkg/notifier"
)

const campingAll = "all"

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Rate limiting by IP
	ip := clientIP(r)
	if !s.subscribeRL.allow(ip) {
		s.logger.Warn("Rate limit exceeded", "ip", ip)
		http.Error(w, "Too many requests. Please try again later.", http.StatusTooManyRequests)
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form data", http.StatusBadRequest)
		return
	}

	email := strings.TrimSpace(strings.ToLower(r.PostFormValue("email")))
	dayCode := strings.TrimSpace(r.PostFormValue("day"))
	campingCode := strings.TrimSpace(r.PostFormValue("camping"))

	if email == "" || dayCode == "" || campingCode == "" {
		s.redirectWithFlash(w, r, flashError, "Please fill in all fields")
		return
	}
	if !isValidEmail(email) {
		s.redirectWithFlash(w, r, flashError, "Invalid email address")
		return
	}
	day, err := notifier.ParseDay(dayCode)
	if err != nil {
		s.redirectWithFlash(w, r, flashError, "Please select a valid day")
		return
	}

	if campingCode == campingAll {
		added, err := s.store.AddSubscriptions(r.Context(), email, day, notifier.Campings)
		if err != nil {
			s.logger.Error("Failed to add subscriptions", "email", email, "day", day, "error", err)
			http.Error(w, "Failed to save subscription", http.StatusInternalServerError)
			return
		}
		if added == 0 {
			s.redirectWithFlash(w, r, flashError,
				fmt.Sprintf("%s is already subscribed for %s with all campings", email, day.DisplayName()))
			return
		}
		s.redirectWithFlash(w, r, flashSuccess,
			fmt.Sprintf("Successfully subscribed %s for %s with all campings!", email, day.DisplayName()))
		return
	}

	camping, err := notifier.ParseCamping(campingCode)
	if err != nil {
		s.redirectWithFlash(w, r, flashError, "Please select a valid camping option")
		return
	}

	ok, err := s.store.AddSubscription(r.Context(), email, day, camping)
	if err != nil {
		s.logger.Error("Failed to add subscription", "email", email, "day", day, "camping", camping, "error", err)
		http.Error(w, "Failed to save subscription", http.StatusInternalServerError)
		return
	}
	if !ok {
		s.redirectWithFlash(w, r, flashError,
			fmt.Sprintf("%s is already subscribed for %s with %s", email, day.DisplayName(), camping.DisplayName()))
		return
	}
	s.redirectWithFlash(w, r, flashSuccess,
		fmt.Sprintf("Successfully subscribed %s for %s with %s!", email, day.DisplayName(), camping.DisplayName()))
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form data", http.StatusBadRequest)
		return
	}

	email := strings.TrimSpace(strings.ToLower(r.PostFormValue("email")))
	if email == "" {
		s.redirectWithFlash(w, r, flashError, "Please enter your email")
		return
	}

	n, err := s.store.Deactivate(r.Context(), email)
	if err != nil {
		s.logger.Error("Failed to deactivate subscriptions", "email", email, "error", err)
		http.Error(w, "Failed to unsubscribe", http.StatusInternalServerError)
		return
	}
	if n == 0 {
		s.redirectWithFlash(w, r, flashError, fmt.Sprintf("No active subscriptions found for %s", email))
		return
	}
	s.redirectWithFlash(w, r, flashSuccess, fmt.Sprintf("Successfully unsubscribed %s", email))
}

func (s *Server) redirectWithFlash(w http.ResponseWriter, r *http.Request, kind, message string) {
	s.flash(w, r, kind, message)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}
