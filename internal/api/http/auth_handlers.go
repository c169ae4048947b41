package httpapi

import (
	"net/http"

	appAuth "github.com/study-hub/study-hub/internal/application/auth"
)

type challengeRequest struct {
	Address string `json:"address"`
}

func (s *Server) challenge(w http.ResponseWriter, r *http.Request) {
	var req challengeRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	c, err := s.authSvc.Challenge(r.Context(), req.Address)
	if err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"message":   appAuth.ChallengeMessage(c.Nonce),
		"nonce":     c.Nonce,
		"expiresAt": c.ExpiresAt,
	})
}

type verifyRequest struct {
	Address   string `json:"address"`
	Signature string `json:"signature"`
}

func (s *Server) verify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	result, err := s.authSvc.Verify(r.Context(), req.Address, req.Signature)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     s.sessionCookieName,
		Value:    result.Token,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.sessionCookieSecure,
		SameSite: http.SameSiteLaxMode,
		Expires:  result.Session.ExpiresAt,
	})
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"token":   result.Token,
		"address": result.Account.Address,
	})
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	token := extractToken(r, s.sessionCookieName)
	if err := s.authSvc.Logout(r.Context(), token); err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:   s.sessionCookieName,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
	respondJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	actor := authActorFromContext(r.Context())
	if actor == nil {
		respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing auth")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"address": actor.Address})
}
