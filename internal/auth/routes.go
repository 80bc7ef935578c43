package auth

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers the authentication routes under /auth.
func RegisterRoutes(r chi.Router, handler *AuthHandler) {
	r.Route("/auth", func(r chi.Router) {
		// POST /api/v1/auth/register - Create an account
		r.Post("/register", handler.Register)

		// POST /api/v1/auth/login - Authenticate and mint a session
		r.Post("/login", handler.Login)

		// POST /api/v1/auth/logout - Revoke the current session
		r.Post("/logout", handler.Logout)

		// GET /api/v1/auth/session - Probe the current session
		r.Get("/session", handler.Session)

		// POST /api/v1/auth/change-password - Rotate own credential
		r.Post("/change-password", handler.ChangePassword)

		// POST /api/v1/auth/request-password-reset - Start a reset
		r.Post("/request-password-reset", handler.RequestPasswordReset)

		// POST /api/v1/auth/reset-password - Consume a reset token
		r.Post("/reset-password", handler.ResetPassword)
	})
}
