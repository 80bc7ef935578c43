package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dittorahmat/sentinel/internal/config"
	"github.com/dittorahmat/sentinel/internal/metrics"
	"github.com/dittorahmat/sentinel/internal/repository"
)

// APIResponse represents the standard API response format
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIError represents the error detail in API response
type APIError struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldIssue `json:"details,omitempty"`
}

// UserResponse is the public view of an account.
type UserResponse struct {
	ID          string     `json:"id"`
	Username    string     `json:"username"`
	Email       *string    `json:"email,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

// SessionResponse is the public view of a session. The identifier itself
// is never included; it travels only in the cookie.
type SessionResponse struct {
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func toUserResponse(u *repository.User) UserResponse {
	return UserResponse{
		ID:          u.ID.String(),
		Username:    u.Username,
		Email:       u.Email,
		CreatedAt:   u.CreatedAt,
		LastLoginAt: u.LastLoginAt,
	}
}

func toSessionResponse(s *repository.Session) SessionResponse {
	return SessionResponse{
		CreatedAt:  s.CreatedAt,
		LastUsedAt: s.LastUsedAt,
		ExpiresAt:  s.ExpiresAt,
	}
}

// AuthHandler handles HTTP requests for the authentication endpoints.
type AuthHandler struct {
	service  *AuthService
	sessions *SessionManager
	reset    *PasswordResetWorkflow
	csrf     *CsrfGuard
	validate *Validator
	cfg      *config.Config
	logger   *slog.Logger
}

// NewAuthHandler creates a new AuthHandler instance.
func NewAuthHandler(
	service *AuthService,
	sessions *SessionManager,
	reset *PasswordResetWorkflow,
	csrf *CsrfGuard,
	cfg *config.Config,
	logger *slog.Logger,
) *AuthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthHandler{
		service:  service,
		sessions: sessions,
		reset:    reset,
		csrf:     csrf,
		validate: NewValidator(),
		cfg:      cfg,
		logger:   logger,
	}
}

// Register handles POST /api/v1/auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	if !h.requireCSRF(w, r) {
		return
	}

	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}

	issues := h.validate.Check(&req)
	req.Username = NormalizeUsername(req.Username)
	if !ValidUsername(req.Username) {
		issues = append(issues, FieldIssue{
			Field:   "username",
			Message: "must be 3-32 characters of lowercase letters, digits and underscore",
		})
	}
	issues = append(issues, CheckPasswordStrength(req.Password)...)
	if len(issues) > 0 {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Validation failed", issues)
		return
	}

	user, err := h.service.Register(r.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		h.handleAuthError(w, err)
		return
	}

	h.writeSuccess(w, http.StatusCreated, map[string]interface{}{"user": toUserResponse(user)})
}

// Login handles POST /api/v1/auth/login. No CSRF check here: the caller
// has no session a forger could ride, and the password itself is the
// proof of intent. The CSRF cookie is minted on success so later
// state-changing requests can present the pair.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}
	if issues := h.validate.Check(&req); len(issues) > 0 {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Validation failed", issues)
		return
	}

	user, session, err := h.service.Login(r.Context(), req.Username, req.Password, h.clientInfo(r))
	if err != nil {
		h.handleAuthError(w, err)
		return
	}

	h.setSessionCookie(w, session.ID)
	if _, err := h.csrf.EnsureCookie(w, r); err != nil {
		h.logger.Error("csrf cookie mint failed", "error", err)
	}

	h.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"user":    toUserResponse(user),
		"session": toSessionResponse(session),
	})
}

// Logout handles POST /api/v1/auth/logout. Revocation is idempotent:
// an absent or already-revoked session still clears the cookie and
// returns success.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if !h.requireCSRF(w, r) {
		return
	}

	if err := h.service.Logout(r.Context(), h.sessionIDFromCookie(r)); err != nil {
		h.logger.Error("Failed to revoke session", "error", err)
		h.writeError(w, http.StatusInternalServerError, CodeInternalError, "An unexpected error occurred", nil)
		return
	}

	h.clearSessionCookie(w)
	h.writeSuccess(w, http.StatusOK, map[string]interface{}{"logged_out": true})
}

// Session handles GET /api/v1/auth/session. Always responds 200 so the
// endpoint doubles as a cheap auth probe; the payload says whether the
// presented session is live. The CSRF cookie is (re)issued here so
// clients can bootstrap the double-submit pair.
func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	if _, err := h.csrf.EnsureCookie(w, r); err != nil {
		h.logger.Error("csrf cookie mint failed", "error", err)
	}

	result, err := h.sessions.ValidateAndTouch(r.Context(), h.sessionIDFromCookie(r), h.clientInfo(r))
	if err != nil {
		h.logger.Error("Session validation failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, CodeInternalError, "An unexpected error occurred", nil)
		return
	}

	if !result.Status.Authenticated() {
		if result.Status != StatusMissing {
			h.clearSessionCookie(w)
		}
		h.writeSuccess(w, http.StatusOK, map[string]interface{}{
			"authenticated": false,
			"status":        result.Status.String(),
		})
		return
	}

	if result.Status == StatusRotated {
		h.setSessionCookie(w, result.Session.ID)
	}

	h.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"authenticated": true,
		"status":        result.Status.String(),
		"user":          toUserResponse(result.User),
		"session":       toSessionResponse(result.Session),
	})
}

// ChangePassword handles POST /api/v1/auth/change-password
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	if !h.requireCSRF(w, r) {
		return
	}

	result, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var req ChangePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}
	issues := h.validate.Check(&req)
	issues = append(issues, renameField(CheckPasswordStrength(req.NewPassword), "new_password")...)
	if len(issues) > 0 {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Validation failed", issues)
		return
	}

	err := h.service.ChangePassword(r.Context(), result.User.ID, result.Session.ID, req.CurrentPassword, req.NewPassword)
	if err != nil {
		h.handleAuthError(w, err)
		return
	}

	// The current session survives the revocation sweep; re-issue its
	// cookie so the Max-Age starts over.
	h.setSessionCookie(w, result.Session.ID)
	h.writeSuccess(w, http.StatusOK, map[string]interface{}{"changed": true})
}

// RequestPasswordReset handles POST /api/v1/auth/request-password-reset.
// The response is identical whether or not the identifier maps to an
// account.
func (h *AuthHandler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	if !h.requireCSRF(w, r) {
		return
	}

	var req RequestPasswordResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}
	if issues := h.validate.Check(&req); len(issues) > 0 {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Validation failed", issues)
		return
	}

	result, err := h.reset.RequestReset(r.Context(), req.Identifier, h.clientInfo(r).IP)
	if err != nil {
		h.logger.Error("Reset request failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, CodeInternalError, "An unexpected error occurred", nil)
		return
	}

	data := map[string]interface{}{
		"message": "If the account exists, a reset link has been sent",
	}
	if result.DevLink != "" {
		data["dev_reset_token"] = result.DevLink
	}
	h.writeSuccess(w, http.StatusOK, data)
}

// ResetPassword handles POST /api/v1/auth/reset-password
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	if !h.requireCSRF(w, r) {
		return
	}

	var req ResetPasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}
	issues := h.validate.Check(&req)
	issues = append(issues, renameField(CheckPasswordStrength(req.NewPassword), "new_password")...)
	if len(issues) > 0 {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Validation failed", issues)
		return
	}

	if err := h.reset.ResetPassword(r.Context(), req.Token, req.NewPassword); err != nil {
		h.handleAuthError(w, err)
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]interface{}{"reset": true})
}

// authenticate validates the session cookie and writes the failure
// response itself when the session is not live. On rotation the
// replacement cookie is set before the handler body runs so the swap and
// the response leave together.
func (h *AuthHandler) authenticate(w http.ResponseWriter, r *http.Request) (ValidationResult, bool) {
	result, err := h.sessions.ValidateAndTouch(r.Context(), h.sessionIDFromCookie(r), h.clientInfo(r))
	if err != nil {
		h.logger.Error("Session validation failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, CodeInternalError, "An unexpected error occurred", nil)
		return ValidationResult{}, false
	}

	switch result.Status {
	case StatusValid:
	case StatusRotated:
		h.setSessionCookie(w, result.Session.ID)
	case StatusInactive:
		h.clearSessionCookie(w)
		h.writeError(w, http.StatusForbidden, CodeUnauthenticated, "Account is deactivated", nil)
		return ValidationResult{}, false
	case StatusLocked:
		h.writeError(w, http.StatusLocked, CodeAccountLocked, "Account is temporarily locked", nil)
		return ValidationResult{}, false
	default:
		if result.Status != StatusMissing {
			h.clearSessionCookie(w)
		}
		h.writeError(w, http.StatusUnauthorized, CodeUnauthenticated, "Authentication required", nil)
		return ValidationResult{}, false
	}

	return result, true
}

// requireCSRF enforces the double-submit check on state-changing
// endpoints. On failure the CSRF cookie is refreshed alongside the 403
// so a legitimate client can retry without another round trip.
func (h *AuthHandler) requireCSRF(w http.ResponseWriter, r *http.Request) bool {
	if h.csrf.Verify(r) {
		return true
	}
	metrics.CSRFFailuresTotal.Inc()
	if _, err := h.csrf.EnsureCookie(w, r); err != nil {
		h.logger.Error("csrf cookie mint failed", "error", err)
	}
	h.writeError(w, http.StatusForbidden, CodeCSRF, "CSRF token missing or invalid", nil)
	return false
}

// handleAuthError maps service errors to HTTP responses.
func (h *AuthHandler) handleAuthError(w http.ResponseWriter, err error) {
	var rle *RateLimitError
	var le *LockedError

	switch {
	case errors.As(err, &rle):
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(rle.RetryAfter)))
		h.writeError(w, http.StatusTooManyRequests, CodeTooManyAttempts, "Too many attempts, try again later", nil)
	case errors.As(err, &le):
		// Same body as any credential failure; the lock shows up only in
		// the Retry-After header.
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(le.RetryAfter)))
		h.writeError(w, http.StatusUnauthorized, CodeInvalidCredentials, "Invalid username or password", nil)
	case errors.Is(err, ErrInvalidCredentials):
		h.writeError(w, http.StatusUnauthorized, CodeInvalidCredentials, "Invalid username or password", nil)
	case errors.Is(err, ErrUsernameTaken):
		h.writeError(w, http.StatusConflict, CodeConflict, "Username already taken", nil)
	case errors.Is(err, ErrEmailTaken):
		h.writeError(w, http.StatusConflict, CodeConflict, "Email already registered", nil)
	case errors.Is(err, ErrInvalidToken):
		h.writeError(w, http.StatusBadRequest, CodeInvalidToken, "Invalid or expired token", nil)
	case errors.Is(err, ErrWrongPassword):
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Current password is incorrect", nil)
	default:
		h.logger.Error("Unexpected auth error", "error", err)
		h.writeError(w, http.StatusInternalServerError, CodeInternalError, "An unexpected error occurred", nil)
	}
}

func retryAfterSeconds(d time.Duration) int {
	secs := int(d.Round(time.Second).Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}

func renameField(issues []FieldIssue, field string) []FieldIssue {
	for i := range issues {
		issues[i].Field = field
	}
	return issues
}

func (h *AuthHandler) sessionIDFromCookie(r *http.Request) string {
	cookie, err := r.Cookie(h.cfg.Session.CookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

func (h *AuthHandler) setSessionCookie(w http.ResponseWriter, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.Session.CookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(h.cfg.Session.MaxAge.Seconds()),
		Secure:   true,
		HttpOnly: true,
		SameSite: ParseSameSite(h.cfg.Session.SameSite),
	})
}

func (h *AuthHandler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.Session.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Secure:   true,
		HttpOnly: true,
		SameSite: ParseSameSite(h.cfg.Session.SameSite),
	})
}

// clientInfo resolves the caller's IP and user agent. Forwarding headers
// are honored only when the deployment declares a trusted proxy in front.
func (h *AuthHandler) clientInfo(r *http.Request) ClientInfo {
	return ClientInfo{
		IP:        clientIP(r, h.cfg.Network.TrustProxy),
		UserAgent: r.UserAgent(),
	}
}

func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
			if first != "" {
				return first
			}
		}
		if rip := r.Header.Get("X-Real-IP"); rip != "" {
			return rip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeSuccess writes a successful JSON response
func (h *AuthHandler) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}

	json.NewEncoder(w).Encode(response)
}

// writeError writes an error JSON response
func (h *AuthHandler) writeError(w http.ResponseWriter, statusCode int, code, message string, details []FieldIssue) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := APIResponse{
		Success: false,
		Error: &APIError{
			Code:    code,
			Message: message,
			Details: details,
		},
		Timestamp: time.Now().UTC(),
	}

	json.NewEncoder(w).Encode(response)
}
