package auth

import (
	"reflect"
	"regexp"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
)

// Request DTOs for the auth endpoints. Validation tags cover shape;
// password strength and username charset get dedicated checks below.

type RegisterRequest struct {
	Username string  `json:"username" validate:"required,min=3,max=32"`
	Email    *string `json:"email,omitempty" validate:"omitempty,email,max=254"`
	Password string  `json:"password" validate:"required,max=256"`
}

type LoginRequest struct {
	Username string `json:"username" validate:"required,max=64"`
	Password string `json:"password" validate:"required,max=256"`
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required,max=256"`
	NewPassword     string `json:"new_password" validate:"required,max=256"`
}

// RequestPasswordResetRequest takes a username or an email; the
// workflow decides which lookup applies.
type RequestPasswordResetRequest struct {
	Identifier string `json:"identifier" validate:"required,max=254"`
}

type ResetPasswordRequest struct {
	Token       string `json:"token" validate:"required,max=128"`
	NewPassword string `json:"new_password" validate:"required,max=256"`
}

// FieldIssue is one validation failure, keyed by the JSON field name.
type FieldIssue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

var usernamePattern = regexp.MustCompile(`^[a-z0-9_]{3,32}$`)

// NormalizeUsername lowercases and trims a username so lookups and
// uniqueness are case-insensitive.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// ValidUsername reports whether a normalized username is acceptable:
// lowercase letters, digits and underscore, 3 to 32 characters.
func ValidUsername(username string) bool {
	return usernamePattern.MatchString(username)
}

// CheckPasswordStrength enforces the password policy: at least 12
// characters and at least three of the four character classes (lower,
// upper, digit, symbol). Returns a human-readable issue list, empty when
// the password passes.
func CheckPasswordStrength(pw string) []FieldIssue {
	var issues []FieldIssue
	if len(pw) < 12 {
		issues = append(issues, FieldIssue{
			Field:   "password",
			Message: "password must be at least 12 characters",
		})
	}
	var lower, upper, digit, symbol bool
	for _, r := range pw {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		default:
			symbol = true
		}
	}
	classes := 0
	for _, ok := range []bool{lower, upper, digit, symbol} {
		if ok {
			classes++
		}
	}
	if classes < 3 {
		issues = append(issues, FieldIssue{
			Field:   "password",
			Message: "password must mix at least three of: lowercase, uppercase, digits, symbols",
		})
	}
	return issues
}

// Validator wraps go-playground/validator and translates its errors into
// FieldIssue lists with JSON field names.
type Validator struct {
	validate *validator.Validate
}

// NewValidator builds the shared request validator.
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report JSON names instead of Go struct field names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Validator{validate: v}
}

// Check validates a request struct and returns per-field issues.
func (v *Validator) Check(req any) []FieldIssue {
	err := v.validate.Struct(req)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []FieldIssue{{Field: "", Message: "invalid request"}}
	}
	issues := make([]FieldIssue, 0, len(verrs))
	for _, fe := range verrs {
		issues = append(issues, FieldIssue{
			Field:   fe.Field(),
			Message: messageForTag(fe),
		})
	}
	return issues
}

func messageForTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "min":
		return "must be at least " + fe.Param() + " characters"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	}
	return "is invalid"
}
