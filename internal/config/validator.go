package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators is the hook for PolicyShield-specific validation
// tags; it currently registers none. The cross-field rules live in the
// validate* methods that Validate calls after struct-tag validation.
func RegisterCustomValidators(v *validator.Validate) error {
	return nil
}

// Validate validates the Config using struct tags and custom cross-field
// rules. Returns an error if validation fails, with actionable messages.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateRateLimitBackend(); err != nil {
		return err
	}
	if err := c.validateSessionBackend(); err != nil {
		return err
	}
	if err := c.validateApprovalBackend(); err != nil {
		return err
	}
	if err := c.validateAuth(); err != nil {
		return err
	}

	return nil
}

// validateRateLimitBackend ensures redis-backed rate limiting names an
// address to connect to.
func (c *Config) validateRateLimitBackend() error {
	if c.RateLimit.Backend == "redis" && c.RateLimit.RedisAddr == "" {
		return errors.New("rate_limit: backend \"redis\" requires redis_addr")
	}
	return nil
}

// validateSessionBackend ensures sqlite-backed sessions name a database path.
func (c *Config) validateSessionBackend() error {
	if c.Session.Backend == "sqlite" && c.Session.SqlitePath == "" {
		return errors.New("session: backend \"sqlite\" requires sqlite_path")
	}
	return nil
}

// validateApprovalBackend ensures the selected approval backend carries the
// fields it needs to actually reach an external system.
func (c *Config) validateApprovalBackend() error {
	switch c.Approval.Backend {
	case "webhook":
		if c.Approval.Webhook.URL == "" {
			return errors.New("approval: backend \"webhook\" requires webhook.url")
		}
	case "telegram", "slack":
		if c.Approval.Chat.PostURL == "" {
			return fmt.Errorf("approval: backend %q requires chat.post_url", c.Approval.Backend)
		}
		if c.Approval.Chat.Platform != "" && c.Approval.Chat.Platform != c.Approval.Backend {
			return fmt.Errorf("approval: chat.platform %q does not match approval.backend %q", c.Approval.Chat.Platform, c.Approval.Backend)
		}
	}
	return nil
}

// validateAuth requires an authentication source unless dev mode is active.
func (c *Config) validateAuth() error {
	if c.DevMode {
		return nil
	}
	if c.Auth.Token == "" && c.Auth.TokensFile == "" {
		return errors.New("auth: one of token or tokens_file is required outside dev_mode")
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for a single validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must have at least %s items", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
