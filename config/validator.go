package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is the global validator instance.
var validate *validator.Validate

func init() {
	validate = validator.New()

	_ = validate.RegisterValidation("env", validateEnvironment)
	validate.RegisterStructValidation(validateCrossSection, Config{})
}

// ConfigError represents a validation error for a specific field.
type ConfigError struct {
	Field   string
	Message string
	Value   any
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("%s: %s (got %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of config errors.
type ValidationErrors []ConfigError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}

	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, err := range e {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

// ValidateWithDetails performs validation and returns detailed errors.
func ValidateWithDetails(cfg *Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}

	details := make(ValidationErrors, 0, len(validationErrors))
	for _, fe := range validationErrors {
		details = append(details, ConfigError{
			Field:   fe.Namespace(),
			Message: formatValidationError(fe),
			Value:   fe.Value(),
		})
	}
	return details
}

// validateCrossSection checks settings that depend on another section.
func validateCrossSection(sl validator.StructLevel) {
	cfg := sl.Current().Interface().(Config)

	if cfg.Alert.Renderer == "webhook" && cfg.Alert.Webhook.URL == "" {
		sl.ReportError(cfg.Alert.Webhook.URL, "Alert.Webhook.URL", "URL", "required_with_renderer", "webhook")
	}
	needsRedis := cfg.Consumer.Bus == "redis" || cfg.KeepAlive.Presence
	if needsRedis && cfg.Redis.Address == "" {
		sl.ReportError(cfg.Redis.Address, "Redis.Address", "Address", "required_with_redis", "")
	}
	if cfg.Storage.Type == "badger" && cfg.Storage.Badger.Path == "" {
		sl.ReportError(cfg.Storage.Badger.Path, "Storage.Badger.Path", "Path", "required_with_storage", "badger")
	}
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		sl.ReportError(cfg.Tracing.Endpoint, "Tracing.Endpoint", "Endpoint", "required_with_tracing", "")
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Port == cfg.Server.Port {
		sl.ReportError(cfg.Metrics.Port, "Metrics.Port", "Port", "nefield", "Server.Port")
	}
}

// formatValidationError converts validator.FieldError to a human-readable message.
func formatValidationError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", fe.Param())
	case "gtefield":
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	case "env":
		return "must be one of [development staging production]"
	case "url":
		return "must be a valid URL"
	case "required_with_renderer", "required_with_storage":
		return fmt.Sprintf("is required when %s is selected", fe.Param())
	case "required_with_redis":
		return "is required when the redis bus or presence is enabled"
	case "required_with_tracing":
		return "is required when tracing is enabled"
	case "nefield":
		return fmt.Sprintf("must differ from %s", fe.Param())
	default:
		return fmt.Sprintf("failed validation: %s", fe.Tag())
	}
}

var validEnvironments = []string{"development", "staging", "production"}

// validateEnvironment is a custom validator for environment values.
func validateEnvironment(fl validator.FieldLevel) bool {
	return slices.Contains(validEnvironments, fl.Field().String())
}
