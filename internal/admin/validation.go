package admin

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"catalog-sync-service/internal/platform"
)

// IntegrationInput is the writable part of an integration.
type IntegrationInput struct {
	StoreID     string            `json:"store_id" validate:"required,max=64"`
	Name        string            `json:"name" validate:"required,max=255"`
	Platform    string            `json:"platform" validate:"required,oneof=shopify woocommerce magento"`
	StoreURL    string            `json:"store_url" validate:"required,url,max=512"`
	Credentials map[string]string `json:"credentials"`
	Cadence     string            `json:"cadence" validate:"omitempty,oneof=off hourly daily weekly on-demand"`
	Active      *bool             `json:"active"`
}

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ValidationResult struct {
	Valid  bool         `json:"valid"`
	Errors []FieldError `json:"errors"`
}

// InvalidConfigError carries the field errors that rejected a write.
type InvalidConfigError struct {
	Errors []FieldError
}

func (e *InvalidConfigError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		parts = append(parts, fe.Field+": "+fe.Message)
	}
	return "invalid integration config: " + strings.Join(parts, "; ")
}

func IsInvalidConfig(err error) bool {
	var target *InvalidConfigError
	return errors.As(err, &target)
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validate checks struct tags and then the platform's required credentials.
func (s *Service) validate(in IntegrationInput) ValidationResult {
	res := ValidationResult{Valid: true, Errors: []FieldError{}}

	if err := s.validator.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			res.Errors = append(res.Errors, FieldError{Field: "", Message: err.Error()})
		}
		for _, fe := range verrs {
			res.Errors = append(res.Errors, FieldError{Field: fe.Field(), Message: message(fe)})
		}
	}

	kind := platform.Kind(in.Platform)
	if kind.IsValid() {
		for _, key := range platform.MissingCredentials(kind, in.Credentials) {
			res.Errors = append(res.Errors, FieldError{
				Field:   "credentials." + key,
				Message: fmt.Sprintf("is required for %s", kind),
			})
		}
	}

	res.Valid = len(res.Errors) == 0
	return res
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "url":
		return "must be a valid URL"
	}
	return "is invalid"
}
