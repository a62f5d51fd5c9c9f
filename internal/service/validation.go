package service

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/sakif/qaplanet/internal/apperror"
	"github.com/sakif/qaplanet/internal/model"
)

var handlePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// validate is safe for concurrent use and caches struct metadata, so one
// instance serves the whole package.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Report fields by their JSON name, which is what API clients sent.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})

	_ = v.RegisterValidation("handle", func(fl validator.FieldLevel) bool {
		return handlePattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("aimodel", func(fl validator.FieldLevel) bool {
		return model.AIModel(fl.Field().String()).Valid()
	})
	_ = v.RegisterValidation("qastatus", func(fl validator.FieldLevel) bool {
		return model.Status(fl.Field().String()).Valid()
	})

	return v
}

// validateStruct runs the struct's validate tags and converts the first
// failure into an apperror.ValidationFailed naming that field.
func validateStruct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return apperror.ValidationFailed("", err.Error())
	}

	first := fieldErrs[0]
	return apperror.ValidationFailed(first.Field(), formatFieldError(first))
}

func formatFieldError(e validator.FieldError) string {
	field := e.Field()

	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		if e.Kind() == reflect.Slice {
			return fmt.Sprintf("%s must have at least %s items", field, e.Param())
		}
		return fmt.Sprintf("%s must be at least %s characters", field, e.Param())
	case "max":
		if e.Kind() == reflect.Slice {
			return fmt.Sprintf("%s must have at most %s items", field, e.Param())
		}
		return fmt.Sprintf("%s must be at most %s characters", field, e.Param())
	case "email":
		return fmt.Sprintf("%s must be a valid email", field)
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "aimodel":
		names := make([]string, len(model.AIModels))
		for i, m := range model.AIModels {
			names[i] = string(m)
		}
		return fmt.Sprintf("%s must be one of: %s", field, strings.Join(names, ", "))
	case "qastatus":
		return fmt.Sprintf("%s must be one of: %s, %s, %s", field, model.StatusDraft, model.StatusPublished, model.StatusArchived)
	case "handle":
		return fmt.Sprintf("%s may only contain letters, digits and underscores", field)
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}
