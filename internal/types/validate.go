package types

import (
	"fmt"
	"net/url"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is the shared validator instance. Struct tag rules cover range
// and enum constraints; cross-field rules live in Validate below.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Report field paths by json name so VALIDATION_ERROR details match
	// what the client actually sent.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return v
}

// Validate checks a fully-defaulted request and returns one ErrorDetail per
// violated constraint. An empty slice means the request is valid.
func (r *RenderRequest) Validate() []ErrorDetail {
	var details []ErrorDetail

	if err := validate.Struct(r); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				details = append(details, ErrorDetail{
					Code:    CodeValidationError,
					Message: messageFor(fe),
					Field:   fieldPath(fe),
				})
			}
		} else {
			details = append(details, ErrorDetail{
				Code:    CodeValidationError,
				Message: err.Error(),
			})
		}
	}

	// URL must be absolute http(s).
	if r.URL != "" {
		if len(r.URL) > MaxURLLength {
			details = append(details, ErrorDetail{
				Code:    CodeValidationError,
				Message: fmt.Sprintf("url exceeds maximum length of %d", MaxURLLength),
				Field:   "url",
			})
		} else if err := validateAbsoluteURL(r.URL); err != nil {
			details = append(details, ErrorDetail{
				Code:    CodeValidationError,
				Message: err.Error(),
				Field:   "url",
			})
		}
	}

	// Proxy credentials are both-or-neither; server must parse.
	if r.Proxy != nil {
		if (r.Proxy.Username == "") != (r.Proxy.Password == "") {
			details = append(details, ErrorDetail{
				Code:    CodeValidationError,
				Message: "proxy credentials must be provided both-or-neither",
				Field:   "proxy",
			})
		}
		if strings.TrimSpace(r.Proxy.Server) == "" {
			details = append(details, ErrorDetail{
				Code:    CodeValidationError,
				Message: "proxy server must not be empty",
				Field:   "proxy.server",
			})
		}
	}

	// Script list bounds.
	if len(r.Render.JSCode) > MaxScripts {
		details = append(details, ErrorDetail{
			Code:    CodeValidationError,
			Message: fmt.Sprintf("too many scripts (maximum %d)", MaxScripts),
			Field:   "render.js_code",
		})
	}
	for i, script := range r.Render.JSCode {
		if len(script) > MaxScriptLength {
			details = append(details, ErrorDetail{
				Code:    CodeValidationError,
				Message: fmt.Sprintf("script exceeds maximum length of %d", MaxScriptLength),
				Field:   fmt.Sprintf("render.js_code[%d]", i),
			})
		}
	}

	return details
}

// validateAbsoluteURL rejects relative URLs and non-http schemes.
func validateAbsoluteURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got: %q", scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url must be absolute")
	}
	return nil
}

// fieldPath renders the namespace of a validation error relative to the
// request root, e.g. "render.timeout_ms".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if idx := strings.Index(ns, "."); idx >= 0 {
		return strings.ToLower(ns[idx+1:])
	}
	return fe.Field()
}

// messageFor translates a struct tag violation into a client-facing message.
func messageFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fieldPath(fe))
	case "min":
		return fmt.Sprintf("%s must be at least %s", fieldPath(fe), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", fieldPath(fe), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fieldPath(fe), fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", fieldPath(fe))
	}
}
