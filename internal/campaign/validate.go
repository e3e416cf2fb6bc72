package campaign

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// Validate checks the record-level invariants of a Campaign.
func (c Campaign) Validate() error {
	if err := validatorInstance().Struct(c); err != nil {
		return describe(err)
	}
	if c.DurationMinutes != nil && *c.DurationMinutes < 0 && *c.DurationMinutes != IndefiniteDuration {
		return fmt.Errorf("duration_minutes must be >= 0 or %d", IndefiniteDuration)
	}
	return nil
}

// Validate checks the record-level invariants of an Account.
func (a Account) Validate() error {
	if err := validatorInstance().Struct(a); err != nil {
		return describe(err)
	}
	if a.Proxy != nil && a.Proxy.Host != "" {
		if err := validatorInstance().Struct(a.Proxy); err != nil {
			return describe(err)
		}
	}
	return nil
}

// ProxyConfig returns the account proxy, or nil when none is configured.
func (a Account) ProxyConfig() *Proxy {
	if a.Proxy == nil || strings.TrimSpace(a.Proxy.Host) == "" {
		return nil
	}
	return a.Proxy
}

func describe(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			parts = append(parts, fe.Field()+" is required")
		case "ltefield":
			parts = append(parts, fmt.Sprintf("%s must be <= %s", fe.Field(), jsonName(fe.Param())))
		default:
			if fe.Param() != "" {
				parts = append(parts, fmt.Sprintf("%s must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param()))
			} else {
				parts = append(parts, fmt.Sprintf("%s must satisfy %s", fe.Field(), fe.Tag()))
			}
		}
	}
	return errors.New(strings.Join(parts, "; "))
}

// jsonName maps the Go field names used in ltefield params to their JSON keys.
func jsonName(field string) string {
	switch field {
	case "MaxDelay":
		return "max_delay"
	case "TypingMax":
		return "typing_max"
	default:
		return field
	}
}
