package validator

import (
	"fmt"
	"reflect"
	"strings"

	playground "github.com/go-playground/validator/v10"
)

// Validator provides validation functionality
type Validator interface {
	Validate(interface{}) error
}

type validator struct {
	v *playground.Validate
}

// New returns a struct validator reporting fields by their mapstructure,
// json or form name, in that order.
func New() Validator {
	v := playground.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		for _, tag := range []string{"mapstructure", "json", "form"} {
			name := strings.SplitN(fld.Tag.Get(tag), ",", 2)[0]
			if name != "" && name != "-" {
				return name
			}
		}
		return fld.Name
	})
	return &validator{v: v}
}

func (v *validator) Validate(obj interface{}) error {
	err := v.v.Struct(obj)
	if err == nil {
		return nil
	}

	errs, ok := err.(playground.ValidationErrors)
	if !ok {
		return err
	}

	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, describe(e))
	}
	return fmt.Errorf("validation failed: %s", strings.Join(msgs, "; "))
}

func describe(e playground.FieldError) string {
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", e.Namespace())
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s", e.Namespace(), e.Param())
	case "max", "lte":
		return fmt.Sprintf("%s must not exceed %s", e.Namespace(), e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", e.Namespace(), e.Param())
	default:
		return fmt.Sprintf("%s failed %s", e.Namespace(), e.Tag())
	}
}
