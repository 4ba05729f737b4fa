package config

import (
	"reflect"

	sserr "github.com/StricklySoft/stricklysoft-delegation/pkg/errors"
)

// Validator is implemented by configuration structs with checks beyond
// `required` tags. Load calls Validate after the required check passes.
// Errors that are already [*sserr.Error] are returned unchanged; others are
// wrapped with [sserr.CodeValidation].
type Validator interface {
	Validate() error
}

func validate(cfg any, rv reflect.Value) error {
	err := walk(rv, "", "", func(f field) error {
		if f.tag.Get("required") == "true" && f.value.IsZero() {
			return sserr.Newf(sserr.CodeValidationRequired, "config: required field %q is empty", f.path)
		}
		return nil
	})
	if err != nil {
		return err
	}

	v, ok := cfg.(Validator)
	if !ok {
		return nil
	}
	if err := v.Validate(); err != nil {
		if _, isSSErr := sserr.AsError(err); isSSErr {
			return err
		}
		return sserr.Wrap(err, sserr.CodeValidation, "config: custom validation failed")
	}
	return nil
}
