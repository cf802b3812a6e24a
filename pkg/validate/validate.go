// Package validate holds the struct validator shared by the config loader,
// the domain model and the admin API.
//
// Rules live in `validate:` struct tags. Packages that own a custom rule
// register it on Default from an init func. Errors are reported per field
// and addressed by JSON path, e.g. "queue.backoff_base" or
// "accounts.list[0].id".
package validate

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
)

var (
	once sync.Once
	std  *validator.Validate
)

// Default returns the process-wide validator. Register custom rules on it
// before first use; registration is not safe for concurrent use.
func Default() *validator.Validate {
	once.Do(func() { std = New() })
	return std
}

// New builds a validator that names fields after their json tag and knows
// the "notblank" rule.
func New() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(jsonName)
	if err := v.RegisterValidation("notblank", validators.NotBlank); err != nil {
		panic(err)
	}
	return v
}

func jsonName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	switch name {
	case "-":
		return ""
	case "":
		return f.Name
	}
	return name
}

// FieldError is one failed rule.
type FieldError struct {
	Path  string // json path without the root type
	Field string // Go field name, without any map key or index
	Tag   string
	Param string
	Value any
}

func (e *FieldError) Error() string {
	switch e.Tag {
	case "required", "notblank":
		return e.Path + " is required"
	case "required_with":
		return fmt.Sprintf("%s is required when %s is set", e.Path, e.Param)
	case "required_without":
		return fmt.Sprintf("%s is required without %s", e.Path, e.Param)
	case "oneof", "oneofci":
		return fmt.Sprintf("%s: must be one of [%s], got %q", e.Path, e.Param, fmt.Sprint(e.Value))
	case "min":
		return fmt.Sprintf("%s: must be at least %s", e.Path, e.Param)
	case "datetime":
		return fmt.Sprintf("%s: %q does not match %s", e.Path, fmt.Sprint(e.Value), e.Param)
	}
	return fmt.Sprintf("%s: invalid %s %q", e.Path, e.Tag, fmt.Sprint(e.Value))
}

// Fields converts validator errors into joined *FieldError values. Other
// errors are returned unchanged.
func Fields(err error) error {
	if err == nil {
		return nil
	}
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) {
		return err
	}
	errs := make([]error, 0, len(ves))
	for _, fe := range ves {
		errs = append(errs, &FieldError{
			Path:  trimRoot(fe.Namespace()),
			Field: trimKey(fe.StructField()),
			Tag:   fe.Tag(),
			Param: fe.Param(),
			Value: fe.Value(),
		})
	}
	return errors.Join(errs...)
}

// First returns the first field error in err, or nil.
func First(err error) *FieldError {
	var fe *FieldError
	if errors.As(err, &fe) {
		return fe
	}
	return nil
}

func trimRoot(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func trimKey(name string) string {
	if i := strings.IndexByte(name, '['); i >= 0 {
		return name[:i]
	}
	return name
}
