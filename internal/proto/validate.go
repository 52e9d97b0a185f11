package proto

import (
	"reflect"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks the struct tags of an inbound payload. Non-struct values
// (snapshots are slices) pass through.
func Validate(v any) error {
	if reflect.Indirect(reflect.ValueOf(v)).Kind() != reflect.Struct {
		return nil
	}
	return validate.Struct(v)
}
