package model

import (
	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks a document against its validate tags before it crosses
// the store boundary.
func Validate(doc interface{}) error {
	return validate.Struct(doc)
}
