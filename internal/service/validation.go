package service

import (
	"errors"
	"reflect"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"

	appErrors "github.com/noah-isme/vehicle-insurance-auth/pkg/errors"
)

// NewValidator returns a validator reporting json field names and knowing the
// custom tags used by request models.
func NewValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	_ = v.RegisterValidation("letterdigit", hasLetterAndDigit)
	return v
}

func hasLetterAndDigit(fl validator.FieldLevel) bool {
	var letter, digit bool
	for _, r := range fl.Field().String() {
		switch {
		case unicode.IsLetter(r):
			letter = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	return letter && digit
}

// ValidationError converts validator output into a KindValidation error with a
// field map. Other errors are wrapped as bad requests.
func ValidationError(err error, message string) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return appErrors.Wrap(err, appErrors.KindBadRequest, appErrors.ErrBadRequest.Code, message)
	}
	fields := make(map[string][]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = append(fields[fe.Field()], fe.Tag())
	}
	out := appErrors.WithFields(appErrors.ErrValidation, fields)
	out.Message = message
	out.Err = err
	return out
}
