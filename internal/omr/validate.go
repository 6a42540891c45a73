package omr

import (
	"errors"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

var (
	// Validate checks request, exam and configuration structs. Field names
	// in its errors are the JSON names.
	Validate   *validator.Validate
	Translator ut.Translator

	notBlankTag = "notblank"
	optionTag   = "option"
)

func init() {
	Validate = validator.New()

	_en := en.New()
	uni := ut.New(_en, _en)
	Translator, _ = uni.GetTranslator("en")
	_ = en_translations.RegisterDefaultTranslations(Validate, Translator)

	Validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		for _, tag := range []string{"json", "mapstructure"} {
			if name := strings.SplitN(fld.Tag.Get(tag), ",", 2)[0]; name != "" {
				if name == "-" {
					return ""
				}
				return name
			}
		}
		return fld.Name
	})

	_ = Validate.RegisterValidation(notBlankTag, notBlankValidation)
	_ = Validate.RegisterValidation(optionTag, optionValidation)
	registerCustomTranslations(notBlankTag, optionTag)
}

// registerCustomTranslations registers messages for the custom tags. The
// default translations are already registered, so a noop registration func
// is passed.
func registerCustomTranslations(tags ...string) {
	registerFn := func(ut.Translator) error { return nil }
	for _, tag := range tags {
		_ = Validate.RegisterTranslation(tag, Translator, registerFn, translateCustom)
	}
}

func translateCustom(_ ut.Translator, fe validator.FieldError) string {
	switch fe.Tag() {
	case notBlankTag:
		return fe.Field() + " cannot be blank"
	case optionTag:
		return fe.Field() + " must be one of A, B, C, D"
	}
	return ""
}

func notBlankValidation(fl validator.FieldLevel) bool {
	if str, ok := fl.Field().Interface().(string); ok {
		return strings.TrimSpace(str) != ""
	}
	return false
}

func optionValidation(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	return s == "" || Option(s).Index() >= 0
}

// ValidationMessage flattens validator errors into one sorted, readable
// line; other errors are returned as is.
func ValidationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fe.Translate(Translator))
	}
	sort.Strings(msgs)
	return strings.Join(msgs, "; ")
}
