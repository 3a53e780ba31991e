package template

import (
	"bytes"
	"encoding/json"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/sangamhq/jobengine/errors"
)

// ErrValidation marks parameter binding and validation failures.
var ErrValidation = errors.New("parameter validation failed")

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report field names by their json tag so validation errors match the
	// keys operators actually submitted.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// BindParams decodes a raw parameter map into dst (a pointer to a typed
// params struct) and validates it. Unknown keys are rejected so typos do
// not silently become defaults.
func BindParams(params map[string]any, dst any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return errors.Wrap(ErrValidation, err.Error())
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.Wrapf(ErrValidation, "decode parameters: %v", err)
	}

	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			parts := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				parts = append(parts, fe.Field()+": failed "+fe.Tag())
			}
			return errors.Wrapf(ErrValidation, "%s", strings.Join(parts, "; "))
		}
		return errors.Wrap(ErrValidation, err.Error())
	}

	return nil
}

// ParamValidator is implemented by templates that can check a parameter
// map without running. All built-in templates implement it.
type ParamValidator interface {
	ValidateParams(params map[string]any) error
}

// CheckParams binds params against the template's typed struct without
// running it. The store calls this when a job definition is created or
// updated so bad parameters fail synchronously.
func CheckParams(t Template, params map[string]any) error {
	pv, ok := t.(ParamValidator)
	if !ok {
		return nil
	}
	return pv.ValidateParams(params)
}
