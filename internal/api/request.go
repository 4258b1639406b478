package api

import (
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator"
)

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decode reads and validates a JSON body, writing the error response itself
// when it returns false.
func decode(w http.ResponseWriter, r *http.Request, v *validator.Validate, dst any) bool {
	if err := readJSON(r, dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return false
	}
	if err := v.Struct(dst); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid_input", validationMessage(err))
		return false
	}
	return true
}

func parseNonNegative(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
