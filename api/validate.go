package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/warp/blend-engine/quality"
)

// =============================================================================
// REQUEST VALIDATION
// =============================================================================

// maxBodyBytes bounds request bodies; batch feeds and proposals are small.
const maxBodyBytes = 1 << 20

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("batchkey", validateBatchKey)
	return v
}

// validateBatchKey accepts the "provenance:number" form.
func validateBatchKey(fl validator.FieldLevel) bool {
	_, err := quality.ParseBatchKey(fl.Field().String())
	return err == nil
}

// FieldError is one failed rule, reported with the JSON field name.
type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

// ValidationError is returned when a request body fails its tags.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = fmt.Sprintf("%s: %s", f.Field, f.Rule)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// decode reads a JSON body into dst and validates it.
func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("malformed JSON: %w", err)
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		out := &ValidationError{}
		for _, fe := range verrs {
			out.Fields = append(out.Fields, FieldError{Field: trimNamespace(fe.Namespace()), Rule: fe.Tag()})
		}
		return out
	}
	return nil
}

// trimNamespace drops the struct name: "CommitBlendRequest.lot_id" -> "lot_id".
func trimNamespace(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}
