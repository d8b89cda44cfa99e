package command

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"

	"github.com/mesh-intelligence/canopy/pkg/types"
)

// validate is the shared validator instance. Custom tags:
//
//	id       - a well-formed identifier (see types.ValidID)
//	nodetype - a well-formed, non-reserved node type
//	nodename - a name free of path separators, wildcards and control characters
var validate *validator.Validate

var nodeTypePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.:-]{0,63}$`)

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	_ = validate.RegisterValidation("id", validateID)
	_ = validate.RegisterValidation("nodetype", validateNodeType)
	_ = validate.RegisterValidation("nodename", validateNodeName)
}

func validateID(fl validator.FieldLevel) bool {
	return types.ValidID(fl.Field().String())
}

func validateNodeType(fl validator.FieldLevel) bool {
	return ValidNodeType(fl.Field().String())
}

func validateNodeName(fl validator.FieldLevel) bool {
	return ValidNodeName(fl.Field().String())
}

// forbiddenNameChars may not appear in node names.
const forbiddenNameChars = `/\:*?"<>|`

// MaxNameLength bounds node names, in characters.
const MaxNameLength = 255

// ValidNodeName reports whether s contains no forbidden or control
// characters. Emptiness and length are checked by their own rules.
func ValidNodeName(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) || strings.ContainsRune(forbiddenNameChars, r) {
			return false
		}
	}
	return true
}

// ValidNodeType reports whether s is a well-formed node type that callers may
// assign. The sentinel types are reserved.
func ValidNodeType(s string) bool {
	if s == types.NodeTypeRoot || s == types.NodeTypeTrash {
		return false
	}
	return nodeTypePattern.MatchString(s)
}

// Struct validates v against its struct tags and returns the failures as
// field errors.
func Struct(v any) []types.FieldError {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	return FieldErrors(err)
}

// FieldErrors converts a validator error into field errors.
func FieldErrors(err error) []types.FieldError {
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) {
		return []types.FieldError{{Field: "", Rule: "invalid", Message: err.Error()}}
	}
	out := make([]types.FieldError, 0, len(ves))
	for _, fe := range ves {
		out = append(out, types.FieldError{
			Field:   fieldPath(fe.Namespace()),
			Rule:    fe.Tag(),
			Message: message(fe),
		})
	}
	return out
}

// fieldPath strips the leading struct name from a validator namespace.
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "id":
		return "is not a valid identifier"
	case "nodetype":
		return "is not a valid node type"
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "nodename":
		return "must not contain " + forbiddenNameChars + " or control characters"
	case "min":
		return fmt.Sprintf("must have at least %s element(s)", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	default:
		return fmt.Sprintf("failed %q", fe.Tag())
	}
}
