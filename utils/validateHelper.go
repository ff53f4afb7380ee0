package utils

import (
	"errors"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ProcessValidationErrors maps binding failures to field -> failed tag.
// Non-validator errors (bad JSON) come back under "body".
func ProcessValidationErrors(err error) map[string]string {
	out := make(map[string]string)
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) {
		out["body"] = err.Error()
		return out
	}
	for _, ve := range ves {
		out[lowerFirst(ve.Field())] = ve.Tag()
	}
	return out
}

// ValidationMessage flattens ProcessValidationErrors into one stable line.
func ValidationMessage(err error) string {
	fields := ProcessValidationErrors(err)
	if msg, ok := fields["body"]; ok && len(fields) == 1 {
		return "invalid request body: " + msg
	}
	parts := make([]string, 0, len(fields))
	for f, tag := range fields {
		parts = append(parts, f+" failed "+tag)
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
