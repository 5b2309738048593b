package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ValidationError reports input-schema violations per field. It is
// non-retryable without a caller fix.
type ValidationError struct {
	Fields map[string][]string
}

func (e *ValidationError) Error() string {
	fields := make([]string, 0, len(e.Fields))
	for f := range e.Fields {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f, strings.Join(e.Fields[f], "; ")))
	}
	return "input validation failed: " + strings.Join(parts, ", ")
}

// ValidateInput checks input against a spell's declared JSON schema. A
// spell with no schema accepts any input. Schema compilation errors are
// returned as plain errors; input mismatches as *ValidationError.
func ValidateInput(schema, input json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schema),
		gojsonschema.NewBytesLoader(input),
	)
	if err != nil {
		return fmt.Errorf("validate input: %w", err)
	}
	if result.Valid() {
		return nil
	}

	fields := make(map[string][]string)
	for _, re := range result.Errors() {
		field := re.Field()
		if field == "" || field == "(root)" {
			field = "(root)"
		}
		fields[field] = append(fields[field], re.Description())
	}
	return &ValidationError{Fields: fields}
}
