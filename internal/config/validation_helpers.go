package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	stagehanderrors "github.com/alexisbeaulieu97/stagehand/pkg/errors"
)

// convertValidationError normalizes validator errors into stagehand validation errors.
func convertValidationError(err error) error {
	if err == nil {
		return nil
	}

	var ves validator.ValidationErrors
	if errors.As(err, &ves) && len(ves) > 0 {
		ve := ves[0]
		field := yamlishFieldName(ve)
		msg := fmt.Sprintf("%s failed validation for tag '%s'", field, ve.Tag())
		if value, ok := ve.Value().(string); ok && value != "" {
			msg = fmt.Sprintf("%s: %q failed validation for tag '%s'", field, value, ve.Tag())
		}
		return stagehanderrors.NewValidationError(field, msg, err)
	}

	return stagehanderrors.NewValidationError("config", err.Error(), err)
}

// yamlishFieldName turns "Config.Pipelines[0].Stages[1]" into "pipelines[0].stages[1]".
func yamlishFieldName(fe validator.FieldError) string {
	parts := strings.Split(fe.StructNamespace(), ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	lowered := make([]string, 0, len(parts))
	for _, part := range parts {
		lowered = append(lowered, snake(part))
	}
	return strings.Join(lowered, ".")
}

func snake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && s[i-1] != '[' {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func fieldForPipeline(index int, field string) string {
	return fmt.Sprintf("pipelines[%d].%s", index, field)
}
