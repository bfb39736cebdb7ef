package manifest

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	stagehanderrors "github.com/alexisbeaulieu97/stagehand/pkg/errors"
)

var (
	validatorOnce sync.Once
	validateInst  *validator.Validate

	pluginIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]*$`)
	stageIDPattern  = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]*(:[a-z0-9][a-z0-9_.-]*)*$`)
)

func validatorInstance() *validator.Validate {
	validatorOnce.Do(func() {
		v := validator.New()

		_ = v.RegisterValidation("plugin_id", func(fl validator.FieldLevel) bool {
			return pluginIDPattern.MatchString(fl.Field().String())
		})

		_ = v.RegisterValidation("stage_id", func(fl validator.FieldLevel) bool {
			return stageIDPattern.MatchString(fl.Field().String())
		})

		validateInst = v
	})

	return validateInst
}

// ValidPluginID reports whether id is usable as a plugin id.
func ValidPluginID(id string) bool {
	return pluginIDPattern.MatchString(id)
}

// ValidStageID reports whether id follows the namespace:name convention rules.
func ValidStageID(id string) bool {
	return stageIDPattern.MatchString(id)
}

// Validate checks the manifest schema and cross-field rules.
func (m Manifest) Validate() error {
	if err := validatorInstance().Struct(m); err != nil {
		return convertValidationError(err)
	}

	if m.Version.IsZero() {
		return stagehanderrors.NewValidationError("version", fmt.Sprintf("plugin '%s' requires a version", m.ID), nil)
	}
	if _, err := NewPriority(m.Priority.Band, m.Priority.Value); err != nil {
		return stagehanderrors.NewValidationError("priority", fmt.Sprintf("plugin '%s': %v", m.ID, err), err)
	}

	seenDeps := make(map[string]struct{}, len(m.Dependencies))
	for _, dep := range m.Dependencies {
		if dep.ID == m.ID {
			return stagehanderrors.NewValidationError("dependencies", fmt.Sprintf("plugin '%s' cannot depend on itself", m.ID), nil)
		}
		if _, exists := seenDeps[dep.ID]; exists {
			return stagehanderrors.NewValidationError("dependencies", fmt.Sprintf("plugin '%s' lists dependency '%s' more than once", m.ID, dep.ID), nil)
		}
		seenDeps[dep.ID] = struct{}{}
	}

	for _, other := range m.ConflictsWith {
		if other == m.ID {
			return stagehanderrors.NewValidationError("conflicts_with", fmt.Sprintf("plugin '%s' cannot conflict with itself", m.ID), nil)
		}
		if _, exists := seenDeps[other]; exists {
			return stagehanderrors.NewValidationError("conflicts_with", fmt.Sprintf("plugin '%s' both depends on and conflicts with '%s'", m.ID, other), nil)
		}
	}

	return nil
}

func convertValidationError(err error) error {
	if err == nil {
		return nil
	}

	if ves, ok := err.(validator.ValidationErrors); ok {
		ve := ves[0]
		field := fieldName(ve)
		msg := fmt.Sprintf("%s failed validation for tag '%s'", field, ve.Tag())
		return stagehanderrors.NewValidationError(field, msg, err)
	}

	return stagehanderrors.NewValidationError("manifest", err.Error(), err)
}

func fieldName(fe validator.FieldError) string {
	ns := fe.StructNamespace()
	parts := strings.Split(ns, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	lowered := make([]string, 0, len(parts))
	for _, part := range parts {
		lowered = append(lowered, toSnake(part))
	}
	return strings.Join(lowered, ".")
}

func toSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && s[i-1] != '[' && !(s[i-1] >= 'A' && s[i-1] <= 'Z') {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
