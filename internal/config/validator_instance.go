package config

import (
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/alexisbeaulieu97/stagehand/internal/manifest"
)

var (
	validatorOnce sync.Once
	validateInst  *validator.Validate

	pipelineNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
)

// validatorInstance configures and returns the shared validator instance used across the config package.
func validatorInstance() *validator.Validate {
	validatorOnce.Do(func() {
		v := validator.New()

		_ = v.RegisterValidation("plugin_id", func(fl validator.FieldLevel) bool {
			return manifest.ValidPluginID(fl.Field().String())
		})

		_ = v.RegisterValidation("stage_id", func(fl validator.FieldLevel) bool {
			return manifest.ValidStageID(fl.Field().String())
		})

		_ = v.RegisterValidation("pipeline_name", func(fl validator.FieldLevel) bool {
			return pipelineNamePattern.MatchString(fl.Field().String())
		})

		_ = v.RegisterValidation("log_level", func(fl validator.FieldLevel) bool {
			level, err := zerolog.ParseLevel(strings.ToLower(fl.Field().String()))
			return err == nil && level != zerolog.NoLevel
		})

		validateInst = v
	})

	return validateInst
}
