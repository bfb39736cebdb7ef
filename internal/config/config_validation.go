package config

import (
	"fmt"

	stagehanderrors "github.com/alexisbeaulieu97/stagehand/pkg/errors"
)

// ValidateConfig performs structural and cross-field validation on an entire configuration.
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return stagehanderrors.NewValidationError("config", "configuration is nil", nil)
	}

	if err := validatorInstance().Struct(cfg); err != nil {
		return convertValidationError(err)
	}

	names := make(map[string]int, len(cfg.Pipelines))
	for i, p := range cfg.Pipelines {
		if first, exists := names[p.Name]; exists {
			return stagehanderrors.NewValidationError(fieldForPipeline(i, "name"),
				fmt.Sprintf("duplicate pipeline name %q (first defined at pipelines[%d])", p.Name, first), nil)
		}
		names[p.Name] = i

		seen := make(map[string]struct{}, len(p.Stages))
		for _, id := range p.Stages {
			if _, dup := seen[id]; dup {
				return stagehanderrors.NewValidationError(fieldForPipeline(i, "stages"),
					fmt.Sprintf("stage %q listed twice", id), nil)
			}
			seen[id] = struct{}{}
		}
	}

	return nil
}
