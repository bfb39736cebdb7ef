package plugin

import (
	"os"
	"strings"
)

// DependencyPolicy controls how the registry responds to dependency failures.
type DependencyPolicy string

const (
	// PolicyStrict aborts activation on any dependency error.
	PolicyStrict DependencyPolicy = "strict"
	// PolicyGraceful leaves affected plugins inactive and continues.
	PolicyGraceful DependencyPolicy = "graceful"
)

// ParseDependencyPolicy accepts "strict" or "graceful" in any case.
func ParseDependencyPolicy(s string) (DependencyPolicy, bool) {
	switch DependencyPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case PolicyStrict:
		return PolicyStrict, true
	case PolicyGraceful:
		return PolicyGraceful, true
	}
	return "", false
}

// RegistryConfig configures registry dependency handling.
type RegistryConfig struct {
	DependencyPolicy DependencyPolicy
	// DisabledPlugins start out disabled when registered.
	DisabledPlugins []string
}

// DefaultConfig returns environment-aware defaults for the registry configuration.
func DefaultConfig() *RegistryConfig {
	if isCIEnvironment() {
		return &RegistryConfig{DependencyPolicy: PolicyStrict}
	}
	return &RegistryConfig{DependencyPolicy: PolicyGraceful}
}

func (c *RegistryConfig) isDisabled(id string) bool {
	for _, disabled := range c.DisabledPlugins {
		if disabled == id {
			return true
		}
	}
	return false
}

func isCIEnvironment() bool {
	ciEnvVars := []string{
		"CI",
		"CONTINUOUS_INTEGRATION",
		"GITHUB_ACTIONS",
		"GITLAB_CI",
		"JENKINS_HOME",
	}

	for _, key := range ciEnvVars {
		value := strings.TrimSpace(os.Getenv(key))
		if value != "" && strings.ToLower(value) != "false" && value != "0" {
			return true
		}
	}

	return false
}
