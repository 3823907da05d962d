package config

import (
	"os"
	"path/filepath"
	"strings"
)

const appEnvVar = "APP_ENV"

const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// Common shorthand seen in deployment manifests maps onto the
// canonical identifiers.
var envAliases = map[string]string{
	"dev":   EnvDevelopment,
	"stg":   EnvStaging,
	"stage": EnvStaging,
	"prod":  EnvProduction,
}

// AppEnvironment returns the normalized deployment environment from
// APP_ENV, defaulting to development when unset.
func AppEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv(appEnvVar)))
	if env == "" {
		return EnvDevelopment
	}
	if canonical, ok := envAliases[env]; ok {
		return canonical
	}
	return env
}

// resolveConfigPath substitutes an environment-specific config file
// (config/config.production.yml) for the default path when one exists
// on disk. An explicit non-default -config path always wins, so
// operators can still point a production deployment at an arbitrary
// file.
func resolveConfigPath(path, defaultPath string) string {
	if path != "" && path != defaultPath {
		return path
	}
	env := AppEnvironment()
	if env == EnvDevelopment {
		return defaultPath
	}
	ext := filepath.Ext(defaultPath)
	candidate := strings.TrimSuffix(defaultPath, ext) + "." + env + ext
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return defaultPath
}

// IsProductionLike reports whether env warrants production strictness.
// Staging counts: a config that would be rejected in production should
// fail there first.
func IsProductionLike(env string) bool {
	switch env {
	case EnvProduction, EnvStaging:
		return true
	default:
		return false
	}
}
