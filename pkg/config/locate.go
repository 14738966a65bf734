package config

import (
	"os"
	"path/filepath"
)

const (
	// LocalConfigFileName is looked up in the working directory.
	LocalConfigFileName = ".warcrec.yaml"
	// GlobalConfigDir is the directory under the user config dir.
	GlobalConfigDir = "warcrec"
	// GlobalConfigFileName is the file inside GlobalConfigDir.
	GlobalConfigFileName = "config.yaml"
)

// FindLocalConfig returns ./.warcrec.yaml if it exists, or "".
func FindLocalConfig() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	path := filepath.Join(cwd, LocalConfigFileName)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	return "", nil
}

// FindGlobalConfig returns the per-user config file if it exists, or "".
func FindGlobalConfig() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", nil // No config dir available
	}
	path := filepath.Join(configDir, GlobalConfigDir, GlobalConfigFileName)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	return "", nil
}

// Load resolves the configuration for a run. An explicit path must exist;
// otherwise the local file, then the global file, then Default is used.
// Environment overrides are applied last. The result is not validated.
func Load(explicit string) (*Config, error) {
	if explicit == "" {
		explicit = os.Getenv(EnvConfig)
	}

	path := explicit
	if path == "" {
		if local, err := FindLocalConfig(); err == nil && local != "" {
			path = local
		} else if global, err := FindGlobalConfig(); err == nil && global != "" {
			path = global
		}
	}

	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
