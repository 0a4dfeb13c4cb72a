package config

import (
	"os"
	"path/filepath"
	"strings"
)

type FlasherConfig struct {
	Port      string
	BackupDir string
	Probe     bool
}

var (
	flasherConfig *FlasherConfig
	configLoaded  bool
)

func LoadFlasherConfig() (*FlasherConfig, error) {
	if flasherConfig != nil && configLoaded {
		return flasherConfig, nil
	}

	cfg := &FlasherConfig{BackupDir: "."}

	// Try to load from .env file in project root
	projectRoot := findProjectRoot()
	envPath := filepath.Join(projectRoot, ".env")

	data, err := os.ReadFile(envPath)
	if err == nil {
		parseEnvFile(string(data), cfg)
	}

	// Override with environment variables if set
	if port := os.Getenv("ODIN_PORT"); port != "" {
		cfg.Port = port
	}
	if dir := os.Getenv("ODIN_BACKUP_DIR"); dir != "" {
		cfg.BackupDir = dir
	}
	if probe := os.Getenv("ODIN_PROBE"); probe != "" {
		cfg.Probe = isTruthy(probe)
	}

	flasherConfig = cfg
	configLoaded = true
	return cfg, nil
}

func parseEnvFile(content string, cfg *FlasherConfig) {
	lines := strings.Split(content, "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		switch key {
		case "ODIN_PORT":
			cfg.Port = value
		case "ODIN_BACKUP_DIR":
			cfg.BackupDir = value
		case "ODIN_PROBE":
			cfg.Probe = isTruthy(value)
		}
	}
}

func isTruthy(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func findProjectRoot() string {
	cwd, _ := os.Getwd()
	// First check CWD for .env file
	if _, err := os.Stat(filepath.Join(cwd, ".env")); err == nil {
		return cwd
	}
	// Then walk up looking for go.mod
	for {
		if _, err := os.Stat(filepath.Join(cwd, "go.mod")); err == nil {
			return cwd
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return cwd
		}
		cwd = parent
	}
}

func GetPort() string {
	cfg, err := LoadFlasherConfig()
	if err != nil || cfg.Port == "" {
		return ""
	}
	return cfg.Port
}

func GetBackupDir() string {
	cfg, err := LoadFlasherConfig()
	if err != nil || cfg.BackupDir == "" {
		return "."
	}
	return cfg.BackupDir
}

func ProbeEnabled() bool {
	cfg, err := LoadFlasherConfig()
	if err != nil {
		return false
	}
	return cfg.Probe
}
