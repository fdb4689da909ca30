// Package config provides configuration management for the courseman
// service using Viper for flexible configuration loading from files,
// environment variables, and command-line flags.
//
// The configuration system supports YAML files and environment variable
// overrides with the COURSEMAN_ prefix. It manages the three course
// source roots (build, store, publish), the static file root, build
// defaults, grader/frontend endpoints, and server settings.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Paths    PathsConfig    `yaml:"paths"`
	Build    BuildConfig    `yaml:"build"`
	Static   StaticConfig   `yaml:"static"`
	Frontend FrontendConfig `yaml:"frontend"`
	Grader   GraderConfig   `yaml:"grader"`
	Git      GitConfig      `yaml:"git"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// PathsConfig holds the directory roots a course passes through. Build
// is where git checkouts and container builds happen, store holds the
// validated snapshot waiting for publication, and publish is the live
// tree served to learners.
type PathsConfig struct {
	BuildDir    string `yaml:"build_dir"`
	StoreDir    string `yaml:"store_dir"`
	PublishDir  string `yaml:"publish_dir"`
	StaticDir   string `yaml:"static_dir"`
	DatabaseDir string `yaml:"database_dir"`
}

type BuildConfig struct {
	DefaultImage   string        `yaml:"default_image"`
	DefaultCommand string        `yaml:"default_command"`
	LockTimeout    time.Duration `yaml:"lock_timeout"`
	Workers        int           `yaml:"workers"`
}

type StaticConfig struct {
	URLPrefix   string `yaml:"url_prefix"`
	ContentHost string `yaml:"content_host"`
}

type FrontendConfig struct {
	URL string `yaml:"url"`
}

// GraderConfig names the default grading service used for exercises
// whose config does not pick one explicitly.
type GraderConfig struct {
	DefaultURL string `yaml:"default_url"`
}

type GitConfig struct {
	SSHKeyPath string `yaml:"ssh_key_path"`
}

func Load() (*Config, error) {
	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Handle paths set via viper (workaround for viper nested handling)
	if viper.IsSet("paths.build_dir") && config.Paths.BuildDir == "" {
		config.Paths.BuildDir = viper.GetString("paths.build_dir")
	}
	if viper.IsSet("paths.store_dir") && config.Paths.StoreDir == "" {
		config.Paths.StoreDir = viper.GetString("paths.store_dir")
	}
	if viper.IsSet("paths.publish_dir") && config.Paths.PublishDir == "" {
		config.Paths.PublishDir = viper.GetString("paths.publish_dir")
	}

	// Apply default values for PathsConfig if not set
	if config.Paths.BuildDir == "" {
		config.Paths.BuildDir = "courses/build"
	}
	if config.Paths.StoreDir == "" {
		config.Paths.StoreDir = "courses/store"
	}
	if config.Paths.PublishDir == "" {
		config.Paths.PublishDir = "courses/publish"
	}
	if config.Paths.StaticDir == "" {
		config.Paths.StaticDir = "static"
	}
	if config.Paths.DatabaseDir == "" {
		config.Paths.DatabaseDir = ".courseman/db"
	}

	// Apply default values for BuildConfig if not set
	if config.Build.LockTimeout == 0 {
		config.Build.LockTimeout = 10 * time.Minute
	}
	if config.Build.Workers == 0 {
		config.Build.Workers = 4
	}

	if config.Server.Port == 0 {
		config.Server.Port = 8070
	}
	if config.Static.URLPrefix == "" {
		config.Static.URLPrefix = "/static"
	}

	// Validate configuration values
	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// validateConfig validates configuration values for security and correctness
func validateConfig(config *Config) error {
	if err := validateServerConfig(&config.Server); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := validatePathsConfig(&config.Paths); err != nil {
		return fmt.Errorf("paths config: %w", err)
	}

	if config.Build.Workers < 1 {
		return fmt.Errorf("build config: workers must be positive, got %d", config.Build.Workers)
	}
	if config.Build.LockTimeout < 0 {
		return fmt.Errorf("build config: lock_timeout must not be negative")
	}

	return nil
}

// validateServerConfig validates server configuration values
func validateServerConfig(config *ServerConfig) error {
	// Validate port range (allow 0 for system-assigned ports in testing)
	if config.Port < 0 || config.Port > 65535 {
		return fmt.Errorf("port %d is not in valid range 0-65535", config.Port)
	}

	if config.Host != "" {
		dangerousChars := []string{";", "&", "|", "$", "`", "(", ")", "<", ">", "\"", "'", "\\"}
		for _, char := range dangerousChars {
			if strings.Contains(config.Host, char) {
				return fmt.Errorf("host contains dangerous character: %s", char)
			}
		}
	}

	return nil
}

// validatePathsConfig validates the directory roots
func validatePathsConfig(config *PathsConfig) error {
	roots := map[string]string{
		"build_dir":    config.BuildDir,
		"store_dir":    config.StoreDir,
		"publish_dir":  config.PublishDir,
		"static_dir":   config.StaticDir,
		"database_dir": config.DatabaseDir,
	}
	seen := make(map[string]string)
	for name, path := range roots {
		if err := validatePath(path); err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, path, err)
		}
		clean := filepath.Clean(path)
		if other, ok := seen[clean]; ok {
			return fmt.Errorf("%s and %s resolve to the same directory: %s", name, other, clean)
		}
		seen[clean] = name
	}

	return nil
}

// validatePath validates a file path for security
func validatePath(path string) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}

	cleanPath := filepath.Clean(path)

	// Reject path traversal attempts
	if strings.Contains(cleanPath, "..") {
		return fmt.Errorf("path contains traversal: %s", path)
	}

	dangerousChars := []string{";", "&", "|", "$", "`", "(", ")", "<", ">", "\"", "'"}
	for _, char := range dangerousChars {
		if strings.Contains(cleanPath, char) {
			return fmt.Errorf("path contains dangerous character: %s", char)
		}
	}

	return nil
}
