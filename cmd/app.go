package cmd

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/courseman/courseman/internal/builder"
	"github.com/courseman/courseman/internal/config"
	"github.com/courseman/courseman/internal/course"
	"github.com/courseman/courseman/internal/courseconfig"
	"github.com/courseman/courseman/internal/logging"
	"github.com/courseman/courseman/internal/registry"
)

// app bundles the wired services behind the subcommands.
type app struct {
	cfg     *config.Config
	log     logging.Logger
	reg     *registry.Registry
	loader  *courseconfig.Loader
	builder *builder.Builder
}

// newApp loads configuration and opens the service dependencies.
func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	log := logging.NewLogger(&logging.LoggerConfig{
		Level:  parseLogLevel(viper.GetString("log-level")),
		Format: "text",
	})

	reg, err := registry.Open(cfg.Paths.DatabaseDir)
	if err != nil {
		return nil, err
	}

	loader := courseconfig.NewLoader(cfg.Paths, courseconfig.LoadOptions{
		Course:           course.Options{AssistantPermsWarning: true},
		DefaultGraderURL: cfg.Grader.DefaultURL,
	}, log)

	return &app{
		cfg:     cfg,
		log:     log,
		reg:     reg,
		loader:  loader,
		builder: builder.New(cfg, reg, loader, log),
	}, nil
}

func (a *app) Close() {
	if err := a.reg.Close(); err != nil {
		fmt.Println("warning: closing course database:", err)
	}
}

func parseLogLevel(s string) logging.LogLevel {
	switch s {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}
