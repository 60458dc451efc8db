package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/gonnx/internal/config"
	"github.com/example/gonnx/internal/server"
	"github.com/example/gonnx/internal/session"
)

var (
	cfgFile   string
	activeCfg config.Config
)

func NewRootCmd() *cobra.Command {
	defaults := config.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "gonnx",
		Short: "Inference engine command line",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := config.Load(config.LoadOptions{
				Cmd:        cmd,
				ConfigFile: cfgFile,
				Defaults:   defaults,
			})
			if err != nil {
				return err
			}
			activeCfg = loaded
			setupLogger(loaded.LogLevel)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Optional config file (yaml|toml|json)")
	config.RegisterFlags(cmd.PersistentFlags(), defaults)

	cmd.AddCommand(newInspectCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newHealthCmd())

	return cmd
}

// setupLogger configures the process-wide slog default logger.
func setupLogger(levelStr string) {
	lvl, err := server.ParseLogLevel(levelStr)
	if err != nil {
		lvl = slog.LevelInfo
	}
	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(h))
}

func requireConfig() (config.Config, error) {
	if activeCfg.Paths.ModelPath == "" {
		return config.Config{}, fmt.Errorf("configuration not loaded")
	}
	return activeCfg, nil
}

// openSession loads the configured model into a ready session.
func openSession(cfg config.Config) (*session.Session, error) {
	level, err := config.NormalizeOptLevel(cfg.Runtime.OptLevel)
	if err != nil {
		return nil, err
	}
	return session.Open(cfg.Paths.ModelPath, session.Options{
		OptLevel:       level,
		Providers:      cfg.Runtime.Providers,
		DeviceIndex:    cfg.Runtime.DeviceIndex,
		ArenaSizeBytes: cfg.Runtime.ArenaSizeBytes(),
		IntraOpThreads: cfg.Runtime.IntraOpThreads,
	})
}
