package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xlog/adapter/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/trickstertwo/xrelay/internal/config"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "xrelayd",
		Short:         "xrelay daemon",
		Long:          "xrelayd routes inbound requests to topic workers and replies over the configured transport.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("config", os.Getenv("XRELAY_CONFIG"), "Config file (.yaml or .json); defaults apply when empty")

	serveCmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the relay until SIGINT/SIGTERM",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
				cfg.Log.Level = lvl
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, newLogger(cfg.Log))
		},
	}
	serveCmd.Flags().String("log-level", "", "Override log level: debug|info|warn|error")
	rootCmd.AddCommand(serveCmd)

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			asJSON, _ := cmd.Flags().GetBool("json")
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(cfg.Redacted())
			}
			enc := yaml.NewEncoder(out)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg.Redacted())
		},
	}
	configCmd.Flags().Bool("json", false, "Print JSON instead of YAML")
	rootCmd.AddCommand(configCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "xrelayd:", err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return cfg, err
		}
	}
	if err := config.FromEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func newLogger(c config.LogConfig) *xlog.Logger {
	return zerolog.Use(zerolog.Config{
		MinLevel:          parseLevel(c.Level),
		Console:           c.Console,
		ConsoleTimeFormat: time.RFC3339Nano,
		Caller:            c.Caller,
		CallerSkip:        5,
	}).With(xlog.Str("app", "xrelayd"))
}

func parseLevel(s string) xlog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return xlog.LevelDebug
	case "warn":
		return xlog.LevelWarn
	case "error":
		return xlog.LevelError
	default:
		return xlog.LevelInfo
	}
}
