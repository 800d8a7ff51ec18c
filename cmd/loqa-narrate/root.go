package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/loqalabs/loqa-narrate/internal/config"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "loqa-narrate.yaml"

type globals struct {
	configPath string
	envFile    string
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:          "loqa-narrate",
		Short:        "Narrate documents into audiobooks with TTS and voice conversion",
		SilenceUsage: true,
		Version:      version,
	}
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return g.loadEnv()
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", defaultConfigPath, "Path to configuration file")
	root.PersistentFlags().StringVar(&g.envFile, "env-file", ".env", "Environment file loaded before LOQA_* overrides")

	root.AddCommand(
		newRunCmd(g),
		newChunksCmd(g),
		newVoicesCmd(g),
		newStatusCmd(g),
		newVersionCmd(),
	)
	return root
}

// loadEnv reads the env file when present. Variables already set in the
// environment win.
func (g *globals) loadEnv() error {
	if g.envFile == "" {
		return nil
	}
	info, err := os.Stat(g.envFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat env file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("env file %s is not a regular file", g.envFile)
	}
	if err := godotenv.Load(g.envFile); err != nil {
		return fmt.Errorf("load env file %s: %w", g.envFile, err)
	}
	return nil
}

// loadConfig reads the configuration file. A missing default file falls back
// to built-in defaults; an explicitly named one must exist.
func (g *globals) loadConfig(cmd *cobra.Command) (config.Config, error) {
	path := g.configPath
	if !cmd.Flags().Changed("config") {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}
	return config.Load(path)
}

func newLogger(cfg config.TelemetryConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
