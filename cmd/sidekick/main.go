package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/sidekick-bot/sidekick/internal/app"
	"github.com/sidekick-bot/sidekick/internal/config"
)

func main() {
	// A .env file is optional; real environment variables win.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:          "sidekick",
		Short:        "Persistent chat-ops assistant for Discord and Signal",
		RunE:         runBot,
		SilenceUsage: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "path to YAML config file (default: $SIDEKICK_CONFIG)")
	pf.String("log-level", "", "override log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("dry-run", false, "echo what would be processed instead of calling the model")

	mcpCmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the tool registry over stdio MCP",
		RunE:  runMCP,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println("sidekick", config.Version)
		},
	}

	rootCmd.AddCommand(mcpCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runBot(cmd *cobra.Command, _ []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	if dry, _ := cmd.Flags().GetBool("dry-run"); dry {
		cfg.DryRun = true
	}

	a, err := app.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return a.Run(ctx)
}

func runMCP(cmd *cobra.Command, _ []string) error {
	dataDir := os.Getenv("SIDEKICK_DATA_DIR")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve home dir: %w", err)
		}
		dataDir = filepath.Join(home, ".local", "share", "sidekick")
	}

	level, _ := cmd.Flags().GetString("log-level")
	if level == "" {
		level = "info"
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return app.RunMCP(ctx, dataDir, level, "text")
}
