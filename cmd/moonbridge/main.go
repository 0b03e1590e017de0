package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/moonbridge/moonbridge/pkg/auth"
	"github.com/moonbridge/moonbridge/pkg/config"
	"github.com/moonbridge/moonbridge/pkg/watchdog"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "moonbridge",
	Short: "Moonbridge - WebSocket tool-call daemon for AI providers",
	Long: `Moonbridge is a single-binary daemon that brokers tool invocations
between IDE/agent clients and upstream AI providers (Kimi/Moonshot and
GLM/ZhipuAI). It multiplexes many WebSocket clients over layered
concurrency limits, deduplicates identical in-flight calls, and keeps
conversation state across a degradable storage stack.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Moonbridge version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(rotateTokenCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of a running daemon",
	Long: `Read the daemon's health file and print a summary. The health file
location comes from --health-file or the HEALTH_FILE_PATH environment
variable.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("health-file")
		if path == "" {
			path = os.Getenv("HEALTH_FILE_PATH")
		}
		if path == "" {
			return fmt.Errorf("no health file configured; set --health-file or HEALTH_FILE_PATH")
		}

		snap, err := watchdog.ReadHealthFile(path)
		if err != nil {
			return fmt.Errorf("failed to read health file: %w", err)
		}

		fmt.Printf("Moonbridge daemon status\n")
		fmt.Printf("  Version:          %s\n", snap.Version)
		fmt.Printf("  PID:              %d\n", snap.PID)
		fmt.Printf("  Listening:        %s\n", snap.Listening)
		fmt.Printf("  Started:          %s (up %s)\n",
			snap.StartedAt.Format(time.RFC3339), time.Since(snap.StartedAt).Round(time.Second))
		fmt.Printf("  Sessions open:    %d\n", snap.SessionsOpen)
		fmt.Printf("  Inflight calls:   %d\n", snap.InflightGlobal)
		if snap.LastError != "" {
			fmt.Printf("  Last error:       %s\n", snap.LastError)
		}
		return nil
	},
}

var rotateTokenCmd = &cobra.Command{
	Use:   "rotate-token",
	Short: "Generate a new auth token and write it to the token file",
	Long: `Generate a fresh random token and write it to the daemon's token
file. A running daemon watching that file rotates to the new token
atomically; previously authenticated sessions survive, and the old token
stays valid for the configured grace window.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("token-file")
		if path == "" {
			path = os.Getenv("AUTH_TOKEN_FILE")
		}
		if path == "" {
			return fmt.Errorf("no token file configured; set --token-file or AUTH_TOKEN_FILE")
		}

		token, err := auth.Generate()
		if err != nil {
			return fmt.Errorf("failed to generate token: %w", err)
		}

		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, []byte(token+"\n"), 0o600); err != nil {
			return fmt.Errorf("failed to write token file: %w", err)
		}
		if err := os.Rename(tmp, path); err != nil {
			return fmt.Errorf("failed to install token file: %w", err)
		}

		fmt.Println(token)
		return nil
	},
}

func init() {
	statusCmd.Flags().String("health-file", "", "Path to the daemon's health file")
	rotateTokenCmd.Flags().String("token-file", "", "Path to the daemon's token file")
}

// loadBootToken resolves the initial accepted token: the token file wins
// when both are configured.
func loadBootToken(cfg *config.Config) (string, error) {
	if cfg.TokenFile != "" {
		data, err := os.ReadFile(cfg.TokenFile)
		if err == nil {
			if token := strings.TrimSpace(string(data)); token != "" {
				return token, nil
			}
		}
		if cfg.AuthToken == "" {
			return "", fmt.Errorf("token file %s is empty or unreadable and AUTH_TOKEN is unset", cfg.TokenFile)
		}
	}
	if cfg.AuthToken == "" {
		return "", fmt.Errorf("no auth token configured")
	}
	return cfg.AuthToken, nil
}
