package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const envConfigPath = "THREADLANE_CONFIG"

var (
	configPath string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:   "threadlane",
	Short: "Conversation dispatch gateway",
	Long:  "threadlane routes chat messages from WebSocket, Telegram, and terminal clients to message handlers and streams their replies back.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return prepareEnv(envFile, configPath)
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.json (overrides "+envConfigPath+")")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before config")
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// prepareEnv loads the dotenv file when present and pins the config path.
func prepareEnv(dotenvPath, cfgPath string) error {
	if dotenvPath = strings.TrimSpace(dotenvPath); dotenvPath != "" {
		if err := godotenv.Load(dotenvPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", dotenvPath, err)
		}
	}
	if cfgPath = strings.TrimSpace(cfgPath); cfgPath != "" {
		return os.Setenv(envConfigPath, cfgPath)
	}
	return nil
}
