package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	initCollector string
	initAPIKey    string
	initCAFile    string
	initForce     bool
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage CLI configuration",
	Long:  `Commands for creating and inspecting the reftrack CLI configuration file.`,
}

// configInitCmd represents the config init command
var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file",
	Long:  `Write $HOME/.reftrack/config.yaml with the collector URL and credentials so they do not have to be passed on every call.`,
	RunE:  runConfigInit,
}

// configShowCmd represents the config show command
var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long:  `Print the configuration the CLI resolved from flags, environment variables, and the config file.`,
	RunE:  runConfigShow,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)

	configInitCmd.Flags().StringVar(&initCollector, "collector-url", "http://localhost:9300", "collector API URL to store")
	configInitCmd.Flags().StringVar(&initAPIKey, "set-api-key", "", "API key to store")
	configInitCmd.Flags().StringVar(&initCAFile, "ca-file", "", "CA bundle path to store")
	configInitCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
}

type cliConfig struct {
	CollectorURL string `yaml:"collector_url"`
	APIKey       string `yaml:"api_key,omitempty"`
	CAFile       string `yaml:"ca_file,omitempty"`
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to find home directory: %w", err)
	}

	configDir := filepath.Join(home, ".reftrack")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("failed to create %s: %w", configDir, err)
	}

	configPath := filepath.Join(configDir, "config.yaml")
	if _, err := os.Stat(configPath); err == nil && !initForce {
		return fmt.Errorf("%s already exists, pass --force to overwrite", configPath)
	}

	data, err := yaml.Marshal(cliConfig{
		CollectorURL: initCollector,
		APIKey:       initAPIKey,
		CAFile:       initCAFile,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// The file may hold an API key, keep it owner-readable
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("✓ Config written to %s\n", configPath)
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	effective := cliConfig{
		CollectorURL: GetCollectorURL(),
		CAFile:       caFile,
	}
	if GetAPIKey() != "" {
		effective.APIKey = "(set)"
	}

	data, err := yaml.Marshal(effective)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	fmt.Print(string(data))
	return nil
}
