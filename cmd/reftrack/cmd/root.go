package cmd

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/psantana5/reftrack/pkg/tlsutil"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	collectorURL string
	outputFormat string
	cfgFile      string
	apiKey       string
	caFile       string
	insecure     bool

	httpClient *http.Client
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "reftrack",
	Short: "CLI for the reftrack leak collector",
	Long:  `reftrack is a command line interface for inspecting reference-count captures and leak reports stored by a trackd collector.`,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.reftrack/config)")
	rootCmd.PersistentFlags().StringVar(&collectorURL, "collector", "", "collector API URL (default from config or http://localhost:9300)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key (default from config or REFTRACK_API_KEY)")
	rootCmd.PersistentFlags().StringVar(&caFile, "ca", "", "CA bundle for verifying the collector certificate")
	rootCmd.PersistentFlags().BoolVar(&insecure, "insecure", false, "skip TLS certificate verification")
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			os.Exit(1)
		}

		// Search config in home directory with name ".reftrack/config" (without extension)
		configDir := filepath.Join(home, ".reftrack")
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.AutomaticEnv() // read in environment variables that match

	// Bind specific environment variables
	viper.BindEnv("api_key", "REFTRACK_API_KEY")
	viper.BindEnv("collector_url", "REFTRACK_COLLECTOR")

	// If a config file is found, read it in
	if err := viper.ReadInConfig(); err == nil {
		if viper.GetString("collector_url") != "" && collectorURL == "" {
			collectorURL = viper.GetString("collector_url")
		}
		if viper.GetString("ca_file") != "" && caFile == "" {
			caFile = viper.GetString("ca_file")
		}
	}

	// Check environment variables if not set from config
	if apiKey == "" && viper.GetString("api_key") != "" {
		apiKey = viper.GetString("api_key")
	}
	if collectorURL == "" && viper.GetString("collector_url") != "" {
		collectorURL = viper.GetString("collector_url")
	}

	// Set default if still empty
	if collectorURL == "" {
		collectorURL = "http://localhost:9300"
	}
}

// GetCollectorURL returns the configured collector URL with trailing slashes removed
func GetCollectorURL() string {
	return strings.TrimRight(collectorURL, "/")
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

// GetAPIKey returns the configured API key
func GetAPIKey() string {
	return apiKey
}

// CreateAuthenticatedRequest creates an HTTP request with authentication header if API key is configured
func CreateAuthenticatedRequest(method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, err
	}

	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	return req, nil
}

// GetHTTPClient returns a shared client honoring the TLS flags
func GetHTTPClient() *http.Client {
	if httpClient != nil {
		return httpClient
	}

	httpClient = &http.Client{Timeout: 30 * time.Second}
	if insecure || caFile != "" {
		tlsConfig, err := tlsutil.ClientConfig(caFile, insecure)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to load CA bundle: %v\n", err)
		} else {
			httpClient.Transport = &http.Transport{TLSClientConfig: tlsConfig}
		}
	}
	return httpClient
}
