package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/psantana5/reftrack/pkg/models"
	"github.com/spf13/cobra"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Collector health and capture summary",
	Long:  `Check collector reachability and display capture counts grouped by status.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

type healthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type statusSummary struct {
	Collector     string         `json:"collector"`
	Health        healthResponse `json:"health"`
	Captures      map[string]int `json:"captures"`
	TotalCaptures int            `json:"total_captures"`
	LiveInstances int            `json:"live_instances"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	health, err := fetchHealth()
	if err != nil {
		return err
	}

	summary := statusSummary{
		Collector: GetCollectorURL(),
		Health:    *health,
		Captures:  make(map[string]int),
	}

	// Capture counts are best effort: an unhealthy store still has health to report
	if result, err := fetchCaptures(""); err == nil {
		summary.TotalCaptures = result.Count
		for _, c := range result.Captures {
			summary.Captures[string(c.Status)]++
			if models.IsActiveState(c.Status) {
				summary.LiveInstances += c.LiveInstances
			}
		}
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(summary, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")

	table.Append("Collector", summary.Collector)
	table.Append("Health", summary.Health.Status)
	if summary.Health.Error != "" {
		table.Append("Health Error", summary.Health.Error)
	}
	table.Append("Total Captures", fmt.Sprintf("%d", summary.TotalCaptures))
	for _, status := range []models.CaptureStatus{
		models.CaptureStatusRecording,
		models.CaptureStatusDraining,
		models.CaptureStatusLost,
		models.CaptureStatusReported,
		models.CaptureStatusAborted,
	} {
		if n := summary.Captures[string(status)]; n > 0 {
			table.Append("  "+string(status), fmt.Sprintf("%d", n))
		}
	}
	table.Append("Live Instances", fmt.Sprintf("%d", summary.LiveInstances))

	table.Render()

	if summary.Health.Status != "healthy" {
		return fmt.Errorf("collector is %s", summary.Health.Status)
	}
	return nil
}

func fetchHealth() (*healthResponse, error) {
	u := fmt.Sprintf("%s/health", GetCollectorURL())

	httpReq, err := CreateAuthenticatedRequest("GET", u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	client := GetHTTPClient()
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to collector API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	// An unhealthy collector answers 503 with the same JSON shape
	var health healthResponse
	if err := json.Unmarshal(body, &health); err != nil {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	return &health, nil
}
