package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/psantana5/reftrack/pkg/models"
	"github.com/spf13/cobra"
)

var (
	// Capture list flags
	statusFilter string

	// Capture abort flags
	abortReason string
)

// capturesCmd represents the captures command
var capturesCmd = &cobra.Command{
	Use:   "captures",
	Short: "Manage leak captures",
	Long:  `Commands for listing, inspecting, and finishing captures registered with the collector.`,
}

// capturesListCmd represents the captures list command
var capturesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List captures",
	Long:  `Retrieve and display captures from the collector, optionally filtered by status.`,
	RunE:  runCapturesList,
}

// capturesDescribeCmd represents the captures describe command
var capturesDescribeCmd = &cobra.Command{
	Use:   "describe <capture-id>",
	Short: "Get detailed information about a capture",
	Long:  `Retrieve counters, labels, and the full status history for a specific capture.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runCapturesDescribe,
}

// capturesAbortCmd represents the captures abort command
var capturesAbortCmd = &cobra.Command{
	Use:   "abort <capture-id>",
	Short: "Abort a capture",
	Long:  `Mark a capture as aborted. Aborted captures no longer accept heartbeats or reports.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runCapturesAbort,
}

// capturesDeleteCmd represents the captures delete command
var capturesDeleteCmd = &cobra.Command{
	Use:   "delete <capture-id>",
	Short: "Delete a capture",
	Long:  `Remove a capture and its stored report from the collector.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runCapturesDelete,
}

func init() {
	rootCmd.AddCommand(capturesCmd)
	capturesCmd.AddCommand(capturesListCmd)
	capturesCmd.AddCommand(capturesDescribeCmd)
	capturesCmd.AddCommand(capturesAbortCmd)
	capturesCmd.AddCommand(capturesDeleteCmd)

	capturesListCmd.Flags().StringVar(&statusFilter, "status", "", "filter by status (recording, draining, lost, reported, aborted)")
	capturesAbortCmd.Flags().StringVar(&abortReason, "reason", "", "reason recorded on the capture")
}

type capturesListResponse struct {
	Captures []models.Capture `json:"captures"`
	Count    int              `json:"count"`
}

func fetchCaptures(status string) (*capturesListResponse, error) {
	u := fmt.Sprintf("%s/captures", GetCollectorURL())
	if status != "" {
		u += "?status=" + url.QueryEscape(status)
	}

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

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var result capturesListResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	return &result, nil
}

func runCapturesList(cmd *cobra.Command, args []string) error {
	result, err := fetchCaptures(statusFilter)
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	if len(result.Captures) == 0 {
		fmt.Println("No captures found")
		return nil
	}

	renderCapturesTable(result.Captures)
	fmt.Printf("\nTotal captures: %d\n", result.Count)
	return nil
}

func renderCapturesTable(captures []models.Capture) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Name", "Host", "PID", "Status", "Live", "Created", "Heartbeat")

	for _, c := range captures {
		table.Append(
			shortID(c.ID),
			c.Name,
			c.Hostname,
			fmt.Sprintf("%d", c.PID),
			string(c.Status),
			fmt.Sprintf("%d", c.LiveInstances),
			fmt.Sprintf("%d", c.CreatedInstances),
			humanAge(c.LastHeartbeat),
		)
	}

	table.Render()
}

func runCapturesDescribe(cmd *cobra.Command, args []string) error {
	capture, err := fetchCapture(args[0])
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(capture, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")

	table.Append("ID", capture.ID)
	table.Append("Name", capture.Name)
	table.Append("Hostname", capture.Hostname)
	table.Append("PID", fmt.Sprintf("%d", capture.PID))
	if capture.GoVersion != "" {
		table.Append("Go Version", capture.GoVersion)
	}
	table.Append("Status", string(capture.Status))
	table.Append("Live Instances", fmt.Sprintf("%d", capture.LiveInstances))
	table.Append("Created Instances", fmt.Sprintf("%d", capture.CreatedInstances))
	if capture.LiveHandles > 0 {
		table.Append("Live Handles", fmt.Sprintf("%d", capture.LiveHandles))
	}
	table.Append("Started At", capture.StartedAt.Format(time.RFC3339))
	table.Append("Last Heartbeat", capture.LastHeartbeat.Format(time.RFC3339))
	if capture.FinishedAt != nil {
		table.Append("Finished At", capture.FinishedAt.Format(time.RFC3339))
	}
	if capture.Error != "" {
		table.Append("Error", capture.Error)
	}
	if len(capture.Labels) > 0 {
		table.Append("Labels", formatLabels(capture.Labels))
	}

	table.Render()

	if len(capture.StateTransitions) > 0 {
		fmt.Println("\nStatus history:")
		for _, tr := range capture.StateTransitions {
			line := fmt.Sprintf("  %s  %s -> %s", tr.Timestamp.Format(time.RFC3339), tr.From, tr.To)
			if tr.Reason != "" {
				line += fmt.Sprintf(" (%s)", tr.Reason)
			}
			fmt.Println(line)
		}
	}

	return nil
}

func fetchCapture(captureID string) (*models.Capture, error) {
	u := fmt.Sprintf("%s/captures/%s", GetCollectorURL(), captureID)

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

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var result models.Capture
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	return &result, nil
}

func runCapturesAbort(cmd *cobra.Command, args []string) error {
	captureID := args[0]
	u := fmt.Sprintf("%s/captures/%s/abort", GetCollectorURL(), captureID)

	var reqBody io.Reader
	if abortReason != "" {
		payload, err := json.Marshal(map[string]string{"reason": abortReason})
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewBuffer(payload)
	}

	httpReq, err := CreateAuthenticatedRequest("POST", u, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if reqBody != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	client := GetHTTPClient()
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to connect to collector API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var ack map[string]string
	if err := json.Unmarshal(body, &ack); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if ack["status"] == "already aborted" {
		fmt.Printf("Capture %s was already aborted\n", captureID)
	} else {
		fmt.Printf("✓ Capture %s aborted\n", captureID)
	}
	return nil
}

func runCapturesDelete(cmd *cobra.Command, args []string) error {
	captureID := args[0]
	u := fmt.Sprintf("%s/captures/%s", GetCollectorURL(), captureID)

	httpReq, err := CreateAuthenticatedRequest("DELETE", u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	client := GetHTTPClient()
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to connect to collector API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	fmt.Printf("✓ Capture %s deleted\n", captureID)
	return nil
}

// shortID trims a UUID down to its first group for table display
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// humanAge renders a timestamp as time elapsed since it
func humanAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t).Round(time.Second)
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%s ago", d)
}

func formatLabels(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%s", k, labels[k]))
	}
	return strings.Join(pairs, ", ")
}
