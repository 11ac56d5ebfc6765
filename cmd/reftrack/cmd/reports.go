package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/psantana5/reftrack/pkg/models"
	"github.com/spf13/cobra"
)

var fullBacktraces bool

// reportCmd represents the report command
var reportCmd = &cobra.Command{
	Use:   "report <capture-id>",
	Short: "Show the leak report for a capture",
	Long: `Retrieve the stored leak report for a capture and display the cells
that were still alive when the report was cut, together with the
acquire events that were never matched by a release.`,
	Args: cobra.ExactArgs(1),
	RunE: runReport,
}

// reportsCmd represents the reports command
var reportsCmd = &cobra.Command{
	Use:   "reports",
	Short: "List stored leak reports",
	Long:  `Retrieve and display a summary of every leak report stored by the collector.`,
	RunE:  runReportsList,
}

func init() {
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(reportsCmd)

	reportCmd.Flags().BoolVar(&fullBacktraces, "full", false, "include the full call stack of every unmatched event")
}

type reportsListResponse struct {
	Reports []models.ReportEnvelope `json:"reports"`
	Count   int                     `json:"count"`
}

func runReport(cmd *cobra.Command, args []string) error {
	captureID := args[0]
	u := fmt.Sprintf("%s/captures/%s/report", GetCollectorURL(), captureID)

	httpReq, err := CreateAuthenticatedRequest("GET", u, nil)
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

	var env models.ReportEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(env, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")

	table.Append("Capture", env.CaptureID)
	table.Append("Completed At", env.CompletedAt.Format(time.RFC3339))
	table.Append("Success", fmt.Sprintf("%t", env.Report.Success))
	table.Append("Instances Created", fmt.Sprintf("%d", env.Report.InstancesCreated))
	table.Append("Leaked", fmt.Sprintf("%d", env.Report.Leaked()))

	table.Render()

	if env.Report.Success {
		fmt.Println("\n✓ Every cell created during this capture was released")
		return nil
	}

	for _, inst := range env.Report.Instances {
		fmt.Println()
		header := fmt.Sprintf("Instance #%d", inst.ID)
		if inst.Label != "" {
			header += fmt.Sprintf(" (%s)", inst.Label)
		}
		fmt.Printf("%s, %d unmatched events:\n", header, len(inst.Backtraces))

		for _, rec := range inst.Backtraces {
			line := fmt.Sprintf("  [%s] handle %d", rec.Type, rec.Handle.ID)
			if rec.Handle.Site != "" {
				line += " at " + rec.Handle.Site
			}
			fmt.Println(line)

			if fullBacktraces {
				for _, frame := range rec.Lines {
					fmt.Printf("      %s\n", frame)
				}
			}
		}
	}

	if !fullBacktraces {
		fmt.Println("\nRun with --full to include call stacks")
	}

	return nil
}

func runReportsList(cmd *cobra.Command, args []string) error {
	u := fmt.Sprintf("%s/reports", GetCollectorURL())

	httpReq, err := CreateAuthenticatedRequest("GET", u, nil)
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

	var result reportsListResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	if len(result.Reports) == 0 {
		fmt.Println("No reports stored")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Capture", "Completed", "Success", "Created", "Leaked")

	for _, env := range result.Reports {
		table.Append(
			shortID(env.CaptureID),
			env.CompletedAt.Format("2006-01-02 15:04"),
			fmt.Sprintf("%t", env.Report.Success),
			fmt.Sprintf("%d", env.Report.InstancesCreated),
			fmt.Sprintf("%d", env.Report.Leaked()),
		)
	}

	table.Render()
	fmt.Printf("\nTotal reports: %d\n", result.Count)
	return nil
}
