package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/psantana5/reftrack/pkg/models"
	"github.com/spf13/cobra"
)

var (
	watchInterval time.Duration
	watchAll      bool
)

// watchCmd represents the watch command
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live view of captures",
	Long: `Watch polls the collector and redraws a table of captures until
interrupted. By default only active captures are shown.

Example:
  reftrack watch
  reftrack watch --interval 5s --all`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().DurationVar(&watchInterval, "interval", 2*time.Second, "how often to refresh")
	watchCmd.Flags().BoolVar(&watchAll, "all", false, "include finished captures")
}

func runWatch(cmd *cobra.Command, args []string) error {
	if IsJSONOutput() {
		return fmt.Errorf("watch only supports table output")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	for {
		if err := renderWatchFrame(); err != nil {
			return err
		}

		select {
		case <-sigChan:
			fmt.Println("\nStopped.")
			return nil
		case <-ticker.C:
		}
	}
}

func renderWatchFrame() error {
	result, err := fetchCaptures("")
	if err != nil {
		return err
	}

	captures := result.Captures
	if !watchAll {
		active := captures[:0]
		for _, c := range captures {
			if models.IsActiveState(c.Status) {
				active = append(active, c)
			}
		}
		captures = active
	}

	// Clear screen before redrawing
	fmt.Print("\033[H\033[2J")
	fmt.Printf("Captures on %s at %s (refresh %s, Ctrl+C to stop)\n\n",
		GetCollectorURL(), time.Now().Format("15:04:05"), watchInterval)

	if len(captures) == 0 {
		if watchAll {
			fmt.Println("No captures found")
		} else {
			fmt.Println("No active captures")
		}
		return nil
	}

	renderCapturesTable(captures)
	return nil
}
