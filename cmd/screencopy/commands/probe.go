package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/bryanchriswhite/screencopy/internal/capture"
	"github.com/bryanchriswhite/screencopy/internal/sim"
	"github.com/spf13/cobra"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Show the advertised capture globals and the chosen dialect",
	Long: `List the capture interfaces the compositor advertises and report which
capture dialect a new capturer would use.`,
	Example: `  # Probe in table format (default)
  screencopy probe

  # Probe in JSON format
  screencopy probe --format json`,
	RunE: runProbe,
}

var probeFormat string

func init() {
	rootCmd.AddCommand(probeCmd)

	probeCmd.Flags().StringVarP(&probeFormat, "format", "f", "table", "output format (table or json)")
}

// ProbeResult is what probe reports.
type ProbeResult struct {
	Output     string   `json:"output"`
	Globals    []string `json:"globals"`
	Dialect    string   `json:"dialect"`
	Cursor     bool     `json:"cursor_capture"`
	Dmabuf     bool     `json:"dmabuf"`
	Resolution string   `json:"resolution"`
}

func probe(comp *sim.Compositor, output string) ProbeResult {
	globals := comp.Globals()
	profile := comp.Profile()
	kind := capture.NewDispatcher(globals, nil).Select()

	return ProbeResult{
		Output:     output,
		Globals:    globals.Advertised(),
		Dialect:    kind.String(),
		Cursor:     kind != capture.KindNone && profile.Cursor,
		Dmabuf:     profile.Dmabuf,
		Resolution: fmt.Sprintf("%dx%d", profile.Width, profile.Height),
	}
}

func runProbe(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := configMgr.Get()
	result := probe(sim.New(profileFor(cfg, false, 1)), cfg.Capture.Output)

	switch probeFormat {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	case "table":
		fmt.Printf("Output:      %s (%s)\n", result.Output, result.Resolution)
		if len(result.Globals) == 0 {
			fmt.Println("Globals:     none")
		} else {
			fmt.Printf("Globals:     %s\n", strings.Join(result.Globals, "\n             "))
		}
		fmt.Printf("Dialect:     %s\n", result.Dialect)
		fmt.Printf("Cursor:      %t\n", result.Cursor)
		fmt.Printf("Dmabuf:      %t\n", result.Dmabuf)
		if result.Dialect == capture.KindNone.String() {
			return capture.ErrNoCaptureProtocol
		}
		return nil
	default:
		return fmt.Errorf("unsupported format: %s (use 'table' or 'json')", probeFormat)
	}
}
