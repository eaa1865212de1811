package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bryanchriswhite/CamStreamer/internal/drm"
	"github.com/bryanchriswhite/CamStreamer/internal/v4l2"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Describe the capture device and displays",
	Long: `Query the capture device for its capabilities, supported pixel formats and
current format. Optionally list its controls and the DRM connectors that
the display output could drive.`,
	Example: `  # Show the configured camera
  camstreamer probe

  # Show another camera with its controls, as JSON
  camstreamer probe --device /dev/video2 --controls -o json

  # Include connected displays and their modes
  camstreamer probe --drm`,
	RunE: runProbe,
}

var (
	probeOutput   string
	probeControls bool
	probeDRM      bool
)

func init() {
	rootCmd.AddCommand(probeCmd)

	probeCmd.Flags().StringVarP(&probeOutput, "output", "o", "table", "output format (table or json)")
	probeCmd.Flags().BoolVar(&probeControls, "controls", false, "list device controls")
	probeCmd.Flags().BoolVar(&probeDRM, "drm", false, "list DRM connectors and modes")
}

// ProbeReport is what probe prints.
type ProbeReport struct {
	Device     string            `json:"device"`
	Capability v4l2.Capability   `json:"capability"`
	Current    v4l2.Format       `json:"current"`
	Formats    []v4l2.FormatDesc `json:"formats"`
	Controls   []v4l2.Control    `json:"controls,omitempty"`
	Displays   []DisplayReport   `json:"displays,omitempty"`
}

// DisplayReport is one DRM connector.
type DisplayReport struct {
	Card      string   `json:"card"`
	ID        uint32   `json:"id"`
	Name      string   `json:"name"`
	Connected bool     `json:"connected"`
	Modes     []string `json:"modes"`
}

func runProbe(cmd *cobra.Command, args []string) error {
	if probeOutput != "table" && probeOutput != "json" {
		return fmt.Errorf("unsupported format: %s (use 'table' or 'json')", probeOutput)
	}

	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := configMgr.Get()
	initLogging(cfg)

	dev, err := v4l2.Open(cfg.Capture.Device)
	if err != nil {
		return err
	}
	defer dev.Close()

	report := ProbeReport{
		Device:     cfg.Capture.Device,
		Capability: dev.Capability(),
	}
	if report.Formats, err = dev.EnumFormats(); err != nil {
		return fmt.Errorf("failed to enumerate formats: %w", err)
	}
	if report.Current, err = dev.GetFormat(); err != nil {
		return fmt.Errorf("failed to read current format: %w", err)
	}
	if probeControls {
		if report.Controls, err = dev.Controls(); err != nil {
			return fmt.Errorf("failed to enumerate controls: %w", err)
		}
	}
	if probeDRM {
		report.Displays = probeDisplays(cfg.Display.Device)
	}

	if probeOutput == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(report)
	}
	printProbe(report)
	return nil
}

// probeDisplays lists connectors on one card, or on every card found.
// Cards that cannot be opened are skipped.
func probeDisplays(device string) []DisplayReport {
	paths := []string{device}
	if device == "" {
		paths = drm.CardPaths()
	}

	var out []DisplayReport
	for _, path := range paths {
		card, err := drm.Open(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "skipping %s: %v\n", path, err)
			continue
		}
		res, err := card.Resources()
		if err != nil {
			fmt.Fprintf(os.Stderr, "skipping %s: %v\n", path, err)
			card.Close()
			continue
		}
		for _, id := range res.Connectors {
			conn, err := card.Connector(id)
			if err != nil {
				continue
			}
			d := DisplayReport{
				Card:      path,
				ID:        conn.ID,
				Name:      conn.Name(),
				Connected: conn.Connection == drm.Connected,
			}
			for _, m := range conn.Modes {
				d.Modes = append(d.Modes, m.String())
			}
			out = append(out, d)
		}
		card.Close()
	}
	return out
}

func printProbe(r ProbeReport) {
	fmt.Printf("Device:   %s\n", r.Device)
	fmt.Printf("Card:     %s\n", r.Capability)
	planar := "single-planar"
	if r.Capability.MultiPlanar {
		planar = "multi-planar"
	}
	fmt.Printf("API:      %s\n", planar)
	fmt.Printf("Current:  %dx%d %s (stride %d, %d bytes)\n\n",
		r.Current.Width, r.Current.Height, r.Current.PixelFormat, r.Current.Stride, r.Current.SizeImage)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INDEX\tFOURCC\tDESCRIPTION\tCOMPRESSED")
	for _, f := range r.Formats {
		fmt.Fprintf(w, "%d\t%s\t%s\t%v\n", f.Index, f.PixelFormat, f.Description, f.Compressed)
	}
	w.Flush()

	if len(r.Controls) > 0 {
		fmt.Println()
		w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tVALUE\tMIN\tMAX\tSTEP\tDEFAULT")
		for _, c := range r.Controls {
			fmt.Fprintf(w, "0x%08x\t%s\t%d\t%d\t%d\t%d\t%d\n", c.ID, c.Name, c.Value, c.Min, c.Max, c.Step, c.Default)
		}
		w.Flush()
	}

	if len(r.Displays) > 0 {
		fmt.Println()
		w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "CARD\tCONNECTOR\tID\tCONNECTED\tMODES")
		for _, d := range r.Displays {
			modes := fmt.Sprint(len(d.Modes))
			if len(d.Modes) > 0 {
				modes = fmt.Sprintf("%d (first %s)", len(d.Modes), d.Modes[0])
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%v\t%s\n", d.Card, d.Name, d.ID, d.Connected, modes)
		}
		w.Flush()
	}
}
