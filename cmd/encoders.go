package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/smazurov/restreamer/internal/encoders"
	"github.com/smazurov/restreamer/internal/logging"
)

const probeTimeout = 15 * time.Second

// CreateEncodersCmd creates the encoders command.
func CreateEncodersCmd() *cobra.Command {
	var binary string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "encoders",
		Short: "Detect hardware video encoders",
		Long: `Asks the encoder binary which H.264 encoders it was built with and reports the ` +
			`recognized hardware encoders in priority order.`,
		Args: cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			logging.Initialize(logging.Config{Level: "warn", Format: "text"})

			ctx, cancel := context.WithTimeout(c.Context(), probeTimeout)
			defer cancel()

			detection := encoders.NewDetector(binary).Detect(ctx)
			return printDetection(c, detection, asJSON)
		},
	}

	cmd.Flags().StringVar(&binary, "ffmpeg", "ffmpeg", "Encoder binary to probe")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the detection as JSON")

	return cmd
}

func printDetection(c *cobra.Command, d encoders.Detection, asJSON bool) error {
	out := c.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(d)
	}

	if d.Error != "" {
		fmt.Fprintf(c.ErrOrStderr(), "probe failed: %s\n", d.Error)
	}
	if !d.HasHardware() {
		fmt.Fprintf(out, "No hardware encoder found, using %s\n", encoders.Software)
		return nil
	}
	fmt.Fprintf(out, "Preferred: %s\n", d.Preferred)
	for _, name := range d.Available {
		fmt.Fprintf(out, "  %s\n", name)
	}
	return nil
}
