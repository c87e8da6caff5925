package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/smazurov/restreamer/internal/assets"
	"github.com/smazurov/restreamer/internal/encoders"
	"github.com/smazurov/restreamer/internal/logging"
	"github.com/smazurov/restreamer/internal/streams"
	"github.com/smazurov/restreamer/internal/streams/store"
)

// CreateCommandCmd creates the command command. It prints the encoder
// invocation a stream would be started with, without starting it.
func CreateCommandCmd() *cobra.Command {
	var (
		storeFile   string
		catalogFile string
		mediaRoot   string
		binary      string
		software    bool
		keyframes   int
	)

	cmd := &cobra.Command{
		Use:   "command [stream-id]",
		Short: "Print the encoder command for a stream",
		Long: `Loads the stream from the store, resolves its source against the asset catalog ` +
			`and prints the encoder command line. No playlist manifest is written.`,
		Args: cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			streamID := args[0]
			logging.Initialize(logging.Config{Level: "warn", Format: "text"})

			streamStore := store.NewTOML(storeFile)
			if err := streamStore.Load(); err != nil {
				return fmt.Errorf("load stream store %s: %w", storeFile, err)
			}
			stream, err := streamStore.GetStream(streamID)
			if err != nil {
				return err
			}

			f, err := assets.LoadFile(catalogFile)
			if err != nil {
				return fmt.Errorf("load asset catalog %s: %w", catalogFile, err)
			}

			processor := streams.NewProcessor(streams.ProcessorConfig{
				Binary:               binary,
				HardwareAcceleration: !software,
				KeyframeSeconds:      keyframes,
			}, assets.NewCatalog(mediaRoot, f), encoders.NewDetector(binary))

			processed, err := processor.ProcessStream(c.Context(), stream, streams.ProcessOptions{
				ForceSoftware: software,
				DryRun:        true,
			})
			if err != nil {
				return err
			}

			fmt.Fprintln(c.OutOrStdout(), processed.Command())
			return nil
		},
	}

	cmd.Flags().StringVar(&storeFile, "store", "streams.toml", "Stream and schedule store")
	cmd.Flags().StringVar(&catalogFile, "catalog", "assets.toml", "Video and playlist catalog")
	cmd.Flags().StringVar(&mediaRoot, "media-root", "media", "Directory relative video paths resolve against")
	cmd.Flags().StringVar(&binary, "ffmpeg", "ffmpeg", "Encoder binary")
	cmd.Flags().BoolVar(&software, "software", false, "Use the software encoder")
	cmd.Flags().IntVar(&keyframes, "keyframe-interval", 2, "Keyframe interval in seconds")

	return cmd
}
