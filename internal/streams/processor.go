package streams

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/smazurov/restreamer/internal/encoders"
	"github.com/smazurov/restreamer/internal/ffmpeg"
)

// DefaultLoopRepeats is how many times a looping playlist is written into
// its concat manifest.
const DefaultLoopRepeats = 1000

const redactedKey = "***"

// ProcessorConfig holds the runtime settings injected into every invocation.
type ProcessorConfig struct {
	Binary               string
	TempDir              string
	HardwareAcceleration bool
	KeyframeSeconds      int
	LoopRepeats          int
}

// Processor turns a StreamConfig into a concrete encoder invocation by
// resolving assets, writing playlist manifests and selecting the encoder.
type Processor struct {
	cfg      ProcessorConfig
	assets   AssetResolver
	encoders EncoderSelector
}

// NewProcessor creates a Processor.
func NewProcessor(cfg ProcessorConfig, assets AssetResolver, selector EncoderSelector) *Processor {
	if cfg.Binary == "" {
		cfg.Binary = "ffmpeg"
	}
	if cfg.TempDir == "" {
		cfg.TempDir = "temp"
	}
	if cfg.LoopRepeats <= 0 {
		cfg.LoopRepeats = DefaultLoopRepeats
	}
	return &Processor{cfg: cfg, assets: assets, encoders: selector}
}

// ProcessOptions alter a single invocation.
type ProcessOptions struct {
	// ForceSoftware selects the software encoder regardless of detection
	ForceSoftware bool
	// DryRun skips writing the playlist manifest
	DryRun bool
}

// ProcessedStream is a stream with all runtime data injected.
type ProcessedStream struct {
	// StreamID is the unique identifier for this stream
	StreamID string

	// Binary and Args are ready to execute
	Binary string
	Args   []string

	// Encoder is the selected video encoder, empty in copy mode
	Encoder string

	// Manifest is the concat manifest path for playlists
	Manifest string

	egressKey string
}

// Command renders the invocation as a single line.
func (p *ProcessedStream) Command() string {
	return ffmpeg.CommandString(p.Binary, p.Args)
}

// RedactedCommand is Command with the egress stream key masked, for logs.
func (p *ProcessedStream) RedactedCommand() string {
	if p.egressKey == "" {
		return p.Command()
	}
	suffix := "/" + p.egressKey
	args := make([]string, len(p.Args))
	for i, a := range p.Args {
		if strings.HasSuffix(a, suffix) {
			a = strings.TrimSuffix(a, p.egressKey) + redactedKey
		}
		args[i] = a
	}
	return ffmpeg.CommandString(p.Binary, args)
}

// ManifestPath returns where the playlist manifest for streamID lives.
func (p *Processor) ManifestPath(streamID string) string {
	return ffmpeg.ManifestPath(p.cfg.TempDir, streamID)
}

// TempDir is the directory holding playlist manifests.
func (p *Processor) TempDir() string {
	return p.cfg.TempDir
}

// ProcessStream builds the invocation for stream. Configuration problems
// come back as a *StreamError.
func (p *Processor) ProcessStream(ctx context.Context, stream StreamConfig, opts ProcessOptions) (*ProcessedStream, error) {
	outputURL, err := ffmpeg.EgressURL(stream.EgressURL, stream.EgressKey)
	if err != nil {
		return nil, NewStreamError(ErrCodeInvalidConfig, "invalid egress", err)
	}

	source, err := p.assets.Resolve(stream.Source)
	if err != nil {
		if errors.Is(err, ErrAssetMissing) || errors.Is(err, ErrNotFound) {
			return nil, NewStreamError(ErrCodeAssetMissing, "source unavailable", err)
		}
		return nil, NewStreamError(ErrCodeInvalidConfig, "cannot resolve source", err)
	}
	if len(source.Files) == 0 {
		return nil, NewStreamError(ErrCodeAssetMissing, "source has no files", nil)
	}

	processed := &ProcessedStream{StreamID: stream.ID, egressKey: strings.TrimSpace(stream.EgressKey)}
	params := ffmpeg.Params{
		Binary:          p.cfg.Binary,
		Mode:            stream.Mode,
		Width:           stream.Profile.Width,
		Height:          stream.Profile.Height,
		BitrateKbps:     stream.Profile.BitrateKbps,
		FPS:             stream.Profile.FPS,
		KeyframeSeconds: p.cfg.KeyframeSeconds,
		OutputURL:       outputURL,
	}

	if source.Playlist {
		manifest := p.ManifestPath(stream.ID)
		repeats := 1
		if stream.Loop {
			repeats = p.cfg.LoopRepeats
		}
		if !opts.DryRun {
			if err := ffmpeg.WriteConcatManifest(manifest, source.Files, repeats); err != nil {
				return nil, NewStreamError(ErrCodeSpawnFailed, "cannot write playlist manifest", err)
			}
		}
		params.InputPath = manifest
		params.Concat = true
		processed.Manifest = manifest
	} else {
		params.InputPath = source.Files[0]
		params.Loop = stream.Loop
	}

	if params.Mode == "" {
		params.Mode = ffmpeg.ModeCopy
	}
	if params.Mode == ffmpeg.ModeProfile {
		encoder := p.encoders.Select(ctx, p.cfg.HardwareAcceleration && !opts.ForceSoftware)
		params.Encoder = encoder
		params.Preset = encoders.Preset(encoder)
		params.ExtraArgs = encoders.ExtraArgs(encoder)
		processed.Encoder = encoder
	}

	binary, args, err := ffmpeg.BuildArgs(params)
	if err != nil {
		return nil, NewStreamError(ErrCodeInvalidConfig, fmt.Sprintf("cannot build %s arguments", params.Mode), err)
	}
	processed.Binary = binary
	processed.Args = args
	return processed, nil
}
