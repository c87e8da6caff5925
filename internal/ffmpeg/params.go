package ffmpeg

// Mode selects how the source is pushed to the egress.
type Mode string

const (
	// ModeCopy remuxes the source without re-encoding.
	ModeCopy Mode = "copy"
	// ModeProfile re-encodes to a fixed resolution, bitrate and frame rate.
	ModeProfile Mode = "profile"
)

// Profile defaults applied when a stream leaves a field unset.
const (
	DefaultWidth           = 1280
	DefaultHeight          = 720
	DefaultBitrateKbps     = 2500
	DefaultFPS             = 30
	DefaultKeyframeSeconds = 2
)

// Params represents everything needed to build one encoder invocation.
type Params struct {
	Binary string // defaults to "ffmpeg"

	// Input
	InputPath string // media file, or concat manifest when Concat is set
	Concat    bool
	Loop      bool // loop a single input forever; playlists loop through the manifest

	// Encoding
	Mode            Mode
	Encoder         string   // h264_nvenc, libx264, ...; profile mode only
	Preset          string   // empty means no -preset flag
	ExtraArgs       []string // encoder specific flags
	Width           int
	Height          int
	BitrateKbps     int
	FPS             int
	KeyframeSeconds int

	// Output
	OutputURL string // full egress URL including key
}

// withDefaults fills unset profile fields.
func (p Params) withDefaults() Params {
	if p.Binary == "" {
		p.Binary = "ffmpeg"
	}
	if p.Mode == "" {
		p.Mode = ModeCopy
	}
	if p.Width <= 0 || p.Height <= 0 {
		p.Width, p.Height = DefaultWidth, DefaultHeight
	}
	if p.BitrateKbps <= 0 {
		p.BitrateKbps = DefaultBitrateKbps
	}
	if p.FPS <= 0 {
		p.FPS = DefaultFPS
	}
	if p.KeyframeSeconds <= 0 {
		p.KeyframeSeconds = DefaultKeyframeSeconds
	}
	return p
}
