package encoders

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/smazurov/restreamer/internal/logging"
)

// Recognized H.264 encoders.
const (
	NVENC        = "h264_nvenc"
	QSV          = "h264_qsv"
	VideoToolbox = "h264_videotoolbox"
	Software     = "libx264"
)

// hardwarePriority is the fixed preference order among hardware encoders.
var hardwarePriority = []string{NVENC, QSV, VideoToolbox}

// Detection is the cached outcome of probing the local encoder toolchain.
type Detection struct {
	Available  []string  `json:"available" doc:"Recognized hardware encoders"`
	Preferred  string    `json:"preferred" doc:"Highest priority hardware encoder, empty when none"`
	DetectedAt time.Time `json:"detected_at"`
	Error      string    `json:"error,omitempty" doc:"Probe failure, detection then reports software only"`
}

// HasHardware reports whether a hardware encoder was found.
func (d Detection) HasHardware() bool {
	return d.Preferred != ""
}

// DefaultDetectTimeout bounds one run of the encoder listing.
const DefaultDetectTimeout = 10 * time.Second

// ProbeFunc lists the encoders supported by the local toolchain.
type ProbeFunc func(ctx context.Context) ([]Encoder, error)

// Detector probes for hardware encoders once and caches the result.
// Concurrent callers during the first probe share the in-flight call.
type Detector struct {
	probe   ProbeFunc
	timeout time.Duration
	logger  *slog.Logger

	group  singleflight.Group
	mu     sync.RWMutex
	cached *Detection
}

// Option configures a Detector.
type Option func(*Detector)

// WithProbe replaces the ffmpeg probe.
func WithProbe(probe ProbeFunc) Option {
	return func(d *Detector) { d.probe = probe }
}

// WithLogger sets the detector logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Detector) { d.logger = logger }
}

// NewDetector creates a detector that queries the given ffmpeg binary.
func NewDetector(binary string, opts ...Option) *Detector {
	d := &Detector{
		probe: func(ctx context.Context) ([]Encoder, error) {
			return ListEncoders(ctx, binary)
		},
		timeout: DefaultDetectTimeout,
		logger:  logging.GetLogger("encoders"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Detect returns the cached detection, probing on first use.
// A probe failure is cached as a software-only detection, except when the
// run timed out; the next caller then tries again. The run does not inherit
// the caller's cancellation. A caller whose ctx ends first gets an uncached
// software-only answer while the run completes in the background.
func (d *Detector) Detect(ctx context.Context) Detection {
	if cached, ok := d.load(); ok {
		return cached
	}

	ch := d.group.DoChan("detect", func() (any, error) {
		if cached, ok := d.load(); ok {
			return cached, nil
		}

		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()
		result := d.run(runCtx)
		if runCtx.Err() != nil {
			return result, nil
		}

		d.mu.Lock()
		d.cached = &result
		d.mu.Unlock()
		return result, nil
	})

	select {
	case res := <-ch:
		return res.Val.(Detection)
	case <-ctx.Done():
		return Detection{DetectedAt: time.Now(), Error: ctx.Err().Error()}
	}
}

func (d *Detector) load() (Detection, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.cached == nil {
		return Detection{}, false
	}
	return *d.cached, true
}

func (d *Detector) run(ctx context.Context) Detection {
	result := Detection{DetectedAt: time.Now()}

	list, err := d.probe(ctx)
	if err != nil {
		d.logger.Warn("Hardware encoder detection failed, using software encoding", "error", err)
		result.Error = err.Error()
		return result
	}

	names := make(map[string]bool, len(list))
	for _, enc := range list {
		names[enc.Name] = true
	}
	for _, name := range hardwarePriority {
		if names[name] {
			result.Available = append(result.Available, name)
		}
	}
	if len(result.Available) > 0 {
		result.Preferred = result.Available[0]
	}

	d.logger.Info("Encoder detection complete",
		"available", result.Available,
		"preferred", d.fallback(result.Preferred))
	return result
}

// Select returns the encoder to use. With useHardware false, or when no
// hardware encoder was found, the software encoder is returned.
func (d *Detector) Select(ctx context.Context, useHardware bool) string {
	if !useHardware {
		return Software
	}
	return d.fallback(d.Detect(ctx).Preferred)
}

func (d *Detector) fallback(name string) string {
	if name == "" {
		return Software
	}
	return name
}

// IsHardware reports whether name is one of the recognized hardware encoders.
func IsHardware(name string) bool {
	return slices.Contains(hardwarePriority, name)
}

// Preset returns the speed/quality preset for an encoder, or "" when the
// encoder takes none.
func Preset(name string) string {
	switch name {
	case NVENC, QSV:
		return "fast"
	case VideoToolbox:
		return ""
	default:
		return "ultrafast"
	}
}

// ExtraArgs returns encoder specific flags appended after the codec selection.
func ExtraArgs(name string) []string {
	switch name {
	case NVENC:
		return []string{"-rc", "cbr", "-cbr", "true"}
	case QSV:
		return []string{"-look_ahead", "0"}
	case VideoToolbox:
		return []string{"-allow_sw", "1"}
	case Software:
		return []string{"-tune", "zerolatency"}
	default:
		return nil
	}
}
