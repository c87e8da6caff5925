package ffmpeg

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Base arguments shared by every invocation. Progress output is disabled so
// stderr carries only newline-terminated, level-tagged log lines.
var baseArgs = []string{"-hide_banner", "-nostats", "-loglevel", "level+warning"}

// BuildArgs returns the binary and argument list for p.
func BuildArgs(p Params) (string, []string, error) {
	p = p.withDefaults()

	if p.InputPath == "" {
		return "", nil, errors.New("input path is required")
	}
	if p.OutputURL == "" {
		return "", nil, errors.New("output URL is required")
	}

	args := append([]string{}, baseArgs...)

	// Input, read at native rate.
	args = append(args, "-re")
	if p.Loop && !p.Concat {
		args = append(args, "-stream_loop", "-1")
	} else {
		args = append(args, "-stream_loop", "0")
	}

	switch p.Mode {
	case ModeCopy:
		args = append(args, "-fflags", "+genpts+igndts", "-avoid_negative_ts", "make_zero")
		args = appendInput(args, p)
		args = append(args,
			"-c:v", "copy",
			"-c:a", "copy",
			"-bsf:v", "h264_mp4toannexb,dump_extra",
			"-flags", "+global_header",
		)

	case ModeProfile:
		if p.Encoder == "" {
			return "", nil, errors.New("encoder is required in profile mode")
		}
		args = appendInput(args, p)
		args = append(args, "-c:v", p.Encoder)
		if p.Preset != "" {
			args = append(args, "-preset", p.Preset)
		}
		args = append(args, p.ExtraArgs...)

		bitrate := strconv.Itoa(p.BitrateKbps) + "k"
		gop := p.FPS * p.KeyframeSeconds
		args = append(args,
			"-b:v", bitrate,
			"-maxrate", bitrate,
			"-bufsize", strconv.Itoa(p.BitrateKbps*2)+"k",
			"-pix_fmt", "yuv420p",
			"-g", strconv.Itoa(gop),
			"-keyint_min", strconv.Itoa(p.FPS),
			"-sc_threshold", "0",
			"-force_key_frames", fmt.Sprintf("expr:gte(t,n_forced*%d)", p.KeyframeSeconds),
			"-s", fmt.Sprintf("%dx%d", p.Width, p.Height),
			"-r", strconv.Itoa(p.FPS),
			"-c:a", "aac",
			"-b:a", "128k",
			"-ar", "44100",
		)

	default:
		return "", nil, fmt.Errorf("unknown encode mode %q", p.Mode)
	}

	args = append(args, "-f", "flv", p.OutputURL)
	return p.Binary, args, nil
}

func appendInput(args []string, p Params) []string {
	if p.Concat {
		args = append(args, "-f", "concat", "-safe", "0")
	}
	return append(args, "-i", p.InputPath)
}

// CommandString renders binary and args as a single shell-safe line.
// The egress key is not redacted.
func CommandString(binary string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, quoteArg(binary))
	for _, a := range args {
		parts = append(parts, quoteArg(a))
	}
	return strings.Join(parts, " ")
}

func quoteArg(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"\\$`()*?[]{}<>|&;#!~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
