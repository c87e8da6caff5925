package encoders

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
)

// EncoderType represents the type of encoder (video, audio, subtitle).
type EncoderType string

const (
	VideoEncoder    EncoderType = "V"
	AudioEncoder    EncoderType = "A"
	SubtitleEncoder EncoderType = "S"
	Unknown         EncoderType = "?"
)

// Encoder represents one line of `ffmpeg -encoders` output.
type Encoder struct {
	Type        EncoderType `json:"type"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	HWAccel     bool        `json:"hwaccel"`
}

var (
	encoderLine  = regexp.MustCompile(`^\s*([VASFXBD.]{6})\s+(\S+)\s+(.+)$`)
	hwaccelMatch = regexp.MustCompile(`(?i)(nvenc|qsv|amf|vaapi|videotoolbox|v4l2m2m|rkmpp)`)
)

// ListEncoders runs `<binary> -hide_banner -encoders` and parses the result.
func ListEncoders(ctx context.Context, binary string) ([]Encoder, error) {
	if binary == "" {
		binary = "ffmpeg"
	}
	if _, err := exec.LookPath(binary); err != nil {
		return nil, fmt.Errorf("%s is not installed or not in PATH: %w", binary, err)
	}

	output, err := exec.CommandContext(ctx, binary, "-hide_banner", "-encoders").Output()
	if err != nil {
		return nil, fmt.Errorf("failed to execute %s -encoders: %w", binary, err)
	}
	return parseEncoderOutput(string(output))
}

// parseEncoderOutput processes the output of ffmpeg -encoders.
// Lines up to the "------" separator are legend text and are skipped.
func parseEncoderOutput(output string) ([]Encoder, error) {
	var result []Encoder

	scanner := bufio.NewScanner(strings.NewReader(output))
	started := false

	for scanner.Scan() {
		line := scanner.Text()

		if !started {
			if strings.HasPrefix(strings.TrimSpace(line), "------") {
				started = true
			}
			continue
		}

		matches := encoderLine.FindStringSubmatch(line)
		if len(matches) != 4 {
			continue
		}
		flags, name, description := matches[1], matches[2], strings.TrimSpace(matches[3])

		encoderType := Unknown
		switch flags[0] {
		case 'V':
			encoderType = VideoEncoder
		case 'A':
			encoderType = AudioEncoder
		case 'S':
			encoderType = SubtitleEncoder
		}

		result = append(result, Encoder{
			Type:        encoderType,
			Name:        name,
			Description: description,
			HWAccel:     hwaccelMatch.MatchString(name),
		})
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading encoder list: %w", err)
	}
	return result, nil
}
