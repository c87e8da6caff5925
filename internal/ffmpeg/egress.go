package ffmpeg

import (
	"errors"
	"strings"
	"unicode"
)

// Egress validation errors.
var (
	ErrMissingEgress = errors.New("egress URL and stream key are required")
	ErrInvalidURL    = errors.New("egress URL must not contain whitespace")
	ErrInvalidKey    = errors.New("stream key must not contain whitespace or '#'")
)

// EgressURL joins an RTMP base URL and stream key into the publish URL.
// A missing scheme defaults to rtmp:// and a trailing slash is dropped.
func EgressURL(base, key string) (string, error) {
	base = strings.TrimSpace(base)
	key = strings.TrimSpace(key)
	if base == "" || key == "" {
		return "", ErrMissingEgress
	}
	if strings.IndexFunc(base, unicode.IsSpace) >= 0 {
		return "", ErrInvalidURL
	}
	if strings.IndexFunc(key, unicode.IsSpace) >= 0 || strings.Contains(key, "#") {
		return "", ErrInvalidKey
	}

	if !strings.Contains(base, "://") {
		base = "rtmp://" + base
	}
	base = strings.TrimRight(base, "/")
	return base + "/" + key, nil
}
