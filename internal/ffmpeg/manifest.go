package ffmpeg

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
)

// ManifestPrefix and ManifestSuffix frame the stream id in manifest file names.
const (
	ManifestPrefix = "playlist_"
	ManifestSuffix = ".txt"
)

// ManifestPath returns the concat manifest location for a stream.
func ManifestPath(dir, streamID string) string {
	return filepath.Join(dir, ManifestPrefix+streamID+ManifestSuffix)
}

// ManifestStreamID extracts the stream id from a manifest file name.
func ManifestStreamID(name string) (string, bool) {
	base := filepath.Base(name)
	if !strings.HasPrefix(base, ManifestPrefix) || !strings.HasSuffix(base, ManifestSuffix) {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(base, ManifestPrefix), ManifestSuffix)
	return id, id != ""
}

// WriteConcatManifest writes a concat demuxer manifest listing files in
// order, repeated the given number of times (at least once). The file is
// replaced atomically.
func WriteConcatManifest(path string, files []string, repeats int) error {
	if len(files) == 0 {
		return errors.New("manifest needs at least one file")
	}
	if repeats < 1 {
		repeats = 1
	}

	var b strings.Builder
	for range repeats {
		for _, f := range files {
			b.WriteString("file '")
			b.WriteString(strings.ReplaceAll(f, "'", `'\''`))
			b.WriteString("'\n")
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create manifest directory: %w", err)
	}
	if err := renameio.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// RemoveManifest deletes a manifest. A missing file is not an error.
func RemoveManifest(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
