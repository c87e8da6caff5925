package ffmpeg

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteConcatManifest(t *testing.T) {
	path := ManifestPath(filepath.Join(t.TempDir(), "temp"), "s1")

	if err := WriteConcatManifest(path, []string{"/media/a.mp4", "/media/it's.mp4"}, 2); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := strings.Repeat("file '/media/a.mp4'\nfile '/media/it'\\''s.mp4'\n", 2)
	if string(data) != want {
		t.Errorf("manifest =\n%s\nwant\n%s", data, want)
	}

	if err := RemoveManifest(path); err != nil {
		t.Fatal(err)
	}
	if err := RemoveManifest(path); err != nil {
		t.Errorf("removing a missing manifest should succeed: %v", err)
	}
}

func TestWriteConcatManifestRequiresFiles(t *testing.T) {
	if err := WriteConcatManifest(filepath.Join(t.TempDir(), "m.txt"), nil, 1); err == nil {
		t.Error("expected an error for an empty file list")
	}
}

func TestManifestStreamID(t *testing.T) {
	tests := []struct {
		name   string
		want   string
		wantOK bool
	}{
		{"/tmp/temp/playlist_abc-1.txt", "abc-1", true},
		{"playlist_.txt", "", false},
		{"notes.txt", "", false},
		{"playlist_abc.tmp", "", false},
	}
	for _, tt := range tests {
		got, ok := ManifestStreamID(tt.name)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("ManifestStreamID(%q) = (%q, %v), want (%q, %v)", tt.name, got, ok, tt.want, tt.wantOK)
		}
	}
}
