package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/smazurov/restreamer/internal/encoders"
	"github.com/smazurov/restreamer/internal/streams"
	"github.com/smazurov/restreamer/internal/streams/store"
)

const fakeEncoderList = `Encoders:
 V..... = Video
 ------
 V....D libx264              libx264 H.264 / AVC / MPEG-4 AVC
 V....D h264_qsv             H.264 / AVC (Intel Quick Sync Video acceleration)
 V....D h264_nvenc           NVIDIA NVENC H.264 encoder
 A....D aac                  AAC (Advanced Audio Coding)
`

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ffmpeg")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestEncodersCmdJSON(t *testing.T) {
	list := filepath.Join(t.TempDir(), "encoders.txt")
	if err := os.WriteFile(list, []byte(fakeEncoderList), 0o644); err != nil {
		t.Fatal(err)
	}
	binary := writeScript(t, "cat "+list+"\n")

	cmd := CreateEncodersCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--ffmpeg", binary, "--json"})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}

	var got encoders.Detection
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out.String())
	}
	if diff := cmp.Diff([]string{encoders.NVENC, encoders.QSV}, got.Available); diff != "" {
		t.Errorf("available mismatch (-want +got):\n%s", diff)
	}
	if got.Preferred != encoders.NVENC {
		t.Errorf("preferred = %q, want %q", got.Preferred, encoders.NVENC)
	}
}

func TestEncodersCmdSoftwareOnly(t *testing.T) {
	binary := writeScript(t, "exit 1\n")

	cmd := CreateEncodersCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--ffmpeg", binary})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "No hardware encoder found") {
		t.Errorf("unexpected output: %q", out.String())
	}
}

func TestCommandCmd(t *testing.T) {
	dir := t.TempDir()
	media := filepath.Join(dir, "media")
	if err := os.MkdirAll(media, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(media, "intro.mp4"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	catalog := filepath.Join(dir, "assets.toml")
	if err := os.WriteFile(catalog, []byte("[videos.intro]\npath = \"intro.mp4\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	storePath := filepath.Join(dir, "streams.toml")
	s := store.NewTOML(storePath)
	err := s.PutStream(streams.StreamConfig{
		ID:        "s1",
		OwnerID:   "owner-1",
		Source:    streams.SourceRef{Kind: streams.SourceVideo, ID: "intro"},
		EgressURL: "rtmp://live.example.com/app",
		EgressKey: "secret",
		Mode:      "copy",
	})
	if err != nil {
		t.Fatal(err)
	}

	cmd := CreateCommandCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"s1",
		"--store", storePath,
		"--catalog", catalog,
		"--media-root", media,
		"--ffmpeg", "/usr/bin/ffmpeg",
		"--software",
	})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}

	line := strings.TrimSpace(out.String())
	if !strings.HasPrefix(line, "/usr/bin/ffmpeg ") {
		t.Errorf("command does not start with the binary: %q", line)
	}
	for _, want := range []string{"intro.mp4", "rtmp://live.example.com/app/secret"} {
		if !strings.Contains(line, want) {
			t.Errorf("command missing %q: %q", want, line)
		}
	}
}

func TestCommandCmdUnknownStream(t *testing.T) {
	cmd := CreateCommandCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"nope", "--store", filepath.Join(t.TempDir(), "streams.toml")})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected an error for an unknown stream")
	}
}
