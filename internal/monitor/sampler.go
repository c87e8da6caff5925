package monitor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/procfs"
)

// ErrProcessGone is returned by a Sampler when the pid no longer exists.
var ErrProcessGone = errors.New("process no longer exists")

// Stat is a raw reading for one pid.
type Stat struct {
	CPUSeconds  float64   // cumulative user+system CPU time
	RSSBytes    int64     // resident set size
	StartedAt   time.Time // process start time
	SampledAt   time.Time
	Executable  string
	CommandLine []string
}

// Sampler reads OS-level resource usage for a pid.
type Sampler interface {
	Sample(pid int) (Stat, error)
}

// ProcSampler reads /proc through prometheus/procfs.
type ProcSampler struct {
	fs procfs.FS
}

// NewProcSampler opens the default /proc mount.
func NewProcSampler() (*ProcSampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs: %w", err)
	}
	return &ProcSampler{fs: fs}, nil
}

// Sample implements Sampler. Zombies count as gone.
func (s *ProcSampler) Sample(pid int) (Stat, error) {
	proc, err := s.fs.Proc(pid)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Stat{}, ErrProcessGone
		}
		return Stat{}, err
	}

	stat, err := proc.Stat()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Stat{}, ErrProcessGone
		}
		return Stat{}, err
	}
	if stat.State == "Z" || stat.State == "X" {
		return Stat{}, ErrProcessGone
	}

	result := Stat{
		CPUSeconds: stat.CPUTime(),
		RSSBytes:   int64(stat.ResidentMemory()),
		SampledAt:  time.Now(),
	}
	if started, err := stat.StartTime(); err == nil {
		result.StartedAt = time.Unix(0, int64(started*float64(time.Second)))
	}
	if exe, err := proc.Executable(); err == nil {
		result.Executable = exe
	}
	if cmdline, err := proc.CmdLine(); err == nil {
		result.CommandLine = cmdline
	}
	return result, nil
}

// RunsBinary reports whether pid is alive and was started from binary
// (compared by base name, e.g. "ffmpeg"). Used to recognize encoder
// processes left behind by a previous instance.
func RunsBinary(s Sampler, pid int, binary string) bool {
	if pid <= 0 {
		return false
	}
	stat, err := s.Sample(pid)
	if err != nil {
		return false
	}
	want := filepath.Base(binary)
	if stat.Executable != "" && filepath.Base(stat.Executable) == want {
		return true
	}
	return len(stat.CommandLine) > 0 && filepath.Base(stat.CommandLine[0]) == want
}
