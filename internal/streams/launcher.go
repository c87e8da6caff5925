package streams

import (
	"log/slog"

	"github.com/smazurov/restreamer/internal/ffmpeg"
	"github.com/smazurov/restreamer/internal/logging"
	"github.com/smazurov/restreamer/internal/process"
)

// Process is a supervised encoder subprocess.
type Process interface {
	Pid() int
	Done() <-chan struct{}
	Exit() process.Exit
	Terminate() error
	Kill() error
}

// Launcher spawns encoder subprocesses.
type Launcher interface {
	Launch(spec process.Spec, output process.OutputHandler) (Process, error)
}

// execLauncher spawns real detached processes and re-logs their output on
// the ffmpeg module logger at the level ffmpeg tagged each line with.
type execLauncher struct {
	logger *slog.Logger
}

// NewExecLauncher returns the Launcher backed by the process package.
func NewExecLauncher() Launcher {
	return execLauncher{logger: logging.GetLogger("ffmpeg")}
}

func (l execLauncher) Launch(spec process.Spec, output process.OutputHandler) (Process, error) {
	p, err := process.Start(spec,
		process.WithOutputHandler(output),
		process.WithLogParser(l.logger.With("stream_id", spec.ID), ffmpeg.ParseLogLevel),
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}
