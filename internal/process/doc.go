// Package process spawns and observes detached encoder subprocesses.
//
// A [Process] is started in its own session so it keeps running when the
// supervising binary exits or is redeployed. Output lines from stdout and
// stderr are handed to an [OutputHandler] and re-logged at the level a
// [LogParser] extracts. [Process.Done] closes once the process has exited
// and all output has been consumed; [Process.Exit] then reports how it ended.
//
//	proc, err := process.Start(process.Spec{
//		ID:     "stream-1",
//		Binary: "ffmpeg",
//		Args:   args,
//	}, process.WithOutputHandler(buf), process.WithLogParser(logger, ffmpeg.ParseLogLevel))
//	...
//	proc.Terminate()
//	<-proc.Done()
//	exit := proc.Exit()
package process
