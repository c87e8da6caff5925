package streams

import (
	"errors"
	"syscall"
	"time"

	"github.com/smazurov/restreamer/internal/encoders"
	"github.com/smazurov/restreamer/internal/events"
	"github.com/smazurov/restreamer/internal/ffmpeg"
	"github.com/smazurov/restreamer/internal/process"
)

// exitAction is what the orchestrator does after an encoder exits.
type exitAction string

const (
	actionStopped  exitAction = "stopped"
	actionRetry    exitAction = "retry"
	actionFallback exitAction = "fallback"
	actionGiveUp   exitAction = "give_up"
)

// fallbackLogLines is how many recent output lines are searched for
// encoder failures.
const fallbackLogLines = 10

// exitDecision is the classification of one exit.
type exitDecision struct {
	Action exitAction
	Reason string
}

// exitContext is everything classifyExit looks at.
type exitContext struct {
	Exit        process.Exit
	ManualStop  bool
	Retries     int
	MaxRetries  int
	CanFallback bool
	RecentLines []string
}

// classifyExit decides how to react to an encoder exit.
//
//	manual stop                       -> stopped
//	SIGSEGV                           -> retry until the bound, then give up
//	any other signal                  -> give up
//	non-zero code, bound reached      -> give up
//	non-zero code, encoder failure    -> fallback to software (hardware only)
//	non-zero code                     -> retry
//	zero code                         -> give up
func classifyExit(c exitContext) exitDecision {
	if c.ManualStop {
		return exitDecision{Action: actionStopped, Reason: "manual_stop"}
	}

	if c.Exit.Signaled() {
		if c.Exit.Signal != syscall.SIGSEGV {
			return exitDecision{Action: actionGiveUp, Reason: "killed"}
		}
		if c.Retries >= c.MaxRetries {
			return exitDecision{Action: actionGiveUp, Reason: "crash_retries_exhausted"}
		}
		return exitDecision{Action: actionRetry, Reason: "crash"}
	}

	if c.Exit.Code == 0 {
		return exitDecision{Action: actionGiveUp, Reason: "exited"}
	}
	if c.Retries >= c.MaxRetries {
		return exitDecision{Action: actionGiveUp, Reason: "retries_exhausted"}
	}
	if c.CanFallback {
		for _, line := range c.RecentLines {
			if ffmpeg.MentionsEncoderFailure(line) {
				return exitDecision{Action: actionFallback, Reason: "encoder_fallback"}
			}
		}
	}
	return exitDecision{Action: actionRetry, Reason: "exit_code"}
}

// handleExit reacts to the exit of the process behind h.
func (o *Orchestrator) handleExit(h *handle, exit process.Exit) {
	r := h.run
	id := r.streamID

	unlock := o.locks.Lock(id)
	defer unlock()

	if h.forceKill != nil {
		h.forceKill.Stop()
	}

	o.mu.Lock()
	current := o.handles[id] == h
	if current {
		delete(o.handles, id)
		h.state = process.StateExited
	}
	retries := r.retries
	o.mu.Unlock()

	// Stop already finished this handle.
	if !current {
		return
	}
	if o.monitor != nil {
		o.monitor.StopMonitoring(id)
	}

	recent := r.logs.Tail(fallbackLogLines)
	lines := make([]string, len(recent))
	for i, e := range recent {
		lines[i] = e.Message
	}

	decision := classifyExit(exitContext{
		Exit:        exit,
		ManualStop:  h.manualStop,
		Retries:     retries,
		MaxRetries:  o.cfg.MaxRetries,
		CanFallback: o.cfg.EncoderFallback && encoders.IsHardware(h.encoder),
		RecentLines: lines,
	})

	signal := ""
	if exit.Signaled() {
		signal = exit.Signal.String()
	}
	o.bus.Publish(events.StreamExitedEvent{
		StreamID:  id,
		ExitCode:  exit.Code,
		Signal:    signal,
		Decision:  string(decision.Action),
		Timestamp: o.now().Format(time.RFC3339),
	})
	o.logger.Info("Encoder exited", "stream_id", id, "pid", h.pid, "exit", exit.String(),
		"decision", decision.Action, "reason", decision.Reason, "retries", retries)

	switch decision.Action {
	case actionRetry, actionFallback:
		o.scheduleRetry(r, decision)
	default:
		o.release(r, decision.Reason)
	}
}

// scheduleRetry arms the restart of r after the retry delay. The limiter
// registration and live status are kept meanwhile. Caller holds the stream
// lock.
func (o *Orchestrator) scheduleRetry(r *run, decision exitDecision) {
	o.mu.Lock()
	r.retries++
	attempt := r.retries
	o.mu.Unlock()

	if decision.Action == actionFallback {
		r.forceSoftware = true
		o.logger.Warn("Encoder failure detected, retrying with software encoder",
			"stream_id", r.streamID, "encoder", r.encoder)
	}

	o.bus.Publish(events.StreamRetryEvent{
		StreamID:  r.streamID,
		Attempt:   attempt,
		Reason:    decision.Reason,
		Delay:     o.cfg.RetryDelay.String(),
		Timestamp: o.now().Format(time.RFC3339),
	})
	o.logger.Info("Retrying stream", "stream_id", r.streamID, "attempt", attempt,
		"max", o.cfg.MaxRetries, "delay", o.cfg.RetryDelay)

	r.retryTimer = time.AfterFunc(o.cfg.RetryDelay, func() { o.retry(r) })
}

// retry performs a scheduled restart unless the run ended meanwhile.
func (o *Orchestrator) retry(r *run) {
	id := r.streamID
	unlock := o.locks.Lock(id)
	defer unlock()

	if o.ctx.Err() != nil || r.released {
		return
	}
	o.mu.Lock()
	current := o.runs[id] == r
	_, spawned := o.handles[id]
	o.mu.Unlock()
	if !current || spawned {
		return
	}
	r.retryTimer = nil

	cfg, err := o.store.GetStream(id)
	switch {
	case errors.Is(err, ErrNotFound):
		o.logger.Warn("Stream deleted before retry", "stream_id", id)
		o.release(r, "deleted")
		return
	case err != nil:
		o.logger.Warn("Failed to reload stream for retry, using previous config", "stream_id", id, "error", err)
	default:
		r.config = cfg
	}

	if err := o.spawn(o.ctx, r); err != nil {
		o.logger.Error("Retry failed", "stream_id", id, "error", err)
		o.release(r, "retry_failed")
	}
}
