package payload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/droverhq/drover/internal/job"
	"github.com/droverhq/drover/internal/model"
	"github.com/droverhq/drover/internal/proc"
)

// ExitHPOExhausted is the reserved preprocess exit code meaning "no more
// hyper-parameter points". It terminates the HPO loop cleanly and is never
// classified as an error.
const ExitHPOExhausted = 160

const (
	defaultPollInterval = time.Second
	defaultGracePeriod  = 3 * time.Second
	defaultHeartbeat    = 60 // stop-flag checks between heartbeat log lines
)

// StopSignal is the process-wide cooperative cancellation flag as seen by the
// executor. Set once, read many.
type StopSignal interface {
	IsSet() bool
}

// Executor drives one job through its full payload lifecycle: command
// resolution, optional preprocess, payload launch in its own process group,
// graceful-wait supervision, optional postprocess and utility teardown. For
// HPO jobs the whole sequence repeats until the preprocess signals
// exhaustion.
type Executor struct {
	builder Builder
	job     *job.Job
	stop    StopSignal
	reg     *Registry

	stdoutName string
	stderrName string

	pollInterval time.Duration
	gracePeriod  time.Duration
	heartbeat    int
}

func NewExecutor(b Builder, j *job.Job, stop StopSignal) *Executor {
	return &Executor{
		builder:      b,
		job:          j,
		stop:         stop,
		reg:          NewRegistry(j, b),
		stdoutName:   model.DefaultPayloadStdout,
		stderrName:   model.DefaultPayloadStderr,
		pollInterval: defaultPollInterval,
		gracePeriod:  defaultGracePeriod,
		heartbeat:    defaultHeartbeat,
	}
}

// WithOutputNames overrides the payload stdout/stderr filenames.
func (e *Executor) WithOutputNames(stdout, stderr string) *Executor {
	e.stdoutName = stdout
	e.stderrName = stderr
	return e
}

// WithIntervals shortens the supervision cadence. For unit testing only.
func (e *Executor) WithIntervals(poll, grace time.Duration) *Executor {
	e.pollInterval = poll
	e.gracePeriod = grace
	return e
}

// Registry exposes the utility registry, consulted by the monitor stage for
// liveness checks and restarts.
func (e *Executor) Registry() *Registry {
	return e.reg
}

// ExtractSetup derives the setup prefix from a payload command: everything up
// to and including the last semicolon-delimited clause boundary. The final
// clause is the payload invocation itself; what precedes it is the
// environment setup shared with the pre/postprocess steps. A command without
// semicolons has no setup.
func ExtractSetup(cmd string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(cmd), "; \t")
	idx := strings.LastIndex(trimmed, ";")
	if idx < 0 {
		return ""
	}
	return trimmed[:idx+1] + " "
}

// Run executes all payload processes of the job, looping for HPO jobs, and
// returns the exit code of the last iteration. The payload command is
// resolved once; the derived setup string is reused across iterations.
func (e *Executor) Run(ctx context.Context) int {
	e.job.AddTiming("pre_setup")
	cmd := e.resolveCommand(ctx)
	if cmd == "" {
		e.job.SetState(job.StateFailed)
		e.writeTiming(ctx)
		return -1
	}
	e.job.Setup = ExtractSetup(cmd)
	e.job.SetState(job.StateSetup)
	e.job.AddTiming("post_setup")

	exitCode := 0
	iteration := 1
	for {
		slog.InfoContext(ctx, "payload iteration loop", "iteration", iteration)

		paramsPre := e.job.Params
		code := e.runPreprocess(ctx)
		if code != 0 {
			if code == ExitHPOExhausted {
				exitCode = 0
			} else {
				exitCode = code
				e.job.SetState(job.StateFailed)
			}
			break
		}
		// rewriting an empty paramsPre would splice the new params into a
		// command they were never part of
		if paramsPost := e.job.Params; paramsPre != "" && paramsPre != paramsPost {
			slog.DebugContext(ctx, "job parameters updated by preprocess")
			cmd = strings.Replace(cmd, paramsPre, paramsPost, 1)
		}

		h := e.runPayload(ctx, cmd)
		if h == nil {
			exitCode = -1
			e.job.SetState(job.StateFailed)
			break
		}

		slog.InfoContext(ctx, "waiting for graceful exit")
		exitCode = e.waitGraceful(ctx, h)
		if exitCode < -1 {
			exitCode = -1
		}
		state := job.StateFinished
		if exitCode != 0 {
			state = job.StateFailed
		}
		e.job.SetState(state)
		slog.InfoContext(ctx, "payload finished",
			"pid", h.Pid, "exit_code", exitCode, "state", string(state))

		// a postprocess failure is recorded and overwrites the exit code,
		// but never revokes the payload's own success state
		if state != job.StateFailed {
			if code, ran := e.runPostprocess(ctx); ran {
				exitCode = code
			}
		}
		e.job.AddTiming("post_payload")

		e.reg.StopAll(ctx)

		if !e.job.IsHPO {
			break
		}
		e.renameLogs(ctx, iteration)
		iteration++
	}

	e.writeTiming(ctx)
	return exitCode
}

// resolveCommand delegates to the builder. A structured failure lands on the
// job's error list; the empty command tells the caller the job is fatal.
func (e *Executor) resolveCommand(ctx context.Context) string {
	cmd, err := e.builder.PayloadCommand(ctx, e.job)
	if err != nil {
		var berr *BuildError
		if errors.As(err, &berr) {
			e.job.AddError(berr.Code, berr.Diag)
		} else {
			e.job.AddError(job.CodeCommandResolutionFailure, err.Error())
		}
		slog.ErrorContext(ctx, "could not define payload command", "error", err)
		return ""
	}

	if uc := e.builder.UtilityCommands(WithPayload, e.job); uc != nil {
		cmd = uc.String() + " " + cmd
	}
	return cmd
}

// runPreprocess runs the before-payload utility, if any, prefixed with the
// job setup. Returns 0 when there is nothing to run.
func (e *Executor) runPreprocess(ctx context.Context) int {
	uc := e.builder.UtilityCommands(BeforePayload, e.job)
	if uc == nil {
		return 0
	}

	command := e.job.Setup + uc.String()
	slog.InfoContext(ctx, "preprocess execution command", "command", command)
	code := e.runUtilityStep(ctx, command, "preprocess")
	switch {
	case code == ExitHPOExhausted:
		slog.InfoContext(ctx, "no more hyper-parameter points, ending processing loop")
	case code != 0:
		slog.ErrorContext(ctx, "cannot continue since preprocess failed", "exit_code", code)
	default:
		e.chmodCompanion(ctx)
	}
	return code
}

// runPostprocess runs the after-payload-finished utility. The bool reports
// whether a command was actually executed.
func (e *Executor) runPostprocess(ctx context.Context) (int, bool) {
	uc := e.builder.UtilityCommands(AfterPayloadFinished, e.job)
	if uc == nil {
		return 0, false
	}

	command := e.job.Setup + uc.String()
	slog.InfoContext(ctx, "postprocess execution command", "command", command)
	return e.runUtilityStep(ctx, command, "postprocess"), true
}

// runUtilityStep executes a pre/postprocess command synchronously in the job
// workdir, outside the payload's cancellation supervision. Output is
// persisted to <step>_stdout.txt / <step>_stderr.txt. Non-zero exits are
// classified onto the job error list, except the HPO exhaustion sentinel.
func (e *Executor) runUtilityStep(ctx context.Context, command, label string) int {
	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Dir = e.job.WorkDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	code := proc.CommandExitCode(err)
	if code != 0 && code != ExitHPOExhausted {
		var errCode job.ErrorCode
		switch label {
		case "preprocess":
			errCode = job.CodePreprocessFailure
		case "postprocess":
			errCode = job.CodePostprocessFailure
		default:
			errCode = job.CodeUnknownPayloadFailure
		}
		e.job.AddError(errCode, fmt.Sprintf("%s returned exit code %d", label, code))
		slog.WarnContext(ctx, "utility step returned non-zero exit code",
			"step", label, "exit_code", code)
	}

	e.writeUtilityOutput(ctx, label, stdout.Bytes(), stderr.Bytes())
	return code
}

// writeUtilityOutput persists step output; failures are logged, never fatal.
func (e *Executor) writeUtilityOutput(ctx context.Context, step string, stdout, stderr []byte) {
	for _, out := range []struct {
		name string
		data []byte
	}{
		{step + "_stdout.txt", stdout},
		{step + "_stderr.txt", stderr},
	} {
		path := filepath.Join(e.job.WorkDir, out.name)
		if err := os.WriteFile(path, out.data, 0o644); err != nil {
			slog.WarnContext(ctx, "failed to write utility step output",
				"path", path, "error", err)
		}
	}
}

// chmodCompanion makes an executable staged by the preprocess runnable.
func (e *Executor) chmodCompanion(ctx context.Context) {
	if e.job.Companion == "" {
		return
	}
	path := filepath.Join(e.job.WorkDir, e.job.Companion)
	if _, err := os.Stat(path); err != nil {
		return
	}
	if err := os.Chmod(path, 0o755); err != nil {
		slog.WarnContext(ctx, "chmod of companion executable failed",
			"path", path, "error", err)
	}
}

// runPayload launches the payload command in the job workdir as its own
// process group, records pid/pgid, flips the job to running and starts the
// after-payload-started utility. Returns nil on launch failure.
func (e *Executor) runPayload(ctx context.Context, command string) *proc.Handle {
	e.job.AddTiming("pre_payload")
	slog.InfoContext(ctx, "payload execution command", "command", command)

	stdout, err := os.Create(filepath.Join(e.job.WorkDir, e.stdoutName))
	if err != nil {
		e.job.AddError(job.CodeLaunchFailure, err.Error())
		slog.ErrorContext(ctx, "could not create payload stdout", "error", err)
		return nil
	}
	stderr, err := os.Create(filepath.Join(e.job.WorkDir, e.stderrName))
	if err != nil {
		_ = stdout.Close()
		e.job.AddError(job.CodeLaunchFailure, err.Error())
		slog.ErrorContext(ctx, "could not create payload stderr", "error", err)
		return nil
	}

	h, err := proc.Start(command, e.job.WorkDir, stdout, stderr)
	if err != nil {
		_ = stdout.Close()
		_ = stderr.Close()
		e.job.AddError(job.CodeLaunchFailure, err.Error())
		slog.ErrorContext(ctx, "could not execute payload", "error", err)
		return nil
	}
	go func() {
		<-h.Done()
		_ = stdout.Close()
		_ = stderr.Close()
	}()

	e.job.Pid = h.Pid
	e.job.Pgid = h.Pgid
	e.job.SetState(job.StateRunning)
	slog.InfoContext(ctx, "payload started", "pid", h.Pid, "pgid", h.Pgid)

	e.startMonitorUtility(ctx)
	return h
}

// startMonitorUtility launches the after-payload-started utility, exactly
// once per run.
func (e *Executor) startMonitorUtility(ctx context.Context) {
	uc := e.builder.UtilityCommands(AfterPayloadStarted, e.job)
	if uc == nil {
		return
	}
	if _, ok := e.reg.Lookup(uc.Command); ok {
		slog.WarnContext(ctx, "utility already running", "utility", uc.Command)
		return
	}

	full := e.builder.UtilitySetup(uc.Command, e.job)
	if full == "" {
		slog.WarnContext(ctx, "empty utility command - nothing to run", "utility", uc.Command)
		return
	}
	if _, err := e.reg.Start(ctx, uc.Command, full); err != nil {
		slog.ErrorContext(ctx, "could not start utility",
			"utility", uc.Command, "error", err)
	}
}

// waitGraceful supervises the running payload. Natural completion returns
// the payload's own exit code immediately with no signal ever sent. When the
// stop flag is set, SIGTERM goes to the whole process group, followed by
// SIGKILL after the grace period. The function always terminates.
func (e *Executor) waitGraceful(ctx context.Context, h *proc.Handle) int {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	ticks := 0
	for {
		select {
		case <-h.Done():
			return h.ExitCode()

		case <-ticker.C:
			ticks++
			if e.heartbeat > 0 && ticks%e.heartbeat == 0 {
				slog.InfoContext(ctx, "payload running", "pid", h.Pid, "ticks", ticks)
			}
			if !e.stop.IsSet() {
				continue
			}

			slog.InfoContext(ctx, "graceful stop requested - sending SIGTERM",
				"pid", h.Pid, "pgid", h.Pgid)
			if err := h.Terminate(); err != nil {
				slog.WarnContext(ctx, "SIGTERM delivery failed", "error", err)
			}
			select {
			case <-h.Done():
			case <-time.After(e.gracePeriod):
				slog.InfoContext(ctx, "grace period expired - sending SIGKILL",
					"pid", h.Pid)
			}
			if err := h.Kill(); err != nil {
				slog.WarnContext(ctx, "SIGKILL delivery failed", "error", err)
			}
			<-h.Done()
			return h.ExitCode()
		}
	}
}

// renameLogs moves the per-iteration output files aside so the next HPO
// iteration starts with fresh ones.
func (e *Executor) renameLogs(ctx context.Context, iteration int) {
	names := []string{
		e.stdoutName, e.stderrName,
		"preprocess_stdout.txt", "preprocess_stderr.txt",
		"postprocess_stdout.txt", "postprocess_stderr.txt",
	}
	for _, name := range names {
		path := filepath.Join(e.job.WorkDir, name)
		if _, err := os.Stat(path); err != nil {
			slog.WarnContext(ctx, "cannot rename iteration log, file missing", "path", path)
			continue
		}
		if err := os.Rename(path, path+strconv.Itoa(iteration)); err != nil {
			slog.WarnContext(ctx, "cannot rename iteration log", "path", path, "error", err)
		}
	}
}

// writeTiming persists the collected timing marks to timing.json in the job
// workdir. Failures are logged, never fatal.
func (e *Executor) writeTiming(ctx context.Context) {
	marks := e.job.Timing()
	if len(marks) == 0 {
		return
	}
	data, err := json.MarshalIndent(marks, "", "  ")
	if err != nil {
		slog.WarnContext(ctx, "cannot marshal timing marks", "error", err)
		return
	}
	path := filepath.Join(e.job.WorkDir, "timing.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		slog.WarnContext(ctx, "cannot write timing report", "path", path, "error", err)
	}
}
