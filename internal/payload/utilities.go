package payload

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/droverhq/drover/internal/job"
	"github.com/droverhq/drover/internal/proc"
)

// Registry tracks the auxiliary processes of one job. The table itself lives
// on the job (name -> handle, launch count, full command); the registry is
// the only writer. At most one live handle may exist per utility name:
// callers are expected to check Lookup before Start.
//
// Teardown and the monitor's liveness checks run on different goroutines, so
// Start/Stop/Restart/CheckAlive are serialized: a utility can never be
// relaunched in the middle of being stopped and then dropped from the table
// unsignaled.
type Registry struct {
	mu      sync.Mutex
	job     *job.Job
	builder Builder
}

func NewRegistry(j *job.Job, b Builder) *Registry {
	return &Registry{job: j, builder: b}
}

// Start launches command in its own process group inside the job workdir and
// records the handle under name. The utility group is disjoint from the
// payload group, so supervision and teardown never signal the same target.
func (r *Registry) Start(ctx context.Context, name, command string) (*job.Utility, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, err := proc.Start(command, r.job.WorkDir, io.Discard, io.Discard)
	if err != nil {
		return nil, err
	}

	u := &job.Utility{Handle: h, Launches: 1, Command: command}
	r.job.SetUtility(name, u)
	slog.InfoContext(ctx, "utility started",
		"utility", name, "pid", h.Pid, "pgid", h.Pgid, "command", command)
	return u, nil
}

// Restart relaunches a utility from its stored full command, bumping the
// launch count. Used by the monitor stage when a utility died under a
// running payload.
func (r *Registry) Restart(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.restartLocked(ctx, name)
}

func (r *Registry) restartLocked(ctx context.Context, name string) error {
	prev, ok := r.job.Utility(name)
	if !ok {
		slog.WarnContext(ctx, "cannot restart unknown utility", "utility", name)
		return nil
	}

	h, err := proc.Start(prev.Command, r.job.WorkDir, io.Discard, io.Discard)
	if err != nil {
		return err
	}
	r.job.SetUtility(name, &job.Utility{
		Handle:   h,
		Launches: prev.Launches + 1,
		Command:  prev.Command,
	})
	slog.InfoContext(ctx, "utility restarted",
		"utility", name, "pid", h.Pid, "launches", prev.Launches+1)
	return nil
}

// Lookup returns the live handle for name, if any.
func (r *Registry) Lookup(name string) (*job.Utility, bool) {
	return r.job.Utility(name)
}

// Stop signals the utility's process group with its designated kill signal
// and removes it from the table. Stopping an absent utility is a no-op with
// a warning; signaling errors are logged, never propagated.
func (r *Registry) Stop(ctx context.Context, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.job.Utility(name)
	if !ok {
		slog.WarnContext(ctx, "no such utility to stop", "utility", name)
		return
	}

	sig := r.builder.UtilityKillSignal(name)
	slog.InfoContext(ctx, "stopping utility", "utility", name, "signal", sig)
	if err := u.Handle.Signal(sig); err != nil {
		slog.WarnContext(ctx, "signaling utility failed (ignoring)",
			"utility", name, "error", err)
	}

	r.builder.PostUtilityAction(ctx, name, r.job)
	r.job.RemoveUtility(name)
}

// StopAll stops every registered utility and clears the table.
func (r *Registry) StopAll(ctx context.Context) {
	for _, name := range r.job.UtilityNames() {
		r.Stop(ctx, name)
	}
}

// CheckAlive restarts utilities whose process has gone away while the job is
// still running.
func (r *Registry) CheckAlive(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range r.job.UtilityNames() {
		u, ok := r.job.Utility(name)
		if !ok {
			continue
		}
		if u.Handle.Alive() {
			continue
		}
		slog.WarnContext(ctx, "utility died, restarting", "utility", name)
		if err := r.restartLocked(ctx, name); err != nil {
			slog.ErrorContext(ctx, "utility restart failed",
				"utility", name, "error", err)
		}
	}
}
