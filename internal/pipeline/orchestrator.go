// Package pipeline coordinates the concurrent stages of the agent: job
// admission, stage-in, payload execution, stage-out, lifetime enforcement and
// utility monitoring. Stages communicate only through the shared queue set
// and observe a single set-once stop flag.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/droverhq/drover/internal/data"
	"github.com/droverhq/drover/internal/fetch"
	"github.com/droverhq/drover/internal/job"
	"github.com/droverhq/drover/internal/log"
	"github.com/droverhq/drover/internal/payload"
)

// Args carries everything a pipeline run needs: the shared stop flag and the
// collaborators behind the stage boundaries.
type Args struct {
	Stop    *StopFlag
	Source  fetch.Source
	Stager  data.Stager
	Builder payload.Builder

	// Lifetime stops the whole pipeline once exceeded; zero means unlimited.
	Lifetime time.Duration

	// Monitor cadence: a cron expression wins over the plain interval.
	MonitorCron  string
	MonitorEvery time.Duration

	PayloadStdout string
	PayloadStderr string

	// Poll bounds how long any stage loop goes without observing the stop
	// flag. Defaults to one second.
	Poll time.Duration

	// SupervisePoll and GracePeriod override the payload supervision
	// cadence. For unit testing only.
	SupervisePoll time.Duration
	GracePeriod   time.Duration
}

// Orchestrator wires one concurrent control loop per stage to the shared
// queue set. Its only global responsibilities are signal handling, starting
// the loops, joining them with a bounded per-iteration timeout, and returning
// the run summary.
type Orchestrator struct {
	args   Args
	queues *Queues
	traces *Traces

	activeMu sync.Mutex
	active   map[string]*payload.Registry
}

// Run executes the pipeline until all stage loops exit: on interrupt, on
// lifetime expiry, or on context cancellation.
func Run(ctx context.Context, args Args) (*Traces, error) {
	if args.Stop == nil {
		args.Stop = &StopFlag{}
	}
	if args.Poll <= 0 {
		args.Poll = time.Second
	}
	if args.MonitorEvery <= 0 {
		args.MonitorEvery = 30 * time.Second
	}

	o := &Orchestrator{
		args:   args,
		queues: NewQueues(),
		traces: &Traces{},
		active: make(map[string]*payload.Registry),
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The handler itself only sets a flag; everything else reacts to it on
	// its own schedule. Redundant signals are no-ops.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, unix.SIGTERM)
	defer func() {
		signal.Stop(sigCh)
		close(sigCh)
	}()
	go func() {
		for sig := range sigCh {
			if args.Stop.Set() {
				slog.InfoContext(ctx, "caught signal", "signal", sig.String())
			} else {
				slog.DebugContext(ctx, "redundant signal ignored", "signal", sig.String())
			}
		}
	}()

	// Once the flag is set, cancel the run context so blocked queue pops
	// unwind promptly.
	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			if args.Stop.IsSet() {
				cancel()
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	slog.InfoContext(ctx, "starting stage loops")
	g, gctx := errgroup.WithContext(ctx)
	stages := []struct {
		name string
		fn   func(context.Context)
	}{
		{"job", o.jobControl},
		{"payload", o.payloadControl},
		{"data_in", o.dataInControl},
		{"data_out", o.dataOutControl},
		{"lifetime", o.lifetimeControl},
		{"monitor", o.monitorControl},
	}
	for _, stage := range stages {
		g.Go(func() error {
			sctx := log.WithStage(gctx, stage.name)
			defer func() {
				// a broken stage must not take the orchestrator down
				if r := recover(); r != nil {
					slog.ErrorContext(sctx, "stage loop panicked", "panic", r)
					o.traces.SetFailure()
					args.Stop.Set()
				}
			}()
			stage.fn(sctx)
			slog.DebugContext(sctx, "stage loop exited")
			return nil
		})
	}

	// Interruptible join: wait in bounded slices so the joiner stays
	// responsive and can report progress.
	join := make(chan error, 1)
	go func() {
		join <- g.Wait()
	}()
	for {
		select {
		case err := <-join:
			slog.InfoContext(ctx, "all stage loops exited",
				"finished", o.traces.Finished(),
				"failed", o.traces.Failed(),
				"status", o.traces.Status())
			return o.traces, err
		case <-time.After(time.Second):
			slog.DebugContext(ctx, "pipeline running",
				"jobs", o.queues.Jobs.Len(),
				"payloads", o.queues.Payloads.Len(),
				"finished", o.traces.Finished(),
				"failed", o.traces.Failed())
		}
	}
}

// jobControl admits jobs into the pipeline: a retrieval loop feeding the jobs
// queue, a validation loop, and a queue monitor moving jobs between the data
// and payload stages and into the terminal queues.
func (o *Orchestrator) jobControl(ctx context.Context) {
	var wg sync.WaitGroup
	for _, loop := range []func(context.Context){
		o.retrieveLoop,
		o.validateLoop,
		o.queueMonitorLoop,
	} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			loop(ctx)
		}()
	}
	wg.Wait()
}

func (o *Orchestrator) retrieveLoop(ctx context.Context) {
	for !o.args.Stop.IsSet() {
		j, err := o.args.Source.Next(ctx)
		switch {
		case errors.Is(err, fetch.ErrNoJob):
			if !o.sleep(ctx) {
				return
			}
		case err != nil:
			slog.WarnContext(ctx, "job retrieval failed", "error", err)
			if !o.sleep(ctx) {
				return
			}
		default:
			j.SetState(job.StateQueued)
			slog.InfoContext(ctx, "job retrieved", "job_id", j.ID)
			o.queues.Jobs.Push(j)
		}
	}
}

func (o *Orchestrator) validateLoop(ctx context.Context) {
	for {
		j, ok := o.queues.Jobs.Pop(ctx)
		if !ok {
			return
		}
		jctx := log.WithJob(ctx, j.ID)
		if err := os.MkdirAll(j.WorkDir, 0o755); err != nil {
			slog.ErrorContext(jctx, "cannot create job workdir", "error", err)
			o.failJob(jctx, j)
			continue
		}
		slog.DebugContext(jctx, "job validated", "workdir", j.WorkDir)
		o.queues.ValidatedJobs.Push(j)
	}
}

// queueMonitorLoop moves jobs whose stage work completed onto the next
// stage's input queue and books terminal outcomes into the traces.
func (o *Orchestrator) queueMonitorLoop(ctx context.Context) {
	ticker := time.NewTicker(o.args.Poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for {
			j, ok := o.queues.ValidatedJobs.TryPop()
			if !ok {
				break
			}
			o.queues.DataIn.Push(j)
		}
		for {
			j, ok := o.queues.FinishedDataIn.TryPop()
			if !ok {
				break
			}
			o.queues.Payloads.Push(j)
		}
		for {
			j, ok := o.queues.FinishedPayloads.TryPop()
			if !ok {
				break
			}
			o.queues.DataOut.Push(j)
		}
		for {
			j, ok := o.queues.FinishedDataOut.TryPop()
			if !ok {
				break
			}
			o.finishJob(log.WithJob(ctx, j.ID), j)
		}
		for _, q := range []*Queue[*job.Job]{
			o.queues.FailedDataIn,
			o.queues.FailedPayloads,
			o.queues.FailedDataOut,
		} {
			for {
				j, ok := q.TryPop()
				if !ok {
					break
				}
				o.failJob(log.WithJob(ctx, j.ID), j)
			}
		}
	}
}

// payloadControl validates queued payloads and executes them.
func (o *Orchestrator) payloadControl(ctx context.Context) {
	var wg sync.WaitGroup
	for _, loop := range []func(context.Context){
		o.validatePayloadLoop,
		o.executeLoop,
	} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			loop(ctx)
		}()
	}
	wg.Wait()
}

func (o *Orchestrator) validatePayloadLoop(ctx context.Context) {
	for {
		j, ok := o.queues.Payloads.Pop(ctx)
		if !ok {
			return
		}
		jctx := log.WithJob(ctx, j.ID)
		if _, err := os.Stat(j.WorkDir); err != nil {
			slog.ErrorContext(jctx, "job workdir vanished", "error", err)
			o.queues.FailedPayloads.Push(j)
			continue
		}
		o.queues.ValidatedPayloads.Push(j)
	}
}

func (o *Orchestrator) executeLoop(ctx context.Context) {
	for {
		j, ok := o.queues.ValidatedPayloads.Pop(ctx)
		if !ok {
			return
		}
		jctx := log.WithJob(ctx, j.ID)

		ex := payload.NewExecutor(o.args.Builder, j, o.args.Stop)
		if o.args.PayloadStdout != "" && o.args.PayloadStderr != "" {
			ex.WithOutputNames(o.args.PayloadStdout, o.args.PayloadStderr)
		}
		if o.args.SupervisePoll > 0 && o.args.GracePeriod > 0 {
			ex.WithIntervals(o.args.SupervisePoll, o.args.GracePeriod)
		}

		o.registerActive(j.ID, ex.Registry())
		exitCode := ex.Run(jctx)
		o.unregisterActive(j.ID)

		slog.InfoContext(jctx, "payload execution done",
			"exit_code", exitCode, "state", string(j.State()))
		if j.State() == job.StateFinished {
			o.queues.FinishedPayloads.Push(j)
		} else {
			o.queues.FailedPayloads.Push(j)
		}
	}
}

func (o *Orchestrator) dataInControl(ctx context.Context) {
	for {
		j, ok := o.queues.DataIn.Pop(ctx)
		if !ok {
			return
		}
		jctx := log.WithJob(ctx, j.ID)
		if err := o.args.Stager.StageIn(jctx, j); err != nil {
			slog.ErrorContext(jctx, "stage-in failed", "error", err)
			o.queues.FailedDataIn.Push(j)
			continue
		}
		o.queues.FinishedDataIn.Push(j)
	}
}

func (o *Orchestrator) dataOutControl(ctx context.Context) {
	for {
		j, ok := o.queues.DataOut.Pop(ctx)
		if !ok {
			return
		}
		jctx := log.WithJob(ctx, j.ID)
		if err := o.args.Stager.StageOut(jctx, j); err != nil {
			slog.ErrorContext(jctx, "stage-out failed", "error", err)
			o.queues.FailedDataOut.Push(j)
			continue
		}
		o.queues.FinishedDataOut.Push(j)
	}
}

// lifetimeControl sets the stop flag once the configured maximum lifetime is
// exceeded.
func (o *Orchestrator) lifetimeControl(ctx context.Context) {
	start := time.Now()
	ticker := time.NewTicker(o.args.Poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if o.args.Stop.IsSet() {
			return
		}
		if o.args.Lifetime > 0 && time.Since(start) > o.args.Lifetime {
			slog.InfoContext(ctx, "maximum lifetime reached", "lifetime", o.args.Lifetime)
			o.args.Stop.Set()
			return
		}
	}
}

// monitorControl periodically checks the utilities of running payloads,
// restarting dead ones. The cadence comes from a validated cron expression
// or a plain interval.
func (o *Orchestrator) monitorControl(ctx context.Context) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		slog.ErrorContext(ctx, "initializing monitor scheduler failed", "error", err)
		return
	}

	def := gocron.DurationJob(o.args.MonitorEvery)
	if o.args.MonitorCron != "" {
		if err := ParseCron(o.args.MonitorCron); err != nil {
			slog.WarnContext(ctx, "invalid monitor cron, using interval",
				"cron", o.args.MonitorCron, "error", err)
		} else {
			def = gocron.CronJob(o.args.MonitorCron, false)
		}
	}

	_, err = scheduler.NewJob(def, gocron.NewTask(func() {
		o.checkActive(ctx)
	}))
	if err != nil {
		slog.ErrorContext(ctx, "initializing monitor job failed", "error", err)
		return
	}

	scheduler.Start()
	defer func() {
		if err := scheduler.Shutdown(); err != nil {
			slog.ErrorContext(ctx, "shutting down monitor scheduler failed", "error", err)
		}
	}()

	<-ctx.Done()
}

func (o *Orchestrator) checkActive(ctx context.Context) {
	o.activeMu.Lock()
	registries := make(map[string]*payload.Registry, len(o.active))
	for id, reg := range o.active {
		registries[id] = reg
	}
	o.activeMu.Unlock()

	for id, reg := range registries {
		reg.CheckAlive(log.WithJob(ctx, id))
	}
}

func (o *Orchestrator) registerActive(id string, reg *payload.Registry) {
	o.activeMu.Lock()
	defer o.activeMu.Unlock()
	o.active[id] = reg
}

func (o *Orchestrator) unregisterActive(id string) {
	o.activeMu.Lock()
	defer o.activeMu.Unlock()
	delete(o.active, id)
}

func (o *Orchestrator) finishJob(ctx context.Context, j *job.Job) {
	slog.InfoContext(ctx, "job finished", "errors", len(j.Errors()))
	o.queues.FinishedJobs.Push(j)
	o.traces.CountFinished()
}

func (o *Orchestrator) failJob(ctx context.Context, j *job.Job) {
	j.SetState(job.StateFailed)
	slog.WarnContext(ctx, "job failed", "errors", j.Errors())
	o.queues.FailedJobs.Push(j)
	o.traces.CountFailed()
}

// sleep waits one poll interval; false means the context ended.
func (o *Orchestrator) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(o.args.Poll):
		return true
	}
}
