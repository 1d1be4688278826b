package payload

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/droverhq/drover/internal/job"
	"github.com/droverhq/drover/internal/model"
)

// Order is one of the four utility extension points around the payload.
type Order string

const (
	BeforePayload        Order = model.OrderBeforePayload
	WithPayload          Order = model.OrderWithPayload
	AfterPayloadStarted  Order = model.OrderAfterPayloadStarted
	AfterPayloadFinished Order = model.OrderAfterPayloadFinished
)

// UtilityCommand is the (command, args) pair for one extension point.
type UtilityCommand struct {
	Command string
	Args    string
}

func (u UtilityCommand) String() string {
	if u.Args == "" {
		return u.Command
	}
	return u.Command + " " + u.Args
}

// BuildError is a structured failure from a Builder: the code ends up on the
// job's error list, the diagnostic in the logs.
type BuildError struct {
	Code job.ErrorCode
	Diag string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Diag)
}

// Builder resolves the payload invocation and the utility hooks for a job.
// One concrete implementation is selected by configuration at startup and
// injected into the Executor; nothing is looked up dynamically at call sites.
type Builder interface {
	// PayloadCommand returns the full shell invocation for the payload, or
	// a *BuildError with a classification code.
	PayloadCommand(ctx context.Context, j *job.Job) (string, error)

	// UtilityCommands returns the utility bound to the given extension
	// point, or nil when none is configured.
	UtilityCommands(order Order, j *job.Job) *UtilityCommand

	// UtilitySetup returns the full command line used to launch the named
	// utility, with job placeholders expanded. Empty means nothing to run.
	UtilitySetup(name string, j *job.Job) string

	// UtilityKillSignal returns the signal number used to stop the named
	// utility.
	UtilityKillSignal(name string) int

	// PostUtilityAction runs after a utility has been signaled to stop.
	PostUtilityAction(ctx context.Context, name string, j *job.Job)
}

// GenericBuilder builds commands from static configuration: a setup prefix
// shared by all jobs plus the job's own transformation and parameters.
type GenericBuilder struct {
	cfg model.Config
}

func NewGenericBuilder(cfg model.Config) *GenericBuilder {
	return &GenericBuilder{cfg: cfg}
}

func (b *GenericBuilder) PayloadCommand(_ context.Context, j *job.Job) (string, error) {
	if strings.TrimSpace(j.Transformation) == "" {
		return "", &BuildError{
			Code: job.CodeCommandResolutionFailure,
			Diag: "job has no transformation to execute",
		}
	}

	var sb strings.Builder
	if b.cfg.Payload.Setup != nil {
		setup := strings.TrimSpace(*b.cfg.Payload.Setup)
		if setup != "" {
			sb.WriteString(setup)
			if !strings.HasSuffix(setup, ";") {
				sb.WriteString(";")
			}
			sb.WriteString(" ")
		}
	}
	sb.WriteString(j.Transformation)
	if j.Params != "" {
		sb.WriteString(" ")
		sb.WriteString(j.Params)
	}
	return sb.String(), nil
}

func (b *GenericBuilder) UtilityCommands(order Order, j *job.Job) *UtilityCommand {
	for _, u := range b.cfg.Utilities {
		if Order(u.Order) != order {
			continue
		}
		args := ""
		if u.Args != nil {
			args = *u.Args
		}
		return &UtilityCommand{Command: u.Command, Args: args}
	}
	return nil
}

func (b *GenericBuilder) UtilitySetup(name string, j *job.Job) string {
	for _, u := range b.cfg.Utilities {
		if u.Command != name {
			continue
		}
		cmd := u.Command
		if u.Args != nil && *u.Args != "" {
			cmd += " " + expandPlaceholders(*u.Args, j)
		}
		return cmd
	}
	return ""
}

func (b *GenericBuilder) UtilityKillSignal(name string) int {
	for _, u := range b.cfg.Utilities {
		if u.Command != name {
			continue
		}
		if u.KillSignal != nil {
			return *u.KillSignal
		}
	}
	return int(unix.SIGTERM)
}

func (b *GenericBuilder) PostUtilityAction(_ context.Context, _ string, _ *job.Job) {
	// the generic user has no cleanup to perform after a utility stops
}

// expandPlaceholders substitutes job runtime values into utility arguments,
// e.g. "--pid {pid} --output {workdir}/monitor.json".
func expandPlaceholders(args string, j *job.Job) string {
	r := strings.NewReplacer(
		"{pid}", strconv.Itoa(j.Pid),
		"{workdir}", j.WorkDir,
		"{job_id}", j.ID,
	)
	return r.Replace(args)
}

var _ Builder = (*GenericBuilder)(nil)
