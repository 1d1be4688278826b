package job

import (
	"sync"
	"time"
)

// State of a job within the pipeline. A job is owned by exactly one stage at
// a time; the state reflects how far the owning stage has taken it.
type State string

const (
	StateQueued   State = "queued"
	StateSetup    State = "setup"
	StateRunning  State = "running"
	StateFinished State = "finished"
	StateFailed   State = "failed"
)

// ErrorCode classifies a recorded job failure.
type ErrorCode int

const (
	CodeCommandResolutionFailure ErrorCode = 1305
	CodeLaunchFailure            ErrorCode = 1312
	CodePreprocessFailure        ErrorCode = 1321
	CodePostprocessFailure       ErrorCode = 1322
	CodeUnknownPayloadFailure    ErrorCode = 1323
)

func (c ErrorCode) String() string {
	switch c {
	case CodeCommandResolutionFailure:
		return "command resolution failure"
	case CodeLaunchFailure:
		return "payload launch failure"
	case CodePreprocessFailure:
		return "preprocess failure"
	case CodePostprocessFailure:
		return "postprocess failure"
	case CodeUnknownPayloadFailure:
		return "unknown payload failure"
	default:
		return "unclassified failure"
	}
}

// ErrorEntry is one recorded (code, diagnostic) pair. The list on a job is
// append-only: later failures never overwrite earlier ones.
type ErrorEntry struct {
	Code ErrorCode
	Diag string
}

// Utility is one live auxiliary process associated with a job. Launches
// counts how many times the command was started (restarts included), Command
// keeps the full invocation so a monitor can relaunch it later.
type Utility struct {
	Handle   ProcessHandle
	Launches int
	Command  string
}

// ProcessHandle is the part of a launched process a utility table needs.
// Satisfied by *proc.Handle.
type ProcessHandle interface {
	Alive() bool
	Signal(sig int) error
}

// Job is one unit of work pulled from the spool. It is mutable and owned by
// whichever pipeline stage currently holds it; handoff happens by queue
// insertion, never by sharing.
type Job struct {
	ID      string
	WorkDir string

	// Transformation and Params make up the payload invocation; Params may
	// be rewritten by a preprocess step.
	Transformation string
	Params         string

	// Setup is the command prefix shared by the payload and the pre/post
	// process steps, derived once from the resolved payload command.
	Setup string

	IsHPO bool

	// Companion names an executable the preprocess step may stage into the
	// work directory; it is made executable after a successful preprocess.
	Companion string

	InputFiles  []string
	OutputFiles []string

	Pid  int
	Pgid int

	mu        sync.Mutex
	state     State
	errors    []ErrorEntry
	utilities map[string]*Utility
	timing    map[string]time.Time
}

func New(id, workdir string) *Job {
	return &Job{
		ID:        id,
		WorkDir:   workdir,
		state:     StateQueued,
		utilities: make(map[string]*Utility),
		timing:    make(map[string]time.Time),
	}
}

func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

func (j *Job) SetState(s State) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.state = s
}

// AddError appends a classified failure. Entries are never dropped or
// rewritten.
func (j *Job) AddError(code ErrorCode, diag string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.errors = append(j.errors, ErrorEntry{Code: code, Diag: diag})
}

func (j *Job) Errors() []ErrorEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]ErrorEntry, len(j.errors))
	copy(out, j.errors)
	return out
}

// SetUtility records a live utility handle under its command name.
func (j *Job) SetUtility(name string, u *Utility) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.utilities[name] = u
}

func (j *Job) Utility(name string) (*Utility, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	u, ok := j.utilities[name]
	return u, ok
}

func (j *Job) RemoveUtility(name string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.utilities, name)
}

func (j *Job) UtilityNames() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	names := make([]string, 0, len(j.utilities))
	for name := range j.utilities {
		names = append(names, name)
	}
	return names
}

func (j *Job) UtilityCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.utilities)
}

// AddTiming records a wall-clock mark (pre_setup, post_setup, pre_payload,
// post_payload) for the timing report written at the end of a run.
func (j *Job) AddTiming(mark string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.timing[mark] = time.Now().UTC()
}

func (j *Job) Timing() map[string]time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make(map[string]time.Time, len(j.timing))
	for k, v := range j.timing {
		out[k] = v
	}
	return out
}
