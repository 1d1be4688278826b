package pipeline

import "sync"

// Pipeline-level status codes.
const (
	StatusSuccess = 0
	StatusFailure = 1
)

// Traces is the run summary returned by the orchestrator: an overall status
// code plus counters of jobs that reached a terminal queue.
type Traces struct {
	mu       sync.Mutex
	status   int
	finished int
	failed   int
}

func (t *Traces) CountFinished() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finished++
}

func (t *Traces) CountFailed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failed++
	t.status = StatusFailure
}

// SetFailure forces the overall status without touching job counters, used
// when a stage loop itself broke.
func (t *Traces) SetFailure() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = StatusFailure
}

func (t *Traces) Status() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Traces) Finished() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finished
}

func (t *Traces) Failed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failed
}

// Jobs is the total number of jobs processed to a terminal state.
func (t *Traces) Jobs() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finished + t.failed
}
