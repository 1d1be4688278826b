package data

import (
	"fmt"
	"sync"
)

// FileState is the transfer state of one logical file.
type FileState string

const (
	NotYetTransferred  FileState = "not_yet_transferred"
	TransferInProgress FileState = "transfer_in_progress"
	Transferred        FileState = "transferred"
	TransferFailed     FileState = "transfer_failed"
)

// transitions lists the states reachable from each state. Terminal states
// have no successors.
var transitions = map[FileState][]FileState{
	NotYetTransferred:  {TransferInProgress},
	TransferInProgress: {Transferred, TransferFailed},
	Transferred:        {},
	TransferFailed:     {},
}

// FileStates tracks the transfer state of a job's files. Unknown states and
// invalid transitions are rejected, so a finished transfer can never slide
// back to in-progress.
type FileStates struct {
	mu     sync.Mutex
	states map[string]FileState
}

func NewFileStates(lfns []string) *FileStates {
	states := make(map[string]FileState, len(lfns))
	for _, lfn := range lfns {
		states[lfn] = NotYetTransferred
	}
	return &FileStates{states: states}
}

// Update moves lfn to state, validating the transition.
func (f *FileStates) Update(lfn string, state FileState) error {
	if lfn == "" {
		return fmt.Errorf("empty lfn")
	}
	if _, known := transitions[state]; !known {
		return fmt.Errorf("unknown file state: %s", state)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.states[lfn]
	if !ok {
		return fmt.Errorf("unknown file: %s", lfn)
	}
	for _, next := range transitions[current] {
		if next == state {
			f.states[lfn] = state
			return nil
		}
	}
	return fmt.Errorf("invalid transition for %s: %s -> %s", lfn, current, state)
}

// State returns the current state of lfn.
func (f *FileStates) State(lfn string) (FileState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.states[lfn]
	return s, ok
}

// States returns a copy of the full table.
func (f *FileStates) States() map[string]FileState {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]FileState, len(f.states))
	for k, v := range f.states {
		out[k] = v
	}
	return out
}
