package daemon

import (
	"errors"
	"fmt"

	"github.com/temlab/beamshower/pkg/shower"
)

var ErrShowerInProgress = &showerError{"beam shower already in progress"}
var ErrShowerNotRunning = &showerError{"beam shower not running"}
var ErrShowerRestoring = &showerError{"beam shower is restoring the instrument and cannot be cancelled"}
var ErrShowerNeedsRestore = &showerError{"last beam shower failed before the instrument was restored, cancel it first"}

// ErrBackup marks a failure to capture the instrument state before a run.
// Nothing has been changed on the instrument when it is returned.
var ErrBackup = errors.New("failed to back up instrument state")

type showerError struct{ msg string }

func (e *showerError) Error() string { return e.msg }

// StepError records where in the sequence an instrument call failed.
type StepError struct {
	Phase shower.Phase
	Step  shower.Step
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s step %q failed: %v", e.Phase, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
