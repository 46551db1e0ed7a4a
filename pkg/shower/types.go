package shower

import (
	"time"

	"github.com/temlab/beamshower/pkg/tem"
)

// Phase defines the phases of a shower run.
type Phase string

const (
	PhaseIdle       Phase = "Idle"
	PhasePreparing  Phase = "Preparing"
	PhaseRunning    Phase = "Running"
	PhaseRestoring  Phase = "Restoring"
	PhaseRecovering Phase = "Recovering"
	PhaseError      Phase = "Error"
)

// Active reports whether a run owns the instrument in this phase.
func (p Phase) Active() bool {
	switch p {
	case PhasePreparing, PhaseRunning, PhaseRestoring, PhaseRecovering:
		return true
	}
	return false
}

// Step names a single instrument action or wait inside a phase.
type Step string

const (
	StepNone            Step = ""
	StepSaveBackup      Step = "save-backup"
	StepBlank           Step = "blank"
	StepSettleBlank     Step = "settle-blank"
	StepLoadParams      Step = "load-params"
	StepSpotSize        Step = "spot-size"
	StepSetLens         Step = "set-lens"
	StepSettleLens      Step = "settle-lens"
	StepRemoveDetectors Step = "remove-detectors"
	StepSettleDetectors Step = "settle-detectors"
	StepUnblank         Step = "unblank"
	StepCountdown       Step = "countdown"
	StepRestoreLens     Step = "restore-lens"
	StepRestoreSpot     Step = "restore-spot"
	StepSettleRestore   Step = "settle-restore"
	StepInsertDetectors Step = "insert-detectors"
	StepSettleInsert    Step = "settle-insert"
	StepReblank         Step = "reblank"
)

// Label is the operator-facing text for the start control while a step runs.
func (s Step) Label() string {
	switch s {
	case StepSaveBackup, StepBlank, StepSettleBlank:
		return "Blanking Beam"
	case StepLoadParams, StepSpotSize, StepSetLens, StepSettleLens:
		return "Setting Lenses"
	case StepRemoveDetectors, StepSettleDetectors:
		return "Removing Detectors"
	case StepUnblank, StepCountdown:
		return "Running Beam Shower"
	case StepRestoreLens, StepRestoreSpot, StepSettleRestore:
		return "Resetting Lenses"
	case StepInsertDetectors, StepSettleInsert:
		return "Inserting Detectors"
	case StepReblank:
		return "Recovering"
	}
	return "Start Beam Shower"
}

// Action defines operator actions on the shower.
type Action string

const (
	ActionStart  Action = "Start"
	ActionCancel Action = "Cancel"
	ActionFinish Action = "Finish"
)

// Snapshot is the instrument state captured at the start of every run.
type Snapshot struct {
	Backup            Backup           `json:"backup"`
	SpotSize          int              `json:"spotSize"`
	InsertedDetectors []tem.DetectorID `json:"insertedDetectors"`
	TakenAt           time.Time        `json:"takenAt"`
}

// Status is the view model exposed by the daemon. It derives from the
// controller state plus the live countdown.
type Status struct {
	RunID     string    `json:"runId,omitempty"`
	Phase     Phase     `json:"phase"`
	Step      Step      `json:"step,omitempty"`
	Label     string    `json:"label"`
	StartedAt time.Time `json:"startedAt,omitempty"`

	Params   *Params   `json:"params,omitempty"`
	Snapshot *Snapshot `json:"snapshot,omitempty"`
	Progress Progress  `json:"progress"`

	Online     bool   `json:"online"`
	Instrument string `json:"instrument"`

	CanStart  bool   `json:"canStart"`
	CanCancel bool   `json:"canCancel"`
	Message   string `json:"message,omitempty"`
}
