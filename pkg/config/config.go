package config

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/temlab/beamshower/pkg/shower"
	"github.com/temlab/beamshower/pkg/tem"
)

type Config interface {
	DurationMinutes() int
	LensValues() (cl1, cl2, cl3 string)
	SpotSize() int
	BlankSettle() time.Duration
	LensSettle() time.Duration
	DetectorSettle() time.Duration
	Tick() time.Duration
	// DetectorRemovedCode and DetectorInsertedCode are the position codes
	// written to move a detector out of and back into the beam path.
	DetectorRemovedCode() tem.DetectorPosition
	DetectorInsertedCode() tem.DetectorPosition
	BackupPath() string
	JournalPath() string
	GatewayAddress() string
	AllowNonRootAccess() bool

	SetDurationMinutes(int)
	SetLensValues(cl1, cl2, cl3 string)
	SetSpotSize(int)
	SetAllowNonRootAccess(bool)

	// ShowerRequest returns the operator inputs currently configured.
	ShowerRequest() shower.Request
	LogrusFields() logrus.Fields

	// Load reads the configuration from the source.
	Load() error
	// Save saves the configuration to the source.
	Save() error
}
