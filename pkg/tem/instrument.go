package tem

// LensChannel indexes the free lens control channels.
type LensChannel int

const (
	CL1 LensChannel = 0
	CL2 LensChannel = 1
	CL3 LensChannel = 2
)

// CondenserLenses lists the channels overridden during a shower, in the
// order they are applied and restored.
var CondenserLenses = []LensChannel{CL1, CL2, CL3}

func (c LensChannel) String() string {
	switch c {
	case CL1:
		return "CL1"
	case CL2:
		return "CL2"
	case CL3:
		return "CL3"
	}
	return "FLC?"
}

// DetectorID identifies a physical detector attached to the column.
type DetectorID string

// DetectorPosition is a detector controller position code. Codes read back
// and codes written are not symmetric on every controller: the one the
// procedure was written for reports 1 for an inserted detector and takes 1
// as the move command in both directions. The codes a run writes come from
// the daemon configuration.
type DetectorPosition int

// Codes reported by DetectorPosition.
const (
	DetectorRetracted DetectorPosition = 0
	DetectorInserted  DetectorPosition = 1
)

// ScreenPosition is the viewing screen state code.
type ScreenPosition int

const (
	ScreenRetracted ScreenPosition = 0
	ScreenInserted  ScreenPosition = 2
)

// Lens controls free lens control (absolute) set-points.
type Lens interface {
	// FLCAbs reads the absolute free lens control value of a channel.
	FLCAbs(ch LensChannel) (int, error)
	// SetFLCAbs overrides a channel with an absolute value.
	SetFLCAbs(ch LensChannel, value int) error
}

// Deflector controls the beam blanker.
type Deflector interface {
	SetBeamBlank(blank bool) error
}

// EOS controls the electron optics system presets.
type EOS interface {
	SpotSize() (int, error)
	SelectSpotSize(size int) error
}

// Detector controls detector and screen insertion.
type Detector interface {
	AttachedDetectors() ([]DetectorID, error)
	DetectorPosition(id DetectorID) (DetectorPosition, error)
	SetDetectorPosition(id DetectorID, pos DetectorPosition) error
	SetScreen(pos ScreenPosition) error
}

// Instrument is everything the shower sequencer needs from a microscope.
type Instrument interface {
	Lens
	Deflector
	EOS
	Detector

	Open() error
	Close() error
	// Name describes the connection, e.g. "sim" or the gateway address.
	Name() string
}
