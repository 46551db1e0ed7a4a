package tem

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Operation names, used in CallError.Op and for failure injection.
const (
	OpFLCAbs              = "FLCAbs"
	OpSetFLCAbs           = "SetFLCAbs"
	OpSetBeamBlank        = "SetBeamBlank"
	OpSpotSize            = "SpotSize"
	OpSelectSpotSize      = "SelectSpotSize"
	OpAttachedDetectors   = "AttachedDetectors"
	OpDetectorPosition    = "DetectorPosition"
	OpSetDetectorPosition = "SetDetectorPosition"
	OpSetScreen           = "SetScreen"
)

// SimState is the prefill for a simulated instrument.
type SimState struct {
	FLC       map[LensChannel]int
	SpotSize  int
	Blanked   bool
	Detectors map[DetectorID]DetectorPosition
	Screen    ScreenPosition
}

// DefaultSimState resembles a column at rest: beam blanked, spot 1, two
// detectors with only the camera inserted.
func DefaultSimState() SimState {
	return SimState{
		FLC:      map[LensChannel]int{CL1: 0x8000, CL2: 0x8000, CL3: 0x8000},
		SpotSize: 1,
		Blanked:  true,
		Detectors: map[DetectorID]DetectorPosition{
			"CAMERA": DetectorInserted,
			"EDS":    DetectorRetracted,
		},
		Screen: ScreenInserted,
	}
}

// Sim is the offline instrument. It answers every call from memory with
// the same signatures as a live connection. Position codes are stored as
// written.
type Sim struct {
	mu    sync.Mutex
	st    SimState
	open  bool
	fails map[string]error
}

var _ Instrument = &Sim{}

// NewSim returns a simulated instrument in the default state.
func NewSim() *Sim {
	return NewSimWith(DefaultSimState())
}

// NewSimWith returns a simulated instrument with prefilled state.
func NewSimWith(st SimState) *Sim {
	cp := SimState{
		FLC:       make(map[LensChannel]int, len(st.FLC)),
		SpotSize:  st.SpotSize,
		Blanked:   st.Blanked,
		Detectors: make(map[DetectorID]DetectorPosition, len(st.Detectors)),
		Screen:    st.Screen,
	}
	for k, v := range st.FLC {
		cp.FLC[k] = v
	}
	for k, v := range st.Detectors {
		cp.Detectors[k] = v
	}
	return &Sim{st: cp, fails: make(map[string]error)}
}

// FailOn makes every later call of op return err. A nil err clears it.
func (s *Sim) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fails, op)
		return
	}
	s.fails[op] = err
}

// Snapshot returns a copy of the simulated state.
func (s *Sim) Snapshot() SimState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return NewSimWith(s.st).st
}

func (s *Sim) Name() string { return "sim" }

func (s *Sim) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = true
	return nil
}

func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	return nil
}

// check must be called with mu held.
func (s *Sim) check(op string) error {
	if !s.open {
		return callErr(op, ErrNotConnected)
	}
	if err, ok := s.fails[op]; ok {
		return callErr(op, err)
	}
	return nil
}

func (s *Sim) FLCAbs(ch LensChannel) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(OpFLCAbs); err != nil {
		return 0, err
	}
	v := s.st.FLC[ch]
	logrus.WithFields(logrus.Fields{"channel": ch, "value": v}).Trace("sim: FLCAbs")
	return v, nil
}

func (s *Sim) SetFLCAbs(ch LensChannel, value int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(OpSetFLCAbs); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{"channel": ch, "value": value}).Trace("sim: SetFLCAbs")
	s.st.FLC[ch] = value
	return nil
}

func (s *Sim) SetBeamBlank(blank bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(OpSetBeamBlank); err != nil {
		return err
	}
	logrus.WithField("blank", blank).Trace("sim: SetBeamBlank")
	s.st.Blanked = blank
	return nil
}

func (s *Sim) SpotSize() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(OpSpotSize); err != nil {
		return 0, err
	}
	return s.st.SpotSize, nil
}

func (s *Sim) SelectSpotSize(size int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(OpSelectSpotSize); err != nil {
		return err
	}
	logrus.WithField("spotSize", size).Trace("sim: SelectSpotSize")
	s.st.SpotSize = size
	return nil
}

func (s *Sim) AttachedDetectors() ([]DetectorID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(OpAttachedDetectors); err != nil {
		return nil, err
	}
	ids := make([]DetectorID, 0, len(s.st.Detectors))
	for id := range s.st.Detectors {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *Sim) DetectorPosition(id DetectorID) (DetectorPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(OpDetectorPosition); err != nil {
		return 0, err
	}
	pos, ok := s.st.Detectors[id]
	if !ok {
		return 0, callErr(OpDetectorPosition, ErrUnknownDetector)
	}
	return pos, nil
}

func (s *Sim) SetDetectorPosition(id DetectorID, pos DetectorPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(OpSetDetectorPosition); err != nil {
		return err
	}
	if _, ok := s.st.Detectors[id]; !ok {
		return callErr(OpSetDetectorPosition, ErrUnknownDetector)
	}
	logrus.WithFields(logrus.Fields{"detector": id, "position": pos}).Trace("sim: SetDetectorPosition")
	s.st.Detectors[id] = pos
	return nil
}

func (s *Sim) SetScreen(pos ScreenPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(OpSetScreen); err != nil {
		return err
	}
	logrus.WithField("screen", pos).Trace("sim: SetScreen")
	s.st.Screen = pos
	return nil
}
