package daemon

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/temlab/beamshower/pkg/config"
	"github.com/temlab/beamshower/pkg/events"
	"github.com/temlab/beamshower/pkg/shower"
	"github.com/temlab/beamshower/pkg/tem"
	"github.com/temlab/beamshower/pkg/utils/ptr"
)

// recorder wraps the simulated instrument and records every call.
type recorder struct {
	*tem.Sim

	mu     sync.Mutex
	calls  []string
	counts map[string]int
	failAt map[string]failure
}

type failure struct {
	nth int
	err error
}

func newRecorder(st tem.SimState) *recorder {
	sim := tem.NewSimWith(st)
	_ = sim.Open()
	return &recorder{
		Sim:    sim,
		counts: map[string]int{},
		failAt: map[string]failure{},
	}
}

// FailAt makes the nth call (1-based) of op fail.
func (r *recorder) FailAt(op string, nth int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failAt[op] = failure{nth: nth, err: err}
}

func (r *recorder) add(op, call string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
	r.counts[op]++
	if f, ok := r.failAt[op]; ok && f.nth == r.counts[op] {
		return &tem.CallError{Op: op, Err: f.err}
	}
	return nil
}

func (r *recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// Mutations filters out reads.
func (r *recorder) Mutations() []string {
	var out []string
	for _, c := range r.Calls() {
		if !strings.HasPrefix(c, "read-") {
			out = append(out, c)
		}
	}
	return out
}

func (r *recorder) FLCAbs(ch tem.LensChannel) (int, error) {
	if err := r.add(tem.OpFLCAbs, fmt.Sprintf("read-lens(%d)", ch)); err != nil {
		return 0, err
	}
	return r.Sim.FLCAbs(ch)
}

func (r *recorder) SetFLCAbs(ch tem.LensChannel, v int) error {
	if err := r.add(tem.OpSetFLCAbs, fmt.Sprintf("lens(%d,%d)", ch, v)); err != nil {
		return err
	}
	return r.Sim.SetFLCAbs(ch, v)
}

func (r *recorder) SetBeamBlank(b bool) error {
	if err := r.add(tem.OpSetBeamBlank, fmt.Sprintf("blank(%t)", b)); err != nil {
		return err
	}
	return r.Sim.SetBeamBlank(b)
}

func (r *recorder) SpotSize() (int, error) {
	if err := r.add(tem.OpSpotSize, "read-spot"); err != nil {
		return 0, err
	}
	return r.Sim.SpotSize()
}

func (r *recorder) SelectSpotSize(s int) error {
	if err := r.add(tem.OpSelectSpotSize, fmt.Sprintf("spot(%d)", s)); err != nil {
		return err
	}
	return r.Sim.SelectSpotSize(s)
}

func (r *recorder) AttachedDetectors() ([]tem.DetectorID, error) {
	if err := r.add(tem.OpAttachedDetectors, "read-detectors"); err != nil {
		return nil, err
	}
	return r.Sim.AttachedDetectors()
}

func (r *recorder) DetectorPosition(id tem.DetectorID) (tem.DetectorPosition, error) {
	if err := r.add(tem.OpDetectorPosition, fmt.Sprintf("read-detector(%s)", id)); err != nil {
		return 0, err
	}
	return r.Sim.DetectorPosition(id)
}

func (r *recorder) SetDetectorPosition(id tem.DetectorID, pos tem.DetectorPosition) error {
	if err := r.add(tem.OpSetDetectorPosition, fmt.Sprintf("detector(%s,%d)", id, pos)); err != nil {
		return err
	}
	return r.Sim.SetDetectorPosition(id, pos)
}

func (r *recorder) SetScreen(pos tem.ScreenPosition) error {
	if err := r.add(tem.OpSetScreen, fmt.Sprintf("screen(%d)", pos)); err != nil {
		return err
	}
	return r.Sim.SetScreen(pos)
}

// fakeClock fires timers immediately unless their duration is held.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	waits []time.Duration
	holds map[time.Duration]chan struct{}
}

func newFakeClock() *fakeClock {
	return &fakeClock{
		now:   time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
		holds: map[time.Duration]chan struct{}{},
	}
}

// Hold blocks waits of exactly d until the returned func is called.
func (f *fakeClock) Hold(t *testing.T, d time.Duration) func() {
	gate := make(chan struct{})
	f.mu.Lock()
	f.holds[d] = gate
	f.mu.Unlock()

	var once sync.Once
	release := func() { once.Do(func() { close(gate) }) }
	t.Cleanup(release)
	return release
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	f.waits = append(f.waits, d)
	f.now = f.now.Add(d)
	now := f.now
	gate := f.holds[d]
	f.mu.Unlock()

	ch := make(chan time.Time, 1)
	if gate == nil {
		ch <- now
		return ch
	}
	go func() {
		<-gate
		ch <- now
	}()
	return ch
}

func (f *fakeClock) Waits() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.waits...)
}

type harness struct {
	c     *Controller
	inst  *recorder
	clock *fakeClock
	conf  *config.File
	hub   *events.EventHub
	dir   string
}

// newHarness builds a controller on a recorded simulator with a one minute
// shower ticking every 250ms. opts may adjust the config before it is built.
func newHarness(t *testing.T, st tem.SimState, opts ...func(*config.RawFileConfig)) *harness {
	t.Helper()
	dir := t.TempDir()
	raw := &config.RawFileConfig{
		DurationMinutes: ptr.To(1),
		Tick:            ptr.To("250ms"),
		BackupPath:      ptr.To(filepath.Join(dir, "cl-values.txt")),
	}
	for _, opt := range opts {
		opt(raw)
	}
	conf := config.NewFileFromConfig(raw, filepath.Join(dir, "beamshower.json"))

	h := &harness{
		inst:  newRecorder(st),
		clock: newFakeClock(),
		conf:  conf,
		hub:   events.NewEventHub(),
		dir:   dir,
	}
	h.c = NewController(ControllerOptions{
		Instrument: h.inst,
		Config:     conf,
		Hub:        h.hub,
		Clock:      h.clock,
	})
	return h
}

func (h *harness) waitPhase(t *testing.T, phase shower.Phase) *shower.Status {
	t.Helper()
	var st *shower.Status
	require.Eventually(t, func() bool {
		st = h.c.Status()
		return st.Phase == phase
	}, 5*time.Second, time.Millisecond, "waiting for phase %s", phase)
	return st
}

func (h *harness) waitStep(t *testing.T, step shower.Step) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.c.Status().Step == step
	}, 5*time.Second, time.Millisecond, "waiting for step %s", step)
}

// waitDone waits until the current run has left every active phase.
func (h *harness) waitDone(t *testing.T) *shower.Status {
	t.Helper()
	h.c.mu.Lock()
	done := h.c.cur.done
	h.c.mu.Unlock()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}
	return h.c.Status()
}

func (h *harness) lastErr() error {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	return h.c.cur.err
}
