package daemon

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/temlab/beamshower/pkg/config"
	"github.com/temlab/beamshower/pkg/events"
	"github.com/temlab/beamshower/pkg/journal"
	"github.com/temlab/beamshower/pkg/shower"
	"github.com/temlab/beamshower/pkg/tem"
	"github.com/temlab/beamshower/pkg/utils/ptr"
)

var errBoom = errors.New("boom")

func TestShowerEndToEndOrder(t *testing.T) {
	h := newHarness(t, tem.DefaultSimState())

	id, err := h.c.Start(nil)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	st := h.waitDone(t)
	assert.Equal(t, shower.PhaseIdle, st.Phase)
	assert.True(t, st.CanStart)
	assert.False(t, st.CanCancel)
	assert.Equal(t, "Start Beam Shower", st.Label)
	assert.Equal(t, id, st.RunID)

	assert.Equal(t, []string{
		"blank(true)",
		"spot(5)",
		"lens(0,1000)",
		"lens(1,1000)",
		"lens(2,1000)",
		"detector(CAMERA,1)",
		"screen(0)",
		"blank(false)",
		"lens(0,32768)",
		"lens(1,32768)",
		"lens(2,32768)",
		"spot(1)",
		"detector(CAMERA,1)",
		"screen(2)",
	}, h.inst.Mutations())

	// Reads all happen before the first mutation.
	assert.Equal(t, []string{
		"read-lens(0)", "read-lens(1)", "read-lens(2)",
		"read-spot", "read-detectors",
		"read-detector(CAMERA)", "read-detector(EDS)",
	}, h.inst.Calls()[:7])

	waits := h.clock.Waits()
	require.Len(t, waits, 3+240+2)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 10 * time.Second}, waits[:3])
	for _, w := range waits[3:243] {
		assert.Equal(t, 250*time.Millisecond, w)
	}
	assert.Equal(t, []time.Duration{2 * time.Second, 10 * time.Second}, waits[243:])

	assert.Equal(t, 100, st.Progress.Percent)
	assert.True(t, st.Progress.Done)
}

func TestResetRestoresExactBackup(t *testing.T) {
	st := tem.SimState{
		FLC:      map[tem.LensChannel]int{tem.CL1: 0x1234, tem.CL2: 0x2345, tem.CL3: 0x3456},
		SpotSize: 3,
		Blanked:  false,
		Detectors: map[tem.DetectorID]tem.DetectorPosition{
			"BF":     tem.DetectorInserted,
			"HAADF":  tem.DetectorInserted,
			"CAMERA": tem.DetectorRetracted,
		},
		Screen: tem.ScreenInserted,
	}
	h := newHarness(t, st)

	_, err := h.c.Start(&shower.Request{CL1: "0400", CL2: "0500", CL3: "0600", SpotSize: 4})
	require.NoError(t, err)
	status := h.waitDone(t)
	require.Equal(t, shower.PhaseIdle, status.Phase)

	got := h.inst.Snapshot()
	assert.Equal(t, st.FLC, got.FLC)
	assert.Equal(t, 3, got.SpotSize)
	assert.Equal(t, st.Detectors, got.Detectors)
	assert.Equal(t, tem.ScreenInserted, got.Screen)

	backup, err := shower.ReadBackupFile(h.conf.BackupPath())
	require.NoError(t, err)
	assert.Equal(t, shower.Backup{CL1: 0x1234, CL2: 0x2345, CL3: 0x3456}, backup)

	require.NotNil(t, status.Snapshot)
	assert.Equal(t, []tem.DetectorID{"BF", "HAADF"}, status.Snapshot.InsertedDetectors)
	assert.Equal(t, &shower.Params{DurationMinutes: 1, CL1: 0x400, CL2: 0x500, CL3: 0x600, SpotSize: 4}, status.Params)
}

func TestRemoveDetectorsIdempotent(t *testing.T) {
	h := newHarness(t, tem.DefaultSimState())
	ids := []tem.DetectorID{"CAMERA"}

	require.NoError(t, h.c.removeDetectors(ids))
	once := h.inst.Snapshot()
	require.NoError(t, h.c.removeDetectors(ids))
	twice := h.inst.Snapshot()

	assert.Equal(t, once, twice)
	assert.Equal(t, tem.DetectorPosition(1), h.conf.DetectorRemovedCode())
	assert.Equal(t, tem.DetectorPosition(1), twice.Detectors["CAMERA"])
	assert.Equal(t, tem.DetectorRetracted, twice.Detectors["EDS"], "only listed detectors are moved")
	assert.Equal(t, tem.ScreenRetracted, twice.Screen)
	assert.Equal(t, []string{
		"detector(CAMERA,1)", "screen(0)",
		"detector(CAMERA,1)", "screen(0)",
	}, h.inst.Mutations())
}

func TestDetectorCodesFollowConfig(t *testing.T) {
	h := newHarness(t, tem.DefaultSimState(), func(raw *config.RawFileConfig) {
		raw.DetectorRemovedCode = ptr.To(0)
		raw.DetectorInsertedCode = ptr.To(2)
	})

	_, err := h.c.Start(nil)
	require.NoError(t, err)
	st := h.waitDone(t)
	require.Equal(t, shower.PhaseIdle, st.Phase)

	var detectorCalls []string
	for _, m := range h.inst.Mutations() {
		if strings.HasPrefix(m, "detector(") {
			detectorCalls = append(detectorCalls, m)
		}
	}
	assert.Equal(t, []string{"detector(CAMERA,0)", "detector(CAMERA,2)"}, detectorCalls)
	assert.Equal(t, tem.DetectorPosition(2), h.inst.Snapshot().Detectors["CAMERA"])
}

func TestStartWhileRunningIsRejected(t *testing.T) {
	h := newHarness(t, tem.DefaultSimState())
	release := h.clock.Hold(t, time.Second)

	_, err := h.c.Start(nil)
	require.NoError(t, err)
	h.waitStep(t, shower.StepSettleBlank)

	st := h.c.Status()
	assert.False(t, st.CanStart)
	assert.Equal(t, "Blanking Beam", st.Label)

	before := h.inst.Calls()
	_, err = h.c.Start(nil)
	assert.ErrorIs(t, err, ErrShowerInProgress)
	assert.Equal(t, before, h.inst.Calls(), "a rejected start must not touch the instrument")

	release()
	assert.Equal(t, shower.PhaseIdle, h.waitDone(t).Phase)
}

func TestStartRejectsInvalidParams(t *testing.T) {
	h := newHarness(t, tem.DefaultSimState())

	_, err := h.c.Start(&shower.Request{CL1: "zz"})
	assert.ErrorIs(t, err, shower.ErrInvalidParams)

	_, err = h.c.Start(&shower.Request{DurationMinutes: -5})
	assert.ErrorIs(t, err, shower.ErrInvalidParams)

	assert.Empty(t, h.inst.Calls())
	st := h.c.Status()
	assert.Equal(t, shower.PhaseIdle, st.Phase)
	assert.Empty(t, st.RunID)
}

func TestParamsAreReadAtLoadParams(t *testing.T) {
	h := newHarness(t, tem.DefaultSimState())
	release := h.clock.Hold(t, time.Second)

	_, err := h.c.Start(nil)
	require.NoError(t, err)
	h.waitStep(t, shower.StepSettleBlank)

	h.conf.SetLensValues("0400", "0400", "0400")
	release()
	h.waitDone(t)

	assert.Contains(t, h.inst.Mutations(), "lens(0,1024)")
	assert.NotContains(t, h.inst.Mutations(), "lens(0,1000)")
}

func TestBackupFailureLeavesInstrumentUntouched(t *testing.T) {
	t.Run("unreadable lens", func(t *testing.T) {
		h := newHarness(t, tem.DefaultSimState())
		h.inst.FailAt(tem.OpFLCAbs, 2, errBoom)

		_, err := h.c.Start(nil)
		require.NoError(t, err)
		st := h.waitDone(t)

		assert.Equal(t, shower.PhaseError, st.Phase)
		assert.ErrorIs(t, h.lastErr(), ErrBackup)
		assert.ErrorIs(t, h.lastErr(), tem.ErrCommunication)
		assert.Empty(t, h.inst.Mutations())
		assert.True(t, st.CanStart)
	})

	t.Run("unwritable file", func(t *testing.T) {
		h := newHarness(t, tem.DefaultSimState())
		h.c.conf = config.NewFileFromConfig(&config.RawFileConfig{
			BackupPath: ptr.To(filepath.Join(h.dir, "missing", "cl-values.txt")),
		}, "")

		_, err := h.c.Start(nil)
		require.NoError(t, err)
		st := h.waitDone(t)

		assert.Equal(t, shower.PhaseError, st.Phase)
		assert.ErrorIs(t, h.lastErr(), ErrBackup)
		assert.Empty(t, h.inst.Mutations())
		assert.Nil(t, st.Snapshot)

		// Nothing to restore: cancel just clears the error.
		require.NoError(t, h.c.Cancel())
		assert.Equal(t, shower.PhaseIdle, h.c.Status().Phase)
	})
}

func TestPreparingFailureRecovers(t *testing.T) {
	h := newHarness(t, tem.DefaultSimState())
	h.inst.FailAt(tem.OpSetScreen, 1, errBoom)

	_, err := h.c.Start(nil)
	require.NoError(t, err)
	st := h.waitDone(t)

	assert.Equal(t, shower.PhaseError, st.Phase)
	assert.Contains(t, st.Message, "boom")

	var stepErr *StepError
	require.ErrorAs(t, h.lastErr(), &stepErr)
	assert.Equal(t, shower.PhasePreparing, stepErr.Phase)
	assert.Equal(t, shower.StepRemoveDetectors, stepErr.Step)
	assert.ErrorIs(t, h.lastErr(), errBoom)

	// Recovery re-blanked and put everything back.
	got := h.inst.Snapshot()
	assert.True(t, got.Blanked)
	assert.Equal(t, tem.DefaultSimState().FLC, got.FLC)
	assert.Equal(t, 1, got.SpotSize)
	assert.Equal(t, tem.DetectorInserted, got.Detectors["CAMERA"])
	assert.Equal(t, tem.ScreenInserted, got.Screen)
	assert.NotContains(t, h.inst.Mutations(), "blank(false)")
}

func TestPreparingFailureJoinsRecoveryErrors(t *testing.T) {
	h := newHarness(t, tem.DefaultSimState())
	h.inst.FailAt(tem.OpSelectSpotSize, 1, errBoom)
	h.inst.FailAt(tem.OpSetDetectorPosition, 1, errors.New("stuck"))

	_, err := h.c.Start(nil)
	require.NoError(t, err)
	st := h.waitDone(t)

	assert.Equal(t, shower.PhaseError, st.Phase)
	assert.ErrorIs(t, h.lastErr(), errBoom)
	assert.Contains(t, st.Message, "stuck")
}

func TestRestoringFailureGoesToError(t *testing.T) {
	h := newHarness(t, tem.DefaultSimState())
	// Calls 1 to 3 apply the shower values, call 4 is the first restore.
	h.inst.FailAt(tem.OpSetFLCAbs, 4, errBoom)

	_, err := h.c.Start(nil)
	require.NoError(t, err)
	st := h.waitDone(t)

	assert.Equal(t, shower.PhaseError, st.Phase)
	var stepErr *StepError
	require.ErrorAs(t, h.lastErr(), &stepErr)
	assert.Equal(t, shower.PhaseRestoring, stepErr.Phase)
	assert.Equal(t, shower.StepRestoreLens, stepErr.Step)

	muts := h.inst.Mutations()
	assert.Equal(t, "lens(0,32768)", muts[len(muts)-1], "no retries or recovery after a restore failure")
	assert.True(t, st.CanCancel)

	// Cancel after the failure restores from the backup.
	require.NoError(t, h.c.Cancel())
	st = h.waitDone(t)
	assert.Equal(t, shower.PhaseIdle, st.Phase)
	got := h.inst.Snapshot()
	assert.Equal(t, tem.DefaultSimState().FLC, got.FLC)
	assert.Equal(t, tem.DetectorInserted, got.Detectors["CAMERA"])
}

func TestStartRefusedUntilFailedRunIsRestored(t *testing.T) {
	h := newHarness(t, tem.DefaultSimState())
	h.inst.FailAt(tem.OpSetFLCAbs, 4, errBoom)

	_, err := h.c.Start(nil)
	require.NoError(t, err)
	st := h.waitDone(t)
	require.Equal(t, shower.PhaseError, st.Phase)
	require.NotNil(t, st.Snapshot)
	assert.False(t, st.CanStart)
	assert.True(t, st.CanCancel)

	calls := len(h.inst.Calls())
	_, err = h.c.Start(nil)
	assert.ErrorIs(t, err, ErrShowerNeedsRestore)
	assert.Len(t, h.inst.Calls(), calls, "a refused start must not touch the instrument")
	assert.Equal(t, shower.PhaseError, h.c.Status().Phase)

	// The backup still holds the values from before the failed run.
	backup, err := shower.ReadBackupFile(h.conf.BackupPath())
	require.NoError(t, err)
	assert.Equal(t, shower.Backup{CL1: 0x8000, CL2: 0x8000, CL3: 0x8000}, backup)

	require.NoError(t, h.c.Cancel())
	st = h.waitDone(t)
	require.Equal(t, shower.PhaseIdle, st.Phase)
	assert.True(t, st.CanStart)
	assert.Equal(t, tem.DefaultSimState().FLC, h.inst.Snapshot().FLC)

	_, err = h.c.Start(nil)
	require.NoError(t, err)
	st = h.waitDone(t)
	assert.Equal(t, shower.PhaseIdle, st.Phase)
}

func TestCancelRunning(t *testing.T) {
	h := newHarness(t, tem.DefaultSimState())
	h.clock.Hold(t, 250*time.Millisecond)

	_, err := h.c.Start(nil)
	require.NoError(t, err)
	st := h.waitPhase(t, shower.PhaseRunning)
	assert.True(t, st.CanCancel)
	assert.Equal(t, "Running Beam Shower", st.Label)
	assert.Equal(t, "Time Remaining:  1 :  0", st.Progress.Text())

	require.NoError(t, h.c.Cancel())
	st = h.waitDone(t)

	assert.Equal(t, shower.PhaseIdle, st.Phase)
	assert.Contains(t, st.Message, "cancelled")
	got := h.inst.Snapshot()
	assert.True(t, got.Blanked)
	assert.Equal(t, tem.DefaultSimState().FLC, got.FLC)
	assert.Equal(t, tem.DetectorInserted, got.Detectors["CAMERA"])
	assert.Equal(t, tem.ScreenInserted, got.Screen)
}

func TestCancelIdle(t *testing.T) {
	h := newHarness(t, tem.DefaultSimState())
	assert.ErrorIs(t, h.c.Cancel(), ErrShowerNotRunning)

	_, err := h.c.Start(nil)
	require.NoError(t, err)
	h.waitDone(t)
	assert.ErrorIs(t, h.c.Cancel(), ErrShowerNotRunning)
}

func TestCancelWhileRestoringIsRefused(t *testing.T) {
	h := newHarness(t, tem.DefaultSimState())
	releaseLens := h.clock.Hold(t, 2*time.Second)

	_, err := h.c.Start(nil)
	require.NoError(t, err)
	// The first 2s wait is settle-lens.
	h.waitStep(t, shower.StepSettleLens)

	// Later 2s waits block on a new gate, so the restore settle is held.
	releaseRestore := h.clock.Hold(t, 2*time.Second)
	releaseLens()

	h.waitStep(t, shower.StepSettleRestore)
	assert.Equal(t, shower.PhaseRestoring, h.c.Status().Phase)
	assert.ErrorIs(t, h.c.Cancel(), ErrShowerRestoring)
	releaseRestore()
	assert.Equal(t, shower.PhaseIdle, h.waitDone(t).Phase)
}

func TestShutdownWaitsForRecovery(t *testing.T) {
	h := newHarness(t, tem.DefaultSimState())
	h.clock.Hold(t, 250*time.Millisecond)

	_, err := h.c.Start(nil)
	require.NoError(t, err)
	h.waitPhase(t, shower.PhaseRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.c.Shutdown(ctx))

	assert.Equal(t, shower.PhaseIdle, h.c.Status().Phase)
	assert.True(t, h.inst.Snapshot().Blanked)
	assert.NoError(t, h.c.Shutdown(ctx), "nothing left to wait for")
}

func TestShowerEvents(t *testing.T) {
	h := newHarness(t, tem.DefaultSimState())
	h.conf.SetDurationMinutes(1)
	sub := h.hub.SubscribeN(4096)

	id, err := h.c.Start(nil)
	require.NoError(t, err)
	h.waitDone(t)
	h.hub.Close()

	var phases []events.ShowerPhaseEvent
	var progress []events.ShowerProgressEvent
	var actions []string
	for ev := range sub {
		switch ev.Name {
		case events.ShowerPhase:
			p, err := events.DecodeAs[events.ShowerPhaseEvent](ev)
			require.NoError(t, err)
			assert.Equal(t, id, p.RunID)
			phases = append(phases, p)
		case events.ShowerProgress:
			p, err := events.DecodeAs[events.ShowerProgressEvent](ev)
			require.NoError(t, err)
			progress = append(progress, p)
		case events.ShowerAction:
			a, err := events.DecodeAs[events.ShowerActionEvent](ev)
			require.NoError(t, err)
			actions = append(actions, a.Action)
		}
	}

	assert.Equal(t, []string{"Start", "Finish"}, actions)

	require.NotEmpty(t, phases)
	assert.Equal(t, "Idle", phases[0].From)
	assert.Equal(t, "Preparing", phases[0].To)
	last := phases[len(phases)-1]
	assert.Equal(t, "Restoring", last.From)
	assert.Equal(t, "Idle", last.To)
	assert.Equal(t, "Start Beam Shower", last.Label)

	require.Len(t, progress, 240)
	assert.Equal(t, 0, progress[0].Percent)
	assert.Equal(t, "Time Remaining:  1 :  0", progress[0].Text)
	for i := 1; i < len(progress); i++ {
		assert.GreaterOrEqual(t, progress[i].Percent, progress[i-1].Percent)
		assert.Less(t, progress[i].Percent, 100)
	}
}

func TestShowerEndToEndDefaultTick(t *testing.T) {
	h := newHarness(t, tem.DefaultSimState(), func(raw *config.RawFileConfig) {
		raw.Tick = nil
	})
	require.Equal(t, time.Second, h.conf.Tick())
	sub := h.hub.SubscribeN(4096)

	_, err := h.c.Start(nil)
	require.NoError(t, err)
	st := h.waitDone(t)
	h.hub.Close()
	require.Equal(t, shower.PhaseIdle, st.Phase)

	waits := h.clock.Waits()
	require.Len(t, waits, 3+60+2)
	for _, w := range waits[3:63] {
		assert.Equal(t, time.Second, w)
	}

	var progress []events.ShowerProgressEvent
	for ev := range sub {
		if ev.Name != events.ShowerProgress {
			continue
		}
		p, err := events.DecodeAs[events.ShowerProgressEvent](ev)
		require.NoError(t, err)
		progress = append(progress, p)
	}

	require.Len(t, progress, 60)
	for i, p := range progress {
		remaining := 60 - i
		assert.Equal(t, i*100/60, p.Percent, "tick %d", i)
		assert.Equal(t, remaining/60, p.RemainingMinutes, "tick %d", i)
		assert.Equal(t, remaining%60, p.RemainingSeconds, "tick %d", i)
	}
	assert.Equal(t, "Time Remaining:  1 :  0", progress[0].Text)
	assert.Equal(t, "Time Remaining:  0 : 59", progress[1].Text)
	assert.Equal(t, "Time Remaining:  0 :  1", progress[59].Text)
	assert.Equal(t, 100, st.Progress.Percent)
	assert.Equal(t, int64(60000), st.Progress.ElapsedMs)
}

func TestJournalRecordsRuns(t *testing.T) {
	h := newHarness(t, tem.DefaultSimState())
	j, err := journal.Open(journal.MemoryPath)
	require.NoError(t, err)
	defer j.Close()
	h.c.journal = j

	id, err := h.c.Start(nil)
	require.NoError(t, err)
	h.waitDone(t)

	r, err := j.Get(id)
	require.NoError(t, err)
	assert.Equal(t, journal.OutcomeCompleted, r.Outcome)
	assert.Equal(t, &shower.Backup{CL1: 0x8000, CL2: 0x8000, CL3: 0x8000}, r.Backup)
	assert.Equal(t, 1000, r.Params.CL1)

	h.inst.FailAt(tem.OpSetBeamBlank, 3, errBoom)
	id, err = h.c.Start(nil)
	require.NoError(t, err)
	h.waitDone(t)

	r, err = j.Get(id)
	require.NoError(t, err)
	assert.Equal(t, journal.OutcomeFailed, r.Outcome)
	assert.Contains(t, r.Error, "boom")
}
