package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/temlab/beamshower/pkg/config"
	"github.com/temlab/beamshower/pkg/events"
	"github.com/temlab/beamshower/pkg/journal"
	"github.com/temlab/beamshower/pkg/shower"
	"github.com/temlab/beamshower/pkg/tem"
)

// ControllerOptions are the collaborators of a Controller. Instrument and
// Config are required; the rest may be nil.
type ControllerOptions struct {
	Instrument tem.Instrument
	Online     bool
	Config     config.Config
	Hub        *events.EventHub
	Journal    *journal.Journal
	Clock      Clock
}

// Controller sequences beam shower runs on one instrument. At most one run
// owns the instrument at a time.
type Controller struct {
	inst    tem.Instrument
	online  bool
	conf    config.Config
	hub     *events.EventHub
	journal *journal.Journal
	clock   Clock

	mu  sync.Mutex
	cur *run
}

// run is the state of the current or last shower run. Fields are guarded
// by Controller.mu.
type run struct {
	id        string
	request   shower.Request
	phase     shower.Phase
	step      shower.Step
	startedAt time.Time
	params    *shower.Params
	snapshot  *shower.Snapshot
	elapsedMs int64
	message   string
	err       error
	journaled bool

	cancel context.CancelFunc
	done   chan struct{}
}

// needsRestore reports whether a failed run may have left the instrument
// away from its backed up state. Cancel restores it.
func (r *run) needsRestore() bool {
	return r.phase == shower.PhaseError && r.snapshot != nil
}

func NewController(opts ControllerOptions) *Controller {
	clock := opts.Clock
	if clock == nil {
		clock = realClock{}
	}
	return &Controller{
		inst:    opts.Instrument,
		online:  opts.Online,
		conf:    opts.Config,
		hub:     opts.Hub,
		journal: opts.Journal,
		clock:   clock,
	}
}

// Start validates the request, falling back to the configured inputs for
// empty fields, and launches a run. It returns the run id.
func (c *Controller) Start(req *shower.Request) (string, error) {
	explicit := shower.Request{}
	if req != nil {
		explicit = *req
	}

	params, err := explicit.Merge(c.conf.ShowerRequest()).Parse()
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	if c.cur != nil && c.cur.phase.Active() {
		c.mu.Unlock()
		return "", ErrShowerInProgress
	}
	if c.cur != nil && c.cur.needsRestore() {
		c.mu.Unlock()
		return "", ErrShowerNeedsRestore
	}

	ctx, cancel := context.WithCancel(context.Background())
	rs := &run{
		id:        xid.New().String(),
		request:   explicit,
		phase:     shower.PhasePreparing,
		startedAt: c.clock.Now(),
		params:    params,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	prev := shower.PhaseIdle
	if c.cur != nil {
		prev = c.cur.phase
	}
	c.cur = rs
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"runId":    rs.id,
		"duration": params.Duration(),
		"cl1":      shower.FormatLensValue(params.CL1),
		"cl2":      shower.FormatLensValue(params.CL2),
		"cl3":      shower.FormatLensValue(params.CL3),
		"spotSize": params.SpotSize,
	}).Info("starting beam shower")

	if c.journal != nil {
		if err := c.journal.Begin(rs.id, rs.startedAt, params, c.online); err != nil {
			logrus.WithError(err).WithField("runId", rs.id).Warn("failed to journal run start")
		}
	}

	c.hub.Publish(events.ShowerAction, events.ShowerActionEvent{
		RunID:   rs.id,
		Action:  string(shower.ActionStart),
		Message: fmt.Sprintf("Start beam shower for %d minutes", params.DurationMinutes),
		Ts:      c.clock.Now().Unix(),
	})
	c.publishPhase(rs, prev)

	go c.run(ctx, rs, rs.done)

	return rs.id, nil
}

// Cancel aborts a preparing or running shower; recovery puts the lenses,
// spot size and detectors back. After a failed run it restores the
// instrument from the last backup instead.
func (c *Controller) Cancel() error {
	c.mu.Lock()
	rs := c.cur
	if rs == nil || rs.phase == shower.PhaseIdle {
		c.mu.Unlock()
		return ErrShowerNotRunning
	}

	switch rs.phase {
	case shower.PhasePreparing, shower.PhaseRunning:
		phase := rs.phase
		rs.cancel()
		c.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"runId": rs.id,
			"phase": phase,
		}).Info("cancelling beam shower")
		c.hub.Publish(events.ShowerAction, events.ShowerActionEvent{
			RunID:   rs.id,
			Action:  string(shower.ActionCancel),
			Message: "Beam shower cancelled, restoring instrument",
			Ts:      c.clock.Now().Unix(),
		})
		return nil
	case shower.PhaseError:
		if rs.snapshot == nil {
			// Nothing was changed on the instrument.
			rs.phase, rs.step = shower.PhaseIdle, shower.StepNone
			rs.message = ""
			c.mu.Unlock()
			c.publishPhase(rs, shower.PhaseError)
			return nil
		}
		rs.phase, rs.step = shower.PhaseRestoring, shower.StepNone
		rs.done = make(chan struct{})
		done := rs.done
		c.mu.Unlock()

		c.hub.Publish(events.ShowerAction, events.ShowerActionEvent{
			RunID:   rs.id,
			Action:  string(shower.ActionCancel),
			Message: "Restoring instrument from the last backup",
			Ts:      c.clock.Now().Unix(),
		})
		c.publishPhase(rs, shower.PhaseError)

		go func() {
			defer close(done)
			if err := c.reset(rs); err != nil {
				c.fail(rs, err)
				return
			}
			c.end(rs, journal.OutcomeFailed, "Instrument restored from the last backup")
		}()
		return nil
	}

	c.mu.Unlock()
	return ErrShowerRestoring
}

// Status returns the current view of the shower.
func (c *Controller) Status() *shower.Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := &shower.Status{
		Phase:      shower.PhaseIdle,
		Label:      shower.StepNone.Label(),
		Online:     c.online,
		Instrument: c.inst.Name(),
		CanStart:   true,
	}

	rs := c.cur
	if rs == nil {
		return st
	}

	st.RunID = rs.id
	st.Phase = rs.phase
	st.Step = rs.step
	st.StartedAt = rs.startedAt
	st.Message = rs.message
	if rs.params != nil {
		p := *rs.params
		st.Params = &p
		st.Progress = shower.ComputeProgress(rs.elapsedMs, p.Total())
	}
	if rs.snapshot != nil {
		s := *rs.snapshot
		st.Snapshot = &s
	}
	if rs.phase.Active() {
		st.Label = rs.step.Label()
	}
	st.CanStart = !rs.phase.Active() && !rs.needsRestore()
	st.CanCancel = rs.phase == shower.PhasePreparing ||
		rs.phase == shower.PhaseRunning ||
		rs.phase == shower.PhaseError

	return st
}

// Shutdown cancels an unfinished run and waits until the instrument has
// been restored or ctx expires.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	rs := c.cur
	if rs == nil || !rs.phase.Active() {
		c.mu.Unlock()
		return nil
	}
	done := rs.done
	if rs.phase == shower.PhasePreparing || rs.phase == shower.PhaseRunning {
		rs.cancel()
	}
	c.mu.Unlock()

	logrus.WithField("runId", rs.id).Info("waiting for the beam shower to restore the instrument")

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) run(ctx context.Context, rs *run, done chan struct{}) {
	defer close(done)
	defer rs.cancel()

	err := c.prepare(ctx, rs)
	if err == nil {
		err = c.countdown(ctx, rs)
	}

	switch {
	case err == nil:
		if err := c.reset(rs); err != nil {
			c.fail(rs, err)
			return
		}
		c.end(rs, journal.OutcomeCompleted, fmt.Sprintf("Beam shower completed in %s", c.clock.Now().Sub(rs.startedAt).Round(time.Second)))
	case errors.Is(err, ErrBackup):
		c.fail(rs, err)
	case errors.Is(err, context.Canceled):
		if rerr := c.recoverInstrument(rs); rerr != nil {
			c.fail(rs, fmt.Errorf("recovery after cancel failed: %w", rerr))
			return
		}
		c.end(rs, journal.OutcomeCancelled, "Beam shower cancelled, instrument restored")
	default:
		if rerr := c.recoverInstrument(rs); rerr != nil {
			err = errors.Join(err, fmt.Errorf("recovery: %w", rerr))
		}
		c.fail(rs, err)
	}
}

// prepare runs every step up to and including unblanking the beam.
func (c *Controller) prepare(ctx context.Context, rs *run) error {
	if err := c.step(rs, shower.StepSaveBackup, func() error {
		snap, err := c.takeSnapshot()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrBackup, err)
		}
		if err := shower.WriteBackupFile(c.conf.BackupPath(), snap.Backup); err != nil {
			return fmt.Errorf("%w: %w", ErrBackup, err)
		}
		c.mu.Lock()
		rs.snapshot = snap
		c.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"runId":     rs.id,
			"backup":    snap.Backup,
			"spotSize":  snap.SpotSize,
			"detectors": snap.InsertedDetectors,
			"path":      c.conf.BackupPath(),
		}).Info("instrument state saved")

		if c.journal != nil {
			if err := c.journal.RecordBackup(rs.id, snap.Backup); err != nil {
				logrus.WithError(err).WithField("runId", rs.id).Warn("failed to journal backup")
			}
		}
		return nil
	}); err != nil {
		return err
	}

	if err := c.step(rs, shower.StepBlank, func() error {
		return c.inst.SetBeamBlank(true)
	}); err != nil {
		return err
	}

	if err := c.settle(ctx, rs, shower.StepSettleBlank, c.conf.BlankSettle()); err != nil {
		return err
	}

	var params *shower.Params
	if err := c.step(rs, shower.StepLoadParams, func() error {
		var err error
		params, err = c.configure(rs)
		return err
	}); err != nil {
		return err
	}

	if err := c.step(rs, shower.StepSpotSize, func() error {
		return c.inst.SelectSpotSize(params.SpotSize)
	}); err != nil {
		return err
	}

	if err := c.step(rs, shower.StepSetLens, func() error {
		return c.setLenses(params.Lens())
	}); err != nil {
		return err
	}

	if err := c.settle(ctx, rs, shower.StepSettleLens, c.conf.LensSettle()); err != nil {
		return err
	}

	if err := c.step(rs, shower.StepRemoveDetectors, func() error {
		return c.removeDetectors(rs.snapshot.InsertedDetectors)
	}); err != nil {
		return err
	}

	if err := c.settle(ctx, rs, shower.StepSettleDetectors, c.conf.DetectorSettle()); err != nil {
		return err
	}

	if err := c.step(rs, shower.StepUnblank, func() error {
		return c.inst.SetBeamBlank(false)
	}); err != nil {
		return err
	}

	c.transition(rs, shower.PhaseRunning, shower.StepCountdown,
		fmt.Sprintf("Beam unblanked for %d minutes", params.DurationMinutes))

	return nil
}

// configure re-reads the operator inputs. Inputs changed after Start are
// honoured up to this point.
func (c *Controller) configure(rs *run) (*shower.Params, error) {
	params, err := rs.request.Merge(c.conf.ShowerRequest()).Parse()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	rs.params = params
	c.mu.Unlock()

	return params, nil
}

func (c *Controller) takeSnapshot() (*shower.Snapshot, error) {
	var lens [3]int
	for i, ch := range tem.CondenserLenses {
		v, err := c.inst.FLCAbs(ch)
		if err != nil {
			return nil, err
		}
		lens[i] = v
	}

	spot, err := c.inst.SpotSize()
	if err != nil {
		return nil, err
	}

	ids, err := c.inst.AttachedDetectors()
	if err != nil {
		return nil, err
	}
	inserted := []tem.DetectorID{}
	for _, id := range ids {
		pos, err := c.inst.DetectorPosition(id)
		if err != nil {
			return nil, err
		}
		if pos == tem.DetectorInserted {
			inserted = append(inserted, id)
		}
	}

	return &shower.Snapshot{
		Backup:            shower.Backup{CL1: lens[0], CL2: lens[1], CL3: lens[2]},
		SpotSize:          spot,
		InsertedDetectors: inserted,
		TakenAt:           c.clock.Now(),
	}, nil
}

func (c *Controller) setLenses(values [3]int) error {
	for i, ch := range tem.CondenserLenses {
		if err := c.inst.SetFLCAbs(ch, values[i]); err != nil {
			return err
		}
	}
	return nil
}

// removeDetectors moves the given detectors out of the beam path and
// retracts the screen. Detectors that were not inserted at the start of the
// run are left alone.
func (c *Controller) removeDetectors(ids []tem.DetectorID) error {
	code := c.conf.DetectorRemovedCode()
	for _, id := range ids {
		if err := c.inst.SetDetectorPosition(id, code); err != nil {
			return err
		}
	}
	return c.inst.SetScreen(tem.ScreenRetracted)
}

func (c *Controller) insertDetectors(ids []tem.DetectorID) error {
	code := c.conf.DetectorInsertedCode()
	for _, id := range ids {
		if err := c.inst.SetDetectorPosition(id, code); err != nil {
			return err
		}
	}
	return c.inst.SetScreen(tem.ScreenInserted)
}

func (c *Controller) countdown(ctx context.Context, rs *run) error {
	c.mu.Lock()
	total := rs.params.Total()
	c.mu.Unlock()
	tick := c.conf.Tick()

	for {
		c.mu.Lock()
		p := shower.ComputeProgress(rs.elapsedMs, total)
		c.mu.Unlock()

		if p.Done {
			return nil
		}

		c.hub.Publish(events.ShowerProgress, events.ShowerProgressEvent{
			RunID:            rs.id,
			Percent:          p.Percent,
			RemainingMinutes: p.RemainingMinutes,
			RemainingSeconds: p.RemainingSeconds,
			Text:             p.Text(),
			Ts:               c.clock.Now().Unix(),
		})

		if err := c.wait(ctx, tick); err != nil {
			return err
		}

		c.mu.Lock()
		rs.elapsedMs += tick.Milliseconds()
		c.mu.Unlock()
	}
}

// reset puts the instrument back to the snapshot taken at the start of the
// run. Waits here cannot be cancelled.
func (c *Controller) reset(rs *run) error {
	snap := rs.snapshot
	c.transition(rs, shower.PhaseRestoring, shower.StepRestoreLens, "Restoring lenses")

	if err := c.step(rs, shower.StepRestoreLens, func() error {
		return c.setLenses(snap.Backup.Lens())
	}); err != nil {
		return err
	}

	if err := c.step(rs, shower.StepRestoreSpot, func() error {
		return c.inst.SelectSpotSize(snap.SpotSize)
	}); err != nil {
		return err
	}

	if err := c.settle(context.Background(), rs, shower.StepSettleRestore, c.conf.LensSettle()); err != nil {
		return err
	}

	if err := c.step(rs, shower.StepInsertDetectors, func() error {
		return c.insertDetectors(snap.InsertedDetectors)
	}); err != nil {
		return err
	}

	return c.settle(context.Background(), rs, shower.StepSettleInsert, c.conf.DetectorSettle())
}

// recoverInstrument makes a best effort to undo a partially prepared or
// cancelled run: every step is attempted and failures are collected.
func (c *Controller) recoverInstrument(rs *run) error {
	c.mu.Lock()
	snap := rs.snapshot
	c.mu.Unlock()

	if snap == nil {
		return nil
	}

	c.transition(rs, shower.PhaseRecovering, shower.StepReblank, "Recovering instrument state")

	var errs []error
	try := func(step shower.Step, fn func() error) {
		if err := c.step(rs, step, fn); err != nil {
			logrus.WithError(err).WithField("runId", rs.id).Error("recovery step failed")
			errs = append(errs, err)
		}
	}

	try(shower.StepReblank, func() error { return c.inst.SetBeamBlank(true) })
	try(shower.StepRestoreLens, func() error { return c.setLenses(snap.Backup.Lens()) })
	try(shower.StepRestoreSpot, func() error { return c.inst.SelectSpotSize(snap.SpotSize) })
	_ = c.settle(context.Background(), rs, shower.StepSettleRestore, c.conf.LensSettle())
	try(shower.StepInsertDetectors, func() error { return c.insertDetectors(snap.InsertedDetectors) })
	_ = c.settle(context.Background(), rs, shower.StepSettleInsert, c.conf.DetectorSettle())

	return errors.Join(errs...)
}

// step runs one instrument action and attributes a failure to it.
func (c *Controller) step(rs *run, step shower.Step, fn func() error) error {
	c.setStep(rs, step)

	c.mu.Lock()
	phase := rs.phase
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"runId": rs.id,
		"phase": phase,
		"step":  step,
	}).Debug("shower step")

	if err := fn(); err != nil {
		return &StepError{Phase: phase, Step: step, Err: err}
	}
	return nil
}

func (c *Controller) settle(ctx context.Context, rs *run, step shower.Step, d time.Duration) error {
	c.setStep(rs, step)
	logrus.WithFields(logrus.Fields{
		"runId":    rs.id,
		"step":     step,
		"duration": d,
	}).Debug("settling")
	return c.wait(ctx, d)
}

func (c *Controller) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-c.clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) setStep(rs *run, step shower.Step) {
	c.mu.Lock()
	if rs.step == step {
		c.mu.Unlock()
		return
	}
	rs.step = step
	phase := rs.phase
	c.mu.Unlock()

	c.publishPhase(rs, phase)
}

func (c *Controller) transition(rs *run, to shower.Phase, step shower.Step, msg string) {
	c.mu.Lock()
	from := rs.phase
	rs.phase, rs.step, rs.message = to, step, msg
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"runId": rs.id,
		"from":  from,
		"to":    to,
	}).Info(msg)

	c.publishPhase(rs, from)
}

// fail moves the run to Error. The error is surfaced as is.
func (c *Controller) fail(rs *run, err error) {
	c.mu.Lock()
	from := rs.phase
	rs.phase, rs.err, rs.message = shower.PhaseError, err, err.Error()
	c.mu.Unlock()

	logrus.WithError(err).WithFields(logrus.Fields{
		"runId": rs.id,
		"from":  from,
	}).Error("beam shower failed")

	c.publishPhase(rs, from)
	c.record(rs, journal.OutcomeFailed, err)
}

// end returns to Idle with the start control re-enabled.
func (c *Controller) end(rs *run, outcome journal.Outcome, msg string) {
	c.mu.Lock()
	from := rs.phase
	rs.phase, rs.step, rs.message, rs.err = shower.PhaseIdle, shower.StepNone, msg, nil
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"runId":   rs.id,
		"outcome": outcome,
	}).Info(msg)

	c.publishPhase(rs, from)
	if outcome == journal.OutcomeCompleted {
		c.hub.Publish(events.ShowerAction, events.ShowerActionEvent{
			RunID:   rs.id,
			Action:  string(shower.ActionFinish),
			Message: msg,
			Ts:      c.clock.Now().Unix(),
		})
	}
	c.record(rs, outcome, nil)
}

// record closes the journal entry of a run once.
func (c *Controller) record(rs *run, outcome journal.Outcome, err error) {
	c.mu.Lock()
	if rs.journaled {
		c.mu.Unlock()
		return
	}
	rs.journaled = true
	phase, params := rs.phase, rs.params
	c.mu.Unlock()

	if c.journal == nil {
		return
	}
	if jerr := c.journal.Finish(rs.id, c.clock.Now(), outcome, phase, params, err); jerr != nil {
		logrus.WithError(jerr).WithField("runId", rs.id).Warn("failed to journal run end")
	}
}

func (c *Controller) publishPhase(rs *run, from shower.Phase) {
	c.mu.Lock()
	ev := events.ShowerPhaseEvent{
		RunID:   rs.id,
		From:    string(from),
		To:      string(rs.phase),
		Step:    string(rs.step),
		Label:   rs.step.Label(),
		Message: rs.message,
		Ts:      c.clock.Now().Unix(),
	}
	if !rs.phase.Active() {
		ev.Label = shower.StepNone.Label()
	}
	c.mu.Unlock()

	c.hub.Publish(events.ShowerPhase, ev)
}
