// Package session owns a single observing run on one target.
//
// Ownership boundary:
// - the acquisition -> science phase machine and its frame counters
// - capture cadence, stop handling and termination reasons
// - the target state file and ledger rows for the run
// - field rotation tracking while the run is live
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/averhola/skyloop/internal/alpaca"
	"github.com/averhola/skyloop/internal/astro"
	"github.com/averhola/skyloop/internal/config"
	"github.com/averhola/skyloop/internal/corrector"
	"github.com/averhola/skyloop/internal/exposure"
	"github.com/averhola/skyloop/internal/filestore"
	"github.com/averhola/skyloop/internal/ledger"
	"github.com/averhola/skyloop/internal/logging"
	"github.com/averhola/skyloop/internal/observability"
	"github.com/averhola/skyloop/internal/targetstate"
)

// Phase names are shared with the corrector: they appear in frame
// paths, the target state file and the ledger.
const (
	PhaseAcquisition = corrector.PhaseAcquisition
	PhaseScience     = corrector.PhaseScience
)

// Session outcomes recorded in the ledger.
const (
	OutcomeCompleted = "completed"
	OutcomeStopped   = "stopped"
	OutcomeFailed    = "failed"
)

// Target is the field a session points at.
type Target struct {
	ID              string
	RAHours         float64
	DecDeg          float64
	Magnitude       float64
	HasMagnitude    bool
	MagnitudeSource string
}

// Camera is the device surface the controller captures through.
type Camera interface {
	Name() string
	Capture(ctx context.Context, exposureSeconds float64, binning, gain int) (*alpaca.Frame, error)
	AbortExposure(ctx context.Context) error
}

// Recorder persists session rows. Write failures are logged and never
// interrupt observing.
type Recorder interface {
	StartSession(id, targetID string, raHours, decDeg float64, startedAt time.Time) error
	EndSession(id string, endedAt time.Time, end ledger.SessionEnd) error
	RecordCorrection(row ledger.CorrectionRow) error
}

// Params bundles everything one run needs. Engine and Store are
// required; Camera may be nil only in a dry run. Recorder, States,
// Rules and Tracker are optional.
type Params struct {
	Config   config.Config
	Target   Target
	Site     astro.Site
	Limits   astro.Limits
	Camera   Camera
	Engine   *corrector.Engine
	Store    *filestore.Store
	Recorder Recorder
	States   *targetstate.Writer
	Rules    *exposure.Rules
	Tracker  *FieldTracker
	DryRun   bool
}

// Stats is a point-in-time snapshot for status reporting.
type Stats struct {
	ID                  string    `json:"id"`
	TargetID            string    `json:"target_id"`
	RAHours             float64   `json:"ra_hours"`
	DecDeg              float64   `json:"dec_deg"`
	Phase               string    `json:"phase"`
	StartedAt           time.Time `json:"started_at"`
	AcquisitionFrames   int       `json:"acquisition_frames"`
	ScienceFrames       int       `json:"science_frames"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	ExposureSeconds     float64   `json:"exposure_seconds"`
	LastFrame           string    `json:"last_frame,omitempty"`
	Outcome             string    `json:"outcome,omitempty"`
	Reason              string    `json:"reason,omitempty"`
	DryRun              bool      `json:"dry_run,omitempty"`
}

// Controller runs the exposure loop for one target.
type Controller struct {
	cfg      config.Config
	target   Target
	site     astro.Site
	limits   astro.Limits
	camera   Camera
	engine   *corrector.Engine
	store    *filestore.Store
	recorder Recorder
	states   *targetstate.Writer
	tracker  *FieldTracker
	dryRun   bool
	fiberFed bool

	id         string
	scienceDir string
	acqDir     string

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}

	mu                  sync.Mutex
	phase               string
	startedAt           time.Time
	deadline            time.Time
	baseExposure        float64
	sequenceCount       int
	acquisitionCount    int
	acquisitionAttempts int
	scienceCount        int
	consecutiveFailures int
	lastCorrectionAt    int
	lastFramePath       string
	outcome             string
	reason              string
}

// New prepares a run: capture directories, the resolved science
// exposure, and the engine's target binding. Binding the target here,
// before any slew, means a stale solution for the previous field can
// never steer the mount once this session exists.
func New(p Params) (*Controller, error) {
	if p.Engine == nil {
		return nil, errors.New("session: engine is required")
	}
	if p.Store == nil {
		return nil, errors.New("session: file store is required")
	}
	if p.Camera == nil && !p.DryRun {
		return nil, errors.New("session: camera is required unless dry run")
	}

	scienceDir, err := p.Store.TargetDir(p.Target.ID, time.Now())
	if err != nil {
		return nil, err
	}
	acqDir := filestore.AcquisitionDir(scienceDir)
	if err := os.MkdirAll(acqDir, 0o755); err != nil {
		return nil, fmt.Errorf("session: create acquisition directory: %w", err)
	}

	base := exposure.Resolve(exposure.Query{
		OverrideSeconds: p.Config.Session.ExposureOverrideSeconds,
		Magnitude:       p.Target.Magnitude,
		HasMagnitude:    p.Target.HasMagnitude,
		FilterCode:      p.Config.Session.FilterCode,
	}, p.Rules)

	phase := PhaseScience
	if p.Config.Session.AcquisitionEnabled {
		phase = PhaseAcquisition
	}

	c := &Controller{
		cfg:      p.Config,
		target:   p.Target,
		site:     p.Site,
		limits:   p.Limits,
		camera:   p.Camera,
		engine:   p.Engine,
		store:    p.Store,
		recorder: p.Recorder,
		states:   p.States,
		tracker:  p.Tracker,
		dryRun:   p.DryRun,
		fiberFed: p.Config.Corrector.Mode == config.ModeSpectroscopy,

		id:         uuid.NewString(),
		scienceDir: scienceDir,
		acqDir:     acqDir,

		phase:        phase,
		baseExposure: base,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}

	p.Engine.SetCurrentTarget(p.Target.ID, p.Config.Corrector.BaseExposureSeconds)
	c.installLedgerHook()

	logging.Infof("session.New id=%s target=%q science_exposure=%.1fs phase=%s dirs=%q",
		c.id, p.Target.ID, base, phase, scienceDir)
	return c, nil
}

// ID is the session identity used in the ledger and state file.
func (c *Controller) ID() string { return c.id }

// Target reports what the session is pointing at.
func (c *Controller) Target() Target { return c.target }

// Done closes when Run has returned.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Run drives the capture loop until a termination condition holds. It
// returns a non-nil error only when the session failed.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.done)

	now := time.Now()
	c.mu.Lock()
	c.startedAt = now
	c.deadline = now.Add(c.cfg.Session.MaxDuration())
	c.mu.Unlock()

	logging.Infof("session.Controller.Run id=%s target=%q fiber_fed=%v dry_run=%v deadline=%s",
		c.id, c.target.ID, c.fiberFed, c.dryRun, c.cfg.Session.MaxDuration())

	if c.recorder != nil {
		if err := c.recorder.StartSession(c.id, c.target.ID, c.target.RAHours, c.target.DecDeg, now); err != nil {
			logging.Warnf("session.Controller.Run ledger start failed err=%v", err)
		}
	}
	c.writeState(c.currentPhase())

	if c.tracker != nil {
		if err := c.tracker.Start(ctx, c.target.RAHours, c.target.DecDeg); err != nil {
			logging.Warnf("session.Controller.Run field tracking unavailable err=%v", err)
		} else {
			defer c.tracker.Stop()
		}
	}

	err := c.loop(ctx)
	c.finalize()
	return err
}

func (c *Controller) loop(ctx context.Context) error {
	for {
		if c.stopRequested(ctx) {
			c.setOutcome(OutcomeStopped, "stop requested")
			return nil
		}

		phase := c.currentPhase()
		path, err := c.captureFrame(ctx, phase)
		if err != nil {
			if c.stopRequested(ctx) {
				c.setOutcome(OutcomeStopped, "stop requested during exposure")
				return nil
			}
			fails := c.noteFailure(err)
			if fails > c.cfg.Session.MaxConsecutiveFailures {
				reason := fmt.Sprintf("%d consecutive capture failures", fails)
				c.setOutcome(OutcomeFailed, reason)
				return fmt.Errorf("session: %s: %w", reason, err)
			}
			continue
		}
		c.noteFrame(phase, path)

		// The fiber budget has no slack for drift: every frame waits
		// for the solver before the next one starts.
		if c.fiberFed && !c.dryRun {
			c.engine.WaitForCorrection(ctx, c.cfg.Corrector.SolverWait(),
				corrector.FrameContext{Phase: phase, CurrentFramePath: path})
		}

		if c.stopRequested(ctx) {
			c.setOutcome(OutcomeStopped, "stop requested")
			return nil
		}

		if phase == PhaseAcquisition {
			if reason, done := c.acquisitionComplete(); done {
				if !c.dryRun {
					c.finalAcquisitionCorrection(ctx, path)
				}
				c.switchToScience(reason)
			}
		}

		if outcome, reason, done := c.shouldTerminate(time.Now()); done {
			c.setOutcome(outcome, reason)
			return nil
		}

		if !c.fiberFed && !c.dryRun {
			c.maybeIntervalCorrection(ctx, path)
		}
	}
}

// captureFrame takes one exposure and writes it under the phase
// directory with the shared filename contract.
func (c *Controller) captureFrame(ctx context.Context, phase string) (string, error) {
	dir := c.scienceDir
	if phase == PhaseAcquisition {
		dir = c.acqDir
		c.mu.Lock()
		c.acquisitionAttempts++
		c.mu.Unlock()
	}
	if !c.store.FreeSpaceOK(dir) {
		return "", fmt.Errorf("session: free space below %.1f GiB under %s", c.cfg.Paths.MinFreeGiB, dir)
	}

	exposureSeconds := c.exposureFor(phase)
	start := time.Now()
	frame, err := c.acquireImage(ctx, exposureSeconds)
	if err != nil {
		observability.RecordFrame(phase, "error", time.Since(start))
		return "", err
	}

	seq := filestore.NextSequence(dir)
	name := filestore.BuildFilename(c.target.ID, c.cfg.Session.FilterCode, exposureSeconds, seq, frame.CapturedAt)
	path := filepath.Join(dir, name)
	if err := filestore.WriteFrame(path, frame.Width, frame.Height, frame.Pixels, c.frameHeader(frame, exposureSeconds)); err != nil {
		observability.RecordFrame(phase, "error", time.Since(start))
		return "", err
	}
	observability.RecordFrame(phase, "ok", time.Since(start))
	logging.Infof("session.Controller frame saved name=%s phase=%s exp=%.1fs seq=%d",
		name, phase, exposureSeconds, seq)
	return path, nil
}

func (c *Controller) acquireImage(ctx context.Context, exposureSeconds float64) (*alpaca.Frame, error) {
	if c.camera != nil {
		return c.camera.Capture(ctx, exposureSeconds, c.cfg.Devices.Camera.Binning, c.cfg.Devices.Camera.Gain)
	}
	// Hardware-free dry run: hold the real cadence, emit a dark frame.
	t := time.NewTimer(time.Duration(exposureSeconds * float64(time.Second)))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.stop:
		return nil, context.Canceled
	case <-t.C:
	}
	return &alpaca.Frame{
		Width:      16,
		Height:     16,
		Pixels:     make([]int32, 256),
		CapturedAt: time.Now(),
		ExposureS:  exposureSeconds,
		Binning:    c.cfg.Devices.Camera.Binning,
		Gain:       c.cfg.Devices.Camera.Gain,
	}, nil
}

func (c *Controller) frameHeader(frame *alpaca.Frame, exposureSeconds float64) filestore.FrameHeader {
	name := ""
	if c.camera != nil {
		name = c.camera.Name()
	}
	return filestore.FrameHeader{
		Object:    c.target.ID,
		RAHours:   c.target.RAHours,
		DecDeg:    c.target.DecDeg,
		Magnitude: c.target.Magnitude,
		HasMag:    c.target.HasMagnitude,
		Camera:    name,
		ExpTime:   exposureSeconds,
		Filter:    c.cfg.Session.FilterCode,
		Gain:      frame.Gain,
		BinX:      frame.Binning,
		BinY:      frame.Binning,
		CCDTempC:  frame.CCDTempC,
		HasTemp:   frame.HasTemp,
		DateObs:   frame.CapturedAt,
	}
}

// exposureFor picks the exposure for the next frame. Acquisition
// frames feed the solver: fiber-fed mode uses the engine's adaptive
// value, interval mode uses half the science exposure.
func (c *Controller) exposureFor(phase string) float64 {
	c.mu.Lock()
	base := c.baseExposure
	c.mu.Unlock()
	if phase == PhaseAcquisition {
		if c.fiberFed {
			return c.engine.CurrentExposure()
		}
		return base / 2
	}
	return base
}

// maxTotalOffset is the acquisition convergence bound. Spectroscopy
// tightens a looser configured bound to 1 arcsec: the fiber aperture
// does not care what the operator hoped for.
func (c *Controller) maxTotalOffset() float64 {
	bound := c.cfg.Session.MaxTotalOffsetArcsec
	if c.fiberFed && bound > 1 {
		bound = 1
	}
	return bound
}

// acquisitionComplete holds once at least one acquisition frame exists
// and either the attempt budget ran out or a fresh non-zero
// measurement sits within the convergence bound.
func (c *Controller) acquisitionComplete() (string, bool) {
	c.mu.Lock()
	count := c.acquisitionCount
	attempts := c.acquisitionAttempts
	c.mu.Unlock()

	if count < 1 {
		return "", false
	}
	if attempts >= c.cfg.Session.MaxAcquisitionAttempts {
		return fmt.Sprintf("acquisition attempts exhausted (%d)", attempts), true
	}
	m, ok := c.engine.LastMeasurement()
	if !ok {
		return "", false
	}
	if time.Since(m.MeasuredAt) > c.cfg.Session.MeasurementMaxAge() {
		return "", false
	}
	if m.TotalOffsetArcsec <= 0 {
		return "", false
	}
	if m.TotalOffsetArcsec <= c.maxTotalOffset() {
		return fmt.Sprintf("pointing converged at %.2f arcsec", m.TotalOffsetArcsec), true
	}
	return "", false
}

// finalAcquisitionCorrection applies whatever solution is pending so
// the science sequence starts centered.
func (c *Controller) finalAcquisitionCorrection(ctx context.Context, framePath string) {
	res := c.engine.Evaluate(ctx, corrector.FrameContext{Phase: PhaseAcquisition, CurrentFramePath: framePath})
	if !res.Applied {
		if res.Reason != "" {
			logging.Debugf("session.Controller final acquisition correction skipped: %s", res.Reason)
		}
		return
	}
	logging.Infof("session.Controller final acquisition correction total=%.2f arcsec settle=%.0fs",
		res.TotalOffsetArcsec, res.SettleSeconds)
	c.settle(ctx, res.SettleSeconds)
}

// switchToScience is the one-way phase transition.
func (c *Controller) switchToScience(reason string) {
	c.mu.Lock()
	c.phase = PhaseScience
	c.sequenceCount = 0
	c.lastCorrectionAt = 0
	if c.fiberFed {
		// The adaptive solve exposure proved itself during
		// acquisition; science inherits it.
		c.baseExposure = c.engine.CurrentExposure()
	}
	c.mu.Unlock()

	c.engine.DeleteArtifact("acquisition -> science phase transition")
	c.engine.ResetForNewSequence("science sequence start")
	logging.Infof("session.Controller.switchToScience id=%s reason=%q", c.id, reason)
	c.writeState(PhaseScience)
}

// shouldTerminate checks the session-level limits, first true wins.
func (c *Controller) shouldTerminate(now time.Time) (outcome, reason string, done bool) {
	c.mu.Lock()
	science := c.scienceCount
	deadline := c.deadline
	c.mu.Unlock()

	if science >= c.cfg.Session.MaxExposures {
		return OutcomeCompleted, fmt.Sprintf("science exposure limit reached (%d)", science), true
	}
	if !deadline.IsZero() && now.After(deadline) {
		return OutcomeCompleted, "session duration limit reached", true
	}
	if status := astro.Check(c.site, c.limits, c.target.RAHours, c.target.DecDeg, now); !status.Observable {
		return OutcomeCompleted, "target no longer observable: " + strings.Join(status.Reasons, "; "), true
	}
	return "", "", false
}

// maybeIntervalCorrection runs the engine on the interval schedule,
// at most once per frame count.
func (c *Controller) maybeIntervalCorrection(ctx context.Context, framePath string) {
	interval := c.cfg.Session.CorrectionInterval
	if interval < 1 {
		return
	}
	c.mu.Lock()
	phase := c.phase
	count := c.sequenceCount
	due := count%interval == 0 && count != c.lastCorrectionAt
	if due {
		c.lastCorrectionAt = count
	}
	c.mu.Unlock()
	if !due {
		return
	}

	res := c.engine.Evaluate(ctx, corrector.FrameContext{Phase: phase, CurrentFramePath: framePath})
	if res.Applied {
		c.settle(ctx, res.SettleSeconds)
		return
	}
	if res.Reason != "" {
		logging.Debugf("session.Controller interval correction skipped: %s", res.Reason)
	}
}

// Stop requests termination, aborts the in-flight exposure when the
// camera supports it and waits for the worker with a bounded timeout.
func (c *Controller) Stop(ctx context.Context) {
	c.stopOnce.Do(func() {
		close(c.stop)
		logging.Infof("session.Controller.Stop id=%s", c.id)
		if c.camera != nil {
			if err := c.camera.AbortExposure(ctx); err != nil {
				logging.Warnf("session.Controller.Stop abort exposure err=%v", err)
			}
		}
	})

	timeout := c.cfg.Supervisor.StopJoinTimeout()
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	select {
	case <-c.done:
	case <-time.After(timeout):
		logging.Warnf("session.Controller.Stop worker did not exit within %s id=%s", timeout, c.id)
	}
}

// Stats snapshots the run for status reporting.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	exp := c.baseExposure
	if c.phase == PhaseAcquisition {
		if c.fiberFed {
			exp = c.engine.CurrentExposure()
		} else {
			exp = c.baseExposure / 2
		}
	}
	lastFrame := ""
	if c.lastFramePath != "" {
		lastFrame = filepath.Base(c.lastFramePath)
	}
	return Stats{
		ID:                  c.id,
		TargetID:            c.target.ID,
		RAHours:             c.target.RAHours,
		DecDeg:              c.target.DecDeg,
		Phase:               c.phase,
		StartedAt:           c.startedAt,
		AcquisitionFrames:   c.acquisitionCount,
		ScienceFrames:       c.scienceCount,
		ConsecutiveFailures: c.consecutiveFailures,
		ExposureSeconds:     exp,
		LastFrame:           lastFrame,
		Outcome:             c.outcome,
		Reason:              c.reason,
		DryRun:              c.dryRun,
	}
}

func (c *Controller) stopRequested(ctx context.Context) bool {
	select {
	case <-c.stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (c *Controller) currentPhase() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Controller) noteFrame(phase, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutiveFailures = 0
	c.sequenceCount++
	c.lastFramePath = path
	if phase == PhaseAcquisition {
		c.acquisitionCount++
	} else {
		c.scienceCount++
	}
}

func (c *Controller) noteFailure(err error) int {
	c.mu.Lock()
	c.consecutiveFailures++
	fails := c.consecutiveFailures
	c.mu.Unlock()
	logging.Warnf("session.Controller capture failed fails=%d err=%v", fails, err)
	return fails
}

func (c *Controller) setOutcome(outcome, reason string) {
	c.mu.Lock()
	if c.outcome == "" {
		c.outcome = outcome
		c.reason = reason
	}
	c.mu.Unlock()
}

// settle blocks for the post-correction settle window, cut short by
// stop or cancellation.
func (c *Controller) settle(ctx context.Context, seconds float64) {
	if seconds <= 0 {
		return
	}
	t := time.NewTimer(time.Duration(seconds * float64(time.Second)))
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-c.stop:
	case <-t.C:
	}
}

// writeState rewrites the solver-facing state file. The solver points
// its directory watch at the phase's capture directory.
func (c *Controller) writeState(phase string) {
	if c.states == nil {
		return
	}
	dir := c.scienceDir
	if phase == PhaseAcquisition {
		dir = c.acqDir
	}
	cameraName := ""
	if c.camera != nil {
		cameraName = c.camera.Name()
	}
	state := targetstate.State{
		TargetID:        c.target.ID,
		RAJ2000Hours:    c.target.RAHours,
		DecJ2000Deg:     c.target.DecDeg,
		Magnitude:       c.target.Magnitude,
		MagnitudeSource: c.target.MagnitudeSource,
		SessionID:       c.id,
		Phase:           phase,
		FilterCode:      c.cfg.Session.FilterCode,
		CameraName:      cameraName,
		RawImagesDir:    dir,
		Telescope:       c.cfg.Paths.TelescopeID,
	}
	if err := c.states.Write(state); err != nil {
		logging.Warnf("session.Controller target state write failed err=%v", err)
	}
}

// installLedgerHook mirrors every applied correction into the ledger.
func (c *Controller) installLedgerHook() {
	if c.recorder == nil {
		return
	}
	c.engine.SetAppliedHook(func(res corrector.Result, frameSequence int, filename string) {
		row := ledger.CorrectionRow{
			SessionID:         c.id,
			FrameSequence:     frameSequence,
			Filename:          filename,
			RAOffsetArcsec:    res.RAOffsetArcsec,
			DecOffsetArcsec:   res.DecOffsetArcsec,
			RotationOffsetDeg: res.RotationOffsetDeg,
			TotalOffsetArcsec: res.TotalOffsetArcsec,
			SettleSeconds:     res.SettleSeconds,
			AppliedAt:         time.Now().UTC(),
		}
		if err := c.recorder.RecordCorrection(row); err != nil {
			logging.Warnf("session.Controller correction ledger write failed err=%v", err)
		}
	})
}

// finalize writes the terminal ledger row and the end-of-run log line.
func (c *Controller) finalize() {
	c.mu.Lock()
	outcome, reason := c.outcome, c.reason
	phase := c.phase
	acq, sci := c.acquisitionCount, c.scienceCount
	c.mu.Unlock()
	if outcome == "" {
		outcome, reason = OutcomeStopped, "run loop exited without outcome"
	}

	observability.RecordSessionEnd(outcome)
	if c.recorder != nil {
		if err := c.recorder.EndSession(c.id, time.Now(), ledger.SessionEnd{
			PhaseFinal:        phase,
			AcquisitionFrames: acq,
			ScienceFrames:     sci,
			Outcome:           outcome,
			Reason:            reason,
		}); err != nil {
			logging.Warnf("session.Controller ledger end failed err=%v", err)
		}
	}
	logging.Infof("session.Controller done id=%s outcome=%s reason=%q acq=%d sci=%d",
		c.id, outcome, reason, acq, sci)
}
