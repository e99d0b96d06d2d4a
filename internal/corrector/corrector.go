// Package corrector turns pointing-solution artifacts into validated
// telescope and rotator corrections.
//
// Ownership boundary:
// - artifact readiness, currency and frame-sequence gating
// - solve-failure detection and the adaptive exposure ladder
// - correction scaling, settle times and device application
//
// One Engine serves one active session at a time; the supervisor
// retargets it with SetCurrentTarget between sessions.
package corrector

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/averhola/skyloop/internal/config"
	"github.com/averhola/skyloop/internal/filestore"
	"github.com/averhola/skyloop/internal/logging"
	"github.com/averhola/skyloop/internal/observability"
)

// Session phases as the engine sees them. Science frames get a failure
// budget before the exposure ladder engages; acquisition frames do not.
const (
	PhaseAcquisition = "acquisition"
	PhaseScience     = "science"
)

// Mount applies pointing corrections. *alpaca.Telescope satisfies it.
type Mount interface {
	Slewing(ctx context.Context) (bool, error)
	ApplyCoordinateCorrection(ctx context.Context, raOffsetDeg, decOffsetDeg float64) error
}

// FieldRotator applies rotation corrections. *alpaca.Rotator satisfies it.
type FieldRotator interface {
	ApplyRotationCorrection(ctx context.Context, offsetDeg float64) error
}

// FrameContext ties an evaluation to the capture that prompted it. The
// frame path may be empty when no capture has completed yet; the
// sequence gates then fall back to the solved frame's own number.
type FrameContext struct {
	Phase            string
	CurrentFramePath string
}

// Result is the structured outcome of one artifact evaluation. Every
// non-applied outcome is a normal result with a human-readable Reason,
// never an error; callers branch on Applied and SolveFailed.
type Result struct {
	Applied           bool
	RAOffsetArcsec    float64
	DecOffsetArcsec   float64
	RotationOffsetDeg float64
	TotalOffsetArcsec float64
	SettleSeconds     float64
	Reason            string
	RotationApplied   bool

	// SolveFailed marks the producer's exact-zero-offset outcome.
	// NextExposure is the adaptive exposure the next capture should use.
	SolveFailed    bool
	NextExposure   float64
	FailedFilename string
}

// Measurement is the last successfully parsed offset, cached for
// acquisition completion checks.
type Measurement struct {
	TotalOffsetArcsec float64
	RAOffsetArcsec    float64
	DecOffsetArcsec   float64
	RotationOffsetDeg float64
	MeasuredAt        time.Time
}

// AppliedFunc receives every applied correction, for ledger rows.
type AppliedFunc func(res Result, frameSequence int, filename string)

// Engine owns all corrector state for the active target.
type Engine struct {
	cfg     config.CorrectorConfig
	mount   Mount
	rotator FieldRotator

	mu                     sync.Mutex
	currentTargetID        string
	sessionStart           time.Time
	lastAppliedSequence    int
	minAcceptableSequence  int
	lastProcessedFilename  string
	lastFailedFilename     string
	lastWaitFailedFilename string
	lastAppliedTargetID    string

	baseExposure    float64
	currentExposure float64
	retriesAtLevel  int
	scienceFailures int

	lastMeasurement Measurement
	hasMeasurement  bool

	onApplied AppliedFunc
}

// NewEngine builds an engine bound to one mount and an optional
// rotator. A nil mount is valid for dry runs; evaluations then stop
// short of device application.
func NewEngine(cfg config.CorrectorConfig, mount Mount, rotator FieldRotator) *Engine {
	base := cfg.BaseExposureSeconds
	if base <= 0 {
		base = 10
	}
	return &Engine{
		cfg:                 cfg,
		mount:               mount,
		rotator:             rotator,
		lastAppliedSequence: -1,
		baseExposure:        base,
		currentExposure:     base,
	}
}

// SetAppliedHook installs the callback invoked after every applied
// correction. The session controller points it at the ledger.
func (e *Engine) SetAppliedHook(fn AppliedFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onApplied = fn
}

// SetCurrentTarget binds the engine to a target. A new target resets
// all gating and adaptive state and removes any artifact left behind by
// the previous one. The same target with a different base exposure only
// rebases the adaptive ladder; sequence tracking and the session start
// survive.
func (e *Engine) SetCurrentTarget(targetID string, baseExposureSeconds float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if targetID == e.currentTargetID {
		if baseExposureSeconds > 0 && baseExposureSeconds != e.baseExposure {
			old := e.baseExposure
			e.baseExposure = baseExposureSeconds
			e.currentExposure = baseExposureSeconds
			e.retriesAtLevel = 0
			e.scienceFailures = 0
			observability.SetAdaptiveExposure(e.currentExposure)
			logging.Infof("corrector.Engine.SetCurrentTarget target=%q base exposure %.1fs -> %.1fs",
				targetID, old, baseExposureSeconds)
		}
		return
	}

	e.currentTargetID = targetID
	e.sessionStart = time.Now()
	e.removeArtifactLocked("new target " + targetID)

	base := baseExposureSeconds
	if base <= 0 {
		base = e.cfg.BaseExposureSeconds
	}
	if base <= 0 {
		base = 10
	}
	e.baseExposure = base
	e.currentExposure = base
	e.retriesAtLevel = 0
	e.scienceFailures = 0
	e.lastFailedFilename = ""
	e.lastWaitFailedFilename = ""
	e.lastProcessedFilename = ""
	e.lastAppliedTargetID = ""
	e.lastAppliedSequence = -1
	e.minAcceptableSequence = 0
	e.hasMeasurement = false
	observability.SetAdaptiveExposure(e.currentExposure)
	logging.Infof("corrector.Engine.SetCurrentTarget target=%q base_exposure=%.1fs", targetID, base)
}

// ResetForNewSequence clears sequence and processed-file tracking when
// the frame numbering restarts, as on the acquisition to science
// transition. Adaptive exposure state is untouched.
func (e *Engine) ResetForNewSequence(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastAppliedSequence = -1
	e.minAcceptableSequence = 0
	e.lastProcessedFilename = ""
	e.lastAppliedTargetID = ""
	e.lastWaitFailedFilename = ""
	logging.Infof("corrector.Engine.ResetForNewSequence reason=%q", reason)
}

// DeleteArtifact removes the artifact so only fresh solutions can
// apply, clearing processed-file tracking with it. Removal failures are
// logged, not fatal; the timestamp gates still protect correctness.
func (e *Engine) DeleteArtifact(reason string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.removeArtifactLocked(reason) {
		return false
	}
	e.lastProcessedFilename = ""
	e.lastAppliedSequence = -1
	e.lastWaitFailedFilename = ""
	return true
}

// CurrentExposure is the adaptive exposure the next solve-bound capture
// should use.
func (e *Engine) CurrentExposure() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentExposure
}

// LastMeasurement returns the cached offsets of the most recent
// successful solve and whether one exists for the current target.
func (e *Engine) LastMeasurement() (Measurement, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastMeasurement, e.hasMeasurement
}

// TargetID reports the currently bound target, for status output.
func (e *Engine) TargetID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentTargetID
}

// pendingApply carries a gated correction from evaluation to device
// application.
type pendingApply struct {
	raDeg, decDeg         float64
	rotationDeg           float64
	applyRotation         bool
	raArcsec, decArcsec   float64
	totalArcsec           float64
	settleSeconds         float64
	solvedSequence        int
	capturedSequence      int
	solvedFilename        string
	solvedTarget          string
	targetAtStart         string
}

// Evaluate runs one artifact through the full gate chain and, when it
// survives, applies the correction to the mount (and rotator where
// due). Device calls happen outside the state lock; the commit re-checks
// that the target did not change underneath.
func (e *Engine) Evaluate(ctx context.Context, frame FrameContext) Result {
	if e.mount != nil {
		slewing, err := e.mount.Slewing(ctx)
		if err != nil {
			observability.RecordCorrectionRejected("mount_state")
			return Result{Reason: fmt.Sprintf("telescope state unavailable: %v", err)}
		}
		if slewing {
			observability.RecordCorrectionRejected("slewing")
			return Result{Reason: "telescope is slewing, holding correction"}
		}
	}

	e.mu.Lock()
	pending, res, proceed := e.gateLocked(frame)
	e.mu.Unlock()
	if !proceed {
		return res
	}

	if e.mount == nil {
		observability.RecordCorrectionRejected("no_mount")
		return pending.result(false, "telescope not attached")
	}

	logging.Infof("corrector.Engine applying correction target=%q seq=%d ra=%.2f\" dec=%.2f\" total=%.2f\" rotation=%.2fdeg",
		pending.targetAtStart, pending.solvedSequence,
		pending.raArcsec, pending.decArcsec, pending.totalArcsec, pending.rotationDeg)

	if err := e.mount.ApplyCoordinateCorrection(ctx, pending.raDeg, pending.decDeg); err != nil {
		logging.Errorf("corrector.Engine coordinate correction failed err=%v", err)
		observability.RecordCorrectionRejected("apply_failed")
		return pending.result(false, fmt.Sprintf("coordinate correction failed: %v", err))
	}
	rotationApplied := false
	if pending.applyRotation {
		if err := e.rotator.ApplyRotationCorrection(ctx, pending.rotationDeg); err != nil {
			logging.Errorf("corrector.Engine rotation correction failed err=%v", err)
			observability.RecordCorrectionRejected("apply_failed")
			return pending.result(false, fmt.Sprintf("rotation correction failed after coordinate move: %v", err))
		}
		rotationApplied = true
	}

	e.mu.Lock()
	if e.currentTargetID != pending.targetAtStart {
		e.mu.Unlock()
		logging.Warnf("corrector.Engine target changed during correction, gate state not committed old=%q new=%q",
			pending.targetAtStart, e.currentTargetID)
		res = pending.result(true, "correction applied")
		res.RotationApplied = rotationApplied
		return res
	}
	e.lastProcessedFilename = pending.solvedFilename
	e.lastAppliedSequence = pending.solvedSequence
	if pending.solvedTarget != "" {
		e.lastAppliedTargetID = pending.solvedTarget
	}
	gate := pending.solvedSequence + 1
	if pending.capturedSequence >= 0 {
		// Only solves for frames captured after this correction may
		// apply next; a solve for an older frame would fight it.
		gate = pending.capturedSequence + 1
	}
	if gate > e.minAcceptableSequence {
		e.minAcceptableSequence = gate
	}
	if pending.capturedSequence >= 0 {
		logging.Infof("corrector.Engine correction committed seq=%d gate=%d latest_captured=%d",
			pending.solvedSequence, e.minAcceptableSequence, pending.capturedSequence)
	} else {
		logging.Warnf("corrector.Engine correction committed seq=%d gate=%d with no capture info",
			pending.solvedSequence, e.minAcceptableSequence)
	}
	e.removeArtifactLocked("correction applied")
	hook := e.onApplied
	e.mu.Unlock()

	observability.RecordCorrectionApplied(pending.totalArcsec)
	res = pending.result(true, "correction applied")
	res.RotationApplied = rotationApplied
	if hook != nil {
		hook(res, pending.solvedSequence, pending.solvedFilename)
	}
	return res
}

// gateLocked runs the readiness, currency, failure and sequence gates
// plus tier selection. It returns either a final non-applied Result or
// a pendingApply ready for the devices.
func (e *Engine) gateLocked(frame FrameContext) (pendingApply, Result, bool) {
	var pending pendingApply

	info, err := os.Stat(e.cfg.ArtifactPath)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.Warnf("corrector.Engine artifact stat failed path=%q err=%v", e.cfg.ArtifactPath, err)
		}
		return pending, Result{Reason: "no solution artifact available"}, false
	}
	if maxAge := e.cfg.FileMaxAgeSeconds; maxAge > 0 {
		if age := time.Since(info.ModTime()); age.Seconds() > maxAge {
			observability.RecordCorrectionRejected("stale")
			return pending, Result{Reason: fmt.Sprintf("solution artifact is %.0fs old, limit %.0fs",
				age.Seconds(), maxAge)}, false
		}
	}
	if !e.sessionStart.IsZero() && info.ModTime().Before(e.sessionStart) {
		observability.RecordCorrectionRejected("predates_session")
		return pending, Result{Reason: "solution artifact predates this session"}, false
	}

	data, err := os.ReadFile(e.cfg.ArtifactPath)
	if err != nil {
		observability.RecordCorrectionRejected("unreadable")
		return pending, Result{Reason: fmt.Sprintf("solution artifact unreadable: %v", err)}, false
	}
	var art artifact
	if err := json.Unmarshal(data, &art); err != nil {
		observability.RecordCorrectionRejected("malformed")
		return pending, Result{Reason: fmt.Sprintf("solution artifact malformed: %v", err)}, false
	}
	raDeg, decDeg, thetaDeg, refExposure, solvedName, err := art.frame()
	if err != nil {
		observability.RecordCorrectionRejected("malformed")
		return pending, Result{Reason: err.Error()}, false
	}
	solvedBase := ""
	if solvedName != "" {
		solvedBase = filepath.Base(solvedName)
	}

	capturedSequence := -1
	if frame.CurrentFramePath != "" {
		if n, ok := filestore.ExtractSequence(frame.CurrentFramePath); ok {
			capturedSequence = n
		}
	}

	if frame.CurrentFramePath != "" {
		if res, ok := e.checkFrameCurrencyLocked(solvedBase, frame.CurrentFramePath); !ok {
			return pending, res, false
		}
	}

	if res, failed := e.detectSolveFailureLocked(raDeg, decDeg, solvedName, frame.Phase); failed {
		return pending, res, false
	}

	if solvedName != "" && solvedName == e.lastProcessedFilename {
		observability.RecordCorrectionRejected("already_processed")
		return pending, Result{Reason: "solution already processed"}, false
	}

	solvedSequence, ok := filestore.ExtractSequence(solvedBase)
	if !ok {
		observability.RecordCorrectionRejected("no_sequence")
		return pending, Result{Reason: fmt.Sprintf("no sequence number in solution %q", solvedBase)}, false
	}
	solvedTarget, _ := filestore.ExtractTargetID(solvedBase)
	if solvedTarget != "" && solvedTarget == e.lastAppliedTargetID {
		if solvedSequence <= e.lastAppliedSequence {
			observability.RecordCorrectionRejected("out_of_order")
			return pending, Result{Reason: fmt.Sprintf("correction already applied for sequence %d",
				e.lastAppliedSequence)}, false
		}
	} else {
		if e.lastAppliedTargetID != "" {
			logging.Debugf("corrector.Engine new target in solution %q, sequence tracking reset", solvedTarget)
		}
		e.lastAppliedTargetID = solvedTarget
		e.lastAppliedSequence = -1
	}
	if solvedSequence < e.minAcceptableSequence {
		observability.RecordCorrectionRejected("out_of_order")
		return pending, Result{Reason: fmt.Sprintf("solution for frame %d predates correction gate %d",
			solvedSequence, e.minAcceptableSequence)}, false
	}

	raArcsec := raDeg * 3600
	decArcsec := decDeg * 3600
	totalArcsec := math.Hypot(raArcsec, decArcsec)

	scale, settle := e.tier(totalArcsec, refExposure)
	settle = clampSettle(settle, e.cfg.SettleMinSeconds, e.cfg.SettleMaxSeconds)

	rotationDeg := 0.0
	if e.cfg.Mode != config.ModeSpectroscopy {
		rotationDeg = thetaDeg
		if math.Abs(rotationDeg) > e.cfg.MaxRotationDeg {
			logging.Warnf("corrector.Engine rotation offset %.2fdeg exceeds %.2fdeg, treating as solver noise",
				rotationDeg, e.cfg.MaxRotationDeg)
			rotationDeg = 0
		} else {
			rotationDeg *= e.cfg.RotationDamping
		}
	}

	// Cache the measurement before thresholding: a below-threshold
	// solve is exactly what completes acquisition.
	e.lastMeasurement = Measurement{
		TotalOffsetArcsec: totalArcsec,
		RAOffsetArcsec:    raArcsec,
		DecOffsetArcsec:   decArcsec,
		RotationOffsetDeg: rotationDeg,
		MeasuredAt:        time.Now(),
	}
	e.hasMeasurement = true

	if scale == 0 {
		observability.RecordCorrectionRejected("below_threshold")
		return pending, Result{
			RAOffsetArcsec:    raArcsec,
			DecOffsetArcsec:   decArcsec,
			RotationOffsetDeg: rotationDeg,
			TotalOffsetArcsec: totalArcsec,
			SettleSeconds:     settle,
			Reason:            fmt.Sprintf("offset %.3f\" below correction threshold", totalArcsec),
		}, false
	}

	pending = pendingApply{
		raDeg:            raDeg * scale,
		decDeg:           decDeg * scale,
		rotationDeg:      rotationDeg,
		applyRotation:    e.rotator != nil && math.Abs(rotationDeg) >= e.cfg.MinRotationDeg,
		raArcsec:         raArcsec,
		decArcsec:        decArcsec,
		totalArcsec:      totalArcsec,
		settleSeconds:    settle,
		solvedSequence:   solvedSequence,
		capturedSequence: capturedSequence,
		solvedFilename:   solvedName,
		solvedTarget:     solvedTarget,
		targetAtStart:    e.currentTargetID,
	}
	return pending, Result{}, true
}

// checkFrameCurrencyLocked rejects solutions whose filename does not
// belong to the same phase and target as the frame just captured.
func (e *Engine) checkFrameCurrencyLocked(solvedBase, currentFramePath string) (Result, bool) {
	if solvedBase == "" {
		observability.RecordCorrectionRejected("no_frame_name")
		return Result{Reason: "solution names no frame"}, false
	}
	currentBase := filepath.Base(currentFramePath)

	solvedAcq := strings.Contains(solvedBase, filestore.AcquisitionSuffix)
	currentAcq := strings.Contains(currentBase, filestore.AcquisitionSuffix)
	if solvedAcq != currentAcq {
		observability.RecordCorrectionRejected("phase_mismatch")
		return Result{Reason: fmt.Sprintf("solution phase mismatch: solved=%q current=%q",
			solvedBase, currentBase)}, false
	}

	solvedTarget, ok := filestore.ExtractTargetID(solvedBase)
	if !ok {
		observability.RecordCorrectionRejected("wrong_target")
		return Result{Reason: fmt.Sprintf("cannot extract target identity from solution %q", solvedBase)}, false
	}
	if normalizeIdentity(solvedTarget) != normalizeIdentity(e.currentTargetID) {
		observability.RecordCorrectionRejected("wrong_target")
		return Result{Reason: fmt.Sprintf("solution is for target %q, current target is %q",
			solvedTarget, e.currentTargetID)}, false
	}
	if currentTarget, ok := filestore.ExtractTargetID(currentBase); ok {
		if normalizeIdentity(solvedTarget) != normalizeIdentity(currentTarget) {
			observability.RecordCorrectionRejected("wrong_target")
			return Result{Reason: fmt.Sprintf("solution target %q does not match frame target %q",
				solvedTarget, currentTarget)}, false
		}
	}
	return Result{}, true
}

// detectSolveFailureLocked implements the exact-zero failure heuristic
// and the adaptive exposure ladder. A genuine zero correction is
// operationally impossible under continuous drift.
func (e *Engine) detectSolveFailureLocked(raDeg, decDeg float64, solvedName, phase string) (Result, bool) {
	failure := func(next float64, reason string) Result {
		return Result{
			SolveFailed:    true,
			NextExposure:   next,
			FailedFilename: solvedName,
			Reason:         reason,
		}
	}

	if solvedName != "" && solvedName == e.lastFailedFilename {
		return failure(e.currentExposure, fmt.Sprintf("solve already failed for %s, keeping exposure %.1fs",
			filepath.Base(solvedName), e.currentExposure)), true
	}

	if raDeg == 0 && decDeg == 0 {
		e.lastFailedFilename = solvedName
		observability.RecordSolveFailure(phaseLabel(phase))

		if phase == PhaseScience {
			e.scienceFailures++
			budget := e.cfg.ScienceFailureBudget
			if budget <= 0 {
				budget = 3
			}
			if e.scienceFailures < budget {
				logging.Infof("corrector.Engine science solve failed (%d/%d), holding exposure %.1fs",
					e.scienceFailures, budget, e.currentExposure)
				return failure(e.currentExposure, fmt.Sprintf("science solve failed (%d/%d), exposure held at %.1fs",
					e.scienceFailures, budget, e.currentExposure)), true
			}
			logging.Infof("corrector.Engine science solve failed %d times, adaptive exposure engaged",
				e.scienceFailures)
		}

		e.retriesAtLevel++
		retries := e.cfg.RetriesPerLevel
		if retries <= 0 {
			retries = 2
		}
		if e.retriesAtLevel < retries {
			logging.Infof("corrector.Engine solve failed, retry %d/%d at %.1fs",
				e.retriesAtLevel, retries, e.currentExposure)
			return failure(e.currentExposure, fmt.Sprintf("solve failed, retry %d/%d at %.1fs",
				e.retriesAtLevel, retries, e.currentExposure)), true
		}
		if e.currentExposure < e.cfg.MaxExposureSeconds {
			factor := e.cfg.ExposureIncrease
			if factor <= 1 {
				factor = 2
			}
			next := e.currentExposure * factor
			if next > e.cfg.MaxExposureSeconds {
				next = e.cfg.MaxExposureSeconds
			}
			e.currentExposure = next
			// The frame exposed at the new level counts as its first
			// attempt.
			e.retriesAtLevel = 1
			observability.SetAdaptiveExposure(next)
			logging.Infof("corrector.Engine solve failed %d times at previous level, raising exposure to %.1fs",
				retries, next)
			return failure(next, fmt.Sprintf("solve failed, raising exposure to %.1fs", next)), true
		}
		logging.Warnf("corrector.Engine solve failed at maximum exposure %.1fs", e.currentExposure)
		return failure(e.currentExposure, fmt.Sprintf("solve failed at maximum exposure %.1fs",
			e.currentExposure)), true
	}

	// Successful solve: the ladder restarts from the base exposure.
	e.lastFailedFilename = ""
	e.retriesAtLevel = 0
	e.scienceFailures = 0
	if e.currentExposure != e.baseExposure {
		logging.Infof("corrector.Engine solve succeeded, exposure back to base %.1fs", e.baseExposure)
		e.currentExposure = e.baseExposure
		observability.SetAdaptiveExposure(e.currentExposure)
	}
	return Result{}, false
}

// tier maps a measured total offset to a correction scale and a raw
// settle time. Spectroscopy has one tight threshold for fiber
// alignment; imaging keeps the three-tier table.
func (e *Engine) tier(totalArcsec, refExposure float64) (scale, settle float64) {
	if e.cfg.Mode == config.ModeSpectroscopy {
		if totalArcsec < e.cfg.MinOffsetArcsec {
			return 0, 1
		}
		return 1, 2
	}
	switch {
	case totalArcsec < e.cfg.MinOffsetArcsec:
		return 0, 2
	case totalArcsec < e.cfg.SmallOffsetArcsec:
		return 0, refExposure * 5
	case totalArcsec > e.cfg.LargeOffsetArcsec:
		return 0.9, refExposure * 5
	default:
		return 1.0, refExposure * 7
	}
}

// WaitForCorrection blocks until a correction applies, a fresh failed
// solve lands, the timeout passes, or ctx is canceled. An applied
// correction is followed by its settle time before returning true. A
// failed solve ends the wait only the first time its filename is seen;
// a repeated one keeps waiting for the producer's next attempt.
func (e *Engine) WaitForCorrection(ctx context.Context, timeout time.Duration, frame FrameContext) bool {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	logging.Debugf("corrector.Engine.WaitForCorrection timeout=%s frame=%q",
		timeout, filepath.Base(frame.CurrentFramePath))

	// fsnotify wakes the loop as soon as the producer drops an
	// artifact; the 1s tick is the fallback when the watch cannot be
	// established.
	var events chan fsnotify.Event
	if watcher, err := fsnotify.NewWatcher(); err == nil {
		defer watcher.Close()
		dir := filepath.Dir(e.cfg.ArtifactPath)
		if err := watcher.Add(dir); err != nil {
			logging.Debugf("corrector.Engine.WaitForCorrection watch failed dir=%q err=%v", dir, err)
		} else {
			events = watcher.Events
		}
	} else {
		logging.Debugf("corrector.Engine.WaitForCorrection no watcher err=%v", err)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	lastReason := ""
	repeats := 0
	logRepeats := func() {
		if repeats > 1 {
			logging.Debugf("corrector.Engine.WaitForCorrection previous reason repeated %d times", repeats)
		}
	}

	for {
		res := e.Evaluate(ctx, frame)
		switch {
		case res.Applied:
			e.setWaitFailed("")
			logRepeats()
			logging.Infof("corrector.Engine.WaitForCorrection applied %.2f\" offset, settling %.1fs",
				res.TotalOffsetArcsec, res.SettleSeconds)
			e.settle(ctx, res.SettleSeconds)
			return true
		case res.SolveFailed && res.FailedFilename != "" && res.FailedFilename != e.waitFailed():
			e.setWaitFailed(res.FailedFilename)
			logRepeats()
			logging.Infof("corrector.Engine.WaitForCorrection solve failed for %s, ending wait (next exposure %.1fs)",
				filepath.Base(res.FailedFilename), res.NextExposure)
			return false
		default:
			// Same failed solve or an ordinary non-applied reason:
			// keep waiting, deduplicating the log line.
			if n := normalizeReason(res.Reason); n != lastReason {
				logRepeats()
				logging.Debugf("corrector.Engine.WaitForCorrection waiting: %s", res.Reason)
				lastReason = n
				repeats = 1
			} else {
				repeats++
			}
		}

		select {
		case <-ctx.Done():
			logRepeats()
			return false
		case <-deadline.C:
			logRepeats()
			logging.Warnf("corrector.Engine.WaitForCorrection timeout after %s", timeout)
			return false
		case <-ticker.C:
		case <-events:
		}
	}
}

func (e *Engine) waitFailed() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastWaitFailedFilename
}

func (e *Engine) setWaitFailed(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastWaitFailedFilename = name
}

func (e *Engine) settle(ctx context.Context, seconds float64) {
	if seconds <= 0 {
		return
	}
	t := time.NewTimer(time.Duration(seconds * float64(time.Second)))
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// removeArtifactLocked unlinks the artifact without touching tracking
// state. A missing file counts as removed.
func (e *Engine) removeArtifactLocked(reason string) bool {
	err := os.Remove(e.cfg.ArtifactPath)
	switch {
	case err == nil:
		logging.Infof("corrector.Engine removed solution artifact path=%q reason=%q", e.cfg.ArtifactPath, reason)
		return true
	case os.IsNotExist(err):
		return true
	default:
		logging.Warnf("corrector.Engine could not remove solution artifact path=%q reason=%q err=%v",
			e.cfg.ArtifactPath, reason, err)
		return false
	}
}

func (p pendingApply) result(applied bool, reason string) Result {
	return Result{
		Applied:           applied,
		RAOffsetArcsec:    p.raArcsec,
		DecOffsetArcsec:   p.decArcsec,
		RotationOffsetDeg: p.rotationDeg,
		TotalOffsetArcsec: p.totalArcsec,
		SettleSeconds:     p.settleSeconds,
		Reason:            reason,
	}
}

// artifact is the producer's column-form JSON: every field is a map
// keyed by frame index, single-frame artifacts use index "0".
type artifact struct {
	RAOffset    map[string]float64 `json:"ra_offset"`
	DecOffset   map[string]float64 `json:"dec_offset"`
	ThetaOffset map[string]float64 `json:"theta_offset"`
	ExpTime     map[string]float64 `json:"exptime"`
	FitsName    map[string]string  `json:"fitsname"`
}

const frameKey = "0"

// frame pulls the single-frame values out of the column form. The
// rotation column and frame name are optional; offsets and the
// reference exposure are not.
func (a *artifact) frame() (raDeg, decDeg, thetaDeg, refExposure float64, fitsName string, err error) {
	var ok bool
	if raDeg, ok = a.RAOffset[frameKey]; !ok {
		return 0, 0, 0, 0, "", fmt.Errorf("solution artifact missing ra_offset[%q]", frameKey)
	}
	if decDeg, ok = a.DecOffset[frameKey]; !ok {
		return 0, 0, 0, 0, "", fmt.Errorf("solution artifact missing dec_offset[%q]", frameKey)
	}
	if refExposure, ok = a.ExpTime[frameKey]; !ok {
		return 0, 0, 0, 0, "", fmt.Errorf("solution artifact missing exptime[%q]", frameKey)
	}
	thetaDeg = a.ThetaOffset[frameKey]
	fitsName = a.FitsName[frameKey]
	return raDeg, decDeg, thetaDeg, refExposure, fitsName, nil
}

// normalizeIdentity reduces a configured target ID or a
// filename-extracted one to a comparable form: separators and sign
// characters carry no identity.
func normalizeIdentity(id string) string {
	return filestore.NormalizeTargetID(filestore.CleanTargetID(id))
}

func clampSettle(v, lo, hi float64) float64 {
	if hi > 0 && v > hi {
		v = hi
	}
	if v < lo {
		v = lo
	}
	return v
}

func phaseLabel(phase string) string {
	if phase == "" {
		return "unknown"
	}
	return phase
}

var reasonDigits = regexp.MustCompile(`\d+(\.\d+)?`)

// normalizeReason blanks the varying numbers in a reason string so
// repeated waits collapse to one log line.
func normalizeReason(reason string) string {
	return reasonDigits.ReplaceAllString(reason, "#")
}
