package session

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/averhola/skyloop/internal/astro"
	"github.com/averhola/skyloop/internal/config"
	"github.com/averhola/skyloop/internal/logging"
)

// A derotation step larger than this is a bad position read or a bad
// clock, not field rotation.
const maxTrackStepDeg = 20.0

// TrackedRotator is the rotator surface the tracker drives.
type TrackedRotator interface {
	Position(ctx context.Context) (float64, error)
	MoveTo(ctx context.Context, positionDeg float64) error
	CheckPositionSafety(targetDeg float64) (ok bool, msg string)
}

// FieldTracker holds the sky position angle fixed while the mount
// tracks. The reference angle is frozen at Start: whatever orientation
// the field has then is the orientation every later frame gets, with
// the rotator absorbing the parallactic drift.
type FieldTracker struct {
	rotator   TrackedRotator
	site      astro.Site
	sign      float64
	zeroDeg   float64
	interval  time.Duration
	threshold float64

	raHours     float64
	decDeg      float64
	referencePA float64

	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	moves int
}

// NewFieldTracker binds a rotator and site for one or more runs.
func NewFieldTracker(rot TrackedRotator, site astro.Site, cfg config.RotatorConfig) *FieldTracker {
	sign := 1.0
	if cfg.ReverseSign {
		sign = -1
	}
	interval := cfg.TrackInterval()
	if interval <= 0 {
		interval = 2 * time.Second
	}
	threshold := cfg.TrackThresholdDeg
	if threshold <= 0 {
		threshold = 0.1
	}
	return &FieldTracker{
		rotator:   rot,
		site:      site,
		sign:      sign,
		zeroDeg:   cfg.MechanicalZeroDeg,
		interval:  interval,
		threshold: threshold,
	}
}

// Start freezes the reference position angle from the rotator's
// current mechanical position and spawns the tracking loop. The loop
// outlives ctx; Stop ends it.
func (t *FieldTracker) Start(ctx context.Context, raHours, decDeg float64) error {
	pos, err := t.rotator.Position(ctx)
	if err != nil {
		return fmt.Errorf("session: field tracker start: %w", err)
	}
	t.raHours, t.decDeg = raHours, decDeg
	q0 := t.parallactic(time.Now())
	skyPA := pos/t.sign - t.zeroDeg
	t.referencePA = skyPA + q0

	runCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.loop(runCtx)

	logging.Infof("session.FieldTracker.Start mech=%.3fd sky_pa=%.3fd q0=%.3fd ref=%.3fd interval=%s",
		pos, skyPA, q0, t.referencePA, t.interval)
	return nil
}

// Stop cancels the loop and waits briefly for it to exit.
func (t *FieldTracker) Stop() {
	if t.cancel == nil {
		return
	}
	t.cancel()
	select {
	case <-t.done:
	case <-time.After(5 * time.Second):
		logging.Warnf("session.FieldTracker.Stop loop did not exit in time")
	}
	logging.Infof("session.FieldTracker.Stop moves=%d", t.Moves())
}

// Moves counts the derotation moves issued since Start.
func (t *FieldTracker) Moves() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.moves
}

func (t *FieldTracker) loop(ctx context.Context) {
	defer close(t.done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.step(ctx)
		}
	}
}

// step issues at most one derotation move: required mechanical angle
// from the frozen reference, gated by the threshold, a plausibility
// bound and the rotator's limit check.
func (t *FieldTracker) step(ctx context.Context) {
	q := t.parallactic(time.Now())
	requiredSky := t.referencePA - q
	target := norm360(t.sign * (requiredSky + t.zeroDeg))

	current, err := t.rotator.Position(ctx)
	if err != nil {
		logging.Warnf("session.FieldTracker.step position read failed err=%v", err)
		return
	}
	errDeg := normalize180(target - current)
	if math.Abs(errDeg) <= t.threshold {
		return
	}
	if math.Abs(errDeg) >= maxTrackStepDeg {
		logging.Warnf("session.FieldTracker.step implausible error %.2fd at q=%.3fd, holding", errDeg, q)
		return
	}

	if ok, msg := t.rotator.CheckPositionSafety(target); !ok {
		alt := norm360(target + 180)
		altOK, altMsg := t.rotator.CheckPositionSafety(alt)
		if !altOK {
			logging.Warnf("session.FieldTracker.step no safe orientation target=%.2fd (%s) flipped=%.2fd (%s)",
				target, msg, alt, altMsg)
			return
		}
		// A 180 degree flip keeps the field orientation equivalent for
		// the slit while unwinding the cable wrap.
		logging.Warnf("session.FieldTracker.step flipping 180d inside limits target=%.2fd -> %.2fd", target, alt)
		t.referencePA += 180
		target = alt
	}

	if err := t.rotator.MoveTo(ctx, target); err != nil {
		logging.Warnf("session.FieldTracker.step move failed target=%.3fd err=%v", target, err)
		return
	}
	t.mu.Lock()
	t.moves++
	t.mu.Unlock()
	logging.Debugf("session.FieldTracker.step derotated to %.3fd err_was=%.3fd q=%.3fd", target, errDeg, q)
}

func (t *FieldTracker) parallactic(now time.Time) float64 {
	lst := astro.LSTHours(now, t.site.LongitudeDeg)
	return astro.ParallacticAngle(t.raHours, t.decDeg, t.site.LatitudeDeg, lst)
}

func norm360(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}

func normalize180(deg float64) float64 {
	deg = math.Mod(deg+180, 360)
	if deg < 0 {
		deg += 360
	}
	return deg - 180
}
