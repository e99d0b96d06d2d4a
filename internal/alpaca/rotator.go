package alpaca

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/averhola/skyloop/internal/logging"
)

const rotatorPollInterval = 500 * time.Millisecond

// Rotator drives the instrument rotator within its mechanical limits.
// The limits are cable-wrap constraints: crossing them is a hardware
// hazard, so moves into the emergency margin are refused outright.
type Rotator struct {
	c *Client

	LimitMinDeg        float64
	LimitMaxDeg        float64
	EmergencyMarginDeg float64
	WarningMarginDeg   float64
	SafePositionDeg    float64
	SettleSeconds      float64
	MoveTimeout        time.Duration
	// ReverseSign flips the solver's sky-angle delta into the
	// mechanical direction for this optical train.
	ReverseSign bool
	// CorrectionClampDeg bounds one correction step; wilder solver
	// deltas are treated as noise by the caller.
	CorrectionClampDeg float64

	name string
}

// NewRotator binds a rotator client with the deployment's default
// margins.
func NewRotator(address string, number int, timeout time.Duration) *Rotator {
	return &Rotator{
		c:                  NewClient(address, "rotator", number, timeout),
		LimitMinDeg:        94,
		LimitMaxDeg:        320,
		EmergencyMarginDeg: 10,
		WarningMarginDeg:   30,
		SafePositionDeg:    207,
		SettleSeconds:      2,
		MoveTimeout:        120 * time.Second,
		CorrectionClampDeg: 5,
	}
}

// Connect establishes the link. Connected is unreliable on this
// driver; a Position read is the working connectivity probe.
func (r *Rotator) Connect(ctx context.Context) error {
	if _, err := r.Position(ctx); err != nil {
		if err := r.c.setConnected(ctx, true); err != nil {
			return err
		}
		if err := sleepCtx(ctx, 500*time.Millisecond); err != nil {
			return err
		}
	}
	pos, err := r.Position(ctx)
	if err != nil {
		return err
	}
	name, err := r.c.name(ctx)
	if err != nil {
		return err
	}
	r.name = name
	logging.Infof("alpaca.Rotator.Connect ok name=%q position=%.3fd limits=[%.1f,%.1f]",
		r.name, pos, r.LimitMinDeg, r.LimitMaxDeg)
	return nil
}

// Disconnect releases the device link.
func (r *Rotator) Disconnect(ctx context.Context) error {
	return r.c.setConnected(ctx, false)
}

// Name reports the identity read at connect.
func (r *Rotator) Name() string { return r.name }

// Position reads the mechanical angle in degrees.
func (r *Rotator) Position(ctx context.Context) (float64, error) {
	return r.c.getFloat(ctx, "position")
}

// IsMoving reports whether a rotation is in progress.
func (r *Rotator) IsMoving(ctx context.Context) (bool, error) {
	return r.c.getBool(ctx, "ismoving")
}

// CheckPositionSafety classifies a target angle against the
// mechanical limits. ok=false means the move must not happen; an
// ok=true result may still carry a warning message.
func (r *Rotator) CheckPositionSafety(targetDeg float64) (ok bool, msg string) {
	if targetDeg <= r.LimitMinDeg+r.EmergencyMarginDeg {
		return false, fmt.Sprintf("position %.3fd within emergency margin (%.1fd) of min limit %.1fd",
			targetDeg, r.EmergencyMarginDeg, r.LimitMinDeg)
	}
	if targetDeg >= r.LimitMaxDeg-r.EmergencyMarginDeg {
		return false, fmt.Sprintf("position %.3fd within emergency margin (%.1fd) of max limit %.1fd",
			targetDeg, r.EmergencyMarginDeg, r.LimitMaxDeg)
	}
	if targetDeg <= r.LimitMinDeg+r.WarningMarginDeg {
		return true, fmt.Sprintf("position %.3fd approaching min limit %.1fd", targetDeg, r.LimitMinDeg)
	}
	if targetDeg >= r.LimitMaxDeg-r.WarningMarginDeg {
		return true, fmt.Sprintf("position %.3fd approaching max limit %.1fd", targetDeg, r.LimitMaxDeg)
	}
	return true, ""
}

// MoveTo rotates to an absolute angle after the safety check, waits
// for motion to stop and settles.
func (r *Rotator) MoveTo(ctx context.Context, positionDeg float64) error {
	ok, msg := r.CheckPositionSafety(positionDeg)
	if !ok {
		return fmt.Errorf("alpaca: rotator move refused: %s", msg)
	}
	if msg != "" {
		logging.Warnf("alpaca.Rotator.MoveTo %s", msg)
	}

	logging.Infof("alpaca.Rotator.MoveTo target=%.6fd", positionDeg)
	if err := r.c.putFloat(ctx, "moveabsolute", "Position", positionDeg); err != nil {
		return err
	}
	deadline := time.Now().Add(r.MoveTimeout)
	for {
		moving, err := r.IsMoving(ctx)
		if err != nil {
			return err
		}
		if !moving {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("alpaca: rotator move wait exceeded %s", r.MoveTimeout)
		}
		if err := sleepCtx(ctx, rotatorPollInterval); err != nil {
			return err
		}
	}
	if err := sleepCtx(ctx, time.Duration(r.SettleSeconds*float64(time.Second))); err != nil {
		return err
	}
	final, err := r.Position(ctx)
	if err != nil {
		return err
	}
	logging.Infof("alpaca.Rotator.MoveTo complete position=%.6fd", final)
	return nil
}

// ApplyRotationCorrection de-rotates by the solver's sky-angle delta.
// The delta is mapped through the sign convention, clamped to
// CorrectionClampDeg, and refused when the resulting angle is unsafe.
func (r *Rotator) ApplyRotationCorrection(ctx context.Context, offsetDeg float64) error {
	current, err := r.Position(ctx)
	if err != nil {
		return err
	}

	mechDelta := offsetDeg
	if r.ReverseSign {
		mechDelta = -mechDelta
	}
	if math.Abs(mechDelta) > r.CorrectionClampDeg {
		clamped := math.Copysign(r.CorrectionClampDeg, mechDelta)
		logging.Warnf("alpaca.Rotator.ApplyRotationCorrection clamped from=%+.2fd to=%+.2fd", mechDelta, clamped)
		mechDelta = clamped
	}

	target := current + mechDelta
	ok, msg := r.CheckPositionSafety(target)
	if !ok {
		return fmt.Errorf("alpaca: rotation correction refused: %s", msg)
	}
	if msg != "" {
		logging.Warnf("alpaca.Rotator.ApplyRotationCorrection %s", msg)
	}

	logging.Infof("alpaca.Rotator.ApplyRotationCorrection sky=%+.6fd mech=%+.6fd from=%.6fd to=%.6fd",
		offsetDeg, mechDelta, current, target)
	if err := r.c.putFloat(ctx, "moveabsolute", "Position", target); err != nil {
		return err
	}
	return sleepCtx(ctx, time.Duration(math.Max(1, r.SettleSeconds)*float64(time.Second)))
}

// InitializePosition parks the rotator at a safe working angle before
// a night starts: the configured safe position when set, otherwise the
// midpoint of the limits. A rotator already within 2 degrees stays put.
func (r *Rotator) InitializePosition(ctx context.Context) error {
	current, err := r.Position(ctx)
	if err != nil {
		return err
	}
	target := r.SafePositionDeg
	if target == 0 {
		target = (r.LimitMinDeg + r.LimitMaxDeg) / 2
	}
	if math.Abs(current-target) < 2 {
		logging.Infof("alpaca.Rotator.InitializePosition already placed position=%.2fd target=%.2fd", current, target)
		return nil
	}
	ok, msg := r.CheckPositionSafety(target)
	if !ok {
		return fmt.Errorf("alpaca: rotator initialize refused: %s", msg)
	}
	logging.Infof("alpaca.Rotator.InitializePosition target=%.2fd", target)
	return r.MoveTo(ctx, target)
}

// Halt stops rotation immediately.
func (r *Rotator) Halt(ctx context.Context) error {
	logging.Warnf("alpaca.Rotator.Halt issued")
	if _, err := r.c.Put(ctx, "halt", nil); err != nil {
		return err
	}
	return sleepCtx(ctx, 500*time.Millisecond)
}
