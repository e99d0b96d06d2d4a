package alpaca

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/averhola/skyloop/internal/logging"
)

// Focuser drives the focus stage within [0, MaxStep].
type Focuser struct {
	c *Client

	// FilterPositions maps filter codes to absolute focus positions
	// so a filter change can carry its focus move.
	FilterPositions map[string]int
	MoveTimeout     time.Duration

	name    string
	maxStep int
}

// NewFocuser binds a focuser client.
func NewFocuser(address string, number int, timeout time.Duration) *Focuser {
	return &Focuser{
		c:           NewClient(address, "focuser", number, timeout),
		MoveTimeout: 120 * time.Second,
	}
}

// Connect establishes the link. A Position read is the working
// connectivity probe on this driver.
func (f *Focuser) Connect(ctx context.Context) error {
	if _, err := f.Position(ctx); err != nil {
		if err := f.c.setConnected(ctx, true); err != nil {
			return err
		}
		if err := sleepCtx(ctx, 500*time.Millisecond); err != nil {
			return err
		}
	}
	var err error
	if f.name, err = f.c.name(ctx); err != nil {
		return err
	}
	if f.maxStep, err = f.c.getInt(ctx, "maxstep"); err != nil {
		return err
	}
	pos, err := f.Position(ctx)
	if err != nil {
		return err
	}
	logging.Infof("alpaca.Focuser.Connect ok name=%q position=%d maxStep=%d", f.name, pos, f.maxStep)
	return nil
}

// Name reports the identity read at connect.
func (f *Focuser) Name() string { return f.name }

// MaxStep reports the travel limit read at connect.
func (f *Focuser) MaxStep() int { return f.maxStep }

// Position reads the current step position.
func (f *Focuser) Position(ctx context.Context) (int, error) {
	return f.c.getInt(ctx, "position")
}

// IsMoving reports whether a focus move is in progress.
func (f *Focuser) IsMoving(ctx context.Context) (bool, error) {
	return f.c.getBool(ctx, "ismoving")
}

// MoveTo drives to an absolute position within the travel limits and
// waits for motion to stop.
func (f *Focuser) MoveTo(ctx context.Context, position int) error {
	if position < 0 || (f.maxStep > 0 && position > f.maxStep) {
		return fmt.Errorf("alpaca: focuser position %d outside [0,%d]", position, f.maxStep)
	}
	logging.Infof("alpaca.Focuser.MoveTo target=%d", position)
	if err := f.c.putInt(ctx, "move", "Position", position); err != nil {
		return err
	}
	deadline := time.Now().Add(f.MoveTimeout)
	for {
		moving, err := f.IsMoving(ctx)
		if err != nil {
			return err
		}
		if !moving {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("alpaca: focuser move wait exceeded %s", f.MoveTimeout)
		}
		if err := sleepCtx(ctx, time.Second); err != nil {
			return err
		}
	}
	final, err := f.Position(ctx)
	if err != nil {
		return err
	}
	logging.Infof("alpaca.Focuser.MoveTo complete position=%d", final)
	return nil
}

// MoveForFilter drives to the focus position configured for a filter
// code. Codes without a configured position are an error; running
// defocused wastes the whole exposure.
func (f *Focuser) MoveForFilter(ctx context.Context, code string) error {
	key := strings.ToUpper(strings.TrimSpace(code))
	position, ok := f.FilterPositions[key]
	if !ok {
		return fmt.Errorf("alpaca: focuser: no focus position configured for filter %q", code)
	}
	logging.Infof("alpaca.Focuser.MoveForFilter filter=%q target=%d", key, position)
	return f.MoveTo(ctx, position)
}

// Halt stops focus motion and waits for it to register.
func (f *Focuser) Halt(ctx context.Context) error {
	moving, err := f.IsMoving(ctx)
	if err != nil {
		return err
	}
	if !moving {
		return nil
	}
	logging.Warnf("alpaca.Focuser.Halt issued")
	if _, err := f.c.Put(ctx, "halt", nil); err != nil {
		return err
	}
	deadline := time.Now().Add(10 * time.Second)
	for {
		moving, err := f.IsMoving(ctx)
		if err != nil {
			return err
		}
		if !moving {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("alpaca: focuser still moving after halt")
		}
		if err := sleepCtx(ctx, 500*time.Millisecond); err != nil {
			return err
		}
	}
}
