package alpaca

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"time"

	"github.com/averhola/skyloop/internal/logging"
)

const slewPollInterval = time.Second

// Telescope drives the mount: slews, parking, tracking, motor power
// and pointing corrections.
type Telescope struct {
	c *Client

	SettleSeconds float64
	SlewTimeout   time.Duration
	ParkTimeout   time.Duration

	name      string
	canPark   bool
	canUnpark bool
}

// NewTelescope binds a telescope client. Connect must run before any
// motion command.
func NewTelescope(address string, number int, timeout time.Duration) *Telescope {
	return &Telescope{
		c:             NewClient(address, "telescope", number, timeout),
		SettleSeconds: 2,
		SlewTimeout:   120 * time.Second,
		ParkTimeout:   60 * time.Second,
	}
}

// Connect establishes the device link and probes capabilities once.
func (t *Telescope) Connect(ctx context.Context) error {
	connected, err := t.c.connected(ctx)
	if err != nil {
		return err
	}
	if !connected {
		if err := t.c.setConnected(ctx, true); err != nil {
			return err
		}
		if err := sleepCtx(ctx, time.Second); err != nil {
			return err
		}
	}
	name, err := t.c.name(ctx)
	if err != nil {
		return err
	}
	t.name = name
	if t.canPark, err = t.c.getBool(ctx, "canpark"); err != nil {
		return err
	}
	if t.canUnpark, err = t.c.getBool(ctx, "canunpark"); err != nil {
		return err
	}
	logging.Infof("alpaca.Telescope.Connect ok name=%q canPark=%t canUnpark=%t",
		t.name, t.canPark, t.canUnpark)
	return nil
}

// Disconnect releases the device link.
func (t *Telescope) Disconnect(ctx context.Context) error {
	return t.c.setConnected(ctx, false)
}

// Name reports the identity read at connect.
func (t *Telescope) Name() string { return t.name }

// Coordinates reads the current pointing (RA decimal hours, Dec
// decimal degrees).
func (t *Telescope) Coordinates(ctx context.Context) (raHours, decDeg float64, err error) {
	if raHours, err = t.c.getFloat(ctx, "rightascension"); err != nil {
		return 0, 0, err
	}
	if decDeg, err = t.c.getFloat(ctx, "declination"); err != nil {
		return 0, 0, err
	}
	return raHours, decDeg, nil
}

// Slewing reports whether a slew is in progress.
func (t *Telescope) Slewing(ctx context.Context) (bool, error) {
	return t.c.getBool(ctx, "slewing")
}

// AtPark reports whether the mount sits at its park position.
func (t *Telescope) AtPark(ctx context.Context) (bool, error) {
	return t.c.getBool(ctx, "atpark")
}

// Tracking reads the sidereal tracking state.
func (t *Telescope) Tracking(ctx context.Context) (bool, error) {
	return t.c.getBool(ctx, "tracking")
}

// SetTracking enables or disables sidereal tracking.
func (t *Telescope) SetTracking(ctx context.Context, on bool) error {
	return t.c.putBool(ctx, "tracking", "Tracking", on)
}

// SlewTo moves the mount to the given coordinates. A parked mount is
// unparked first; an in-progress slew is waited out rather than
// interrupted; the call returns after the configured settle pause.
func (t *Telescope) SlewTo(ctx context.Context, raHours, decDeg float64) error {
	atPark, err := t.AtPark(ctx)
	if err != nil {
		return err
	}
	if atPark && t.canUnpark {
		logging.Infof("alpaca.Telescope.SlewTo unparking before slew")
		if err := t.Unpark(ctx); err != nil {
			return err
		}
	}
	if err := t.waitSlewClear(ctx, "pre-slew"); err != nil {
		return err
	}

	logging.Infof("alpaca.Telescope.SlewTo ra=%.6fh dec=%.6fd", raHours, decDeg)
	form := url.Values{}
	form.Set("RightAscension", strconv.FormatFloat(raHours, 'f', -1, 64))
	form.Set("Declination", strconv.FormatFloat(decDeg, 'f', -1, 64))
	if _, err := t.c.Put(ctx, "slewtocoordinatesasync", form); err != nil {
		return err
	}
	if err := t.waitSlewClear(ctx, "slew"); err != nil {
		return err
	}
	if err := sleepCtx(ctx, time.Duration(t.SettleSeconds*float64(time.Second))); err != nil {
		return err
	}
	logging.Infof("alpaca.Telescope.SlewTo complete settle=%.1fs", t.SettleSeconds)
	return nil
}

func (t *Telescope) waitSlewClear(ctx context.Context, stage string) error {
	deadline := time.Now().Add(t.SlewTimeout)
	for {
		slewing, err := t.Slewing(ctx)
		if err != nil {
			return err
		}
		if !slewing {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("alpaca: telescope %s wait exceeded %s", stage, t.SlewTimeout)
		}
		if err := sleepCtx(ctx, slewPollInterval); err != nil {
			return err
		}
	}
}

// ApplyCoordinateCorrection re-points the mount by the given offsets
// (decimal degrees on sky). The RA term is scaled by 1/cos(dec) so an
// on-sky displacement maps to the right hour-angle change; Dec is
// clamped to its physical range and RA wrapped into [0,24).
func (t *Telescope) ApplyCoordinateCorrection(ctx context.Context, raOffsetDeg, decOffsetDeg float64) error {
	raHours, decDeg, err := t.Coordinates(ctx)
	if err != nil {
		return err
	}

	cosDec := math.Cos(decDeg * math.Pi / 180)
	if math.Abs(cosDec) < 1e-6 {
		cosDec = 1e-6
	}
	newRA := raHours + raOffsetDeg/(15*cosDec)
	newRA = math.Mod(newRA, 24)
	if newRA < 0 {
		newRA += 24
	}
	newDec := math.Max(-90, math.Min(90, decDeg+decOffsetDeg))

	raArcsec := raOffsetDeg * 3600
	decArcsec := decOffsetDeg * 3600
	logging.Infof("alpaca.Telescope.ApplyCoordinateCorrection raOffset=%.2farcsec decOffset=%.2farcsec total=%.2farcsec",
		raArcsec, decArcsec, math.Hypot(raArcsec, decArcsec))
	return t.SlewTo(ctx, newRA, newDec)
}

// Park moves the mount to its park position and waits until AtPark
// reports true, bounded by ParkTimeout.
func (t *Telescope) Park(ctx context.Context) error {
	if !t.canPark {
		logging.Warnf("alpaca.Telescope.Park skipped reason=\"device cannot park\"")
		return nil
	}
	logging.Infof("alpaca.Telescope.Park start")
	if _, err := t.c.Put(ctx, "park", nil); err != nil {
		return err
	}
	deadline := time.Now().Add(t.ParkTimeout)
	for {
		parked, err := t.AtPark(ctx)
		if err != nil {
			return err
		}
		if parked {
			logging.Infof("alpaca.Telescope.Park complete")
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("alpaca: telescope park wait exceeded %s", t.ParkTimeout)
		}
		if err := sleepCtx(ctx, slewPollInterval); err != nil {
			return err
		}
	}
}

// Unpark releases the park state; some mounts refuse moves otherwise.
func (t *Telescope) Unpark(ctx context.Context) error {
	if _, err := t.c.Put(ctx, "unpark", nil); err != nil {
		return err
	}
	return sleepCtx(ctx, 500*time.Millisecond)
}

// AbortSlew stops mount motion immediately.
func (t *Telescope) AbortSlew(ctx context.Context) error {
	logging.Warnf("alpaca.Telescope.AbortSlew issued")
	_, err := t.c.Put(ctx, "abortslew", nil)
	return err
}

// MotorOn energizes the mount drives through the driver action.
func (t *Telescope) MotorOn(ctx context.Context) error {
	if _, err := t.c.action(ctx, "telescope:motoron", ""); err != nil {
		return err
	}
	logging.Infof("alpaca.Telescope.MotorOn ok")
	return sleepCtx(ctx, 500*time.Millisecond)
}

// MotorOff de-energizes the mount drives.
func (t *Telescope) MotorOff(ctx context.Context) error {
	if _, err := t.c.action(ctx, "telescope:motoroff", ""); err != nil {
		return err
	}
	logging.Infof("alpaca.Telescope.MotorOff ok")
	return sleepCtx(ctx, 500*time.Millisecond)
}
