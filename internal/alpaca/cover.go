package alpaca

import (
	"context"
	"time"

	"github.com/averhola/skyloop/internal/logging"
)

// CoverState is the mirror-cover position as reported by the driver.
type CoverState int

const (
	CoverNotPresent CoverState = iota
	CoverClosed
	CoverMoving
	CoverOpen
	CoverUnknown
	CoverError
)

func (s CoverState) String() string {
	switch s {
	case CoverNotPresent:
		return "not_present"
	case CoverClosed:
		return "closed"
	case CoverMoving:
		return "moving"
	case CoverOpen:
		return "open"
	case CoverError:
		return "error"
	default:
		return "unknown"
	}
}

// Cover drives the mirror covers. The driver reports position through
// a named action rather than the standard property, and open/close
// complete on a fixed settle rather than a status poll; both behaviors
// come from the deployed firmware.
type Cover struct {
	c *Client

	SettleSeconds float64

	name string
}

// NewCover binds a cover client.
func NewCover(address string, number int, timeout time.Duration) *Cover {
	return &Cover{
		c:             NewClient(address, "covercalibrator", number, timeout),
		SettleSeconds: 15,
	}
}

// Connect verifies the link with a Name read; Connected is unreliable
// on this driver.
func (v *Cover) Connect(ctx context.Context) error {
	name, err := v.c.name(ctx)
	if err != nil {
		if err := v.c.setConnected(ctx, true); err != nil {
			return err
		}
		if err := sleepCtx(ctx, 2*time.Second); err != nil {
			return err
		}
		if name, err = v.c.name(ctx); err != nil {
			return err
		}
	}
	v.name = name
	logging.Infof("alpaca.Cover.Connect ok name=%q", v.name)
	return nil
}

// Name reports the identity read at connect.
func (v *Cover) Name() string { return v.name }

// State maps the driver's "coverstatus" action codes onto CoverState.
func (v *Cover) State(ctx context.Context) CoverState {
	code, err := v.c.action(ctx, "coverstatus", "")
	if err != nil {
		logging.Errorf("alpaca.Cover.State failed err=%q", err)
		return CoverError
	}
	switch code {
	case "1":
		return CoverClosed
	case "2":
		return CoverOpen
	default:
		logging.Warnf("alpaca.Cover.State unknown code=%q", code)
		return CoverUnknown
	}
}

// Open opens the covers unless they already are. A final state other
// than open is logged for manual verification but not treated as a
// failure; the status action lags the hardware.
func (v *Cover) Open(ctx context.Context) error {
	switch v.State(ctx) {
	case CoverOpen:
		logging.Debugf("alpaca.Cover.Open already open")
		return nil
	case CoverError:
		logging.Errorf("alpaca.Cover.Open refused reason=\"cover in error state\"")
		return nil
	}
	logging.Infof("alpaca.Cover.Open start settle=%.0fs", v.SettleSeconds)
	if _, err := v.c.Put(ctx, "opencover", nil); err != nil {
		return err
	}
	if err := sleepCtx(ctx, time.Duration(v.SettleSeconds*float64(time.Second))); err != nil {
		return err
	}
	if state := v.State(ctx); state != CoverOpen {
		logging.Warnf("alpaca.Cover.Open finished state=%q manual verification recommended", state)
	}
	return nil
}

// Close closes the covers unless they already are.
func (v *Cover) Close(ctx context.Context) error {
	if v.State(ctx) == CoverClosed {
		logging.Infof("alpaca.Cover.Close already closed")
		return nil
	}
	logging.Infof("alpaca.Cover.Close start settle=%.0fs", v.SettleSeconds)
	if _, err := v.c.Put(ctx, "closecover", nil); err != nil {
		return err
	}
	if err := sleepCtx(ctx, time.Duration(v.SettleSeconds*float64(time.Second))); err != nil {
		return err
	}
	if state := v.State(ctx); state != CoverClosed {
		logging.Warnf("alpaca.Cover.Close finished state=%q manual verification recommended", state)
	}
	return nil
}

// Halt stops cover motion mid-travel.
func (v *Cover) Halt(ctx context.Context) error {
	logging.Warnf("alpaca.Cover.Halt issued")
	if _, err := v.c.Put(ctx, "haltcover", nil); err != nil {
		return err
	}
	return sleepCtx(ctx, time.Second)
}
