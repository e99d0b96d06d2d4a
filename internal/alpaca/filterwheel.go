package alpaca

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/averhola/skyloop/internal/logging"
)

const filterChangeTimeout = 45 * time.Second

// defaultSlotOrder is the deployed wheel's physical load order; a
// configured slot map overrides it.
var defaultSlotOrder = []string{"L", "B", "G", "R", "C", "I", "H"}

// FilterWheel drives the filter wheel by single-letter filter code.
type FilterWheel struct {
	c *Client

	// Slots maps upper-case filter codes to wheel positions. Left
	// empty, defaultSlotOrder is applied against the names read at
	// connect.
	Slots         map[string]int
	SettleSeconds float64

	name  string
	names []string
}

// NewFilterWheel binds a filter wheel client.
func NewFilterWheel(address string, number int, timeout time.Duration) *FilterWheel {
	return &FilterWheel{
		c:             NewClient(address, "filterwheel", number, timeout),
		SettleSeconds: 2,
	}
}

// Connect establishes the link and reads the installed filter names.
func (f *FilterWheel) Connect(ctx context.Context) error {
	connected, err := f.c.connected(ctx)
	if err != nil {
		return err
	}
	if !connected {
		if err := f.c.setConnected(ctx, true); err != nil {
			return err
		}
		if err := sleepCtx(ctx, time.Second); err != nil {
			return err
		}
	}
	if f.name, err = f.c.name(ctx); err != nil {
		return err
	}
	raw, err := f.c.Get(ctx, "names", nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, &f.names); err != nil {
		return fmt.Errorf("alpaca: filterwheel names: decode value: %w", err)
	}
	if len(f.Slots) == 0 {
		f.Slots = make(map[string]int)
		for i, code := range defaultSlotOrder {
			if i >= len(f.names) {
				break
			}
			f.Slots[code] = i
		}
	}
	logging.Infof("alpaca.FilterWheel.Connect ok name=%q filters=%d", f.name, len(f.names))
	return nil
}

// Disconnect releases the device link. The wheel's port accepts one
// connection at a time; a stray open link blocks everything else.
func (f *FilterWheel) Disconnect(ctx context.Context) error {
	return f.c.setConnected(ctx, false)
}

// Name reports the identity read at connect.
func (f *FilterWheel) Name() string { return f.name }

// Position reads the current wheel slot (0-based).
func (f *FilterWheel) Position(ctx context.Context) (int, error) {
	return f.c.getInt(ctx, "position")
}

// FilterName resolves a slot to the installed filter's name.
func (f *FilterWheel) FilterName(slot int) string {
	if slot >= 0 && slot < len(f.names) {
		return f.names[slot]
	}
	return fmt.Sprintf("position %d", slot)
}

// ChangeFilter rotates the wheel to the slot mapped to code and waits
// until the reported position settles there.
func (f *FilterWheel) ChangeFilter(ctx context.Context, code string) error {
	slot, ok := f.Slots[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return fmt.Errorf("alpaca: filterwheel: unknown filter code %q", code)
	}
	current, err := f.Position(ctx)
	if err != nil {
		return err
	}
	if current == slot {
		logging.Infof("alpaca.FilterWheel.ChangeFilter already placed code=%q name=%q", code, f.FilterName(slot))
		return nil
	}

	logging.Infof("alpaca.FilterWheel.ChangeFilter from=%q to=%q", f.FilterName(current), f.FilterName(slot))
	if err := f.c.putInt(ctx, "position", "Position", slot); err != nil {
		return err
	}
	deadline := time.Now().Add(filterChangeTimeout)
	for {
		pos, err := f.Position(ctx)
		if err != nil {
			return err
		}
		if pos == slot {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("alpaca: filterwheel change to %q exceeded %s", code, filterChangeTimeout)
		}
		if err := sleepCtx(ctx, 500*time.Millisecond); err != nil {
			return err
		}
	}
	return sleepCtx(ctx, time.Duration(f.SettleSeconds*float64(time.Second)))
}
