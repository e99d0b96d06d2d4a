package supervisor

import (
	"context"
	"time"

	"github.com/averhola/skyloop/internal/logging"
)

// TrackingMount is the telescope surface the tracking monitor needs.
type TrackingMount interface {
	Tracking(ctx context.Context) (bool, error)
	SetTracking(ctx context.Context, on bool) error
}

// Monitor re-asserts the mount's tracking motor on a fixed cadence.
// Some mounts silently drop tracking after a park/unpark cycle or a
// firmware hiccup; a session in progress would drift off target with
// no error from anything. The monitor never touches session state.
type Monitor struct {
	mount    TrackingMount
	interval time.Duration

	reenabled int
}

func NewMonitor(mount TrackingMount, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{mount: mount, interval: interval}
}

// Run loops until ctx is canceled. Device errors are logged and the
// loop continues; a dead device client here must not take the
// observatory down.
func (m *Monitor) Run(ctx context.Context) error {
	if m.mount == nil {
		return nil
	}
	logging.Infof("supervisor.Monitor.Run tracking check interval=%s", m.interval)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		m.step(ctx)
	}
}

func (m *Monitor) step(ctx context.Context) {
	on, err := m.mount.Tracking(ctx)
	if err != nil {
		logging.Warnf("supervisor.Monitor tracking read failed err=%v", err)
		return
	}
	if on {
		return
	}
	if err := m.mount.SetTracking(ctx, true); err != nil {
		logging.Errorf("supervisor.Monitor tracking re-enable failed err=%v", err)
		return
	}
	m.reenabled++
	logging.Warnf("supervisor.Monitor tracking was off, re-enabled count=%d", m.reenabled)
}

// Reenabled counts how many times tracking had to be restored.
func (m *Monitor) Reenabled() int { return m.reenabled }
