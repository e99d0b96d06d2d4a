// skyloopd is the observatory daemon: it brings the hardware up, runs
// the session supervisor against the coordinate feed, keeps a tracking
// monitor alive, serves status and metrics over HTTP, and puts the
// hardware away safely on exit.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/averhola/skyloop/internal/alpaca"
	"github.com/averhola/skyloop/internal/astro"
	"github.com/averhola/skyloop/internal/config"
	"github.com/averhola/skyloop/internal/corrector"
	"github.com/averhola/skyloop/internal/exposure"
	"github.com/averhola/skyloop/internal/filestore"
	"github.com/averhola/skyloop/internal/ledger"
	"github.com/averhola/skyloop/internal/logging"
	"github.com/averhola/skyloop/internal/observability"
	"github.com/averhola/skyloop/internal/session"
	"github.com/averhola/skyloop/internal/status"
	"github.com/averhola/skyloop/internal/supervisor"
	"github.com/averhola/skyloop/internal/targetstate"
)

type flags struct {
	configPath     string
	dryRun         bool
	ignoreTwilight bool
	exposure       float64
	durationHours  float64
	filter         string
	feedPath       string
}

func parseFlags() flags {
	var f flags
	flag.StringVar(&f.configPath, "config", "skyloopd.toml", "daemon config file (TOML)")
	flag.BoolVar(&f.dryRun, "dry-run", false, "run without hardware: simulated captures, no slews")
	flag.BoolVar(&f.ignoreTwilight, "ignore-twilight", false, "observe regardless of sun altitude")
	flag.Float64Var(&f.exposure, "exposure", 0, "override the science exposure (seconds)")
	flag.Float64Var(&f.durationHours, "duration", 0, "override the per-session duration limit (hours)")
	flag.StringVar(&f.filter, "filter", "", "override the filter code")
	flag.StringVar(&f.feedPath, "feed", "", "override the coordinate feed path")
	flag.Parse()
	return f
}

func main() {
	if err := run(parseFlags()); err != nil {
		fmt.Fprintf(os.Stderr, "skyloopd: %v\n", err)
		os.Exit(1)
	}
}

func run(f flags) error {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return err
	}
	applyOverrides(&cfg, f)

	logging.ConfigureRuntime()
	observability.InitLogger("skyloopd")
	observability.RegisterMetrics()
	startedAt := time.Now()
	logging.Infof("skyloopd starting config=%q mode=%s dry_run=%v", f.configPath, cfg.Corrector.Mode, f.dryRun)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var book *ledger.Ledger
	if cfg.Paths.LedgerPath != "" {
		if book, err = ledger.Open(cfg.Paths.LedgerPath); err != nil {
			return err
		}
		defer book.Close()
	}

	var rules *exposure.Rules
	if cfg.Paths.ExposureRules != "" {
		if rules, err = exposure.Load(cfg.Paths.ExposureRules); err != nil {
			return err
		}
	}

	devices, err := bringUpDevices(ctx, cfg, f.dryRun)
	if err != nil {
		return err
	}
	defer teardown(cfg, devices)

	site := astro.Site{
		LatitudeDeg:  cfg.Site.LatitudeDeg,
		LongitudeDeg: cfg.Site.LongitudeDeg,
		ElevationM:   cfg.Site.ElevationM,
	}
	limits := astro.Limits{
		MinAltitudeDeg:      cfg.Site.MinAltitudeDeg,
		TwilightAltitudeDeg: cfg.Site.TwilightAltitudeDeg,
		IgnoreTwilight:      cfg.Supervisor.IgnoreTwilight,
	}

	var mount corrector.Mount
	var fieldRot corrector.FieldRotator
	if devices.telescope != nil {
		mount = devices.telescope
	}
	if devices.rotator != nil {
		fieldRot = devices.rotator
	}
	engine := corrector.NewEngine(cfg.Corrector, mount, fieldRot)

	store := &filestore.Store{
		Root:        cfg.Paths.DataRoot,
		TelescopeID: cfg.Paths.TelescopeID,
		MinFreeGiB:  cfg.Paths.MinFreeGiB,
	}
	var states *targetstate.Writer
	if cfg.Paths.TargetStatePath != "" {
		states = &targetstate.Writer{Path: cfg.Paths.TargetStatePath}
	}
	var tracker *session.FieldTracker
	if devices.rotator != nil && cfg.Session.FieldRotationTracking {
		tracker = session.NewFieldTracker(devices.rotator, site, cfg.Devices.Rotator)
	}

	startSession := func(target session.Target) (supervisor.Session, error) {
		var cam session.Camera
		if devices.mainCamera != nil {
			cam = devices.mainCamera
		}
		var rec session.Recorder
		if book != nil {
			rec = book
		}
		return session.New(session.Params{
			Config:   cfg,
			Target:   target,
			Site:     site,
			Limits:   limits,
			Camera:   cam,
			Engine:   engine,
			Store:    store,
			Recorder: rec,
			States:   states,
			Rules:    rules,
			Tracker:  tracker,
			DryRun:   f.dryRun,
		})
	}

	var supMount supervisor.Mount
	if devices.telescope != nil {
		supMount = devices.telescope
	}
	sup, err := supervisor.NewService(supervisor.Params{
		Config: cfg,
		Site:   site,
		Limits: limits,
		Mount:  supMount,
		Start:  startSession,
	})
	if err != nil {
		return err
	}

	var trackingMount supervisor.TrackingMount
	if devices.telescope != nil {
		trackingMount = devices.telescope
	}
	monitor := supervisor.NewMonitor(trackingMount, cfg.Supervisor.TrackingMonitorInterval())

	srv, err := status.NewServer(cfg.Status, status.Sources{
		App:        "skyloopd",
		StartedAt:  startedAt,
		Supervisor: sup.Snapshot,
		Sessions: func(limit int) ([]ledger.SessionRecord, error) {
			if book == nil {
				return nil, errors.New("no ledger configured")
			}
			return book.RecentSessions(limit)
		},
		Stop: sup.StopSession,
		Shutdown: func(reason string) {
			logging.Warnf("skyloopd shutdown requested reason=%q", reason)
			stop()
		},
	})
	if err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		defer stop()
		return sup.Run(groupCtx)
	})
	group.Go(func() error { return monitor.Run(groupCtx) })
	group.Go(func() error { return srv.Run(groupCtx) })

	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logging.Infof("skyloopd exiting")
	return nil
}

func applyOverrides(cfg *config.Config, f flags) {
	if f.ignoreTwilight {
		cfg.Supervisor.IgnoreTwilight = true
	}
	if f.exposure > 0 {
		cfg.Session.ExposureOverrideSeconds = f.exposure
	}
	if f.durationHours > 0 {
		cfg.Session.MaxDurationHours = f.durationHours
	}
	if f.filter != "" {
		cfg.Session.FilterCode = f.filter
	}
	if f.feedPath != "" {
		cfg.Supervisor.FeedPath = f.feedPath
	}
}

// deviceSet is everything bringUpDevices connected, in teardown order.
type deviceSet struct {
	telescope  *alpaca.Telescope
	rotator    *alpaca.Rotator
	cover      *alpaca.Cover
	wheel      *alpaca.FilterWheel
	focuser    *alpaca.Focuser
	mainCamera *alpaca.Camera
	guide      *alpaca.Camera
	coolerOn   bool
}

// bringUpDevices connects the hardware in dependency order: cameras
// first (they take the longest to cool), then the mount, then the
// optical train. Any failure here is fatal before observing starts.
func bringUpDevices(ctx context.Context, cfg config.Config, dryRun bool) (*deviceSet, error) {
	devices := &deviceSet{}
	if dryRun {
		logging.Infof("skyloopd dry run: no hardware engaged")
		return devices, nil
	}

	addr := cfg.Devices.BaseURL
	timeout := cfg.Devices.HTTPTimeout()

	patterns := map[string]string{
		"main":  cfg.Devices.Camera.MainNamePattern,
		"guide": cfg.Devices.Camera.GuideNamePattern,
	}
	cameras, err := alpaca.DiscoverCameras(ctx, addr, timeout, cfg.Devices.Camera.MaxProbe, patterns)
	if err != nil {
		return nil, err
	}
	for _, cam := range cameras {
		if err := cam.Connect(ctx); err != nil {
			return nil, fmt.Errorf("camera %s connect: %w", cam.Role, err)
		}
		if cfg.Devices.Camera.CoolerEnabled {
			if err := cam.CoolerOn(ctx); err != nil {
				logging.Warnf("skyloopd cooler start failed camera=%s err=%v", cam.Role, err)
			} else {
				devices.coolerOn = true
			}
		}
	}
	devices.mainCamera = cameras["main"]
	devices.guide = cameras["guide"]

	devices.telescope = alpaca.NewTelescope(addr, cfg.Devices.Telescope.Number, timeout)
	devices.telescope.SettleSeconds = cfg.Devices.Telescope.SlewSettleSeconds
	devices.telescope.SlewTimeout = cfg.Devices.Telescope.SlewTimeout()
	devices.telescope.ParkTimeout = cfg.Devices.Telescope.ParkTimeout()
	if err := devices.telescope.Connect(ctx); err != nil {
		return nil, fmt.Errorf("telescope connect: %w", err)
	}
	if err := devices.telescope.Unpark(ctx); err != nil {
		logging.Warnf("skyloopd unpark failed err=%v", err)
	}
	if err := devices.telescope.MotorOn(ctx); err != nil {
		logging.Warnf("skyloopd motor on failed err=%v", err)
	}

	if cfg.Devices.Rotator.Enabled {
		rot := alpaca.NewRotator(addr, cfg.Devices.Rotator.Number, timeout)
		rot.LimitMinDeg = cfg.Devices.Rotator.LimitMinDeg
		rot.LimitMaxDeg = cfg.Devices.Rotator.LimitMaxDeg
		rot.SafePositionDeg = cfg.Devices.Rotator.SafePositionDeg
		rot.ReverseSign = cfg.Devices.Rotator.ReverseSign
		if err := rot.Connect(ctx); err != nil {
			return nil, fmt.Errorf("rotator connect: %w", err)
		}
		if err := rot.InitializePosition(ctx); err != nil {
			logging.Warnf("skyloopd rotator init failed err=%v", err)
		}
		devices.rotator = rot
	}

	if cfg.Devices.FilterWheel.Enabled {
		wheel := alpaca.NewFilterWheel(addr, cfg.Devices.FilterWheel.Number, timeout)
		if len(cfg.Devices.FilterWheel.Slots) > 0 {
			wheel.Slots = cfg.Devices.FilterWheel.Slots
		}
		if err := wheel.Connect(ctx); err != nil {
			return nil, fmt.Errorf("filter wheel connect: %w", err)
		}
		if cfg.Session.FilterCode != "" {
			if err := wheel.ChangeFilter(ctx, cfg.Session.FilterCode); err != nil {
				logging.Warnf("skyloopd filter change failed code=%q err=%v", cfg.Session.FilterCode, err)
			}
		}
		devices.wheel = wheel
	}

	if cfg.Devices.Focuser.Enabled {
		foc := alpaca.NewFocuser(addr, cfg.Devices.Focuser.Number, timeout)
		if err := foc.Connect(ctx); err != nil {
			return nil, fmt.Errorf("focuser connect: %w", err)
		}
		devices.focuser = foc
	}

	if cfg.Devices.Cover.Enabled {
		cover := alpaca.NewCover(addr, cfg.Devices.Cover.Number, timeout)
		if err := cover.Connect(ctx); err != nil {
			return nil, fmt.Errorf("cover connect: %w", err)
		}
		if err := cover.Open(ctx); err != nil {
			return nil, fmt.Errorf("cover open: %w", err)
		}
		devices.cover = cover
	}

	return devices, nil
}

// teardown puts the hardware away: park, cover, coolers, in that
// priority order. Every step is guarded so one dead device cannot
// leave the rest exposed at sunrise.
func teardown(cfg config.Config, devices *deviceSet) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if devices.telescope != nil {
		if err := devices.telescope.Park(ctx); err != nil {
			logging.Errorf("skyloopd teardown park failed err=%v", err)
		}
		if err := devices.telescope.MotorOff(ctx); err != nil {
			logging.Warnf("skyloopd teardown motor off failed err=%v", err)
		}
	}
	if devices.cover != nil {
		if err := devices.cover.Close(ctx); err != nil {
			logging.Errorf("skyloopd teardown cover close failed err=%v", err)
		}
	}
	if devices.coolerOn {
		for _, cam := range []*alpaca.Camera{devices.mainCamera, devices.guide} {
			if cam == nil {
				continue
			}
			if err := cam.CoolerOff(ctx); err != nil {
				logging.Warnf("skyloopd teardown cooler off failed camera=%s err=%v", cam.Role, err)
			}
		}
	}
	logging.Infof("skyloopd teardown complete")
}
