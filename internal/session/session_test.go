package session

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/averhola/skyloop/internal/alpaca"
	"github.com/averhola/skyloop/internal/astro"
	"github.com/averhola/skyloop/internal/config"
	"github.com/averhola/skyloop/internal/corrector"
	"github.com/averhola/skyloop/internal/filestore"
	"github.com/averhola/skyloop/internal/ledger"
	"github.com/averhola/skyloop/internal/targetstate"
	"github.com/averhola/skyloop/internal/testutil/testlog"
)

const testTargetID = "MIRROR_12.350h_+45.100d_220500"

type fakeCamera struct {
	mu         sync.Mutex
	captures   int
	aborted    int
	failAll    bool
	delay      time.Duration
	capturedAt time.Time
}

func (f *fakeCamera) Name() string { return "FakeCam" }

func (f *fakeCamera) Capture(ctx context.Context, exposureSeconds float64, binning, gain int) (*alpaca.Frame, error) {
	if f.delay > 0 {
		t := time.NewTimer(f.delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	f.mu.Lock()
	f.captures++
	f.mu.Unlock()
	if f.failAll {
		return nil, errors.New("sensor offline")
	}
	ts := f.capturedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return &alpaca.Frame{
		Width:      4,
		Height:     4,
		Pixels:     make([]int32, 16),
		CapturedAt: ts,
		ExposureS:  exposureSeconds,
		Binning:    binning,
		Gain:       gain,
	}, nil
}

func (f *fakeCamera) AbortExposure(ctx context.Context) error {
	f.mu.Lock()
	f.aborted++
	f.mu.Unlock()
	return nil
}

func (f *fakeCamera) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.captures
}

func (f *fakeCamera) abortCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.aborted
}

type fakeRecorder struct {
	mu      sync.Mutex
	started []string
	ended   map[string]ledger.SessionEnd
	rows    []ledger.CorrectionRow
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{ended: map[string]ledger.SessionEnd{}}
}

func (r *fakeRecorder) StartSession(id, targetID string, raHours, decDeg float64, startedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, id)
	return nil
}

func (r *fakeRecorder) EndSession(id string, endedAt time.Time, end ledger.SessionEnd) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended[id] = end
	return nil
}

func (r *fakeRecorder) RecordCorrection(row ledger.CorrectionRow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, row)
	return nil
}

func (r *fakeRecorder) endFor(id string) (ledger.SessionEnd, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	end, ok := r.ended[id]
	return end, ok
}

func (r *fakeRecorder) corrections() []ledger.CorrectionRow {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ledger.CorrectionRow(nil), r.rows...)
}

type stubMount struct{}

func (stubMount) Slewing(ctx context.Context) (bool, error) { return false, nil }
func (stubMount) ApplyCoordinateCorrection(ctx context.Context, raOffsetDeg, decOffsetDeg float64) error {
	return nil
}

type countingMount struct {
	mu sync.Mutex
	n  int
}

func (m *countingMount) Slewing(ctx context.Context) (bool, error) { return false, nil }
func (m *countingMount) ApplyCoordinateCorrection(ctx context.Context, raOffsetDeg, decOffsetDeg float64) error {
	m.mu.Lock()
	m.n++
	m.mu.Unlock()
	return nil
}
func (m *countingMount) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.n
}

func testConfig(dir string) config.Config {
	cfg := config.DefaultConfig()
	cfg.Corrector.Mode = config.ModeImaging
	cfg.Corrector.ArtifactPath = filepath.Join(dir, "correction.json")
	cfg.Corrector.SolverWaitSeconds = 0.05
	cfg.Corrector.SettleMinSeconds = 0
	cfg.Corrector.SettleMaxSeconds = 0.01
	cfg.Session.MaxExposures = 3
	cfg.Session.MaxDurationHours = 1
	cfg.Session.MaxConsecutiveFailures = 3
	cfg.Session.CorrectionInterval = 5
	cfg.Session.AcquisitionEnabled = true
	cfg.Session.MaxAcquisitionAttempts = 2
	cfg.Session.MaxTotalOffsetArcsec = 2
	cfg.Session.FilterCode = "C"
	cfg.Paths.DataRoot = filepath.Join(dir, "raw")
	cfg.Paths.TargetStatePath = filepath.Join(dir, "state", "current_target.json")
	cfg.Paths.TelescopeID = "tel1"
	cfg.Paths.MinFreeGiB = 0
	return cfg
}

func newController(t *testing.T, cfg config.Config, cam Camera, rec Recorder, mount corrector.Mount) *Controller {
	t.Helper()
	if mount == nil {
		mount = stubMount{}
	}
	eng := corrector.NewEngine(cfg.Corrector, mount, nil)
	c, err := New(Params{
		Config: cfg,
		Target: Target{
			ID:              testTargetID,
			RAHours:         12.35,
			DecDeg:          45.1,
			Magnitude:       10,
			HasMagnitude:    true,
			MagnitudeSource: "assumed",
		},
		Site:     astro.Site{LatitudeDeg: 28.3, LongitudeDeg: -16.5},
		Limits:   astro.Limits{MinAltitudeDeg: -90, IgnoreTwilight: true},
		Camera:   cam,
		Engine:   eng,
		Store:    &filestore.Store{Root: cfg.Paths.DataRoot, TelescopeID: cfg.Paths.TelescopeID},
		Recorder: rec,
		States:   &targetstate.Writer{Path: cfg.Paths.TargetStatePath},
		DryRun:   cam == nil,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func writeArtifact(t *testing.T, path string, raDeg, decDeg, thetaDeg, exptime float64, fitsname string) {
	t.Helper()
	doc := map[string]map[string]any{
		"ra_offset":    {"0": raDeg},
		"dec_offset":   {"0": decDeg},
		"theta_offset": {"0": thetaDeg},
		"exptime":      {"0": exptime},
		"fitsname":     {"0": fitsname},
	}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal artifact: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
}

func fitsNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		t.Fatalf("read dir %s: %v", dir, err)
	}
	var names []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".fits") {
			names = append(names, e.Name())
		}
	}
	return names
}

func TestRunAcquisitionThenScienceCompletes(t *testing.T) {
	testlog.Start(t)

	cfg := testConfig(t.TempDir())
	cam := &fakeCamera{}
	rec := newFakeRecorder()
	c := newController(t, cfg, cam, rec, nil)

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	stats := c.Stats()
	if stats.Outcome != OutcomeCompleted {
		t.Fatalf("outcome: got %q reason=%q", stats.Outcome, stats.Reason)
	}
	if !strings.Contains(stats.Reason, "exposure limit") {
		t.Fatalf("unexpected reason %q", stats.Reason)
	}
	if stats.Phase != PhaseScience {
		t.Fatalf("final phase: got %q", stats.Phase)
	}
	if stats.AcquisitionFrames != 2 || stats.ScienceFrames != 3 {
		t.Fatalf("frame counters: acq=%d sci=%d", stats.AcquisitionFrames, stats.ScienceFrames)
	}

	acqNames := fitsNames(t, c.acqDir)
	sciNames := fitsNames(t, c.scienceDir)
	if len(acqNames) != 2 || len(sciNames) != 3 {
		t.Fatalf("files on disk: acq=%d sci=%d", len(acqNames), len(sciNames))
	}
	// Interval mode solves on half the science exposure: 4.8s from
	// magnitude 10, so 2.4s acquisition frames.
	for _, name := range acqNames {
		if !strings.Contains(name, "_2.4s_") {
			t.Fatalf("acquisition exposure not halved: %q", name)
		}
	}
	for _, name := range sciNames {
		if !strings.Contains(name, "_4.8s_") {
			t.Fatalf("science exposure wrong: %q", name)
		}
	}

	end, ok := rec.endFor(stats.ID)
	if !ok {
		t.Fatalf("no ledger end row for %s", stats.ID)
	}
	if end.Outcome != OutcomeCompleted || end.PhaseFinal != PhaseScience ||
		end.AcquisitionFrames != 2 || end.ScienceFrames != 3 {
		t.Fatalf("ledger end row: %+v", end)
	}

	state, err := (&targetstate.Writer{Path: cfg.Paths.TargetStatePath}).Read()
	if err != nil {
		t.Fatalf("read target state: %v", err)
	}
	if state.Phase != PhaseScience || state.SessionID != stats.ID {
		t.Fatalf("target state: phase=%q session=%q", state.Phase, state.SessionID)
	}
	if state.RawImagesDir != c.scienceDir {
		t.Fatalf("target state dir: got %q want %q", state.RawImagesDir, c.scienceDir)
	}
}

func TestAcquisitionConvergesOnFreshMeasurement(t *testing.T) {
	testlog.Start(t)

	cfg := testConfig(t.TempDir())
	cfg.Session.MaxAcquisitionAttempts = 45
	cam := &fakeCamera{}
	rec := newFakeRecorder()
	c := newController(t, cfg, cam, rec, nil)

	// A tiny fresh measurement under the convergence bound. Evaluating
	// without a frame path caches it without touching the mount.
	time.Sleep(10 * time.Millisecond)
	solved := filestore.BuildFilename(testTargetID, "C", 10,
		1, time.Date(2025, 3, 14, 22, 5, 0, 0, time.UTC))
	writeArtifact(t, cfg.Corrector.ArtifactPath, 1e-6, 5e-7, 0, 10, solved)
	res := c.engine.Evaluate(context.Background(), corrector.FrameContext{Phase: PhaseAcquisition})
	if res.Applied || res.SolveFailed {
		t.Fatalf("seed evaluation should only measure: %+v", res)
	}

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	stats := c.Stats()
	if stats.AcquisitionFrames != 1 {
		t.Fatalf("converged acquisition should take one frame, got %d", stats.AcquisitionFrames)
	}
	if stats.ScienceFrames != 3 || stats.Outcome != OutcomeCompleted {
		t.Fatalf("science run after convergence: %+v", stats)
	}
	// The transition discards the pending artifact.
	if _, err := os.Stat(cfg.Corrector.ArtifactPath); !os.IsNotExist(err) {
		t.Fatalf("artifact should be deleted at the phase switch, stat err=%v", err)
	}
}

func TestStopEndsSession(t *testing.T) {
	testlog.Start(t)

	cfg := testConfig(t.TempDir())
	cfg.Session.MaxExposures = 100
	cfg.Session.MaxAcquisitionAttempts = 45
	cam := &fakeCamera{delay: 50 * time.Millisecond}
	rec := newFakeRecorder()
	c := newController(t, cfg, cam, rec, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(context.Background()) }()

	time.Sleep(120 * time.Millisecond)
	c.Stop(context.Background())

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("stopped run should not error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after Stop")
	}

	stats := c.Stats()
	if stats.Outcome != OutcomeStopped {
		t.Fatalf("outcome: got %q reason=%q", stats.Outcome, stats.Reason)
	}
	if cam.abortCount() < 1 {
		t.Fatalf("expected an exposure abort")
	}
	end, ok := rec.endFor(stats.ID)
	if !ok || end.Outcome != OutcomeStopped {
		t.Fatalf("ledger end row: %+v ok=%v", end, ok)
	}
	select {
	case <-c.Done():
	default:
		t.Fatalf("Done must be closed after Run returns")
	}
}

func TestConsecutiveCaptureFailuresFailSession(t *testing.T) {
	testlog.Start(t)

	cfg := testConfig(t.TempDir())
	cam := &fakeCamera{failAll: true}
	rec := newFakeRecorder()
	c := newController(t, cfg, cam, rec, nil)

	err := c.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "consecutive capture failures") {
		t.Fatalf("expected failure error, got %v", err)
	}
	if got := cam.count(); got != cfg.Session.MaxConsecutiveFailures+1 {
		t.Fatalf("capture attempts: got %d want %d", got, cfg.Session.MaxConsecutiveFailures+1)
	}
	stats := c.Stats()
	if stats.Outcome != OutcomeFailed {
		t.Fatalf("outcome: got %q", stats.Outcome)
	}
	end, ok := rec.endFor(stats.ID)
	if !ok || end.Outcome != OutcomeFailed || end.ScienceFrames != 0 {
		t.Fatalf("ledger end row: %+v ok=%v", end, ok)
	}
}

func TestFiberFedCarriesAdaptiveExposure(t *testing.T) {
	testlog.Start(t)

	cfg := testConfig(t.TempDir())
	cfg.Corrector.Mode = config.ModeSpectroscopy
	cfg.Corrector.BaseExposureSeconds = 0.5
	cfg.Session.MaxExposures = 2
	cfg.Session.MaxAcquisitionAttempts = 1
	cam := &fakeCamera{}
	rec := newFakeRecorder()
	c := newController(t, cfg, cam, rec, nil)

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	stats := c.Stats()
	if stats.Outcome != OutcomeCompleted || stats.AcquisitionFrames != 1 || stats.ScienceFrames != 2 {
		t.Fatalf("run shape: %+v", stats)
	}

	// Without the carry the science frames would use the 4.8s
	// magnitude-derived exposure instead of the solver's 0.5s.
	for _, name := range fitsNames(t, c.acqDir) {
		if !strings.Contains(name, "_0.5s_") {
			t.Fatalf("acquisition frame not on adaptive exposure: %q", name)
		}
	}
	sciNames := fitsNames(t, c.scienceDir)
	if len(sciNames) != 2 {
		t.Fatalf("science frames: %d", len(sciNames))
	}
	for _, name := range sciNames {
		if !strings.Contains(name, "_0.5s_") {
			t.Fatalf("science frame did not inherit solver exposure: %q", name)
		}
	}
}

func TestDryRunWithoutCamera(t *testing.T) {
	testlog.Start(t)

	cfg := testConfig(t.TempDir())
	cfg.Session.AcquisitionEnabled = false
	cfg.Session.MaxExposures = 2
	cfg.Session.ExposureOverrideSeconds = 0.1
	rec := newFakeRecorder()
	c := newController(t, cfg, nil, rec, nil)

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	stats := c.Stats()
	if !stats.DryRun || stats.Phase != PhaseScience {
		t.Fatalf("dry run shape: %+v", stats)
	}
	if stats.ScienceFrames != 2 || stats.AcquisitionFrames != 0 {
		t.Fatalf("frame counters: %+v", stats)
	}
	if got := len(fitsNames(t, c.scienceDir)); got != 2 {
		t.Fatalf("synthetic frames on disk: %d", got)
	}
	state, err := (&targetstate.Writer{Path: cfg.Paths.TargetStatePath}).Read()
	if err != nil {
		t.Fatalf("read target state: %v", err)
	}
	if state.Phase != PhaseScience || state.CameraName != "" {
		t.Fatalf("target state: %+v", state)
	}
}

func TestIntervalCorrectionRecordsLedgerRow(t *testing.T) {
	testlog.Start(t)

	cfg := testConfig(t.TempDir())
	cfg.Session.AcquisitionEnabled = false
	cfg.Session.CorrectionInterval = 1
	cfg.Session.MaxExposures = 2
	cfg.Session.ExposureOverrideSeconds = 10

	fixed := time.Date(2025, 3, 14, 22, 5, 0, 0, time.UTC)
	cam := &fakeCamera{capturedAt: fixed}
	rec := newFakeRecorder()
	mount := &countingMount{}
	c := newController(t, cfg, cam, rec, mount)

	// Solution for the first science frame, staged before it is taken.
	time.Sleep(10 * time.Millisecond)
	solved := filestore.BuildFilename(testTargetID, "C", 10, 1, fixed)
	writeArtifact(t, cfg.Corrector.ArtifactPath, 0.001, 0.0005, 0, 10, solved)

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := mount.count(); got != 1 {
		t.Fatalf("mount corrections: got %d want 1", got)
	}
	rows := rec.corrections()
	if len(rows) != 1 {
		t.Fatalf("ledger correction rows: got %d want 1", len(rows))
	}
	row := rows[0]
	if row.SessionID != c.ID() || row.FrameSequence != 1 || row.Filename != solved {
		t.Fatalf("row identity: %+v", row)
	}
	if math.Abs(row.TotalOffsetArcsec-4.0249) > 0.01 {
		t.Fatalf("row total offset: got %.4f", row.TotalOffsetArcsec)
	}
	stats := c.Stats()
	if stats.Outcome != OutcomeCompleted || stats.ScienceFrames != 2 {
		t.Fatalf("run shape: %+v", stats)
	}
}
