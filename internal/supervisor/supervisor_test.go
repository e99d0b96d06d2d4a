package supervisor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/averhola/skyloop/internal/astro"
	"github.com/averhola/skyloop/internal/config"
	"github.com/averhola/skyloop/internal/feed"
	"github.com/averhola/skyloop/internal/session"
	"github.com/averhola/skyloop/internal/testutil/testlog"
)

type fakeSession struct {
	id     string
	target session.Target

	mu      sync.Mutex
	stopped bool
	done    chan struct{}
	once    sync.Once
}

func newFakeSession(id string, target session.Target) *fakeSession {
	return &fakeSession{id: id, target: target, done: make(chan struct{})}
}

func (f *fakeSession) ID() string             { return f.id }
func (f *fakeSession) Target() session.Target { return f.target }
func (f *fakeSession) Done() <-chan struct{}  { return f.done }

func (f *fakeSession) Stats() session.Stats {
	return session.Stats{ID: f.id, TargetID: f.target.ID}
}

func (f *fakeSession) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
	case <-f.done:
	}
	return nil
}

func (f *fakeSession) Stop(ctx context.Context) {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
	f.once.Do(func() { close(f.done) })
}

func (f *fakeSession) wasStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

func (f *fakeSession) finish() {
	f.once.Do(func() { close(f.done) })
}

type fakeMount struct {
	mu    sync.Mutex
	slews int
	fail  bool
}

func (m *fakeMount) SlewTo(ctx context.Context, raHours, decDeg float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("mount offline")
	}
	m.slews++
	return nil
}

func (m *fakeMount) AbortSlew(ctx context.Context) error { return nil }

func (m *fakeMount) slewCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slews
}

// observableLimits makes every target pass the altitude check; twilight
// is suppressed so tests are independent of wall-clock time of day.
func observableLimits() astro.Limits {
	return astro.Limits{MinAltitudeDeg: -90, TwilightAltitudeDeg: -18, IgnoreTwilight: true}
}

func testConfig(feedPath string) config.Config {
	cfg := config.DefaultConfig()
	cfg.Supervisor.FeedPath = feedPath
	cfg.Supervisor.PollIntervalSeconds = 0.01
	cfg.Supervisor.InterSessionPauseSecs = 0
	cfg.Supervisor.StopJoinTimeoutSeconds = 1
	return cfg
}

func writeMove(t *testing.T, path string, ts time.Time, raDeg, decDeg float64) {
	t.Helper()
	doc := feed.Document{LatestMove: &feed.MoveRecord{
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
		RADeg:     &raDeg,
		DecDeg:    &decDeg,
	}}
	if err := feed.WriteDocument(path, doc); err != nil {
		t.Fatalf("write feed: %v", err)
	}
}

type sessionCapture struct {
	mu       sync.Mutex
	sessions []*fakeSession
	failNext bool
}

func (c *sessionCapture) start(target session.Target) (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failNext {
		c.failNext = false
		return nil, errors.New("camera offline")
	}
	s := newFakeSession("fake-"+target.ID, target)
	c.sessions = append(c.sessions, s)
	return s, nil
}

func (c *sessionCapture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

func (c *sessionCapture) at(i int) *fakeSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[i]
}

func newTestService(t *testing.T, feedPath string, starts *sessionCapture, mount Mount) *Service {
	t.Helper()
	svc, err := NewService(Params{
		Config: testConfig(feedPath),
		Site:   astro.Site{LatitudeDeg: 28.3, LongitudeDeg: -16.5},
		Limits: observableLimits(),
		Mount:  mount,
		Start:  starts.start,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestNewServiceRequiresStartFunc(t *testing.T) {
	testlog.Start(t)
	_, err := NewService(Params{Config: testConfig("feed.json")})
	if !errors.Is(err, ErrNoStartFunc) {
		t.Fatalf("expected ErrNoStartFunc, got %v", err)
	}
}

func TestPollFeedStartsSessionForNewMove(t *testing.T) {
	testlog.Start(t)
	feedPath := filepath.Join(t.TempDir(), "feed.json")
	starts := &sessionCapture{}
	mount := &fakeMount{}
	svc := newTestService(t, feedPath, starts, mount)

	writeMove(t, feedPath, time.Now().Add(time.Second), 185.25, 45.1)
	svc.pollFeed(context.Background())

	if starts.count() != 1 {
		t.Fatalf("expected 1 session, got %d", starts.count())
	}
	if mount.slewCount() != 1 {
		t.Fatalf("expected 1 slew, got %d", mount.slewCount())
	}
	target := starts.at(0).Target()
	if target.RAHours != 185.25/15.0 || target.DecDeg != 45.1 {
		t.Fatalf("wrong target coordinates: %+v", target)
	}
}

func TestPollFeedIgnoresEqualTimestamp(t *testing.T) {
	testlog.Start(t)
	feedPath := filepath.Join(t.TempDir(), "feed.json")
	starts := &sessionCapture{}
	svc := newTestService(t, feedPath, starts, nil)

	ts := time.Now().Add(time.Second)
	writeMove(t, feedPath, ts, 185.25, 45.1)
	svc.pollFeed(context.Background())

	// Same timestamp again, different coordinates: not a new move.
	writeMove(t, feedPath, ts, 200.0, 10.0)
	svc.pollFeed(context.Background())

	if starts.count() != 1 {
		t.Fatalf("expected 1 session after duplicate timestamp, got %d", starts.count())
	}
}

func TestPollFeedReplacesRunningSession(t *testing.T) {
	testlog.Start(t)
	feedPath := filepath.Join(t.TempDir(), "feed.json")
	starts := &sessionCapture{}
	svc := newTestService(t, feedPath, starts, nil)

	writeMove(t, feedPath, time.Now().Add(time.Second), 185.25, 45.1)
	svc.pollFeed(context.Background())
	writeMove(t, feedPath, time.Now().Add(2*time.Second), 200.0, 10.0)
	svc.pollFeed(context.Background())

	if starts.count() != 2 {
		t.Fatalf("expected 2 sessions, got %d", starts.count())
	}
	if !starts.at(0).wasStopped() {
		t.Fatal("first session was not stopped before the second started")
	}
	snap := svc.Snapshot()
	if snap.Session == nil || snap.Session.ID != starts.at(1).ID() {
		t.Fatalf("snapshot does not show the replacement session: %+v", snap.Session)
	}
}

func TestPollFeedMarksUnobservableTargetFailed(t *testing.T) {
	testlog.Start(t)
	feedPath := filepath.Join(t.TempDir(), "feed.json")
	starts := &sessionCapture{}
	svc, err := NewService(Params{
		Config: testConfig(feedPath),
		Site:   astro.Site{LatitudeDeg: 28.3, LongitudeDeg: -16.5},
		// Impossible altitude floor: every target is unobservable.
		Limits: astro.Limits{MinAltitudeDeg: 91, IgnoreTwilight: true},
		Start:  starts.start,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	writeMove(t, feedPath, time.Now().Add(time.Second), 185.25, 45.1)
	svc.pollFeed(context.Background())

	if starts.count() != 0 {
		t.Fatalf("expected no sessions, got %d", starts.count())
	}
	if svc.Snapshot().FailedTargets != 1 {
		t.Fatalf("expected 1 failed target, got %d", svc.Snapshot().FailedTargets)
	}

	// The key stays failed: the same move never retries.
	svc.pollFeed(context.Background())
	if svc.Snapshot().FailedTargets != 1 {
		t.Fatalf("failed set grew on retry: %d", svc.Snapshot().FailedTargets)
	}
}

func TestPollFeedMarksStartFailureAndKeepsPolling(t *testing.T) {
	testlog.Start(t)
	feedPath := filepath.Join(t.TempDir(), "feed.json")
	starts := &sessionCapture{failNext: true}
	svc := newTestService(t, feedPath, starts, nil)

	writeMove(t, feedPath, time.Now().Add(time.Second), 185.25, 45.1)
	svc.pollFeed(context.Background())
	if starts.count() != 0 {
		t.Fatalf("expected no sessions after start failure, got %d", starts.count())
	}
	if svc.Snapshot().FailedTargets != 1 {
		t.Fatalf("start failure did not mark the target failed")
	}

	// The next move still starts.
	writeMove(t, feedPath, time.Now().Add(2*time.Second), 200.0, 10.0)
	svc.pollFeed(context.Background())
	if starts.count() != 1 {
		t.Fatalf("expected 1 session after recovery, got %d", starts.count())
	}
}

func TestPollFeedMarksSlewFailure(t *testing.T) {
	testlog.Start(t)
	feedPath := filepath.Join(t.TempDir(), "feed.json")
	starts := &sessionCapture{}
	svc := newTestService(t, feedPath, starts, &fakeMount{fail: true})

	writeMove(t, feedPath, time.Now().Add(time.Second), 185.25, 45.1)
	svc.pollFeed(context.Background())
	if starts.count() != 0 {
		t.Fatalf("expected no sessions after slew failure, got %d", starts.count())
	}
	if svc.Snapshot().FailedTargets != 1 {
		t.Fatalf("slew failure did not mark the target failed")
	}
}

func TestClearFinishedDropsEndedSession(t *testing.T) {
	testlog.Start(t)
	feedPath := filepath.Join(t.TempDir(), "feed.json")
	starts := &sessionCapture{}
	svc := newTestService(t, feedPath, starts, nil)

	writeMove(t, feedPath, time.Now().Add(time.Second), 185.25, 45.1)
	svc.pollFeed(context.Background())
	if svc.Snapshot().Session == nil {
		t.Fatal("expected a live session in the snapshot")
	}

	starts.at(0).finish()
	svc.clearFinished()
	if svc.Snapshot().Session != nil {
		t.Fatal("finished session still shown as live")
	}
}

func TestRunStopsOnDomeClosure(t *testing.T) {
	testlog.Start(t)
	feedPath := filepath.Join(t.TempDir(), "feed.json")
	starts := &sessionCapture{}
	svc := newTestService(t, feedPath, starts, nil)

	raDeg, decDeg := 185.25, 45.1
	doc := feed.Document{
		LatestMove: &feed.MoveRecord{
			Timestamp: time.Now().Add(time.Second).UTC().Format(time.RFC3339Nano),
			RADeg:     &raDeg,
			DecDeg:    &decDeg,
		},
		LatestDome: &feed.DomeRecord{
			Timestamp: time.Now().Add(time.Second).UTC().Format(time.RFC3339Nano),
			Status:    "weather_danger_closing",
			Message:   "humidity limit",
		},
	}
	if err := feed.WriteDocument(feedPath, doc); err != nil {
		t.Fatalf("write feed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svc.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ctx.Err() != nil {
		t.Fatal("Run did not exit on dome closure before the deadline")
	}

	snap := svc.Snapshot()
	if !snap.ShuttingDown || snap.ShutdownReason == "" {
		t.Fatalf("snapshot does not show the shutdown: %+v", snap)
	}
	// The closure beat the move: no session may have started.
	if starts.count() != 0 {
		t.Fatalf("session started despite dome closure, got %d", starts.count())
	}
}

func TestRunIgnoresDomeClosureBeforeStart(t *testing.T) {
	testlog.Start(t)
	feedPath := filepath.Join(t.TempDir(), "feed.json")
	starts := &sessionCapture{}
	svc := newTestService(t, feedPath, starts, nil)

	doc := feed.Document{
		LatestDome: &feed.DomeRecord{
			Timestamp: time.Now().Add(-time.Hour).UTC().Format(time.RFC3339Nano),
			Status:    "closed",
		},
	}
	if err := feed.WriteDocument(feedPath, doc); err != nil {
		t.Fatalf("write feed: %v", err)
	}

	if reason, down := svc.checkShutdown(); down {
		t.Fatalf("stale dome event triggered shutdown: %s", reason)
	}
}

type fakeTrackingMount struct {
	mu       sync.Mutex
	tracking bool
	sets     int
}

func (m *fakeTrackingMount) Tracking(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tracking, nil
}

func (m *fakeTrackingMount) SetTracking(ctx context.Context, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracking = on
	m.sets++
	return nil
}

func TestMonitorReassertsTracking(t *testing.T) {
	testlog.Start(t)
	mount := &fakeTrackingMount{tracking: false}
	mon := NewMonitor(mount, time.Second)

	mon.step(context.Background())
	mount.mu.Lock()
	on, sets := mount.tracking, mount.sets
	mount.mu.Unlock()
	if !on || sets != 1 {
		t.Fatalf("tracking not re-enabled: on=%v sets=%d", on, sets)
	}

	// Already on: no redundant set.
	mon.step(context.Background())
	mount.mu.Lock()
	sets = mount.sets
	mount.mu.Unlock()
	if sets != 1 {
		t.Fatalf("monitor re-set tracking while already on: sets=%d", sets)
	}
	if mon.Reenabled() != 1 {
		t.Fatalf("Reenabled=%d, want 1", mon.Reenabled())
	}
}
