// Package supervisor owns the observatory-level loop: it watches the
// coordinate feed for new targets, enforces dome and twilight shutdown,
// and keeps zero-or-one session running at any instant.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/averhola/skyloop/internal/astro"
	"github.com/averhola/skyloop/internal/config"
	"github.com/averhola/skyloop/internal/feed"
	"github.com/averhola/skyloop/internal/logging"
	"github.com/averhola/skyloop/internal/session"
)

var (
	ErrNoStartFunc = errors.New("supervisor: no session start function configured")
	ErrNoFeedPath  = errors.New("supervisor: no coordinate feed path configured")
)

// Mount is the telescope surface the supervisor drives between
// sessions. *alpaca.Telescope satisfies it; nil skips hardware moves.
type Mount interface {
	SlewTo(ctx context.Context, raHours, decDeg float64) error
	AbortSlew(ctx context.Context) error
}

// Session is the slice of session.Controller the supervisor manages.
type Session interface {
	ID() string
	Target() session.Target
	Run(ctx context.Context) error
	Stop(ctx context.Context)
	Done() <-chan struct{}
	Stats() session.Stats
}

// StartFunc builds a new session for one target. Construction failures
// mark the target failed; they never stop the supervisor.
type StartFunc func(target session.Target) (Session, error)

// Params bundles what one supervisor needs. Start is required; Mount
// may be nil in a dry run.
type Params struct {
	Config config.Config
	Site   astro.Site
	Limits astro.Limits
	Mount  Mount
	Start  StartFunc

	// Watcher overrides the feed watcher, for tests. Built from
	// Config.Supervisor.FeedPath when nil.
	Watcher *feed.Watcher

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Snapshot is the supervisor state exposed to the status server.
type Snapshot struct {
	StartedAt       time.Time      `json:"started_at"`
	FeedPath        string         `json:"feed_path"`
	FailedTargets   int            `json:"failed_targets"`
	SessionsStarted int            `json:"sessions_started"`
	ShuttingDown    bool           `json:"shutting_down"`
	ShutdownReason  string         `json:"shutdown_reason,omitempty"`
	Session         *session.Stats `json:"session,omitempty"`
}

// Service polls the coordinate feed and owns the active session.
type Service struct {
	cfg     config.Config
	site    astro.Site
	limits  astro.Limits
	mount   Mount
	start   StartFunc
	watcher *feed.Watcher
	now     func() time.Time

	startedAt time.Time

	mu              sync.Mutex
	current         Session
	sessionsStarted int
	failedTargets   int
	shutdownReason  string
}

// NewService validates Params and builds the supervisor. The feed
// watcher starts at construction time: dome events older than this
// instant are history, not commands.
func NewService(p Params) (*Service, error) {
	if p.Start == nil {
		return nil, ErrNoStartFunc
	}
	now := p.Now
	if now == nil {
		now = time.Now
	}
	startedAt := now()
	watcher := p.Watcher
	if watcher == nil {
		if p.Config.Supervisor.FeedPath == "" {
			return nil, ErrNoFeedPath
		}
		watcher = feed.NewWatcher(p.Config.Supervisor.FeedPath, startedAt)
	}
	return &Service{
		cfg:       p.Config,
		site:      p.Site,
		limits:    p.Limits,
		mount:     p.Mount,
		start:     p.Start,
		watcher:   watcher,
		now:       now,
		startedAt: startedAt,
	}, nil
}

// Run blocks until a shutdown condition holds or ctx is canceled. The
// active session is always stopped before Run returns.
func (s *Service) Run(ctx context.Context) error {
	interval := s.cfg.Supervisor.PollInterval()
	if interval <= 0 {
		interval = 10 * time.Second
	}
	logging.Infof("supervisor.Service.Run feed=%q poll=%s ignore_twilight=%v",
		s.watcher.Path(), interval, s.limits.IgnoreTwilight)

	if err := s.waitForDarkness(ctx, interval); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer s.stopCurrent(context.Background(), "supervisor exiting")

	for {
		if reason, down := s.checkShutdown(); down {
			logging.Infof("supervisor.Service.Run shutdown condition: %s", reason)
			s.mu.Lock()
			s.shutdownReason = reason
			s.mu.Unlock()
			return nil
		}
		s.pollFeed(ctx)
		s.clearFinished()

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// waitForDarkness blocks until the Sun sinks below the twilight limit.
// Suppressed entirely when twilight checks are off.
func (s *Service) waitForDarkness(ctx context.Context, interval time.Duration) error {
	if s.limits.IgnoreTwilight {
		return nil
	}
	logged := false
	for {
		alt := astro.SunAltitude(s.site, s.now())
		if alt <= s.limits.TwilightAltitudeDeg {
			if logged {
				logging.Infof("supervisor.Service dark enough, sun_alt=%.1fdeg", alt)
			}
			return nil
		}
		if !logged {
			logging.Infof("supervisor.Service waiting for darkness sun_alt=%.1fdeg limit=%.1fdeg",
				alt, s.limits.TwilightAltitudeDeg)
			logged = true
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// checkShutdown evaluates the observatory-wide stop conditions. Errors
// while checking are logged and treated as "keep observing".
func (s *Service) checkShutdown() (string, bool) {
	if closing, msg := s.watcher.DomeClosure(); closing {
		return msg, true
	}
	if !s.limits.IgnoreTwilight {
		if alt := astro.SunAltitude(s.site, s.now()); alt > s.limits.TwilightAltitudeDeg {
			return fmt.Sprintf("sun above twilight limit (%.1fdeg > %.1fdeg)",
				alt, s.limits.TwilightAltitudeDeg), true
		}
	}
	return "", false
}

// pollFeed processes at most one new move per poll. A bad or
// unobservable target marks its key failed; a start failure does too.
// The supervisor never stops polling because one target went wrong.
func (s *Service) pollFeed(ctx context.Context) {
	move := s.watcher.NextMove()
	if move == nil {
		return
	}

	status := astro.Check(s.site, s.limits, move.RAHours, move.DecDeg, s.now())
	if !status.Observable {
		logging.Warnf("supervisor.Service target not observable key=%q alt=%.1fdeg reasons=%v",
			move.Key, status.TargetAltitude, status.Reasons)
		s.markFailed(move.Key)
		return
	}

	target := session.Target{
		ID:              s.targetID(move),
		RAHours:         move.RAHours,
		DecDeg:          move.DecDeg,
		Magnitude:       s.cfg.Supervisor.DefaultTargetMagnitude,
		HasMagnitude:    s.cfg.Supervisor.DefaultTargetMagnitude > 0,
		MagnitudeSource: s.cfg.Supervisor.MagnitudeSource,
	}
	logging.Infof("supervisor.Service new target id=%q ra=%.4fh dec=%.4fdeg alt=%.1fdeg",
		target.ID, target.RAHours, target.DecDeg, status.TargetAltitude)

	s.stopCurrent(ctx, "replaced by new target "+target.ID)
	s.pause(ctx, s.cfg.Supervisor.InterSessionPause())

	if s.mount != nil {
		if err := s.mount.SlewTo(ctx, target.RAHours, target.DecDeg); err != nil {
			logging.Errorf("supervisor.Service slew failed target=%q err=%v", target.ID, err)
			s.markFailed(move.Key)
			return
		}
	}

	sess, err := s.start(target)
	if err != nil {
		logging.Errorf("supervisor.Service session start failed target=%q err=%v", target.ID, err)
		s.markFailed(move.Key)
		return
	}

	s.mu.Lock()
	s.current = sess
	s.sessionsStarted++
	s.mu.Unlock()

	go func() {
		if err := sess.Run(ctx); err != nil {
			logging.Warnf("supervisor.Service session failed id=%s err=%v", sess.ID(), err)
		}
	}()
	logging.Infof("supervisor.Service session started id=%s target=%q", sess.ID(), target.ID)
}

// targetID synthesizes the mirrored-move identity used in filenames and
// the ledger.
func (s *Service) targetID(move *feed.Move) string {
	return fmt.Sprintf("MIRROR_%.3fh_%+.3fd_%s",
		move.RAHours, move.DecDeg, s.now().UTC().Format("150405"))
}

// StopSession stops the active session on request, reporting whether
// one was running. The status server's stop endpoint lands here.
func (s *Service) StopSession(ctx context.Context, reason string) bool {
	s.mu.Lock()
	sess := s.current
	s.mu.Unlock()
	if sess == nil {
		return false
	}
	logging.Infof("supervisor.Service.StopSession id=%s reason=%q", sess.ID(), reason)
	sess.Stop(ctx)
	s.clearSession(sess)
	return true
}

func (s *Service) stopCurrent(ctx context.Context, reason string) {
	s.StopSession(ctx, reason)
}

// clearFinished drops a session that ended on its own so status output
// does not show a dead run as live.
func (s *Service) clearFinished() {
	s.mu.Lock()
	sess := s.current
	s.mu.Unlock()
	if sess == nil {
		return
	}
	select {
	case <-sess.Done():
		logging.Infof("supervisor.Service session finished id=%s", sess.ID())
		s.clearSession(sess)
	default:
	}
}

// clearSession clears the pointer only when it still names the same
// session; a replacement started meanwhile survives.
func (s *Service) clearSession(sess Session) {
	s.mu.Lock()
	if s.current == sess {
		s.current = nil
	}
	s.mu.Unlock()
}

// Snapshot reports supervisor state for the status API.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	sess := s.current
	started := s.sessionsStarted
	failed := s.failedTargets
	reason := s.shutdownReason
	s.mu.Unlock()

	snap := Snapshot{
		StartedAt:       s.startedAt,
		FeedPath:        s.watcher.Path(),
		FailedTargets:   failed,
		SessionsStarted: started,
		ShuttingDown:    reason != "",
		ShutdownReason:  reason,
	}
	if sess != nil {
		stats := sess.Stats()
		snap.Session = &stats
	}
	return snap
}

// markFailed delegates to the watcher and mirrors the bounded count
// into snapshot state. The watcher itself is owned by the poll
// goroutine and never touched from Snapshot.
func (s *Service) markFailed(key string) {
	s.watcher.MarkFailed(key)
	s.mu.Lock()
	s.failedTargets = s.watcher.FailedCount()
	s.mu.Unlock()
}

func (s *Service) pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
