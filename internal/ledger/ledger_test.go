package ledger

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/averhola/skyloop/internal/testutil/testlog"
)

func TestLedgerRoundTrip(t *testing.T) {
	testlog.Start(t)

	path := filepath.Join(t.TempDir(), "obs", "skyloop.db")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	started := time.Date(2025, 3, 14, 22, 5, 0, 0, time.UTC)
	if err := l.StartSession("sess-1", "MIRROR_12.350h_+45.100d_220500", 12.35, 45.1, started); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	running, err := l.RecentSessions(0)
	if err != nil {
		t.Fatalf("RecentSessions: %v", err)
	}
	if len(running) != 1 {
		t.Fatalf("expected 1 session, got %d", len(running))
	}
	if !running[0].EndedAt.IsZero() || running[0].Outcome != "" {
		t.Fatalf("running session must have no end state: %+v", running[0])
	}
	if !running[0].StartedAt.Equal(started) {
		t.Fatalf("started_at round trip: got %v want %v", running[0].StartedAt, started)
	}

	for seq := 1; seq <= 2; seq++ {
		err := l.RecordCorrection(CorrectionRow{
			SessionID:         "sess-1",
			FrameSequence:     seq,
			Filename:          fmt.Sprintf("frame_%05d.fits", seq),
			RAOffsetArcsec:    3.6,
			DecOffsetArcsec:   1.8,
			RotationOffsetDeg: 0.2,
			TotalOffsetArcsec: 4.02,
			SettleSeconds:     2,
			AppliedAt:         started.Add(time.Duration(seq) * time.Minute),
		})
		if err != nil {
			t.Fatalf("RecordCorrection %d: %v", seq, err)
		}
	}

	ended := started.Add(30 * time.Minute)
	if err := l.EndSession("sess-1", ended, SessionEnd{
		PhaseFinal:        "science",
		AcquisitionFrames: 3,
		ScienceFrames:     17,
		Outcome:           "completed",
		Reason:            "exposure limit reached",
	}); err != nil {
		t.Fatalf("EndSession: %v", err)
	}

	got, err := l.RecentSessions(10)
	if err != nil {
		t.Fatalf("RecentSessions after end: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 session, got %d", len(got))
	}
	rec := got[0]
	if rec.AcquisitionFrames != 3 || rec.ScienceFrames != 17 {
		t.Fatalf("frame counters: got acq=%d sci=%d", rec.AcquisitionFrames, rec.ScienceFrames)
	}
	if rec.Outcome != "completed" || rec.PhaseFinal != "science" {
		t.Fatalf("end state: got outcome=%q phase=%q", rec.Outcome, rec.PhaseFinal)
	}
	if !rec.EndedAt.Equal(ended) {
		t.Fatalf("ended_at round trip: got %v want %v", rec.EndedAt, ended)
	}
	if rec.Reason != "exposure limit reached" {
		t.Fatalf("reason round trip: got %q", rec.Reason)
	}

	corr, err := l.SessionCorrections("sess-1")
	if err != nil {
		t.Fatalf("SessionCorrections: %v", err)
	}
	if len(corr) != 2 {
		t.Fatalf("expected 2 corrections, got %d", len(corr))
	}
	if corr[0].FrameSequence != 1 || corr[1].FrameSequence != 2 {
		t.Fatalf("corrections out of order: %d then %d", corr[0].FrameSequence, corr[1].FrameSequence)
	}
	if corr[0].TotalOffsetArcsec != 4.02 || corr[0].SettleSeconds != 2 {
		t.Fatalf("correction round trip: %+v", corr[0])
	}
	if !corr[1].AppliedAt.Equal(started.Add(2 * time.Minute)) {
		t.Fatalf("applied_at round trip: got %v", corr[1].AppliedAt)
	}
}

func TestEndSessionUnknownID(t *testing.T) {
	testlog.Start(t)

	l, err := Open(filepath.Join(t.TempDir(), "skyloop.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	err = l.EndSession("nope", time.Now(), SessionEnd{Outcome: "failed"})
	if !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
}

func TestRecentSessionsOrderAndLimit(t *testing.T) {
	testlog.Start(t)

	l, err := Open(filepath.Join(t.TempDir(), "skyloop.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	base := time.Date(2025, 3, 14, 20, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("sess-%d", i)
		if err := l.StartSession(id, "T", 1, 2, base.Add(time.Duration(i)*time.Hour)); err != nil {
			t.Fatalf("StartSession %s: %v", id, err)
		}
	}

	got, err := l.RecentSessions(2)
	if err != nil {
		t.Fatalf("RecentSessions: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("limit ignored: got %d rows", len(got))
	}
	if got[0].ID != "sess-2" || got[1].ID != "sess-1" {
		t.Fatalf("wrong order: %s then %s", got[0].ID, got[1].ID)
	}
}

func TestRecordCorrectionRequiresSession(t *testing.T) {
	testlog.Start(t)

	l, err := Open(filepath.Join(t.TempDir(), "skyloop.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	err = l.RecordCorrection(CorrectionRow{
		SessionID:     "no-such-session",
		FrameSequence: 1,
		Filename:      "frame.fits",
		AppliedAt:     time.Now(),
	})
	if err == nil {
		t.Fatalf("expected foreign key violation for unknown session")
	}
}

func TestOpenTwiceReusesDatabase(t *testing.T) {
	testlog.Start(t)

	path := filepath.Join(t.TempDir(), "skyloop.db")
	first, err := Open(path)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if err := first.StartSession("sess-1", "T", 1, 2, time.Now()); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second, err := Open(path)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer second.Close()

	got, err := second.RecentSessions(10)
	if err != nil {
		t.Fatalf("RecentSessions: %v", err)
	}
	if len(got) != 1 || got[0].ID != "sess-1" {
		t.Fatalf("rows not persisted across opens: %+v", got)
	}
}
