// Package feed reads the coordinate feed file written by the mirrored
// telescope. All reads tolerate missing, mid-write, or stale content;
// the writer is trusted to use atomic temp+rename.
package feed

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/averhola/skyloop/internal/filestore"
	"github.com/averhola/skyloop/internal/logging"
)

// Document is the feed file's wire form.
type Document struct {
	LatestMove *MoveRecord `json:"latest_move,omitempty"`
	LatestDome *DomeRecord `json:"latest_dome,omitempty"`
}

type MoveRecord struct {
	Timestamp string   `json:"timestamp"`
	RADeg     *float64 `json:"ra_deg,omitempty"`
	DecDeg    *float64 `json:"dec_deg,omitempty"`
}

type DomeRecord struct {
	Timestamp string `json:"timestamp"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
}

// Move is a validated pointing request.
type Move struct {
	Timestamp time.Time
	RAHours   float64
	RADeg     float64
	DecDeg    float64
	Key       string
}

// Dome closure statuses that must stop observations.
var closureStatuses = map[string]struct{}{
	"weather_danger_closing": {},
	"closing_both_panels":    {},
	"close_requested_left":   {},
	"close_requested_right":  {},
	"close_requested":        {},
	"closed":                 {},
}

const (
	failedSetLimit = 100
	failedSetKeep  = 50
)

// Watcher tracks what has already been seen in one feed file. It is
// owned by a single polling goroutine and is not safe for concurrent
// use.
type Watcher struct {
	path          string
	startedAt     time.Time
	lastTimestamp time.Time
	hasLast       bool
	failed        map[string]struct{}
	failedOrder   []string
	lastMove      *Move
}

func NewWatcher(path string, startedAt time.Time) *Watcher {
	return &Watcher{
		path:      path,
		startedAt: startedAt,
		failed:    make(map[string]struct{}),
	}
}

// NextMove returns the next unprocessed move, or nil when the feed has
// nothing new. A returned move advances the processed timestamp; its
// key lands in the failed set only via MarkFailed.
func (w *Watcher) NextMove() *Move {
	doc, ok := w.readDocument()
	if !ok || doc.LatestMove == nil {
		return nil
	}
	record := doc.LatestMove

	ts, err := parseTimestamp(record.Timestamp)
	if err != nil {
		logging.Warnf("feed.Watcher.NextMove bad timestamp value=%q err=%v", record.Timestamp, err)
		return nil
	}
	key := ts.UTC().Format(time.RFC3339Nano)

	if w.hasLast && !ts.After(w.lastTimestamp) {
		return nil
	}
	if _, failed := w.failed[key]; failed {
		return nil
	}
	if record.RADeg == nil || record.DecDeg == nil {
		logging.Warnf("feed.Watcher.NextMove missing coordinates key=%q", key)
		return nil
	}

	raDeg, decDeg := *record.RADeg, *record.DecDeg
	if raDeg < 0 || raDeg > 360 || decDeg < -90 || decDeg > 90 {
		logging.Errorf("feed.Watcher.NextMove invalid coordinates ra_deg=%v dec_deg=%v key=%q",
			raDeg, decDeg, key)
		w.MarkFailed(key)
		return nil
	}

	move := &Move{
		Timestamp: ts,
		RAHours:   raDeg / 15.0,
		RADeg:     raDeg,
		DecDeg:    decDeg,
		Key:       key,
	}
	w.lastTimestamp = ts
	w.hasLast = true
	w.lastMove = move
	return move
}

// DomeClosure reports whether the feed shows a closure event newer
// than this watcher's start. Older events are operator history, not
// commands.
func (w *Watcher) DomeClosure() (bool, string) {
	doc, ok := w.readDocument()
	if !ok || doc.LatestDome == nil {
		return false, ""
	}
	record := doc.LatestDome
	if record.Timestamp == "" || record.Status == "" {
		return false, ""
	}

	ts, err := parseTimestamp(record.Timestamp)
	if err != nil {
		logging.Warnf("feed.Watcher.DomeClosure bad timestamp value=%q err=%v", record.Timestamp, err)
		return false, ""
	}
	if !ts.After(w.startedAt) {
		return false, ""
	}
	if _, closing := closureStatuses[record.Status]; !closing {
		return false, ""
	}
	return true, fmt.Sprintf("dome closure on mirrored telescope: %s - %s", record.Status, record.Message)
}

// MarkFailed records a key that must never be retried within this
// process. The set is bounded: past the limit the oldest entries are
// evicted down to the keep count.
func (w *Watcher) MarkFailed(key string) {
	if _, ok := w.failed[key]; ok {
		return
	}
	w.failed[key] = struct{}{}
	w.failedOrder = append(w.failedOrder, key)
	if len(w.failedOrder) > failedSetLimit {
		drop := w.failedOrder[:len(w.failedOrder)-failedSetKeep]
		w.failedOrder = append([]string(nil), w.failedOrder[len(w.failedOrder)-failedSetKeep:]...)
		for _, k := range drop {
			delete(w.failed, k)
		}
	}
}

func (w *Watcher) FailedCount() int { return len(w.failed) }

// Path is the feed file this watcher reads.
func (w *Watcher) Path() string { return w.path }

// LastMove is the most recent accepted move, for status reporting.
func (w *Watcher) LastMove() *Move { return w.lastMove }

func (w *Watcher) readDocument() (Document, bool) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.Warnf("feed.Watcher read failed path=%q err=%v", w.path, err)
		}
		return Document{}, false
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		// Mid-write content from a non-atomic producer; next poll wins.
		logging.Warnf("feed.Watcher invalid JSON path=%q err=%v", w.path, err)
		return Document{}, false
	}
	return doc, true
}

// WriteDocument emits a feed file the way the producer does, with an
// atomic temp+rename.
func WriteDocument(path string, doc Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("feed: marshal document: %w", err)
	}
	return filestore.WriteFileAtomic(path, data, 0o644)
}

func parseTimestamp(raw string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return ts, nil
	}
	if ts, err := time.Parse("2006-01-02T15:04:05", raw); err == nil {
		return ts.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("feed: unparseable timestamp %q", raw)
}
