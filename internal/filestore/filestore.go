// Package filestore owns the capture directory layout and the frame
// filename contract.
//
// Ownership boundary:
// - target/acquisition directory layout
// - filename construction and parsing (the producer relies on both)
// - free-space guard and FITS frame output
package filestore

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/averhola/skyloop/internal/logging"
)

// AcquisitionSuffix marks the sibling directory holding acquisition
// frames. Its presence anywhere in a frame path marks the phase.
const AcquisitionSuffix = "_acq"

// Store builds and scans capture directories under one data root.
type Store struct {
	Root        string
	TelescopeID string
	MinFreeGiB  float64
}

var (
	sequencePattern = regexp.MustCompile(`_(\d{5})\.fits$`)
	anySeqPattern   = regexp.MustCompile(`_(\d+)\.fits$`)
	targetWithBand  = regexp.MustCompile(`^(.+?)_[A-Z]?_\d{8}_`)
	targetPlain     = regexp.MustCompile(`^(.+?)_\d{8}_`)
)

// TargetDir creates (if needed) and returns the science directory for
// a target: root/YYYY/YYYYMMDD/telescopeID/cleanID, dated in UTC.
func (s *Store) TargetDir(targetID string, now time.Time) (string, error) {
	utc := now.UTC()
	dir := filepath.Join(
		s.Root,
		utc.Format("2006"),
		utc.Format("20060102"),
		s.TelescopeID,
		CleanTargetID(targetID),
	)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("filestore: create target directory: %w", err)
	}
	return dir, nil
}

// AcquisitionDir is the sibling directory for acquisition frames.
func AcquisitionDir(scienceDir string) string {
	return scienceDir + AcquisitionSuffix
}

// CleanTargetID strips the separators that would break the filename
// contract's field positions.
func CleanTargetID(id string) string {
	clean := strings.TrimSpace(id)
	clean = strings.ReplaceAll(clean, "-", "")
	clean = strings.ReplaceAll(clean, " ", "")
	return clean
}

// NormalizeTargetID reduces an identity to the form used for
// comparisons: sign characters carry no identity.
func NormalizeTargetID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	return strings.ReplaceAll(id, "+", "")
}

// BuildFilename renders the frame filename contract:
// {target}_{FILTER}_{YYYYMMDD}_{HHMMSS}_{exp}s_{seq:05d}.fits
func BuildFilename(targetID, filterCode string, exposureSeconds float64, sequence int, ts time.Time) string {
	utc := ts.UTC()
	return fmt.Sprintf("%s_%s_%s_%s_%ss_%05d.fits",
		CleanTargetID(targetID),
		strings.ToUpper(filterCode),
		utc.Format("20060102"),
		utc.Format("150405"),
		formatExposure(exposureSeconds),
		sequence,
	)
}

// formatExposure renders seconds with one decimal, trailing zeros and
// dot stripped, matching what the producer parses back out.
func formatExposure(seconds float64) string {
	s := strconv.FormatFloat(seconds, 'f', 1, 64)
	s = strings.TrimRight(s, "0")
	return strings.TrimRight(s, ".")
}

// NextSequence scans a directory for the 5-digit suffix pattern and
// returns the next free sequence number, 1 for a fresh directory.
func NextSequence(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 1
	}
	max := 0
	for _, entry := range entries {
		m := sequencePattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil && n > max {
			max = n
		}
	}
	return max + 1
}

// ExtractSequence pulls the frame sequence number out of a filename.
// The final digit group before .fits is the sole ordering key between
// captures and external solutions.
func ExtractSequence(name string) (int, bool) {
	m := anySeqPattern.FindStringSubmatch(filepath.Base(name))
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// ExtractTargetID pulls the target identity prefix out of a filename:
// everything before an optional single-letter filter token and the
// 8-digit date token.
func ExtractTargetID(name string) (string, bool) {
	base := filepath.Base(name)
	if m := targetWithBand.FindStringSubmatch(base); m != nil {
		return m[1], true
	}
	if m := targetPlain.FindStringSubmatch(base); m != nil {
		return m[1], true
	}
	return "", false
}

// IsAcquisitionFrame reports whether a frame path belongs to the
// acquisition phase. The marker may sit in the directory component or
// in the name itself, depending on how the producer reports paths.
func IsAcquisitionFrame(path string) bool {
	return strings.Contains(path, AcquisitionSuffix)
}

// FreeSpaceOK refuses capture when the filesystem holding dir is below
// the configured minimum. Errors while checking never block capture.
func (s *Store) FreeSpaceOK(dir string) bool {
	if s.MinFreeGiB <= 0 {
		return true
	}
	probe := dir
	if _, err := os.Stat(probe); err != nil {
		probe = filepath.Dir(probe)
	}
	var stat syscall.Statfs_t
	if err := syscall.Statfs(probe, &stat); err != nil {
		logging.Warnf("filestore.Store.FreeSpaceOK check failed dir=%q err=%v", dir, err)
		return true
	}
	availGiB := float64(stat.Bavail) * float64(stat.Bsize) / (1 << 30)
	if availGiB < s.MinFreeGiB {
		logging.Warnf("filestore.Store.FreeSpaceOK low space dir=%q avail_gib=%.1f min_gib=%.1f",
			dir, availGiB, s.MinFreeGiB)
		return false
	}
	return true
}
