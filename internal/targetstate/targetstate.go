// Package targetstate produces the state file the external
// plate-solver reads to know which field it is solving.
package targetstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/averhola/skyloop/internal/filestore"
	"github.com/averhola/skyloop/internal/logging"
)

var ErrStaleSolverStatus = errors.New("targetstate: solver status stale")

// State is the document written at every target or phase change.
type State struct {
	TargetID        string  `json:"target_id"`
	RAJ2000Hours    float64 `json:"ra_j2000_hours"`
	DecJ2000Deg     float64 `json:"dec_j2000_deg"`
	Magnitude       float64 `json:"magnitude"`
	MagnitudeSource string  `json:"magnitude_source"`
	SessionID       string  `json:"session_id"`
	Phase           string  `json:"phase"`
	FilterCode      string  `json:"filter_code"`
	CameraName      string  `json:"camera_name"`
	RawImagesDir    string  `json:"raw_images_directory"`
	GuideRefX       float64 `json:"guide_ref_x,omitempty"`
	GuideRefY       float64 `json:"guide_ref_y,omitempty"`
	Telescope       string  `json:"tel"`
	UpdatedAt       string  `json:"timestamp"`
}

// Writer writes states atomically to one fixed path.
type Writer struct {
	Path string
}

func (w *Writer) Write(state State) error {
	if state.UpdatedAt == "" {
		state.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	if err := os.MkdirAll(filepath.Dir(w.Path), 0o755); err != nil {
		return fmt.Errorf("targetstate: create parent: %w", err)
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("targetstate: marshal: %w", err)
	}
	if err := filestore.WriteFileAtomic(w.Path, data, 0o644); err != nil {
		return err
	}
	logging.Infof("targetstate.Writer.Write ok path=%q target=%q phase=%q",
		w.Path, state.TargetID, state.Phase)
	return nil
}

// Read loads the last written state, mainly for status reporting.
func (w *Writer) Read() (State, error) {
	data, err := os.ReadFile(w.Path)
	if err != nil {
		return State{}, fmt.Errorf("targetstate: read: %w", err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("targetstate: parse: %w", err)
	}
	return state, nil
}

// ReadSolverStatus loads the producer's own status file. A file older
// than maxAge reports ErrStaleSolverStatus: the producer has stopped
// updating it.
func ReadSolverStatus(path string, maxAge time.Duration) (map[string]any, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("targetstate: solver status: %w", err)
	}
	if age := time.Since(info.ModTime()); age > maxAge {
		return nil, fmt.Errorf("%w: age %s exceeds %s", ErrStaleSolverStatus, age.Round(time.Second), maxAge)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("targetstate: solver status read: %w", err)
	}
	var status map[string]any
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("targetstate: solver status parse: %w", err)
	}
	return status, nil
}
