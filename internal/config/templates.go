package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "daemon":
		return daemonTemplate, nil
	case "ctl":
		return ctlTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const daemonTemplate = `[site]
name = "observatory"
latitude_deg = 28.30
longitude_deg = -16.51
elevation_m = 2390
min_altitude_deg = 30.0
twilight_altitude_deg = -18.0

[devices]
base_url = "http://127.0.0.1:11111"
http_timeout_seconds = 10

[devices.telescope]
number = 0
slew_settle_seconds = 5
slew_timeout_seconds = 120
park_timeout_seconds = 60

[devices.rotator]
enabled = false
number = 0
limit_min_deg = 94
limit_max_deg = 320
safe_position_deg = 207

[devices.cover]
enabled = true
number = 0

[devices.filterwheel]
enabled = false
number = 0

[devices.filterwheel.slots]
C = 0

[devices.camera]
main_name_pattern = "1600"
guide_name_pattern = "174"
max_probe = 8
binning = 1
gain = 100
cooler_target_c = -10.0
cooler_enabled = true

[corrector]
# "spectroscopy" corrects after every frame; "imaging" corrects on an
# exposure-count interval with tiered thresholds.
mode = "spectroscopy"
artifact_path = "solver/correction.json"
file_max_age_seconds = 200
solver_wait_seconds = 30
min_offset_arcsec = 0.01
small_offset_arcsec = 1.0
large_offset_arcsec = 5.0
settle_min_seconds = 1
settle_max_seconds = 5
base_exposure_seconds = 10
max_exposure_seconds = 120
exposure_increase_factor = 2.0
retries_per_exposure_level = 2
science_failures_before_adaptive = 3
max_rotation_deg = 5.0
rotation_damping = 0.5
min_rotation_deg = 0.1

[session]
max_exposures = 100
max_duration_hours = 1.0
max_consecutive_failures = 3
correction_interval = 5
acquisition_enabled = true
max_acquisition_attempts = 45
max_total_offset_arcsec = 2.0
recent_measurement_max_age_seconds = 60
field_rotation_tracking = false
filter_code = "C"

[supervisor]
feed_path = "feed/coordinates.json"
poll_interval_seconds = 10
session_duration_hours = 1.0
ignore_twilight = false
stop_join_timeout_seconds = 15
inter_session_pause_seconds = 2
tracking_monitor_interval_seconds = 30
default_target_magnitude = 10.0
magnitude_source = "assumed"

[paths]
data_root = "raw"
target_state_path = "solver/target_state.json"
exposure_rules = ""
ledger_path = "skyloop.db"
min_free_gib = 5
telescope_id = "tel1"

[status]
addr = ":9090"
cors_origins = ["http://localhost:3000"]
auth_token = ""
`

const ctlTemplate = `address = "http://127.0.0.1:9090"
token = ""
timeout = "10s"
`
