package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the full daemon configuration, decoded from TOML onto
// DefaultConfig so absent keys keep their defaults.
type Config struct {
	Site       SiteConfig       `toml:"site"`
	Devices    DevicesConfig    `toml:"devices"`
	Corrector  CorrectorConfig  `toml:"corrector"`
	Session    SessionConfig    `toml:"session"`
	Supervisor SupervisorConfig `toml:"supervisor"`
	Paths      PathsConfig      `toml:"paths"`
	Status     StatusConfig     `toml:"status"`
}

type SiteConfig struct {
	Name                string  `toml:"name"`
	LatitudeDeg         float64 `toml:"latitude_deg"`
	LongitudeDeg        float64 `toml:"longitude_deg"`
	ElevationM          float64 `toml:"elevation_m"`
	MinAltitudeDeg      float64 `toml:"min_altitude_deg"`
	TwilightAltitudeDeg float64 `toml:"twilight_altitude_deg"`
}

type DevicesConfig struct {
	BaseURL            string            `toml:"base_url"`
	HTTPTimeoutSeconds float64           `toml:"http_timeout_seconds"`
	Telescope          TelescopeConfig   `toml:"telescope"`
	Rotator            RotatorConfig     `toml:"rotator"`
	Cover              CoverConfig       `toml:"cover"`
	FilterWheel        FilterWheelConfig `toml:"filterwheel"`
	Focuser            FocuserConfig     `toml:"focuser"`
	Camera             CameraConfig      `toml:"camera"`
}

type TelescopeConfig struct {
	Number             int     `toml:"number"`
	SlewSettleSeconds  float64 `toml:"slew_settle_seconds"`
	SlewTimeoutSeconds float64 `toml:"slew_timeout_seconds"`
	ParkTimeoutSeconds float64 `toml:"park_timeout_seconds"`
}

type RotatorConfig struct {
	Enabled              bool    `toml:"enabled"`
	Number               int     `toml:"number"`
	LimitMinDeg          float64 `toml:"limit_min_deg"`
	LimitMaxDeg          float64 `toml:"limit_max_deg"`
	SafePositionDeg      float64 `toml:"safe_position_deg"`
	ReverseSign          bool    `toml:"reverse_sign"`
	MechanicalZeroDeg    float64 `toml:"mechanical_zero_deg"`
	TrackIntervalSeconds float64 `toml:"track_interval_seconds"`
	TrackThresholdDeg    float64 `toml:"track_threshold_deg"`
}

// TrackInterval is the cadence of the field rotation tracking loop.
func (c RotatorConfig) TrackInterval() time.Duration {
	return seconds(c.TrackIntervalSeconds)
}

type CoverConfig struct {
	Enabled bool `toml:"enabled"`
	Number  int  `toml:"number"`
}

type FilterWheelConfig struct {
	Enabled bool           `toml:"enabled"`
	Number  int            `toml:"number"`
	Slots   map[string]int `toml:"slots"`
}

type FocuserConfig struct {
	Enabled bool           `toml:"enabled"`
	Number  int            `toml:"number"`
	Offsets map[string]int `toml:"offsets"`
}

type CameraConfig struct {
	MainNamePattern  string  `toml:"main_name_pattern"`
	GuideNamePattern string  `toml:"guide_name_pattern"`
	MaxProbe         int     `toml:"max_probe"`
	Binning          int     `toml:"binning"`
	Gain             int     `toml:"gain"`
	CoolerTargetC    float64 `toml:"cooler_target_c"`
	CoolerEnabled    bool    `toml:"cooler_enabled"`
}

type CorrectorConfig struct {
	Mode                 string  `toml:"mode"`
	ArtifactPath         string  `toml:"artifact_path"`
	FileMaxAgeSeconds    float64 `toml:"file_max_age_seconds"`
	SolverWaitSeconds    float64 `toml:"solver_wait_seconds"`
	MinOffsetArcsec      float64 `toml:"min_offset_arcsec"`
	SmallOffsetArcsec    float64 `toml:"small_offset_arcsec"`
	LargeOffsetArcsec    float64 `toml:"large_offset_arcsec"`
	SettleMinSeconds     float64 `toml:"settle_min_seconds"`
	SettleMaxSeconds     float64 `toml:"settle_max_seconds"`
	BaseExposureSeconds  float64 `toml:"base_exposure_seconds"`
	MaxExposureSeconds   float64 `toml:"max_exposure_seconds"`
	ExposureIncrease     float64 `toml:"exposure_increase_factor"`
	RetriesPerLevel      int     `toml:"retries_per_exposure_level"`
	ScienceFailureBudget int     `toml:"science_failures_before_adaptive"`
	MaxRotationDeg       float64 `toml:"max_rotation_deg"`
	RotationDamping      float64 `toml:"rotation_damping"`
	MinRotationDeg       float64 `toml:"min_rotation_deg"`
}

type SessionConfig struct {
	MaxExposures            int     `toml:"max_exposures"`
	MaxDurationHours        float64 `toml:"max_duration_hours"`
	MaxConsecutiveFailures  int     `toml:"max_consecutive_failures"`
	CorrectionInterval      int     `toml:"correction_interval"`
	AcquisitionEnabled      bool    `toml:"acquisition_enabled"`
	MaxAcquisitionAttempts  int     `toml:"max_acquisition_attempts"`
	MaxTotalOffsetArcsec    float64 `toml:"max_total_offset_arcsec"`
	MeasurementMaxAgeSecs   float64 `toml:"recent_measurement_max_age_seconds"`
	FieldRotationTracking   bool    `toml:"field_rotation_tracking"`
	FilterCode              string  `toml:"filter_code"`
	ExposureOverrideSeconds float64 `toml:"exposure_override_seconds"`
}

type SupervisorConfig struct {
	FeedPath                string  `toml:"feed_path"`
	PollIntervalSeconds     float64 `toml:"poll_interval_seconds"`
	SessionDurationHours    float64 `toml:"session_duration_hours"`
	IgnoreTwilight          bool    `toml:"ignore_twilight"`
	StopJoinTimeoutSeconds  float64 `toml:"stop_join_timeout_seconds"`
	InterSessionPauseSecs   float64 `toml:"inter_session_pause_seconds"`
	TrackingMonitorSeconds  float64 `toml:"tracking_monitor_interval_seconds"`
	DefaultTargetMagnitude  float64 `toml:"default_target_magnitude"`
	MagnitudeSource         string  `toml:"magnitude_source"`
}

type PathsConfig struct {
	DataRoot        string  `toml:"data_root"`
	TargetStatePath string  `toml:"target_state_path"`
	ExposureRules   string  `toml:"exposure_rules"`
	LedgerPath      string  `toml:"ledger_path"`
	MinFreeGiB      float64 `toml:"min_free_gib"`
	TelescopeID     string  `toml:"telescope_id"`
}

type StatusConfig struct {
	Addr        string   `toml:"addr"`
	CorsOrigins []string `toml:"cors_origins"`
	AuthToken   string   `toml:"auth_token"`
}

const (
	ModeImaging      = "imaging"
	ModeSpectroscopy = "spectroscopy"
)

// Defaults follow the spectrograph deployment; imaging threshold tiers
// activate when mode is switched.
func DefaultConfig() Config {
	return Config{
		Site: SiteConfig{
			Name:                "observatory",
			LatitudeDeg:         28.30,
			LongitudeDeg:        -16.51,
			ElevationM:          2390,
			MinAltitudeDeg:      30,
			TwilightAltitudeDeg: -18,
		},
		Devices: DevicesConfig{
			BaseURL:            "http://127.0.0.1:11111",
			HTTPTimeoutSeconds: 10,
			Telescope: TelescopeConfig{
				Number:             0,
				SlewSettleSeconds:  5,
				SlewTimeoutSeconds: 120,
				ParkTimeoutSeconds: 60,
			},
			Rotator: RotatorConfig{
				Enabled:              false,
				Number:               0,
				LimitMinDeg:          94,
				LimitMaxDeg:          320,
				SafePositionDeg:      207,
				MechanicalZeroDeg:    0,
				TrackIntervalSeconds: 2,
				TrackThresholdDeg:    0.1,
			},
			Cover: CoverConfig{Enabled: true, Number: 0},
			FilterWheel: FilterWheelConfig{
				Enabled: false,
				Number:  0,
				Slots:   map[string]int{"C": 0},
			},
			Focuser: FocuserConfig{Enabled: false, Number: 0, Offsets: map[string]int{}},
			Camera: CameraConfig{
				MainNamePattern:  "",
				GuideNamePattern: "",
				MaxProbe:         8,
				Binning:          1,
				Gain:             100,
				CoolerTargetC:    -10,
				CoolerEnabled:    true,
			},
		},
		Corrector: CorrectorConfig{
			Mode:                 ModeSpectroscopy,
			ArtifactPath:         "solver/correction.json",
			FileMaxAgeSeconds:    200,
			SolverWaitSeconds:    30,
			MinOffsetArcsec:      0.01,
			SmallOffsetArcsec:    1,
			LargeOffsetArcsec:    5,
			SettleMinSeconds:     1,
			SettleMaxSeconds:     5,
			BaseExposureSeconds:  10,
			MaxExposureSeconds:   120,
			ExposureIncrease:     2,
			RetriesPerLevel:      2,
			ScienceFailureBudget: 3,
			MaxRotationDeg:       5,
			RotationDamping:      0.5,
			MinRotationDeg:       0.1,
		},
		Session: SessionConfig{
			MaxExposures:           100,
			MaxDurationHours:       1,
			MaxConsecutiveFailures: 3,
			CorrectionInterval:     5,
			AcquisitionEnabled:     true,
			MaxAcquisitionAttempts: 45,
			MaxTotalOffsetArcsec:   2,
			MeasurementMaxAgeSecs:  60,
			FieldRotationTracking:  false,
			FilterCode:             "C",
		},
		Supervisor: SupervisorConfig{
			FeedPath:               "feed/coordinates.json",
			PollIntervalSeconds:    10,
			SessionDurationHours:   1,
			IgnoreTwilight:         false,
			StopJoinTimeoutSeconds: 15,
			InterSessionPauseSecs:  2,
			TrackingMonitorSeconds: 30,
			DefaultTargetMagnitude: 10,
			MagnitudeSource:        "assumed",
		},
		Paths: PathsConfig{
			DataRoot:        "raw",
			TargetStatePath: "solver/target_state.json",
			ExposureRules:   "",
			LedgerPath:      "skyloop.db",
			MinFreeGiB:      5,
			TelescopeID:     "tel1",
		},
		Status: StatusConfig{
			Addr:        ":9090",
			CorsOrigins: []string{"http://localhost:3000"},
		},
	}
}

func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func (c DevicesConfig) HTTPTimeout() time.Duration     { return seconds(c.HTTPTimeoutSeconds) }
func (c TelescopeConfig) SlewTimeout() time.Duration   { return seconds(c.SlewTimeoutSeconds) }
func (c TelescopeConfig) ParkTimeout() time.Duration   { return seconds(c.ParkTimeoutSeconds) }
func (c CorrectorConfig) SolverWait() time.Duration    { return seconds(c.SolverWaitSeconds) }
func (c SessionConfig) MaxDuration() time.Duration     { return seconds(c.MaxDurationHours * 3600) }
func (c SessionConfig) MeasurementMaxAge() time.Duration {
	return seconds(c.MeasurementMaxAgeSecs)
}
func (c SupervisorConfig) PollInterval() time.Duration { return seconds(c.PollIntervalSeconds) }
func (c SupervisorConfig) SessionDuration() time.Duration {
	return seconds(c.SessionDurationHours * 3600)
}
func (c SupervisorConfig) StopJoinTimeout() time.Duration {
	return seconds(c.StopJoinTimeoutSeconds)
}
func (c SupervisorConfig) InterSessionPause() time.Duration {
	return seconds(c.InterSessionPauseSecs)
}
func (c SupervisorConfig) TrackingMonitorInterval() time.Duration {
	return seconds(c.TrackingMonitorSeconds)
}
