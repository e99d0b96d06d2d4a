package config

import (
	"fmt"
	"strings"
)

// Validate rejects configurations the daemon must not start with.
// Errors here are fatal before any hardware is touched.
func Validate(cfg Config) error {
	if cfg.Site.LatitudeDeg < -90 || cfg.Site.LatitudeDeg > 90 {
		return fmt.Errorf("site.latitude_deg out of range: %v", cfg.Site.LatitudeDeg)
	}
	if cfg.Site.LongitudeDeg < -180 || cfg.Site.LongitudeDeg > 180 {
		return fmt.Errorf("site.longitude_deg out of range: %v", cfg.Site.LongitudeDeg)
	}
	if strings.TrimSpace(cfg.Devices.BaseURL) == "" {
		return fmt.Errorf("devices.base_url is required")
	}
	if cfg.Devices.HTTPTimeoutSeconds <= 0 {
		return fmt.Errorf("devices.http_timeout_seconds must be positive")
	}
	if err := validateCorrector(cfg.Corrector); err != nil {
		return err
	}
	if err := validateSession(cfg.Session); err != nil {
		return err
	}
	if err := validateSupervisor(cfg.Supervisor); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Paths.DataRoot) == "" {
		return fmt.Errorf("paths.data_root is required")
	}
	if strings.TrimSpace(cfg.Paths.TargetStatePath) == "" {
		return fmt.Errorf("paths.target_state_path is required")
	}
	if cfg.Devices.Rotator.Enabled &&
		cfg.Devices.Rotator.LimitMinDeg >= cfg.Devices.Rotator.LimitMaxDeg {
		return fmt.Errorf("devices.rotator limits inverted: min=%v max=%v",
			cfg.Devices.Rotator.LimitMinDeg, cfg.Devices.Rotator.LimitMaxDeg)
	}
	return nil
}

func validateCorrector(cfg CorrectorConfig) error {
	switch cfg.Mode {
	case ModeImaging, ModeSpectroscopy:
	default:
		return fmt.Errorf("corrector.mode must be %q or %q, got %q",
			ModeImaging, ModeSpectroscopy, cfg.Mode)
	}
	if strings.TrimSpace(cfg.ArtifactPath) == "" {
		return fmt.Errorf("corrector.artifact_path is required")
	}
	if cfg.FileMaxAgeSeconds <= 0 {
		return fmt.Errorf("corrector.file_max_age_seconds must be positive")
	}
	if cfg.MinOffsetArcsec < 0 {
		return fmt.Errorf("corrector.min_offset_arcsec must not be negative")
	}
	if cfg.Mode == ModeImaging {
		if cfg.SmallOffsetArcsec < cfg.MinOffsetArcsec {
			return fmt.Errorf("corrector.small_offset_arcsec below min_offset_arcsec")
		}
		if cfg.LargeOffsetArcsec < cfg.SmallOffsetArcsec {
			return fmt.Errorf("corrector.large_offset_arcsec below small_offset_arcsec")
		}
	}
	if cfg.SettleMinSeconds < 0 || cfg.SettleMaxSeconds < cfg.SettleMinSeconds {
		return fmt.Errorf("corrector settle window inverted: min=%v max=%v",
			cfg.SettleMinSeconds, cfg.SettleMaxSeconds)
	}
	if cfg.BaseExposureSeconds <= 0 {
		return fmt.Errorf("corrector.base_exposure_seconds must be positive")
	}
	if cfg.MaxExposureSeconds < cfg.BaseExposureSeconds {
		return fmt.Errorf("corrector.max_exposure_seconds below base_exposure_seconds")
	}
	if cfg.ExposureIncrease <= 1 {
		return fmt.Errorf("corrector.exposure_increase_factor must exceed 1")
	}
	if cfg.RetriesPerLevel < 1 {
		return fmt.Errorf("corrector.retries_per_exposure_level must be at least 1")
	}
	return nil
}

func validateSession(cfg SessionConfig) error {
	if cfg.MaxExposures < 1 {
		return fmt.Errorf("session.max_exposures must be at least 1")
	}
	if cfg.MaxDurationHours <= 0 {
		return fmt.Errorf("session.max_duration_hours must be positive")
	}
	if cfg.CorrectionInterval < 1 {
		return fmt.Errorf("session.correction_interval must be at least 1")
	}
	if cfg.AcquisitionEnabled {
		if cfg.MaxAcquisitionAttempts < 1 {
			return fmt.Errorf("session.max_acquisition_attempts must be at least 1")
		}
		if cfg.MaxTotalOffsetArcsec <= 0 {
			return fmt.Errorf("session.max_total_offset_arcsec must be positive")
		}
	}
	if strings.TrimSpace(cfg.FilterCode) == "" {
		return fmt.Errorf("session.filter_code is required")
	}
	return nil
}

func validateSupervisor(cfg SupervisorConfig) error {
	if strings.TrimSpace(cfg.FeedPath) == "" {
		return fmt.Errorf("supervisor.feed_path is required")
	}
	if cfg.PollIntervalSeconds <= 0 {
		return fmt.Errorf("supervisor.poll_interval_seconds must be positive")
	}
	if cfg.SessionDurationHours <= 0 {
		return fmt.Errorf("supervisor.session_duration_hours must be positive")
	}
	return nil
}
