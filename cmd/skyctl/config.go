package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// profile holds operator defaults for talking to one daemon. Flags
// override whatever the file defines.
type profile struct {
	Address string
	Token   string
	Timeout time.Duration
}

func defaultProfile() profile {
	return profile{
		Address: "http://127.0.0.1:9090",
		Timeout: 10 * time.Second,
	}
}

type fileProfile struct {
	Address string `toml:"address"`
	Token   string `toml:"token"`
	Timeout string `toml:"timeout"`
}

// loadProfile layers a TOML profile over the defaults. Only keys the
// file actually defines are applied; empty strings in the file count
// as "defined but blank" and are ignored.
func loadProfile(path string) (profile, error) {
	cfg := defaultProfile()

	var raw fileProfile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return profile{}, fmt.Errorf("load skyctl profile: %w", err)
	}

	if meta.IsDefined("address") {
		if addr := strings.TrimSpace(raw.Address); addr != "" {
			cfg.Address = addr
		}
	}
	if meta.IsDefined("token") {
		cfg.Token = strings.TrimSpace(raw.Token)
	}
	if meta.IsDefined("timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Timeout))
		if err != nil {
			return profile{}, fmt.Errorf("parse profile timeout: %w", err)
		}
		cfg.Timeout = d
	}
	return cfg, nil
}

// resolveProfile loads the requested profile, or the default one if it
// exists, or plain defaults.
func resolveProfile(path string) (profile, error) {
	if path != "" {
		return loadProfile(path)
	}
	home, err := os.UserHomeDir()
	if err == nil {
		candidate := home + "/.config/skyloop/skyctl.toml"
		if _, err := os.Stat(candidate); err == nil {
			return loadProfile(candidate)
		}
	}
	return defaultProfile(), nil
}
