package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/go-ini/ini"
)

// DefaultPath is where pftablesd looks for its configuration when
// none is given explicitly.
const DefaultPath = "/etc/pftablesd/server.conf"

// envDebug is the environment override for Debug, checked when the
// config file doesn't set it either. Renamed from the original
// service's PYTABLES_DEBUG to match this daemon's own naming.
const envDebug = "PFTABLES_DEBUG"

// Config holds the daemon/debug switches read from the INI file.
// Debug raises the log level to debug, which includes the worker's
// per-line protocol tracing. Disk and Console are read and returned
// but nothing in the daemon acts on them: logs always go to stderr
// and no on-disk log file is written.
type Config struct {
	Debug   bool
	Disk    bool
	Console bool
}

// defaults matches the original service's unconditional fallbacks
// (disk=true, console=false) before any file or environment value is
// consulted.
func defaults() Config {
	return Config{Debug: false, Disk: true, Console: false}
}

// Load reads path and returns the Config for family, falling back to
// the "default" section for any key family's section doesn't set, and
// finally to envDebug for Debug if neither section mentions it. A
// missing or unreadable file is not an error: it simply yields
// defaults plus any environment override, matching the original
// service's tolerant "config is optional" behavior.
func Load(path string, family string) Config {
	cfg := defaults()

	file, err := ini.Load(path)
	if err == nil {
		section := sectionFor(file, family)
		var fallback *ini.Section
		if section != nil && section.Name() != "default" && file.HasSection("default") {
			fallback = file.Section("default")
		}
		lookup := func(key string) (bool, bool) {
			if section != nil {
				if v, ok := getBool(section, key); ok {
					return v, true
				}
			}
			if fallback != nil {
				return getBool(fallback, key)
			}
			return false, false
		}

		debugSet := false
		if v, ok := lookup("debug"); ok {
			cfg.Debug = v
			debugSet = true
		}
		if v, ok := lookup("disk"); ok {
			cfg.Disk = v
		}
		if v, ok := lookup("console"); ok {
			cfg.Console = v
		}

		if !debugSet {
			if v, ok := environmentDebug(); ok {
				cfg.Debug = v
			}
		}
		return cfg
	}

	if v, ok := environmentDebug(); ok {
		cfg.Debug = v
	}
	return cfg
}

// sectionFor returns family's section if the file defines one,
// otherwise its "default" section, otherwise nil.
func sectionFor(file *ini.File, family string) *ini.Section {
	if family != "" && file.HasSection(family) {
		return file.Section(family)
	}
	if file.HasSection("default") {
		return file.Section("default")
	}
	return nil
}

// getBool reproduces the original's tobool: a key is read as an
// integer first ("0"/"1"/...), then as one of true/yes/y
// (case-insensitive), falling back to "not present" rather than an
// error so callers can tell a missing key from an explicit false.
func getBool(section *ini.Section, key string) (bool, bool) {
	if !section.HasKey(key) {
		return false, false
	}
	raw := strings.ToLower(strings.TrimSpace(section.Key(key).String()))
	if raw == "" {
		return false, false
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return n != 0, true
	}
	return raw == "true" || raw == "yes" || raw == "y", true
}

// environmentDebug reads PFTABLES_DEBUG, matching the original's
// rmap: "0" -> false, "1" -> true, anything else (including unset)
// leaves the existing value alone.
func environmentDebug() (bool, bool) {
	switch os.Getenv(envDebug) {
	case "0":
		return false, true
	case "1":
		return true, true
	default:
		return false, false
	}
}
