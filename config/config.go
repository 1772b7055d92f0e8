// Package config loads environment variables and provides a typed Config used across the service.
// Every recognized option is enumerated here with its type, default, and validation rule.
// Load validates the whole configuration at once and reports every invalid field in a
// single error, so a bad deployment fails fast with a complete picture.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Placeholders accepted by the two filename templates. Anything else in a
// template is a configuration error.
var (
	RecordingPlaceholders = []string{"username", "stream_started", "record_started", "escaped_title"}
	VODPlaceholders       = []string{"username", "stream_started", "download_started", "uploaded", "escaped_title"}
)

type Config struct {
	// Polling
	CheckInterval time.Duration // CHECK_INTERVAL seconds, default 10, clamped to >= 5
	ProbeTimeout  time.Duration // PROBE_TIMEOUT, default 15s

	// Recording
	Quality            string        // RECORD_QUALITY, default "best"
	RecFileFormat      string        // REC_FILE_FORMAT template
	VODFileFormat      string        // VOD_FILE_FORMAT template
	TimeFormat         string        // Go layout converted from strftime-style TIME_FORMAT
	MsgTimeFormat      string        // Go layout converted from MSG_TIME_FORMAT
	SaveRootDir        string        // RECORDING_SAVE_ROOT_DIR, required
	FallbackToCWD      bool          // FALLBACK_TO_CWD, default true
	RecoveryCommand    string        // STORAGE_RECOVERY_COMMAND, optional
	StopGracePeriod    time.Duration // STOP_GRACE_PERIOD, default 10s
	SpawnFailThreshold int           // SPAWN_FAIL_WARN_THRESHOLD, default 3

	// Chzzk session (optional; required only for adult/subscriber streams)
	NIDAuth    string // NID_AUT
	NIDSession string // NID_SES

	// Control plane
	HTTPAddr     string // HTTP_ADDR, default :8080
	ControlToken string // CONTROL_TOKEN; mutating endpoints are open when empty
}

// Load reads environment variables, applies defaults, and validates wholesale.
// The returned error (if any) lists every invalid field.
func Load() (*Config, error) {
	cfg := &Config{}
	var problems []string

	cfg.CheckInterval = 10 * time.Second
	if s := os.Getenv("CHECK_INTERVAL"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			problems = append(problems, fmt.Sprintf("CHECK_INTERVAL: %q is not a positive integer (seconds)", s))
		} else {
			cfg.CheckInterval = time.Duration(n) * time.Second
		}
	}
	// The upstream API rate-limits aggressive polling; the original recorder
	// clamps here instead of rejecting.
	if cfg.CheckInterval < 5*time.Second {
		cfg.CheckInterval = 5 * time.Second
	}

	cfg.ProbeTimeout = 15 * time.Second
	if s := os.Getenv("PROBE_TIMEOUT"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			problems = append(problems, fmt.Sprintf("PROBE_TIMEOUT: %q is not a positive duration", s))
		} else {
			cfg.ProbeTimeout = d
		}
	}

	cfg.Quality = os.Getenv("RECORD_QUALITY")
	if cfg.Quality == "" {
		cfg.Quality = "best"
	}
	if !validQuality(cfg.Quality) {
		problems = append(problems, fmt.Sprintf("RECORD_QUALITY: %q contains characters not allowed in a quality selector", cfg.Quality))
	}

	cfg.RecFileFormat = os.Getenv("REC_FILE_FORMAT")
	if cfg.RecFileFormat == "" {
		cfg.RecFileFormat = "[{username}]{stream_started}_{escaped_title}.ts"
	}
	if unknown := unknownPlaceholders(cfg.RecFileFormat, RecordingPlaceholders); len(unknown) > 0 {
		problems = append(problems, fmt.Sprintf("REC_FILE_FORMAT: unknown placeholder(s) %s", strings.Join(unknown, ", ")))
	}

	cfg.VODFileFormat = os.Getenv("VOD_FILE_FORMAT")
	if cfg.VODFileFormat == "" {
		cfg.VODFileFormat = "[{username}]{uploaded}_{escaped_title}.mp4"
	}
	if unknown := unknownPlaceholders(cfg.VODFileFormat, VODPlaceholders); len(unknown) > 0 {
		problems = append(problems, fmt.Sprintf("VOD_FILE_FORMAT: unknown placeholder(s) %s", strings.Join(unknown, ", ")))
	}

	timeFormat := os.Getenv("TIME_FORMAT")
	if timeFormat == "" {
		timeFormat = "%y-%m-%d %H_%M_%S"
	}
	layout, err := ConvertTimeFormat(timeFormat)
	if err != nil {
		problems = append(problems, fmt.Sprintf("TIME_FORMAT: %v", err))
	}
	cfg.TimeFormat = layout

	msgTimeFormat := os.Getenv("MSG_TIME_FORMAT")
	if msgTimeFormat == "" {
		msgTimeFormat = "%y-%m-%d %H:%M:%S"
	}
	layout, err = ConvertTimeFormat(msgTimeFormat)
	if err != nil {
		problems = append(problems, fmt.Sprintf("MSG_TIME_FORMAT: %v", err))
	}
	cfg.MsgTimeFormat = layout

	cfg.SaveRootDir = os.Getenv("RECORDING_SAVE_ROOT_DIR")
	if cfg.SaveRootDir == "" {
		problems = append(problems, "RECORDING_SAVE_ROOT_DIR: required")
	}

	cfg.FallbackToCWD = true
	if s := os.Getenv("FALLBACK_TO_CWD"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			problems = append(problems, fmt.Sprintf("FALLBACK_TO_CWD: %q is not a boolean", s))
		} else {
			cfg.FallbackToCWD = b
		}
	}

	cfg.RecoveryCommand = os.Getenv("STORAGE_RECOVERY_COMMAND")

	cfg.StopGracePeriod = 10 * time.Second
	if s := os.Getenv("STOP_GRACE_PERIOD"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			problems = append(problems, fmt.Sprintf("STOP_GRACE_PERIOD: %q is not a positive duration", s))
		} else {
			cfg.StopGracePeriod = d
		}
	}

	cfg.SpawnFailThreshold = 3
	if s := os.Getenv("SPAWN_FAIL_WARN_THRESHOLD"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			problems = append(problems, fmt.Sprintf("SPAWN_FAIL_WARN_THRESHOLD: %q is not a positive integer", s))
		} else {
			cfg.SpawnFailThreshold = n
		}
	}

	cfg.NIDAuth = os.Getenv("NID_AUT")
	cfg.NIDSession = os.Getenv("NID_SES")

	cfg.HTTPAddr = os.Getenv("HTTP_ADDR")
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}
	cfg.ControlToken = os.Getenv("CONTROL_TOKEN")

	if len(problems) > 0 {
		return nil, errors.New("invalid configuration:\n  " + strings.Join(problems, "\n  "))
	}
	return cfg, nil
}

var placeholderRe = regexp.MustCompile(`\{([^{}]*)\}`)

// unknownPlaceholders returns every {placeholder} in tmpl that is not in allowed.
func unknownPlaceholders(tmpl string, allowed []string) []string {
	var unknown []string
	for _, m := range placeholderRe.FindAllStringSubmatch(tmpl, -1) {
		name := m[1]
		ok := false
		for _, a := range allowed {
			if name == a {
				ok = true
				break
			}
		}
		if !ok {
			unknown = append(unknown, "{"+name+"}")
		}
	}
	return unknown
}

var qualityRe = regexp.MustCompile(`^[A-Za-z0-9_,+-]+$`)

func validQuality(q string) bool { return qualityRe.MatchString(q) }

// strftime-style tokens supported in TIME_FORMAT / MSG_TIME_FORMAT.
var strftimeTokens = map[byte]string{
	'Y': "2006",
	'y': "06",
	'm': "01",
	'd': "02",
	'H': "15",
	'M': "04",
	'S': "05",
	'%': "%",
}

// ConvertTimeFormat translates a strftime-style format string (the form the
// original configuration file used) into a Go time layout. Unknown %-tokens
// are a validation error rather than passing through silently.
func ConvertTimeFormat(format string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		if i+1 >= len(format) {
			return "", fmt.Errorf("trailing %% in time format %q", format)
		}
		i++
		repl, ok := strftimeTokens[format[i]]
		if !ok {
			return "", fmt.Errorf("unsupported token %%%c in time format %q", format[i], format)
		}
		b.WriteString(repl)
	}
	return b.String(), nil
}
