package config

import (
	"strings"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("RECORDING_SAVE_ROOT_DIR", t.TempDir())
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.CheckInterval != 10*time.Second {
		t.Errorf("CheckInterval = %v, want 10s", cfg.CheckInterval)
	}
	if cfg.Quality != "best" {
		t.Errorf("Quality = %q, want best", cfg.Quality)
	}
	if cfg.RecFileFormat != "[{username}]{stream_started}_{escaped_title}.ts" {
		t.Errorf("unexpected default RecFileFormat: %q", cfg.RecFileFormat)
	}
	if cfg.TimeFormat != "06-01-02 15_04_05" {
		t.Errorf("TimeFormat = %q, want converted strftime default", cfg.TimeFormat)
	}
	if !cfg.FallbackToCWD {
		t.Errorf("FallbackToCWD should default to true")
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
	}
}

func TestLoadClampsShortInterval(t *testing.T) {
	setRequired(t)
	t.Setenv("CHECK_INTERVAL", "2")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.CheckInterval != 5*time.Second {
		t.Errorf("CheckInterval = %v, want clamped 5s", cfg.CheckInterval)
	}
}

func TestLoadReportsEveryInvalidField(t *testing.T) {
	t.Setenv("RECORDING_SAVE_ROOT_DIR", "")
	t.Setenv("CHECK_INTERVAL", "abc")
	t.Setenv("REC_FILE_FORMAT", "{username}_{bogus}.ts")
	t.Setenv("TIME_FORMAT", "%y-%Q")
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for invalid configuration")
	}
	msg := err.Error()
	for _, want := range []string{"CHECK_INTERVAL", "REC_FILE_FORMAT", "{bogus}", "TIME_FORMAT", "RECORDING_SAVE_ROOT_DIR"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error message missing %q:\n%s", want, msg)
		}
	}
}

func TestLoadRejectsUnknownVODPlaceholder(t *testing.T) {
	setRequired(t)
	t.Setenv("VOD_FILE_FORMAT", "{username}_{record_started}.mp4") // record_started is recording-only
	if _, err := Load(); err == nil {
		t.Fatal("expected error for VOD template with recording-only placeholder")
	}
}

func TestLoadRejectsBadQuality(t *testing.T) {
	setRequired(t)
	t.Setenv("RECORD_QUALITY", "best; rm -rf /")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for quality with shell metacharacters")
	}
}

func TestConvertTimeFormat(t *testing.T) {
	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{in: "%y-%m-%d %H_%M_%S", want: "06-01-02 15_04_05"},
		{in: "%Y%m%d", want: "20060102"},
		{in: "100%%", want: "100%"},
		{in: "plain", want: "plain"},
		{in: "%y-%Q", wantErr: true},
		{in: "broken%", wantErr: true},
	}
	for _, tc := range tests {
		got, err := ConvertTimeFormat(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ConvertTimeFormat(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ConvertTimeFormat(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ConvertTimeFormat(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
