// Package storage resolves where recordings and downloads land on disk:
// save-directory availability (with recovery command and fallback), filename
// template expansion, and filesystem-safe title handling.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

// ErrUnavailable is returned when the save root is unreachable and no
// fallback is configured. At startup this is fatal; at recording time the
// session reports it and retries next cycle.
var ErrUnavailable = errors.New("save directory unavailable")

// FallbackDirName is the directory created under the working directory when
// the configured save root is unreachable and fallback is enabled.
const FallbackDirName = "fallback_recordings"

// CommandRunner executes the configured storage recovery command. Injectable
// for tests; the default runs it through the shell.
type CommandRunner func(ctx context.Context, command string) error

func shellRunner(ctx context.Context, command string) error {
	out, err := exec.CommandContext(ctx, "sh", "-c", command).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Resolver decides the base directory for output files. When the configured
// root is unreachable it runs the recovery command once, re-checks, and then
// either falls back to FallbackDirName under the working directory or reports
// ErrUnavailable.
type Resolver struct {
	Root            string
	FallbackToCWD   bool
	RecoveryCommand string
	Run             CommandRunner

	mu        sync.Mutex
	recovered bool
	logger    *slog.Logger
}

func NewResolver(root string, fallbackToCWD bool, recoveryCommand string) *Resolver {
	return &Resolver{
		Root:            root,
		FallbackToCWD:   fallbackToCWD,
		RecoveryCommand: recoveryCommand,
		Run:             shellRunner,
		logger:          slog.Default().With(slog.String("component", "storage")),
	}
}

// BaseDir returns the directory recordings should be written under, and
// whether the fallback directory is in use.
func (r *Resolver) BaseDir(ctx context.Context) (dir string, fallback bool, err error) {
	if dirExists(r.Root) {
		r.resetRecovery()
		return r.Root, false, nil
	}
	r.mu.Lock()
	runRecovery := r.RecoveryCommand != "" && !r.recovered
	if runRecovery {
		// One attempt per outage; reset when the root comes back.
		r.recovered = true
	}
	r.mu.Unlock()
	if runRecovery {
		r.logger.Warn("save root unreachable, running recovery command", slog.String("root", r.Root))
		if err := r.Run(ctx, r.RecoveryCommand); err != nil {
			r.logger.Error("recovery command failed", slog.Any("err", err))
		} else if dirExists(r.Root) {
			r.logger.Info("save root recovered", slog.String("root", r.Root))
			r.resetRecovery()
			return r.Root, false, nil
		}
	}
	if !r.FallbackToCWD {
		return "", false, ErrUnavailable
	}
	fb := filepath.Join(".", FallbackDirName)
	if err := os.MkdirAll(fb, 0o755); err != nil {
		return "", false, fmt.Errorf("create fallback dir: %w", err)
	}
	return fb, true, nil
}

func (r *Resolver) resetRecovery() {
	r.mu.Lock()
	r.recovered = false
	r.mu.Unlock()
}

// ChannelDir returns (creating if needed) the per-channel subdirectory under
// the current base dir.
func (r *Resolver) ChannelDir(ctx context.Context, channelName string) (string, bool, error) {
	base, fallback, err := r.BaseDir(ctx)
	if err != nil {
		return "", false, err
	}
	dir := filepath.Join(base, SanitizeTitle(channelName))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", false, fmt.Errorf("create channel dir: %w", err)
	}
	return dir, fallback, nil
}

func dirExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// illegal filename characters, matching the original recorder's escape set.
var illegalRe = regexp.MustCompile(`[/\\?%*:|"<>.\n{}]`)

// SanitizeTitle strips characters that cannot appear in a filename and
// truncates over-long titles (76+ runes become 75 runes plus "..").
func SanitizeTitle(s string) string {
	s = illegalRe.ReplaceAllString(s, "")
	runes := []rune(s)
	if len(runes) > 77 {
		return string(runes[:75]) + ".."
	}
	return s
}

// ResolveTemplate expands {placeholder} occurrences from vars. Templates are
// validated at config load, so an unknown placeholder here is a programming
// error and is left verbatim.
func ResolveTemplate(tmpl string, vars map[string]string) string {
	out := tmpl
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}

// UniquePath appends " (N)" before the extension until the path does not
// exist, so a new capture never clobbers an earlier file.
func UniquePath(path string) string {
	if _, err := os.Stat(path); err != nil {
		return path
	}
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, n, ext)
		if _, err := os.Stat(candidate); err != nil {
			return candidate
		}
	}
}

// HumanSize renders a byte count the way it is shown in notifications.
func HumanSize(n int64) string {
	switch {
	case n > 1<<30:
		return fmt.Sprintf("%.1f GB", float64(n)/float64(1<<30))
	case n > 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/float64(1<<20))
	case n > 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/float64(1<<10))
	default:
		return fmt.Sprintf("%d Bytes", n)
	}
}
