package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sw2719/multi-chzzk-recorder/chzzkapi"
	"github.com/sw2719/multi-chzzk-recorder/notify"
	"github.com/sw2719/multi-chzzk-recorder/registry"
	"github.com/sw2719/multi-chzzk-recorder/storage"
	"github.com/sw2719/multi-chzzk-recorder/telemetry"
)

// State is the recording state of one channel. Exactly one state holds at
// any instant; transitions are strictly sequential per channel.
type State int32

const (
	StateIdle State = iota
	StateLiveNotRecording
	StateRecording
)

func (s State) String() string {
	switch s {
	case StateLiveNotRecording:
		return "live_not_recording"
	case StateRecording:
		return "recording"
	default:
		return "idle"
	}
}

// SessionConfig is the recording-relevant slice of the service configuration.
type SessionConfig struct {
	Quality            string
	FileFormat         string
	TimeFormat         string
	SpawnFailThreshold int
	StopGrace          time.Duration
}

type sessionEnv struct {
	launcher Launcher
	resolver *storage.Resolver
	hub      *notify.Hub
	cfg      SessionConfig
}

// Session is the per-channel state machine. The mutex serializes transition
// evaluation; the scheduler skips a tick (TryTick) rather than queue behind a
// slow one, and Stop blocks on it so removal is synchronous.
type Session struct {
	env     sessionEnv
	channel registry.Channel
	logger  *slog.Logger

	mu              sync.Mutex
	closed          bool
	state           atomic.Int32
	handle          Handle
	outputPath      string
	title           string
	streamStartedAt time.Time
	recordStartedAt time.Time

	spawnFails       int
	warned           bool
	fallbackNotified bool
}

func newSession(env sessionEnv, ch registry.Channel) *Session {
	return &Session{
		env:     env,
		channel: ch,
		logger: slog.Default().With(
			slog.String("component", "session"),
			slog.String("channel_id", ch.ID),
			slog.String("channel", ch.Name)),
	}
}

// State returns the current state without taking the transition lock, so
// list/status snapshots never wait behind a stop in progress.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// TryTick runs one transition check unless a previous tick or a stop is
// still in flight for this channel, in which case the cycle is skipped.
func (s *Session) TryTick(ctx context.Context, st chzzkapi.LiveStatus, probeErr error) bool {
	if !s.mu.TryLock() {
		return false
	}
	defer s.mu.Unlock()
	s.tickLocked(ctx, st, probeErr)
	return true
}

func (s *Session) tickLocked(ctx context.Context, st chzzkapi.LiveStatus, probeErr error) {
	if s.closed {
		// A removal finished while this channel's probe was in flight. The
		// session is already out of the supervisor's map, so starting a
		// capture here would orphan the subprocess.
		return
	}
	if s.State() == StateRecording {
		select {
		case <-s.handle.Done():
			s.finishLocked()
		default:
			// Still capturing. The probe result is deliberately ignored here:
			// the API can report offline transiently before the stream buffer
			// drains, so the capture process exit is authoritative.
			return
		}
	}

	if probeErr != nil {
		// Unknown this tick; state is left untouched and the probe retries
		// next cycle.
		s.logger.Warn("live status probe failed", slog.Any("err", probeErr))
		return
	}

	if !st.Live {
		if s.State() == StateLiveNotRecording {
			s.logger.Info("channel went offline before capture could start")
			s.resetLiveLocked()
		}
		return
	}

	if s.State() == StateIdle {
		s.logger.Info("channel is online", slog.String("title", st.Title))
		s.setState(StateLiveNotRecording)
	}
	// Re-read on every live tick so a spawn retry names the file after the
	// current title, not the one seen when the channel first went live.
	s.title = st.Title
	s.streamStartedAt = st.StartedAt
	s.startCaptureLocked(ctx)
}

func (s *Session) startCaptureLocked(ctx context.Context) {
	dir, fallback, err := s.env.resolver.ChannelDir(ctx, s.channel.Name)
	if err != nil {
		s.spawnFailedLocked(fmt.Errorf("resolve save directory: %w", err))
		return
	}
	if fallback && !s.fallbackNotified {
		s.fallbackNotified = true
		s.env.hub.Publish(notify.Event{
			Type:        notify.EventWarning,
			ChannelID:   s.channel.ID,
			ChannelName: s.channel.Name,
			Message:     "recording to fallback directory; check that the save directory is mounted",
		})
	}

	now := time.Now()
	name := storage.ResolveTemplate(s.env.cfg.FileFormat, map[string]string{
		"username":       s.channel.Name,
		"escaped_title":  storage.SanitizeTitle(s.title),
		"stream_started": s.streamStartedAt.Format(s.env.cfg.TimeFormat),
		"record_started": now.Format(s.env.cfg.TimeFormat),
	})
	path := storage.UniquePath(filepath.Join(dir, name))

	handle, err := s.env.launcher.Start(ctx, "streamlink",
		"https://chzzk.naver.com/"+s.channel.ID, s.env.cfg.Quality, "-o", path)
	if err != nil {
		s.spawnFailedLocked(fmt.Errorf("start streamlink: %w", err))
		return
	}

	// Output path is fixed for the lifetime of the session from here on.
	s.handle = handle
	s.outputPath = path
	s.recordStartedAt = now
	s.setState(StateRecording)
	s.spawnFails = 0
	s.warned = false

	telemetry.RecordingsStarted.Inc()
	telemetry.ActiveRecordings.Inc()
	s.logger.Info("recording started", slog.String("path", path))
	s.env.hub.Publish(notify.Event{
		Type:            notify.EventRecordingStarted,
		ChannelID:       s.channel.ID,
		ChannelName:     s.channel.Name,
		Title:           s.title,
		Path:            path,
		StreamStartedAt: s.streamStartedAt,
		RecordStartedAt: now,
	})
}

// spawnFailedLocked keeps the session in live_not_recording so the next cycle
// retries; after SpawnFailThreshold consecutive failures a warning
// notification is surfaced once per live session.
func (s *Session) spawnFailedLocked(err error) {
	s.spawnFails++
	telemetry.SpawnFailures.Inc()
	s.logger.Error("capture start failed", slog.Any("err", err), slog.Int("consecutive_failures", s.spawnFails))
	if s.spawnFails >= s.env.cfg.SpawnFailThreshold && !s.warned {
		s.warned = true
		s.env.hub.Publish(notify.Event{
			Type:        notify.EventWarning,
			ChannelID:   s.channel.ID,
			ChannelName: s.channel.Name,
			Message:     fmt.Sprintf("capture failed to start %d times in a row: %v", s.spawnFails, err),
		})
	}
}

// finishLocked handles the recording -> idle transition after the capture
// process exited, emitting exactly one recording_stopped event.
func (s *Session) finishLocked() {
	exitErr := s.handle.Err()
	duration := time.Since(s.recordStartedAt)

	ev := notify.Event{
		Type:            notify.EventRecordingStopped,
		ChannelID:       s.channel.ID,
		ChannelName:     s.channel.Name,
		Title:           s.title,
		Path:            s.outputPath,
		StreamStartedAt: s.streamStartedAt,
		RecordStartedAt: s.recordStartedAt,
		Duration:        duration,
	}
	if fi, err := os.Stat(s.outputPath); err == nil {
		ev.FileSize = storage.HumanSize(fi.Size())
	} else {
		s.logger.Error("recorded file not found after capture exit", slog.String("path", s.outputPath))
		s.env.hub.Publish(notify.Event{
			Type:        notify.EventWarning,
			ChannelID:   s.channel.ID,
			ChannelName: s.channel.Name,
			Message:     "recorded file was not found after the capture process exited; check the capture tool logs",
		})
	}

	if exitErr != nil {
		s.logger.Warn("capture process exited with error", slog.Any("err", exitErr), slog.Duration("duration", duration))
	} else {
		s.logger.Info("recording stopped", slog.String("path", s.outputPath), slog.Duration("duration", duration))
	}

	telemetry.RecordingsStopped.Inc()
	telemetry.ActiveRecordings.Dec()
	telemetry.RecordingDuration.Observe(duration.Seconds())
	s.env.hub.Publish(ev)

	s.handle = nil
	s.outputPath = ""
	s.resetLiveLocked()
}

func (s *Session) resetLiveLocked() {
	s.setState(StateIdle)
	s.title = ""
	s.streamStartedAt = time.Time{}
	s.spawnFails = 0
	s.warned = false
	s.fallbackNotified = false
}

// Stop force-terminates the capture, blocking until the subprocess has fully
// exited: SIGINT first so the file is finalized, then SIGKILL after the grace
// period. The session is closed permanently: ticks that were already in
// flight when removal completed become no-ops.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.State() != StateRecording {
		s.resetLiveLocked()
		return nil
	}
	s.logger.Info("stopping capture", slog.String("path", s.outputPath))
	if err := s.handle.Terminate(); err != nil {
		s.logger.Warn("graceful terminate failed, killing", slog.Any("err", err))
		_ = s.handle.Kill()
	}
	select {
	case <-s.handle.Done():
	case <-time.After(s.env.cfg.StopGrace):
		s.logger.Warn("grace period expired, killing capture")
		_ = s.handle.Kill()
		<-s.handle.Done()
	case <-ctx.Done():
		_ = s.handle.Kill()
		<-s.handle.Done()
	}
	s.finishLocked()
	return nil
}
