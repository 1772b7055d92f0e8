package recorder

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sw2719/multi-chzzk-recorder/chzzkapi"
	"github.com/sw2719/multi-chzzk-recorder/notify"
	"github.com/sw2719/multi-chzzk-recorder/registry"
	"github.com/sw2719/multi-chzzk-recorder/storage"
	"github.com/sw2719/multi-chzzk-recorder/telemetry"
)

func TestMain(m *testing.M) {
	telemetry.Init()
	os.Exit(m.Run())
}

type fakeHandle struct {
	done       chan struct{}
	once       sync.Once
	mu         sync.Mutex
	err        error
	terminated bool
	killed     bool
}

func newFakeHandle() *fakeHandle { return &fakeHandle{done: make(chan struct{})} }

func (h *fakeHandle) exit(err error) {
	h.once.Do(func() {
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
		close(h.done)
	})
}

func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *fakeHandle) Terminate() error {
	h.mu.Lock()
	h.terminated = true
	h.mu.Unlock()
	h.exit(nil)
	return nil
}

func (h *fakeHandle) Kill() error {
	h.mu.Lock()
	h.killed = true
	h.mu.Unlock()
	h.exit(errors.New("killed"))
	return nil
}

type fakeLauncher struct {
	mu         sync.Mutex
	calls      [][]string
	handles    []*fakeHandle
	failStarts int
}

func (l *fakeLauncher) Start(_ context.Context, name string, args ...string) (Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, append([]string{name}, args...))
	if l.failStarts > 0 {
		l.failStarts--
		return nil, errors.New("spawn failed")
	}
	h := newFakeHandle()
	l.handles = append(l.handles, h)
	return h, nil
}

func (l *fakeLauncher) startCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

func (l *fakeLauncher) lastHandle() *fakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.handles) == 0 {
		return nil
	}
	return l.handles[len(l.handles)-1]
}

func testSessionEnv(t *testing.T, launcher Launcher) (sessionEnv, *notify.Hub) {
	t.Helper()
	hub := notify.NewHub()
	return sessionEnv{
		launcher: launcher,
		resolver: storage.NewResolver(t.TempDir(), false, ""),
		hub:      hub,
		cfg: SessionConfig{
			Quality:            "best",
			FileFormat:         "[{username}]{stream_started}_{escaped_title}.ts",
			TimeFormat:         "060102_1504",
			SpawnFailThreshold: 3,
			StopGrace:          100 * time.Millisecond,
		},
	}, hub
}

func live(title string) chzzkapi.LiveStatus {
	return chzzkapi.LiveStatus{Live: true, Title: title, StartedAt: time.Now()}
}

func collect(ch <-chan notify.Event) []notify.Event {
	var out []notify.Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestLiveProbeStartsCapture(t *testing.T) {
	launcher := &fakeLauncher{}
	env, hub := testSessionEnv(t, launcher)
	events, cancel := hub.Subscribe()
	defer cancel()

	s := newSession(env, registry.Channel{ID: "abc", Name: "streamer"})
	s.TryTick(context.Background(), live("hello world"), nil)

	if s.State() != StateRecording {
		t.Fatalf("state = %v, want recording", s.State())
	}
	if launcher.startCount() != 1 {
		t.Fatalf("Start called %d times, want 1", launcher.startCount())
	}
	call := launcher.calls[0]
	if call[0] != "streamlink" || call[1] != "https://chzzk.naver.com/abc" || call[2] != "best" {
		t.Errorf("launch args = %v", call)
	}

	evs := collect(events)
	if len(evs) != 1 || evs[0].Type != notify.EventRecordingStarted {
		t.Fatalf("events = %+v, want one recording_started", evs)
	}
	if evs[0].Title != "hello world" {
		t.Errorf("event title = %q", evs[0].Title)
	}
	if !strings.Contains(filepath.Base(evs[0].Path), "streamer") {
		t.Errorf("output path %q missing channel name", evs[0].Path)
	}
}

func TestOfflineProbeWhileRecordingIsIgnored(t *testing.T) {
	launcher := &fakeLauncher{}
	env, hub := testSessionEnv(t, launcher)
	events, cancel := hub.Subscribe()
	defer cancel()

	s := newSession(env, registry.Channel{ID: "abc", Name: "streamer"})
	ctx := context.Background()
	s.TryTick(ctx, live("t"), nil)
	drain := collect(events)
	_ = drain

	// The API says offline but the process is still running: capture
	// continues, nothing is emitted.
	s.TryTick(ctx, chzzkapi.LiveStatus{}, nil)
	if s.State() != StateRecording {
		t.Fatalf("state after offline probe = %v, want recording", s.State())
	}
	if evs := collect(events); len(evs) != 0 {
		t.Fatalf("unexpected events %+v", evs)
	}

	// Process exit is what ends the recording.
	launcher.lastHandle().exit(nil)
	s.TryTick(ctx, chzzkapi.LiveStatus{}, nil)
	if s.State() != StateIdle {
		t.Fatalf("state after exit = %v, want idle", s.State())
	}
	evs := collect(events)
	stopped := 0
	for _, ev := range evs {
		if ev.Type == notify.EventRecordingStopped {
			stopped++
		}
	}
	if stopped != 1 {
		t.Fatalf("recording_stopped emitted %d times, want 1 (events: %+v)", stopped, evs)
	}
}

func TestProbeFailureLeavesStateUntouched(t *testing.T) {
	launcher := &fakeLauncher{}
	env, hub := testSessionEnv(t, launcher)
	events, cancel := hub.Subscribe()
	defer cancel()

	s := newSession(env, registry.Channel{ID: "abc", Name: "streamer"})
	ctx := context.Background()
	probeErr := &chzzkapi.ProbeError{ChannelID: "abc", Err: errors.New("timeout")}

	s.TryTick(ctx, chzzkapi.LiveStatus{}, probeErr)
	if s.State() != StateIdle {
		t.Fatalf("state = %v, want idle", s.State())
	}

	s.TryTick(ctx, live("t"), nil)
	if s.State() != StateRecording {
		t.Fatal("precondition: recording")
	}
	collect(events)

	s.TryTick(ctx, chzzkapi.LiveStatus{}, probeErr)
	if s.State() != StateRecording {
		t.Fatalf("probe failure changed state to %v", s.State())
	}
	if evs := collect(events); len(evs) != 0 {
		t.Fatalf("probe failure emitted events %+v", evs)
	}
	if launcher.startCount() != 1 {
		t.Errorf("Start called %d times, want 1", launcher.startCount())
	}
}

func TestSpawnFailureWarnsAfterThreshold(t *testing.T) {
	launcher := &fakeLauncher{failStarts: 10}
	env, hub := testSessionEnv(t, launcher)
	events, cancel := hub.Subscribe()
	defer cancel()

	s := newSession(env, registry.Channel{ID: "abc", Name: "streamer"})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		s.TryTick(ctx, live("t"), nil)
	}
	if s.State() != StateLiveNotRecording {
		t.Fatalf("state = %v, want live_not_recording", s.State())
	}

	warnings := 0
	for _, ev := range collect(events) {
		if ev.Type == notify.EventWarning {
			warnings++
		}
	}
	if warnings != 1 {
		t.Fatalf("warning emitted %d times, want exactly 1", warnings)
	}

	// Spawn recovers: recording starts and retry bookkeeping resets.
	launcher.failStarts = 0
	s.TryTick(ctx, live("t"), nil)
	if s.State() != StateRecording {
		t.Fatalf("state = %v, want recording after recovery", s.State())
	}
}

func TestSpawnRetryUsesCurrentTitle(t *testing.T) {
	launcher := &fakeLauncher{failStarts: 1}
	env, hub := testSessionEnv(t, launcher)
	events, cancel := hub.Subscribe()
	defer cancel()

	s := newSession(env, registry.Channel{ID: "abc", Name: "streamer"})
	ctx := context.Background()
	s.TryTick(ctx, live("old title"), nil) // spawn fails
	s.TryTick(ctx, live("renamed"), nil)
	if s.State() != StateRecording {
		t.Fatalf("state = %v, want recording", s.State())
	}

	var started notify.Event
	for _, ev := range collect(events) {
		if ev.Type == notify.EventRecordingStarted {
			started = ev
		}
	}
	if started.Title != "renamed" {
		t.Errorf("event title = %q, want the title from the spawning tick", started.Title)
	}
	if !strings.Contains(filepath.Base(started.Path), "renamed") {
		t.Errorf("output path %q not named after the current title", started.Path)
	}
}

func TestWentOfflineBeforeCapture(t *testing.T) {
	launcher := &fakeLauncher{failStarts: 1}
	env, _ := testSessionEnv(t, launcher)
	s := newSession(env, registry.Channel{ID: "abc", Name: "streamer"})
	ctx := context.Background()

	s.TryTick(ctx, live("t"), nil) // spawn fails, stays live_not_recording
	if s.State() != StateLiveNotRecording {
		t.Fatalf("state = %v", s.State())
	}
	s.TryTick(ctx, chzzkapi.LiveStatus{}, nil)
	if s.State() != StateIdle {
		t.Fatalf("state = %v, want idle after going offline", s.State())
	}
}

func TestStopTerminatesAndEmitsOnce(t *testing.T) {
	launcher := &fakeLauncher{}
	env, hub := testSessionEnv(t, launcher)
	events, cancel := hub.Subscribe()
	defer cancel()

	s := newSession(env, registry.Channel{ID: "abc", Name: "streamer"})
	ctx := context.Background()
	s.TryTick(ctx, live("t"), nil)
	collect(events)

	if err := s.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	h := launcher.lastHandle()
	if !h.terminated {
		t.Error("capture was not sent the interrupt signal")
	}
	if s.State() != StateIdle {
		t.Fatalf("state after Stop = %v, want idle", s.State())
	}
	stopped := 0
	for _, ev := range collect(events) {
		if ev.Type == notify.EventRecordingStopped {
			stopped++
		}
	}
	if stopped != 1 {
		t.Fatalf("recording_stopped emitted %d times, want 1", stopped)
	}

	// A later tick must not re-emit for the finished capture.
	s.TryTick(ctx, chzzkapi.LiveStatus{}, nil)
	if evs := collect(events); len(evs) != 0 {
		t.Fatalf("post-stop tick emitted %+v", evs)
	}
}

func TestStopWhenNotRecordingIsNoop(t *testing.T) {
	launcher := &fakeLauncher{}
	env, hub := testSessionEnv(t, launcher)
	events, cancel := hub.Subscribe()
	defer cancel()

	s := newSession(env, registry.Channel{ID: "abc", Name: "streamer"})
	if err := s.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if evs := collect(events); len(evs) != 0 {
		t.Fatalf("idle Stop emitted %+v", evs)
	}
}

func TestStoppedEventReportsFileSize(t *testing.T) {
	launcher := &fakeLauncher{}
	env, hub := testSessionEnv(t, launcher)
	events, cancel := hub.Subscribe()
	defer cancel()

	s := newSession(env, registry.Channel{ID: "abc", Name: "streamer"})
	ctx := context.Background()
	s.TryTick(ctx, live("t"), nil)
	var started notify.Event
	for _, ev := range collect(events) {
		if ev.Type == notify.EventRecordingStarted {
			started = ev
		}
	}
	if started.Path == "" {
		t.Fatal("no recording_started event")
	}
	if err := os.WriteFile(started.Path, make([]byte, 4096), 0o644); err != nil {
		t.Fatal(err)
	}

	launcher.lastHandle().exit(nil)
	s.TryTick(ctx, chzzkapi.LiveStatus{}, nil)
	for _, ev := range collect(events) {
		if ev.Type == notify.EventRecordingStopped {
			if ev.FileSize != "4.0 KB" {
				t.Errorf("file size = %q, want 4.0 KB", ev.FileSize)
			}
			return
		}
	}
	t.Fatal("no recording_stopped event")
}
