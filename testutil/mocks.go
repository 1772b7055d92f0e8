// Package testutil provides shared fakes and fixtures for tests: a mock
// chzzk API server, a controllable subprocess launcher, and in-memory
// persistence stores.
package testutil

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/sw2719/multi-chzzk-recorder/download"
	"github.com/sw2719/multi-chzzk-recorder/recorder"
	"github.com/sw2719/multi-chzzk-recorder/registry"
)

// MockChzzkServer creates a test server that mocks chzzk API responses
type MockChzzkServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockChzzkServer creates a new mock chzzk API server
func NewMockChzzkServer(t *testing.T) *MockChzzkServer {
	t.Helper()
	m := &MockChzzkServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := m.Handlers[r.URL.Path]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

func (m *MockChzzkServer) respond(path string, content any) {
	m.Handlers[path] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 200, "content": content})
	}
}

// MockChannel adds a handler for the channel info endpoint.
func (m *MockChzzkServer) MockChannel(channelID, name string) {
	m.respond("/service/v1/channels/"+channelID, map[string]any{
		"channelId":   channelID,
		"channelName": name,
	})
}

// MockChannelMissing makes the channel endpoint return a null content body,
// which is how chzzk reports an unknown channel ID.
func (m *MockChzzkServer) MockChannelMissing(channelID string) {
	m.respond("/service/v1/channels/"+channelID, nil)
}

// MockLive adds a live-detail handler reporting an open stream.
func (m *MockChzzkServer) MockLive(channelID, title, openDate string) {
	m.respond("/service/v1/channels/"+channelID+"/live-detail", map[string]any{
		"status":    "OPEN",
		"liveTitle": title,
		"openDate":  openDate,
		"channelId": channelID,
	})
}

// MockOffline adds a live-detail handler reporting a closed stream.
func (m *MockChzzkServer) MockOffline(channelID string) {
	m.respond("/service/v1/channels/"+channelID+"/live-detail", map[string]any{
		"status": "CLOSE",
	})
}

// MockVideo adds a handler for the video metadata endpoint.
func (m *MockChzzkServer) MockVideo(videoNo int, title, channelName, publishDate string) {
	m.respond("/service/v1/videos/"+strconv.Itoa(videoNo), map[string]any{
		"videoNo":      videoNo,
		"videoTitle":   title,
		"publishDate":  publishDate,
		"liveOpenDate": publishDate,
		"duration":     3600,
		"channel":      map[string]any{"channelName": channelName},
	})
}

// FakeHandle is a controllable subprocess handle. Tests call Exit to simulate
// the process finishing.
type FakeHandle struct {
	done       chan struct{}
	once       sync.Once
	mu         sync.Mutex
	err        error
	Terminated bool
	Killed     bool
}

func NewFakeHandle() *FakeHandle {
	return &FakeHandle{done: make(chan struct{})}
}

// Exit marks the process as finished with the given error.
func (h *FakeHandle) Exit(err error) {
	h.once.Do(func() {
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
		close(h.done)
	})
}

func (h *FakeHandle) Done() <-chan struct{} { return h.done }

func (h *FakeHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Terminate records the signal and exits the fake process cleanly, mirroring
// a capture tool that finalizes its output on interrupt.
func (h *FakeHandle) Terminate() error {
	h.mu.Lock()
	h.Terminated = true
	h.mu.Unlock()
	h.Exit(nil)
	return nil
}

func (h *FakeHandle) Kill() error {
	h.mu.Lock()
	h.Killed = true
	h.mu.Unlock()
	h.Exit(context.Canceled)
	return nil
}

// StartCall records one Launcher.Start invocation.
type StartCall struct {
	Name string
	Args []string
}

// FakeLauncher records spawn requests and hands out FakeHandles. FailStarts
// makes the next N Start calls fail.
type FakeLauncher struct {
	mu         sync.Mutex
	Calls      []StartCall
	Handles    []*FakeHandle
	FailStarts int
	StartErr   error
}

func (l *FakeLauncher) Start(_ context.Context, name string, args ...string) (recorder.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Calls = append(l.Calls, StartCall{Name: name, Args: args})
	if l.FailStarts > 0 {
		l.FailStarts--
		err := l.StartErr
		if err == nil {
			err = context.DeadlineExceeded
		}
		return nil, err
	}
	h := NewFakeHandle()
	l.Handles = append(l.Handles, h)
	return h, nil
}

// StartCount returns how many times Start was called.
func (l *FakeLauncher) StartCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.Calls)
}

// LastHandle returns the most recently issued handle, or nil.
func (l *FakeLauncher) LastHandle() *FakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.Handles) == 0 {
		return nil
	}
	return l.Handles[len(l.Handles)-1]
}

// MemChannelStore is an in-memory registry.Store.
type MemChannelStore struct {
	mu       sync.Mutex
	Channels []registry.Channel
	// InsertErr, when set, is returned by the next Insert.
	InsertErr error
}

func (s *MemChannelStore) Load(ctx context.Context) ([]registry.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]registry.Channel, len(s.Channels))
	copy(out, s.Channels)
	return out, nil
}

func (s *MemChannelStore) Insert(ctx context.Context, ch registry.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.InsertErr != nil {
		err := s.InsertErr
		s.InsertErr = nil
		return err
	}
	for _, c := range s.Channels {
		if c.ID == ch.ID {
			return registry.ErrAlreadyExists
		}
	}
	s.Channels = append(s.Channels, ch)
	return nil
}

func (s *MemChannelStore) Delete(ctx context.Context, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.Channels {
		if c.ID == channelID {
			s.Channels = append(s.Channels[:i], s.Channels[i+1:]...)
			return nil
		}
	}
	return nil
}

// MemJobStore is an in-memory download.JobStore.
type MemJobStore struct {
	mu   sync.Mutex
	Jobs map[string]download.Job
}

func NewMemJobStore() *MemJobStore {
	return &MemJobStore{Jobs: make(map[string]download.Job)}
}

func (s *MemJobStore) Insert(ctx context.Context, j download.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Jobs[j.ID] = j
	return nil
}

func (s *MemJobStore) Finish(ctx context.Context, id, status, errMsg string, finishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.Jobs[id]
	if !ok {
		return download.ErrJobNotFound
	}
	j.Status = status
	j.Error = errMsg
	j.FinishedAt = &finishedAt
	s.Jobs[id] = j
	return nil
}

func (s *MemJobStore) Get(ctx context.Context, id string) (download.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.Jobs[id]
	if !ok {
		return download.Job{}, download.ErrJobNotFound
	}
	return j, nil
}
