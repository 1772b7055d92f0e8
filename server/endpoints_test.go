package server

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/sw2719/multi-chzzk-recorder/chzzkapi"
	"github.com/sw2719/multi-chzzk-recorder/download"
	"github.com/sw2719/multi-chzzk-recorder/notify"
	"github.com/sw2719/multi-chzzk-recorder/recorder"
	"github.com/sw2719/multi-chzzk-recorder/registry"
	"github.com/sw2719/multi-chzzk-recorder/storage"
	"github.com/sw2719/multi-chzzk-recorder/telemetry"
	"github.com/sw2719/multi-chzzk-recorder/testutil"
)

func TestMain(m *testing.M) {
	telemetry.Init()
	os.Exit(m.Run())
}

type testHarness struct {
	deps     Deps
	server   *httptest.Server
	launcher *testutil.FakeLauncher
	mock     *testutil.MockChzzkServer
	hub      *notify.Hub
}

func newHarness(t *testing.T, token string) *testHarness {
	t.Helper()
	mock := testutil.NewMockChzzkServer(t)
	client := chzzkapi.New("", "", 5*time.Second)
	client.BaseURL = mock.URL

	reg := registry.New(&testutil.MemChannelStore{})
	launcher := &testutil.FakeLauncher{}
	resolver := storage.NewResolver(t.TempDir(), false, "")
	hub := notify.NewHub()
	sup := recorder.NewSupervisor(reg, client, launcher, resolver, hub, nil, recorder.Config{
		Interval:     5 * time.Second,
		ProbeTimeout: time.Second,
		Session: recorder.SessionConfig{
			Quality:            "best",
			FileFormat:         "[{username}]{stream_started}_{escaped_title}.ts",
			TimeFormat:         "060102_1504",
			SpawnFailThreshold: 3,
			StopGrace:          100 * time.Millisecond,
		},
	})
	downloads := download.NewManager(launcher, resolver, hub, client, testutil.NewMemJobStore(), download.Config{
		DefaultQuality: "best",
		FileFormat:     "[{username}]{uploaded}_{escaped_title}.mp4",
		TimeFormat:     "060102_1504",
	})

	// Lazily-opened handle pointing nowhere: /status tolerates kv read
	// failures, and nothing else here touches the database.
	database, err := sql.Open("pgx", "postgres://127.0.0.1:1/recorder")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })

	deps := Deps{
		DB:           database,
		Supervisor:   sup,
		Downloads:    downloads,
		Events:       hub,
		Chzzk:        client,
		ControlToken: token,
	}
	srv := httptest.NewServer(NewMux(deps))
	t.Cleanup(srv.Close)
	return &testHarness{deps: deps, server: srv, launcher: launcher, mock: mock, hub: hub}
}

func (h *testHarness) do(t *testing.T, method, path, token string, body string) *http.Response {
	t.Helper()
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, h.server.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("X-Control-Token", token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatal(err)
	}
}

func TestChannelLifecycle(t *testing.T) {
	h := newHarness(t, "")
	h.mock.MockChannel("abc123", "streamer")

	// Empty list to start.
	resp := h.do(t, http.MethodGet, "/channels", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /channels = %d", resp.StatusCode)
	}
	var list struct {
		Channels []recorder.ChannelStatus `json:"channels"`
	}
	decode(t, resp, &list)
	if len(list.Channels) != 0 {
		t.Fatalf("initial channels = %+v", list.Channels)
	}

	// Add.
	resp = h.do(t, http.MethodPost, "/channels", "", `{"channel_id":"abc123"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST /channels = %d", resp.StatusCode)
	}
	var added map[string]string
	decode(t, resp, &added)
	if added["channel_name"] != "streamer" {
		t.Errorf("added = %v", added)
	}

	// Duplicate add conflicts.
	resp = h.do(t, http.MethodPost, "/channels", "", `{"channel_id":"abc123"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate POST = %d, want 409", resp.StatusCode)
	}

	// Listed with idle state.
	resp = h.do(t, http.MethodGet, "/channels", "", "")
	decode(t, resp, &list)
	if len(list.Channels) != 1 || list.Channels[0].State != "idle" {
		t.Fatalf("channels = %+v", list.Channels)
	}

	// Remove.
	resp = h.do(t, http.MethodDelete, "/channels/abc123", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("DELETE = %d", resp.StatusCode)
	}
	resp = h.do(t, http.MethodDelete, "/channels/abc123", "", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second DELETE = %d, want 404", resp.StatusCode)
	}
}

func TestAddUnknownChannel(t *testing.T) {
	h := newHarness(t, "")
	h.mock.MockChannelMissing("nosuch")

	resp := h.do(t, http.MethodPost, "/channels", "", `{"channel_id":"nosuch"}`)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("POST unknown channel = %d, want 422", resp.StatusCode)
	}
	var body map[string]string
	decode(t, resp, &body)
	if body["error"] != "unknown_channel" {
		t.Errorf("error body = %v", body)
	}
}

func TestControlTokenGuardsMutations(t *testing.T) {
	h := newHarness(t, "sekrit")
	h.mock.MockChannel("abc123", "streamer")

	// Mutation without token is rejected.
	resp := h.do(t, http.MethodPost, "/channels", "", `{"channel_id":"abc123"}`)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated POST = %d, want 401", resp.StatusCode)
	}
	resp = h.do(t, http.MethodPost, "/channels", "wrong", `{"channel_id":"abc123"}`)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong-token POST = %d, want 401", resp.StatusCode)
	}

	// Reads stay open.
	resp = h.do(t, http.MethodGet, "/channels", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unauthenticated GET = %d, want 200", resp.StatusCode)
	}

	// Correct token passes.
	resp = h.do(t, http.MethodPost, "/channels", "sekrit", `{"channel_id":"abc123"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("authenticated POST = %d, want 201", resp.StatusCode)
	}
}

func TestDownloadEndpoints(t *testing.T) {
	h := newHarness(t, "")
	h.mock.MockVideo(12345, "old stream", "streamer", "2026-01-01 20:00:00")

	// Invalid URL.
	resp := h.do(t, http.MethodPost, "/downloads", "", `{"url":"https://example.com/nope"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid URL POST = %d, want 400", resp.StatusCode)
	}
	if h.launcher.StartCount() != 0 {
		t.Fatal("a process was spawned for an invalid URL")
	}

	// Valid request is accepted.
	resp = h.do(t, http.MethodPost, "/downloads", "", `{"url":"https://chzzk.naver.com/video/12345"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST /downloads = %d, want 202", resp.StatusCode)
	}
	var job download.Job
	decode(t, resp, &job)
	if job.ID == "" || job.Status != download.StatusRunning {
		t.Fatalf("job = %+v", job)
	}

	// Poll it.
	resp = h.do(t, http.MethodGet, "/downloads/"+job.ID, "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /downloads/{id} = %d", resp.StatusCode)
	}

	resp = h.do(t, http.MethodGet, "/downloads/nope", "", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("GET unknown job = %d, want 404", resp.StatusCode)
	}
}

func TestEventsSSE(t *testing.T) {
	h := newHarness(t, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.server.URL+"/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	// Wait for the subscription to be registered before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for h.hub.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}
	h.hub.Publish(notify.Event{Type: notify.EventRecordingStarted, ChannelID: "abc", ChannelName: "streamer"})

	reader := bufio.NewReader(resp.Body)
	var eventLine, dataLine string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("stream ended early: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		if strings.HasPrefix(line, "event: ") {
			eventLine = strings.TrimPrefix(line, "event: ")
		}
		if strings.HasPrefix(line, "data: ") {
			dataLine = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	if eventLine != "recording_started" {
		t.Errorf("event name = %q", eventLine)
	}
	var ev notify.Event
	if err := json.Unmarshal([]byte(dataLine), &ev); err != nil {
		t.Fatalf("data frame is not JSON: %v (%q)", err, dataLine)
	}
	if ev.ChannelID != "abc" {
		t.Errorf("event = %+v", ev)
	}
}

func TestStatusEndpoint(t *testing.T) {
	h := newHarness(t, "")
	resp := h.do(t, http.MethodGet, "/status", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /status = %d", resp.StatusCode)
	}
	var body map[string]any
	decode(t, resp, &body)
	for _, key := range []string{"channels", "active_recordings", "active_downloads"} {
		if _, ok := body[key]; !ok {
			t.Errorf("status body missing %q: %v", key, body)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, "")
	resp := h.do(t, http.MethodGet, "/metrics", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /metrics = %d", resp.StatusCode)
	}
}

func TestCorrelationIDHeader(t *testing.T) {
	h := newHarness(t, "")
	resp := h.do(t, http.MethodGet, "/channels", "", "")
	if resp.Header.Get("X-Correlation-ID") == "" {
		t.Error("X-Correlation-ID header missing")
	}
}
