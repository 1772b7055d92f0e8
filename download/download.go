// Package download runs one-shot yt-dlp archive jobs for past chzzk
// broadcasts. Jobs are fire-and-forget: a job either succeeds or fails once,
// with no retry, and its outcome is published as a notification.
package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sw2719/multi-chzzk-recorder/chzzkapi"
	"github.com/sw2719/multi-chzzk-recorder/notify"
	"github.com/sw2719/multi-chzzk-recorder/recorder"
	"github.com/sw2719/multi-chzzk-recorder/storage"
	"github.com/sw2719/multi-chzzk-recorder/telemetry"
)

// ErrInvalidURL is returned when the source URL is not a chzzk video URL.
var ErrInvalidURL = errors.New("not a chzzk video URL")

// ErrJobNotFound is returned by GetJob for unknown job IDs.
var ErrJobNotFound = errors.New("job not found")

// Job status values.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Job is one archive download.
type Job struct {
	ID         string     `json:"job_id"`
	SourceURL  string     `json:"source_url"`
	Quality    string     `json:"quality"`
	OutputPath string     `json:"output_path"`
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// JobStore persists job rows. The Postgres implementation lives in
// pgstore.go; tests use an in-memory fake.
type JobStore interface {
	Insert(ctx context.Context, j Job) error
	Finish(ctx context.Context, id, status, errMsg string, finishedAt time.Time) error
	Get(ctx context.Context, id string) (Job, error)
}

// VideoGetter fetches past-broadcast metadata for output naming.
// *chzzkapi.Client implements it.
type VideoGetter interface {
	GetVideo(ctx context.Context, videoNo int) (chzzkapi.Video, error)
}

// Config tunes the download manager.
type Config struct {
	DefaultQuality string
	FileFormat     string // VOD filename template
	TimeFormat     string // Go time layout for template timestamps
}

// Manager accepts download requests, spawns yt-dlp, and reports each job's
// terminal outcome exactly once.
type Manager struct {
	launcher recorder.Launcher
	resolver *storage.Resolver
	hub      *notify.Hub
	videos   VideoGetter
	store    JobStore
	cfg      Config
	logger   *slog.Logger

	mu     sync.Mutex
	active map[string]*Job
}

func NewManager(launcher recorder.Launcher, resolver *storage.Resolver, hub *notify.Hub, videos VideoGetter, store JobStore, cfg Config) *Manager {
	return &Manager{
		launcher: launcher,
		resolver: resolver,
		hub:      hub,
		videos:   videos,
		store:    store,
		cfg:      cfg,
		logger:   slog.Default().With(slog.String("component", "download")),
		active:   make(map[string]*Job),
	}
}

// Start validates the request, spawns yt-dlp, and returns the created job.
// The subprocess runs to completion in the background; no process is spawned
// when the URL or quality is rejected.
func (m *Manager) Start(ctx context.Context, sourceURL, quality string) (Job, error) {
	videoNo, ok := chzzkapi.ParseVideoURL(sourceURL)
	if !ok {
		return Job{}, fmt.Errorf("%w: %q", ErrInvalidURL, sourceURL)
	}
	if quality == "" {
		quality = m.cfg.DefaultQuality
	}

	video, err := m.videos.GetVideo(ctx, videoNo)
	if err != nil {
		return Job{}, fmt.Errorf("fetch video %d: %w", videoNo, err)
	}

	dir, fallback, err := m.resolver.ChannelDir(ctx, video.ChannelName)
	if err != nil {
		return Job{}, fmt.Errorf("resolve output dir: %w", err)
	}
	if fallback {
		m.logger.Warn("save directory unavailable, downloading to fallback", slog.String("dir", dir))
	}

	now := time.Now()
	name := storage.ResolveTemplate(m.cfg.FileFormat, map[string]string{
		"username":         video.ChannelName,
		"escaped_title":    storage.SanitizeTitle(video.Title),
		"stream_started":   video.StreamedAt.Format(m.cfg.TimeFormat),
		"uploaded":         video.PublishedAt.Format(m.cfg.TimeFormat),
		"download_started": now.Format(m.cfg.TimeFormat),
	})
	outPath := storage.UniquePath(filepath.Join(dir, name))

	job := Job{
		ID:         uuid.NewString(),
		SourceURL:  sourceURL,
		Quality:    quality,
		OutputPath: outPath,
		Status:     StatusRunning,
		CreatedAt:  now,
	}
	if err := m.store.Insert(ctx, job); err != nil {
		return Job{}, fmt.Errorf("persist job: %w", err)
	}

	handle, err := m.launcher.Start(ctx, "yt-dlp", "-f", quality, "-o", outPath, sourceURL)
	if err != nil {
		m.finish(job, fmt.Errorf("spawn yt-dlp: %w", err))
		return Job{}, fmt.Errorf("spawn yt-dlp: %w", err)
	}

	m.mu.Lock()
	m.active[job.ID] = &job
	m.mu.Unlock()
	telemetry.DownloadsStarted.Inc()
	telemetry.ActiveDownloads.Inc()
	m.logger.Info("download started",
		slog.String("job_id", job.ID),
		slog.String("url", sourceURL),
		slog.String("quality", quality),
		slog.String("path", outPath))

	go m.watch(job, video, handle)
	return job, nil
}

// watch waits for the subprocess and records the job's single terminal
// outcome.
func (m *Manager) watch(job Job, video chzzkapi.Video, handle recorder.Handle) {
	start := time.Now()
	<-handle.Done()
	telemetry.DownloadDuration.Observe(time.Since(start).Seconds())
	telemetry.ActiveDownloads.Dec()

	m.mu.Lock()
	delete(m.active, job.ID)
	m.mu.Unlock()

	err := handle.Err()
	m.finish(job, err)

	ev := notify.Event{
		At:          time.Now(),
		JobID:       job.ID,
		ChannelName: video.ChannelName,
		Title:       video.Title,
		Path:        job.OutputPath,
	}
	if err == nil {
		telemetry.DownloadsSucceeded.Inc()
		ev.Type = notify.EventDownloadCompleted
		if fi, statErr := os.Stat(job.OutputPath); statErr == nil {
			ev.FileSize = storage.HumanSize(fi.Size())
		}
		m.logger.Info("download completed", slog.String("job_id", job.ID), slog.String("path", job.OutputPath))
	} else {
		telemetry.DownloadsFailed.Inc()
		ev.Type = notify.EventDownloadFailed
		ev.Message = err.Error()
		m.logger.Error("download failed", slog.String("job_id", job.ID), slog.Any("err", err))
	}
	m.hub.Publish(ev)
}

// finish writes the terminal status to the store. Store failures are logged
// but do not change the job's outcome.
func (m *Manager) finish(job Job, jobErr error) {
	status := StatusSucceeded
	errMsg := ""
	if jobErr != nil {
		status = StatusFailed
		errMsg = jobErr.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.store.Finish(ctx, job.ID, status, errMsg, time.Now()); err != nil {
		m.logger.Error("could not persist job outcome", slog.String("job_id", job.ID), slog.Any("err", err))
	}
}

// GetJob returns a job by ID, consulting running jobs first so callers see
// the live status without a store round trip.
func (m *Manager) GetJob(ctx context.Context, id string) (Job, error) {
	m.mu.Lock()
	if j, ok := m.active[id]; ok {
		job := *j
		m.mu.Unlock()
		return job, nil
	}
	m.mu.Unlock()
	return m.store.Get(ctx, id)
}

// Active returns the count of jobs currently running.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}
