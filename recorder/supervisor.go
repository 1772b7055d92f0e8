package recorder

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sw2719/multi-chzzk-recorder/chzzkapi"
	"github.com/sw2719/multi-chzzk-recorder/db"
	"github.com/sw2719/multi-chzzk-recorder/notify"
	"github.com/sw2719/multi-chzzk-recorder/registry"
	"github.com/sw2719/multi-chzzk-recorder/storage"
	"github.com/sw2719/multi-chzzk-recorder/telemetry"
)

// Prober answers whether a channel is currently live. *chzzkapi.Client
// implements it; tests substitute a fake.
type Prober interface {
	GetLiveDetail(ctx context.Context, channelID string) (chzzkapi.LiveStatus, error)
}

// Config tunes the supervisor loop.
type Config struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
	Session      SessionConfig
}

// Supervisor is the tick driver: every Interval it fans one probe + one
// transition check out per registered channel. It holds no channel state
// beyond the session map; the registry decides membership each cycle.
type Supervisor struct {
	reg      *registry.Registry
	prober   Prober
	launcher Launcher
	resolver *storage.Resolver
	hub      *notify.Hub
	dbc      *sql.DB // heartbeat kv writes; may be nil in tests
	cfg      Config
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewSupervisor(reg *registry.Registry, prober Prober, launcher Launcher, resolver *storage.Resolver, hub *notify.Hub, dbc *sql.DB, cfg Config) *Supervisor {
	s := &Supervisor{
		reg:      reg,
		prober:   prober,
		launcher: launcher,
		resolver: resolver,
		hub:      hub,
		dbc:      dbc,
		cfg:      cfg,
		logger:   slog.Default().With(slog.String("component", "supervisor")),
		sessions: make(map[string]*Session),
	}
	return s
}

// Run drives the poll loop until ctx is cancelled, then stops every active
// capture gracefully before returning.
func (s *Supervisor) Run(ctx context.Context) {
	s.logger.Info("check/record loop starting", slog.Duration("interval", s.cfg.Interval))
	// Kick an immediate run so we don't wait a full interval after boot.
	s.runCycle(ctx)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("shutting down, stopping active captures")
			s.StopAll()
			return
		case <-ticker.C:
			// Each cycle runs detached: a channel whose probe or spawn is slow
			// must not delay the next cycle for everyone else. Per-session
			// TryTick keeps transitions sequential within one channel.
			go s.runCycle(ctx)
		}
	}
}

func (s *Supervisor) runCycle(ctx context.Context) {
	start := time.Now()
	chans := s.reg.List()
	telemetry.MonitoredChannels.Set(float64(len(chans)))

	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range chans {
		ch := ch
		g.Go(func() error {
			s.tickChannel(gctx, ch)
			return nil
		})
	}
	_ = g.Wait()

	telemetry.CheckCycleDuration.Observe(time.Since(start).Seconds())
	if s.dbc != nil {
		// Heartbeat for /status and the front-end's liveness check.
		if err := db.SetKV(ctx, s.dbc, "last_cycle_at", time.Now().UTC().Format(time.RFC3339)); err != nil {
			s.logger.Warn("heartbeat write failed", slog.Any("err", err))
		}
	}
	if n := s.ActiveRecordings(); n > 0 {
		s.logger.Info("check cycle complete", slog.Int("recordings_in_progress", n), slog.Duration("duration", time.Since(start)))
	} else {
		s.logger.Debug("check cycle complete", slog.Duration("duration", time.Since(start)))
	}
}

func (s *Supervisor) tickChannel(ctx context.Context, ch registry.Channel) {
	sess := s.sessionFor(ch)
	if sess == nil {
		return
	}
	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()
	telemetry.ProbesTotal.Inc()
	st, err := s.prober.GetLiveDetail(probeCtx, ch.ID)
	if err != nil {
		telemetry.ProbeFailures.Inc()
	}
	sess.TryTick(ctx, st, err)
}

// sessionFor returns the channel's session, creating it lazily. Membership is
// re-checked against the registry under the session lock so a removal racing
// a poll can never resurrect a session for a removed channel.
func (s *Supervisor) sessionFor(ch registry.Channel) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[ch.ID]; ok {
		return sess
	}
	if _, ok := s.reg.Get(ch.ID); !ok {
		return nil
	}
	sess := newSession(sessionEnv{
		launcher: s.launcher,
		resolver: s.resolver,
		hub:      s.hub,
		cfg:      s.cfg.Session,
	}, ch)
	s.sessions[ch.ID] = sess
	return sess
}

// AddChannel registers a channel. It becomes eligible for polling starting
// the next cycle.
func (s *Supervisor) AddChannel(ctx context.Context, ch registry.Channel) error {
	if err := s.reg.Add(ctx, ch); err != nil {
		return err
	}
	if _, _, err := s.resolver.ChannelDir(ctx, ch.Name); err != nil {
		s.logger.Warn("could not create channel directory", slog.String("channel", ch.Name), slog.Any("err", err))
	}
	s.logger.Info("channel added", slog.String("channel_id", ch.ID), slog.String("channel", ch.Name))
	return nil
}

// RemoveChannel unregisters a channel and synchronously stops its capture if
// one is running. The call returns only once the subprocess has fully exited,
// so the caller's acknowledgement implies the capture is gone.
func (s *Supervisor) RemoveChannel(ctx context.Context, channelID string) (registry.Channel, error) {
	ch, err := s.reg.Remove(ctx, channelID)
	if err != nil {
		return registry.Channel{}, err
	}
	s.mu.Lock()
	sess := s.sessions[channelID]
	delete(s.sessions, channelID)
	s.mu.Unlock()
	if sess != nil {
		if err := sess.Stop(ctx); err != nil {
			return ch, err
		}
	}
	s.logger.Info("channel removed", slog.String("channel_id", ch.ID), slog.String("channel", ch.Name))
	return ch, nil
}

// StopAll terminates every active capture, used at shutdown.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = make(map[string]*Session)
	s.mu.Unlock()
	for _, sess := range sessions {
		_ = sess.Stop(context.Background())
	}
}

// ChannelStatus pairs a registered channel with its live recording state for
// list/status views.
type ChannelStatus struct {
	registry.Channel
	State     string `json:"state"`
	Recording bool   `json:"recording"`
}

// Snapshot returns all channels in insertion order with their current state.
func (s *Supervisor) Snapshot() []ChannelStatus {
	chans := s.reg.List()
	out := make([]ChannelStatus, 0, len(chans))
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range chans {
		st := StateIdle
		if sess, ok := s.sessions[ch.ID]; ok {
			st = sess.State()
		}
		out = append(out, ChannelStatus{Channel: ch, State: st.String(), Recording: st == StateRecording})
	}
	return out
}

// ActiveRecordings counts sessions currently in the recording state.
func (s *Supervisor) ActiveRecordings() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sess := range s.sessions {
		if sess.State() == StateRecording {
			n++
		}
	}
	return n
}
