// Package maintenance owns the hub's periodic background work: retention
// cleanup of old sessions and deltas, awareness staleness sweeps, and
// last-seen refreshes for live sessions.
package maintenance

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/synckit-io/hub/internal/awareness"
	"github.com/synckit-io/hub/internal/storage"
)

// SessionLister reports the session ids of currently live connections.
// The connection manager implements it.
type SessionLister interface {
	SessionIDs() []string
}

// Config controls what the janitor runs and how often.
type Config struct {
	// CleanupSchedule is a cron spec for the retention job, e.g.
	// "@every 1h".
	CleanupSchedule string
	SessionMaxAge   time.Duration
	DeltaMaxAge     time.Duration

	// AwarenessTTL bounds how long a silent client stays visible; the
	// sweep runs at half this interval. Zero disables the sweep.
	AwarenessTTL time.Duration

	// SessionRefreshInterval is how often live sessions get their
	// last-seen bumped. Zero disables the refresh.
	SessionRefreshInterval time.Duration
}

// Janitor schedules the periodic work. Start it once; Stop waits for
// in-flight jobs.
type Janitor struct {
	storage   storage.Adapter
	awareness awareness.Store
	sessions  SessionLister
	logger    zerolog.Logger
	cfg       Config
	now       func() time.Time

	cron   *cron.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewJanitor wires the janitor's collaborators.
func NewJanitor(store storage.Adapter, aw awareness.Store, sessions SessionLister, cfg Config, logger zerolog.Logger) *Janitor {
	return &Janitor{
		storage:   store,
		awareness: aw,
		sessions:  sessions,
		logger:    logger.With().Str("component", "janitor").Logger(),
		cfg:       cfg,
		now:       time.Now,
	}
}

// Start schedules the cleanup cron and launches the sweep and refresh
// loops. The loops stop when ctx is canceled or Stop is called.
func (j *Janitor) Start(ctx context.Context) error {
	ctx, j.cancel = context.WithCancel(ctx)

	j.cron = cron.New()
	if j.cfg.CleanupSchedule != "" {
		if _, err := j.cron.AddFunc(j.cfg.CleanupSchedule, func() { j.RunCleanup(ctx) }); err != nil {
			return err
		}
	}
	j.cron.Start()

	if j.cfg.AwarenessTTL > 0 {
		j.wg.Add(1)
		go j.loop(ctx, j.cfg.AwarenessTTL/2, j.SweepAwareness)
	}
	if j.cfg.SessionRefreshInterval > 0 {
		j.wg.Add(1)
		go j.loop(ctx, j.cfg.SessionRefreshInterval, j.RefreshSessions)
	}
	return nil
}

// Stop cancels the loops and waits for the cron's in-flight jobs.
func (j *Janitor) Stop() {
	if j.cancel != nil {
		j.cancel()
	}
	if j.cron != nil {
		<-j.cron.Stop().Done()
	}
	j.wg.Wait()
}

func (j *Janitor) loop(ctx context.Context, interval time.Duration, job func(context.Context)) {
	defer j.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			job(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunCleanup removes sessions and deltas past their retention age.
func (j *Janitor) RunCleanup(ctx context.Context) {
	result, err := j.storage.Cleanup(ctx, storage.CleanupOptions{
		SessionMaxAge: j.cfg.SessionMaxAge,
		DeltaMaxAge:   j.cfg.DeltaMaxAge,
	})
	if err != nil {
		j.logger.Error().Err(err).Msg("cleanup failed")
		return
	}
	if result.SessionsDeleted > 0 || result.DeltasDeleted > 0 {
		j.logger.Info().
			Int("sessions", result.SessionsDeleted).
			Int("deltas", result.DeltasDeleted).
			Msg("cleanup removed stale rows")
	}
}

// SweepAwareness evicts awareness entries whose last update is older
// than the TTL.
func (j *Janitor) SweepAwareness(ctx context.Context) {
	removed, err := j.awareness.Sweep(ctx, j.now(), j.cfg.AwarenessTTL)
	if err != nil {
		j.logger.Error().Err(err).Msg("awareness sweep failed")
		return
	}
	if removed > 0 {
		j.logger.Debug().Int("removed", removed).Msg("awareness sweep")
	}
}

// RefreshSessions bumps last-seen for every live session so retention
// cleanup only ever removes sessions of departed clients.
func (j *Janitor) RefreshSessions(ctx context.Context) {
	now := j.now()
	for _, id := range j.sessions.SessionIDs() {
		if err := j.storage.UpdateSessionLastSeen(ctx, id, now); err != nil {
			j.logger.Warn().Err(err).Str("sessionId", id).Msg("session refresh failed")
		}
	}
}
