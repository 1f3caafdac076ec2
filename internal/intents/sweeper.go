package intents

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser supports both standard (5-field) and extended (6-field with seconds) cron expressions.
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ValidateSchedule reports whether schedule is a schedule the sweeper accepts.
func ValidateSchedule(schedule string) error {
	_, err := cronParser.Parse(schedule)
	return err
}

// DefaultSweepSchedule runs the sweep once a minute.
const DefaultSweepSchedule = "@every 1m"

// DefaultStuckAfter is how long an intent may stay executing before the
// sweeper reports it.
const DefaultStuckAfter = 10 * time.Minute

// SweepRecorder receives sweep results, typically for metrics.
type SweepRecorder interface {
	RecordSweep(expired int)
	RecordStuck(count int)
}

// SweeperConfig configures the background sweep.
type SweeperConfig struct {
	// Schedule is a cron expression or descriptor. Defaults to "@every 1m".
	Schedule string
	// StuckAfter is the executing age at which an intent is reported.
	StuckAfter time.Duration
	Logger     *slog.Logger
	Recorder   SweepRecorder
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// SweepReport summarizes one sweep run.
type SweepReport struct {
	Expired int
	Stuck   []string
}

// Sweeper periodically expires stale pending intents and reports intents
// stuck in executing. The lazy checks in the guard and resolver do not
// depend on it.
type Sweeper struct {
	store  Store
	config SweeperConfig
	logger *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// NewSweeper validates the schedule and returns a stopped sweeper.
func NewSweeper(store Store, config SweeperConfig) (*Sweeper, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	config.Schedule = strings.TrimSpace(config.Schedule)
	if config.Schedule == "" {
		config.Schedule = DefaultSweepSchedule
	}
	if _, err := cronParser.Parse(config.Schedule); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule: %w", err)
	}
	if config.StuckAfter <= 0 {
		config.StuckAfter = DefaultStuckAfter
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default().With("component", "intent-sweeper")
	}
	return &Sweeper{store: store, config: config, logger: logger}, nil
}

// Start schedules the sweep. Runs never overlap.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := c.AddFunc(s.config.Schedule, func() {
		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Error("intent sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	c.Start()
	s.cron = c

	s.logger.Info("starting intent sweeper",
		"schedule", s.config.Schedule,
		"stuck_after", s.config.StuckAfter,
	)
	return nil
}

// Stop cancels future runs and waits for a running sweep to finish or for
// ctx to end.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}

	select {
	case <-c.Stop().Done():
		s.logger.Info("intent sweeper stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce expires stale intents and lists stuck ones.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepReport, error) {
	now := s.config.Now()
	var report SweepReport

	expired, err := s.store.SweepExpired(ctx, now)
	if err != nil {
		return report, fmt.Errorf("sweep expired: %w", err)
	}
	report.Expired = expired
	if expired > 0 {
		s.logger.Info("expired pending intents", "count", expired)
	}

	stuck, err := s.store.ListStuck(ctx, s.config.StuckAfter, now)
	if err != nil {
		return report, fmt.Errorf("list stuck: %w", err)
	}
	for _, intent := range stuck {
		report.Stuck = append(report.Stuck, intent.ID)
		s.logger.Warn("intent stuck in executing",
			"intent_id", intent.ID,
			"session_id", intent.SessionID,
			"tool_name", intent.ToolName,
			"executing_at", intent.ExecutingAt,
		)
	}

	if s.config.Recorder != nil {
		s.config.Recorder.RecordSweep(expired)
		s.config.Recorder.RecordStuck(len(stuck))
	}
	return report, nil
}
