package output

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	defaultSweepSchedule = "@every 15m"
	defaultMaxAge        = time.Hour
)

// SweeperConfig configures the spool sweeper.
type SweeperConfig struct {
	Dir      string        // Spool directory. Required.
	Schedule string        // Cron spec or descriptor. Empty = "@every 15m".
	MaxAge   time.Duration // Files older than this are removed. Zero = 1h.
}

// Sweeper removes artifacts orphaned in the spool directory, e.g. by a crash
// between creation and disposal. Only "*.txt" files are considered.
// Other housekeeping can ride on the same schedule with AddTask.
type Sweeper struct {
	dir      string
	schedule string
	maxAge   time.Duration
	logger   *slog.Logger
	tasks    []task
}

type task struct {
	name string
	run  func() int
}

// NewSweeper creates a sweeper.
func NewSweeper(cfg SweeperConfig, logger *slog.Logger) *Sweeper {
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = defaultSweepSchedule
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}
	return &Sweeper{
		dir:      cfg.Dir,
		schedule: schedule,
		maxAge:   maxAge,
		logger:   logger,
	}
}

// AddTask runs fn after every scheduled sweep. fn returns how many items it
// cleaned up, for logging. Tasks must be added before Start.
func (s *Sweeper) AddTask(name string, fn func() int) {
	s.tasks = append(s.tasks, task{name: name, run: fn})
}

// Start schedules periodic sweeps and returns a stop function. The first
// sweep runs immediately.
func (s *Sweeper) Start(ctx context.Context) (func(), error) {
	c := cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))
	if _, err := c.AddFunc(s.schedule, s.tick); err != nil {
		return nil, err
	}

	s.Sweep(time.Now())
	c.Start()
	s.logger.InfoContext(ctx, "spool sweeper started",
		slog.String("dir", s.dir),
		slog.String("schedule", s.schedule),
		slog.Duration("max_age", s.maxAge),
		slog.Int("tasks", len(s.tasks)),
	)

	return func() {
		<-c.Stop().Done()
		s.logger.Info("spool sweeper stopped")
	}, nil
}

func (s *Sweeper) tick() {
	s.Sweep(time.Now())
	for _, t := range s.tasks {
		if n := t.run(); n > 0 {
			s.logger.Debug("housekeeping", slog.String("task", t.name), slog.Int("cleaned", n))
		}
	}
}

// Sweep removes spool files last modified before now minus the max age and
// returns how many were removed.
func (s *Sweeper) Sweep(now time.Time) int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Warn("reading spool dir",
			slog.String("dir", s.dir),
			slog.String("error", err.Error()),
		)
		return 0
	}

	cutoff := now.Add(-s.maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".txt") {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		if err := os.Remove(path); err != nil {
			s.logger.Warn("removing orphaned artifact",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("orphaned artifacts removed", slog.Int("count", removed))
	}
	return removed
}
