// Package scheduler runs two cooperating loops: a heartbeat writer and a
// cron loop that fires persisted jobs onto the event bus at most once per
// logical tick.
package scheduler

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sidekick-bot/sidekick/internal/bus"
	"github.com/sidekick-bot/sidekick/internal/config"
	"github.com/sidekick-bot/sidekick/internal/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

const cronTick = 30 * time.Second

// ErrDuplicateJob is returned by AddJob for a name already in use.
var ErrDuplicateJob = errors.New("job name already exists")

// Job is one persisted cron entry.
type Job struct {
	ID        int64
	Name      string
	CronExpr  string
	Action    string
	Enabled   bool
	LastRun   *time.Time
	CreatedAt time.Time
}

// Scheduler owns the jobs database and the two loops.
type Scheduler struct {
	db  *sql.DB
	bus *bus.Bus
	cfg config.Scheduler
	log *slog.Logger
	now func() time.Time

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Open opens (creating if needed) the scheduler database.
func Open(path string, cfg config.Scheduler, b *bus.Bus, log *slog.Logger) (*Scheduler, error) {
	db, err := store.Open(path, migrations)
	if err != nil {
		return nil, fmt.Errorf("open scheduler store: %w", err)
	}
	return &Scheduler{db: db, bus: b, cfg: cfg, log: log, now: time.Now}, nil
}

// Start checks for a stale heartbeat and spawns the two loops.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	s.checkStaleHeartbeat()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(2)
	go s.heartbeatLoop(ctx)
	go s.cronLoop(ctx)
	s.log.Info("scheduler started", "heartbeat_interval", s.cfg.HeartbeatInterval)
}

// Stop halts both loops and closes the database.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.db.Close()
}

// checkStaleHeartbeat warns when the previous run stopped beating without a
// clean shutdown.
func (s *Scheduler) checkStaleHeartbeat() {
	raw, err := os.ReadFile(s.cfg.HeartbeatFile)
	if err != nil {
		return
	}
	lastBeat, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
	if err != nil {
		return
	}
	age := float64(s.now().Unix()) - lastBeat
	if age > float64(s.cfg.HeartbeatInterval*3) {
		s.log.Warn("stale heartbeat detected", "age_seconds", age)
	}
}

func (s *Scheduler) heartbeatLoop(ctx context.Context) {
	defer s.wg.Done()
	interval := time.Duration(s.cfg.HeartbeatInterval) * time.Second
	for {
		s.writeHeartbeat()
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

func (s *Scheduler) writeHeartbeat() {
	if err := os.MkdirAll(filepath.Dir(s.cfg.HeartbeatFile), 0o755); err != nil {
		s.log.Error("heartbeat dir create failed", "err", err)
		return
	}
	ts := strconv.FormatFloat(float64(s.now().UnixNano())/1e9, 'f', 3, 64)
	if err := os.WriteFile(s.cfg.HeartbeatFile, []byte(ts), 0o644); err != nil {
		s.log.Error("heartbeat write failed", "err", err)
	}
}

func (s *Scheduler) cronLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(cronTick):
			if err := s.checkAndFire(ctx); err != nil {
				s.log.Error("cron loop error", "err", err)
			}
		}
	}
}

// checkAndFire enumerates enabled jobs and fires those whose next tick,
// computed from last_run (or now for a never-run job), has passed. last_run
// is persisted before the event is published so a crash cannot double-fire.
func (s *Scheduler) checkAndFire(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, cron_expr, action, last_run, created_at FROM jobs WHERE enabled = 1`)
	if err != nil {
		return fmt.Errorf("query jobs: %w", err)
	}

	type due struct {
		id       int64
		name     string
		cronExpr string
		action   string
	}
	now := s.now().UTC()
	var fire []due

	for rows.Next() {
		var (
			id              int64
			name, expr, act string
			lastRun         sql.NullString
			createdAt       string
		)
		if err := rows.Scan(&id, &name, &expr, &act, &lastRun, &createdAt); err != nil {
			rows.Close()
			return err
		}

		sched, err := cron.ParseStandard(expr)
		if err != nil {
			s.log.Error("invalid cron expression in store", "job", name, "expr", expr)
			continue
		}

		// A never-run job counts from its creation time; otherwise a job
		// whose base is always "now" would never come due.
		base := now
		if lastRun.Valid {
			if t, err := time.Parse(time.RFC3339Nano, lastRun.String); err == nil {
				base = t
			}
		} else if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			base = t
		}
		if !sched.Next(base).After(now) {
			fire = append(fire, due{id, name, expr, act})
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, j := range fire {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE jobs SET last_run = ? WHERE id = ?`,
			now.Format(time.RFC3339Nano), j.id); err != nil {
			return fmt.Errorf("update last_run for %s: %w", j.name, err)
		}
		s.log.Info("cron job firing", "job", j.name)
		s.bus.Publish(bus.NewSchedulerTrigger(&bus.SchedulerTrigger{
			JobID:    j.id,
			JobName:  j.name,
			CronExpr: j.cronExpr,
			Action:   j.action,
		}))
	}
	return nil
}

// AddJob validates the cron expression and inserts the job. Names are
// unique.
func (s *Scheduler) AddJob(ctx context.Context, name, cronExpr, action string) (*Job, error) {
	if _, err := cron.ParseStandard(cronExpr); err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}

	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (name, cron_expr, action, created_at) VALUES (?, ?, ?, ?)`,
		name, cronExpr, action, now.Format(time.RFC3339Nano))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, name)
		}
		return nil, fmt.Errorf("insert job: %w", err)
	}
	id, _ := res.LastInsertId()
	return &Job{
		ID:        id,
		Name:      name,
		CronExpr:  cronExpr,
		Action:    action,
		Enabled:   true,
		CreatedAt: now,
	}, nil
}

// RemoveJob deletes a job by name, reporting whether it existed.
func (s *Scheduler) RemoveJob(ctx context.Context, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("delete job %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListJobs returns every job, enabled or not.
func (s *Scheduler) ListJobs(ctx context.Context) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, cron_expr, action, enabled, last_run, created_at FROM jobs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		var (
			j         Job
			enabled   int
			lastRun   sql.NullString
			createdAt string
		)
		if err := rows.Scan(&j.ID, &j.Name, &j.CronExpr, &j.Action, &enabled, &lastRun, &createdAt); err != nil {
			return nil, err
		}
		j.Enabled = enabled != 0
		if lastRun.Valid {
			if t, err := time.Parse(time.RFC3339Nano, lastRun.String); err == nil {
				j.LastRun = &t
			}
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			j.CreatedAt = t
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
