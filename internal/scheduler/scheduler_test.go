package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sidekick-bot/sidekick/internal/bus"
	"github.com/sidekick-bot/sidekick/internal/config"
)

func readHeartbeat(path string) (float64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func open(t *testing.T, b *bus.Bus) *Scheduler {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Scheduler{
		HeartbeatInterval: 30,
		HeartbeatFile:     filepath.Join(dir, "heartbeat"),
		Enabled:           true,
	}
	s, err := Open(filepath.Join(dir, "scheduler.db"), cfg, b, discard())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.db.Close() })
	return s
}

func TestAddListRemove(t *testing.T) {
	s := open(t, bus.New(discard()))
	ctx := context.Background()

	job, err := s.AddJob(ctx, "nightly", "0 2 * * *", "run the backup")
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if job.ID == 0 || !job.Enabled {
		t.Fatalf("job = %+v", job)
	}

	jobs, err := s.ListJobs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 || jobs[0].Name != "nightly" || jobs[0].LastRun != nil {
		t.Fatalf("jobs = %+v", jobs)
	}

	ok, err := s.RemoveJob(ctx, "nightly")
	if err != nil || !ok {
		t.Fatalf("remove: ok=%v err=%v", ok, err)
	}
	ok, _ = s.RemoveJob(ctx, "nightly")
	if ok {
		t.Fatal("second remove should report false")
	}
}

func TestAddJobValidation(t *testing.T) {
	s := open(t, bus.New(discard()))
	ctx := context.Background()

	if _, err := s.AddJob(ctx, "bad", "not a cron", "x"); err == nil {
		t.Fatal("expected invalid expression error")
	}

	if _, err := s.AddJob(ctx, "dup", "* * * * *", "x"); err != nil {
		t.Fatal(err)
	}
	_, err := s.AddJob(ctx, "dup", "* * * * *", "y")
	if !errors.Is(err, ErrDuplicateJob) {
		t.Fatalf("expected ErrDuplicateJob, got %v", err)
	}
}

func TestCheckAndFire(t *testing.T) {
	b := bus.New(discard())
	var mu sync.Mutex
	var fired []string
	b.Subscribe(bus.KindSchedulerTrigger, "test", func(_ context.Context, ev bus.Event) error {
		mu.Lock()
		defer mu.Unlock()
		fired = append(fired, ev.Scheduler.JobName)
		return nil
	})
	b.Start()
	defer b.Stop()

	s := open(t, b)
	ctx := context.Background()

	base := time.Date(2026, 8, 24, 12, 0, 30, 0, time.UTC)
	s.now = func() time.Time { return base }

	if _, err := s.AddJob(ctx, "minutely", "* * * * *", "say hi"); err != nil {
		t.Fatal(err)
	}

	// Never-run job: next tick from its creation time is 12:01:00, still in
	// the future.
	if err := s.checkAndFire(ctx); err != nil {
		t.Fatal(err)
	}

	// Advance past the tick.
	s.now = func() time.Time { return base.Add(time.Minute) }
	if err := s.checkAndFire(ctx); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(fired)
		mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 1 firing, got %d", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Same instant again: last_run advanced, so no second fire.
	if err := s.checkAndFire(ctx); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	n := len(fired)
	mu.Unlock()
	if n != 1 {
		t.Fatalf("job double-fired: %d", n)
	}

	jobs, _ := s.ListJobs(ctx)
	if jobs[0].LastRun == nil {
		t.Fatal("last_run not persisted")
	}
}

func TestLastRunAdvancesMonotonically(t *testing.T) {
	b := bus.New(discard())
	s := open(t, b)
	ctx := context.Background()

	base := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	if _, err := s.AddJob(ctx, "m", "* * * * *", "a"); err != nil {
		t.Fatal(err)
	}
	var prev *time.Time
	for i := 1; i <= 3; i++ {
		tick := base.Add(time.Duration(i) * time.Minute)
		s.now = func() time.Time { return tick }
		if err := s.checkAndFire(ctx); err != nil {
			t.Fatal(err)
		}
		jobs, _ := s.ListJobs(ctx)
		lr := jobs[0].LastRun
		if lr == nil {
			t.Fatalf("tick %d: last_run missing", i)
		}
		if prev != nil && !lr.After(*prev) {
			t.Fatalf("last_run did not advance: %v -> %v", prev, lr)
		}
		prev = lr
	}
}

func TestHeartbeatWrite(t *testing.T) {
	s := open(t, bus.New(discard()))
	s.writeHeartbeat()

	raw, err := readHeartbeat(s.cfg.HeartbeatFile)
	if err != nil {
		t.Fatalf("heartbeat not written: %v", err)
	}
	if time.Since(time.Unix(int64(raw), 0)) > time.Minute {
		t.Fatalf("heartbeat timestamp implausible: %f", raw)
	}
}
