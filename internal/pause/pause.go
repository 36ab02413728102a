// Package pause holds the process-wide suspend flag for autonomous
// behaviors. Direct human messages bypass it; scheduler and webhook triggers
// are queued while paused and drained on resume.
package pause

import (
	"log/slog"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/sidekick-bot/sidekick/internal/bus"
)

var durationRe = regexp.MustCompile(`(?i)^(?:(\d+)h)?(?:(\d+)m)?(?:(\d+)s)?$`)

// ParseDuration accepts "<H>h<M>m<S>s" in any combination ("2h", "30m",
// "1h30m15s") and returns total seconds. ok is false for anything else,
// including the empty string.
func ParseDuration(text string) (seconds int, ok bool) {
	m := durationRe.FindStringSubmatch(text)
	if m == nil || (m[1] == "" && m[2] == "" && m[3] == "") {
		return 0, false
	}
	h, _ := strconv.Atoi(zeroEmpty(m[1]))
	mins, _ := strconv.Atoi(zeroEmpty(m[2]))
	s, _ := strconv.Atoi(zeroEmpty(m[3]))
	return h*3600 + mins*60 + s, true
}

func zeroEmpty(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

// Gate is the pause flag plus the buffer of deferred events.
type Gate struct {
	mu     sync.Mutex
	paused bool
	queued []bus.Event
	timer  *time.Timer
	log    *slog.Logger
}

// NewGate returns an unpaused gate.
func NewGate(log *slog.Logger) *Gate {
	return &Gate{log: log}
}

// IsPaused reports the current state.
func (g *Gate) IsPaused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// Pause sets the flag. A positive duration schedules an auto-resume;
// zero or negative pauses indefinitely. Pausing again replaces any pending
// auto-resume.
func (g *Gate) Pause(duration time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.paused = true
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	if duration > 0 {
		g.timer = time.AfterFunc(duration, func() {
			n := g.Resume()
			g.log.Info("auto resumed", "queued_events", n)
		})
	}
	g.log.Info("paused", "duration", duration.String())
}

// Resume clears the flag, cancels any pending auto-resume, and returns the
// number of buffered events. The buffer itself is left for DrainQueue.
func (g *Gate) Resume() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	g.paused = false
	n := len(g.queued)
	g.log.Info("resumed", "queued_events", n)
	return n
}

// QueueEvent buffers an autonomous event for delivery after resume.
func (g *Gate) QueueEvent(ev bus.Event) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queued = append(g.queued, ev)
}

// QueuedCount reports how many events are buffered.
func (g *Gate) QueuedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queued)
}

// DrainQueue returns the buffered events in arrival order and clears the
// buffer.
func (g *Gate) DrainQueue() []bus.Event {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := g.queued
	g.queued = nil
	return out
}
