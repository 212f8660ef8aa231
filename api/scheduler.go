/*
scheduler.go - Automated task escalation scheduler

PURPOSE:
  Periodically escalates open approval tasks whose deadline has passed:
  the hop is reassigned to the process's escalation user and a high
  urgency task replaces the overdue one.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on start
  - A failure on one task does not stop the pass; failures are logged
  - Escalation is idempotent per task, so overlapping runs are harmless

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewEscalationScheduler(handler.Tasks, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: EscalateTasks endpoint (manual escalation)
  - engine/task.go: TaskQueue.Escalate
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/approval-engine/engine"
)

// Escalator is the part of the task queue the scheduler drives.
type Escalator interface {
	Escalate(ctx context.Context, now time.Time) ([]engine.Task, error)
}

// EscalationScheduler handles automated escalation of overdue tasks.
type EscalationScheduler struct {
	Tasks         Escalator
	Logger        zerolog.Logger
	CheckInterval time.Duration
	Enabled       bool
	Clock         engine.Clock

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewEscalationScheduler creates a new scheduler.
func NewEscalationScheduler(tasks Escalator, log zerolog.Logger) *EscalationScheduler {
	return &EscalationScheduler{
		Tasks:         tasks,
		Logger:        log.With().Str("component", "escalation").Logger(),
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		Clock:         func() time.Time { return time.Now().UTC() },
		stop:          make(chan struct{}),
	}
}

// Start begins the scheduler.
func (es *EscalationScheduler) Start() {
	es.mu.Lock()
	defer es.mu.Unlock()

	if !es.Enabled {
		es.Logger.Info().Msg("disabled, not starting")
		return
	}
	if es.ticker != nil {
		return
	}

	es.ticker = time.NewTicker(es.CheckInterval)
	es.stop = make(chan struct{})
	es.wg.Add(1)

	go es.run()

	es.Logger.Info().Dur("interval", es.CheckInterval).Msg("started")
}

// Stop stops the scheduler and waits for an in-flight pass to finish.
func (es *EscalationScheduler) Stop() {
	es.mu.Lock()
	defer es.mu.Unlock()

	if es.ticker != nil {
		es.ticker.Stop()
		close(es.stop)
		es.wg.Wait()
		es.ticker = nil
		es.Logger.Info().Msg("stopped")
	}
}

func (es *EscalationScheduler) run() {
	defer es.wg.Done()

	// Run immediately on start
	es.checkAndEscalate()

	for {
		select {
		case <-es.ticker.C:
			es.checkAndEscalate()
		case <-es.stop:
			return
		}
	}
}

func (es *EscalationScheduler) checkAndEscalate() []engine.Task {
	ctx := context.Background()
	now := es.Clock()

	escalated, err := es.Tasks.Escalate(ctx, now)
	if err != nil {
		es.Logger.Error().Err(err).Int("escalated", len(escalated)).Msg("escalation pass had failures")
	}
	if len(escalated) > 0 {
		es.Logger.Info().Int("escalated", len(escalated)).Time("at", now).Msg("escalation pass completed")
	}
	return escalated
}

// RunNow triggers an immediate pass and returns the tasks it opened.
func (es *EscalationScheduler) RunNow() []engine.Task {
	return es.checkAndEscalate()
}

// GetNextRunTime returns when the next scheduled check will occur.
func (es *EscalationScheduler) GetNextRunTime() time.Time {
	return es.Clock().Add(es.CheckInterval)
}
