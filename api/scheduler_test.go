package api

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/approval-engine/engine"
)

type fakeEscalator struct {
	mu    sync.Mutex
	calls []time.Time
	tasks []engine.Task
	err   error
}

func (f *fakeEscalator) Escalate(_ context.Context, now time.Time) ([]engine.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, now)
	return f.tasks, f.err
}

func (f *fakeEscalator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestScheduler_RunNow(t *testing.T) {
	at := time.Date(2025, 3, 20, 8, 0, 0, 0, time.UTC)
	fake := &fakeEscalator{tasks: []engine.Task{{ID: 7, Urgency: engine.UrgencyHigh}}}
	es := NewEscalationScheduler(fake, zerolog.Nop())
	es.Clock = func() time.Time { return at }

	got := es.RunNow()

	require.Len(t, got, 1)
	assert.Equal(t, engine.TaskID(7), got[0].ID)
	assert.Equal(t, []time.Time{at}, fake.calls)
	assert.Equal(t, at.Add(time.Hour), es.GetNextRunTime())
}

func TestScheduler_RunNow_PartialFailure(t *testing.T) {
	fake := &fakeEscalator{tasks: []engine.Task{{ID: 1}}, err: errors.New("hop 9 is stale")}
	es := NewEscalationScheduler(fake, zerolog.Nop())

	got := es.RunNow()

	assert.Len(t, got, 1)
}

func TestScheduler_StartRunsImmediatelyAndStops(t *testing.T) {
	fake := &fakeEscalator{}
	es := NewEscalationScheduler(fake, zerolog.Nop())
	es.CheckInterval = time.Hour

	es.Start()
	es.Start() // second start is a no-op
	require.Eventually(t, func() bool { return fake.callCount() == 1 }, time.Second, 5*time.Millisecond)

	es.Stop()
	es.Stop()
	assert.Equal(t, 1, fake.callCount())

	// A stopped scheduler can start again
	es.Start()
	require.Eventually(t, func() bool { return fake.callCount() == 2 }, time.Second, 5*time.Millisecond)
	es.Stop()
}

func TestScheduler_Disabled(t *testing.T) {
	fake := &fakeEscalator{}
	es := NewEscalationScheduler(fake, zerolog.Nop())
	es.Enabled = false

	es.Start()
	time.Sleep(20 * time.Millisecond)
	es.Stop()

	assert.Zero(t, fake.callCount())
}
