/*
task.go - Materialized work items for approvers

PURPOSE:
  A Task is what shows up in an approver's inbox. The chain opens one
  every time a hop becomes Pending and closes it when the hop resolves,
  so exactly one open task exists per (document, active hop).

OVERDUE AND ESCALATION:
  A task is overdue when its deadline has passed and it is still open.
  Escalate hands each overdue task's hop to the owning process's
  escalation user: the hop stays Pending at the same order, the old task
  is closed and a high-urgency task is opened for the escalation user.
  Escalation is not a hop status.

SEE ALSO:
  - chain.go: Opens and closes tasks as hops move
  - api/scheduler.go: Runs Escalate on a ticker
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// =============================================================================
// TYPES
// =============================================================================

type TaskUrgency string

const (
	UrgencyNormal TaskUrgency = "normal"
	UrgencyHigh   TaskUrgency = "high"
)

type Task struct {
	ID            TaskID
	ProcessID     ProcessID
	ProcessStepID ProcessStepID
	HopID         HopID
	Document      DocumentRef
	AssignedFrom  UserID
	AssignedTo    UserID
	AssignedAt    time.Time
	Deadline      *time.Time
	Urgency       TaskUrgency
	Read          bool
	ClosedAt      *time.Time
}

func (t Task) IsOpen() bool { return t.ClosedAt == nil }

// IsOverdue reports whether the task is open with a deadline before now.
func (t Task) IsOverdue(now time.Time) bool {
	return t.IsOpen() && t.Deadline != nil && t.Deadline.Before(now)
}

// =============================================================================
// TASK QUEUE
// =============================================================================

type TaskQueue struct {
	Store     TxStore
	Publisher Publisher
	Logger    zerolog.Logger
	Clock     Clock
}

func NewTaskQueue(store TxStore, pub Publisher, logger zerolog.Logger) *TaskQueue {
	return &TaskQueue{Store: store, Publisher: pub, Logger: logger, Clock: systemClock}
}

// Open creates a task for a Pending hop that has none. The chain opens
// tasks itself; this is for re-materializing a task that was closed by
// hand while its hop is still waiting.
func (q *TaskQueue) Open(ctx context.Context, hopID HopID, deadline *time.Time) (Task, error) {
	now := q.Clock()
	var t Task
	var events []Event
	err := q.Store.WithTx(ctx, func(s Store) error {
		hop, err := s.GetHop(ctx, hopID)
		if err != nil {
			return err
		}
		if hop.Status != HopPending {
			return &StaleHopError{HopID: hop.ID, Status: hop.Status}
		}
		open, err := s.ListOpenTasksForHop(ctx, hop.ID)
		if err != nil {
			return err
		}
		if len(open) > 0 {
			return &ConflictError{Reason: fmt.Sprintf("hop %d already has open task %d", hop.ID, open[0].ID)}
		}
		chain, err := s.GetChain(ctx, hop.ChainID)
		if err != nil {
			return err
		}
		t, err = openTask(ctx, s, chain, hop, hop.AssignedFrom, deadline, UrgencyNormal, now)
		if err != nil {
			return err
		}
		events = append(events, taskCreated(chain, hop, t, now))
		return nil
	})
	if err != nil {
		return Task{}, err
	}
	publishAll(ctx, q.Publisher, q.Logger, events)
	return t, nil
}

// Close marks a task read and closed. Closing a closed task is a no-op.
func (q *TaskQueue) Close(ctx context.Context, id TaskID) (Task, error) {
	var t Task
	err := q.Store.WithTx(ctx, func(s Store) error {
		var err error
		if t, err = s.GetTask(ctx, id); err != nil {
			return err
		}
		if !t.IsOpen() {
			return nil
		}
		t = closeTask(t, q.Clock())
		return s.UpdateTask(ctx, t)
	})
	return t, err
}

// Overdue returns the open tasks whose deadline is before now, oldest
// deadline first.
func (q *TaskQueue) Overdue(ctx context.Context, now time.Time) ([]Task, error) {
	open, err := q.Store.ListOpenTasks(ctx)
	if err != nil {
		return nil, err
	}
	var out []Task
	for _, t := range open {
		if t.IsOverdue(now) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Deadline.Equal(*out[j].Deadline) {
			return out[i].Deadline.Before(*out[j].Deadline)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ForUser returns the tasks addressed to a user, open ones first.
func (q *TaskQueue) ForUser(ctx context.Context, userID UserID) ([]Task, error) {
	tasks, err := q.Store.ListTasksForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].IsOpen() && !tasks[j].IsOpen() })
	return tasks, nil
}

// Escalate reassigns every overdue task's hop to its process's escalation
// user. Each task is escalated in its own transaction; one failure does
// not stop the others. Returns the newly opened tasks.
func (q *TaskQueue) Escalate(ctx context.Context, now time.Time) ([]Task, error) {
	overdue, err := q.Overdue(ctx, now)
	if err != nil {
		return nil, err
	}

	var escalated []Task
	var errs []error
	for _, t := range overdue {
		nt, ok, err := q.escalateOne(ctx, t.ID, now)
		if err != nil {
			q.Logger.Error().Err(err).Int64("task_id", int64(t.ID)).Msg("escalation failed")
			errs = append(errs, err)
			continue
		}
		if ok {
			escalated = append(escalated, nt)
		}
	}
	return escalated, errors.Join(errs...)
}

func (q *TaskQueue) escalateOne(ctx context.Context, id TaskID, now time.Time) (Task, bool, error) {
	var nt Task
	var escalated bool
	var events []Event
	err := q.Store.WithTx(ctx, func(s Store) error {
		t, err := s.GetTask(ctx, id)
		if err != nil {
			return err
		}
		if !t.IsOverdue(now) {
			return nil
		}
		process, err := s.GetProcess(ctx, t.ProcessID)
		if err != nil {
			return err
		}
		if process.EscalationUserID == nil || *process.EscalationUserID == t.AssignedTo {
			q.Logger.Debug().Int64("task_id", int64(t.ID)).Int64("process_id", int64(process.ID)).
				Msg("overdue task has nobody to escalate to")
			return nil
		}
		hop, err := s.GetHop(ctx, t.HopID)
		if err != nil {
			return err
		}
		if hop.Status != HopPending {
			return nil
		}

		from := hop.AssignedTo
		hop.AssignedFrom = from
		hop.AssignedTo = *process.EscalationUserID
		ok, err := s.UpdatePendingHop(ctx, hop)
		if err != nil {
			return err
		}
		if !ok {
			current, err := s.GetHop(ctx, hop.ID)
			if err != nil {
				return err
			}
			return &StaleHopError{HopID: hop.ID, Status: current.Status}
		}
		if err := s.UpdateTask(ctx, closeTask(t, now)); err != nil {
			return err
		}
		step, err := s.GetProcessStep(ctx, hop.ProcessStepID)
		if err != nil {
			return err
		}
		chain, err := s.GetChain(ctx, hop.ChainID)
		if err != nil {
			return err
		}
		nt, err = openTask(ctx, s, chain, hop, from, step.Deadline(now), UrgencyHigh, now)
		if err != nil {
			return err
		}
		escalated = true
		events = append(events, taskCreated(chain, hop, nt, now))
		return nil
	})
	if err != nil {
		return Task{}, false, err
	}
	if escalated {
		q.Logger.Info().
			Int64("task_id", int64(id)).
			Int64("new_task_id", int64(nt.ID)).
			Int64("hop_id", int64(nt.HopID)).
			Int64("assigned_to", int64(nt.AssignedTo)).
			Msg("overdue task escalated")
		publishAll(ctx, q.Publisher, q.Logger, events)
	}
	return nt, escalated, nil
}

// =============================================================================
// HELPERS (shared with chain.go)
// =============================================================================

func openTask(ctx context.Context, s Store, chain Chain, hop Hop, from UserID, deadline *time.Time,
	urgency TaskUrgency, now time.Time) (Task, error) {

	t := Task{
		ProcessID:     chain.ProcessID,
		ProcessStepID: hop.ProcessStepID,
		HopID:         hop.ID,
		Document:      hop.Document,
		AssignedFrom:  from,
		AssignedTo:    hop.AssignedTo,
		AssignedAt:    now,
		Deadline:      deadline,
		Urgency:       urgency,
	}
	if err := s.InsertTask(ctx, &t); err != nil {
		return Task{}, err
	}
	return t, nil
}

func closeTask(t Task, now time.Time) Task {
	t.Read = true
	t.ClosedAt = &now
	return t
}

// closeHopTasks closes whatever is open for a hop that just resolved.
func closeHopTasks(ctx context.Context, s Store, hopID HopID, now time.Time) error {
	open, err := s.ListOpenTasksForHop(ctx, hopID)
	if err != nil {
		return err
	}
	for _, t := range open {
		if err := s.UpdateTask(ctx, closeTask(t, now)); err != nil {
			return err
		}
	}
	return nil
}

func taskCreated(chain Chain, hop Hop, t Task, at time.Time) Event {
	e := newEvent(EventTaskCreated, chain.Document, at)
	e.ChainID = chain.ID
	e.HopID = hop.ID
	e.TaskID = t.ID
	e.AssignedFrom = t.AssignedFrom
	e.AssignedTo = t.AssignedTo
	e.Status = DocumentPending
	return e
}
