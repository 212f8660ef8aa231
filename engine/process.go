/*
process.go - Process definitions and the step resolver

PURPOSE:
  A Process is the ordered list of approval steps a document kind goes
  through. The Resolver answers three questions for the chain:
    FirstStep:       where does a new chain start?
    NextStep:        what comes after the step at order N?
    ResolveAssignee: who must act on this step for this acting user?

ASSIGNEE RESOLUTION:
  1. Step has a fixed ApproverID                → that user
  2. Otherwise, among users holding the step's designation (acting user
     excluded), the first one found walking:
       a. the acting user's department, then its ancestors nearest
          first, then its descendants breadth-first
       b. failing that, any holder of the designation if the designation
          sits above or below the acting user's own in the role tree
  3. Nobody found                               → NoAssigneeError

  NoAssigneeError is a blocking misconfiguration: submission aborts and
  no hop or task is written. A step is never skipped silently.

SEE ALSO:
  - hierarchy.go: The bounded walks used in step 2
  - factory/process.go: Loads processes from JSON definitions
*/
package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// =============================================================================
// TYPES
// =============================================================================

type Process struct {
	ID           ProcessID
	Name         string
	DocumentKind DocumentKind
	// EscalationUserID receives overdue tasks of this process.
	EscalationUserID *UserID
	IsActive         bool
}

type ProcessStep struct {
	ID            ProcessStepID
	ProcessID     ProcessID
	ApproverID    *UserID
	DesignationID *DesignationID
	Order         int
	TimeoutDays   int
	IsActive      bool
}

// Deadline returns when a task opened at from becomes overdue, or nil when
// the step has no timeout.
func (s ProcessStep) Deadline(from time.Time) *time.Time {
	if s.TimeoutDays <= 0 {
		return nil
	}
	d := from.AddDate(0, 0, s.TimeoutDays)
	return &d
}

// =============================================================================
// DEFINITION
// =============================================================================

// DefineProcess validates and stores a process with its steps in one
// transaction.
func DefineProcess(ctx context.Context, store TxStore, p Process, steps []ProcessStep) (Process, []ProcessStep, error) {
	if err := validateProcess(p, steps); err != nil {
		return Process{}, nil, err
	}
	err := store.WithTx(ctx, func(s Store) error {
		if p.EscalationUserID != nil {
			if _, err := s.GetUser(ctx, *p.EscalationUserID); err != nil {
				return refError("escalation_user_id", err)
			}
		}
		for _, st := range steps {
			if st.ApproverID != nil {
				if _, err := s.GetUser(ctx, *st.ApproverID); err != nil {
					return refError("approver_id", err)
				}
			}
			if st.DesignationID != nil {
				if _, err := s.GetDesignation(ctx, *st.DesignationID); err != nil {
					return refError("designation_id", err)
				}
			}
		}
		if err := s.CreateProcess(ctx, &p); err != nil {
			return err
		}
		for i := range steps {
			steps[i].ProcessID = p.ID
			if err := s.CreateProcessStep(ctx, &steps[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Process{}, nil, err
	}
	return p, steps, nil
}

func validateProcess(p Process, steps []ProcessStep) error {
	if strings.TrimSpace(p.Name) == "" {
		return &ValidationError{Field: "name", Message: "required"}
	}
	if !p.DocumentKind.Valid() {
		return &ValidationError{Field: "document_kind", Message: fmt.Sprintf("unknown document kind %q", p.DocumentKind)}
	}
	orders := make(map[int]bool, len(steps))
	for i, st := range steps {
		field := fmt.Sprintf("steps[%d]", i)
		if st.Order <= 0 {
			return &ValidationError{Field: field + ".order", Message: "must be positive"}
		}
		if orders[st.Order] {
			return &ValidationError{Field: field + ".order", Message: fmt.Sprintf("order %d is used twice", st.Order)}
		}
		orders[st.Order] = true
		if st.ApproverID == nil && st.DesignationID == nil {
			return &ValidationError{Field: field, Message: "needs an approver_id or a designation_id"}
		}
		if st.TimeoutDays < 0 {
			return &ValidationError{Field: field + ".timeout_days", Message: "must not be negative"}
		}
	}
	return nil
}

// =============================================================================
// RESOLVER
// =============================================================================

// ResolverStore is what the resolver reads.
type ResolverStore interface {
	ProcessStore
	OrgStore
}

type Resolver struct {
	Store ResolverStore
	Org   *OrgDirectory
}

func NewResolver(store ResolverStore) *Resolver {
	return &Resolver{Store: store, Org: NewOrgDirectory(store)}
}

// FirstStep returns the active step with the lowest order.
func (r *Resolver) FirstStep(ctx context.Context, processID ProcessID) (ProcessStep, error) {
	steps, err := r.activeSteps(ctx, processID)
	if err != nil {
		return ProcessStep{}, err
	}
	return steps[0], nil
}

// NextStep returns the first active step after currentOrder. ok is false
// when currentOrder was the last one.
func (r *Resolver) NextStep(ctx context.Context, processID ProcessID, currentOrder int) (step ProcessStep, ok bool, err error) {
	steps, err := r.activeSteps(ctx, processID)
	if err != nil {
		return ProcessStep{}, false, err
	}
	for _, s := range steps {
		if s.Order > currentOrder {
			return s, true, nil
		}
	}
	return ProcessStep{}, false, nil
}

func (r *Resolver) activeSteps(ctx context.Context, processID ProcessID) ([]ProcessStep, error) {
	all, err := r.Store.ListProcessSteps(ctx, processID)
	if err != nil {
		return nil, err
	}
	var active []ProcessStep
	for _, s := range all {
		if s.IsActive {
			active = append(active, s)
		}
	}
	if len(active) == 0 {
		return nil, &NoStepsError{ProcessID: processID}
	}
	sort.SliceStable(active, func(i, j int) bool { return active[i].Order < active[j].Order })
	return active, nil
}

// ResolveAssignee returns who must act on step stepID for actor.
func (r *Resolver) ResolveAssignee(ctx context.Context, stepID ProcessStepID, actor ActingUser) (UserID, error) {
	step, err := r.Store.GetProcessStep(ctx, stepID)
	if err != nil {
		return 0, err
	}
	return r.resolve(ctx, step, actor)
}

func (r *Resolver) resolve(ctx context.Context, step ProcessStep, actor ActingUser) (UserID, error) {
	if step.ApproverID != nil {
		return *step.ApproverID, nil
	}
	if step.DesignationID == nil {
		return 0, &NoAssigneeError{StepID: step.ID, ActingUserID: actor.ID}
	}
	want := *step.DesignationID
	noAssignee := &NoAssigneeError{StepID: step.ID, DesignationID: &want, ActingUserID: actor.ID}

	holders, err := r.Store.ListUsersByDesignation(ctx, want)
	if err != nil {
		return 0, err
	}
	var candidates []User
	for _, u := range holders {
		if u.ID != actor.ID {
			candidates = append(candidates, u)
		}
	}
	if len(candidates) == 0 {
		return 0, noAssignee
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })

	// a. department hierarchy
	if actor.DepartmentID > 0 {
		up, err := r.Org.DepartmentAncestors(ctx, actor.DepartmentID)
		if err != nil {
			return 0, err
		}
		down, err := r.Org.DepartmentDescendants(ctx, actor.DepartmentID)
		if err != nil {
			return 0, err
		}
		walk := append(append([]DepartmentID{actor.DepartmentID}, up...), down...)
		for _, dept := range walk {
			for _, c := range candidates {
				if c.DepartmentID == dept {
					return c.ID, nil
				}
			}
		}
	}

	// b. role hierarchy
	for _, d := range actor.RoleChain {
		if d == want {
			return candidates[0].ID, nil
		}
	}
	if actor.DesignationID > 0 {
		below, err := r.Org.DesignationDescendants(ctx, actor.DesignationID)
		if err != nil {
			return 0, err
		}
		for _, d := range below {
			if d == want {
				return candidates[0].ID, nil
			}
		}
	}
	return 0, noAssignee
}
