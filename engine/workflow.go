/*
workflow.go - Generic workflow approvals with append-only history

PURPOSE:
  A lightweight approval record that any document kind can carry,
  independent of process-driven chains: one requester, one current
  approver, an optional due date, comments and attachment references.

  Every state change appends a WorkflowHistory row. History rows are
  never updated or deleted.

STATES:
  pending ──approve──▶ approved
     │    ──reject───▶ rejected
     └────refer──────▶ pending (new approver)

  Only the current approver may decide. Deciding on a finished approval
  fails with ConflictError.
*/
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type WorkflowStatus string

const (
	WorkflowPending  WorkflowStatus = "pending"
	WorkflowApproved WorkflowStatus = "approved"
	WorkflowRejected WorkflowStatus = "rejected"
)

type WorkflowAction string

const (
	WorkflowRequested WorkflowAction = "requested"
	WorkflowApprove   WorkflowAction = "approved"
	WorkflowReject    WorkflowAction = "rejected"
	WorkflowRefer     WorkflowAction = "referred"
)

type WorkflowApproval struct {
	ID          WorkflowID
	Subject     DocumentRef
	RequesterID UserID
	ApproverID  UserID
	Status      WorkflowStatus
	DueDate     *time.Time
	Comment     string
	Attachments []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// WorkflowHistory is one immutable entry of a workflow approval's audit trail.
type WorkflowHistory struct {
	ID         int64
	WorkflowID WorkflowID
	Action     WorkflowAction
	ActorID    UserID
	FromStatus WorkflowStatus
	ToStatus   WorkflowStatus
	ReferredTo *UserID
	Comment    string
	Attachment string
	At         time.Time
}

// WorkflowRequest opens a generic approval.
type WorkflowRequest struct {
	Subject     DocumentRef
	RequesterID UserID
	ApproverID  UserID
	DueDate     *time.Time
	Comment     string
	Attachments []string
}

// WorkflowDecision is the current approver's answer.
type WorkflowDecision struct {
	WorkflowID WorkflowID
	ActorID    UserID
	Action     WorkflowAction
	ReferredTo *UserID
	Comment    string
	Attachment string
}

type Workflows struct {
	Store TxStore
	Clock Clock
}

func NewWorkflows(store TxStore) *Workflows {
	return &Workflows{Store: store, Clock: systemClock}
}

// Request creates a pending approval and its first history row.
func (w *Workflows) Request(ctx context.Context, req WorkflowRequest) (WorkflowApproval, error) {
	if err := req.Subject.Validate(); err != nil {
		return WorkflowApproval{}, err
	}
	if req.RequesterID <= 0 {
		return WorkflowApproval{}, &ValidationError{Field: "requester_id", Message: "required"}
	}
	if req.ApproverID <= 0 {
		return WorkflowApproval{}, &ValidationError{Field: "approver_id", Message: "required"}
	}
	now := w.Clock()
	if req.DueDate != nil && req.DueDate.Before(Day(now)) {
		return WorkflowApproval{}, &ValidationError{Field: "due_date", Message: "must not be in the past"}
	}

	var wa WorkflowApproval
	err := w.Store.WithTx(ctx, func(s Store) error {
		if _, err := s.GetUser(ctx, req.RequesterID); err != nil {
			return refError("requester_id", err)
		}
		if _, err := s.GetUser(ctx, req.ApproverID); err != nil {
			return refError("approver_id", err)
		}
		wa = WorkflowApproval{
			Subject:     req.Subject,
			RequesterID: req.RequesterID,
			ApproverID:  req.ApproverID,
			Status:      WorkflowPending,
			DueDate:     req.DueDate,
			Comment:     strings.TrimSpace(req.Comment),
			Attachments: req.Attachments,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.InsertWorkflow(ctx, &wa); err != nil {
			return err
		}
		return s.AppendWorkflowHistory(ctx, &WorkflowHistory{
			WorkflowID: wa.ID,
			Action:     WorkflowRequested,
			ActorID:    req.RequesterID,
			ToStatus:   WorkflowPending,
			Comment:    wa.Comment,
			At:         now,
		})
	})
	return wa, err
}

// Decide applies approve, reject or refer and appends the history row.
func (w *Workflows) Decide(ctx context.Context, d WorkflowDecision) (WorkflowApproval, error) {
	switch d.Action {
	case WorkflowApprove, WorkflowReject:
	case WorkflowRefer:
		if d.ReferredTo == nil || *d.ReferredTo <= 0 {
			return WorkflowApproval{}, &ValidationError{Field: "referred_to", Message: "required when referring"}
		}
		if *d.ReferredTo == d.ActorID {
			return WorkflowApproval{}, &ValidationError{Field: "referred_to", Message: "cannot refer to yourself"}
		}
	default:
		return WorkflowApproval{}, &ValidationError{Field: "action", Message: fmt.Sprintf("unknown action %q", d.Action)}
	}

	now := w.Clock()
	var wa WorkflowApproval
	err := w.Store.WithTx(ctx, func(s Store) error {
		var err error
		if wa, err = s.GetWorkflow(ctx, d.WorkflowID); err != nil {
			return err
		}
		if wa.Status != WorkflowPending {
			return &ConflictError{Reason: fmt.Sprintf("workflow approval %d is already %s", wa.ID, wa.Status)}
		}
		if wa.ApproverID != d.ActorID {
			return fmt.Errorf("%w: workflow approval %d is assigned to user %d", ErrForbidden, wa.ID, wa.ApproverID)
		}

		from := wa.Status
		var referred *UserID
		switch d.Action {
		case WorkflowApprove:
			wa.Status = WorkflowApproved
		case WorkflowReject:
			wa.Status = WorkflowRejected
		case WorkflowRefer:
			if _, err := s.GetUser(ctx, *d.ReferredTo); err != nil {
				return refError("referred_to", err)
			}
			wa.ApproverID = *d.ReferredTo
			referred = d.ReferredTo
		}
		if d.Attachment != "" {
			wa.Attachments = append(wa.Attachments, d.Attachment)
		}
		wa.UpdatedAt = now
		if err := s.UpdateWorkflow(ctx, wa); err != nil {
			return err
		}
		return s.AppendWorkflowHistory(ctx, &WorkflowHistory{
			WorkflowID: wa.ID,
			Action:     d.Action,
			ActorID:    d.ActorID,
			FromStatus: from,
			ToStatus:   wa.Status,
			ReferredTo: referred,
			Comment:    strings.TrimSpace(d.Comment),
			Attachment: d.Attachment,
			At:         now,
		})
	})
	return wa, err
}

func (w *Workflows) Get(ctx context.Context, id WorkflowID) (WorkflowApproval, error) {
	return w.Store.GetWorkflow(ctx, id)
}

// History returns the audit trail in the order it was written.
func (w *Workflows) History(ctx context.Context, id WorkflowID) ([]WorkflowHistory, error) {
	if _, err := w.Store.GetWorkflow(ctx, id); err != nil {
		return nil, err
	}
	return w.Store.ListWorkflowHistory(ctx, id)
}
