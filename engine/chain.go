/*
chain.go - Approval chain state machine

PURPOSE:
  Moves a document through its process one hop at a time, keeping the
  hop, its task and the budget line consistent in one transaction.

HOP STATES:
  ┌─────────┐ approve  ┌──────────┐
  │ Pending │ ───────▶ │ Approved │ ──▶ next hop (Pending) or terminal
  │         │ reject   ┌──────────┐
  │         │ ───────▶ │ Rejected │ ──▶ chain ends, reservation released
  │         │ refer    ┌──────────┐
  │         │ ───────▶ │ Referred │ ──▶ new Pending hop, SAME order
  └─────────┘          └──────────┘

  Every move out of Pending is compare-and-set. If the stored hop is no
  longer Pending when we write it, the action fails with StaleHopError
  and nothing else in the transaction is kept.

ONE CHAIN PER ATTEMPT:
  Hops hang off a Chain row. A document has at most one Pending chain;
  re-submitting after a rejection creates a new chain with the next
  Sequence, so a rejected chain is never reused.

FINANCIAL CHECKPOINTS (see FinancialPolicy):
  approve, order >= checkpoint   Grant (budget requests), then Reserve
                                 the chain amount (at most once per chain)
  approve, terminal              Consume the reservation (or release it
                                 for kinds that only grant)
  reject                         Release the reservation, revoke the grant

DUPLICATE PENDING HOPS:
  Should two hops end up Pending at the same order, the newest one is
  authoritative. Acting on an older one fails with StaleHopError and the
  situation is logged as an invariant violation.

SEE ALSO:
  - ledger.go:  The counter rules applied here
  - process.go: Step ordering and assignee resolution
  - task.go:    Task open/close helpers
*/
package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// =============================================================================
// TYPES
// =============================================================================

type HopStatus string

const (
	HopPending  HopStatus = "pending"
	HopApproved HopStatus = "approved"
	HopRejected HopStatus = "rejected"
	HopReferred HopStatus = "referred"
)

type ChainStatus string

const (
	ChainPending  ChainStatus = "pending"
	ChainApproved ChainStatus = "approved"
	ChainRejected ChainStatus = "rejected"
)

type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
	DecisionRefer   Decision = "refer"
)

func (d Decision) Valid() bool {
	return d == DecisionApprove || d == DecisionReject || d == DecisionRefer
}

// Chain is one approval attempt of a document.
type Chain struct {
	ID           ChainID
	Document     DocumentRef
	ProcessID    ProcessID
	BudgetLineID *BudgetID
	Amount       Money
	RequesterID  UserID
	Status       ChainStatus
	Sequence     int

	// What this chain currently holds on / has done to its budget line.
	ReservedAmount Money
	GrantedAmount  Money
	ConsumedAmount Money

	CreatedAt  time.Time
	UpdatedAt  time.Time
	FinishedAt *time.Time
}

// Hop is one approver's turn in a chain. Hops are never deleted.
type Hop struct {
	ID            HopID
	ChainID       ChainID
	Document      DocumentRef
	ProcessStepID ProcessStepID
	RequesterID   UserID
	AssignedFrom  UserID
	AssignedTo    UserID
	ReferredTo    *UserID
	Order         int
	Status        HopStatus
	Description   string
	Comment       string
	Attachment    string
	ActedBy       *UserID
	ActedAt       *time.Time
	CreatedAt     time.Time
}

// FinancialPolicy says how a document kind's chain touches its budget line.
type FinancialPolicy struct {
	// Reserves is false for kinds that never touch a budget line.
	Reserves bool
	// GrantOnApproval raises the line's approved amount by the chain amount
	// before reserving it.
	GrantOnApproval bool
	// CheckpointOrder is the lowest hop order whose approval reserves.
	// Zero means the first approved hop.
	CheckpointOrder int
	// ConsumeOnFinal consumes the reservation on terminal approval. When
	// false the reservation is released and the grant stays as approved.
	ConsumeOnFinal bool
}

// PolicySource maps a document kind to its financial policy.
type PolicySource interface {
	FinancialPolicy(kind DocumentKind) FinancialPolicy
}

// DefaultFinancialPolicy reserves at the first approval and consumes on
// terminal approval.
var DefaultFinancialPolicy = FinancialPolicy{Reserves: true, ConsumeOnFinal: true}

// Submission starts a chain.
type Submission struct {
	Document     DocumentRef
	ProcessID    ProcessID
	Requester    ActingUser
	BudgetLineID *BudgetID
	Amount       Money
	Description  string
}

// Action is an approver's decision on a hop.
type Action struct {
	HopID      HopID
	Actor      ActingUser
	Decision   Decision
	ReferredTo *UserID
	Comment    string
	Attachment string
}

// Outcome reports what a Submit or Act did.
type Outcome struct {
	Chain Chain
	// Acted is the hop the action resolved (zero on Submit).
	Acted Hop
	// Opened and Task are set when a new Pending hop was created.
	Opened *Hop
	Task   *Task
	// Final is true when the chain reached a terminal state.
	Final  bool
	Budget *BudgetLine
}

// =============================================================================
// CHAIN SERVICE
// =============================================================================

type ChainService struct {
	Store     TxStore
	Policies  PolicySource
	Publisher Publisher
	Logger    zerolog.Logger
	Clock     Clock
}

func NewChainService(store TxStore, policies PolicySource, pub Publisher, logger zerolog.Logger) *ChainService {
	return &ChainService{Store: store, Policies: policies, Publisher: pub, Logger: logger, Clock: systemClock}
}

func (cs *ChainService) policy(kind DocumentKind) FinancialPolicy {
	if cs.Policies == nil {
		return DefaultFinancialPolicy
	}
	return cs.Policies.FinancialPolicy(kind)
}

// chainTx carries the per-transaction collaborators of one transition.
type chainTx struct {
	s        Store
	ledger   *ledgerTx
	resolver *Resolver
	now      time.Time
	events   []Event
}

func (cs *ChainService) run(ctx context.Context, fn func(*chainTx) error) error {
	now := cs.Clock()
	var events []Event
	err := cs.Store.WithTx(ctx, func(s Store) error {
		ct := &chainTx{s: s, ledger: &ledgerTx{s: s, at: now}, resolver: NewResolver(s), now: now}
		if err := fn(ct); err != nil {
			return err
		}
		events = ct.events
		return nil
	})
	if err != nil {
		return err
	}
	publishAll(ctx, cs.Publisher, cs.Logger, events)
	return nil
}

// Submit starts a new chain for a document: it resolves the first step's
// assignee and opens the first hop and its task. NoStepsError and
// NoAssigneeError abort the submission with nothing written.
func (cs *ChainService) Submit(ctx context.Context, sub Submission) (Outcome, error) {
	if err := sub.Document.Validate(); err != nil {
		return Outcome{}, err
	}
	if sub.Requester.ID <= 0 {
		return Outcome{}, &ValidationError{Field: "requester_id", Message: "required"}
	}
	sub.Amount = RoundMoney(sub.Amount)
	if sub.Amount.IsNegative() {
		return Outcome{}, &ValidationError{Field: "amount", Message: "must not be negative"}
	}
	pol := cs.policy(sub.Document.Kind)
	if pol.Reserves && sub.Amount.IsPositive() && sub.BudgetLineID == nil {
		return Outcome{}, &ValidationError{Field: "budget_id", Message: fmt.Sprintf("required for %s documents with an amount", sub.Document.Kind)}
	}

	var out Outcome
	err := cs.run(ctx, func(ct *chainTx) error {
		process, err := ct.s.GetProcess(ctx, sub.ProcessID)
		if err != nil {
			return refError("process_id", err)
		}
		if !process.IsActive {
			return &ValidationError{Field: "process_id", Message: fmt.Sprintf("process %d is inactive", process.ID)}
		}
		if process.DocumentKind != sub.Document.Kind {
			return &ValidationError{Field: "process_id", Message: fmt.Sprintf(
				"process %d approves %s documents, not %s", process.ID, process.DocumentKind, sub.Document.Kind)}
		}

		chains, err := ct.s.ListChains(ctx, sub.Document)
		if err != nil {
			return err
		}
		for _, c := range chains {
			switch c.Status {
			case ChainPending:
				return &ConflictError{Reason: fmt.Sprintf("%s already has an approval chain in progress", sub.Document)}
			case ChainApproved:
				return &ConflictError{Reason: fmt.Sprintf("%s is already approved", sub.Document)}
			}
		}

		if sub.BudgetLineID != nil {
			line, err := ct.ledger.getLive(ctx, *sub.BudgetLineID)
			if err != nil {
				return refError("budget_id", err)
			}
			if _, err := ensureMutable(ctx, ct.s, line.Key.FiscalPeriodID, ct.now); err != nil {
				return err
			}
		}

		step, err := ct.resolver.FirstStep(ctx, process.ID)
		if err != nil {
			return err
		}
		assignee, err := ct.resolver.resolve(ctx, step, sub.Requester)
		if err != nil {
			return err
		}

		chain := Chain{
			Document:     sub.Document,
			ProcessID:    process.ID,
			BudgetLineID: sub.BudgetLineID,
			Amount:       sub.Amount,
			RequesterID:  sub.Requester.ID,
			Status:       ChainPending,
			Sequence:     len(chains) + 1,
			CreatedAt:    ct.now,
			UpdatedAt:    ct.now,
		}
		if err := ct.s.InsertChain(ctx, &chain); err != nil {
			return err
		}
		hop, task, err := ct.openHop(ctx, chain, step, sub.Requester.ID, assignee, sub.Description)
		if err != nil {
			return err
		}
		if err := ct.setDocumentStatus(ctx, chain, DocumentPending); err != nil {
			return err
		}
		out = Outcome{Chain: chain, Opened: &hop, Task: &task}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	cs.Logger.Info().
		Str("document", sub.Document.String()).
		Int64("chain_id", int64(out.Chain.ID)).
		Int("sequence", out.Chain.Sequence).
		Int64("assigned_to", int64(out.Opened.AssignedTo)).
		Msg("approval chain started")
	return out, nil
}

// Act applies an approver's decision to a Pending hop.
func (cs *ChainService) Act(ctx context.Context, a Action) (Outcome, error) {
	if !a.Decision.Valid() {
		return Outcome{}, &ValidationError{Field: "decision", Message: fmt.Sprintf("unknown decision %q", a.Decision)}
	}
	if a.Decision == DecisionRefer {
		if a.ReferredTo == nil || *a.ReferredTo <= 0 {
			return Outcome{}, &ValidationError{Field: "referred_to", Message: "required when referring"}
		}
		if *a.ReferredTo == a.Actor.ID {
			return Outcome{}, &ValidationError{Field: "referred_to", Message: "cannot refer a hop to yourself"}
		}
	}

	var out Outcome
	err := cs.run(ctx, func(ct *chainTx) error {
		hop, chain, err := cs.loadActionable(ctx, ct.s, a.HopID)
		if err != nil {
			return err
		}
		if hop.AssignedTo != a.Actor.ID {
			return fmt.Errorf("%w: hop %d is assigned to user %d, not %d", ErrForbidden, hop.ID, hop.AssignedTo, a.Actor.ID)
		}

		actor := a.Actor.ID
		hop.ActedBy = &actor
		hop.ActedAt = &ct.now
		hop.Comment = a.Comment
		hop.Attachment = a.Attachment

		switch a.Decision {
		case DecisionApprove:
			out, err = ct.approve(ctx, cs.policy(chain.Document.Kind), chain, hop, a.Actor)
		case DecisionReject:
			out, err = ct.reject(ctx, chain, hop)
		case DecisionRefer:
			out, err = ct.refer(ctx, chain, hop, *a.ReferredTo)
		}
		return err
	})
	if err != nil {
		return Outcome{}, err
	}
	cs.Logger.Info().
		Str("document", out.Chain.Document.String()).
		Int64("hop_id", int64(out.Acted.ID)).
		Str("decision", string(a.Decision)).
		Int64("actor_id", int64(a.Actor.ID)).
		Bool("final", out.Final).
		Msg("approval hop resolved")
	return out, nil
}

// loadActionable returns the hop and its chain if the hop may be acted on.
func (cs *ChainService) loadActionable(ctx context.Context, s Store, id HopID) (Hop, Chain, error) {
	hop, err := s.GetHop(ctx, id)
	if err != nil {
		return Hop{}, Chain{}, err
	}
	if hop.Status != HopPending {
		return Hop{}, Chain{}, &StaleHopError{HopID: hop.ID, Status: hop.Status}
	}
	chain, err := s.GetChain(ctx, hop.ChainID)
	if err != nil {
		return Hop{}, Chain{}, err
	}
	if chain.Status != ChainPending {
		cs.Logger.Error().Err(ErrInvariantViolation).
			Int64("hop_id", int64(hop.ID)).
			Int64("chain_id", int64(chain.ID)).
			Str("chain_status", string(chain.Status)).
			Msg("pending hop on a finished chain")
		return Hop{}, Chain{}, &StaleHopError{HopID: hop.ID, Status: hop.Status}
	}

	hops, err := s.ListHops(ctx, chain.ID)
	if err != nil {
		return Hop{}, Chain{}, err
	}
	if latest, dup := latestPendingAt(hops, hop.Order); dup {
		cs.Logger.Error().Err(ErrInvariantViolation).
			Str("document", chain.Document.String()).
			Int64("chain_id", int64(chain.ID)).
			Int("order", hop.Order).
			Int64("authoritative_hop_id", int64(latest.ID)).
			Msg("more than one pending hop at the same order")
		if latest.ID != hop.ID {
			return Hop{}, Chain{}, &StaleHopError{HopID: hop.ID, Status: HopPending}
		}
	}
	return hop, chain, nil
}

// latestPendingAt returns the newest Pending hop at order and whether
// there was more than one.
func latestPendingAt(hops []Hop, order int) (Hop, bool) {
	var pending []Hop
	for _, h := range hops {
		if h.Status == HopPending && h.Order == order {
			pending = append(pending, h)
		}
	}
	if len(pending) == 0 {
		return Hop{}, false
	}
	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].CreatedAt.Before(pending[j].CreatedAt)
		}
		return pending[i].ID < pending[j].ID
	})
	return pending[len(pending)-1], len(pending) > 1
}

// =============================================================================
// TRANSITIONS
// =============================================================================

func (ct *chainTx) approve(ctx context.Context, pol FinancialPolicy, chain Chain, hop Hop, actor ActingUser) (Outcome, error) {
	hop.Status = HopApproved
	if err := ct.resolveHop(ctx, hop); err != nil {
		return Outcome{}, err
	}
	out := Outcome{Acted: hop}

	if hop.Order >= pol.CheckpointOrder {
		if err := ct.checkpoint(ctx, pol, &chain, &out); err != nil {
			return Outcome{}, err
		}
	}

	next, ok, err := ct.resolver.NextStep(ctx, chain.ProcessID, hop.Order)
	if err != nil {
		return Outcome{}, err
	}
	if ok {
		assignee, err := ct.resolver.resolve(ctx, next, actor)
		if err != nil {
			return Outcome{}, err
		}
		opened, task, err := ct.openHop(ctx, chain, next, actor.ID, assignee, hop.Description)
		if err != nil {
			return Outcome{}, err
		}
		out.Opened, out.Task = &opened, &task
		chain.UpdatedAt = ct.now
		out.Chain = chain
		return out, ct.s.UpdateChain(ctx, chain)
	}

	// Terminal approval.
	if chain.BudgetLineID != nil && pol.Reserves && chain.Amount.IsPositive() {
		if err := ct.checkpoint(ctx, pol, &chain, &out); err != nil {
			return Outcome{}, err
		}
		if chain.ReservedAmount.IsPositive() {
			var b BudgetLine
			if pol.ConsumeOnFinal {
				b, err = ct.ledger.consume(ctx, *chain.BudgetLineID, chain.ReservedAmount)
				chain.ConsumedAmount = chain.ConsumedAmount.Add(chain.ReservedAmount)
			} else {
				b, err = ct.ledger.release(ctx, *chain.BudgetLineID, chain.ReservedAmount)
			}
			if err != nil {
				return Outcome{}, err
			}
			chain.ReservedAmount = Money{}
			out.Budget = &b
		}
	}
	if err := ct.finish(ctx, &chain, ChainApproved, DocumentApproved); err != nil {
		return Outcome{}, err
	}
	out.Chain, out.Final = chain, true
	return out, nil
}

// checkpoint grants and reserves the chain amount once per chain.
func (ct *chainTx) checkpoint(ctx context.Context, pol FinancialPolicy, chain *Chain, out *Outcome) error {
	if chain.BudgetLineID == nil || !pol.Reserves || !chain.Amount.IsPositive() {
		return nil
	}
	if pol.GrantOnApproval && chain.GrantedAmount.IsZero() {
		b, err := ct.ledger.grant(ctx, *chain.BudgetLineID, chain.Amount)
		if err != nil {
			return err
		}
		chain.GrantedAmount = chain.Amount
		out.Budget = &b
	}
	if chain.ReservedAmount.IsZero() && chain.ConsumedAmount.IsZero() {
		b, err := ct.ledger.reserve(ctx, *chain.BudgetLineID, chain.Amount)
		if err != nil {
			return err
		}
		chain.ReservedAmount = chain.Amount
		out.Budget = &b
	}
	return nil
}

func (ct *chainTx) reject(ctx context.Context, chain Chain, hop Hop) (Outcome, error) {
	hop.Status = HopRejected
	if err := ct.resolveHop(ctx, hop); err != nil {
		return Outcome{}, err
	}
	out := Outcome{Acted: hop}

	if chain.BudgetLineID != nil {
		if chain.ReservedAmount.IsPositive() {
			b, err := ct.ledger.release(ctx, *chain.BudgetLineID, chain.ReservedAmount)
			if err != nil {
				return Outcome{}, err
			}
			chain.ReservedAmount = Money{}
			out.Budget = &b
		}
		if chain.GrantedAmount.IsPositive() {
			b, err := ct.ledger.revoke(ctx, *chain.BudgetLineID, chain.GrantedAmount)
			if err != nil {
				return Outcome{}, err
			}
			chain.GrantedAmount = Money{}
			out.Budget = &b
		}
	}
	if err := ct.finish(ctx, &chain, ChainRejected, DocumentRejected); err != nil {
		return Outcome{}, err
	}
	out.Chain, out.Final = chain, true
	return out, nil
}

func (ct *chainTx) refer(ctx context.Context, chain Chain, hop Hop, to UserID) (Outcome, error) {
	if _, err := ct.s.GetUser(ctx, to); err != nil {
		return Outcome{}, refError("referred_to", err)
	}
	hop.Status = HopReferred
	hop.ReferredTo = &to
	if err := ct.resolveHop(ctx, hop); err != nil {
		return Outcome{}, err
	}
	step, err := ct.s.GetProcessStep(ctx, hop.ProcessStepID)
	if err != nil {
		return Outcome{}, err
	}
	opened, task, err := ct.openHop(ctx, chain, step, *hop.ActedBy, to, hop.Description)
	if err != nil {
		return Outcome{}, err
	}
	chain.UpdatedAt = ct.now
	if err := ct.s.UpdateChain(ctx, chain); err != nil {
		return Outcome{}, err
	}
	return Outcome{Chain: chain, Acted: hop, Opened: &opened, Task: &task}, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// resolveHop writes a hop out of Pending and closes its task.
func (ct *chainTx) resolveHop(ctx context.Context, hop Hop) error {
	ok, err := ct.s.UpdatePendingHop(ctx, hop)
	if err != nil {
		return err
	}
	if !ok {
		current, err := ct.s.GetHop(ctx, hop.ID)
		if err != nil {
			return err
		}
		return &StaleHopError{HopID: hop.ID, Status: current.Status}
	}
	return closeHopTasks(ctx, ct.s, hop.ID, ct.now)
}

// openHop creates a Pending hop at step.Order and its task.
func (ct *chainTx) openHop(ctx context.Context, chain Chain, step ProcessStep, from, to UserID, description string) (Hop, Task, error) {
	hop := Hop{
		ChainID:       chain.ID,
		Document:      chain.Document,
		ProcessStepID: step.ID,
		RequesterID:   chain.RequesterID,
		AssignedFrom:  from,
		AssignedTo:    to,
		Order:         step.Order,
		Status:        HopPending,
		Description:   description,
		CreatedAt:     ct.now,
	}
	if err := ct.s.InsertHop(ctx, &hop); err != nil {
		return Hop{}, Task{}, err
	}
	task, err := openTask(ctx, ct.s, chain, hop, from, step.Deadline(ct.now), UrgencyNormal, ct.now)
	if err != nil {
		return Hop{}, Task{}, err
	}
	ct.events = append(ct.events, taskCreated(chain, hop, task, ct.now))
	return hop, task, nil
}

func (ct *chainTx) finish(ctx context.Context, chain *Chain, status ChainStatus, docStatus DocumentStatus) error {
	chain.Status = status
	chain.UpdatedAt = ct.now
	chain.FinishedAt = &ct.now
	if err := ct.s.UpdateChain(ctx, *chain); err != nil {
		return err
	}
	if err := ct.setDocumentStatus(ctx, *chain, docStatus); err != nil {
		return err
	}
	e := newEvent(EventDocumentFinalized, chain.Document, ct.now)
	e.ChainID = chain.ID
	e.Status = docStatus
	ct.events = append(ct.events, e)
	return nil
}

// setDocumentStatus records the document's status and mirrors it onto the
// budget line when the document is the budget itself.
func (ct *chainTx) setDocumentStatus(ctx context.Context, chain Chain, status DocumentStatus) error {
	if err := ct.s.SetDocumentStatus(ctx, chain.Document, status, ct.now); err != nil {
		return err
	}
	if chain.BudgetLineID != nil && (chain.Document.Kind == DocBudget || chain.Document.Kind == DocBudgetRequest) {
		return ct.ledger.setStatus(ctx, *chain.BudgetLineID, status)
	}
	return nil
}

// =============================================================================
// QUERIES
// =============================================================================

// DocumentHops returns every hop of every chain of a document, oldest
// chain first.
func (cs *ChainService) DocumentHops(ctx context.Context, doc DocumentRef) ([]Hop, error) {
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	chains, err := cs.Store.ListChains(ctx, doc)
	if err != nil {
		return nil, err
	}
	var out []Hop
	for _, c := range chains {
		hops, err := cs.Store.ListHops(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, hops...)
	}
	return out, nil
}

// DocumentStatus returns the approval status of a document.
func (cs *ChainService) DocumentStatus(ctx context.Context, doc DocumentRef) (DocumentStatus, error) {
	if err := doc.Validate(); err != nil {
		return "", err
	}
	return cs.Store.GetDocumentStatus(ctx, doc)
}
