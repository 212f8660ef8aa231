/*
Package procurement holds the per-document financial policies.

PURPOSE:
  The approval chain is identical for every document kind; what differs
  is how each kind touches its budget line. This package is the single
  table that says so.

DEFAULT POLICIES:
  ┌──────────────────┬──────────┬───────┬────────────────────────────┐
  │ Kind             │ Reserves │ Grant │ On terminal approval       │
  ├──────────────────┼──────────┼───────┼────────────────────────────┤
  │ budget           │ yes      │ no    │ release (line approved)    │
  │ budget_request   │ yes      │ yes   │ release (grant stays)      │
  │ material_request │ yes      │ no    │ consume                    │
  │ purchase_order   │ yes      │ no    │ consume                    │
  │ rfq              │ no       │ no    │ -                          │
  │ invoice          │ no       │ no    │ -                          │
  └──────────────────┴──────────┴───────┴────────────────────────────┘
  All reservations happen on the first approved hop unless a checkpoint
  order is configured. Purchase orders and material requests commit
  money and consume on terminal approval. Budget kinds settle into an
  approved line instead. Invoices settle a purchase order that already
  consumed, so they do not touch the ledger again.

EXAMPLE:
  policies := procurement.Default().WithCheckpoint(engine.DocPurchaseOrder, 2)
  chains := engine.NewChainService(store, policies, publisher, log)
*/
package procurement

import (
	"fmt"

	"github.com/warp/approval-engine/engine"
)

// Policies maps each document kind to its financial policy.
type Policies map[engine.DocumentKind]engine.FinancialPolicy

// Default returns the standard procurement policies.
func Default() Policies {
	return Policies{
		engine.DocBudget:          {Reserves: true},
		engine.DocBudgetRequest:   {Reserves: true, GrantOnApproval: true},
		engine.DocMaterialRequest: {Reserves: true, ConsumeOnFinal: true},
		engine.DocPurchaseOrder:   {Reserves: true, ConsumeOnFinal: true},
		engine.DocRFQ:             {},
		engine.DocInvoice:         {},
	}
}

// FinancialPolicy implements engine.PolicySource. Unknown kinds never
// touch the ledger.
func (p Policies) FinancialPolicy(kind engine.DocumentKind) engine.FinancialPolicy {
	return p[kind]
}

// WithCheckpoint returns a copy of p where kind reserves once a hop at
// order or later is approved.
func (p Policies) WithCheckpoint(kind engine.DocumentKind, order int) Policies {
	out := p.clone()
	pol := out[kind]
	pol.CheckpointOrder = order
	out[kind] = pol
	return out
}

// With returns a copy of p with kind's policy replaced.
func (p Policies) With(kind engine.DocumentKind, pol engine.FinancialPolicy) Policies {
	out := p.clone()
	out[kind] = pol
	return out
}

// Validate rejects policies for unknown kinds and inconsistent flags.
func (p Policies) Validate() error {
	for kind, pol := range p {
		if !kind.Valid() {
			return &engine.ValidationError{Field: "kind", Message: fmt.Sprintf("unknown document kind %q", kind)}
		}
		if pol.CheckpointOrder < 0 {
			return &engine.ValidationError{Field: string(kind) + ".checkpoint_order", Message: "must not be negative"}
		}
		if !pol.Reserves && (pol.GrantOnApproval || pol.ConsumeOnFinal || pol.CheckpointOrder > 0) {
			return &engine.ValidationError{Field: string(kind), Message: "grant, consume and checkpoint need reserves"}
		}
	}
	return nil
}

func (p Policies) clone() Policies {
	out := make(Policies, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
