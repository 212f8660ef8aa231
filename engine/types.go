/*
Package engine provides the approval-routing and budget-ledger core.

PURPOSE:
  A document (budget, RFQ, purchase order, invoice, material or budget
  request) advances through an ordered chain of human approvers while the
  monetary counters of the budget line it charges stay consistent across
  the cost-center hierarchy and the fiscal calendar.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: fixed-point decimal amounts with 2-digit scale
  - Typed identifiers for every persisted row
  - DocumentKind / DocumentRef: closed set of approvable documents
  - ActingUser: explicit "who is acting" value, no ambient request state

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal, never float64, for every amount
  2. Type Safety: distinct ID types so a budget id can't be passed as a user id
  3. Explicitness: the acting user travels as a value into every call
  4. Atomicity: every ledger + chain mutation runs inside one TxStore.WithTx

SEE ALSO:
  - fiscal.go:  Fiscal calendar and mutability gate
  - ledger.go:  Budget line counters and BudgetUsage rollups
  - chain.go:   Approval chain state machine
  - process.go: Process steps and assignee resolution
*/
package engine

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Fixed-point amounts, always rounded to 2 decimal places
// =============================================================================

// MoneyScale is the number of fractional digits kept for every amount.
const MoneyScale = 2

// Money is a fixed-point amount.
type Money = decimal.Decimal

// RoundMoney rounds d to MoneyScale.
func RoundMoney(d decimal.Decimal) Money { return d.Round(MoneyScale) }

// NewMoney parses s ("1250.50") into a rounded amount.
func NewMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return RoundMoney(d), nil
}

// MustMoney is NewMoney for literals in tests and seeds.
func MustMoney(s string) Money {
	m, err := NewMoney(s)
	if err != nil {
		panic(err)
	}
	return m
}

// MoneyFromInt returns a whole-unit amount.
func MoneyFromInt(v int64) Money { return decimal.NewFromInt(v) }

// =============================================================================
// IDENTIFIERS
// =============================================================================

type (
	FiscalYearID    int64
	FiscalPeriodID  int64
	BudgetID        int64
	UserID          int64
	DesignationID   int64
	DepartmentID    int64
	CostCenterID    int64
	SubCostCenterID int64
	ProcessID       int64
	ProcessStepID   int64
	ChainID         int64
	HopID           int64
	TaskID          int64
	DocumentID      int64
	WorkflowID      int64
)

func (id UserID) String() string   { return strconv.FormatInt(int64(id), 10) }
func (id BudgetID) String() string { return strconv.FormatInt(int64(id), 10) }
func (id HopID) String() string    { return strconv.FormatInt(int64(id), 10) }

// =============================================================================
// DOCUMENTS - Closed set of approvable document kinds
// =============================================================================

// DocumentKind discriminates the documents that can travel through a chain.
// The set is closed: Valid reports false for anything not listed here.
type DocumentKind string

const (
	DocBudget          DocumentKind = "budget"
	DocRFQ             DocumentKind = "rfq"
	DocPurchaseOrder   DocumentKind = "purchase_order"
	DocMaterialRequest DocumentKind = "material_request"
	DocBudgetRequest   DocumentKind = "budget_request"
	DocInvoice         DocumentKind = "invoice"
)

// DocumentKinds lists every kind in a stable order.
var DocumentKinds = []DocumentKind{
	DocBudget, DocRFQ, DocPurchaseOrder, DocMaterialRequest, DocBudgetRequest, DocInvoice,
}

func (k DocumentKind) Valid() bool {
	for _, known := range DocumentKinds {
		if k == known {
			return true
		}
	}
	return false
}

// ParseDocumentKind converts a wire value into a DocumentKind.
func ParseDocumentKind(s string) (DocumentKind, error) {
	k := DocumentKind(s)
	if !k.Valid() {
		return "", &ValidationError{Field: "kind", Message: fmt.Sprintf("unknown document kind %q", s)}
	}
	return k, nil
}

// DocumentRef is a typed reference to one document: discriminant + id.
type DocumentRef struct {
	Kind DocumentKind
	ID   DocumentID
}

func (r DocumentRef) String() string { return fmt.Sprintf("%s#%d", r.Kind, r.ID) }

// Validate rejects refs outside the closed kind set or without an id.
func (r DocumentRef) Validate() error {
	if !r.Kind.Valid() {
		return &ValidationError{Field: "kind", Message: fmt.Sprintf("unknown document kind %q", r.Kind)}
	}
	if r.ID <= 0 {
		return &ValidationError{Field: "id", Message: "document id must be positive"}
	}
	return nil
}

// DocumentStatus is the lifecycle of the owning document as seen by the chain.
type DocumentStatus string

const (
	DocumentDraft    DocumentStatus = "draft"
	DocumentPending  DocumentStatus = "pending"
	DocumentApproved DocumentStatus = "approved"
	DocumentRejected DocumentStatus = "rejected"
)

// =============================================================================
// ORGANIZATION
// =============================================================================

type User struct {
	ID            UserID
	Name          string
	DesignationID DesignationID
	DepartmentID  DepartmentID
}

type Designation struct {
	ID       DesignationID
	Name     string
	ParentID *DesignationID
}

type Department struct {
	ID       DepartmentID
	Name     string
	ParentID *DepartmentID
}

type CostCenter struct {
	ID   CostCenterID
	Name string
}

type SubCostCenter struct {
	ID           SubCostCenterID
	CostCenterID CostCenterID
	Name         string
}

// ActingUser is the explicit identity and organizational position of whoever
// performs an operation. RoleChain holds the user's designation ancestry,
// nearest parent first; it is filled by OrgDirectory.ActingUser.
type ActingUser struct {
	ID            UserID
	DesignationID DesignationID
	DepartmentID  DepartmentID
	RoleChain     []DesignationID
}

// Clock returns the current time. Services take one so tests can pin "now".
type Clock func() time.Time

func systemClock() time.Time { return time.Now().UTC() }
