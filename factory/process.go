/*
Package factory provides JSON to Go conversion for process definitions
and financial policies.

PURPOSE:
  Administrators describe approval processes in JSON. The factory checks
  the shape with go-playground/validator, then builds the engine types.
  Cross-row checks (approver exists, designation exists) are left to
  engine.DefineProcess, which runs them inside its transaction.

PROCESS JSON:
  {
    "name": "PO approval",
    "document_kind": "purchase_order",
    "escalation_user_id": 9,
    "steps": [
      {"order": 1, "designation_id": 7, "timeout_days": 3},
      {"order": 2, "approver_id": 12}
    ]
  }

  Every step needs an approver_id or a designation_id. Orders must be
  positive and unique within the process. is_active defaults to true for
  both the process and its steps.

USAGE:
  f := factory.New()
  p, steps, err := f.ParseProcess(jsonString)
  p, steps, err = engine.DefineProcess(ctx, store, p, steps)

SEE ALSO:
  - policy.go: Financial policy overrides in JSON
  - engine/process.go: Process and ProcessStep
*/
package factory

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/warp/approval-engine/engine"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// ProcessJSON is the JSON representation of a process.
type ProcessJSON struct {
	Name             string     `json:"name" validate:"required,max=200"`
	DocumentKind     string     `json:"document_kind" validate:"required,oneof=budget rfq purchase_order material_request budget_request invoice"`
	EscalationUserID *int64     `json:"escalation_user_id,omitempty" validate:"omitempty,gt=0"`
	IsActive         *bool      `json:"is_active,omitempty"`
	Steps            []StepJSON `json:"steps" validate:"required,min=1,unique=Order,dive"`
}

// StepJSON is one step of a process.
type StepJSON struct {
	Order         int    `json:"order" validate:"gt=0"`
	ApproverID    *int64 `json:"approver_id,omitempty" validate:"required_without=DesignationID,omitempty,gt=0"`
	DesignationID *int64 `json:"designation_id,omitempty" validate:"required_without=ApproverID,omitempty,gt=0"`
	TimeoutDays   int    `json:"timeout_days,omitempty" validate:"gte=0,lte=365"`
	IsActive      *bool  `json:"is_active,omitempty"`
}

// =============================================================================
// FACTORY
// =============================================================================

// Factory converts JSON definitions to engine types.
type Factory struct {
	validate *validator.Validate
}

func New() *Factory {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(jsonName)
	return &Factory{validate: v}
}

// ParseProcess parses a JSON string into a Process and its steps.
func (f *Factory) ParseProcess(jsonStr string) (engine.Process, []engine.ProcessStep, error) {
	var pj ProcessJSON
	if err := json.Unmarshal([]byte(jsonStr), &pj); err != nil {
		return engine.Process{}, nil, &engine.ValidationError{Message: fmt.Sprintf("failed to parse process JSON: %v", err)}
	}
	return f.ProcessFromJSON(pj)
}

// ProcessFromJSON validates pj and converts it. Steps come back sorted by
// order.
func (f *Factory) ProcessFromJSON(pj ProcessJSON) (engine.Process, []engine.ProcessStep, error) {
	if err := f.validate.Struct(pj); err != nil {
		return engine.Process{}, nil, toValidationError(err)
	}

	p := engine.Process{
		Name:         strings.TrimSpace(pj.Name),
		DocumentKind: engine.DocumentKind(pj.DocumentKind),
		IsActive:     boolOr(pj.IsActive, true),
	}
	if pj.EscalationUserID != nil {
		id := engine.UserID(*pj.EscalationUserID)
		p.EscalationUserID = &id
	}

	steps := make([]engine.ProcessStep, 0, len(pj.Steps))
	for _, sj := range pj.Steps {
		st := engine.ProcessStep{
			Order:       sj.Order,
			TimeoutDays: sj.TimeoutDays,
			IsActive:    boolOr(sj.IsActive, true),
		}
		if sj.ApproverID != nil {
			id := engine.UserID(*sj.ApproverID)
			st.ApproverID = &id
		}
		if sj.DesignationID != nil {
			id := engine.DesignationID(*sj.DesignationID)
			st.DesignationID = &id
		}
		steps = append(steps, st)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })
	return p, steps, nil
}

// ProcessToJSON converts a stored process back to its JSON form.
func (f *Factory) ProcessToJSON(p engine.Process, steps []engine.ProcessStep) ProcessJSON {
	active := p.IsActive
	pj := ProcessJSON{
		Name:         p.Name,
		DocumentKind: string(p.DocumentKind),
		IsActive:     &active,
	}
	if p.EscalationUserID != nil {
		id := int64(*p.EscalationUserID)
		pj.EscalationUserID = &id
	}
	for _, st := range steps {
		stepActive := st.IsActive
		sj := StepJSON{Order: st.Order, TimeoutDays: st.TimeoutDays, IsActive: &stepActive}
		if st.ApproverID != nil {
			id := int64(*st.ApproverID)
			sj.ApproverID = &id
		}
		if st.DesignationID != nil {
			id := int64(*st.DesignationID)
			sj.DesignationID = &id
		}
		pj.Steps = append(pj.Steps, sj)
	}
	return pj
}

// =============================================================================
// HELPERS
// =============================================================================

// jsonName makes validation errors name fields the way callers wrote them.
func jsonName(fld reflect.StructField) string {
	name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
	if name == "-" {
		return ""
	}
	return name
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

// toValidationError reports the first failing field as an engine
// ValidationError.
func toValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &engine.ValidationError{Message: err.Error()}
	}
	fe := verrs[0]
	msg := fe.Tag()
	if fe.Param() != "" {
		msg += "=" + fe.Param()
	}
	return &engine.ValidationError{Field: fieldPath(fe.Namespace()), Message: msg}
}

// fieldPath turns "ProcessJSON.steps[0].order" into "steps[0].order".
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}
