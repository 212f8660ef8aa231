package factory

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/warp/approval-engine/engine"
	"github.com/warp/approval-engine/procurement"
)

// =============================================================================
// FINANCIAL POLICY JSON
// =============================================================================

// PolicyJSON overrides the financial policy of one document kind.
//
//	[
//	  {"kind": "purchase_order", "reserves": true, "consume_on_final": true, "checkpoint_order": 2},
//	  {"kind": "invoice", "reserves": false}
//	]
type PolicyJSON struct {
	Kind            string `json:"kind" validate:"required,oneof=budget rfq purchase_order material_request budget_request invoice"`
	Reserves        bool   `json:"reserves"`
	GrantOnApproval bool   `json:"grant_on_approval,omitempty"`
	CheckpointOrder int    `json:"checkpoint_order,omitempty" validate:"gte=0"`
	ConsumeOnFinal  bool   `json:"consume_on_final,omitempty"`
}

type policiesJSON struct {
	Policies []PolicyJSON `json:"policies" validate:"dive"`
}

// ParsePolicies applies a JSON array of overrides on top of
// procurement.Default(). Kinds not listed keep their default.
func (f *Factory) ParsePolicies(jsonStr string) (procurement.Policies, error) {
	var doc policiesJSON
	if err := json.Unmarshal([]byte(jsonStr), &doc.Policies); err != nil {
		return nil, &engine.ValidationError{Message: fmt.Sprintf("failed to parse policies JSON: %v", err)}
	}
	return f.PoliciesFromJSON(doc.Policies)
}

// PoliciesFromJSON validates overrides and applies them to the defaults.
func (f *Factory) PoliciesFromJSON(overrides []PolicyJSON) (procurement.Policies, error) {
	if err := f.validate.Struct(policiesJSON{Policies: overrides}); err != nil {
		return nil, toValidationError(err)
	}
	policies := procurement.Default()
	seen := make(map[string]bool, len(overrides))
	for _, pj := range overrides {
		if seen[pj.Kind] {
			return nil, &engine.ValidationError{Field: "kind", Message: fmt.Sprintf("%s is listed twice", pj.Kind)}
		}
		seen[pj.Kind] = true
		policies = policies.With(engine.DocumentKind(pj.Kind), engine.FinancialPolicy{
			Reserves:        pj.Reserves,
			GrantOnApproval: pj.GrantOnApproval,
			CheckpointOrder: pj.CheckpointOrder,
			ConsumeOnFinal:  pj.ConsumeOnFinal,
		})
	}
	if err := policies.Validate(); err != nil {
		return nil, err
	}
	return policies, nil
}

// PoliciesToJSON lists every policy in kind order.
func (f *Factory) PoliciesToJSON(policies procurement.Policies) []PolicyJSON {
	out := make([]PolicyJSON, 0, len(policies))
	for kind, pol := range policies {
		out = append(out, PolicyJSON{
			Kind:            string(kind),
			Reserves:        pol.Reserves,
			GrantOnApproval: pol.GrantOnApproval,
			CheckpointOrder: pol.CheckpointOrder,
			ConsumeOnFinal:  pol.ConsumeOnFinal,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}
