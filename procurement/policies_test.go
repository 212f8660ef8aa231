package procurement

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/approval-engine/engine"
)

func TestDefault_CoversEveryKind(t *testing.T) {
	p := Default()

	require.NoError(t, p.Validate())
	for _, kind := range engine.DocumentKinds {
		_, ok := p[kind]
		assert.True(t, ok, "missing policy for %s", kind)
	}
	assert.True(t, p.FinancialPolicy(engine.DocPurchaseOrder).ConsumeOnFinal)
	assert.True(t, p.FinancialPolicy(engine.DocMaterialRequest).ConsumeOnFinal)
	assert.True(t, p.FinancialPolicy(engine.DocBudgetRequest).GrantOnApproval)
	assert.False(t, p.FinancialPolicy(engine.DocRFQ).Reserves)
	assert.False(t, p.FinancialPolicy(engine.DocInvoice).Reserves)
}

func TestWithCheckpoint_DoesNotMutateReceiver(t *testing.T) {
	base := Default()

	moved := base.WithCheckpoint(engine.DocPurchaseOrder, 3)

	assert.Equal(t, 3, moved.FinancialPolicy(engine.DocPurchaseOrder).CheckpointOrder)
	assert.True(t, moved.FinancialPolicy(engine.DocPurchaseOrder).ConsumeOnFinal)
	assert.Zero(t, base.FinancialPolicy(engine.DocPurchaseOrder).CheckpointOrder)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		policies Policies
		ok       bool
	}{
		{"defaults", Default(), true},
		{"unknown kind", Default().With("timesheet", engine.FinancialPolicy{}), false},
		{"negative checkpoint", Default().WithCheckpoint(engine.DocBudget, -1), false},
		{"grant without reserve", Default().With(engine.DocInvoice, engine.FinancialPolicy{GrantOnApproval: true}), false},
		{"checkpoint without reserve", Default().WithCheckpoint(engine.DocRFQ, 2), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policies.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, engine.ErrValidation)
			}
		})
	}
}

func TestFinancialPolicy_UnknownKindIsInert(t *testing.T) {
	pol := Default().FinancialPolicy("timesheet")

	assert.Equal(t, engine.FinancialPolicy{}, pol)
}
