package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcceptRule(t *testing.T) {
	params := map[string]interface{}{
		"amount":     5000.0,
		"currency":   "BIF",
		"eth_amount": 0.001735,
		"pump_id":    "PUMP001",
	}

	tests := []struct {
		name     string
		rule     string
		expected bool
		wantErr  bool
	}{
		{name: "empty accepts", rule: "", expected: true},
		{name: "literal false", rule: "FALSE", expected: false},
		{name: "numeric comparison", rule: "eth_amount < 0.01", expected: true},
		{name: "currency filter", rule: "currency != 'BIF'", expected: false},
		{name: "combined", rule: "amount >= 1000 && pump_id == 'PUMP001'", expected: true},
		{name: "non boolean", rule: "amount * 2", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule, err := NewAcceptRule(tt.rule)
			require.NoError(t, err)

			got, err := rule.Evaluate(params)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestNewAcceptRule_Invalid(t *testing.T) {
	_, err := NewAcceptRule("amount >")
	assert.Error(t, err)
}
