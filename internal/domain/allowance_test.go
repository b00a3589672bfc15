package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestComputeApprovalAmount(t *testing.T) {
	cases := []struct {
		required string
		want     string
	}{
		{"100", "110"},
		{"9.99", "9.99"},
		{"10", "11"},
		{"10.5", "11"}, // floor(11.55)
		{"0.5", "0.5"},
		{"1234.56", "1358"},
	}
	for _, tc := range cases {
		t.Run(tc.required, func(t *testing.T) {
			got := ComputeApprovalAmount(dec(tc.required))
			assert.True(t, dec(tc.want).Equal(got), "got %s", got)
		})
	}
}

func TestComputeApprovalAmount_NeverBelowRequired(t *testing.T) {
	for _, s := range []string{"0.01", "9.999", "10", "10.01", "99.99", "1000000"} {
		got := ComputeApprovalAmount(dec(s))
		assert.True(t, got.GreaterThanOrEqual(dec(s)), "required %s approved %s", s, got)
	}
}

func TestDecideAllowance_SkipWhenSufficient(t *testing.T) {
	d := DecideAllowance(dec("100"), dec("150"))
	assert.True(t, d.Skip)
	assert.True(t, d.ApproveAmount.IsZero())

	d = DecideAllowance(dec("100"), dec("100"))
	assert.True(t, d.Skip, "exactly enough allowance is enough")
}

func TestDecideAllowance_SubmitWhenShort(t *testing.T) {
	d := DecideAllowance(dec("100"), dec("99.99"))
	assert.False(t, d.Skip)
	assert.True(t, dec("110").Equal(d.ApproveAmount))
}
