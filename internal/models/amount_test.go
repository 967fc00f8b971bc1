package models

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	cases := []struct {
		in   string
		want Amount
	}{
		{"10", 1_000_000_000},
		{"10.00000000", 1_000_000_000},
		{"0.00000001", 1},
		{"6.5", 650_000_000},
		{"0", 0},
	}
	for _, tc := range cases {
		got, err := ParseAmount(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestParseAmountRejects(t *testing.T) {
	_, err := ParseAmount("-1")
	assert.ErrorIs(t, err, ErrNegativeAmount)

	_, err = ParseAmount("0.000000001")
	assert.ErrorIs(t, err, ErrAmountPrecision)

	_, err = ParseAmount("abc")
	assert.Error(t, err)

	_, err = ParseAmount("1000000000000000")
	assert.ErrorIs(t, err, ErrAmountRange)
}

func TestParseSubunits(t *testing.T) {
	a, err := ParseSubunits("600000000")
	require.NoError(t, err)
	assert.Equal(t, "6.00000000", a.String())

	_, err = ParseSubunits("-5")
	assert.ErrorIs(t, err, ErrNegativeAmount)

	_, err = ParseSubunits("1.5")
	assert.Error(t, err)
}

func TestAmountString(t *testing.T) {
	assert.Equal(t, "0.00000000", Amount(0).String())
	assert.Equal(t, "0.00000001", Amount(1).String())
	assert.Equal(t, "10.00000000", Amount(1_000_000_000).String())
	assert.Equal(t, "123.45678901", Amount(12_345_678_901).String())
}

func TestRecordRecompute(t *testing.T) {
	r := &OrderPaymentRecord{
		RequiredTotal: 1_000_000_000,
		ReceivedTransactions: map[string]ReceivedTx{
			"a": {TxHash: "a", Amount: 600_000_000},
			"b": {TxHash: "b", Amount: 300_000_000},
		},
	}
	total, err := r.Recompute()
	require.NoError(t, err)
	assert.Equal(t, Amount(900_000_000), total)
	assert.Equal(t, Amount(100_000_000), r.Remaining())
	assert.Equal(t, OrderPending, r.Status())

	c := r.Clone()
	c.ReceivedTransactions["c"] = ReceivedTx{TxHash: "c", Amount: 100_000_000}
	_, err = c.Recompute()
	require.NoError(t, err)
	assert.Equal(t, Amount(1_000_000_000), c.PaidTotal)
	assert.Equal(t, Amount(900_000_000), r.PaidTotal, "clone must not share the transaction map")
	assert.Equal(t, Amount(0), c.Remaining())
}

func TestRecordRecomputeOverflow(t *testing.T) {
	r := &OrderPaymentRecord{
		PaidTotal: 5,
		ReceivedTransactions: map[string]ReceivedTx{
			"a": {TxHash: "a", Amount: math.MaxInt64},
			"b": {TxHash: "b", Amount: 2},
		},
	}
	_, err := r.Recompute()
	assert.ErrorIs(t, err, ErrAmountRange)
	assert.Equal(t, Amount(5), r.PaidTotal)
}

func TestAmountJSON(t *testing.T) {
	b, err := json.Marshal(Completion{OrderID: "o1", PaidTotal: 1_000_000_000})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"paid_total":"10.00000000"`)

	var c Completion
	require.NoError(t, json.Unmarshal(b, &c))
	assert.Equal(t, Amount(1_000_000_000), c.PaidTotal)
}
