package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func invariantAsset() *AssetConfig {
	return &AssetConfig{
		ID:              1,
		Symbol:          "BTC/USD",
		Enabled:         true,
		MaxSafetyOrders: 3,
		TTPEnabled:      true,
	}
}

func TestCycleInvariantsAcceptHealthyStates(t *testing.T) {
	asset := invariantAsset()
	now := time.Now().UTC()
	peak := dec("51000")

	healthy := []*Cycle{
		{ID: 1, Status: StatusWatching},
		{ID: 2, Status: StatusWatching, Quantity: dec("0.002"), AveragePurchasePrice: dec("50000"), SafetyOrders: 1},
		{ID: 3, Status: StatusBuying, LatestOrderID: StrPtr("order-1")},
		{ID: 4, Status: StatusSelling, Quantity: dec("0.002"), AveragePurchasePrice: dec("50000"), LatestOrderID: StrPtr("order-2")},
		{ID: 5, Status: StatusTrailing, Quantity: dec("0.002"), AveragePurchasePrice: dec("50000"), HighestTrailingPrice: &peak},
		{ID: 6, Status: StatusCooldown},
		{ID: 7, Status: StatusComplete, CompletedAt: &now},
		{ID: 8, Status: StatusError},
	}
	for _, c := range healthy {
		assert.NoError(t, c.CheckInvariants(asset), "cycle %d", c.ID)
	}
}

func TestCycleInvariantsRejectCorruptStates(t *testing.T) {
	asset := invariantAsset()
	now := time.Now().UTC()
	peak := dec("51000")

	cases := []struct {
		name  string
		cycle *Cycle
		want  string
	}{
		{
			name:  "negative quantity",
			cycle: &Cycle{ID: 1, Status: StatusWatching, Quantity: dec("-0.001")},
			want:  "negative quantity",
		},
		{
			name:  "average price without quantity",
			cycle: &Cycle{ID: 2, Status: StatusWatching, AveragePurchasePrice: dec("50000")},
			want:  "zero quantity",
		},
		{
			name:  "safety count above policy",
			cycle: &Cycle{ID: 3, Status: StatusWatching, Quantity: dec("0.01"), AveragePurchasePrice: dec("1"), SafetyOrders: 4},
			want:  "safety order count",
		},
		{
			name:  "buying without an order",
			cycle: &Cycle{ID: 4, Status: StatusBuying},
			want:  "without an order id",
		},
		{
			name:  "watching with a lingering order",
			cycle: &Cycle{ID: 9, Status: StatusWatching, LatestOrderID: StrPtr("order-3")},
			want:  "with order id",
		},
		{
			name:  "trailing without a peak",
			cycle: &Cycle{ID: 5, Status: StatusTrailing, Quantity: dec("0.01"), AveragePurchasePrice: dec("1")},
			want:  "without a positive peak",
		},
		{
			name:  "trailing without a position",
			cycle: &Cycle{ID: 6, Status: StatusTrailing, HighestTrailingPrice: &peak},
			want:  "no position",
		},
		{
			name:  "complete without timestamp",
			cycle: &Cycle{ID: 7, Status: StatusComplete},
			want:  "without completed_at",
		},
		{
			name:  "complete with leftover quantity",
			cycle: &Cycle{ID: 8, Status: StatusComplete, Quantity: dec("0.001"), AveragePurchasePrice: dec("1"), CompletedAt: &now},
			want:  "complete with quantity",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cycle.CheckInvariants(asset)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestTrailingRequiresTTPEnabled(t *testing.T) {
	asset := invariantAsset()
	asset.TTPEnabled = false
	peak := dec("51000")
	c := &Cycle{ID: 1, Status: StatusTrailing, Quantity: dec("0.01"), AveragePurchasePrice: dec("1"), HighestTrailingPrice: &peak}

	err := c.CheckInvariants(asset)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TTP disabled")
}

func TestCycleStateHelpers(t *testing.T) {
	assert.True(t, (&Cycle{Status: StatusComplete}).IsTerminal())
	assert.True(t, (&Cycle{Status: StatusError}).IsTerminal())
	for _, s := range []string{StatusWatching, StatusBuying, StatusSelling, StatusTrailing, StatusCooldown} {
		assert.False(t, (&Cycle{Status: s}).IsTerminal(), s)
	}

	assert.False(t, (&Cycle{}).HasOpenOrder())
	assert.False(t, (&Cycle{LatestOrderID: StrPtr("")}).HasOpenOrder())
	assert.True(t, (&Cycle{LatestOrderID: StrPtr("order-1")}).HasOpenOrder())
}

func TestPositionDustBoundary(t *testing.T) {
	atMinimum := &Position{Qty: MinOrderQty}
	assert.False(t, atMinimum.IsDust(), "the minimum order size is sellable, not dust")

	below := &Position{Qty: dec("0.0000000019")}
	assert.True(t, below.IsDust())

	empty := &Position{}
	assert.True(t, empty.IsDust())
}

func TestNullableColumnHelpers(t *testing.T) {
	set := SetDec(dec("1.5"))
	require.NotNil(t, set)
	require.NotNil(t, *set)
	assert.True(t, (*set).Equal(dec("1.5")))

	cleared := ClearDec()
	require.NotNil(t, cleared)
	assert.Nil(t, *cleared)

	s := SetStr("order-9")
	require.NotNil(t, *s)
	assert.Equal(t, "order-9", **s)
	assert.Nil(t, *ClearStr())

	now := time.Now()
	tm := SetTime(now)
	require.NotNil(t, *tm)
	assert.True(t, now.Equal(**tm))
	assert.Nil(t, *ClearTime())
}
