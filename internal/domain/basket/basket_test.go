package basket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDedupeItems(t *testing.T) {
	items := []Item{
		{ProductID: "p1", Quantity: 2},
		{ProductID: "p2", Quantity: 1},
		{ProductID: "p1", Quantity: 1},
	}

	deduped := DedupeItems(items)

	assert.Len(t, deduped, 2)
	assert.Equal(t, "p1", deduped[0].ProductID)
	assert.Equal(t, 3, deduped[0].Quantity)
	assert.Equal(t, "p2", deduped[1].ProductID)
	assert.Equal(t, 1, deduped[1].Quantity)
}

func TestMatches(t *testing.T) {
	applied := &AppliedDiscount{DiscountID: "d1", RedeemedBy: "u1", RedeemedDate: time.Now()}

	tests := []struct {
		name            string
		items           []Item
		applied         *AppliedDiscount
		lines           []LineSummary
		orderDiscountID string
		want            bool
	}{
		{
			name:    "items and discount match",
			items:   []Item{{ProductID: "p1", Quantity: 2}},
			applied: applied,
			lines:   []LineSummary{{ProductID: "p1", Quantity: 2}},

			orderDiscountID: "d1",
			want:            true,
		},
		{
			name:  "no discount on either side",
			items: []Item{{ProductID: "p1", Quantity: 1}},
			lines: []LineSummary{{ProductID: "p1", Quantity: 1}},
			want:  true,
		},
		{
			name:            "basket lost its discount but order kept the redemption",
			items:           []Item{{ProductID: "p1", Quantity: 1}},
			lines:           []LineSummary{{ProductID: "p1", Quantity: 1}},
			orderDiscountID: "d1",
			want:            false,
		},
		{
			name:    "quantity mismatch",
			items:   []Item{{ProductID: "p1", Quantity: 3}},
			applied: applied,
			lines:   []LineSummary{{ProductID: "p1", Quantity: 2}},

			orderDiscountID: "d1",
			want:            false,
		},
		{
			name:  "extra product in order",
			items: []Item{{ProductID: "p1", Quantity: 1}},
			lines: []LineSummary{
				{ProductID: "p1", Quantity: 1},
				{ProductID: "p2", Quantity: 1},
			},
			want: false,
		},
		{
			name: "duplicate basket items collapse before comparing",
			items: []Item{
				{ProductID: "p1", Quantity: 2},
				{ProductID: "p1", Quantity: 1},
			},
			lines: []LineSummary{{ProductID: "p1", Quantity: 3}},
			want:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Matches(tt.items, tt.applied, tt.lines, tt.orderDiscountID)
			assert.Equal(t, tt.want, got)
		})
	}
}
