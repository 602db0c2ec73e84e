package discount

import "context"

// CheckValidity reports whether the user may redeem the discount under its
// redemption-limit policy. It only counts existing fulfilled redemptions;
// checking never consumes a redemption slot.
//
// Two concurrent checkouts can both pass this check for a one-time discount:
// the check-then-act sequence is not atomic. That race is accepted given low
// contention on limited discounts.
func CheckValidity(ctx context.Context, d *Discount, counter RedemptionCounter, userID string) (bool, error) {
	switch d.RedemptionType {
	case RedemptionOneTime:
		n, err := counter.CountRedemptions(ctx, d.ID)
		if err != nil {
			return false, err
		}
		return n == 0, nil
	case RedemptionOneTimePerUser:
		n, err := counter.CountUserRedemptions(ctx, d.ID, userID)
		if err != nil {
			return false, err
		}
		return n == 0, nil
	case RedemptionSetLimit:
		n, err := counter.CountRedemptions(ctx, d.ID)
		if err != nil {
			return false, err
		}
		return n < d.MaxRedemptions, nil
	case RedemptionUnlimited:
		return true, nil
	default:
		return false, nil
	}
}
