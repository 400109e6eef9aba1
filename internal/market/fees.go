package market

import (
	"fmt"
	"math/big"
)

// FeeSchedule computes the marketplace cut of every settlement. The split is
// exact integer arithmetic: Fee(a) + OwnerDue(a) == a for every a >= 0.
type FeeSchedule struct {
	num *big.Int
	den *big.Int
}

// NewFeeSchedule builds a schedule taking num/den of each settlement amount.
// num must not exceed den and den must be positive.
func NewFeeSchedule(num, den uint64) (FeeSchedule, error) {
	if den == 0 {
		return FeeSchedule{}, fmt.Errorf("fee denominator must be positive")
	}
	if num > den {
		return FeeSchedule{}, fmt.Errorf("fee numerator %d exceeds denominator %d", num, den)
	}
	return FeeSchedule{
		num: new(big.Int).SetUint64(num),
		den: new(big.Int).SetUint64(den),
	}, nil
}

// Fee returns floor(amount * num / den).
func (f FeeSchedule) Fee(amount *big.Int) *big.Int {
	fee := new(big.Int).Mul(amount, f.num)
	return fee.Quo(fee, f.den)
}

// Split returns the fee and the owner's remainder.
func (f FeeSchedule) Split(amount *big.Int) (fee, ownerDue *big.Int) {
	fee = f.Fee(amount)
	ownerDue = new(big.Int).Sub(amount, fee)
	return fee, ownerDue
}

func (f FeeSchedule) String() string {
	return fmt.Sprintf("%s/%s", f.num, f.den)
}
