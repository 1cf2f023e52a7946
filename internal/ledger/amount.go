package ledger

import (
	"math"
	"strconv"
)

const nanosPerUSD = 1_000_000_000

// Amount is money in nano-USD. Integer arithmetic keeps settlements exact.
type Amount int64

// FromUSD converts a dollar value. Fractions of a nano-USD round up so that
// estimates never undershoot.
func FromUSD(usd float64) Amount {
	v := usd * nanosPerUSD
	if r := math.Round(v); math.Abs(v-r) < 1e-6 {
		return Amount(r)
	}
	return Amount(math.Ceil(v))
}

func (a Amount) USD() float64 {
	return float64(a) / nanosPerUSD
}

func (a Amount) String() string {
	return "$" + strconv.FormatFloat(a.USD(), 'f', -1, 64)
}
