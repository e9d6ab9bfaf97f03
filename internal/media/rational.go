package media

import (
	"fmt"
	"math"
	"math/big"
)

// Rational is a tick duration of Num/Den seconds.
type Rational struct {
	Num int64
	Den int64
}

func (r Rational) Valid() bool { return r.Num > 0 && r.Den > 0 }

func (r Rational) String() string { return fmt.Sprintf("%d/%d", r.Num, r.Den) }

// Rescale converts ticks from one timebase into another, rounding to the
// nearest tick with halves away from zero. NoPTS passes through unchanged.
func Rescale(ticks int64, from, to Rational) int64 {
	if ticks == NoPTS {
		return NoPTS
	}
	return rescale(ticks, from.Num*to.Den, from.Den*to.Num)
}

// SecondsToTicks expresses a duration in seconds as ticks of tb, saturating
// at the int64 range.
func SecondsToTicks(seconds float64, tb Rational) int64 {
	v := math.Round(seconds * float64(tb.Den) / float64(tb.Num))
	switch {
	case math.IsNaN(v):
		return 0
	case v >= math.MaxInt64:
		return math.MaxInt64
	case v <= math.MinInt64:
		return math.MinInt64
	}
	return int64(v)
}

func rescale(a, b, c int64) int64 {
	if c == 0 {
		return NoPTS
	}
	n := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
	d := big.NewInt(c)
	q, r := new(big.Int).QuoRem(n, d, new(big.Int))
	if r.Sign() != 0 {
		twice := new(big.Int).Abs(r)
		twice.Lsh(twice, 1)
		if twice.Cmp(new(big.Int).Abs(d)) >= 0 {
			if n.Sign()*d.Sign() < 0 {
				q.Sub(q, big.NewInt(1))
			} else {
				q.Add(q, big.NewInt(1))
			}
		}
	}
	if !q.IsInt64() {
		if q.Sign() < 0 {
			return math.MinInt64 + 1
		}
		return math.MaxInt64
	}
	return q.Int64()
}
