// Package money carries monetary values through the pipeline as
// integer satoshis instead of the upstream node's floating-point
// decimal values.
package money

import "math"

// Satoshi is an integer amount of satoshis, the atomic unit used
// internally once a value crosses in from the upstream wire.
type Satoshi int64

// FromBTC converts a floating-point BTC amount, as delivered by the
// upstream node, into Satoshi using truncation (not rounding):
// floor(btc * 1e8). Conversion happens exactly once, at the boundary,
// so no further float round-tripping occurs downstream.
func FromBTC(btc float64) Satoshi {
	return Satoshi(math.Floor(btc * 1e8))
}

// Int64 returns the amount as a plain int64, the representation used
// in JSON payloads.
func (s Satoshi) Int64() int64 {
	return int64(s)
}
