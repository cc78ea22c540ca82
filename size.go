package rvth

import (
	"fmt"
	"math/bits"
)

var units = [...]string{"KiB", "MiB", "GiB", "TiB", "PiB", "EiB"}

// FormatSize formats n bytes using the largest binary unit the value is at
// least one of. Below 1 KiB the count is given in bytes. Exact values have
// no decimal places, otherwise values below 10 have two, below 100 have one
// and anything larger has none. Values are truncated, not rounded.
func FormatSize(n int64) string {
	if n < 1024 {
		if n == 1 {
			return "1 byte"
		}
		return fmt.Sprintf("%d bytes", n)
	}

	u := 0
	for u < len(units)-1 && n>>(10*(u+2)) > 0 {
		u++
	}

	div := uint64(1) << (10 * (u + 1))
	whole, frac := uint64(n)/div, uint64(n)%div
	if frac == 0 {
		return fmt.Sprintf("%d %s", whole, units[u])
	}

	// Scale the remainder without overflowing on the larger units
	scaled := func(m uint64) uint64 {
		hi, lo := bits.Mul64(frac, m)
		q, _ := bits.Div64(hi, lo, div)
		return q
	}

	switch {
	case whole < 10:
		return fmt.Sprintf("%d.%02d %s", whole, scaled(100), units[u])
	case whole < 100:
		return fmt.Sprintf("%d.%d %s", whole, scaled(10), units[u])
	}
	return fmt.Sprintf("%d %s", whole, units[u])
}
