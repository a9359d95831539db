// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"errors"
	"math"
	"math/bits"
	"slices"

	"github.com/sustainable-computing-io/powerstats/internal/device"
)

// ErrZeroMeterTotal is reported when owners have usage but the meter
// measured no energy to redistribute
var ErrZeroMeterTotal = errors.New("consumer: usage observed but meter total is zero")

// Weights computes Σ usage × coefficient per owner. Buckets of the table
// without a coefficient are returned in ignored. Owners with no weighted
// usage are left out.
func Weights(table *UsageTable, coefficients map[string]uint64) (weights map[int32]uint64, ignored []string) {
	coef := make([]uint64, len(table.Buckets))
	known := make([]bool, len(table.Buckets))
	for i, b := range table.Buckets {
		c, ok := coefficients[b]
		if !ok {
			ignored = append(ignored, b)
			continue
		}
		coef[i], known[i] = c, true
	}

	weights = map[int32]uint64{}
	for uid, usage := range table.Rows {
		var w uint64
		for i, u := range usage {
			if known[i] {
				w = addSat(w, mulSat(u, coef[i]))
			}
		}
		if w > 0 {
			weights[uid] = w
		}
	}
	return weights, ignored
}

// Distribute splits total over owners in proportion to weights. Shares are
// rounded down and the remaining units go to the largest remainders (lowest
// uid first on ties), so the shares always add up to total. An empty result
// means no owner has weight.
func Distribute(total device.Energy, weights map[int32]uint64) (map[int32]device.Energy, error) {
	ret := make(map[int32]device.Energy, len(weights))
	if len(weights) == 0 {
		return ret, nil
	}
	if total == 0 {
		return nil, ErrZeroMeterTotal
	}

	uids := make([]int32, 0, len(weights))
	for uid := range weights {
		uids = append(uids, uid)
	}
	slices.Sort(uids)

	scaled, sum := fitWeights(uids, weights)
	if sum == 0 {
		return ret, nil
	}

	type share struct {
		uid int32
		rem uint64
	}
	rems := make([]share, 0, len(uids))
	var assigned uint64
	for _, uid := range uids {
		// total*w/sum fits in 64 bits since w <= sum
		hi, lo := bits.Mul64(uint64(total), scaled[uid])
		q, r := bits.Div64(hi, lo, sum)
		ret[uid] = device.Energy(q)
		assigned += q
		rems = append(rems, share{uid, r})
	}

	// stable sort keeps uid order among equal remainders
	slices.SortStableFunc(rems, func(a, b share) int {
		switch {
		case a.rem > b.rem:
			return -1
		case a.rem < b.rem:
			return 1
		default:
			return 0
		}
	})
	for i := uint64(0); i < uint64(total)-assigned; i++ {
		ret[rems[i].uid]++
	}
	return ret, nil
}

// fitWeights halves every weight until their sum fits in 64 bits
func fitWeights(uids []int32, weights map[int32]uint64) (map[int32]uint64, uint64) {
	scaled := make(map[int32]uint64, len(weights))
	for uid, w := range weights {
		scaled[uid] = w
	}
	for {
		var sum, carry uint64
		for _, uid := range uids {
			sum, carry = bits.Add64(sum, scaled[uid], 0)
			if carry != 0 {
				break
			}
		}
		if carry == 0 {
			return scaled, sum
		}
		for uid := range scaled {
			scaled[uid] >>= 1
		}
	}
}

func mulSat(a, b uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return math.MaxUint64
	}
	return lo
}

func addSat(a, b uint64) uint64 {
	s, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return math.MaxUint64
	}
	return s
}
