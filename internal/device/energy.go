// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"math"
)

// Energy is an accumulated energy count in microjoules (µWs), the unit
// meters report rail energy in
type Energy uint64

const (
	MicroJoule Energy = 1
	MilliJoule        = 1000 * MicroJoule
	Joule             = 1000 * MilliJoule
)

func (e Energy) MicroJoules() uint64 {
	return uint64(e)
}

func (e Energy) MilliJoules() float64 {
	return float64(e) / float64(MilliJoule)
}

func (e Energy) Joules() float64 {
	return float64(e) / float64(Joule)
}

func (e Energy) String() string {
	return fmt.Sprintf("%.2fJ", e.Joules())
}

// Add returns e + o, saturating at the maximum representable energy
func (e Energy) Add(o Energy) Energy {
	if e > math.MaxUint64-o {
		return math.MaxUint64
	}
	return e + o
}

// Delta returns the energy accumulated between prev and e. A counter that went
// backwards has been reset; the delta restarts from zero and e is returned.
func (e Energy) Delta(prev Energy) Energy {
	if e < prev {
		return e
	}
	return e - prev
}
