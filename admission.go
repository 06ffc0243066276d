package colearn

import (
	"math"
)

// Admit reports whether an update sent for proportion of the cluster,
// with the sender-drawn factor, is kept by a receiver whose random offset
// is offset.
func Admit(offset, factor, proportion float64) bool {
	_, frac := math.Modf(offset + factor)
	return frac <= proportion
}

func validProportion(p float64) bool {
	return p >= 0 && p <= 1
}
