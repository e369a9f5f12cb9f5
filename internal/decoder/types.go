// Package decoder turns per-frame classifier output into accepted symbols and
// assembles them into words. Nothing in this package is safe for concurrent
// use; the session actor owns every value it creates.
package decoder

import (
	"math"
	"time"
)

// Score is one alphabet entry of a classifier output.
type Score struct {
	Symbol     string
	Confidence float64
}

// ConfidenceVector holds one Score per alphabet entry, in alphabet order.
type ConfidenceVector []Score

// Top returns the entry with the highest confidence. Ties go to the entry
// that comes first in the vector. NaN entries are never selected.
func (v ConfidenceVector) Top() (Score, bool) {
	var best Score
	found := false
	for _, s := range v {
		if math.IsNaN(s.Confidence) {
			continue
		}
		if !found || s.Confidence > best.Confidence {
			best = s
			found = true
		}
	}
	return best, found
}

// Sample is a gated single-frame prediction waiting in a voting window.
type Sample struct {
	Symbol     string
	Confidence float64
	Timestamp  time.Time
}
