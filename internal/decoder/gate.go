package decoder

import "time"

// DefaultGateThreshold is the confidence a frame's top entry must exceed.
const DefaultGateThreshold = 0.70

// Gate drops low-confidence frames before they reach the vote.
type Gate struct {
	Threshold float64
}

// Admit returns the top entry of v as a sample when its confidence is
// strictly greater than the threshold.
func (g Gate) Admit(v ConfidenceVector, at time.Time) (Sample, bool) {
	top, ok := v.Top()
	if !ok || top.Confidence <= g.Threshold {
		return Sample{}, false
	}
	return Sample{Symbol: top.Symbol, Confidence: top.Confidence, Timestamp: at}, true
}
