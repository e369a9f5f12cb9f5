package decoder

import "math"

// DefaultAcceptThreshold is the score a window's winner must exceed.
const DefaultAcceptThreshold = 0.30

// SymbolScore is the voting result for one symbol of a window.
type SymbolScore struct {
	Symbol        string
	Count         int
	AvgConfidence float64
	Frequency     float64
	Score         float64
}

// Resolution is the outcome of voting over one window.
type Resolution struct {
	Symbol   string
	Score    float64
	Accepted bool
	Samples  int
	Scores   []SymbolScore
}

// Resolve votes over samples. Every symbol is scored as
// avgConfidence × (count/total) × count; the highest score wins with ties
// going to the symbol seen first, and the winner is accepted only when its
// score is strictly above acceptThreshold. Samples with a NaN confidence do
// not vote.
func Resolve(samples []Sample, acceptThreshold float64) Resolution {
	res := Resolution{Samples: len(samples)}
	valid := samples[:0:0]
	for _, s := range samples {
		if !math.IsNaN(s.Confidence) {
			valid = append(valid, s)
		}
	}
	if len(valid) == 0 {
		return res
	}
	samples = valid

	order := make([]string, 0, 4)
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, s := range samples {
		if _, ok := counts[s.Symbol]; !ok {
			order = append(order, s.Symbol)
		}
		counts[s.Symbol]++
		sums[s.Symbol] += s.Confidence
	}

	total := float64(len(samples))
	res.Scores = make([]SymbolScore, 0, len(order))
	best := -1
	for _, sym := range order {
		n := counts[sym]
		avg := sums[sym] / float64(n)
		freq := float64(n) / total
		sc := SymbolScore{
			Symbol:        sym,
			Count:         n,
			AvgConfidence: avg,
			Frequency:     freq,
			Score:         avg * freq * float64(n),
		}
		res.Scores = append(res.Scores, sc)
		// strict comparison keeps the earliest symbol on ties
		if best < 0 || sc.Score > res.Scores[best].Score {
			best = len(res.Scores) - 1
		}
	}

	winner := res.Scores[best]
	res.Symbol = winner.Symbol
	res.Score = winner.Score
	res.Accepted = winner.Score > acceptThreshold
	return res
}
