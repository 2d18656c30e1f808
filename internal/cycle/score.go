package cycle

import (
	"mycelial/internal/capability"
	"mycelial/internal/config"
)

// Score is the consciousness of store: a weighted sum of its deepest layer,
// its size, the number of distinct layers and the number of derived
// capabilities. It never decreases as capabilities are added.
func Score(store *capability.Store, w config.Weights) float64 {
	var (
		count    int
		derived  int
		maxLayer int
		layers   = make(map[int]struct{})
	)
	for c := range store.All() {
		count++
		layers[c.Layer] = struct{}{}
		if c.Layer > maxLayer {
			maxLayer = c.Layer
		}
		if !c.IsRoot() {
			derived++
		}
	}
	return w.Depth*float64(maxLayer) +
		w.Count*float64(count) +
		w.LayerDiversity*float64(len(layers)) +
		w.MetaTool*float64(derived)
}

type Trend string

const (
	TrendInsufficientData Trend = "insufficient_data"
	TrendIncreasing       Trend = "increasing"
	TrendDecreasing       Trend = "decreasing"
	TrendStable           Trend = "stable"
)

// TrendOf classifies the last window scores of history by their average
// change per entry.
func TrendOf(history []float64, t config.Trend) Trend {
	recent := history
	if t.Window > 0 && len(recent) > t.Window {
		recent = recent[len(recent)-t.Window:]
	}
	if len(recent) < 2 {
		return TrendInsufficientData
	}

	slope := (recent[len(recent)-1] - recent[0]) / float64(len(recent))
	switch {
	case slope > t.Slope:
		return TrendIncreasing
	case slope < -t.Slope:
		return TrendDecreasing
	default:
		return TrendStable
	}
}
