package cycle

import (
	"errors"
	"fmt"

	"mycelial/internal/config"
)

var (
	ErrTerminated              = errors.New("cycle manager terminated")
	ErrCycleState              = errors.New("operation invalid for cycle state")
	ErrUnknownCompressionLevel = errors.New("unknown compression level")
)

type State string

const (
	StateActive     State = "active"
	StateScoring    State = "scoring"
	StateSeeded     State = "seeded"
	StateTerminated State = "terminated"
)

// CompressionLevel picks the retention threshold at the end of a cycle.
// Higher compression keeps fewer survivors.
type CompressionLevel string

const (
	CompressionLow    CompressionLevel = "low"
	CompressionMedium CompressionLevel = "medium"
	CompressionHigh   CompressionLevel = "high"
)

func ParseCompressionLevel(level string) (CompressionLevel, error) {
	switch CompressionLevel(level) {
	case CompressionLow, CompressionMedium, CompressionHigh:
		return CompressionLevel(level), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCompressionLevel, level)
	}
}

func (l CompressionLevel) threshold(t config.Thresholds) float64 {
	switch l {
	case CompressionLow:
		return t.Low
	case CompressionMedium:
		return t.Medium
	default:
		return t.High
	}
}
