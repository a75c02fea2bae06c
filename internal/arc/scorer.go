// Package arc tracks page access patterns and derives the retention
// scores that drive search boosting and capacity eviction.
package arc

import (
	"math"
	"time"

	"github.com/webmem/webmem/pkg/models"
)

const (
	// SuppressionThreshold caps visit counters: once any page reaches it,
	// every counter is halved so ratios survive but magnitudes shrink.
	SuppressionThreshold = 1_000_000

	// saturationVisitsPerDay is the daily visit rate that maxes out the
	// frequency component.
	saturationVisitsPerDay = 5.0

	// recencyHalfLife halves the recency component per elapsed day.
	recencyHalfLife = 24 * time.Hour

	// recencyFloor keeps long-idle pages marginally above zero.
	recencyFloor = 0.01

	frequencyWeight = 0.6
	recencyWeight   = 0.4
)

// Components breaks an arc score into its parts.
type Components struct {
	AccessFrequency float64
	RecencyScore    float64
	ARCScore        float64
}

// AccessFrequency normalizes the visit rate since the first visit into
// [0,1]. Rates at or above saturationVisitsPerDay clamp to 1.
func AccessFrequency(visitCount int64, firstVisited time.Time, now time.Time) float64 {
	if visitCount <= 0 {
		return 0
	}

	// Whole days only: a page 36 hours old is one day active.
	daysActive := math.Floor(now.Sub(firstVisited).Hours() / 24.0)
	if daysActive < 1 {
		daysActive = 1
	}

	freq := float64(visitCount) / daysActive / saturationVisitsPerDay
	return math.Min(freq, 1.0)
}

// RecencyScore decays exponentially with the time since the last visit,
// halving every 24 hours and flooring at recencyFloor.
func RecencyScore(lastVisited time.Time, now time.Time) float64 {
	hours := now.Sub(lastVisited).Hours()
	if hours < 0 {
		hours = 0
	}

	score := math.Pow(0.5, hours/recencyHalfLife.Hours())
	return math.Max(score, recencyFloor)
}

// Score computes the full component set for a page at the given time.
// Pages with no recorded visits score zero across the board.
func Score(page *models.Page, now time.Time) Components {
	if page.VisitCount <= 0 || page.FirstVisited == nil || page.LastVisited == nil {
		return Components{}
	}

	freq := AccessFrequency(page.VisitCount, *page.FirstVisited, now)
	rec := RecencyScore(*page.LastVisited, now)
	return Components{
		AccessFrequency: freq,
		RecencyScore:    rec,
		ARCScore:        frequencyWeight*freq + recencyWeight*rec,
	}
}
