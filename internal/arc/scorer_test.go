package arc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/webmem/webmem/pkg/models"
)

func TestAccessFrequency(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	// 10 visits over 2 days: 10/2/5 = 1.0 exactly.
	first := now.Add(-48 * time.Hour)
	assert.InDelta(t, 1.0, AccessFrequency(10, first, now), 1e-9)

	// 1 visit over 2 days: 1/2/5 = 0.1.
	assert.InDelta(t, 0.1, AccessFrequency(1, first, now), 1e-9)

	// Heavy use clamps at 1.
	assert.InDelta(t, 1.0, AccessFrequency(1000, first, now), 1e-9)

	// First visit moments ago: days_active floors at 1.
	recent := now.Add(-time.Minute)
	assert.InDelta(t, 0.2, AccessFrequency(1, recent, now), 1e-9)

	// Partial days do not count: 36 hours is still one day active,
	// so 5 visits saturate the rate.
	assert.InDelta(t, 1.0, AccessFrequency(5, now.Add(-36*time.Hour), now), 1e-9)

	// 60 hours floors to two whole days: 5/2/5 = 0.5.
	assert.InDelta(t, 0.5, AccessFrequency(5, now.Add(-60*time.Hour), now), 1e-9)

	assert.Zero(t, AccessFrequency(0, first, now))
}

func TestRecencyScore(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	// Just visited.
	assert.InDelta(t, 1.0, RecencyScore(now, now), 1e-9)

	// One day ago: halved.
	assert.InDelta(t, 0.5, RecencyScore(now.Add(-24*time.Hour), now), 1e-9)

	// Two days ago: quartered.
	assert.InDelta(t, 0.25, RecencyScore(now.Add(-48*time.Hour), now), 1e-9)

	// Months ago: floors at 0.01.
	assert.InDelta(t, 0.01, RecencyScore(now.Add(-90*24*time.Hour), now), 1e-9)

	// Clock skew: future last visit treated as now.
	assert.InDelta(t, 1.0, RecencyScore(now.Add(time.Hour), now), 1e-9)
}

func TestScore(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	first := now.Add(-48 * time.Hour)
	last := now.Add(-24 * time.Hour)

	page := &models.Page{
		VisitCount:   5,
		FirstVisited: &first,
		LastVisited:  &last,
	}

	comp := Score(page, now)
	// freq = 5/2/5 = 0.5, rec = 0.5, arc = 0.6*0.5 + 0.4*0.5 = 0.5
	assert.InDelta(t, 0.5, comp.AccessFrequency, 1e-9)
	assert.InDelta(t, 0.5, comp.RecencyScore, 1e-9)
	assert.InDelta(t, 0.5, comp.ARCScore, 1e-9)
}

func TestScore_NeverVisited(t *testing.T) {
	comp := Score(&models.Page{}, time.Now())
	assert.Zero(t, comp.AccessFrequency)
	assert.Zero(t, comp.RecencyScore)
	assert.Zero(t, comp.ARCScore)
}
