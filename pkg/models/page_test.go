package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPageValidate(t *testing.T) {
	page := &Page{URL: "https://example.com"}
	assert.NoError(t, page.Validate())

	assert.ErrorIs(t, (&Page{}).Validate(), ErrValidation)

	assert.ErrorIs(t, (&Page{URL: "https://example.com", VisitCount: -1}).Validate(), ErrValidation)

	later := time.Now()
	earlier := later.Add(-time.Hour)
	ok := &Page{URL: "https://example.com", FirstVisited: &earlier, LastVisited: &later}
	assert.NoError(t, ok.Validate())

	flipped := &Page{URL: "https://example.com", FirstVisited: &later, LastVisited: &earlier}
	assert.ErrorIs(t, flipped.Validate(), ErrValidation)
}
