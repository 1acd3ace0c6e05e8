package client

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSeenSetDeduplicates(t *testing.T) {
	s := newSeenSet()
	assert.True(t, s.Add("a"))
	assert.False(t, s.Add("a"))
	assert.True(t, s.Has("a"))
	assert.False(t, s.Has("b"))
}

func TestSeenSetEvictsOldest(t *testing.T) {
	s := newSeenSet()
	for i := 0; i <= seenCap; i++ {
		s.Add(fmt.Sprintf("id-%d", i))
	}

	// Crossing the cap drops the window down to the low-water mark.
	assert.Equal(t, seenLow, s.Len())
	assert.False(t, s.Has("id-0"))
	assert.True(t, s.Has(fmt.Sprintf("id-%d", seenCap)))

	// Evicted ids read as new again.
	assert.True(t, s.Add("id-0"))
}

func TestSeenSetStaysBounded(t *testing.T) {
	s := newSeenSet()
	for i := 0; i < 10*seenCap; i++ {
		s.Add(fmt.Sprintf("id-%d", i))
	}
	assert.LessOrEqual(t, s.Len(), seenCap)
}
