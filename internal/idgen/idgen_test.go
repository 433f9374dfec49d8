package idgen

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProducesValidID(t *testing.T) {
	id := New(PrefixRun)
	assert.True(t, strings.HasPrefix(id, "run_"))
	assert.True(t, Valid(id), "id %q should match the opaque ID grammar", id)
}

func TestValidRejectsMalformedIDs(t *testing.T) {
	cases := []string{
		"",
		"run_short",
		"RUN_01ARZ3NDEKTSV4RRFFQ69G5FAV",
		"run-01ARZ3NDEKTSV4RRFFQ69G5FAV",
		"01ARZ3NDEKTSV4RRFFQ69G5FAV",
		"run_01arz3ndektsv4rrffq69g5fav", // lowercase body not allowed
	}
	for _, c := range cases {
		assert.False(t, Valid(c), "expected %q to be invalid", c)
	}
}

func TestIDsAreLexicographicallySortableByCreationOrder(t *testing.T) {
	clock := &steppedClock{at: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	src := NewSource(clock, nil)

	first := src.New(PrefixStep)
	clock.at = clock.at.Add(time.Millisecond)
	second := src.New(PrefixStep)
	clock.at = clock.at.Add(time.Millisecond)
	third := src.New(PrefixStep)

	assert.True(t, first < second)
	assert.True(t, second < third)
}

func TestFixedClockIsDeterministic(t *testing.T) {
	at := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	src := NewSource(FixedClock{At: at}, nil)
	require.Equal(t, at, src.Now())
}

type steppedClock struct {
	at time.Time
}

func (c *steppedClock) Now() time.Time {
	return c.at
}
