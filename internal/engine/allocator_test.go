package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMakeReservationWithinBudget(t *testing.T) {
	a := NewAllocator(1024, nil)

	r, ok := a.MakeReservation(512)
	require.True(t, ok)
	assert.Equal(t, 512, a.Used())

	r.Release()
	assert.Equal(t, 0, a.Used())
}

func TestMakeReservationExceedsBudgetFails(t *testing.T) {
	a := NewAllocator(100, nil)

	_, ok := a.MakeReservation(200)
	assert.False(t, ok)
}

func TestReclaimerRunsOnRelease(t *testing.T) {
	a := NewAllocator(10, nil)
	r, ok := a.MakeReservation(10)
	require.True(t, ok)

	called := false
	a.PostReclaimer(func() { called = true })

	_, ok = a.MakeReservation(1)
	assert.False(t, ok, "budget still exhausted before release")

	r.Release()
	assert.True(t, called)
}
