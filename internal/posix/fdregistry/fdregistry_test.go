package fdregistry

import (
	"errors"
	"testing"

	"github.com/marmos91/rpccore/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdoptAndGet(t *testing.T) {
	r := New()
	h := r.Adopt(7)

	fd, err := r.Get(h)
	require.NoError(t, err)
	assert.Equal(t, 7, fd)
}

func TestCloseReturnsTrueOnlyOnce(t *testing.T) {
	r := New()
	h := r.Adopt(7)

	assert.True(t, r.Close(h))
	assert.False(t, r.Close(h), "closing an already-closed handle must return false")
}

func TestCloseWrongGeneration(t *testing.T) {
	r := New()
	h := r.Adopt(7)
	r.AdvanceGeneration()

	assert.False(t, r.Close(h))
}

// TestPostForkInvalidation is the literal E6 scenario: adopt fd=7 (handle
// h1, gen=1); AdvanceGeneration returns {7}; Close(h1) is false; a fresh
// Adopt(7) yields h2 (gen=2); Get(h1) is WrongGeneration; Get(h2) == 7.
func TestPostForkInvalidation(t *testing.T) {
	r := New()
	h1 := r.Adopt(7)
	require.Equal(t, uint64(1), h1.Generation())

	drained := r.AdvanceGeneration()
	assert.Equal(t, []int{7}, drained)

	assert.False(t, r.Close(h1))

	h2 := r.Adopt(7)
	assert.Equal(t, uint64(2), h2.Generation())

	_, err := r.Get(h1)
	assert.True(t, errors.Is(err, errs.ErrWrongGeneration))

	fd, err := r.Get(h2)
	require.NoError(t, err)
	assert.Equal(t, 7, fd)
}

func TestAdvanceGenerationDrainsAllFds(t *testing.T) {
	r := New()
	r.Adopt(1)
	r.Adopt(2)
	r.Adopt(3)

	drained := r.AdvanceGeneration()
	assert.ElementsMatch(t, []int{1, 2, 3}, drained)
	assert.Equal(t, 0, r.Size())
}
