package zerocopy

import (
	"testing"

	"github.com/marmos91/rpccore/pkg/bufpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCtx(t *testing.T, maxSends int) *Ctx {
	t.Helper()
	return New(maxSends, 4096, bufpool.NewPool(nil))
}

func TestGetSendRecordExhaustsPool(t *testing.T) {
	c := newTestCtx(t, 2)

	r1 := c.GetSendRecord()
	r2 := c.GetSendRecord()
	require.NotNil(t, r1)
	require.NotNil(t, r2)

	assert.Nil(t, c.GetSendRecord(), "pool of size 2 must be exhausted after two checkouts")
}

// TestRefcountReturnsToFreeList verifies that Ref()/Unref() calls balance
// and the record returns to the free-list exactly once its refcount hits
// zero.
func TestRefcountReturnsToFreeList(t *testing.T) {
	c := newTestCtx(t, 1)

	r := c.GetSendRecord()
	require.NotNil(t, r)
	assert.Nil(t, c.GetSendRecord())

	seq := c.NoteSend(r) // refcount now 2 (outer write + sendmsg)
	c.ReleaseSendRecord(seq)

	assert.False(t, c.AllRecordsEmpty(), "outer write ref still held")

	c.ReleaseOuterRef(r)
	require.Zero(t, r.refcount)
	assert.True(t, c.AllRecordsEmpty())

	for _, b := range r.Buf {
		assert.Zero(t, b, "buffer must be zeroed once refcount reaches zero")
	}
}

func TestUndoSendRestoresSequenceAndFreesRecord(t *testing.T) {
	c := newTestCtx(t, 1)
	r := c.GetSendRecord()
	c.NoteSend(r)

	c.UndoSend(r)
	// UndoSend drops the send's ref; the outer write's ref goes separately.
	c.ReleaseOuterRef(r)
	assert.True(t, c.AllRecordsEmpty())

	r2 := c.GetSendRecord()
	assert.NotNil(t, r2)
}

func TestOptMemOpenToFullToOpenOnSendCompletion(t *testing.T) {
	c := newTestCtx(t, 4)
	assert.Equal(t, StateOpen, c.State())

	wake, _ := c.UpdateAfterSend(true) // ENOBUFS, OPEN -> FULL
	assert.False(t, wake)
	assert.Equal(t, StateFull, c.State())

	wake, _ = c.UpdateAfterSend(false) // no ENOBUFS, != OPEN -> OPEN
	assert.False(t, wake)
	assert.Equal(t, StateOpen, c.State())
}

func TestOptMemFreeWakesWhenFull(t *testing.T) {
	c := newTestCtx(t, 4)
	c.UpdateAfterSend(true) // -> FULL

	wake := c.UpdateAfterOptMemFree()
	assert.True(t, wake)
	assert.Equal(t, StateOpen, c.State())
}

func TestOptMemFreeDoesNotWakeWhenOpen(t *testing.T) {
	c := newTestCtx(t, 4)
	assert.False(t, c.UpdateAfterOptMemFree())
}

func TestOptMemCheckTransitionDuringActiveSend(t *testing.T) {
	c := newTestCtx(t, 4)
	r := c.GetSendRecord()
	c.NoteSend(r) // writeBusy = true

	wake := c.UpdateAfterOptMemFree()
	assert.False(t, wake)
	assert.Equal(t, StateCheck, c.State())

	wake, _ = c.UpdateAfterSend(true) // seenENOBUFS && CHECK -> OPEN, wake
	assert.True(t, wake)
	assert.Equal(t, StateOpen, c.State())
}

func TestResourceConstrainedDetection(t *testing.T) {
	c := newTestCtx(t, 4)
	r := c.GetSendRecord()
	c.NoteSend(r)

	_, constrained := c.UpdateAfterSend(true)
	assert.True(t, constrained, "exactly one outstanding record + ENOBUFS signals resource constraint")
}

func TestMemoryLimitedModeDisablesZerocopy(t *testing.T) {
	c := New(4, 4096, nil)
	assert.True(t, c.MemoryLimited())
	assert.Nil(t, c.GetSendRecord())
}

func TestShutdownBlocksFutureCheckouts(t *testing.T) {
	c := newTestCtx(t, 2)
	c.Shutdown()
	assert.Nil(t, c.GetSendRecord())
}
