package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRunAfterDurationFires(t *testing.T) {
	e := NewTimerEngine()
	fired := make(chan struct{})
	e.RunAfterDuration(10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestCancelBeforeFireSuppresses(t *testing.T) {
	e := NewTimerEngine()
	fired := make(chan struct{}, 1)
	h := e.RunAfterDuration(50*time.Millisecond, func() { fired <- struct{}{} })

	assert.True(t, e.Cancel(h))

	select {
	case <-fired:
		t.Fatal("cancelled timer must not fire")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCancelAfterFireReturnsFalse(t *testing.T) {
	e := NewTimerEngine()
	done := make(chan struct{})
	h := e.RunAfterDuration(time.Millisecond, func() { close(done) })

	<-done
	time.Sleep(5 * time.Millisecond)
	assert.False(t, e.Cancel(h))
}
