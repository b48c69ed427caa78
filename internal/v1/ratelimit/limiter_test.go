package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	testingclock "k8s.io/utils/clock/testing"
)

func TestSlidingWindow_AdmitsUpToLimit(t *testing.T) {
	fake := testingclock.NewFakePassiveClock(time.Now())
	sw := newSlidingWindow(10, fake)

	for i := 0; i < 10; i++ {
		assert.True(t, sw.CanProceed(), "event %d should be admitted", i)
		assert.True(t, sw.Record())
	}

	assert.False(t, sw.CanProceed())
	assert.False(t, sw.Record(), "11th record in the window fails")
}

func TestSlidingWindow_RecordMakesNoChangeWhenFull(t *testing.T) {
	fake := testingclock.NewFakePassiveClock(time.Now())
	sw := newSlidingWindow(2, fake)

	assert.True(t, sw.Record())
	assert.True(t, sw.Record())
	assert.False(t, sw.Record())

	// A rejected Record must not consume capacity that frees up later.
	fake.SetTime(fake.Now().Add(1001 * time.Millisecond))
	assert.True(t, sw.Record())
	assert.True(t, sw.Record())
	assert.False(t, sw.Record())
}

func TestSlidingWindow_WindowSlides(t *testing.T) {
	start := time.Now()
	fake := testingclock.NewFakePassiveClock(start)
	sw := newSlidingWindow(3, fake)

	assert.True(t, sw.Record())
	fake.SetTime(start.Add(400 * time.Millisecond))
	assert.True(t, sw.Record())
	assert.True(t, sw.Record())
	assert.False(t, sw.Record())

	// 1000 ms after the first event only that event has aged out.
	fake.SetTime(start.Add(1000 * time.Millisecond))
	assert.True(t, sw.CanProceed())
	assert.True(t, sw.Record())
	assert.False(t, sw.Record())
}

func TestSlidingWindow_Reset(t *testing.T) {
	fake := testingclock.NewFakePassiveClock(time.Now())
	sw := newSlidingWindow(1, fake)

	assert.True(t, sw.Record())
	assert.False(t, sw.Record())

	sw.Reset()
	assert.True(t, sw.Record())
}

func TestSlidingWindow_DefaultsInvalidLimit(t *testing.T) {
	sw := NewSlidingWindow(0)
	assert.Equal(t, DefaultMaxPerSecond, sw.maxPerSecond)
}

func TestNewOpsLimiter(t *testing.T) {
	_, err := NewOpsLimiter("100-M")
	assert.NoError(t, err)

	_, err = NewOpsLimiter("not-a-rate")
	assert.Error(t, err)
}
