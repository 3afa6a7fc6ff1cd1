package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeFiresInDeadlineOrder(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	var order []string
	c.AfterFunc(3*time.Second, func() { order = append(order, "c") })
	c.AfterFunc(time.Second, func() { order = append(order, "a") })
	c.AfterFunc(2*time.Second, func() { order = append(order, "b") })

	c.Advance(2 * time.Second)
	assert.Equal(t, []string{"a", "b"}, order)
	assert.Equal(t, 1, c.Pending())

	c.Advance(time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, time.Unix(3, 0), c.Now())
}

func TestFakeStop(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())
	c.Advance(time.Minute)
	assert.False(t, fired)
	assert.Zero(t, c.Pending())
}

func TestFakeTimerScheduledFromCallback(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	var fires []time.Time
	c.AfterFunc(time.Second, func() {
		fires = append(fires, c.Now())
		c.AfterFunc(time.Second, func() { fires = append(fires, c.Now()) })
	})

	c.Advance(5 * time.Second)
	assert.Equal(t, []time.Time{time.Unix(1, 0), time.Unix(2, 0)}, fires)
	assert.Equal(t, time.Unix(5, 0), c.Now())
}

func TestFiredTimerCannotStop(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	timer := c.AfterFunc(0, func() {})
	c.Advance(0)
	assert.False(t, timer.Stop())
}
