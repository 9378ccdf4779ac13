package sensors_test

import (
	"testing"
	"time"

	"codeberg.org/mutker/balancectl/internal/sensors"
	"github.com/stretchr/testify/assert"
)

func TestBufferEvictsOutsideWindow(t *testing.T) {
	b := sensors.NewBuffer[int](10 * time.Second)
	base := time.Unix(0, 0)

	for i := 0; i <= 20; i++ {
		b.Append(base.Add(time.Duration(i)*time.Second), i)
	}

	assert.Equal(t, 11, b.Len(), "entries 10..20 stay within the window")
	assert.Equal(t, []int{18, 19, 20}, b.Since(base.Add(18*time.Second)))
}

func TestBufferSinceEmpty(t *testing.T) {
	b := sensors.NewBuffer[int](0)

	assert.Equal(t, sensors.DefaultBufferWindow, b.Window())
	assert.Empty(t, b.Since(time.Unix(0, 0)))
}
